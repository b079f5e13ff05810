// Package natsutil builds the NATS connection a worker reports over, with
// TLS, credentials, NKey and reconnection handling.
package natsutil

import (
	"fmt"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/config"
	"github.com/gftdcojp/tiered-block-store/internal/metrics"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionName is the client name announced to the server. An explicit
// name in cfg wins; otherwise the worker id is appended to "tbs-worker".
func ConnectionName(cfg config.NATSConfig, workerID string) string {
	if cfg.ConnectionName != "" && cfg.ConnectionName != "tbs-worker" {
		return cfg.ConnectionName
	}
	if workerID == "" {
		return "tbs-worker"
	}
	return "tbs-worker-" + workerID
}

// Options turns cfg into connect options. Reports are small, so the
// reconnect buffer only needs to hold a few intervals of them.
func Options(cfg config.NATSConfig, workerID string, logger *zap.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(ConnectionName(cfg, workerID)),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.NATSReconnects.Inc()
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS async error", zap.Error(err))
		}),
		nats.ReconnectBufSize(1024 * 1024),
		nats.PingInterval(20 * time.Second),
	}

	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	if cfg.NKeySeedFile != "" {
		opt, err := nats.NkeyOptionFromSeed(cfg.NKeySeedFile)
		if err != nil {
			return nil, fmt.Errorf("loading nkey seed: %w", err)
		}
		opts = append(opts, opt)
	}

	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, fmt.Errorf("tls cert_file and key_file must be set together")
	}
	if cfg.TLS.CertFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
	}
	if cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
	}
	return opts, nil
}

// Connect dials cfg.URL on behalf of workerID.
func Connect(cfg config.NATSConfig, workerID string, logger *zap.Logger) (*nats.Conn, error) {
	opts, err := Options(cfg, workerID, logger)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("connected to NATS",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("server_id", nc.ConnectedServerId()),
		zap.String("name", ConnectionName(cfg, workerID)),
	)
	return nc, nil
}
