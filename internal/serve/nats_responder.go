package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/metrics"
	"github.com/gftdcojp/tiered-block-store/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// HeartbeatSubject returns the subject a worker publishes reports on:
// {prefix}.heartbeat.{worker}.
func HeartbeatSubject(prefix, workerID string) string {
	return subjectPrefix(prefix) + ".heartbeat." + workerID
}

// StoreSubject returns the request-reply subject answering with a worker's
// store snapshot: {prefix}.store.{worker}.
func StoreSubject(prefix, workerID string) string {
	return subjectPrefix(prefix) + ".store." + workerID
}

func subjectPrefix(prefix string) string {
	if prefix == "" {
		return "tbs"
	}
	return prefix
}

// HeartbeatConfig configures RunHeartbeat. KV is optional.
type HeartbeatConfig struct {
	NC       *nats.Conn
	KV       jetstream.KeyValue
	Prefix   string
	Interval time.Duration
}

// RunHeartbeat publishes the worker report every interval until ctx is done.
// Each report carries the block changes since the previous one. With a KV
// bucket the latest report is also stored under the worker id.
func RunHeartbeat(ctx context.Context, cfg HeartbeatConfig, m *worker.BlockDataManager, logger *zap.Logger) error {
	subject := HeartbeatSubject(cfg.Prefix, m.WorkerID())
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	logger.Info("heartbeat publisher started", zap.String("subject", subject), zap.Duration("interval", cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := publishReport(ctx, cfg, subject, m.Report())
			metrics.HeartbeatsPublished.WithLabelValues(metrics.Status(err)).Inc()
			if err != nil {
				logger.Warn("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

func publishReport(ctx context.Context, cfg HeartbeatConfig, subject string, rep worker.Report) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := cfg.NC.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing report: %w", err)
	}
	if cfg.KV != nil {
		if _, err := cfg.KV.Put(ctx, rep.WorkerID, data); err != nil {
			return fmt.Errorf("storing report in kv: %w", err)
		}
	}
	return nil
}

// RunNATSResponder answers store snapshot requests on
// {prefix}.store.{worker}.
func RunNATSResponder(ctx context.Context, nc *nats.Conn, prefix string, m *worker.BlockDataManager, logger *zap.Logger) error {
	subject := StoreSubject(prefix, m.WorkerID())
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		resp, err := json.Marshal(m.StoreMeta())
		if err != nil {
			msg.Respond([]byte(fmt.Sprintf(`{"error":%q}`, err.Error())))
			return
		}
		msg.Respond(resp)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	logger.Info("NATS responder started", zap.String("subject", subject))

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}
