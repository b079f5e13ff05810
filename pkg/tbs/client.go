package tbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config configures the client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// JS is the JetStream context. Only needed for report bucket reads.
	JS jetstream.JetStream

	// SubjectPrefix is the prefix workers publish under. Defaults to "tbs".
	SubjectPrefix string

	// Bucket is the key-value bucket holding worker reports.
	// Defaults to "tbs_workers".
	Bucket string

	// Timeout for worker requests. Defaults to 5s.
	Timeout time.Duration
}

// Client queries tiered block store workers.
type Client struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	prefix  string
	bucket  string
	timeout time.Duration
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("tbs: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "tbs"
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "tbs_workers"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		nc:      cfg.NC,
		js:      cfg.JS,
		prefix:  prefix,
		bucket:  bucket,
		timeout: timeout,
	}, nil
}

// StoreMeta asks a worker for its current store snapshot.
func (c *Client) StoreMeta(ctx context.Context, workerID string) (*StoreMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subject := fmt.Sprintf("%s.store.%s", c.prefix, workerID)
	resp, err := c.nc.RequestWithContext(ctx, subject, nil)
	if err != nil {
		if isNoResponders(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoWorker, workerID)
		}
		return nil, fmt.Errorf("tbs: store request to %s: %w", workerID, err)
	}

	var result struct {
		Error string `json:"error"`
		StoreMeta
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("tbs: decoding store snapshot: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("tbs: worker %s: %s", workerID, result.Error)
	}
	return &result.StoreMeta, nil
}

// LatestReport returns the last report a worker stored in the report bucket.
func (c *Client) LatestReport(ctx context.Context, workerID string) (*Report, error) {
	kv, err := c.reports(ctx)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(ctx, workerID)
	if err != nil {
		if isKeyMissing(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoWorker, workerID)
		}
		return nil, fmt.Errorf("tbs: reading report of %s: %w", workerID, err)
	}
	var rep Report
	if err := json.Unmarshal(entry.Value(), &rep); err != nil {
		return nil, fmt.Errorf("tbs: decoding report of %s: %w", workerID, err)
	}
	return &rep, nil
}

// Workers lists the worker ids with a report in the report bucket.
func (c *Client) Workers(ctx context.Context) ([]string, error) {
	kv, err := c.reports(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("tbs: listing workers: %w", err)
	}
	return keys, nil
}

// WatchHeartbeats calls fn for every worker report until ctx is done.
// Reports that fail to decode are skipped.
func (c *Client) WatchHeartbeats(ctx context.Context, fn func(Report)) error {
	subject := c.prefix + ".heartbeat.*"
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var rep Report
		if err := json.Unmarshal(msg.Data, &rep); err != nil {
			return
		}
		fn(rep)
	})
	if err != nil {
		return fmt.Errorf("tbs: subscribing to %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

func (c *Client) reports(ctx context.Context) (jetstream.KeyValue, error) {
	if c.js == nil {
		return nil, ErrNoJetStream
	}
	kv, err := c.js.KeyValue(ctx, c.bucket)
	if err != nil {
		return nil, fmt.Errorf("tbs: opening report bucket %q: %w", c.bucket, err)
	}
	return kv, nil
}
