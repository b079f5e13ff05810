package config

import (
	"time"

	"github.com/google/uuid"
)

func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			ID: uuid.NewString(),
		},
		Evictor: EvictorConfig{
			Policy:      "lru",
			LockTimeout: Duration(5 * time.Second),
		},
		Session: SessionConfig{
			Timeout:         Duration(30 * time.Second),
			CleanupInterval: Duration(10 * time.Second),
		},
		Journal: JournalConfig{
			Path: "/var/lib/tbs/journal.db",
		},
		Heartbeat: HeartbeatConfig{
			Enabled: false,
			NATS: NATSConfig{
				URL:            "nats://localhost:4222",
				ConnectionName: "tbs-worker",
				MaxReconnects:  -1,
				ReconnectWait:  Duration(2 * time.Second),
			},
			SubjectPrefix: "tbs",
			Interval:      Duration(10 * time.Second),
			KVBucket:      "tbs_workers",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
