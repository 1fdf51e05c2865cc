package conductor

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds process-wide configuration for the orchestrator.
// All values are optional; DefaultConfig documents the defaults.
type Config struct {
	// HTTPAddr is the listen address for the admin/ingestion HTTP adapter.
	HTTPAddr string `env:"CONDUCTOR_HTTP_ADDR" envDefault:":8080"`

	// StoreURL selects the backing store. A postgres:// URL enables the
	// pgx store; empty keeps everything in memory.
	StoreURL string `env:"CONDUCTOR_STORE_URL"`

	// BrokerURL selects the queue broker. A redis:// URL enables the
	// Redis broker; empty keeps the broker in memory.
	BrokerURL string `env:"CONDUCTOR_BROKER_URL"`

	// Concurrency is the default per-queue worker slot count, used for
	// queues without an explicit configuration.
	Concurrency int `env:"CONDUCTOR_CONCURRENCY" envDefault:"5"`

	// MaxAttempts is the default dispatch attempt cap per job.
	MaxAttempts int `env:"CONDUCTOR_MAX_ATTEMPTS" envDefault:"3"`

	// RetryDelay is the default backoff base between attempts.
	RetryDelay time.Duration `env:"CONDUCTOR_RETRY_DELAY" envDefault:"2s"`

	// BackoffCeiling caps the exponential retry delay.
	BackoffCeiling time.Duration `env:"CONDUCTOR_BACKOFF_CEILING" envDefault:"5m"`

	// HandlerTimeout is the default lease duration (and handler deadline)
	// for queues without an explicit one.
	HandlerTimeout time.Duration `env:"CONDUCTOR_HANDLER_TIMEOUT" envDefault:"2m"`

	// PollInterval is how long an idle worker slot waits before trying
	// to reserve again.
	PollInterval time.Duration `env:"CONDUCTOR_POLL_INTERVAL" envDefault:"500ms"`

	// PromoteInterval drives the delayed-to-ready promotion task.
	PromoteInterval time.Duration `env:"CONDUCTOR_PROMOTE_INTERVAL" envDefault:"1s"`

	// StallSweepInterval drives expired-lease reaping.
	StallSweepInterval time.Duration `env:"CONDUCTOR_STALL_SWEEP_INTERVAL" envDefault:"30s"`

	// MetricsInterval drives queue aggregate and health refresh.
	MetricsInterval time.Duration `env:"CONDUCTOR_METRICS_INTERVAL" envDefault:"60s"`

	// RetentionInterval drives the retention trim task.
	RetentionInterval time.Duration `env:"CONDUCTOR_RETENTION_INTERVAL" envDefault:"24h"`

	// RetentionCutoff hard-expires terminal jobs older than this.
	RetentionCutoff time.Duration `env:"CONDUCTOR_RETENTION_CUTOFF" envDefault:"720h"`

	// RetainCompleted and RetainFailed are the default per-queue caps on
	// kept terminal records.
	RetainCompleted int `env:"CONDUCTOR_RETAIN_COMPLETED" envDefault:"1000"`
	RetainFailed    int `env:"CONDUCTOR_RETAIN_FAILED" envDefault:"5000"`

	// MaxPayloadBytes bounds the payload accepted at submission.
	MaxPayloadBytes int `env:"CONDUCTOR_MAX_PAYLOAD_BYTES" envDefault:"1048576"`

	// MaxDelay bounds ScheduleDelayed requests.
	MaxDelay time.Duration `env:"CONDUCTOR_MAX_DELAY" envDefault:"168h"`

	// SchedulerTimezone is the IANA zone cron expressions are evaluated in.
	SchedulerTimezone string `env:"CONDUCTOR_SCHEDULER_TZ" envDefault:"UTC"`

	// HandlersJSON maps (queue, type) pairs to downstream worker endpoints:
	// a JSON array of {queue, type, url, method, timeout_ms} objects.
	HandlersJSON string `env:"CONDUCTOR_HANDLERS"`

	// ShutdownTimeout is the maximum wait for graceful drain.
	ShutdownTimeout time.Duration `env:"CONDUCTOR_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:           ":8080",
		Concurrency:        5,
		MaxAttempts:        3,
		RetryDelay:         2 * time.Second,
		BackoffCeiling:     5 * time.Minute,
		HandlerTimeout:     2 * time.Minute,
		PollInterval:       500 * time.Millisecond,
		PromoteInterval:    time.Second,
		StallSweepInterval: 30 * time.Second,
		MetricsInterval:    60 * time.Second,
		RetentionInterval:  24 * time.Hour,
		RetentionCutoff:    30 * 24 * time.Hour,
		RetainCompleted:    1000,
		RetainFailed:       5000,
		MaxPayloadBytes:    1 << 20,
		MaxDelay:           7 * 24 * time.Hour,
		SchedulerTimezone:  "UTC",
		ShutdownTimeout:    30 * time.Second,
	}
}

// LoadConfig reads configuration from the environment on top of the defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("conductor: parse environment: %w", err)
	}
	return cfg, nil
}
