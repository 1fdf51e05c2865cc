// Package queue defines the fixed queue registry, per-queue configuration
// and descriptors, and the runtime manager enforcing concurrency and rate
// limits on dispatch.
package queue

import (
	"time"

	"github.com/embermedia/conductor"
)

// Registered is the fixed set of queue names. Adding a queue is a
// configuration change, not a runtime operation.
var Registered = []string{
	"business-discovery",
	"instagram-detection",
	"video-scraping",
	"video-analysis",
	"report-generation",
	"file-processing",
	"cleanup",
	"notifications",
}

// IsRegistered reports whether name is in the fixed registry.
func IsRegistered(name string) bool {
	for _, q := range Registered {
		if q == name {
			return true
		}
	}
	return false
}

// HealthStatus summarizes a queue's recent failure behaviour.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// Config is the per-queue tuning block.
type Config struct {
	// Concurrency is the number of worker slots for the queue.
	Concurrency int `json:"concurrency"`

	// RetryAttempts is the default MaxAttempts for jobs submitted without
	// an explicit cap.
	RetryAttempts int `json:"retry_attempts"`

	// RetryDelay is the backoff base between attempts.
	RetryDelay time.Duration `json:"retry_delay"`

	// RetainCompleted and RetainFailed cap how many terminal records
	// retention keeps for the queue.
	RetainCompleted int `json:"retain_completed"`
	RetainFailed    int `json:"retain_failed"`

	// HandlerTimeout is the lease duration and default handler deadline.
	HandlerTimeout time.Duration `json:"handler_timeout"`

	// RateLimit is the maximum sustained dispatches per second. Zero
	// disables rate limiting. RateBurst defaults to 1 when RateLimit is
	// set.
	RateLimit float64 `json:"rate_limit,omitempty"`
	RateBurst int     `json:"rate_burst,omitempty"`
}

// Validate rejects configurations the worker pool cannot honor.
func (c Config) Validate() error {
	if c.Concurrency < 1 || c.RetryAttempts < 1 || c.RetryDelay < 0 ||
		c.RetainCompleted < 0 || c.RetainFailed < 0 || c.HandlerTimeout <= 0 ||
		c.RateLimit < 0 {
		return conductor.ErrInvalidConfig
	}
	return nil
}

// Descriptor is the persisted record of one named queue. Aggregates are
// caches refreshed by the scheduler's metrics task; dispatch decisions
// never read them.
type Descriptor struct {
	conductor.Entity

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// IsActive is the pause flag. In-flight jobs continue when false;
	// ready jobs accumulate until resumed.
	IsActive bool `json:"is_active"`

	Config Config `json:"configuration"`

	ProcessingRatePerMin float64      `json:"processing_rate_per_min"`
	AvgProcessingTimeMS  int64        `json:"avg_processing_time_ms"`
	LastProcessedAt      *time.Time   `json:"last_processed_at,omitempty"`
	HealthStatus         HealthStatus `json:"health_status"`
	LastHealthCheck      *time.Time   `json:"last_health_check,omitempty"`
}

// NewDescriptor creates an active descriptor with the given configuration.
func NewDescriptor(name string, cfg Config) *Descriptor {
	return &Descriptor{
		Entity:       conductor.NewEntity(),
		Name:         name,
		IsActive:     true,
		Config:       cfg,
		HealthStatus: HealthHealthy,
	}
}

// EvaluateHealth applies the health rules to an observation window:
// error when failures outnumber completions, warning when failures are
// both frequent and a noticeable fraction of completions.
func EvaluateHealth(completed, failed int64) HealthStatus {
	switch {
	case failed > completed:
		return HealthError
	case failed > 10 && float64(failed) > 0.1*float64(completed):
		return HealthWarning
	default:
		return HealthHealthy
	}
}
