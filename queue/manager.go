package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// queueState tracks runtime dispatch state for a single queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager gates dispatch per queue: a token-bucket rate limit plus a hard
// concurrency cap. Worker slots call Acquire before executing a reserved
// job and Release when the attempt finishes. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager. Queues without a configuration have no
// limits.
func NewManager() *Manager {
	return &Manager{queues: make(map[string]*queueState)}
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Acquire checks the rate limit and concurrency cap for the queue. When the
// dispatch is allowed it increments the active counter and returns true.
// The caller MUST call Release when the attempt completes.
func (m *Manager) Acquire(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return true
	}
	if qs.limiter != nil && !qs.limiter.Allow() {
		return false
	}
	if qs.config.Concurrency > 0 && qs.active >= qs.config.Concurrency {
		return false
	}
	qs.active++
	return true
}

// Release decrements the active count for the queue.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// SetConfig updates (or creates) a queue configuration, preserving the
// current active count so running attempts stay accounted.
func (m *Manager) SetConfig(queue string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := newQueueState(cfg)
	if existing := m.queues[queue]; existing != nil {
		qs.active = existing.active
	}
	m.queues[queue] = qs
}

// ActiveCount returns the current number of active attempts for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
