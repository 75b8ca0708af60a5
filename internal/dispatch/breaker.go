package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"hookline/internal/logging"
	"hookline/internal/metrics"
)

type BreakerSettings struct {
	FailureRatio float64
	MinRequests  uint32
	Cooldown     time.Duration
}

// Breakers keeps one circuit breaker per destination host. Only transport
// failures count against a host; any HTTP status is a success.
type Breakers struct {
	settings BreakerSettings
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(s BreakerSettings, logger *zap.Logger, m *metrics.Metrics) *Breakers {
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.5
	}
	if s.MinRequests == 0 {
		s.MinRequests = 10
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return &Breakers{
		settings: s,
		logger:   logging.OrNop(logger),
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *Breakers) get(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[host]; ok {
		return cb
	}
	s := b.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    s.Cooldown,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrResponseTooLarge)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("breaker_state_change",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			b.metrics.BreakerTransition(name, from.String(), to.String())
		},
	})
	b.breakers[host] = cb
	return cb
}

// Execute runs fn under the breaker for host.
func (b *Breakers) Execute(host string, fn func() error) error {
	_, err := b.get(host).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
