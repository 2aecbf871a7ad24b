package breaker

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/ethicalzen/sentinel-gateway/internal/config"
)

// ErrOpen is returned when a dependency's circuit is open. Callers map it
// to their Unavailable kind and fail fast without issuing I/O.
var ErrOpen = errors.New("circuit open")

// Table holds one circuit breaker per named external dependency
// (contract registry, embedding backend, judge model, telemetry sink).
type Table struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker

	threshold uint32
	cooldown  time.Duration
}

// NewTable creates a breaker table with the configured trip threshold and
// cool-down window.
func NewTable(cfg config.BreakerConfig) *Table {
	return &Table{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: uint32(cfg.FailureThreshold),
		cooldown:  time.Duration(cfg.CooldownS) * time.Second,
	}
}

func (t *Table) get(name string) *gobreaker.CircuitBreaker {
	t.mu.RLock()
	cb, ok := t.breakers[name]
	t.mu.RUnlock()
	if ok {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok = t.breakers[name]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // half-open admits a single probe
		Timeout:     t.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"dependency": name,
				"from":       from.String(),
				"to":         to.String(),
			}).Warn("Circuit state changed")
		},
	})
	t.breakers[name] = cb
	return cb
}

// Do runs fn through the named circuit. While the circuit is open, Do
// returns ErrOpen immediately.
func (t *Table) Do(name string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := t.get(name).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return res, err
}

// State returns the named circuit's state as a string ("closed", "open",
// "half-open"). Unused dependencies report closed.
func (t *Table) State(name string) string {
	t.mu.RLock()
	cb, ok := t.breakers[name]
	t.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// States snapshots every known circuit for the health surface.
func (t *Table) States() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]string, len(t.breakers))
	for name, cb := range t.breakers {
		out[name] = cb.State().String()
	}
	return out
}
