// Package breaker implements the per-origin circuit breaker (spec.md
// §4.3) as a thin wrapper around github.com/sony/gobreaker. gobreaker
// supplies the closed/open/half-open state machine and cooldown timer;
// this package adds the half-open concurrent-probe budget (bounded by an
// atomic counter, since gobreaker's MaxRequests alone conflates "probes
// admitted concurrently" with "successes needed to close") and wires
// state transitions into pkg/metrics.
package breaker

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	yerrors "github.com/yatagarasu/yatagarasu/internal/errors"
	"github.com/yatagarasu/yatagarasu/pkg/metrics"
)

// Config mirrors the per-bucket circuit_breaker block in the
// configuration schema.
type Config struct {
	Name             string
	FailureThreshold int
	WindowSize       int
	CooldownSeconds  int
	ProbeBudget      int
	SuccessThreshold int
}

type Breaker struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	probeBudget int32
	probesInUse int32
}

func New(cfg Config) *Breaker {
	b := &Breaker{
		name:        cfg.Name,
		probeBudget: int32(cfg.ProbeBudget),
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    0, // counts accumulate for the life of the closed period; cleared on state change
		Timeout:     time.Duration(cfg.CooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.Requests) >= cfg.WindowSize && int(counts.TotalFailures) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetCircuitBreakerState(name, stateGauge(to))
		},
	})

	metrics.SetCircuitBreakerState(cfg.Name, stateGauge(gobreaker.StateClosed))
	return b
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerStateOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerStateHalfOpen
	default:
		return metrics.BreakerStateClosed
	}
}

// Call executes fn if the breaker admits the request. In Half-Open, admission
// is additionally bounded by ProbeBudget concurrent in-flight probes; probes
// beyond the budget are treated as if the breaker were Open.
func (b *Breaker) Call(fn func() error) error {
	if !b.admitProbe() {
		return yerrors.New(yerrors.ErrorTypeUpstreamUnavailable, "circuit breaker probe budget exceeded").WithDetails(b.name)
	}
	defer b.releaseProbe()

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return yerrors.New(yerrors.ErrorTypeUpstreamUnavailable, "circuit breaker is open").WithDetails(b.name)
	}
	return err
}

func (b *Breaker) admitProbe() bool {
	if b.cb.State() != gobreaker.StateHalfOpen {
		return true
	}
	n := atomic.AddInt32(&b.probesInUse, 1)
	if n > b.probeBudget {
		atomic.AddInt32(&b.probesInUse, -1)
		return false
	}
	return true
}

func (b *Breaker) releaseProbe() {
	atomic.AddInt32(&b.probesInUse, -1)
}

// State returns one of "closed", "open", "half_open".
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (b *Breaker) Name() string { return b.name }

// Counts exposes the request/failure counters gobreaker has accumulated
// since the breaker's last state change (Interval is 0, so they are not
// cleared while the breaker stays closed).
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
