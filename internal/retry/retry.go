// Package retry implements the origin retry policy of spec.md §4.4:
// classify one attempt's outcome, then decide Retry(delay) or GiveUp.
// The exponential-backoff-with-full-jitter shape mirrors the retryers
// bundled with aws-sdk-go-v2 (already a dependency via internal/sigv4),
// rather than introducing a separate backoff library.
package retry

import (
	"errors"
	"math/rand"
	"net/http"
	"time"
)

// Outcome classifies one origin attempt.
type Outcome struct {
	StatusCode int
	Err        error
	RetryAfter time.Duration // from the origin's Retry-After header, if any
}

// Decision is the result of evaluating an Outcome.
type Decision struct {
	Retry bool
	Delay time.Duration
	Give  error // non-nil when Retry is false: the reason to give up
}

// Policy holds the backoff parameters: exponential with full jitter,
// base b, cap c, and a hard attempt ceiling.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{Base: 50 * time.Millisecond, Cap: 5 * time.Second, MaxAttempts: 4}
}

var ErrBodyIntegrity = errors.New("response body failed integrity check")

// Evaluate decides whether attemptIndex (0-based, the attempt that just
// finished) may be retried given outcome and the method being retried.
// Only GET/HEAD are ever retried; spec.md §4.4 calls this a
// belt-and-braces rule since the pipeline already rejects other methods
// upstream of the origin fetcher.
func (p Policy) Evaluate(method string, attemptIndex int, outcome Outcome) Decision {
	if method != http.MethodGet && method != http.MethodHead {
		return Decision{Give: errGiveUp("non-idempotent method")}
	}
	if attemptIndex+1 >= p.MaxAttempts {
		return Decision{Give: errGiveUp("max attempts exhausted")}
	}
	if !retriable(outcome) {
		return Decision{Give: errGiveUp("non-retriable outcome")}
	}

	delay := p.backoff(attemptIndex)
	if outcome.RetryAfter > 0 && outcome.RetryAfter > delay {
		delay = outcome.RetryAfter
	}
	return Decision{Retry: true, Delay: delay}
}

func retriable(o Outcome) bool {
	if o.Err != nil {
		return !errors.Is(o.Err, ErrBodyIntegrity)
	}
	switch {
	case o.StatusCode == http.StatusNotImplemented:
		return false
	case o.StatusCode >= 500:
		return true
	case o.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// backoff computes exponential delay with full jitter: a uniform random
// value in [0, min(cap, base*2^attempt)).
func (p Policy) backoff(attempt int) time.Duration {
	max := p.Base << uint(attempt)
	if max <= 0 || max > p.Cap {
		max = p.Cap
	}
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

type giveUpError struct{ reason string }

func (e giveUpError) Error() string { return e.reason }

func errGiveUp(reason string) error { return giveUpError{reason: reason} }
