package runner

import (
	stderrors "errors"
	"math"
	"time"
)

// RetryStrategy picks the pause before the next attempt. attempt counts
// failures so far, starting at 0.
type RetryStrategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ConstantStrategy waits the same interval between every attempt.
type ConstantStrategy struct {
	Interval time.Duration
}

func (c ConstantStrategy) SleepDuration(_ int, _ error) time.Duration {
	if c.Interval < 0 {
		return 0
	}
	return c.Interval
}

// ExponentialBackoffStrategy grows the pause by Factor per attempt, capped
// at Max when Max is set:
//
//	ExponentialBackoffStrategy{
//	    Base:   500 * time.Millisecond,
//	    Factor: 2,
//	    Max:    30 * time.Second,
//	}
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return stderrors.As(err, &p)
}

// Backoff returns the pause strategy asks for, treating a nil strategy as
// NoDelayStrategy.
func Backoff(strategy RetryStrategy, attempt int, err error) time.Duration {
	if strategy == nil {
		return 0
	}
	d := strategy.SleepDuration(attempt, err)
	if d < 0 {
		return 0
	}
	return d
}
