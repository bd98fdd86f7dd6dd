package runner

import (
	"time"

	"github.com/goliatone/go-drama"
)

type Option func(*Handler)

// WithTimeout bounds every attempt of a run.
func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

func WithRunOnce(once bool) Option {
	return func(h *Handler) {
		h.once = once
	}
}

func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		if max < 0 {
			max = 0
		}
		h.maxRetries = max
	}
}

func WithMaxRuns(max int) Option {
	return func(h *Handler) {
		h.maxRuns = max
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(error) {}
		}
		h.errorHandler = fn
	}
}

func WithLogger(l drama.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithDoneHandler is called once the handler reaches its run limit.
func WithDoneHandler(fn func(*Handler)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(*Handler) {}
		}
		h.doneHandler = fn
	}
}

func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		h.retryStrategy = s
	}
}
