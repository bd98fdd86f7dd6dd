package runner

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-drama"
)

// Handler runs a function with retries, a per-attempt timeout and run
// limits. Scheduled injections into a task go through a Handler so a full
// mailbox is retried instead of dropped.
type Handler struct {
	mu sync.Mutex

	logger        drama.Logger
	errorHandler  func(error)
	doneHandler   func(*Handler)
	retryStrategy RetryStrategy

	runs           int
	successfulRuns int

	maxRuns    int
	maxRetries int
	timeout    time.Duration
	once       bool
	finished   bool
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		retryStrategy: NoDelayStrategy{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = drama.NormalizeLogger(h.logger)
	if h.errorHandler == nil {
		h.errorHandler = func(err error) {
			h.logger.Error("runner error: %v", err)
		}
	}
	if h.doneHandler == nil {
		h.doneHandler = func(*Handler) {}
	}
	return h
}

// Runs is the number of completed runs, successful or not.
func (h *Handler) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

// SuccessfulRuns is the number of runs that ended without error.
func (h *Handler) SuccessfulRuns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successfulRuns
}

// Exhausted reports whether the run limits stop further runs.
func (h *Handler) Exhausted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exhausted()
}

func (h *Handler) exhausted() bool {
	if h.once && h.successfulRuns >= 1 {
		return true
	}
	return h.maxRuns > 0 && h.successfulRuns >= h.maxRuns
}

// Run calls fn until it succeeds or the retries are spent. A Permanent
// error or a done ctx stops retrying early. Runs past the limits are
// skipped and return nil.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	if h.exhausted() {
		h.mu.Unlock()
		return nil
	}
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	var err error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		err = h.attempt(ctx, fn)
		if err == nil || IsPermanent(err) || ctx.Err() != nil || attempt == maxRetries {
			break
		}
		h.logger.Debug("attempt %d of %d failed: %v", attempt+1, maxRetries+1, err)
		if !sleep(ctx, Backoff(strategy, attempt, err)) {
			break
		}
	}

	h.mu.Lock()
	h.runs++
	if err == nil {
		h.successfulRuns++
	}
	reachedLimit := !h.finished && h.exhausted()
	if reachedLimit {
		h.finished = true
	}
	h.mu.Unlock()

	if err != nil {
		h.errorHandler(errors.Wrap(err, errors.CategoryHandler, "run failed").
			WithMetadata(map[string]any{"attempts": attempts}))
	}
	if reachedLimit {
		h.doneHandler(h)
	}
	return err
}

func (h *Handler) attempt(ctx context.Context, fn func(context.Context) error) error {
	if h.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return fn(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
