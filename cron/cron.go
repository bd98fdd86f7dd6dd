package cron

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/runner"
	"github.com/goliatone/go-drama/sds"
)

var (
	ErrEmptyExpression = errors.New("cron expression cannot be empty", errors.CategoryBadInput).
				WithTextCode("CRON_EMPTY_EXPRESSION")
	ErrEmptyAction = errors.New("scheduled job needs an action", errors.CategoryBadInput).
			WithTextCode("CRON_EMPTY_ACTION")
	ErrBadInterval = errors.New("interval must be positive", errors.CategoryBadInput).
			WithTextCode("CRON_BAD_INTERVAL")
)

// Target receives scheduled invocations. *fabric.Node satisfies it.
type Target interface {
	BlindObey(action string, arg *sds.Node) error
	BlindKick(action string, arg *sds.Node) error
}

// Job is one scheduled invocation of an action in the target task. The
// invocation is blind: nobody waits for the action to complete.
type Job struct {
	Action string
	Kick   bool
	Args   []any
	Kwargs map[string]any

	MaxRetries int
	MaxRuns    int
	RunOnce    bool
	Timeout    time.Duration
}

func (j Job) verb() string {
	if j.Kick {
		return "kick"
	}
	return "obey"
}

// Scheduler fires Jobs into a task by cron expression, interval, delay or
// wall-clock time.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	target       Target
	location     *time.Location
	errorHandler func(error)
	strategy     runner.RetryStrategy

	logger   drama.Logger
	parser   Parser
	logLevel LogLevel

	nextHandleID int64
	handles      map[int64]*schedule
}

func NewScheduler(target Target, opts ...Option) *Scheduler {
	s := &Scheduler{
		target:   target,
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		strategy: runner.ExponentialBackoffStrategy{Base: 50 * time.Millisecond, Factor: 2, Max: 2 * time.Second},
		handles:  make(map[int64]*schedule),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = drama.NormalizeLogger(s.logger)
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled invocation failed: %v", err)
		}
	}
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron fires job on every match of expression.
func (s *Scheduler) ScheduleCron(expression string, job Job) (Handle, error) {
	if expression == "" {
		return nil, ErrEmptyExpression.Clone().WithMetadata(map[string]any{"action": job.Action})
	}
	sub, run, err := s.prepare(job)
	if err != nil {
		return nil, err
	}

	entryID, err := s.cron.AddJob(expression, rcron.FuncJob(func() {
		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		// a failed firing keeps the schedule alive; Err reports it
		sub.setStatus(ScheduleStatusIdle, run())
	}))
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "adding cron job").
			WithMetadata(map[string]any{"expression": expression, "action": job.Action})
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleEvery fires job at a fixed interval.
func (s *Scheduler) ScheduleEvery(interval time.Duration, job Job) (Handle, error) {
	if interval <= 0 {
		return nil, ErrBadInterval.Clone().WithMetadata(map[string]any{"interval": interval.String()})
	}
	return s.ScheduleCron("@every "+interval.String(), job)
}

// ScheduleAfter fires job once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), job)
}

// ScheduleAt fires job once at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, job Job) (Handle, error) {
	sub, run, err := s.prepare(job)
	if err != nil {
		return nil, err
	}
	s.storeHandle(sub)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		}

		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		err := run()
		s.removeStoredHandle(sub.id)
		if err != nil {
			sub.setTerminal(ScheduleStatusFailed, err)
			return
		}
		sub.setTerminal(ScheduleStatusCompleted, nil)
	}()

	return sub, nil
}

// Remove cancels the schedule with the given handle id.
func (s *Scheduler) Remove(id int64) {
	s.mu.Lock()
	sub := s.handles[id]
	s.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// Handles lists the live schedules.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// Start begins firing cron schedules. One-shot schedules run regardless.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts firing and marks live handles as stopped. It waits for jobs
// already running, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	s.mu.Lock()
	handles := make([]*schedule, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*schedule)
	s.mu.Unlock()

	for _, h := range handles {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		if !isTerminalStatus(h.Status()) {
			h.setTerminal(ScheduleStatusStopped, nil)
		}
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) prepare(job Job) (*schedule, func() error, error) {
	if job.Action == "" {
		return nil, nil, ErrEmptyAction.Clone()
	}
	var arg *sds.Node
	if len(job.Args) > 0 || len(job.Kwargs) > 0 {
		var err error
		if arg, err = sds.MakeArgument(job.Args, job.Kwargs); err != nil {
			return nil, nil, err
		}
	}

	sub := s.newHandle(job)
	opts := []runner.Option{
		runner.WithMaxRetries(job.MaxRetries),
		runner.WithRunOnce(job.RunOnce),
		runner.WithMaxRuns(job.MaxRuns),
		runner.WithTimeout(job.Timeout),
		runner.WithRetryStrategy(s.strategy),
		runner.WithLogger(s.logger),
		runner.WithErrorHandler(s.errorHandler),
		runner.WithDoneHandler(func(*runner.Handler) {
			s.removeHandle(sub.id)
			sub.setTerminal(ScheduleStatusCompleted, nil)
		}),
	}
	h := runner.NewHandler(opts...)

	run := func() error {
		return h.Run(context.Background(), func(context.Context) error {
			return s.inject(job, arg)
		})
	}
	return sub, run, nil
}

func (s *Scheduler) inject(job Job, arg *sds.Node) error {
	var err error
	if job.Kick {
		err = s.target.BlindKick(job.Action, arg)
	} else {
		err = s.target.BlindObey(job.Action, arg)
	}
	if err == nil {
		s.logger.Debug("scheduled %s of %s", job.verb(), job.Action)
		return nil
	}
	if isNodeClosed(err) {
		return runner.Permanent(err)
	}
	return err
}

func isNodeClosed(err error) bool {
	var ge *errors.Error
	return stderrors.As(err, &ge) && ge.TextCode == fabric.ErrNodeClosed.TextCode
}

func (s *Scheduler) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h != nil && h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler) storeHandle(h *schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle(job Job) *schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &schedule{
		scheduler: s,
		id:        s.nextHandleID,
		job:       job,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	}
	return false
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0, 4)
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	cronLogger := &loggerAdapter{logger: s.logger, level: s.logLevel}
	opts = append(opts,
		rcron.WithLogger(cronLogger),
		rcron.WithChain(rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler})),
	)
	return opts
}
