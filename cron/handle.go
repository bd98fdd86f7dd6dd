package cron

import "sync"

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle controls one schedule.
type Handle interface {
	ID() int64
	Job() Job
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
}

type schedule struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	job       Job
	done      chan struct{}

	mu     sync.RWMutex
	status ScheduleStatus
	err    error
	once   sync.Once
}

func (s *schedule) ID() int64 { return s.id }

func (s *schedule) Job() Job { return s.job }

func (s *schedule) Cancel() {
	s.once.Do(func() {
		s.scheduler.removeHandle(s.id)
		s.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (s *schedule) Status() ScheduleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err is the error of the last failed run.
func (s *schedule) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *schedule) Done() <-chan struct{} { return s.done }

func (s *schedule) setStatus(status ScheduleStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isTerminalStatus(s.status) {
		return
	}
	s.status = status
	s.err = err
}

func (s *schedule) setTerminal(status ScheduleStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isTerminalStatus(s.status) {
		return
	}
	s.status = status
	s.err = err
	close(s.done)
}
