package rts

import (
	"strings"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/dispatcher"
	"github.com/goliatone/go-drama/param"
	"github.com/goliatone/go-drama/sds"
)

// Action names registered by a Sequencer.
const (
	ActionInitialise    = "INITIALISE"
	ActionConfigure     = "CONFIGURE"
	ActionSetupSequence = "SETUP_SEQUENCE"
	ActionSequence      = "SEQUENCE"
)

// DefaultSequenceTask publishes the STATE frames SEQUENCE follows.
const DefaultSequenceTask = "RTS"

const failedID int64 = -9999

// Host is where the sequencer actions and parameters live. *task.Runtime
// satisfies it.
type Host interface {
	Register(name string, fn dispatcher.ActionFunc) error
	Params() *param.Store
}

// Callbacks are the application hooks of each action. Any may be nil.
//
// Initialise, Configure and SetupSequence may Reschedule; the action then
// finishes its bookkeeping on the invocation that returns without
// rescheduling. Sequence runs once before frames are followed. Frame sees
// every frame and Batch every published batch; a nil result keeps the input.
type Callbacks struct {
	Initialise    dispatcher.ActionFunc
	Configure     dispatcher.ActionFunc
	SetupSequence dispatcher.ActionFunc
	Sequence      dispatcher.ActionFunc

	Frame func(frame map[string]any) map[string]any
	Batch func(frames []map[string]any) []map[string]any
}

// Sequencer implements the standard INITIALISE, CONFIGURE, SETUP_SEQUENCE
// and SEQUENCE actions of a real-time sequence task.
type Sequencer struct {
	cb      Callbacks
	seqTask string
	logger  drama.Logger

	configureID int64
	setupID     int64
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithSequenceTask sets the task whose STATE parameter drives SEQUENCE.
func WithSequenceTask(name string) Option {
	return func(s *Sequencer) {
		if name != "" {
			s.seqTask = strings.ToUpper(name)
		}
	}
}

// WithLogger sets the sequencer logger.
func WithLogger(logger drama.Logger) Option {
	return func(s *Sequencer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSequencer(cb Callbacks, opts ...Option) *Sequencer {
	s := &Sequencer{
		cb:      cb,
		seqTask: DefaultSequenceTask,
		logger:  drama.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type setting struct {
	name  string
	value any
}

// defaults are the parameters a sequence task starts with.
func defaults() []setting {
	return []setting{
		{"CONFIGURE_ID", int64(-1)},
		{"SETUP_SEQ_ID", int64(-1)},
		{"SEQUENCE_ID", int64(-1)},
		{"ENGIN_MODE", int64(0)},
		{"SIMULATE", int64(0)},
		{"INITIALISED", int64(0)},
		{"CONFIGURED", int64(0)},
		{"SETUP", int64(0)},
		{"IN_SEQUENCE", int64(0)},
		{"STSPL_INDEX", int64(0)},
		{"STSPL_TOTAL", int64(0)},
		{"STSPL_START", int64(0)},
		{"STSPL_PUBLISH", int64(0)},
		{"STSPL_BUFFCOUNT", int64(0)},
		{"TASKS", ""},
		{"STATE", []map[string]any{{"NUMBER": int64(0)}}},
	}
}

// Register seeds the sequence parameters on host and registers the actions.
func (s *Sequencer) Register(host Host) error {
	params := host.Params()
	for _, p := range defaults() {
		if err := params.Set(p.name, p.value, false); err != nil {
			return err
		}
	}
	actions := []struct {
		name string
		fn   dispatcher.ActionFunc
	}{
		{ActionInitialise, s.initialise},
		{ActionConfigure, s.configure},
		{ActionSetupSequence, s.setupSequence},
		{ActionSequence, s.sequence},
	}
	for _, act := range actions {
		if err := host.Register(act.name, act.fn); err != nil {
			return err
		}
	}
	s.logger.Debug("sequencer registered, following %s.STATE", s.seqTask)
	return nil
}

func (s *Sequencer) initialise(a *dispatcher.Action) (any, error) {
	if a.Reason() == drama.ReasonObey {
		args := a.Args()
		err := set(a,
			setting{"INITIALISED", int64(0)},
			setting{"CONFIGURED", int64(0)},
			setting{"SETUP", int64(0)},
			setting{"SIMULATE", args.Int("SIMULATE", -1, 32767)},
			setting{"STSPL_TOTAL", args.Int("STSPL_TOTAL", -1, 1)},
			setting{"STSPL_START", args.Int("STSPL_START", -1, 0)},
		)
		if err != nil {
			return nil, err
		}
	}
	ret, err := call(s.cb.Initialise, a)
	if err != nil || a.Rescheduled() {
		return ret, err
	}
	return ret, a.SetParam("INITIALISED", int64(1))
}

func (s *Sequencer) configure(a *dispatcher.Action) (ret any, err error) {
	defer func() {
		if err != nil {
			_ = a.SetParam("CONFIGURE_ID", failedID)
		}
	}()
	if a.Reason() == drama.ReasonObey {
		if !flag(a, "INITIALISED") {
			return nil, drama.NewBadStatus(StatusNotInitialised, "CONFIGURE")
		}
		if flag(a, "IN_SEQUENCE") {
			return nil, drama.NewBadStatus(StatusActionWhileSeqActive, "CONFIGURE")
		}
		args := a.Args()
		configuration := args.String("CONFIGURATION", 0, "")
		s.configureID = args.Int("CONFIGURE_ID", 1, 1)
		err = set(a,
			setting{"CONFIGURED", int64(0)},
			setting{"CONFIGURE_ID", int64(-1)},
			setting{"ENGIN_MODE", args.Int("ENGIN_MODE", 2, 0)},
		)
		if err != nil {
			return nil, err
		}
		if configuration != "" {
			if err = a.SetParam("CONFIGURATION", configuration); err != nil {
				return nil, err
			}
		}
	}
	ret, err = call(s.cb.Configure, a)
	if err != nil || a.Rescheduled() {
		return ret, err
	}
	err = set(a,
		setting{"CONFIGURE_ID", s.configureID},
		setting{"CONFIGURED", int64(1)},
	)
	return ret, err
}

func (s *Sequencer) setupSequence(a *dispatcher.Action) (ret any, err error) {
	defer func() {
		if err != nil {
			_ = a.SetParam("SETUP_SEQ_ID", failedID)
		}
	}()
	if a.Reason() == drama.ReasonObey {
		if !flag(a, "INITIALISED") {
			return nil, drama.NewBadStatus(StatusNotInitialised, "SETUP_SEQUENCE")
		}
		if !flag(a, "CONFIGURED") {
			return nil, drama.NewBadStatus(StatusNotConfigured, "SETUP_SEQUENCE")
		}
		if flag(a, "IN_SEQUENCE") {
			return nil, drama.NewBadStatus(StatusActionWhileSeqActive, "SETUP_SEQUENCE")
		}
		args := a.Args()
		s.setupID = args.Int("SETUP_SEQ_ID", 0, 1)
		err = set(a,
			setting{"SETUP", int64(0)},
			setting{"SETUP_SEQ_ID", int64(-1)},
			setting{"TASKS", strings.ToUpper(args.String("TASKS", -1, ""))},
		)
		if err != nil {
			return nil, err
		}
	}
	ret, err = call(s.cb.SetupSequence, a)
	if err != nil || a.Rescheduled() {
		return ret, err
	}
	err = set(a,
		setting{"SETUP_SEQ_ID", s.setupID},
		setting{"SETUP", int64(1)},
	)
	return ret, err
}

// sequence follows the frames published in STATE by the sequence task
// from START to END, batching STSPL_TOTAL frames per published STATE.
func (s *Sequencer) sequence(a *dispatcher.Action) (any, error) {
	if !flag(a, "INITIALISED") {
		return nil, drama.NewBadStatus(StatusNotInitialised, "SEQUENCE")
	}
	if !flag(a, "CONFIGURED") {
		return nil, drama.NewBadStatus(StatusNotConfigured, "SEQUENCE")
	}
	if !flag(a, "SETUP") {
		return nil, drama.NewBadStatus(StatusNotSetup, "SEQUENCE")
	}
	args := a.Args()
	run := &frameRun{
		seq:   s,
		a:     a,
		start: args.Int("START", 0, 1),
		end:   args.Int("END", 1, 2),
		total: number(a, "STSPL_TOTAL"),
	}
	ret, err := run.follow(args.Int("DWELL", 2, 1), number(a, "STSPL_START"))
	if err != nil {
		_ = set(a,
			setting{"SEQUENCE_ID", run.start},
			setting{"IN_SEQUENCE", int64(0)},
			setting{"SEQUENCE_ID", int64(-1)},
		)
		if isKick(err) {
			return nil, drama.NewBadStatus(StatusGError, "SEQUENCE kicked")
		}
		return nil, err
	}
	return ret, nil
}

type frameRun struct {
	seq *Sequencer
	a   *dispatcher.Action

	start, end, total int64
	publish           int64
	index             int64
	buffers           int64
	frame             int64
	started           bool
	batch             []map[string]any
}

func (r *frameRun) follow(dwell, first int64) (any, error) {
	a := r.a
	r.frame = r.start
	r.index = 1
	r.publish = min(r.start+r.total+first-1, r.end)
	err := set(a,
		setting{"IN_SEQUENCE", int64(0)},
		setting{"START", r.start},
		setting{"END", r.end},
		setting{"DWELL", dwell},
		setting{"STSPL_BUFFCOUNT", int64(0)},
		setting{"STSPL_INDEX", r.index},
		setting{"STSPL_PUBLISH", r.publish},
	)
	if err != nil {
		return nil, err
	}
	mon, err := a.Monitor(r.seq.seqTask, "STATE")
	if err != nil {
		return nil, err
	}
	ret, err := call(r.seq.cb.Sequence, a)
	a.ClearReschedule()
	if err != nil {
		return nil, err
	}
	for {
		if _, err := a.Wait(dispatcher.Forever, mon); err != nil {
			return nil, err
		}
		for ev, ok := mon.Pop(); ok; ev, ok = mon.Pop() {
			if ev.Reason != drama.ReasonTrigger || ev.Status != drama.StatusMonChanged {
				continue
			}
			if err := r.update(ev, mon); err != nil {
				return nil, err
			}
		}
		if mon.Done() {
			r.seq.logger.Debug("sequence %d..%d finished after %d buffers", r.start, r.end, r.buffers)
			return ret, set(a,
				setting{"IN_SEQUENCE", int64(0)},
				setting{"SEQUENCE_ID", int64(-1)},
			)
		}
	}
}

// update handles one STATE change. The first change is the current value
// the subscription starts with and only marks the sequence active.
func (r *frameRun) update(ev drama.Event, mon *dispatcher.Transaction) error {
	a := r.a
	if !r.started {
		r.started = true
		return set(a,
			setting{"IN_SEQUENCE", int64(1)},
			setting{"SEQUENCE_ID", r.start},
		)
	}
	v, err := valueOf(ev, "STATE")
	if err != nil {
		return err
	}
	frames, ok := v.([]map[string]any)
	if !ok {
		if single, isMap := v.(map[string]any); isMap {
			frames = []map[string]any{single}
		} else {
			return drama.NewBadStatus(StatusGError, r.seq.seqTask+".STATE is not a structure")
		}
	}
	for range frames {
		if r.frame > r.end {
			break
		}
		if err := r.step(mon); err != nil {
			return err
		}
	}
	return nil
}

func (r *frameRun) step(mon *dispatcher.Transaction) error {
	a := r.a
	n := r.frame
	r.frame++
	if n == r.end {
		if err := mon.Cancel(); err != nil {
			return err
		}
	}
	frame := map[string]any{"NUMBER": n}
	if r.seq.cb.Frame != nil {
		if f := r.seq.cb.Frame(frame); f != nil {
			frame = f
		}
	}
	r.batch = append(r.batch, frame)
	if n != r.publish {
		r.index++
		return a.SetParam("STSPL_INDEX", r.index)
	}
	batch := r.batch
	r.batch = nil
	if r.seq.cb.Batch != nil {
		if b := r.seq.cb.Batch(batch); b != nil {
			batch = b
		}
	}
	r.publish = min(r.publish+r.total, r.end)
	r.index = 1
	r.buffers++
	return set(a,
		setting{"STATE", batch},
		setting{"STSPL_INDEX", r.index},
		setting{"STSPL_PUBLISH", r.publish},
		setting{"STSPL_BUFFCOUNT", r.buffers},
	)
}

func call(fn dispatcher.ActionFunc, a *dispatcher.Action) (any, error) {
	if fn == nil {
		return nil, nil
	}
	return fn(a)
}

func set(a *dispatcher.Action, settings ...setting) error {
	for _, s := range settings {
		if err := a.SetParam(s.name, s.value); err != nil {
			return err
		}
	}
	return nil
}

func number(a *dispatcher.Action, name string) int64 {
	v, err := a.GetParam(name)
	if err != nil {
		return 0
	}
	f, _ := sds.ToFloat(v)
	return int64(f)
}

func flag(a *dispatcher.Action, name string) bool {
	return number(a, name) != 0
}
