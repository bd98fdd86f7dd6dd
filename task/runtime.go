// Package task composes a fabric node, its parameter store, a dispatcher and
// a scheduler into one runnable task.
package task

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/cron"
	"github.com/goliatone/go-drama/dispatcher"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/param"
	"github.com/goliatone/go-drama/sds"
	"github.com/goliatone/go-drama/telemetry"
)

// DefaultStopTimeout bounds the shutdown started when Run's context ends.
const DefaultStopTimeout = 5 * time.Second

var (
	ErrEmptyName = errors.New("task name required", errors.CategoryBadInput).
			WithTextCode("TASK_EMPTY_NAME")
	ErrStarted = errors.New("task already started", errors.CategoryConflict).
			WithTextCode("TASK_STARTED")
	ErrNotStarted = errors.New("task not started", errors.CategoryConflict).
			WithTextCode("TASK_NOT_STARTED")
)

// Dependencies captures the explicit wiring of a Runtime. Zero values are
// replaced with defaults.
type Dependencies struct {
	Bus     *fabric.Bus
	Params  *param.Store
	Logger  drama.Logger
	Metrics *telemetry.Instruments
	Tracer  trace.Tracer

	// ParamFile seeds the store at construction. WatchParams reloads it
	// while the task runs.
	ParamFile   string
	WatchParams bool

	NodeOptions       []fabric.NodeOption
	DispatcherOptions []dispatcher.Option
	SchedulerOptions  []cron.Option

	// OnExit runs on the task loop once an exit is requested.
	OnExit func()
}

// Runtime is one task attached to a bus.
type Runtime struct {
	name   string
	deps   Dependencies
	logger drama.Logger

	bus    *fabric.Bus
	node   *fabric.Node
	params *param.Store
	disp   *dispatcher.Dispatcher
	sched  *cron.Scheduler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// New attaches the task to the bus and registers the built-in actions.
func New(name string, deps Dependencies) (*Runtime, error) {
	if name == "" {
		return nil, ErrEmptyName.Clone()
	}
	logger := drama.WithLoggerFields(drama.NormalizeLogger(deps.Logger), map[string]any{"task": name})

	bus := deps.Bus
	if bus == nil {
		bus = fabric.NewBus(fabric.WithBusLogger(logger))
	}
	params := deps.Params
	if params == nil {
		params = param.NewStore(param.WithLogger(logger))
	}
	if deps.ParamFile != "" {
		n, err := params.LoadFile(deps.ParamFile)
		if err != nil {
			return nil, err
		}
		logger.Info("seeded %d parameters from %s", n, deps.ParamFile)
	}

	nodeOpts := append([]fabric.NodeOption{
		fabric.WithParams(params),
		fabric.WithNodeLogger(logger),
	}, deps.NodeOptions...)
	node, err := bus.Attach(name, nodeOpts...)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		name:   name,
		deps:   deps,
		logger: logger,
		bus:    bus,
		node:   node,
		params: params,
		done:   make(chan struct{}),
	}

	dispOpts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithParams(params),
		dispatcher.WithMetrics(deps.Metrics),
		dispatcher.WithExitHandler(r.exitHandler),
	}
	if deps.Tracer != nil {
		dispOpts = append(dispOpts, dispatcher.WithTracer(deps.Tracer))
	}
	r.disp = dispatcher.New(node, append(dispOpts, deps.DispatcherOptions...)...)

	schedOpts := append([]cron.Option{cron.WithLogger(logger)}, deps.SchedulerOptions...)
	r.sched = cron.NewScheduler(node, schedOpts...)

	if err := r.registerBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) Name() string                       { return r.name }
func (r *Runtime) Bus() *fabric.Bus                   { return r.bus }
func (r *Runtime) Node() *fabric.Node                 { return r.node }
func (r *Runtime) Params() *param.Store               { return r.params }
func (r *Runtime) Dispatcher() *dispatcher.Dispatcher { return r.disp }
func (r *Runtime) Scheduler() *cron.Scheduler         { return r.sched }

// Done is closed once the task loop has stopped.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Register adds an action to the task.
func (r *Runtime) Register(name string, fn dispatcher.ActionFunc) error {
	return r.disp.Register(name, fn)
}

// Schedule fires job into this task on every match of expression.
func (r *Runtime) Schedule(expression string, job cron.Job) (cron.Handle, error) {
	return r.sched.ScheduleCron(expression, job)
}

// Start runs the task loop and the scheduler in the background.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrStarted.Clone().WithMetadata(map[string]any{"task": r.name})
	}
	r.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.mu.Unlock()

	r.disp.Start(false)
	if err := r.sched.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if r.deps.ParamFile != "" && r.deps.WatchParams {
		go func() {
			if err := r.params.Watch(runCtx, r.deps.ParamFile, nil); err != nil {
				r.logger.Error("parameter watch stopped: %v", err)
			}
		}()
	}

	go r.loop(runCtx)
	r.logger.Info("task %s started", r.name)
	return nil
}

func (r *Runtime) loop(ctx context.Context) {
	err := r.node.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()
	if serr := r.sched.Stop(stopCtx); serr != nil && err == nil {
		err = serr
	}

	r.mu.Lock()
	r.runErr = err
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	close(r.done)
}

// Run starts the task and blocks until it exits or ctx is done, in which
// case the task is shut down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
		defer cancel()
		if err := r.Stop(stopCtx); err != nil {
			return err
		}
	}
	return r.Wait()
}

// Wait blocks until the task loop stops and returns its error.
func (r *Runtime) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Stop kills every live action, terminates the task and waits for the loop
// to finish, bounded by ctx.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return ErrNotStarted.Clone().WithMetadata(map[string]any{"task": r.name})
	}

	if err := r.node.Call(ctx, r.disp.Shutdown); err != nil && !closed(err) {
		return err
	}
	select {
	case <-r.done:
		return r.Wait()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exit delivers an exit request to the task, as the EXIT action does.
func (r *Runtime) Exit() error {
	return r.node.Exit()
}

// Actions lists the registered actions and whether each is running. It is
// safe to call from any goroutine while the task runs.
func (r *Runtime) Actions(ctx context.Context) ([]dispatcher.ActionInfo, error) {
	var out []dispatcher.ActionInfo
	if err := r.node.Call(ctx, func() { out = r.disp.Actions() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Obey starts an action of this task with no caller waiting on it.
func (r *Runtime) Obey(action string, args []any, kwargs map[string]any) error {
	arg, err := argument(args, kwargs)
	if err != nil {
		return err
	}
	return r.node.BlindObey(action, arg)
}

// Kick kicks a running action of this task.
func (r *Runtime) Kick(action string, args []any, kwargs map[string]any) error {
	arg, err := argument(args, kwargs)
	if err != nil {
		return err
	}
	return r.node.BlindKick(action, arg)
}

// Param reads a local parameter.
func (r *Runtime) Param(name string) (any, error) {
	return r.params.Get(name)
}

// ParamNames lists the local parameters.
func (r *Runtime) ParamNames() []string {
	return r.params.Names()
}

// SetParam writes a local parameter and notifies subscribers.
func (r *Runtime) SetParam(name string, value any) error {
	return r.params.Set(name, value, true)
}

func (r *Runtime) exitHandler() {
	r.logger.Info("task %s exiting", r.name)
	if r.deps.OnExit != nil {
		r.deps.OnExit()
	}
}

func argument(args []any, kwargs map[string]any) (*sds.Node, error) {
	if len(args) == 0 && len(kwargs) == 0 {
		return nil, nil
	}
	return sds.MakeArgument(args, kwargs)
}

func closed(err error) bool {
	var ge *errors.Error
	return stderrors.As(err, &ge) && ge.TextCode == fabric.ErrNodeClosed.TextCode
}
