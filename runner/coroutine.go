package runner

import (
	"fmt"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-drama"
)

var (
	ErrKilled = errors.New("coroutine killed", errors.CategoryHandler).
			WithTextCode("COROUTINE_KILLED")
	ErrPanicked = errors.New("coroutine body panicked", errors.CategoryHandler).
			WithTextCode("COROUTINE_PANICKED")
	ErrFinished = errors.New("coroutine already finished", errors.CategoryConflict).
			WithTextCode("COROUTINE_FINISHED")
)

// Body is the routine run inside a coroutine. It receives the first resume
// value and returns the final output.
type Body[I, O any] func(co *Coroutine[I, O], first I) O

// Coroutine runs a body on its own goroutine with strict hand-off: either the
// caller of Resume or the body is running, never both. The body suspends by
// calling Yield, which hands an output back to Resume and blocks until the
// next Resume.
type Coroutine[I, O any] struct {
	body    Body[I, O]
	resume  chan I
	kill    chan struct{}
	steps   chan step[O]
	started bool
	done    bool
	running bool
}

type step[O any] struct {
	out   O
	done  bool
	panic any
	stack []byte
}

type killSignal struct{}

// IsKillSignal reports whether a recovered panic value is the unwind raised
// by Kill. Bodies that recover panics must re-panic it.
func IsKillSignal(r any) bool {
	_, ok := r.(killSignal)
	return ok
}

// New returns a coroutine that has not started yet.
func New[I, O any](body Body[I, O]) *Coroutine[I, O] {
	return &Coroutine[I, O]{
		body:   body,
		resume: make(chan I),
		kill:   make(chan struct{}),
		steps:  make(chan step[O]),
	}
}

// Resume transfers control to the body until it yields or returns. done is
// true once the body has returned; err is set when it panicked.
func (c *Coroutine[I, O]) Resume(in I) (out O, done bool, err error) {
	if c.done {
		return out, true, ErrFinished
	}
	c.running = true
	if !c.started {
		c.started = true
		go c.run(in)
	} else {
		c.resume <- in
	}
	s := <-c.steps
	c.running = false
	if s.done {
		c.done = true
	}
	if s.panic != nil {
		return s.out, true, errors.New(fmt.Sprintf("coroutine body panicked: %v", s.panic), errors.CategoryHandler).
			WithTextCode(ErrPanicked.TextCode).
			WithMetadata(map[string]any{"panic": s.panic, "stack": string(s.stack)})
	}
	return s.out, s.done, nil
}

// Yield suspends the body, handing out to the pending Resume. It returns the
// value passed to the next Resume. If the coroutine is killed while
// suspended, Yield unwinds the body and never returns.
func (c *Coroutine[I, O]) Yield(out O) I {
	select {
	case <-c.kill:
		panic(killSignal{})
	default:
	}
	c.steps <- step[O]{out: out}
	select {
	case in := <-c.resume:
		return in
	case <-c.kill:
		panic(killSignal{})
	}
}

// Kill unwinds a suspended body, running its deferred calls, and waits for
// it to finish. Killing a coroutine that never started or already finished is
// a no-op.
func (c *Coroutine[I, O]) Kill() {
	if !c.started || c.done {
		c.done = true
		return
	}
	close(c.kill)
	<-c.steps
	c.done = true
}

// Started reports whether the body has been entered.
func (c *Coroutine[I, O]) Started() bool { return c.started }

// Done reports whether the body has returned or been killed.
func (c *Coroutine[I, O]) Done() bool { return c.done }

// Running reports whether the body currently holds control.
func (c *Coroutine[I, O]) Running() bool { return c.running }

func (c *Coroutine[I, O]) run(first I) {
	var out O
	defer func() {
		if r := recover(); r != nil {
			if _, killed := r.(killSignal); killed {
				c.steps <- step[O]{done: true}
				return
			}
			c.steps <- step[O]{done: true, panic: r, stack: drama.PanicStack()}
			return
		}
		c.steps <- step[O]{out: out, done: true}
	}()
	out = c.body(c, first)
}
