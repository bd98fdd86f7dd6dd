package drama

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeTimeout        = "DRAMA_TIMEOUT"
	ErrCodeKicked         = "DRAMA_KICKED"
	ErrCodeDied           = "DRAMA_DIED"
	ErrCodeBadStatus      = "DRAMA_BAD_STATUS"
	ErrCodeUnexpected     = "DRAMA_UNEXPECTED"
	ErrCodeExit           = "DRAMA_EXIT"
	ErrCodeMalformedEntry = "DRAMA_MALFORMED_ENTRY"
	ErrCodeReentrant      = "DRAMA_REENTRANT_DISPATCH"
)

// Sentinels for the error taxonomy. The typed errors below unwrap to them,
// so errors.Is(err, ErrTimeout) matches any *TimeoutError.
var (
	ErrTimeout = errors.New("wait timed out", errors.CategoryExternal).
			WithTextCode(ErrCodeTimeout)
	ErrKicked = errors.New("action kicked", errors.CategoryHandler).
			WithTextCode(ErrCodeKicked)
	ErrDied = errors.New("peer task died", errors.CategoryExternal).
		WithTextCode(ErrCodeDied)
	ErrBadStatus = errors.New("bad status", errors.CategoryExternal).
			WithTextCode(ErrCodeBadStatus)
	ErrUnexpected = errors.New("unexpected message", errors.CategoryValidation).
			WithTextCode(ErrCodeUnexpected)
	ErrExit = errors.New("task exit requested", errors.CategoryHandler).
		WithTextCode(ErrCodeExit)
	ErrMalformedEntry = errors.New("malformed entry", errors.CategoryValidation).
				WithTextCode(ErrCodeMalformedEntry)
	ErrReentrant = errors.New("reentrant dispatch", errors.CategoryConflict).
			WithTextCode(ErrCodeReentrant)
)

// TimeoutError is raised when a wait deadline elapses with nothing resolved.
type TimeoutError struct {
	Seconds float64
	Waiting []TransID
}

func (e *TimeoutError) Error() string {
	if len(e.Waiting) == 0 {
		return fmt.Sprintf("%s: timeout after %gs", ErrCodeTimeout, e.Seconds)
	}
	ids := make([]string, len(e.Waiting))
	for i, id := range e.Waiting {
		ids[i] = fmt.Sprintf("0x%x", uint64(id))
	}
	return fmt.Sprintf("%s: timeout after %gs waiting on [%s]", ErrCodeTimeout, e.Seconds, strings.Join(ids, " "))
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// KickedError carries the kick message that interrupted a wait.
type KickedError struct {
	Event Event
}

func (e *KickedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCodeKicked, e.Event)
}

func (e *KickedError) Unwrap() error { return ErrKicked }

// DiedError reports a peer that died with a transaction outstanding.
type DiedError struct {
	TransID TransID
	Task    string
	Name    string
	Event   Event
}

func (e *DiedError) Error() string {
	return fmt.Sprintf("%s: %s:%s (0x%x)", ErrCodeDied, e.Task, e.Name, uint64(e.TransID))
}

func (e *DiedError) Unwrap() error { return ErrDied }

// BadStatusError wraps a nonzero status returned by an operation.
type BadStatusError struct {
	Status Status
	Text   string
	Op     string
}

// NewBadStatus builds a BadStatusError with the registered text for status.
func NewBadStatus(status Status, op string) *BadStatusError {
	return &BadStatusError{Status: status, Text: StatusText(status), Op: op}
}

func (e *BadStatusError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %d:%s", ErrCodeBadStatus, e.Op, int32(e.Status), e.Text)
	}
	return fmt.Sprintf("%s: %d:%s", ErrCodeBadStatus, int32(e.Status), e.Text)
}

func (e *BadStatusError) Unwrap() error { return ErrBadStatus }

// UnexpectedError is raised for messages that match no known transaction.
type UnexpectedError struct {
	Event Event
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCodeUnexpected, e.Event)
}

func (e *UnexpectedError) Unwrap() error { return ErrUnexpected }

// ExitError requests termination of the whole task when an action returns
// it, however deeply wrapped. Build it with Action.Exit so the request also
// survives code that swallows the error.
type ExitError struct {
	Reason string
}

func (e *ExitError) Error() string {
	if e.Reason == "" {
		return ErrCodeExit
	}
	return fmt.Sprintf("%s: %s", ErrCodeExit, e.Reason)
}

func (e *ExitError) Unwrap() error { return ErrExit }

// StatusCoder is implemented by errors that carry their own status.
type StatusCoder interface {
	StatusCode() Status
}

// StatusOf maps an error to the status reported to the caller of an action.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var bad *BadStatusError
	if stderrors.As(err, &bad) {
		return bad.Status
	}
	var coder StatusCoder
	if stderrors.As(err, &coder) {
		return coder.StatusCode()
	}
	var ge *errors.Error
	if !stderrors.As(err, &ge) {
		return StatusError
	}
	switch ge.TextCode {
	case ErrCodeTimeout:
		return StatusTimeout
	case ErrCodeKicked:
		return StatusKicked
	case ErrCodeDied:
		return StatusDied
	case ErrCodeUnexpected:
		return StatusUnexpected
	case ErrCodeExit:
		return StatusExit
	case ErrCodeMalformedEntry, ErrCodeReentrant:
		return StatusFatal
	}
	return StatusError
}

// IsExit reports whether err requests task termination. A peer completing
// with StatusExit is a bad status, not a request to end this task.
func IsExit(err error) bool {
	return stderrors.Is(err, ErrExit)
}
