package drama

import (
	"fmt"
	"sync"
)

// Status is a numeric completion or error code.
type Status int32

const (
	StatusOK            Status = 0
	StatusMonStarted    Status = 0x08a38009
	StatusMonChanged    Status = 0x08a38011
	StatusTimeout       Status = 0x0ad78102
	StatusKicked        Status = 0x0ad7810a
	StatusDied          Status = 0x0ad78112
	StatusUnexpected    Status = 0x0ad7811a
	StatusExit          Status = 0x0ad78124
	StatusCanceled      Status = 0x0ad7812a
	StatusNoPath        Status = 0x0ad78132
	StatusActionActive  Status = 0x08a3813a
	StatusNotActive     Status = 0x08a38142
	StatusUnknownAction Status = 0x08a3814a
	StatusBadArgument   Status = 0x08a38152
	StatusParamNotFound Status = 0x08b3815a
	StatusNestedParam   Status = 0x08b38162
	StatusError         Status = 0x0ad7816a
	StatusFatal         Status = 0x0ad78174
)

var (
	statusMu   sync.RWMutex
	statusText = map[Status]string{
		StatusOK:            "%ALL-S-OK, Status OK",
		StatusMonStarted:    "%DITS-I-MON_STARTED, Monitor started",
		StatusMonChanged:    "%DITS-I-MON_CHANGED, Monitored value changed",
		StatusTimeout:       "%DRAMA-E-TIMEOUT, Wait timed out",
		StatusKicked:        "%DRAMA-W-KICKED, Action was kicked",
		StatusDied:          "%DRAMA-E-DIED, Peer task died",
		StatusUnexpected:    "%DRAMA-E-UNEXPECTED, Unexpected message",
		StatusExit:          "%DRAMA-F-EXIT, Task exit requested",
		StatusCanceled:      "%DRAMA-W-CANCELED, Transaction canceled",
		StatusNoPath:        "%DRAMA-E-NOPATH, Could not get a path to the task",
		StatusActionActive:  "%DITS-E-ACTACTIVE, Action is already active",
		StatusNotActive:     "%DITS-E-ACTNOTACTIVE, Action is not active",
		StatusUnknownAction: "%DITS-E-UNKNACT, Unknown action",
		StatusBadArgument:   "%DITS-E-BADARG, Bad argument",
		StatusParamNotFound: "%SDP-E-PARNOTFOUND, Parameter not found",
		StatusNestedParam:   "%SDP-E-NESTED, Nested parameter names are not supported",
		StatusError:         "%DRAMA-E-ERROR, Action failed",
		StatusFatal:         "%DRAMA-F-FATAL, Fatal dispatch error",
	}
)

// StatusText returns the FACILITY-S-NAME message for a status code.
func StatusText(code Status) string {
	statusMu.RLock()
	text, ok := statusText[code]
	statusMu.RUnlock()
	if ok {
		return text
	}
	return fmt.Sprintf("%%DRAMA-F-UNKNOWN, status 0x%x", uint32(code))
}

// RegisterStatusText adds or replaces the message for an application code.
func RegisterStatusText(code Status, text string) {
	statusMu.Lock()
	defer statusMu.Unlock()
	statusText[code] = text
}

// IsTrigger reports whether the status marks a subscription update rather
// than a failure.
func (s Status) IsTrigger() bool {
	return s == StatusMonStarted || s == StatusMonChanged
}

func (s Status) String() string {
	return fmt.Sprintf("%d:%s", int32(s), StatusText(s))
}
