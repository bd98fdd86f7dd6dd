package fabric

import (
	"fmt"
	"time"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/sds"
)

// Entry is the raw entry information handed to a registered action. It is
// validated and normalized into a drama.Event by the dispatcher.
type Entry struct {
	Action  string
	Peer    string
	TransID uint64
	Reason  int32
	Status  int32
	Arg     *sds.Node
	Path    drama.Path
}

// EntryFunc is the routine a fabric calls for every entry to an action.
type EntryFunc func(Entry) drama.Status

// Request tells the fabric what to do with an action once its entry routine
// returns.
type Request interface {
	requestName() string
}

// Sleep keeps the action alive until the deadline or the next message. A zero
// deadline sleeps forever.
type Sleep struct {
	Deadline time.Time
}

// Stage reschedules the action as soon as pending messages are handled.
type Stage struct{}

// End completes the action and replies to its caller.
type End struct {
	Status drama.Status
	Reply  *sds.Node
}

// Terminate ends the action and stops the task.
type Terminate struct{}

func (Sleep) requestName() string     { return "sleep" }
func (Stage) requestName() string     { return "stage" }
func (End) requestName() string       { return "end" }
func (Terminate) requestName() string { return "terminate" }

// RequestName returns the verb of a request for logging.
func RequestName(req Request) string {
	if req == nil {
		return "none"
	}
	return req.requestName()
}

// ReportKind separates informational output from error reports.
type ReportKind int

const (
	ReportInfo ReportKind = iota
	ReportError
)

func (k ReportKind) String() string {
	switch k {
	case ReportInfo:
		return "info"
	case ReportError:
		return "error"
	}
	return fmt.Sprintf("ReportKind(%d)", int(k))
}

// Fabric is everything the dispatcher needs from the messaging substrate.
// Outbound operations return a transaction id; their results arrive later as
// entries to the initiating action.
type Fabric interface {
	RegisterAction(name string, fn EntryFunc) error
	RegisterOrphanHandler(fn EntryFunc)
	PutRequest(action string, req Request)

	// LookupPath never blocks. GetPath answers with PathFound or PathFailed.
	LookupPath(task string) (drama.Path, bool)
	GetPath(task string) (drama.TransID, error)

	Obey(path drama.Path, action string, arg *sds.Node) (drama.TransID, error)
	Kick(path drama.Path, action string, arg *sds.Node) (drama.TransID, error)
	Get(path drama.Path, param string) (drama.TransID, error)
	Set(path drama.Path, param string, arg *sds.Node) (drama.TransID, error)
	Monitor(path drama.Path, param string) (drama.TransID, error)
	CancelMonitor(path drama.Path, monitorID int) error

	Trigger(action string, arg *sds.Node) error
	Report(action string, kind ReportKind, text string) error

	// Forget drops a local transaction; late replies become orphans.
	Forget(tid drama.TransID)
	Terminate()
}

type taskPath struct {
	task string
}

func (p taskPath) Task() string   { return p.task }
func (p taskPath) String() string { return "path:" + p.task }

// NewPath returns a path handle for task.
func NewPath(task string) drama.Path {
	return taskPath{task: task}
}
