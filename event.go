package drama

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-drama/sds"
)

// TransID identifies an open transaction within a task. Zero is reserved for
// the signal pseudo-transaction of an action.
type TransID uint64

// SignalTransID is the transaction that receives unsolicited peer signals.
const SignalTransID TransID = 0

// Path is a connection handle to a peer task.
type Path interface {
	Task() string
}

// Event is one normalized message delivered to an action.
type Event struct {
	Action  string
	Peer    string
	TransID TransID
	Reason  Reason
	Status  Status
	Arg     *sds.Node
	Path    Path
}

// Value decodes the event argument.
func (e Event) Value() (any, error) {
	return sds.Decode(e.Arg)
}

// Args decodes the event argument as call arguments.
func (e Event) Args() (sds.Args, error) {
	return sds.ParseArgument(e.Arg)
}

func (e Event) String() string {
	peer := e.Peer
	if peer == "" {
		peer = "???"
	}
	var arg string
	if e.Arg != nil {
		if v, err := e.Value(); err == nil {
			arg = fmt.Sprintf("%s, %v", e.Arg.Name(), v)
		} else {
			arg = e.Arg.Name()
		}
	} else {
		arg = "None"
	}
	return fmt.Sprintf("Message(%s:%s, 0x%x, %s, %s, %s)",
		peer, e.Action, uint64(e.TransID), e.Reason, strings.TrimPrefix(StatusText(e.Status), "%"), arg)
}
