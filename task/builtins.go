package task

import (
	"github.com/goliatone/go-drama/dispatcher"
)

// Built-in action names registered on every task.
const (
	ActionExit = "EXIT"
	ActionHelp = "HELP"
	ActionPing = "PING"
)

func (r *Runtime) registerBuiltins() error {
	builtins := []struct {
		name string
		fn   dispatcher.ActionFunc
	}{
		{ActionExit, r.exitAction},
		{ActionHelp, r.helpAction},
		{ActionPing, pingAction},
	}
	for _, b := range builtins {
		if err := r.disp.Register(b.name, b.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) exitAction(a *dispatcher.Action) (any, error) {
	return nil, a.Exit(ActionExit + " from " + a.Event().Peer)
}

// helpAction reports the action list to the caller, marking running actions,
// and returns the same lines.
func (r *Runtime) helpAction(a *dispatcher.Action) (any, error) {
	infos := r.disp.Actions()
	lines := make([]string, 0, len(infos))
	a.Report("Task %s has the following actions:", r.name)
	for _, info := range infos {
		line := info.Name
		if info.Active {
			line += " (Active)"
		}
		lines = append(lines, line)
		a.Report("    %s", line)
	}
	return lines, nil
}

func pingAction(*dispatcher.Action) (any, error) {
	return nil, nil
}
