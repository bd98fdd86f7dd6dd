package rts

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/dispatcher"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/task"
)

var quiet = drama.NewFmtLogger(io.Discard)

func newTask(t *testing.T, bus *fabric.Bus, name string, setup func(rt *task.Runtime)) *task.Runtime {
	t.Helper()
	rt, err := task.New(name, task.Dependencies{Bus: bus, Logger: quiet})
	require.NoError(t, err)
	if setup != nil {
		setup(rt)
	}
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt
}

var calls atomic.Int32

// obey runs action in task from client and delivers the completion error.
func obey(t *testing.T, client *task.Runtime, to, action string, args ...any) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	name := fmt.Sprintf("CALL%d", calls.Add(1))
	require.NoError(t, client.Register(name, func(a *dispatcher.Action) (any, error) {
		tx, err := a.Obey(to, action, args...)
		if err == nil {
			err = tx.Join(5)
		}
		done <- err
		return nil, nil
	}))
	require.NoError(t, client.Obey(name, nil, nil))
	return done
}

func result(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
		return nil
	}
}

func paramOf(t *testing.T, rt *task.Runtime, name string) any {
	t.Helper()
	v, err := rt.Param(name)
	require.NoError(t, err)
	return v
}

func eventually(t *testing.T, rt *task.Runtime, name string, want any) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := rt.Param(name)
		return err == nil && same(v, want)
	}, 5*time.Second, 5*time.Millisecond, "%s never reached %v", name, want)
}
