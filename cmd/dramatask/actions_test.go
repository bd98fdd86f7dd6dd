package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/dispatcher"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/task"
)

var quiet = drama.NewFmtLogger(io.Discard)

func newExampleTask(t *testing.T, bus *fabric.Bus, name string) *task.Runtime {
	t.Helper()
	rt, err := task.New(name, task.Dependencies{Bus: bus, Logger: quiet})
	require.NoError(t, err)
	require.NoError(t, registerExamples(rt))
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt
}

// ask registers an ASK action on from that obeys action on task to and
// reports the reply.
func ask(t *testing.T, from *task.Runtime, to, action string, args ...any) <-chan any {
	t.Helper()
	result := make(chan any, 1)
	require.NoError(t, from.Register("ASK", func(a *dispatcher.Action) (any, error) {
		tx, err := a.Obey(to, action, args...)
		if err == nil {
			err = tx.Join(5)
		}
		if err != nil {
			result <- err
			return nil, err
		}
		v, err := tx.Value()
		result <- v
		return nil, err
	}))
	require.NoError(t, from.Obey("ASK", nil, nil))
	return result
}

func receive(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func TestExamplesRegistered(t *testing.T) {
	rt := newExampleTask(t, fabric.NewBus(), "EX")
	infos, err := rt.Actions(context.Background())
	require.NoError(t, err)

	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"EXIT", "GET_A", "GET_S", "HELP", "MON", "PING", "PUB"}, names)
}

func TestPublisherUpdatesDataUntilKicked(t *testing.T) {
	rt := newExampleTask(t, fabric.NewBus(), "EX")
	require.NoError(t, rt.Obey("PUB", nil, nil))

	number := func() int64 {
		v, err := rt.Param(DataParam)
		if err != nil {
			return 0
		}
		m, ok := v.(map[string]any)
		if !ok {
			return 0
		}
		n, _ := m["number"].(int64)
		return n
	}
	assert.Eventually(t, func() bool { return number() >= 2 }, 4*time.Second, 20*time.Millisecond)

	require.NoError(t, rt.Kick("PUB", nil, nil))
	assert.Eventually(t, func() bool {
		infos, err := rt.Actions(context.Background())
		if err != nil {
			return false
		}
		for _, info := range infos {
			if info.Name == "PUB" {
				return !info.Active
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestGetSyncReadsPeerParam(t *testing.T) {
	bus := fabric.NewBus(fabric.WithBusLogger(quiet))
	server := newExampleTask(t, bus, "SRV")
	client := newExampleTask(t, bus, "CLI")
	require.NoError(t, client.SetParam("COUNT", 3))

	v := receive(t, ask(t, client, server.Name(), "GET_S", "CLI", "COUNT", 5))
	assert.Equal(t, int64(3), v)
}

func TestGetAsyncReadsPeerParam(t *testing.T) {
	bus := fabric.NewBus(fabric.WithBusLogger(quiet))
	server := newExampleTask(t, bus, "SRV")
	client := newExampleTask(t, bus, "CLI")
	require.NoError(t, client.SetParam("COUNT", 4))

	v := receive(t, ask(t, client, server.Name(), "GET_A", "CLI", "COUNT", 5))
	assert.Equal(t, int64(4), v)
}

func TestGetSyncMissingParamFails(t *testing.T) {
	bus := fabric.NewBus(fabric.WithBusLogger(quiet))
	server := newExampleTask(t, bus, "SRV")
	client := newExampleTask(t, bus, "CLI")

	v := receive(t, ask(t, client, server.Name(), "GET_S", "CLI", "MISSING", 5))
	assert.Error(t, v.(error))
}

func TestMonitorCountsChangesUntilKicked(t *testing.T) {
	bus := fabric.NewBus(fabric.WithBusLogger(quiet))
	server := newExampleTask(t, bus, "SRV")
	client := newExampleTask(t, bus, "CLI")
	require.NoError(t, client.SetParam("COUNT", 0))

	result := ask(t, client, server.Name(), "MON", "CLI", "COUNT", 0)
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, client.SetParam("COUNT", 1))
	require.NoError(t, client.SetParam("COUNT", 2))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, server.Kick("MON", nil, nil))

	v := receive(t, result)
	n, ok := v.(int64)
	require.True(t, ok, "%v", v)
	assert.GreaterOrEqual(t, n, int64(1))
}
