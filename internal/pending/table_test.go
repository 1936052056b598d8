package pending

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lydakis/workerbus/internal/envelope"
	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, line string) envelope.Envelope {
	t.Helper()
	env, err := envelope.Decode(line)
	require.NoError(t, err)
	return env
}

func TestRouteDeliversEventsBeforeTerminal(t *testing.T) {
	tbl := New(nil)

	var got []string
	slot, err := tbl.Register("a1", func(env envelope.Envelope) {
		got = append(got, env.Type)
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, tbl.Route(decode(t, `{"id":"a1","type":"run_task.event","payload":{"step":1}}`)))
	}
	select {
	case <-slot.Done():
		t.Fatal("slot resolved by a progress event")
	default:
	}

	require.True(t, tbl.Route(decode(t, `{"id":"a1","type":"run_task.ok","payload":{"output":"done"}}`)))

	env, err := slot.Wait(context.Background())
	require.NoError(t, err)
	out, _ := env.PayloadValue().Get("output").StringValue()
	assert.Equal(t, "done", out)
	assert.Equal(t, []string{
		"run_task.event", "run_task.event", "run_task.event", "run_task.event", "run_task.event",
		"run_task.ok",
	}, got)
	assert.Zero(t, tbl.Len())
}

func TestRouteErrorCarriesMessage(t *testing.T) {
	tbl := New(nil)
	slot, err := tbl.Register("b2", nil)
	require.NoError(t, err)

	tb := strings.Repeat("x", 5000)
	require.True(t, tbl.Route(decode(t, `{"id":"b2","type":"call_tool.error","payload":{"message":"boom","traceback":"`+tb+`"}}`)))

	_, err = slot.Result()
	var perr *workererr.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Message)
	assert.Equal(t, "call_tool.error", perr.Type)
	assert.Len(t, perr.Traceback, 5000)
}

func TestRouteBareErrorWithID(t *testing.T) {
	tbl := New(nil)
	slot, err := tbl.Register("c3", nil)
	require.NoError(t, err)

	tbl.Route(decode(t, `{"id":"c3","type":"error","payload":{"message":"Unknown command: nope"}}`))
	_, err = slot.Result()
	require.EqualError(t, err, "Unknown command: nope")
}

func TestCancelledResolvesAsSuccess(t *testing.T) {
	tbl := New(nil)
	slot, err := tbl.Register("d4", nil)
	require.NoError(t, err)

	tbl.Route(decode(t, `{"id":"d4","type":"run_task.cancelled","payload":{"status":"cancelled"}}`))
	env, err := slot.Result()
	require.NoError(t, err)
	assert.Equal(t, "run_task.cancelled", env.Type)
}

func TestSlotResolvesExactlyOnce(t *testing.T) {
	tbl := New(nil)
	calls := 0
	slot, err := tbl.Register("e5", func(envelope.Envelope) { calls++ })
	require.NoError(t, err)

	require.True(t, tbl.Route(decode(t, `{"id":"e5","type":"x.ok","payload":{"n":1}}`)))
	assert.False(t, tbl.Route(decode(t, `{"id":"e5","type":"x.error","payload":{"message":"late"}}`)))
	assert.False(t, tbl.Route(decode(t, `{"id":"e5","type":"x.ok","payload":{"n":2}}`)))
	tbl.FailAll(workererr.ErrNotRunning)

	env, err := slot.Result()
	require.NoError(t, err)
	n, _ := env.PayloadValue().Get("n").IntValue()
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, calls)
}

func TestUncorrelatedMessagesAreNotRouted(t *testing.T) {
	tbl := New(nil)
	assert.False(t, tbl.Route(decode(t, `{"type":"ready"}`)))
	assert.False(t, tbl.Route(decode(t, `{"id":"ghost","type":"x.ok"}`)))
}

func TestRegisterRejectsDuplicateAndEmptyIDs(t *testing.T) {
	tbl := New(nil)
	_, err := tbl.Register("f6", nil)
	require.NoError(t, err)
	_, err = tbl.Register("f6", nil)
	require.Error(t, err)
	_, err = tbl.Register("", nil)
	require.Error(t, err)
}

func TestFailAllFailsEveryWaiterAndClosesTable(t *testing.T) {
	tbl := New(nil)
	const m = 8
	slots := make([]*Slot, m)
	for i := range slots {
		s, err := tbl.Register(string(rune('a'+i)), nil)
		require.NoError(t, err)
		slots[i] = s
	}

	tbl.FailAll(workererr.ErrNotRunning)
	tbl.FailAll(errors.New("second call is ignored"))

	for _, s := range slots {
		_, err := s.Result()
		require.ErrorIs(t, err, workererr.ErrNotRunning)
	}
	assert.Zero(t, tbl.Len())

	_, err := tbl.Register("late", nil)
	require.ErrorIs(t, err, workererr.ErrNotRunning)
}

func TestConcurrentTerminalAndFailAllResolveOnce(t *testing.T) {
	for trial := 0; trial < 100; trial++ {
		tbl := New(nil)
		slot, err := tbl.Register("race", nil)
		require.NoError(t, err)

		ok := decode(t, `{"id":"race","type":"x.ok"}`)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tbl.Route(ok)
		}()
		go func() {
			defer wg.Done()
			tbl.FailAll(workererr.ErrNotRunning)
		}()
		wg.Wait()

		env, err := slot.Result()
		if err != nil {
			require.ErrorIs(t, err, workererr.ErrNotRunning)
		} else {
			assert.Equal(t, "x.ok", env.Type)
		}
	}
}

func TestWaitCancellationKeepsEntry(t *testing.T) {
	tbl := New(nil)
	slot, err := tbl.Register("g7", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slot.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, tbl.Len())

	tbl.Route(decode(t, `{"id":"g7","type":"x.ok"}`))
	_, err = slot.Result()
	require.NoError(t, err)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", Clip("short", 10))
	assert.Equal(t, "héll…", Clip("héllo world", 4))
	assert.Equal(t, "anything", Clip("anything", 0))
}
