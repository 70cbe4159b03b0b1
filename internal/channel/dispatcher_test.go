package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitResponse(t *testing.T, ch *Channel) Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := ch.FetchData(); ok {
			return v.(Response)
		}
		ch.Wait(context.Background(), 20*time.Millisecond)
	}
	t.Fatal("no response within deadline")
	return Response{}
}

func newTestDispatcher() (*Dispatcher, *Channel, *Channel) {
	m := NewManager()
	d := NewDispatcher(DispatcherConfig{Name: "test", Quantum: time.Millisecond}, m.Command, m.Response)
	return d, m.Command, m.Response
}

func TestDispatcherRespondsOncePerCommand(t *testing.T) {
	d, in, out := newTestDispatcher()
	d.Register("ECHO", func(ctx context.Context, p any) (any, error) { return p, nil })
	d.Register("FAIL", func(ctx context.Context, p any) (any, error) { return nil, errors.New("boom") })
	d.Register("PANIC", func(ctx context.Context, p any) (any, error) { panic("bad handler") })

	d.Start(context.Background())
	defer d.Stop(time.Second)

	require.NoError(t, in.SendCommand("ECHO", "hi", 1))
	require.NoError(t, in.SendCommand("FAIL", nil, 2))
	require.NoError(t, in.SendCommand("PANIC", nil, 3))
	require.NoError(t, in.SendCommand("NOPE", nil, 4))
	require.NoError(t, in.SendCommand("ECHO", "again", 5))

	got := map[int]Response{}
	for i := 0; i < 5; i++ {
		r := waitResponse(t, out)
		if _, dup := got[r.RequestID]; dup {
			t.Fatalf("second response for request %d", r.RequestID)
		}
		got[r.RequestID] = r
	}

	assert.True(t, got[1].Success)
	assert.Equal(t, "hi", got[1].Result)
	assert.False(t, got[2].Success)
	assert.Equal(t, "boom", got[2].Error)
	assert.False(t, got[3].Success)
	assert.Contains(t, got[3].Error, "panic")
	assert.False(t, got[4].Success)
	assert.Contains(t, got[4].Error, ErrUnknownCommand.Error())
	assert.True(t, got[5].Success, "loop must survive handler failures")
}

func TestDispatcherStopJoins(t *testing.T) {
	d, _, _ := newTestDispatcher()
	assert.Equal(t, StateReady, d.State())
	d.Start(context.Background())
	assert.Equal(t, StateRunning, d.State())
	require.NoError(t, d.Stop(time.Second))
	assert.Equal(t, StateStopped, d.State())
	require.NoError(t, d.Stop(time.Second), "second stop is a no-op")
}

func TestDispatcherStopTimesOutOnStuckHandler(t *testing.T) {
	d, in, _ := newTestDispatcher()
	release := make(chan struct{})
	entered := make(chan struct{})
	d.Register("SLOW", func(ctx context.Context, p any) (any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	d.Start(context.Background())
	require.NoError(t, in.SendCommand("SLOW", nil, 9))
	<-entered

	err := d.Stop(20 * time.Millisecond)
	assert.Error(t, err)
	close(release)
}

func TestDispatcherObserver(t *testing.T) {
	d, in, out := newTestDispatcher()
	seen := make(chan string, 1)
	d.SetObserver(func(name string, _ time.Duration, _ error) { seen <- name })
	d.Register("PING", func(ctx context.Context, p any) (any, error) { return "pong", nil })
	d.Start(context.Background())
	defer d.Stop(time.Second)

	require.NoError(t, in.SendCommand("PING", nil, 77))
	waitResponse(t, out)
	assert.Equal(t, "PING", <-seen)
}
