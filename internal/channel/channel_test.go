package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCommandRejectsMalformed(t *testing.T) {
	var reg Registry
	ch := reg.NewChannel("cmd")

	tests := []struct {
		name    string
		cmd     string
		reqID   int
		wantErr error
	}{
		{name: "missing request id", cmd: "SQUARE_OFF", reqID: 0, wantErr: ErrMissingRequestID},
		{name: "missing name", cmd: "", reqID: 12, wantErr: ErrMissingName},
		{name: "valid", cmd: "SQUARE_OFF", reqID: 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ch.SendCommand(tt.cmd, nil, tt.reqID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v, expected %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	cmds, _ := ch.Len()
	if cmds != 1 {
		t.Fatalf("queued=%d, expected only the valid command", cmds)
	}
}

func TestChannelFIFOAndNonBlockingFetch(t *testing.T) {
	var reg Registry
	ch := reg.NewChannel("cmd")

	_, ok := ch.FetchCommand()
	require.False(t, ok, "empty fetch must return immediately with no command")

	for i := 1; i <= 3; i++ {
		require.NoError(t, ch.SendCommand("GET_LATEST_TICK", i, i))
	}
	for i := 1; i <= 3; i++ {
		cmd, ok := ch.FetchCommand()
		require.True(t, ok)
		assert.Equal(t, i, cmd.RequestID)
	}
}

func TestChannelIDsAreMonotonic(t *testing.T) {
	var reg Registry
	a := reg.NewChannel("a")
	b := reg.NewChannel("b")
	assert.Less(t, a.ID(), b.ID())
}

func TestSendRaisesWakeSignal(t *testing.T) {
	var reg Registry
	ch := reg.NewChannel("data")

	if ch.Wait(context.Background(), 10*time.Millisecond) {
		t.Fatal("wait on idle channel should time out")
	}
	require.NoError(t, ch.SendData("tick"))
	if !ch.Wait(context.Background(), time.Second) {
		t.Fatal("send did not raise the wake signal")
	}
}

func TestFetchLatestDataDrains(t *testing.T) {
	var reg Registry
	ch := reg.NewChannel("data")
	for i := 0; i < 5; i++ {
		require.NoError(t, ch.SendData(i))
	}
	v, ok := ch.FetchLatestData()
	require.True(t, ok)
	assert.Equal(t, 4, v)
	_, data := ch.Len()
	assert.Zero(t, data)
}

func TestClosedChannelRejectsSends(t *testing.T) {
	var reg Registry
	ch := reg.NewChannel("cmd")
	require.NoError(t, ch.SendCommand("X", nil, 1))
	ch.Close()
	assert.ErrorIs(t, ch.SendCommand("X", nil, 2), ErrClosed)
	_, ok := ch.FetchCommand()
	assert.True(t, ok, "queued commands stay fetchable after close")
}

func TestManagerChannels(t *testing.T) {
	m := NewManager()
	for _, name := range []string{UICommand, BackendResponse, BackendData} {
		ch, ok := m.ByName(name)
		require.True(t, ok, name)
		assert.Equal(t, name, ch.Name())
	}
	require.NoError(t, m.Data.SendData(1))
	m.FlushAll()
	_, data := m.Data.Len()
	assert.Zero(t, data)
	assert.Len(t, m.Stats(), 3)
}
