package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorDeliversAtMostOnce(t *testing.T) {
	m := NewManager()
	c := NewCorrelator(m.Command, m.Response)

	id, err := c.Send("GET_LATEST_TICK", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, 100000)
	assert.LessOrEqual(t, id, 999999)
	assert.Equal(t, 1, c.PendingCount())

	cmd, ok := m.Command.FetchCommand()
	require.True(t, ok)
	assert.Equal(t, id, cmd.RequestID)

	resp := Response{Command: cmd.Name, RequestID: id, Success: true}
	require.NoError(t, m.Response.SendData(resp))
	require.NoError(t, m.Response.SendData(resp))

	s := c.Process()
	require.Len(t, s.Delivered, 1)
	assert.Equal(t, "GET_LATEST_TICK", s.Delivered[0].Request.Command)
	assert.Equal(t, 1, s.Duplicates)
	assert.Zero(t, c.PendingCount())
	assert.Equal(t, 1, c.Duplicates())
}

func TestCorrelatorUnknownResponse(t *testing.T) {
	m := NewManager()
	c := NewCorrelator(m.Command, m.Response)
	require.NoError(t, m.Response.SendData(Response{Command: "X", RequestID: 123456}))
	require.NoError(t, m.Response.SendData("not a response"))
	s := c.Process()
	assert.Empty(t, s.Delivered)
	assert.Equal(t, 2, s.Unmatched)
}

func TestCorrelatorUniqueIDsOnCollision(t *testing.T) {
	m := NewManager()
	c := NewCorrelator(m.Command, m.Response)
	seq := []int{111111, 111111, 222222}
	i := 0
	c.rnd = func() int { v := seq[i]; i++; return v }

	a, err := c.Send("A", nil)
	require.NoError(t, err)
	b, err := c.Send("B", nil)
	require.NoError(t, err)
	assert.Equal(t, 111111, a)
	assert.Equal(t, 222222, b)
}

func TestCorrelatorStaleAndExpire(t *testing.T) {
	m := NewManager()
	c := NewCorrelator(m.Command, m.Response)
	base := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	id, err := c.Send("SQUARE_OFF", nil)
	require.NoError(t, err)

	now = base.Add(5 * time.Second)
	assert.Empty(t, c.Stale(10*time.Second))

	now = base.Add(30 * time.Second)
	stale := c.Stale(10 * time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, id, stale[0].RequestID)

	expired := c.Expire(10 * time.Second)
	require.Len(t, expired, 1)
	assert.Zero(t, c.PendingCount())
}
