package sqofftimer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tez-core/internal/events"
	"tez-core/internal/order"
)

type fakeBook struct {
	mu   sync.Mutex
	open int
}

func (b *fakeBook) TotalAvailable() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

type fakeEngine struct {
	mu     sync.Mutex
	book   *fakeBook
	calls  int
	leave  int
	err    error
	panics bool
}

func (f *fakeEngine) SquareOff(_ context.Context, req order.SquareOffRequest) (order.SquareOffResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return order.SquareOffResult{}, f.err
	}
	f.book.mu.Lock()
	closed := f.book.open - f.leave
	f.book.open = f.leave
	f.book.mu.Unlock()
	return order.SquareOffResult{Closed: closed, Remaining: f.leave}, nil
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func at(h, m, s int) time.Time {
	return time.Date(2026, 10, 16, h, m, s, 0, time.UTC)
}

func utcConfig() Config {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return cfg
}

func newTimer(t *testing.T, open int) (*Coordinator, *fakeEngine, *events.Bus) {
	t.Helper()
	book := &fakeBook{open: open}
	eng := &fakeEngine{book: book}
	bus := events.NewBus()
	c, err := New(eng, book, bus, utcConfig(), func() float64 { return 1234.5 })
	require.NoError(t, err)
	return c, eng, bus
}

func TestIsWithinWindowInclusive(t *testing.T) {
	c, _, _ := newTimer(t, 0)
	require.True(t, c.IsWithinWindow(at(15, 0, 0)))
	require.True(t, c.IsWithinWindow(at(15, 30, 59)))
	require.False(t, c.IsWithinWindow(at(14, 59, 59)))
	require.False(t, c.IsWithinWindow(at(15, 31, 0)))
}

func TestExecuteOutsideWindowRejected(t *testing.T) {
	c, eng, _ := newTimer(t, 75)
	require.Equal(t, ResultRejected, c.ExecuteTimerSquareOff(context.Background(), at(14, 0, 0)))
	require.Zero(t, eng.count())
}

func TestExecuteSameMinuteOnlyOnce(t *testing.T) {
	c, eng, bus := newTimer(t, 150)
	ch, unsub := bus.Subscribe(events.EventNotification, 8)
	defer unsub()

	require.Equal(t, ResultCompleted, c.ExecuteTimerSquareOff(context.Background(), at(15, 20, 1)))
	require.Equal(t, ResultRejected, c.ExecuteTimerSquareOff(context.Background(), at(15, 20, 45)))
	require.Equal(t, 1, eng.count())

	n := (<-ch).(events.Notification)
	require.Equal(t, events.SquareOffSuccess, n.ID)
	require.InDelta(t, 1234.5, n.Data["pnl"], 1e-9)
	n = (<-ch).(events.Notification)
	require.Equal(t, events.UIShowMessage, n.ID)

	// next minute is a new execution; the book is already flat
	require.Equal(t, ResultCompleted, c.ExecuteTimerSquareOff(context.Background(), at(15, 21, 0)))
	require.Equal(t, 2, eng.count())
}

func TestExecutePartialAndError(t *testing.T) {
	c, eng, _ := newTimer(t, 150)
	eng.leave = 75
	require.Equal(t, ResultPartial, c.ExecuteTimerSquareOff(context.Background(), at(15, 20, 0)))

	eng.err = errors.New("gateway down")
	require.Equal(t, ResultError, c.ExecuteTimerSquareOff(context.Background(), at(15, 22, 0)))

	eng.err = nil
	eng.panics = true
	require.Equal(t, ResultError, c.ExecuteTimerSquareOff(context.Background(), at(15, 23, 0)))
	require.Equal(t, ResultError, c.Status().LastResult)
}

func TestTimeUntil(t *testing.T) {
	c, _, _ := newTimer(t, 0)
	require.Equal(t, 20*time.Minute, c.TimeUntil(at(15, 0, 0)))
	require.Zero(t, c.TimeUntil(at(15, 25, 0)))
}

func TestScheduleFiresOnce(t *testing.T) {
	c, eng, _ := newTimer(t, 75)
	c.now = func() time.Time { return at(15, 20, 0).Add(-20 * time.Millisecond) }

	task, err := c.Schedule(context.Background())
	require.NoError(t, err)
	require.True(t, c.Status().Scheduled)

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled square-off did not fire")
	}
	require.Equal(t, 1, eng.count())
	require.False(t, c.Status().Scheduled)
}

func TestScheduleCancel(t *testing.T) {
	c, eng, _ := newTimer(t, 75)
	c.now = func() time.Time { return at(15, 0, 0) }

	task, err := c.Schedule(context.Background())
	require.NoError(t, err)
	require.NoError(t, task.Cancel(time.Second))
	require.Zero(t, eng.count())
}

func TestSchedulePastDue(t *testing.T) {
	c, _, _ := newTimer(t, 75)
	c.now = func() time.Time { return at(16, 0, 0) }
	_, err := c.Schedule(context.Background())
	require.ErrorIs(t, err, ErrPastDue)
}

func TestUpdateConfigValidates(t *testing.T) {
	c, _, _ := newTimer(t, 0)
	bad := utcConfig()
	bad.SquareOffAt = "16:00"
	require.ErrorIs(t, c.UpdateConfig(bad), ErrInvalidConfig)
	require.Equal(t, "15:20", c.Config().SquareOffAt)

	good := utcConfig()
	good.SquareOffAt = "15:10"
	require.NoError(t, c.UpdateConfig(good))
	require.Equal(t, 10*time.Minute, c.TimeUntil(at(15, 0, 0)))
}
