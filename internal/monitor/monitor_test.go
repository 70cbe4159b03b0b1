package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tez-core/internal/events"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSink) Send(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestMonitorForwardsHighPriorityOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	sink := &recordingSink{}
	m := &Monitor{Bus: bus, Sink: sink}
	m.Start(ctx)
	require.Equal(t, 1, bus.Subscribers(events.EventNotification))

	bus.Notify(events.SystemStarted("Backend"))
	bus.Notify(events.SquareOffPartial("ALL", "TIMER", 75))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	msg := sink.all()[0]
	assert.True(t, strings.Contains(msg, "error/1105"), msg)
	assert.Contains(t, msg, "75 qty still open")
}
