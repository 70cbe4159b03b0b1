package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"tez-core/internal/events"
)

// Monitor forwards high-priority notifications to an alert sink.
type Monitor struct {
	Bus         *events.Bus
	Sink        AlertSink
	MinPriority events.Priority
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	min := m.MinPriority
	if min == 0 {
		min = events.PriorityHigh
	}
	stream, unsub := m.Bus.Subscribe(events.EventNotification, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				n, ok := msg.(events.Notification)
				if !ok || n.Priority < min {
					continue
				}
				if err := m.Sink.Send(formatAlert(n)); err != nil {
					log.Printf("⚠️ monitor: alert delivery failed: %v", err)
				}
			}
		}
	}()
}

func formatAlert(n events.Notification) string {
	return fmt.Sprintf("[%s] %s/%d %s", n.Timestamp.Format(time.RFC3339), n.Category, n.ID, n.Message)
}
