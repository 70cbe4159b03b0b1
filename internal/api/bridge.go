package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tez-core/internal/channel"
)

var ErrCommandTimeout = errors.New("command timed out waiting for backend response")

// Bridge turns the asynchronous command protocol into a blocking call for
// HTTP and websocket clients. A single pump goroutine owns the correlator's
// read side; callers park on a per-request waiter.
type Bridge struct {
	corr    *channel.Correlator
	resp    *channel.Channel
	timeout time.Duration

	mu      sync.Mutex
	waiters map[int]chan channel.Response
}

// NewBridge correlates commands sent on ch.Command with responses read from
// ch.Response. timeout bounds each Call; zero means 10s.
func NewBridge(ch *channel.Manager, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bridge{
		corr:    channel.NewCorrelator(ch.Command, ch.Response),
		resp:    ch.Response,
		timeout: timeout,
		waiters: make(map[int]chan channel.Response),
	}
}

// Run pumps responses to waiters until ctx ends.
func (b *Bridge) Run(ctx context.Context) {
	sweep := time.NewTicker(b.timeout)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			for _, p := range b.corr.Expire(2 * b.timeout) {
				log.Printf("api: dropped stale request %d (%s)", p.RequestID, p.Command)
			}
		default:
		}
		b.resp.Wait(ctx, 50*time.Millisecond)
		sum := b.corr.Process()
		if len(sum.Delivered) == 0 {
			continue
		}
		b.mu.Lock()
		for _, d := range sum.Delivered {
			if w, ok := b.waiters[d.Response.RequestID]; ok {
				w <- d.Response
				delete(b.waiters, d.Response.RequestID)
			}
		}
		b.mu.Unlock()
	}
}

// Call sends a command and waits for its response.
func (b *Bridge) Call(ctx context.Context, name string, payload any) (channel.Response, error) {
	w := make(chan channel.Response, 1)
	// registering under the lock keeps the pump from delivering first
	b.mu.Lock()
	id, err := b.corr.Send(name, payload)
	if err != nil {
		b.mu.Unlock()
		return channel.Response{}, err
	}
	b.waiters[id] = w
	b.mu.Unlock()

	t := time.NewTimer(b.timeout)
	defer t.Stop()
	select {
	case r := <-w:
		return r, nil
	case <-ctx.Done():
		b.forget(id)
		return channel.Response{}, ctx.Err()
	case <-t.C:
		b.forget(id)
		return channel.Response{}, ErrCommandTimeout
	}
}

func (b *Bridge) forget(id int) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}

// Pending reports requests still awaiting a response.
func (b *Bridge) Pending() int {
	return b.corr.PendingCount()
}
