// Package channel carries commands, responses and data between the UI side
// and the backend command loop.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrMissingRequestID = errors.New("channel: request_id is required")
	ErrMissingName      = errors.New("channel: command name is required")
	ErrClosed           = errors.New("channel: closed")
)

// Command is a named request travelling on the command lane.
type Command struct {
	Name      string `json:"command"`
	Payload   any    `json:"payload,omitempty"`
	RequestID int    `json:"request_id"`
}

// Response answers exactly one Command and carries the same request id.
type Response struct {
	Command   string `json:"command"`
	RequestID int    `json:"request_id"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Registry hands out channel ids. One registry is owned by the backend
// context; there is no package level counter.
type Registry struct {
	next uint64
}

// NewChannel creates a channel with the next id from the registry.
func (r *Registry) NewChannel(name string) *Channel {
	return newChannel(atomic.AddUint64(&r.next, 1), name)
}

// Channel is a point-to-point pipe with separate command and data lanes.
// Both lanes are unbounded FIFOs; every send raises the wake signal.
type Channel struct {
	id   uint64
	name string

	mu     sync.Mutex
	cmds   []Command
	data   []any
	closed bool

	wake chan struct{}

	sent     uint64
	received uint64
}

func newChannel(id uint64, name string) *Channel {
	return &Channel{
		id:   id,
		name: name,
		wake: make(chan struct{}, 1),
	}
}

// ID returns the registry-assigned identifier.
func (c *Channel) ID() uint64 { return c.id }

// Name returns the channel label.
func (c *Channel) Name() string { return c.name }

// SendCommand enqueues a command and signals. It never blocks.
// Commands without a request id or name are rejected here, not dropped later.
func (c *Channel) SendCommand(name string, payload any, requestID int) error {
	if name == "" {
		return ErrMissingName
	}
	if requestID == 0 {
		return ErrMissingRequestID
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.cmds = append(c.cmds, Command{Name: name, Payload: payload, RequestID: requestID})
	c.mu.Unlock()

	atomic.AddUint64(&c.sent, 1)
	c.signal()
	return nil
}

// FetchCommand pops the oldest command without blocking.
func (c *Channel) FetchCommand() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cmds) == 0 {
		return Command{}, false
	}
	cmd := c.cmds[0]
	c.cmds[0] = Command{}
	c.cmds = c.cmds[1:]
	atomic.AddUint64(&c.received, 1)
	return cmd, true
}

// SendData enqueues an item on the data lane and signals.
func (c *Channel) SendData(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.data = append(c.data, v)
	c.mu.Unlock()

	atomic.AddUint64(&c.sent, 1)
	c.signal()
	return nil
}

// FetchData pops the oldest data item without blocking.
func (c *Channel) FetchData() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 {
		return nil, false
	}
	v := c.data[0]
	c.data[0] = nil
	c.data = c.data[1:]
	atomic.AddUint64(&c.received, 1)
	return v, true
}

// FetchLatestData drains the data lane and returns only the newest item.
func (c *Channel) FetchLatestData() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.data)
	if n == 0 {
		return nil, false
	}
	v := c.data[n-1]
	c.data = nil
	atomic.AddUint64(&c.received, uint64(n))
	return v, true
}

// Wait blocks until the wake signal is raised, the timeout elapses or ctx ends.
// It reports whether the signal was observed.
func (c *Channel) Wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.wake:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Flush drops everything queued on both lanes.
func (c *Channel) Flush() (cmds, data int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmds, data = len(c.cmds), len(c.data)
	c.cmds = nil
	c.data = nil
	return cmds, data
}

// Len reports queued items per lane.
func (c *Channel) Len() (cmds, data int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cmds), len(c.data)
}

// Close rejects further sends. Queued items can still be fetched.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.signal()
}

// Stats is a point-in-time view of a channel.
type Stats struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Commands int    `json:"commands_queued"`
	Data     int    `json:"data_queued"`
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
}

func (c *Channel) Stats() Stats {
	cmds, data := c.Len()
	return Stats{
		ID:       c.id,
		Name:     c.name,
		Commands: cmds,
		Data:     data,
		Sent:     atomic.LoadUint64(&c.sent),
		Received: atomic.LoadUint64(&c.received),
	}
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
