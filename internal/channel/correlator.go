package channel

import (
	"log"
	"math/rand/v2"
	"sync"
	"time"
)

const processedCap = 4096

// Pending records a command awaiting its response.
type Pending struct {
	RequestID int       `json:"request_id"`
	Command   string    `json:"command"`
	SentAt    time.Time `json:"sent_at"`
}

// Delivery pairs a response with the request that produced it.
type Delivery struct {
	Response Response
	Request  Pending
	Latency  time.Duration
}

// Summary describes one Process pass.
type Summary struct {
	Delivered  []Delivery
	Duplicates int
	Unmatched  int
}

// Correlator is the UI-side half of the command protocol: it issues request
// ids, tracks pending requests and delivers each response at most once.
type Correlator struct {
	cmd  *Channel
	resp *Channel

	mu        sync.Mutex
	pending   map[int]Pending
	processed map[int]struct{}
	order     []int

	duplicates int
	now        func() time.Time
	rnd        func() int
}

// NewCorrelator binds the correlator to a command channel and the channel
// whose data lane carries responses.
func NewCorrelator(cmd, resp *Channel) *Correlator {
	return &Correlator{
		cmd:       cmd,
		resp:      resp,
		pending:   make(map[int]Pending),
		processed: make(map[int]struct{}),
		now:       time.Now,
		rnd:       func() int { return 100000 + rand.IntN(900000) },
	}
}

// Send issues a command with a fresh 6-digit request id and returns that id.
func (c *Correlator) Send(name string, payload any) (int, error) {
	c.mu.Lock()
	id := c.rnd()
	for c.taken(id) {
		id = c.rnd()
	}
	c.pending[id] = Pending{RequestID: id, Command: name, SentAt: c.now()}
	c.mu.Unlock()

	if err := c.cmd.SendCommand(name, payload, id); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, err
	}
	return id, nil
}

func (c *Correlator) taken(id int) bool {
	if _, ok := c.pending[id]; ok {
		return true
	}
	_, ok := c.processed[id]
	return ok
}

// Process drains every available response without blocking.
func (c *Correlator) Process() Summary {
	var s Summary
	for {
		v, ok := c.resp.FetchData()
		if !ok {
			return s
		}
		r, ok := v.(Response)
		if !ok {
			s.Unmatched++
			continue
		}
		d, status := c.accept(r)
		switch status {
		case acceptDelivered:
			s.Delivered = append(s.Delivered, d)
		case acceptDuplicate:
			s.Duplicates++
			log.Printf("⚠️ correlator: duplicate response for %s (req %d) discarded", r.Command, r.RequestID)
		default:
			s.Unmatched++
			log.Printf("correlator: response for unknown request %d (%s)", r.RequestID, r.Command)
		}
	}
}

type acceptStatus int

const (
	acceptDelivered acceptStatus = iota
	acceptDuplicate
	acceptUnknown
)

func (c *Correlator) accept(r Response) (Delivery, acceptStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.processed[r.RequestID]; dup {
		c.duplicates++
		return Delivery{}, acceptDuplicate
	}
	p, ok := c.pending[r.RequestID]
	if !ok {
		return Delivery{}, acceptUnknown
	}
	delete(c.pending, r.RequestID)
	c.markProcessed(r.RequestID)
	return Delivery{Response: r, Request: p, Latency: c.now().Sub(p.SentAt)}, acceptDelivered
}

func (c *Correlator) markProcessed(id int) {
	c.processed[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > processedCap {
		old := c.order[0]
		c.order = c.order[1:]
		delete(c.processed, old)
	}
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Duplicates returns how many responses were discarded as repeats.
func (c *Correlator) Duplicates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates
}

// Stale lists pending requests older than maxAge.
func (c *Correlator) Stale(maxAge time.Duration) []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []Pending
	for _, p := range c.pending {
		if now.Sub(p.SentAt) > maxAge {
			out = append(out, p)
		}
	}
	return out
}

// Expire drops pending requests older than maxAge and returns them.
// A response arriving later for an expired id is treated as unknown.
func (c *Correlator) Expire(maxAge time.Duration) []Pending {
	stale := c.Stale(maxAge)
	if len(stale) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, p := range stale {
		delete(c.pending, p.RequestID)
	}
	c.mu.Unlock()
	log.Printf("⚠️ correlator: expired %d stale requests", len(stale))
	return stale
}
