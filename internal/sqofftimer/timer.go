// Package sqofftimer squares off the whole book at a configured time of day,
// at most once per minute, and only inside the allowed window.
package sqofftimer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tez-core/internal/events"
	"tez-core/internal/order"
)

var (
	ErrInvalidConfig = errors.New("invalid square-off timer config")
	ErrPastDue       = errors.New("square-off time already passed today")
)

// Result values of ExecuteTimerSquareOff.
const (
	ResultRejected  = "rejected"
	ResultCompleted = "completed"
	ResultPartial   = "partial"
	ResultError     = "error"
)

// SquareOffer is the single close path. *order.Engine satisfies it.
type SquareOffer interface {
	SquareOff(ctx context.Context, req order.SquareOffRequest) (order.SquareOffResult, error)
}

// Book reports open quantity. *state.Ledger satisfies it.
type Book interface {
	TotalAvailable() int
}

// Config holds HH:MM clock times in Location.
type Config struct {
	WindowStart string         `json:"window_start"`
	WindowEnd   string         `json:"window_end"`
	SquareOffAt string         `json:"square_off_at"`
	MarketClose string         `json:"market_close"`
	Enabled     bool           `json:"enabled"`
	Location    *time.Location `json:"-"`
}

// DefaultConfig is 15:00–15:30 with the square-off at 15:20.
func DefaultConfig() Config {
	return Config{
		WindowStart: "15:00",
		WindowEnd:   "15:30",
		SquareOffAt: "15:20",
		MarketClose: "15:30",
		Enabled:     true,
		Location:    time.Local,
	}
}

type clock struct {
	start, end, at, close int // minutes since midnight
}

func parseMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidConfig, s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c Config) parse() (clock, error) {
	var k clock
	var err error
	if k.start, err = parseMinutes(c.WindowStart); err != nil {
		return k, err
	}
	if k.end, err = parseMinutes(c.WindowEnd); err != nil {
		return k, err
	}
	if k.at, err = parseMinutes(c.SquareOffAt); err != nil {
		return k, err
	}
	if k.close, err = parseMinutes(c.MarketClose); err != nil {
		return k, err
	}
	if k.start > k.end {
		return k, fmt.Errorf("%w: window %s-%s", ErrInvalidConfig, c.WindowStart, c.WindowEnd)
	}
	if k.at < k.start || k.at > k.end {
		return k, fmt.Errorf("%w: square_off_at %s outside window", ErrInvalidConfig, c.SquareOffAt)
	}
	return k, nil
}

// Status is the snapshot returned by GET_SQUAREOFF_STATUS.
type Status struct {
	Config       Config    `json:"config"`
	WithinWindow bool      `json:"within_window"`
	Scheduled    bool      `json:"scheduled"`
	NextAt       time.Time `json:"next_at,omitempty"`
	TimeUntil    string    `json:"time_until"`
	LastExecuted time.Time `json:"last_executed,omitempty"`
	LastResult   string    `json:"last_result,omitempty"`
}

// Coordinator runs timer-driven square-offs.
type Coordinator struct {
	sq   SquareOffer
	book Book
	bus  *events.Bus
	pnl  func() float64
	now  func() time.Time

	mu         sync.Mutex
	cfg        Config
	clk        clock
	lastMinute time.Time
	lastResult string
	task       *Task
	taskCtx    context.Context
}

// New validates cfg and returns a coordinator. pnl may be nil.
func New(sq SquareOffer, book Book, bus *events.Bus, cfg Config, pnl func() float64) (*Coordinator, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	clk, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	return &Coordinator{sq: sq, book: book, bus: bus, pnl: pnl, now: time.Now, cfg: cfg, clk: clk}, nil
}

func (c *Coordinator) minutes(t time.Time) int {
	t = t.In(c.cfg.Location)
	return t.Hour()*60 + t.Minute()
}

// IsWithinWindow reports whether t falls inside the window, both ends inclusive.
func (c *Coordinator) IsWithinWindow(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.minutes(t)
	return m >= c.clk.start && m <= c.clk.end
}

// ExecuteTimerSquareOff squares off everything when t is inside the window
// and this minute has not run yet. It never returns an error; the outcome is
// reported as a result string and a notification.
func (c *Coordinator) ExecuteTimerSquareOff(ctx context.Context, t time.Time) (result string) {
	c.mu.Lock()
	m := c.minutes(t)
	minute := t.In(c.cfg.Location).Truncate(time.Minute)
	switch {
	case m < c.clk.start || m > c.clk.end:
		c.mu.Unlock()
		reason := fmt.Sprintf("%s outside window %s-%s", minute.Format("15:04"), c.cfg.WindowStart, c.cfg.WindowEnd)
		log.Printf("⚠️ timer square-off rejected: %s", reason)
		c.bus.Notify(events.SquareOffRejected("SquareOffTimer", reason))
		return ResultRejected
	case minute.Equal(c.lastMinute):
		c.mu.Unlock()
		reason := fmt.Sprintf("already executed at %s", minute.Format("15:04"))
		log.Printf("⚠️ timer square-off rejected: %s", reason)
		c.bus.Notify(events.SquareOffRejected("SquareOffTimer", reason))
		return ResultRejected
	}
	c.lastMinute = minute
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Printf("❌ timer square-off panicked: %v", r)
			c.bus.Notify(events.SquareOffFailed("ALL", order.TriggerTimer, err))
			result = ResultError
		}
		c.mu.Lock()
		c.lastResult = result
		c.mu.Unlock()
	}()

	log.Printf("⏰ timer square-off at %s", minute.Format("15:04"))
	_, err := c.sq.SquareOff(ctx, order.SquareOffRequest{Mode: "ALL", Per: 100, Trigger: order.TriggerTimer})
	if err != nil && !errors.Is(err, order.ErrSquareOffIncomplete) {
		log.Printf("❌ timer square-off failed: %v", err)
		c.bus.Notify(events.SquareOffFailed("ALL", order.TriggerTimer, err))
		return ResultError
	}
	if remaining := c.book.TotalAvailable(); remaining > 0 {
		log.Printf("⚠️ timer square-off partial: %d still open", remaining)
		c.bus.Notify(events.SquareOffPartial("ALL", order.TriggerTimer, remaining))
		return ResultPartial
	}
	var pnl float64
	if c.pnl != nil {
		pnl = c.pnl()
	}
	log.Printf("✅ timer square-off completed (pnl %.2f)", pnl)
	c.bus.Notify(events.SquareOffCompleted("ALL", order.TriggerTimer, pnl))
	return ResultCompleted
}

// nextAt is today's square-off instant relative to now. Caller holds mu.
func (c *Coordinator) nextAt(now time.Time) time.Time {
	n := now.In(c.cfg.Location)
	return time.Date(n.Year(), n.Month(), n.Day(), c.clk.at/60, c.clk.at%60, 0, 0, c.cfg.Location)
}

// TimeUntil returns the delay from now to today's square-off time, or zero
// once it has passed.
func (c *Coordinator) TimeUntil(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.nextAt(now).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Task is a scheduled one-shot square-off.
type Task struct {
	At     time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the task and waits up to timeout for it to exit.
func (t *Task) Cancel(timeout time.Duration) error {
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("sqofftimer: task did not exit within %v", timeout)
	}
}

// Done is closed once the task has run or been cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Schedule arms a one-shot square-off for today's configured time. Any
// previously scheduled task is cancelled.
func (c *Coordinator) Schedule(ctx context.Context) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduleLocked(ctx)
}

func (c *Coordinator) scheduleLocked(ctx context.Context) (*Task, error) {
	if c.task != nil {
		c.task.cancel()
		c.task = nil
	}
	if !c.cfg.Enabled {
		return nil, fmt.Errorf("%w: timer disabled", ErrInvalidConfig)
	}
	now := c.now()
	at := c.nextAt(now)
	delay := at.Sub(now)
	if delay < 0 {
		return nil, fmt.Errorf("%w: %s", ErrPastDue, c.cfg.SquareOffAt)
	}

	tctx, cancel := context.WithCancel(ctx)
	task := &Task{At: at, cancel: cancel, done: make(chan struct{})}
	c.task = task
	c.taskCtx = ctx
	go func() {
		defer close(task.done)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-tctx.Done():
			return
		case <-timer.C:
		}
		c.ExecuteTimerSquareOff(tctx, c.now())
	}()
	log.Printf("⏰ square-off scheduled at %s (in %v)", at.Format("15:04"), delay.Round(time.Second))
	return task, nil
}

// Status returns the current configuration and schedule.
func (c *Coordinator) Status() Status {
	now := c.now()
	within := c.IsWithinWindow(now)
	until := c.TimeUntil(now)
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Config:       c.cfg,
		WithinWindow: within,
		TimeUntil:    until.Round(time.Second).String(),
		LastExecuted: c.lastMinute,
		LastResult:   c.lastResult,
	}
	if c.task != nil {
		select {
		case <-c.task.done:
		default:
			s.Scheduled = true
			s.NextAt = c.task.At
		}
	}
	return s
}

// UpdateConfig replaces the configuration. A pending schedule is re-armed
// with the new time.
func (c *Coordinator) UpdateConfig(cfg Config) error {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	clk, err := cfg.parse()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.clk = clk
	log.Printf("square-off timer config: window %s-%s at %s enabled=%v", cfg.WindowStart, cfg.WindowEnd, cfg.SquareOffAt, cfg.Enabled)

	if c.task == nil {
		return nil
	}
	select {
	case <-c.task.done:
		return nil
	default:
	}
	if _, err := c.scheduleLocked(c.taskCtx); err != nil {
		log.Printf("⚠️ square-off reschedule: %v", err)
	}
	return nil
}

// Config returns the active configuration.
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}
