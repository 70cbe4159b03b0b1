package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrUnknownCommand is returned in the response for unregistered command names.
var ErrUnknownCommand = errors.New("unknown command")

// Handler processes one command payload and returns its result.
type Handler func(ctx context.Context, payload any) (any, error)

// State of a Dispatcher.
type State string

const (
	StateReady   State = "READY"
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
)

// DispatcherConfig tunes the fetch loop.
type DispatcherConfig struct {
	Name        string
	Quantum     time.Duration // sleep between fetches
	JoinTimeout time.Duration // default bound for Stop
}

// Observer is notified after each handled command (metrics hook).
type Observer func(name string, elapsed time.Duration, err error)

// Dispatcher runs a single fetch-dispatch-respond loop over one command
// channel and one response channel.
type Dispatcher struct {
	cfg  DispatcherConfig
	in   *Channel
	out  *Channel
	obs  Observer
	mu   sync.RWMutex
	regs map[string]Handler

	stateMu sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher wires a dispatcher between the command and response channels.
func NewDispatcher(cfg DispatcherConfig, in, out *Channel) *Dispatcher {
	if cfg.Quantum <= 0 {
		cfg.Quantum = 10 * time.Millisecond
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "dispatcher"
	}
	return &Dispatcher{
		cfg:   cfg,
		in:    in,
		out:   out,
		regs:  make(map[string]Handler),
		state: StateReady,
	}
}

// Register maps a command name to its handler. Later registrations replace earlier ones.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[name] = h
}

// SetObserver installs a hook called after every command.
func (d *Dispatcher) SetObserver(obs Observer) {
	d.obs = obs
}

// Commands lists registered names.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.regs))
	for k := range d.regs {
		out = append(out, k)
	}
	return out
}

// State returns the lifecycle state.
func (d *Dispatcher) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// Start launches the loop. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.state == StateRunning {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.state = StateRunning
	go d.run(loopCtx, d.done)
	log.Printf("%s: started (quantum=%v)", d.cfg.Name, d.cfg.Quantum)
}

// Stop clears the run flag and waits up to timeout for the loop to exit.
// Queued commands are abandoned without a response.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.stateMu.Lock()
	if d.state != StateRunning {
		d.stateMu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.state = StateStopped
	d.stateMu.Unlock()

	if timeout <= 0 {
		timeout = d.cfg.JoinTimeout
	}
	cancel()
	select {
	case <-done:
		log.Printf("%s: stopped", d.cfg.Name)
		return nil
	case <-time.After(timeout):
		log.Printf("⚠️ %s: loop did not exit within %v", d.cfg.Name, timeout)
		return fmt.Errorf("%s: join timeout after %v", d.cfg.Name, timeout)
	}
}

func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(d.cfg.Quantum)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		cmd, ok := d.in.FetchCommand()
		if !ok {
			continue
		}
		resp := d.dispatch(ctx, cmd)
		if err := d.out.SendData(resp); err != nil {
			log.Printf("❌ %s: response for %s/%d lost: %v", d.cfg.Name, cmd.Name, cmd.RequestID, err)
		}
	}
}

// dispatch always yields exactly one response for cmd.
func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) (resp Response) {
	resp = Response{Command: cmd.Name, RequestID: cmd.RequestID}
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			resp.Success = false
			resp.Result = nil
			resp.Error = err.Error()
			log.Printf("❌ %s: %s panicked: %v", d.cfg.Name, cmd.Name, r)
		}
		if d.obs != nil {
			d.obs(cmd.Name, time.Since(start), err)
		}
	}()

	d.mu.RLock()
	h, ok := d.regs[cmd.Name]
	d.mu.RUnlock()
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
		resp.Error = err.Error()
		return resp
	}

	result, herr := h(ctx, cmd.Payload)
	if herr != nil {
		err = herr
		resp.Error = herr.Error()
		log.Printf("%s: %s (req %d) failed: %v", d.cfg.Name, cmd.Name, cmd.RequestID, herr)
		return resp
	}
	resp.Success = true
	resp.Result = result
	return resp
}
