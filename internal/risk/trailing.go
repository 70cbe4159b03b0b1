// Package risk holds the trailing stop-loss / target calculator. Every
// function is pure: state goes in by value and comes back out.
package risk

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidParams  = errors.New("invalid auto-trail parameters")
	ErrPnLOutsideBand = errors.New("current pnl already outside stop-loss/target band")
)

// Phase of the move-to-cost or trailing sub-machine.
type Phase string

const (
	PhaseWaitingUp Phase = "WAITING_UP"
	PhaseDone      Phase = "DONE"    // move-to-cost reached
	PhaseStarted   Phase = "STARTED" // trailing running
	PhaseHit       Phase = "HIT"     // trailing stop hit
)

// Reason names the condition that ended an activation.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonTrailSLHit Reason = "TRAIL_SL_HIT"
	ReasonSLHit      Reason = "SL_HIT"
	ReasonTargetHit  Reason = "TARGET_HIT"
)

// Params are the operator's auto-trail settings, in currency P&L.
type Params struct {
	StopLoss   float64 `json:"sl"`
	Target     float64 `json:"target"`
	MoveToCost float64 `json:"mvto_cost"`
	TrailAfter float64 `json:"trail_after"`
	TrailBy    float64 `json:"trail_by"`
}

// Validate checks the ordering sl < 0 < target, sl < mvto < trail_after and trail_by > 0.
func (p Params) Validate() error {
	for _, v := range []float64{p.StopLoss, p.Target, p.MoveToCost, p.TrailAfter, p.TrailBy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidParams)
		}
	}
	switch {
	case p.StopLoss >= 0:
		return fmt.Errorf("%w: sl %.2f must be negative", ErrInvalidParams, p.StopLoss)
	case p.Target <= 0:
		return fmt.Errorf("%w: target %.2f must be positive", ErrInvalidParams, p.Target)
	case p.StopLoss >= p.Target:
		return fmt.Errorf("%w: sl %.2f must be below target %.2f", ErrInvalidParams, p.StopLoss, p.Target)
	case p.MoveToCost <= p.StopLoss:
		return fmt.Errorf("%w: mvto_cost %.2f must exceed sl %.2f", ErrInvalidParams, p.MoveToCost, p.StopLoss)
	case p.TrailAfter <= p.MoveToCost:
		return fmt.Errorf("%w: trail_after %.2f must exceed mvto_cost %.2f", ErrInvalidParams, p.TrailAfter, p.MoveToCost)
	case p.TrailBy <= 0:
		return fmt.Errorf("%w: trail_by %.2f must be positive", ErrInvalidParams, p.TrailBy)
	}
	return nil
}

// State is the calculator state for one activation.
type State struct {
	Params     Params  `json:"params"`
	Active     bool    `json:"active"`
	MoveToCost Phase   `json:"move_to_cost_phase"`
	Trail      Phase   `json:"trail_phase"`
	MaxPnL     float64 `json:"max_pnl"`
	TrailingSL float64 `json:"trailing_sl_level"`
	LastPnL    float64 `json:"last_pnl"`
	SLHit      bool    `json:"sl_hit"`
	TargetHit  bool    `json:"target_hit"`
	TrailHit   bool    `json:"trail_sl_hit"`
}

// Hit reports whether the activation has already ended on a hit.
func (s State) Hit() bool { return s.SLHit || s.TargetHit || s.TrailHit }

// Decision is the outcome of one evaluated sample.
type Decision struct {
	SquareOff bool    `json:"square_off"`
	Reason    Reason  `json:"reason,omitempty"`
	PnL       float64 `json:"pnl"`
}

// Activate returns a fresh active state, or an error when the parameters are
// inconsistent or the current P&L already sits outside (sl, target).
func Activate(p Params, currentPnL float64) (State, error) {
	if err := p.Validate(); err != nil {
		return State{}, err
	}
	if currentPnL <= p.StopLoss || currentPnL >= p.Target {
		return State{}, fmt.Errorf("%w: pnl %.2f, sl %.2f, target %.2f", ErrPnLOutsideBand, currentPnL, p.StopLoss, p.Target)
	}
	return State{
		Params:     p,
		Active:     true,
		MoveToCost: PhaseWaitingUp,
		Trail:      PhaseWaitingUp,
		MaxPnL:     currentPnL,
		LastPnL:    currentPnL,
	}, nil
}

// Evaluate applies one P&L sample. Hits are terminal: once one is recorded,
// later samples produce no further decision.
func Evaluate(s State, pnl float64) (State, Decision) {
	if !s.Active || s.Hit() {
		return s, Decision{PnL: pnl}
	}
	s.LastPnL = pnl

	if s.Trail == PhaseStarted && pnl <= s.TrailingSL {
		s.Trail = PhaseHit
		s.TrailHit = true
		return s, Decision{SquareOff: true, Reason: ReasonTrailSLHit, PnL: pnl}
	}
	if pnl <= s.Params.StopLoss {
		s.SLHit = true
		return s, Decision{SquareOff: true, Reason: ReasonSLHit, PnL: pnl}
	}
	if pnl >= s.Params.Target {
		s.TargetHit = true
		return s, Decision{SquareOff: true, Reason: ReasonTargetHit, PnL: pnl}
	}

	if pnl > s.MaxPnL {
		s.MaxPnL = pnl
	}
	if s.MoveToCost == PhaseWaitingUp && pnl >= s.Params.MoveToCost {
		s.MoveToCost = PhaseDone
	}
	switch s.Trail {
	case PhaseWaitingUp:
		if pnl >= s.Params.TrailAfter {
			s.Trail = PhaseStarted
			s.TrailingSL = s.MaxPnL - s.Params.TrailBy
		}
	case PhaseStarted:
		if c := s.MaxPnL - s.Params.TrailBy; c > s.TrailingSL {
			s.TrailingSL = c
		}
	}
	return s, Decision{PnL: pnl}
}

// Deactivate clears the active flag. Hit flags stay until the next Activate.
func Deactivate(s State) State {
	s.Active = false
	return s
}
