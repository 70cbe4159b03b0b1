package order

import (
	"errors"
	"time"

	"tez-core/internal/state"
	"tez-core/pkg/exchanges/common"
)

var (
	ErrInsufficientMargin  = errors.New("insufficient margin for one lot")
	ErrInvalidQty          = errors.New("invalid quantity")
	ErrSquareOffIncomplete = errors.New("square-off incomplete")
	ErrEngineClosed        = errors.New("order engine closed")
)

// Outcome is the terminal classification of one order leg.
type Outcome string

const (
	Success           Outcome = "SUCCESS"
	SoftFailureQty    Outcome = "SOFT_FAILURE_QTY"
	SoftFailureRejRMS Outcome = "SOFT_FAILURE_REJRMS"
	HardFailure       Outcome = "HARD_FAILURE"
)

// Kind buckets outcomes for callers that only care about severity.
type Kind int

const (
	KindOk Kind = iota
	KindSoft
	KindHard
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "Ok"
	case KindSoft:
		return "Soft"
	}
	return "Hard"
}

func (o Outcome) Kind() Kind {
	switch o {
	case Success:
		return KindOk
	case SoftFailureQty, SoftFailureRejRMS:
		return KindSoft
	}
	return KindHard
}

// Leg is one slice of a split order.
type Leg struct {
	Index   int    `json:"index"`
	Qty     int    `json:"qty"`
	Remarks string `json:"remarks"`
}

// Status is the terminal report of one leg. FilledQty is signed by side.
type Status struct {
	OrderID      string        `json:"order_id"`
	Instrument   string        `json:"instrument"`
	Side         common.Side   `json:"side"`
	Qty          int           `json:"qty"`
	FilledQty    int           `json:"filled_qty"`
	AvgPrice     float64       `json:"avg_price"`
	FilledAt     time.Time     `json:"fill_timestamp"`
	RejectReason string        `json:"reject_reason,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	Remarks      string        `json:"remarks,omitempty"`
	OCOID        string        `json:"oco_id,omitempty"`
	Latency      time.Duration `json:"-"`
}

// Filled returns the unsigned filled quantity.
func (s Status) Filled() int {
	if s.FilledQty < 0 {
		return -s.FilledQty
	}
	return s.FilledQty
}

// OCOSpec asks for a protective one-cancels-other leg after a full fill.
// Percentages are of the fill price.
type OCOSpec struct {
	ProfitPer   float64 `json:"profit_per"`
	StopLossPer float64 `json:"stoploss_per"`
	TickSize    float64 `json:"tick_size"`
}

// Intent is a request to open quantity on one instrument.
type Intent struct {
	Instrument state.Instrument
	Side       common.Side
	Qty        int
	Legs       int
	Product    common.ProductType
	OCO        *OCOSpec
}

// Result aggregates every leg of one PlaceAndConfirm call.
type Result struct {
	Instrument string   `json:"instrument"`
	Side       string   `json:"side"`
	Requested  int      `json:"requested_qty"`
	Resolved   int      `json:"resolved_qty"`
	LTP        float64  `json:"ltp"`
	Filled     int      `json:"filled_qty"`
	Legs       []Status `json:"legs"`
	OCO        []Status `json:"oco,omitempty"`
}

// Outcome is the worst outcome across legs; SUCCESS when every leg succeeded.
func (r Result) Outcome() Outcome {
	worst := Success
	for _, l := range r.Legs {
		if l.Outcome.Kind() > worst.Kind() {
			worst = l.Outcome
		}
	}
	if len(r.Legs) == 0 {
		return HardFailure
	}
	return worst
}

// SquareOffRequest selects what to close. Trigger names the caller
// (manual, autotrail, timer, emergency) for audit and metrics.
type SquareOffRequest struct {
	Mode        string  `json:"mode"` // ALL or SELECT
	Underlying  string  `json:"ul_index,omitempty"`
	InstType    string  `json:"inst_type,omitempty"`
	Per         float64 `json:"per"`
	PartialExit bool    `json:"partial_exit"`
	ExitFlag    bool    `json:"exit_flag"`
	Trigger     string  `json:"trigger"`
}

// SquareOffResult reports what one square-off call did.
type SquareOffResult struct {
	Closed    int      `json:"closed_qty"`
	Remaining int      `json:"remaining_qty"`
	Orders    []Status `json:"orders,omitempty"`
	Failed    []string `json:"failed_instruments,omitempty"`
	Noop      bool     `json:"noop"`
}
