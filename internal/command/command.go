// Package command defines the typed payload for every backend command and
// decodes raw payloads into them at the dispatcher boundary.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"tez-core/internal/channel"
)

// Command names.
const (
	SetULIndex            = "SET_UL_INDEX"
	MarketAction          = "MARKET_ACTION"
	SquareOff             = "SQUARE_OFF"
	EnhancedSquareOff     = "ENHANCED_SQUARE_OFF"
	SimpleSquareOff       = "SIMPLE_SQUARE_OFF"
	ActivateAuto          = "ACTIVATE_AUTO"
	DeactivateAuto        = "DEACTIVATE_AUTO"
	CancelWaitingOrder    = "CANCEL_WAITING_ORDER"
	GetLatestTick         = "GET_LATEST_TICK"
	GetHealthStatus       = "GET_HEALTH_STATUS"
	ShowRecords           = "SHOW_RECORDS"
	DataFeedConnect       = "DATA_FEED_CONNECT"
	DataFeedDisconnect    = "DATA_FEED_DISCONNECT"
	GetSystemStatus       = "GET_SYSTEM_STATUS"
	RefreshPositions      = "REFRESH_POSITIONS"
	EmergencyStop         = "EMERGENCY_STOP"
	GetSquareOffStatus    = "GET_SQUAREOFF_STATUS"
	UpdateSquareOffConfig = "UPDATE_SQUAREOFF_CONFIG"
)

// ErrInvalidPayload wraps every decode or validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Empty is the payload of commands that take no arguments.
type Empty struct{}

type SetULIndexPayload struct {
	ULIndex string `json:"ul_index" validate:"required"`
}

type MarketActionPayload struct {
	Action     string   `json:"action" validate:"required,oneof=Buy Short"`
	TradePrice *float64 `json:"trade_price,omitempty" validate:"omitempty,gt=0"`
	Qty        int      `json:"qty" validate:"gte=0"`
}

type SquareOffPayload struct {
	Mode        string  `json:"mode" validate:"required,oneof=ALL SELECT"`
	ULIndex     string  `json:"ul_index,omitempty" validate:"required_if=Mode SELECT"`
	Per         float64 `json:"per" validate:"gt=0,lte=100"` // 0 means 100 unless partial_exit is set on SELECT
	InstType    string  `json:"inst_type" validate:"omitempty,oneof=BEES CE PE ALL"`
	PartialExit bool    `json:"partial_exit"`
	ExitFlag    bool    `json:"exit_flag"`
}

func (p *SquareOffPayload) applyDefaults() {
	if p.Per == 0 && (p.Mode == "ALL" || !p.PartialExit) {
		p.Per = 100
	}
}

type ActivateAutoPayload struct {
	SL         float64 `json:"sl"`
	Target     float64 `json:"target"`
	MvtoCost   float64 `json:"mvto_cost"`
	TrailAfter float64 `json:"trail_after"`
	TrailBy    float64 `json:"trail_by"`
}

// MaxRangeRows caps how many rows one cancel range may name.
const MaxRangeRows = 1000

// CancelWaitingPayload selects waiting-order rows either by a single 1-based
// row id or by an inclusive "a-b" range.
type CancelWaitingPayload struct {
	RowID *int   `json:"row_id,omitempty" validate:"omitempty,gte=1"`
	Range string `json:"range,omitempty" validate:"required_without=RowID"`
}

// Rows expands the payload into 1-based row ids.
func (p CancelWaitingPayload) Rows() ([]int, error) {
	if p.RowID != nil {
		return []int{*p.RowID}, nil
	}
	lo, hi, ok := strings.Cut(p.Range, "-")
	if !ok {
		n, err := strconv.Atoi(strings.TrimSpace(p.Range))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: row id %q", ErrInvalidPayload, p.Range)
		}
		return []int{n}, nil
	}
	a, err1 := strconv.Atoi(strings.TrimSpace(lo))
	b, err2 := strconv.Atoi(strings.TrimSpace(hi))
	if err1 != nil || err2 != nil || a < 1 || b < 1 {
		return nil, fmt.Errorf("%w: range %q", ErrInvalidPayload, p.Range)
	}
	if a > b {
		a, b = b, a
	}
	if b-a >= MaxRangeRows {
		return nil, fmt.Errorf("%w: range %q spans more than %d rows", ErrInvalidPayload, p.Range, MaxRangeRows)
	}
	rows := make([]int, 0, b-a+1)
	for i := a; i <= b; i++ {
		rows = append(rows, i)
	}
	return rows, nil
}

// ShowRecordsPayload pages the order ledger. Zero Limit means 100.
type ShowRecordsPayload struct {
	Limit      int    `json:"limit" validate:"gte=0,lte=1000"`
	Instrument string `json:"instrument,omitempty"`
}

type SquareOffConfigPayload struct {
	WindowStart string `json:"window_start,omitempty" validate:"omitempty,datetime=15:04"`
	WindowEnd   string `json:"window_end,omitempty" validate:"omitempty,datetime=15:04"`
	SquareOffAt string `json:"square_off_at,omitempty" validate:"omitempty,datetime=15:04"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// Decode converts a raw payload into T. Accepted inputs are T itself, *T,
// nil (zero T), json.RawMessage / []byte / string holding JSON, or any value
// that round-trips through JSON (for example map[string]any from a websocket).
func Decode[T any](raw any) (T, error) {
	var out T
	switch v := raw.(type) {
	case nil:
	case T:
		out = v
	case *T:
		if v != nil {
			out = *v
		}
	case json.RawMessage:
		if err := unmarshal(v, &out); err != nil {
			return out, err
		}
	case []byte:
		if err := unmarshal(v, &out); err != nil {
			return out, err
		}
	case string:
		if err := unmarshal([]byte(v), &out); err != nil {
			return out, err
		}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := unmarshal(b, &out); err != nil {
			return out, err
		}
	}
	if d, ok := any(&out).(interface{ applyDefaults() }); ok {
		d.applyDefaults()
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return out, fmt.Errorf("%w: %s", ErrInvalidPayload, describe(verrs))
		}
		var inv *validator.InvalidValidationError
		if errors.As(err, &inv) {
			return out, nil
		}
		return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

func unmarshal(b []byte, out any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// Bind adapts a typed handler to a channel.Handler; the payload is decoded
// and validated once before fn runs.
func Bind[T any](fn func(ctx context.Context, p T) (any, error)) channel.Handler {
	return func(ctx context.Context, raw any) (any, error) {
		p, err := Decode[T](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, p)
	}
}
