package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMarketAction(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		wantErr bool
		want    MarketActionPayload
	}{
		{
			name: "json message",
			raw:  json.RawMessage(`{"action":"Buy","qty":75}`),
			want: MarketActionPayload{Action: "Buy", Qty: 75},
		},
		{
			name: "map from websocket",
			raw:  map[string]any{"action": "Short", "qty": 50, "trade_price": 22010.5},
			want: MarketActionPayload{Action: "Short", Qty: 50, TradePrice: ptr(22010.5)},
		},
		{
			name: "typed value",
			raw:  MarketActionPayload{Action: "Buy", Qty: 1},
			want: MarketActionPayload{Action: "Buy", Qty: 1},
		},
		{name: "bad action", raw: `{"action":"Hold","qty":1}`, wantErr: true},
		{name: "negative qty", raw: `{"action":"Buy","qty":-1}`, wantErr: true},
		{name: "zero trade price", raw: `{"action":"Buy","qty":1,"trade_price":0}`, wantErr: true},
		{name: "garbage", raw: `{"action":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode[MarketActionPayload](tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPayload))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSquareOff(t *testing.T) {
	_, err := Decode[SquareOffPayload](`{"mode":"SELECT","per":50}`)
	assert.Error(t, err, "SELECT needs ul_index")

	_, err = Decode[SquareOffPayload](`{"mode":"ALL","per":150}`)
	assert.Error(t, err, "per must be in (0,100]")

	_, err = Decode[SquareOffPayload](`{"mode":"SELECT","ul_index":"NIFTY","per":0,"partial_exit":true}`)
	assert.Error(t, err, "a partial exit needs a percentage")

	p, err := Decode[SquareOffPayload](`{"mode":"SELECT","ul_index":"NIFTY","per":50,"inst_type":"CE"}`)
	require.NoError(t, err)
	assert.Equal(t, "CE", p.InstType)
	assert.Equal(t, 50.0, p.Per)
}

func TestDecodeSquareOffDefaultsPer(t *testing.T) {
	p, err := Decode[SquareOffPayload](map[string]any{"mode": "ALL"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.Per)

	p, err = Decode[SquareOffPayload](`{"mode":"SELECT","ul_index":"NIFTY","inst_type":"PE"}`)
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.Per)

	p, err = Decode[SquareOffPayload](SquareOffPayload{Mode: "ALL"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.Per)
}

func TestCancelWaitingRows(t *testing.T) {
	one := 3
	tests := []struct {
		name    string
		p       CancelWaitingPayload
		want    []int
		wantErr bool
	}{
		{name: "row id", p: CancelWaitingPayload{RowID: &one}, want: []int{3}},
		{name: "range", p: CancelWaitingPayload{Range: "2-4"}, want: []int{2, 3, 4}},
		{name: "reversed range", p: CancelWaitingPayload{Range: "4-2"}, want: []int{2, 3, 4}},
		{name: "single in range field", p: CancelWaitingPayload{Range: "5"}, want: []int{5}},
		{name: "bad range", p: CancelWaitingPayload{Range: "a-b"}, wantErr: true},
		{name: "widest range", p: CancelWaitingPayload{Range: "1-1000"}, want: seq(1, 1000)},
		{name: "oversized range", p: CancelWaitingPayload{Range: "1-30000000"}, wantErr: true},
		{name: "oversized reversed range", p: CancelWaitingPayload{Range: "30000000-2"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.Rows()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Decode[CancelWaitingPayload](`{}`)
	assert.Error(t, err, "one of row_id or range is required")
}

func TestBindRejectsBeforeHandler(t *testing.T) {
	called := false
	h := Bind(func(ctx context.Context, p SetULIndexPayload) (any, error) {
		called = true
		return p.ULIndex, nil
	})

	_, err := h(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.False(t, called)

	res, err := h(context.Background(), map[string]any{"ul_index": "NIFTY"})
	require.NoError(t, err)
	assert.Equal(t, "NIFTY", res)
}

func TestDecodeEmpty(t *testing.T) {
	_, err := Decode[Empty](nil)
	assert.NoError(t, err)
}

func ptr(f float64) *float64 { return &f }

func seq(a, b int) []int {
	out := make([]int, 0, b-a+1)
	for i := a; i <= b; i++ {
		out = append(out, i)
	}
	return out
}
