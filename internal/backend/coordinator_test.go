package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tez-core/internal/autotrail"
	"tez-core/internal/channel"
	"tez-core/internal/command"
	"tez-core/internal/events"
	"tez-core/internal/market"
	"tez-core/internal/order"
	"tez-core/internal/sqofftimer"
	"tez-core/internal/state"
	"tez-core/pkg/cache"
	"tez-core/pkg/config"
	"tez-core/pkg/exchanges/common"
	"tez-core/pkg/exchanges/paper"
)

const instrumentsYAML = `
instruments:
  nifty:
    symbol: NIFTY
    exchange: NFO
    expiry_date: 30-Oct-2026
    strike_diff: 50
    lot_size: 75
    freeze_qty: 1800
    quantity: 2
    legs: 1
  niftybees:
    symbol: NIFTYBEES
    exchange: NSE
    quantity: 10
`

type fixture struct {
	coord  *Coordinator
	ch     *channel.Manager
	corr   *channel.Correlator
	broker *paper.Broker
	ledger *state.Ledger
	router *market.Router
	bus    *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ins, err := config.ParseInstruments([]byte(instrumentsYAML))
	require.NoError(t, err)

	bus := events.NewBus()
	broker := paper.New(paper.Config{Margin: 10_000_000})
	watched := NewWatchedAPI(broker, bus, nil, time.Second)
	ledger := state.NewLedger(nil)
	eng := order.NewEngine(order.Deps{API: watched, Ledger: ledger, Bus: bus},
		order.Config{ConfirmAttempts: 3, ConfirmInterval: time.Millisecond})
	at := autotrail.New(eng, bus, autotrail.Options{Interval: 10 * time.Millisecond})

	tcfg := sqofftimer.DefaultConfig()
	tcfg.Enabled = false
	timer, err := sqofftimer.New(eng, ledger, bus, tcfg, nil)
	require.NoError(t, err)

	ticks := cache.NewShardedTickCache()
	router := market.NewRouter(bus, ticks)
	ch := channel.NewManager()
	coord, err := New(Registry{
		Instruments: ins,
		Bus:         bus,
		Channels:    ch,
		Engine:      eng,
		API:         watched,
		Broker:      watched,
		Paper:       broker,
		Router:      router,
		Cache:       ticks,
		AutoTrail:   at,
		Timer:       timer,
	}, Options{ULIndex: "nifty", Quantum: time.Millisecond, PnLInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	t.Cleanup(func() {
		_ = coord.Stop(time.Second)
		cancel()
		_ = at.Close(time.Second)
		eng.Close()
	})
	return &fixture{
		coord:  coord,
		ch:     ch,
		corr:   channel.NewCorrelator(ch.Command, ch.Response),
		broker: broker,
		ledger: ledger,
		router: router,
		bus:    bus,
	}
}

// call sends one command through the correlator and waits for its response.
func (f *fixture) call(t *testing.T, name string, payload any) channel.Response {
	t.Helper()
	id, err := f.corr.Send(name, payload)
	require.NoError(t, err)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.ch.Response.Wait(context.Background(), 20*time.Millisecond)
		for _, d := range f.corr.Process().Delivered {
			if d.Response.RequestID == id {
				return d.Response
			}
		}
	}
	t.Fatalf("no response for %s (req %d)", name, id)
	return channel.Response{}
}

func result(t *testing.T, r channel.Response) map[string]any {
	t.Helper()
	require.True(t, r.Success, "command %s failed: %s", r.Command, r.Error)
	m, ok := r.Result.(map[string]any)
	require.True(t, ok, "unexpected result type %T", r.Result)
	return m
}

func TestUnknownCommandGetsErrorResponse(t *testing.T) {
	f := newFixture(t)
	r := f.call(t, "NOT_A_COMMAND", nil)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "unknown command")
}

func TestMarketActionNeedsUnderlyingPrice(t *testing.T) {
	f := newFixture(t)
	r := f.call(t, command.MarketAction, map[string]any{"action": "Buy"})
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, config.ErrNoPrice.Error())

	r = f.call(t, command.MarketAction, map[string]any{"action": "Sideways"})
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "invalid payload")
}

func TestBuyThenSquareOffAll(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(market.Tick{Symbol: "NIFTY", LTP: 25010, At: time.Now()})

	res := result(t, f.call(t, command.MarketAction, command.MarketActionPayload{Action: "Buy"}))
	assert.Equal(t, 150, res["result"])
	assert.Equal(t, order.Success, res["outcome"])
	assert.Equal(t, 150, f.ledger.Available("NIFTY30OCT26C25000"))

	tick := result(t, f.call(t, command.GetLatestTick, nil))
	assert.Equal(t, 25010.0, tick["ltp"])

	sq := result(t, f.call(t, command.SquareOff, map[string]any{"mode": "ALL"}))
	assert.Equal(t, true, sq["success"])
	assert.Equal(t, 150, sq["closed_qty"])
	assert.Equal(t, 0, sq["remaining_qty"])
	assert.Equal(t, 0, f.ledger.TotalAvailable())

	placed, _, _ := f.broker.Counts()
	again := result(t, f.call(t, command.SimpleSquareOff, nil))
	assert.Equal(t, true, again["success"])
	placedAfter, _, _ := f.broker.Counts()
	assert.Equal(t, placed, placedAfter, "flat ledger square-off must not reach the broker")
}

func TestShortOnETFSells(t *testing.T) {
	f := newFixture(t)
	result(t, f.call(t, command.SetULIndex, map[string]any{"ul_index": "niftybees"}))
	f.router.Handle(market.Tick{Symbol: "NIFTYBEES", LTP: 280, At: time.Now()})

	res := result(t, f.call(t, command.MarketAction, map[string]any{"action": "Short", "qty": 5}))
	assert.Equal(t, 5, res["result"])
	orders := f.broker.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, common.SideSell, orders[0].Side)
	assert.Equal(t, "NIFTYBEES", orders[0].Instrument)
}

func TestSetULIndexRejectsUnknown(t *testing.T) {
	f := newFixture(t)
	r := f.call(t, command.SetULIndex, map[string]any{"ul_index": "SENSEX"})
	assert.False(t, r.Success)
	assert.Equal(t, "NIFTY", f.coord.ULIndex())

	r = f.call(t, command.SetULIndex, map[string]any{})
	assert.False(t, r.Success)
}

func TestWaitingOrderParkAndCancel(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(market.Tick{Symbol: "NIFTY", LTP: 25010, At: time.Now()})

	res := result(t, f.call(t, command.MarketAction, map[string]any{"action": "Buy", "trade_price": 25100}))
	assert.Equal(t, 0, res["result"])
	w, ok := res["waiting"].(order.WaitingOrder)
	require.True(t, ok)
	assert.Equal(t, 1, w.Row)
	assert.Equal(t, "NIFTY30OCT26C25100", w.Instrument)

	c := result(t, f.call(t, command.CancelWaitingOrder, map[string]any{"range": "1-3"}))
	assert.Equal(t, 1, c["cancelled"])

	f.router.Handle(market.Tick{Symbol: "NIFTY", LTP: 25150, At: time.Now()})
	placed, _, _ := f.broker.Counts()
	assert.Zero(t, placed, "cancelled waiting order must not fire")
}

func TestWaitingOrderFiresOnCross(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(market.Tick{Symbol: "NIFTY", LTP: 25010, At: time.Now()})
	result(t, f.call(t, command.MarketAction, map[string]any{"action": "Buy", "trade_price": 25100}))

	f.router.Handle(market.Tick{Symbol: "NIFTY", LTP: 25120, At: time.Now()})
	require.Eventually(t, func() bool {
		return f.ledger.Available("NIFTY30OCT26C25100") == 150
	}, 2*time.Second, 5*time.Millisecond)
}

func TestActivateAutoValidates(t *testing.T) {
	f := newFixture(t)
	r := f.call(t, command.ActivateAuto, map[string]any{"sl": 100, "target": 50, "mvto_cost": 10, "trail_after": 20, "trail_by": 5})
	assert.False(t, r.Success)

	res := result(t, f.call(t, command.ActivateAuto, map[string]any{"sl": -500, "target": 1000, "mvto_cost": 100, "trail_after": 200, "trail_by": 50}))
	assert.Equal(t, true, res["success"])
	assert.True(t, f.coord.SystemStatus().AutoTrail.Enabled)

	result(t, f.call(t, command.DeactivateAuto, nil))
	assert.False(t, f.coord.SystemStatus().AutoTrail.Enabled)
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)
	r := f.call(t, command.GetHealthStatus, nil)
	require.True(t, r.Success)
	h, ok := r.Result.(HealthStatus)
	require.True(t, ok)
	assert.Equal(t, channel.StateRunning, h.Dispatcher)
	assert.True(t, h.BrokerConnected)
	assert.Equal(t, "disabled", h.Database)
	assert.Len(t, h.Channels, 3)
	assert.GreaterOrEqual(t, h.Listeners, 1)

	r = f.call(t, command.GetSystemStatus, nil)
	require.True(t, r.Success)
	s := r.Result.(SystemStatus)
	assert.Equal(t, "PAPER", s.Mode)
	assert.Equal(t, []string{"NIFTY", "NIFTYBEES"}, s.Indices)
	require.NotNil(t, s.SquareOff)
	assert.False(t, s.SquareOff.Config.Enabled)

	r = f.call(t, command.ShowRecords, nil)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, ErrNoStorage.Error())

	r = f.call(t, command.DataFeedConnect, nil)
	assert.False(t, r.Success)
}

func TestSquareOffConfigUpdate(t *testing.T) {
	f := newFixture(t)
	r := f.call(t, command.UpdateSquareOffConfig, map[string]any{"square_off_at": "15:25"})
	require.True(t, r.Success, r.Error)
	st := r.Result.(sqofftimer.Status)
	assert.Equal(t, "15:25", st.Config.SquareOffAt)

	r = f.call(t, command.UpdateSquareOffConfig, map[string]any{"square_off_at": "16:45"})
	assert.False(t, r.Success, "time outside the window must be rejected")

	r = f.call(t, command.GetSquareOffStatus, nil)
	require.True(t, r.Success)
	assert.Equal(t, "15:25", r.Result.(sqofftimer.Status).Config.SquareOffAt)
}

func TestEmergencyStopClosesEverything(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(market.Tick{Symbol: "NIFTY", LTP: 25010, At: time.Now()})
	result(t, f.call(t, command.MarketAction, map[string]any{"action": "Buy"}))
	result(t, f.call(t, command.MarketAction, map[string]any{"action": "Short", "trade_price": 24800}))

	res := result(t, f.call(t, command.EmergencyStop, nil))
	assert.Equal(t, true, res["success"])
	assert.Equal(t, 1, res["cancelled_orders"])
	assert.Equal(t, 150, res["closed_qty"])
	assert.Zero(t, f.ledger.TotalAvailable())
	assert.Zero(t, f.coord.SystemStatus().WaitingOrders)
}

func TestRefreshPositionsAdoptsBroker(t *testing.T) {
	f := newFixture(t)
	f.ledger.Taken(context.Background(), state.Instrument{Symbol: "NIFTY30OCT26C25000", Underlying: "NIFTY", LotSize: 75}, common.SideBuy, 150)
	f.broker.SeedPosition(common.Position{Exchange: "NFO", Instrument: "NIFTY30OCT26C25000", NetQty: 75, BuyQty: 75})

	res := result(t, f.call(t, command.RefreshPositions, nil))
	mm := res["mismatches"].([]state.Mismatch)
	require.Len(t, mm, 1)
	assert.Equal(t, 150, mm[0].LedgerQty)
	assert.Equal(t, 75, mm[0].BrokerQty)
	assert.Equal(t, 75, f.ledger.Available("NIFTY30OCT26C25000"))
}

func TestPnLSampleFeedsDataLane(t *testing.T) {
	f := newFixture(t)
	f.broker.SeedPosition(common.Position{Exchange: "NFO", Instrument: "X", NetQty: 75, BuyQty: 75, BuyAvg: 100, LTP: 110})

	u, err := f.coord.samplePnL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 750.0, u.PnL)
	assert.Equal(t, 750.0, f.coord.PnL())

	require.Eventually(t, func() bool {
		for {
			v, ok := f.ch.Data.FetchData()
			if !ok {
				return false
			}
			if p, ok := v.(Packet); ok && p.Type == PacketPnLUpdate {
				return p.Data.(PnLUpdate).PnL == 750
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNotificationsForwardedToDataLane(t *testing.T) {
	f := newFixture(t)
	f.bus.Notify(events.FeedDisconnected("test"))
	require.Eventually(t, func() bool {
		for {
			v, ok := f.ch.Data.FetchData()
			if !ok {
				return false
			}
			if p, ok := v.(Packet); ok && p.Type == PacketNotification {
				if n := p.Data.(events.Notification); n.ID == events.MarketDataDisconnected {
					return n.Data["reason"] == "test"
				}
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatchedAPITracksConnectivity(t *testing.T) {
	bus := events.NewBus()
	stream, unsub := bus.Subscribe(events.EventConnectivity, 4)
	defer unsub()

	b := paper.New(paper.Config{Margin: 1000})
	w := NewWatchedAPI(b, bus, nil, time.Hour)

	b.FailPlacements(errors.New("connection reset"))
	_, err := w.PlaceOrder(context.Background(), common.OrderRequest{Instrument: "X", Qty: 1})
	require.Error(t, err)
	ok, lastErr := w.Connected()
	assert.False(t, ok)
	assert.ErrorContains(t, lastErr, "connection reset")
	assert.False(t, (<-stream).(Connectivity).Connected)

	_, err = w.Quote(context.Background(), "NSE", "missing")
	require.ErrorIs(t, err, common.ErrNoQuote)
	ok, _ = w.Connected()
	assert.False(t, ok, "a missing quote says nothing about the link")

	_, err = w.AvailableMargin(context.Background())
	require.NoError(t, err)
	ok, _ = w.Connected()
	assert.True(t, ok)
	assert.True(t, (<-stream).(Connectivity).Connected)
}
