package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationID identifies a notification kind. Ranges are grouped by category.
type NotificationID int

const (
	SystemStartup     NotificationID = 1001
	SystemShutdown    NotificationID = 1002
	SystemError       NotificationID = 1003
	SystemReady       NotificationID = 1004
	SystemMaintenance NotificationID = 1005

	PositionOpened   NotificationID = 1101
	PositionClosed   NotificationID = 1102
	PositionUpdated  NotificationID = 1103
	SquareOffSuccess NotificationID = 1104
	SquareOffError   NotificationID = 1105
	OrderPlaced      NotificationID = 1106
	OrderFilled      NotificationID = 1107
	OrderRejected    NotificationID = 1108
	OrderCancelled   NotificationID = 1109

	AutoTrailerActivated        NotificationID = 1201
	AutoTrailerDeactivated      NotificationID = 1202
	AutoTrailerSLHit            NotificationID = 1203
	AutoTrailerTargetHit        NotificationID = 1204
	AutoTrailerError            NotificationID = 1205
	AutoTrailerStatusUpdate     NotificationID = 1206
	AutoTrailerSquareOffTrigger NotificationID = 1207

	MarketDataConnected    NotificationID = 1301
	MarketDataDisconnected NotificationID = 1302
	TickUpdate             NotificationID = 1303
	MarketDataError        NotificationID = 1304
	FeedTimeout            NotificationID = 1305
	NetworkConnected       NotificationID = 1306
	NetworkDisconnected    NotificationID = 1307
	NetworkReconnecting    NotificationID = 1308

	UIRefreshPortfolio NotificationID = 1401
	UIRefreshOrders    NotificationID = 1402
	UIShowMessage      NotificationID = 1403
	UIModeUpdate       NotificationID = 1404
	UIEnableControls   NotificationID = 1405
	UIDisableControls  NotificationID = 1406

	PortDataReceived    NotificationID = 1501
	PortConnectionError NotificationID = 1502
	PortBufferOverflow  NotificationID = 1503
)

// Category groups notifications for routing on the UI side.
type Category string

const (
	CategorySystem      Category = "system"
	CategoryTrading     Category = "trading"
	CategoryAutoTrailer Category = "autotrailer"
	CategoryMarketData  Category = "market_data"
	CategoryUI          Category = "ui"
	CategoryPortSystem  Category = "port_system"
	CategoryError       Category = "error"
)

// Priority orders notifications; EMERGENCY blocks the operator until acknowledged.
type Priority int

const (
	PriorityLow       Priority = 1
	PriorityNormal    Priority = 2
	PriorityHigh      Priority = 3
	PriorityCritical  Priority = 4
	PriorityEmergency Priority = 5
)

// Notification is the fire-and-forget envelope carried on the data lane.
type Notification struct {
	ID            NotificationID `json:"id"`
	Category      Category       `json:"category"`
	Priority      Priority       `json:"priority"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	Target        string         `json:"target,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Blocking reports whether the UI should raise a modal for this notification.
func (n Notification) Blocking() bool {
	return n.Priority >= PriorityCritical
}

func newNotification(id NotificationID, cat Category, prio Priority, source, msg string, data map[string]any) Notification {
	return Notification{
		ID:        id,
		Category:  cat,
		Priority:  prio,
		Message:   msg,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}
}

func correlationID() string {
	return uuid.NewString()
}

// SystemStarted announces a component coming up.
func SystemStarted(component string) Notification {
	return newNotification(SystemStartup, CategorySystem, PriorityNormal, component,
		fmt.Sprintf("%s started", component), map[string]any{"component": component})
}

// SystemStopping announces a component shutdown.
func SystemStopping(component, reason string) Notification {
	return newNotification(SystemShutdown, CategorySystem, PriorityNormal, component,
		fmt.Sprintf("%s shutting down", component), map[string]any{"component": component, "reason": reason})
}

// SystemFailure reports an unexpected error in a component.
func SystemFailure(component string, err error) Notification {
	return newNotification(SystemError, CategoryError, PriorityHigh, component,
		fmt.Sprintf("%s error: %v", component, err), map[string]any{"component": component, "error": errString(err)})
}

// AutoActivated is sent after a successful auto-trailer activation.
func AutoActivated(symbol string, sl, target float64) Notification {
	n := newNotification(AutoTrailerActivated, CategoryAutoTrailer, PriorityNormal, "AutoTrailer",
		fmt.Sprintf("AutoTrailer activated for %s", symbol),
		map[string]any{"symbol": symbol, "sl": sl, "target": target})
	n.Target = "TradeManagerUI"
	return n
}

// AutoDeactivated is sent whenever the auto-trailer stops watching P&L.
func AutoDeactivated(symbol, reason string) Notification {
	n := newNotification(AutoTrailerDeactivated, CategoryAutoTrailer, PriorityNormal, "AutoTrailer",
		fmt.Sprintf("AutoTrailer deactivated for %s", symbol),
		map[string]any{"symbol": symbol, "reason": reason})
	n.Target = "TradeManagerUI"
	return n
}

// AutoHit reports an SL / target / trailing hit before the square-off is attempted.
func AutoHit(reason string, pnl float64) Notification {
	id := AutoTrailerSLHit
	if reason == "TARGET_HIT" {
		id = AutoTrailerTargetHit
	}
	return newNotification(id, CategoryAutoTrailer, PriorityHigh, "AutoTrailer",
		fmt.Sprintf("AutoTrailer %s at %.2f", reason, pnl),
		map[string]any{"trigger_reason": reason, "pnl": pnl})
}

// AutoSquareOffDone reports a completed auto-trailer square-off; the UI falls back to manual mode.
func AutoSquareOffDone(reason string, pnl float64, symbol string) Notification {
	n := newNotification(SquareOffSuccess, CategoryAutoTrailer, PriorityHigh, "AutoTrailer",
		fmt.Sprintf("AutoTrailer square-off completed for %s", symbol),
		map[string]any{
			"trigger_reason":  reason,
			"pnl":             pnl,
			"symbol":          symbol,
			"action_required": "switch_to_manual",
		})
	n.Target = "TradeManagerUI"
	n.CorrelationID = correlationID()
	return n
}

// AutoSquareOffFailed asks the operator to take manual control.
func AutoSquareOffFailed(err error, symbol string) Notification {
	n := newNotification(AutoTrailerError, CategoryError, PriorityCritical, "AutoTrailer",
		fmt.Sprintf("AutoTrailer square-off failed for %s - Manual intervention required", symbol),
		map[string]any{
			"error_details":   errString(err),
			"symbol":          symbol,
			"action_required": "manual_intervention",
		})
	n.Target = "TradeManagerUI"
	n.CorrelationID = correlationID()
	return n
}

// SquareOffCompleted reports a flat book after a square-off from any trigger.
func SquareOffCompleted(mode, trigger string, pnl float64) Notification {
	return newNotification(SquareOffSuccess, CategoryTrading, PriorityHigh, "PFMU",
		fmt.Sprintf("Square-off successful: %s mode", mode),
		map[string]any{"mode": mode, "trigger_source": trigger, "pnl": pnl})
}

// SquareOffPartial reports quantity left open after a square-off attempt.
func SquareOffPartial(mode, trigger string, remaining int) Notification {
	return newNotification(SquareOffError, CategoryError, PriorityCritical, "PFMU",
		fmt.Sprintf("Square-off incomplete: %d qty still open", remaining),
		map[string]any{
			"mode":            mode,
			"trigger_source":  trigger,
			"remaining_qty":   remaining,
			"action_required": "manual_intervention",
		})
}

// SquareOffFailed reports a square-off that raised an error.
func SquareOffFailed(mode, trigger string, err error) Notification {
	return newNotification(SquareOffError, CategoryError, PriorityCritical, "PFMU",
		fmt.Sprintf("Square-off failed: %s mode", mode),
		map[string]any{
			"mode":            mode,
			"error_message":   errString(err),
			"trigger_source":  trigger,
			"action_required": "manual_intervention",
		})
}

// SquareOffRejected reports a timer trigger that did not run.
func SquareOffRejected(trigger, reason string) Notification {
	return newNotification(UIShowMessage, CategoryUI, PriorityNormal, trigger,
		fmt.Sprintf("Square-off rejected: %s", reason),
		map[string]any{"trigger_source": trigger, "reason": reason})
}

// OrderUpdate reports a terminal order leg.
func OrderUpdate(orderID, instrument, outcome string, filled int, reason string) Notification {
	id := OrderFilled
	prio := PriorityNormal
	switch outcome {
	case "HARD_FAILURE":
		id, prio = OrderRejected, PriorityHigh
	case "SOFT_FAILURE_QTY", "SOFT_FAILURE_REJRMS":
		id, prio = OrderRejected, PriorityNormal
	}
	return newNotification(id, CategoryTrading, prio, "OrderEngine",
		fmt.Sprintf("Order %s %s: %s", orderID, instrument, outcome),
		map[string]any{"order_id": orderID, "instrument": instrument, "outcome": outcome, "filled_qty": filled, "reason": reason})
}

// WaitingOrderCancelled reports a waiting order row that will no longer trigger.
func WaitingOrderCancelled(row int, instrument string) Notification {
	return newNotification(OrderCancelled, CategoryTrading, PriorityLow, "OrderEngine",
		fmt.Sprintf("Waiting order %d cancelled", row),
		map[string]any{"row_id": row, "instrument": instrument})
}

// PositionMismatch reports a ledger/broker disagreement found by reconciliation.
func PositionMismatch(instrument string, ledgerQty, brokerQty int) Notification {
	return newNotification(PositionUpdated, CategoryTrading, PriorityHigh, "Reconciler",
		fmt.Sprintf("Position mismatch on %s: ledger=%d broker=%d", instrument, ledgerQty, brokerQty),
		map[string]any{"instrument": instrument, "ledger_qty": ledgerQty, "broker_qty": brokerQty})
}

// FeedConnected / FeedDisconnected track market data connectivity.
func FeedConnected(info map[string]any) Notification {
	return newNotification(MarketDataConnected, CategoryMarketData, PriorityNormal, "MarketFeed",
		"Market data connected", info)
}

func FeedDisconnected(reason string) Notification {
	return newNotification(MarketDataDisconnected, CategoryMarketData, PriorityHigh, "MarketFeed",
		"Market data disconnected", map[string]any{"reason": reason})
}

// BrokerConnectivity reports a transport status flip at the TradingAPI boundary.
func BrokerConnectivity(connected bool, err error) Notification {
	if connected {
		return newNotification(NetworkConnected, CategoryMarketData, PriorityNormal, "TradingAPI",
			"Broker connection restored", nil)
	}
	return newNotification(NetworkDisconnected, CategoryError, PriorityHigh, "TradingAPI",
		"Broker connection lost", map[string]any{"error": errString(err)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
