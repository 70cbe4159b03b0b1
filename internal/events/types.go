package events

// Event enumerates high-level topics inside the backend.
type Event string

const (
	EventNotification  Event = "notification"
	EventPnLUpdate     Event = "pnl_update"
	EventTick          Event = "tick_update"
	EventOrderTerminal Event = "order.terminal"
	EventPositionClose Event = "position.closed"
	EventConnectivity  Event = "connectivity"
)
