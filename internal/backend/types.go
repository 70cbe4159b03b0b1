package backend

import (
	"time"

	"tez-core/internal/autotrail"
	"tez-core/internal/channel"
	"tez-core/internal/monitor"
	"tez-core/internal/persistence"
	"tez-core/internal/sqofftimer"
	"tez-core/internal/state"
	"tez-core/pkg/hostinfo"
)

// Packet types carried on the data lane.
const (
	PacketNotification = "notification"
	PacketPnLUpdate    = "pnl_update"
	PacketTickUpdate   = "tick_update"
)

// Packet is one item on the backend data lane.
type Packet struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"timestamp"`
}

// PnLUpdate is published by the P&L monitor every interval.
type PnLUpdate struct {
	ULIndex   string           `json:"ul_index"`
	PnL       float64          `json:"pnl"`
	OpenQty   int              `json:"open_qty"`
	ULLTP     float64          `json:"ul_ltp,omitempty"`
	AutoTrail autotrail.Status `json:"autotrail"`
	Waiting   int              `json:"waiting_orders"`
}

// TickUpdate carries the selected underlying's latest price.
type TickUpdate struct {
	Symbol string  `json:"symbol"`
	LTP    float64 `json:"ltp"`
	Change float64 `json:"change_pct"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode          string             `json:"mode"`
	Paper         bool               `json:"paper"`
	ULIndex       string             `json:"ul_index"`
	Indices       []string           `json:"indices"`
	UseMockFeed   bool               `json:"use_mock_feed"`
	Version       string             `json:"version"`
	ServerTime    time.Time          `json:"server_time"`
	PnL           float64            `json:"pnl"`
	OpenQty       int                `json:"open_qty"`
	Positions     []state.Entry      `json:"positions"`
	AutoTrail     autotrail.Status   `json:"autotrail"`
	SquareOff     *sqofftimer.Status `json:"square_off_timer,omitempty"`
	Inflight      int                `json:"inflight_orders"`
	WaitingOrders int                `json:"waiting_orders"`
}

// HealthStatus is the GET_HEALTH_STATUS document.
type HealthStatus struct {
	Status          string                  `json:"status"` // ok or degraded
	Uptime          string                  `json:"uptime"`
	BrokerConnected bool                    `json:"broker_connected"`
	BrokerError     string                  `json:"broker_error,omitempty"`
	FeedConnected   bool                    `json:"feed_connected"`
	Dispatcher      channel.State           `json:"dispatcher"`
	Channels        []channel.Stats         `json:"channels"`
	Database        string                  `json:"database"`
	Store           *persistence.Stats      `json:"store,omitempty"`
	LastPnLAt       time.Time               `json:"last_pnl_at,omitempty"`
	DroppedEvents   uint64                  `json:"dropped_events"`
	Listeners       int                     `json:"notification_listeners"`
	Host            hostinfo.Info           `json:"host"`
	Metrics         monitor.MetricsSnapshot `json:"metrics"`
}
