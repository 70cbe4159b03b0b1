package common

import (
	"errors"
	"fmt"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the broker accepts.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "SL"
	OrderTypeOCO      OrderType = "OCO" // bracket with book_loss / book_profit
)

// ProductType is the broker's product code (intraday / carry forward).
type ProductType string

const (
	ProductIntraday ProductType = "INTRADAY"
	ProductMargin   ProductType = "MARGIN"
	ProductDelivery ProductType = "CNC"
)

// OrderStatus normalizes broker status into a small set.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPending   OrderStatus = "PENDING"
	StatusComplete  OrderStatus = "COMPLETE"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to the broker.
type OrderRequest struct {
	Exchange        string
	Instrument      string
	Side            Side
	Type            OrderType
	Product         ProductType
	Qty             int
	Price           float64 // LIMIT only
	TriggerPrice    float64
	BookLossPrice   float64 // OCO stop leg
	BookProfitPrice float64 // OCO target leg
	Remarks         string
}

// OrderAck is the broker's acceptance of a placement.
type OrderAck struct {
	OrderID string
	Status  OrderStatus
}

// OrderSnapshot is one order_history read.
type OrderSnapshot struct {
	OrderID      string
	Instrument   string
	Side         Side
	Status       OrderStatus
	Qty          int
	FilledQty    int
	AvgPrice     float64
	RejectReason string
	UpdatedAt    time.Time
}

// Position is one net broker position row for the trading day.
type Position struct {
	Exchange    string
	Instrument  string
	NetQty      int // positive long, negative short
	BuyQty      int
	SellQty     int
	BuyAvg      float64
	SellAvg     float64
	LTP         float64
	RealisedPnL float64
}

// MTM returns realised plus unrealised P&L of the row at its LTP.
func (p Position) MTM() float64 {
	return (p.SellAvg*float64(p.SellQty) - p.BuyAvg*float64(p.BuyQty)) + float64(p.NetQty)*p.LTP
}

// Quote is the last traded price of an instrument.
type Quote struct {
	Exchange   string
	Instrument string
	LTP        float64
	At         time.Time
}

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrRejected      = errors.New("order rejected")
	ErrNoQuote       = errors.New("no quote available")
)

// BrokerError wraps a transport or API failure at the broker boundary.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// IsBrokerError reports whether err came from the broker boundary.
func IsBrokerError(err error) bool {
	var be *BrokerError
	return errors.As(err, &be)
}
