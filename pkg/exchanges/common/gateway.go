package common

import "context"

// TradingAPI abstracts the remote order-matching service.
type TradingAPI interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	OrderHistory(ctx context.Context, orderID string) (OrderSnapshot, error)
	CancelOrder(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]Position, error)
	Quote(ctx context.Context, exchange, instrument string) (Quote, error)
	AvailableMargin(ctx context.Context) (float64, error)
}
