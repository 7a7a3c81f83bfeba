package exchange

import "context"

// Client is the exchange surface the engine depends on. The REST
// implementation talks to Bybit v5; tests use MockClient.
//
// All methods are safe for concurrent use.
type Client interface {
	// ==================== MARKET DATA ====================

	// GetTicker returns the latest ticker for a symbol.
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetKlines returns up to limit candles for the interval ("5", "15", "60").
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// ==================== ACCOUNT ====================

	// GetWalletBalance returns account equity and available margin.
	GetWalletBalance(ctx context.Context) (*WalletBalance, error)

	// GetPositions returns all open positions, the source of truth
	// for reconciliation.
	GetPositions(ctx context.Context) ([]Position, error)

	// SetLeverage sets symbol leverage before entry.
	SetLeverage(ctx context.Context, symbol string, leverage float64) error

	// ==================== ORDERS ====================

	// PlaceOrder submits an order and returns the exchange order record.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// GetOrder fetches the current state of an order.
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error
}
