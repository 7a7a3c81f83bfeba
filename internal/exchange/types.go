package exchange

import "time"

// Order sides and types as the exchange expects them.
const (
	SideBuy  = "Buy"
	SideSell = "Sell"

	OrderTypeLimit  = "Limit"
	OrderTypeMarket = "Market"

	TimeInForceGTC = "GTC"
	TimeInForceIOC = "IOC"
)

// Order statuses returned by the exchange.
const (
	OrderStatusNew             = "New"
	OrderStatusPartiallyFilled = "PartiallyFilled"
	OrderStatusFilled          = "Filled"
	OrderStatusCancelled       = "Cancelled"
	OrderStatusRejected        = "Rejected"
)

// Ticker is the latest market snapshot for a symbol.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"lastPrice"`
	Bid       float64 `json:"bid1Price"`
	Ask       float64 `json:"ask1Price"`
	Volume24h float64 `json:"volume24h"`
	Change24h float64 `json:"price24hPcnt"`
}

// Kline is a single OHLCV candle.
type Kline struct {
	OpenTime time.Time `json:"openTime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Position is a position as the exchange reports it.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // Buy or Sell
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"avgPrice"`
	MarkPrice     float64 `json:"markPrice"`
	UnrealisedPnl float64 `json:"unrealisedPnl"`
	Leverage      float64 `json:"leverage"`
	StopLoss      float64 `json:"stopLoss"`
	TakeProfit    float64 `json:"takeProfit"`
	UpdatedAt     time.Time
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	OrderType   string  `json:"orderType"`
	Quantity    float64 `json:"qty"`
	Price       float64 `json:"price,omitempty"` // limit orders only
	TimeInForce string  `json:"timeInForce,omitempty"`
	ReduceOnly  bool    `json:"reduceOnly"`
	OrderLinkID string  `json:"orderLinkId,omitempty"`
	// TriggerPrice places a conditional (resting stop) order.
	TriggerPrice float64 `json:"triggerPrice,omitempty"`
}

// Order is the exchange view of a placed order.
type Order struct {
	OrderID     string  `json:"orderId"`
	OrderLinkID string  `json:"orderLinkId"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	OrderType   string  `json:"orderType"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"qty"`
	FilledQty   float64 `json:"cumExecQty"`
	AvgPrice    float64 `json:"avgPrice"`
	Status      string  `json:"orderStatus"`
	CreatedAt   time.Time
}

// Filled reports whether the order is completely filled.
func (o *Order) Filled() bool { return o.Status == OrderStatusFilled }

// WalletBalance is the account equity snapshot used for sizing.
type WalletBalance struct {
	TotalEquity     float64 `json:"totalEquity"`
	AvailableMargin float64 `json:"totalAvailableBalance"`
}

// PriceUpdate is one tick from the public ticker stream.
type PriceUpdate struct {
	Symbol     string
	Price      float64
	ReceivedAt time.Time
}
