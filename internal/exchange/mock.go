package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MockClient is a scripted in-memory Client for tests.
//
// Behavior knobs:
//   - FailOrders: the next N PlaceOrder calls return an error
//   - RejectQty: PlaceOrder rejects quantities not matching the step
//   - FillLimitAfter: limit orders report Filled after this many GetOrder polls
//     (0 = filled immediately, -1 = never fill)
type MockClient struct {
	mu sync.Mutex

	Tickers   map[string]*Ticker
	KlineData map[string][]Kline // key: symbol + ":" + interval
	Positions []Position
	Balance   WalletBalance

	FailOrders     int
	FailOrdersMsg  string
	FillLimitAfter int

	PlacedOrders    []OrderRequest
	CancelledOrders []string
	orders          map[string]*Order
	orderPolls      map[string]int
	nextOrderID     int
}

// NewMockClient creates a mock with sane defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		Tickers:    make(map[string]*Ticker),
		KlineData:  make(map[string][]Kline),
		Balance:    WalletBalance{TotalEquity: 10000, AvailableMargin: 10000},
		orders:     make(map[string]*Order),
		orderPolls: make(map[string]int),
	}
}

// SetPrice sets the ticker price for a symbol.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tickers[symbol] = &Ticker{Symbol: symbol, LastPrice: price, Bid: price, Ask: price}
}

// SetKlines sets candles for symbol+interval.
func (m *MockClient) SetKlines(symbol, interval string, klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.KlineData[symbol+":"+interval] = klines
}

// SetPositions replaces the exchange position list.
func (m *MockClient) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions = positions
}

func (m *MockClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Tickers[symbol]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, fmt.Errorf("no ticker data for %s", symbol)
}

func (m *MockClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	klines, ok := m.KlineData[symbol+":"+interval]
	if !ok {
		return nil, fmt.Errorf("no kline data for %s %s", symbol, interval)
	}
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]Kline, len(klines))
	copy(out, klines)
	return out, nil
}

func (m *MockClient) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.Balance
	return &cp, nil
}

func (m *MockClient) GetPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	return nil
}

func (m *MockClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailOrders > 0 {
		m.FailOrders--
		msg := m.FailOrdersMsg
		if msg == "" {
			msg = "exchange error 10006: rate limited"
		}
		return nil, fmt.Errorf("%s", msg)
	}

	m.nextOrderID++
	id := "mock-" + strconv.Itoa(m.nextOrderID)
	m.PlacedOrders = append(m.PlacedOrders, req)

	status := OrderStatusFilled
	filled := req.Quantity
	avg := req.Price
	if req.OrderType == OrderTypeMarket {
		if t, ok := m.Tickers[req.Symbol]; ok {
			avg = t.LastPrice
		}
	} else if m.FillLimitAfter != 0 {
		status = OrderStatusNew
		filled = 0
	}

	order := &Order{
		OrderID:   id,
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: req.OrderType,
		Price:     req.Price,
		Quantity:  req.Quantity,
		FilledQty: filled,
		AvgPrice:  avg,
		Status:    status,
		CreatedAt: time.Now(),
	}
	m.orders[id] = order
	cp := *order
	return &cp, nil
}

func (m *MockClient) GetOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}

	if order.Status == OrderStatusNew && m.FillLimitAfter >= 0 {
		m.orderPolls[orderID]++
		if m.orderPolls[orderID] >= m.FillLimitAfter {
			order.Status = OrderStatusFilled
			order.FilledQty = order.Quantity
			order.AvgPrice = order.Price
		}
	}

	cp := *order
	return &cp, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	if order.Status == OrderStatusNew || order.Status == OrderStatusPartiallyFilled {
		order.Status = OrderStatusCancelled
	}
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	return nil
}
