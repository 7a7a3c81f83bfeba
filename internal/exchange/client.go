package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	recvWindow     = "10000" // clock skew tolerance in ms
)

const (
	// BaseURL is the production Bybit v5 API URL
	BaseURL = "https://api.bybit.com"
	// TestnetURL is the testnet Bybit v5 API URL
	TestnetURL = "https://api-testnet.bybit.com"
)

// RestClient implements Client against the Bybit v5 REST API.
type RestClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	category   string // linear for USDT perpetuals
	httpClient *http.Client
	filters    *FilterTable
	logger     zerolog.Logger
}

// NewRestClient creates a Bybit v5 REST client.
func NewRestClient(apiKey, secretKey string, testnet bool, logger zerolog.Logger) *RestClient {
	baseURL := BaseURL
	if testnet {
		baseURL = TestnetURL
	}

	// Trim any whitespace from keys - critical for signature generation
	return &RestClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		category:   "linear",
		httpClient: &http.Client{Timeout: 15 * time.Second},
		filters:    NewFilterTable(),
		logger:     logger.With().Str("component", "RestClient").Logger(),
	}
}

// Filters exposes the symbol filter table for quantity rounding.
func (c *RestClient) Filters() *FilterTable { return c.filters }

// envelope is the common Bybit v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// ==================== MARKET DATA ====================

// GetTicker returns the latest ticker for a symbol.
func (c *RestClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{"category": c.category, "symbol": symbol}

	raw, err := c.publicGet(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}

	var result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			Bid1Price    string `json:"bid1Price"`
			Ask1Price    string `json:"ask1Price"`
			Volume24h    string `json:"volume24h"`
			Price24hPcnt string `json:"price24hPcnt"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("error parsing ticker: %w", err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("no ticker data for %s", symbol)
	}

	t := result.List[0]
	return &Ticker{
		Symbol:    t.Symbol,
		LastPrice: parseFloat(t.LastPrice),
		Bid:       parseFloat(t.Bid1Price),
		Ask:       parseFloat(t.Ask1Price),
		Volume24h: parseFloat(t.Volume24h),
		Change24h: parseFloat(t.Price24hPcnt),
	}, nil
}

// GetKlines returns up to limit candles, oldest first.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"category": c.category,
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}

	raw, err := c.publicGet(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	// Bybit returns newest first, callers want oldest first
	klines := make([]Kline, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(ts),
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
		})
	}
	return klines, nil
}

// ==================== ACCOUNT ====================

// GetWalletBalance returns the unified account equity.
func (c *RestClient) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	params := map[string]string{"accountType": "UNIFIED"}

	raw, err := c.signedGet(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching wallet balance: %w", err)
	}

	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("error parsing wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("no wallet balance data")
	}

	return &WalletBalance{
		TotalEquity:     parseFloat(result.List[0].TotalEquity),
		AvailableMargin: parseFloat(result.List[0].TotalAvailableBalance),
	}, nil
}

// GetPositions retrieves all open positions.
func (c *RestClient) GetPositions(ctx context.Context) ([]Position, error) {
	params := map[string]string{"category": c.category, "settleCoin": "USDT"}

	raw, err := c.signedGet(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
			StopLoss      string `json:"stopLoss"`
			TakeProfit    string `json:"takeProfit"`
			UpdatedTime   string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	positions := make([]Position, 0, len(result.List))
	for _, p := range result.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		ts, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)
		positions = append(positions, Position{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Size:          size,
			EntryPrice:    parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealisedPnl: parseFloat(p.UnrealisedPnl),
			Leverage:      parseFloat(p.Leverage),
			StopLoss:      parseFloat(p.StopLoss),
			TakeProfit:    parseFloat(p.TakeProfit),
			UpdatedAt:     time.UnixMilli(ts),
		})
	}
	return positions, nil
}

// SetLeverage sets buy and sell leverage for a symbol. The exchange
// returns retCode 110043 when leverage is unchanged, which is not an error.
func (c *RestClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	lev := strconv.FormatFloat(leverage, 'f', -1, 64)
	body := map[string]interface{}{
		"category":     c.category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}

	_, err := c.signedPost(ctx, "/v5/position/set-leverage", body)
	if err != nil && strings.Contains(err.Error(), "110043") {
		return nil
	}
	return err
}

// ==================== ORDERS ====================

// PlaceOrder submits an order.
func (c *RestClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	body := map[string]interface{}{
		"category":  c.category,
		"symbol":    req.Symbol,
		"side":      req.Side,
		"orderType": req.OrderType,
		"qty":       strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.Price > 0 {
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.TimeInForce != "" {
		body["timeInForce"] = req.TimeInForce
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.OrderLinkID != "" {
		body["orderLinkId"] = req.OrderLinkID
	}
	if req.TriggerPrice > 0 {
		body["triggerPrice"] = strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64)
		body["triggerDirection"] = triggerDirection(req)
	}

	raw, err := c.signedPost(ctx, "/v5/order/create", body)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	return &Order{
		OrderID:     result.OrderID,
		OrderLinkID: result.OrderLinkID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Status:      OrderStatusNew,
		CreatedAt:   time.Now(),
	}, nil
}

// triggerDirection maps a conditional order to the Bybit trigger
// direction field: 1 = triggered when price rises, 2 = when it falls.
func triggerDirection(req OrderRequest) int {
	if req.Side == SideSell {
		return 2
	}
	return 1
}

// GetOrder fetches order state, checking open orders then history.
func (c *RestClient) GetOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	params := map[string]string{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	raw, err := c.signedGet(ctx, "/v5/order/realtime", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching order: %w", err)
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Price       string `json:"price"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("order %s not found", orderID)
	}

	o := result.List[0]
	return &Order{
		OrderID:     o.OrderID,
		OrderLinkID: o.OrderLinkID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		OrderType:   o.OrderType,
		Price:       parseFloat(o.Price),
		Quantity:    parseFloat(o.Qty),
		FilledQty:   parseFloat(o.CumExecQty),
		AvgPrice:    parseFloat(o.AvgPrice),
		Status:      o.OrderStatus,
	}, nil
}

// CancelOrder cancels a resting order.
func (c *RestClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := c.signedPost(ctx, "/v5/order/cancel", body)
	if err != nil {
		return fmt.Errorf("error cancelling order: %w", err)
	}
	return nil
}

// ==================== REQUEST PLUMBING ====================

// sign creates the v5 signature over timestamp + apiKey + recvWindow + payload.
func (c *RestClient) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// buildQueryString builds a deterministic query string. Sorted keys keep
// the signed payload identical to what is sent on the wire.
func buildQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	return sb.String()
}

func (c *RestClient) publicGet(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	query := buildQueryString(params)
	return c.doWithRetry(ctx, endpoint, func() (*http.Request, error) {
		reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, query)
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	})
}

func (c *RestClient) signedGet(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	return c.doWithRetry(ctx, endpoint, func() (*http.Request, error) {
		query := buildQueryString(params)
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, query)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		c.setAuthHeaders(req, timestamp, query)
		return req, nil
	})
}

func (c *RestClient) signedPost(ctx context.Context, endpoint string, body map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	return c.doWithRetry(ctx, endpoint, func() (*http.Request, error) {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(string(payload)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAuthHeaders(req, timestamp, string(payload))
		return req, nil
	})
}

func (c *RestClient) setAuthHeaders(req *http.Request, timestamp, payload string) {
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, payload))
}

// doWithRetry executes the request with retries on transient failures.
// The builder runs per attempt so timestamps and signatures stay fresh.
func (c *RestClient) doWithRetry(ctx context.Context, endpoint string, build func() (*http.Request, error)) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				c.logger.Warn().Str("endpoint", endpoint).Int("attempt", attempt+1).
					Err(err).Dur("retry_in", delay).Msg("Request failed, retrying")
				if !sleepCtx(ctx, delay) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
			if isRetryableStatus(resp.StatusCode) && attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				c.logger.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).
					Dur("retry_in", delay).Msg("Retryable API error")
				if !sleepCtx(ctx, delay) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, lastErr
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("error parsing response: %w", err)
		}
		if env.RetCode != 0 {
			lastErr = fmt.Errorf("exchange error %d: %s", env.RetCode, env.RetMsg)
			if isRetryableRetCode(env.RetCode) && attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				if !sleepCtx(ctx, delay) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, lastErr
		}
		return env.Result, nil
	}

	return nil, lastErr
}

// isRetryableStatus checks if an HTTP status is transient.
func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// isRetryableRetCode checks Bybit codes that are transient: timeouts,
// rate limits, matching engine busy.
func isRetryableRetCode(code int) bool {
	switch code {
	case 10002, 10006, 10016, 170007:
		return true
	}
	return false
}

// calculateRetryDelay returns delay with exponential backoff and jitter
func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt)) // 2^attempt
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
