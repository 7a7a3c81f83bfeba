package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/admission"
	"bybit-trading-engine/internal/circuit"
	"bybit-trading-engine/internal/engine"
	"bybit-trading-engine/internal/events"
	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/guardian"
	"bybit-trading-engine/internal/ladder"
	"bybit-trading-engine/internal/ledger"
	"bybit-trading-engine/internal/notification"
	"bybit-trading-engine/internal/portfolio"
	"bybit-trading-engine/internal/reconcile"
)

type stubFeed struct{}

func (stubFeed) Subscribe(string)         {}
func (stubFeed) Unsubscribe(string)       {}
func (stubFeed) LastMessageAt() time.Time { return time.Now() }

func flatKlines(n int, price float64) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	start := time.Now().Add(-time.Duration(n) * 5 * time.Minute)
	for i := range klines {
		klines[i] = exchange.Kline{
			OpenTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:     price, High: price * 1.001, Low: price * 0.999, Close: price,
			Volume: 1000,
		}
	}
	return klines
}

func newTestServer(t *testing.T) (*Server, *exchange.MockClient) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zerolog.Nop()
	mock := exchange.NewMockClient()
	book := ledger.NewPositionLedger(logger)
	bus := events.NewEventBus()
	breaker := circuit.NewBreaker(circuit.DefaultConfig())
	notifier := notification.NewManager(logger)
	adm := admission.NewController(
		admission.DefaultConservativeConfig(), admission.DefaultScalpingConfig(), logger,
	)
	guard := guardian.NewCoordinator(
		guardian.DefaultConfig(), mock, exchange.NewFilterTable(), book,
		stubFeed{}, breaker, bus, notifier, logger,
	)
	eng := engine.New(engine.DefaultConfig(), engine.Deps{
		Client:    mock,
		Book:      book,
		Admission: adm,
		Gate:      portfolio.NewGate(portfolio.DefaultSettings(), book, logger),
		Ladder:    ladder.NewEngine(ladder.DefaultConfig(), logger),
		Guard:     guard,
		Reconcile: reconcile.NewLoop(reconcile.DefaultConfig(), mock, book, guard, adm, bus, logger),
		Bus:       bus,
		Notifier:  notifier,
	}, logger)

	return NewServer(DefaultServerConfig(), eng, breaker, bus, nil, logger), mock
}

func seedSymbol(mock *exchange.MockClient, symbol string, price float64) {
	mock.SetPrice(symbol, price)
	mock.SetKlines(symbol, "5", flatKlines(300, price))
	mock.SetKlines(symbol, "15", flatKlines(100, price))
	mock.SetKlines(symbol, "60", flatKlines(100, price))
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
	if response["circuit"] != "closed" {
		t.Errorf("Fresh breaker should report closed, got '%v'", response["circuit"])
	}
}

func TestOpenAndClosePositionFlow(t *testing.T) {
	s, mock := newTestServer(t)
	seedSymbol(mock, "BTCUSDT", 50000)

	w := doJSON(s, http.MethodPost, "/api/positions/open",
		`{"symbol":"BTCUSDT","direction":"long","mode":"conservative","confidence":0.8}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var pos ledger.Position
	if err := json.Unmarshal(w.Body.Bytes(), &pos); err != nil {
		t.Fatalf("Failed to parse position: %v", err)
	}
	if pos.ID == "" {
		t.Fatal("Opened position should carry an ID")
	}

	w = doJSON(s, http.MethodGet, "/api/positions/"+pos.ID+"/risk", "")
	if w.Code != http.StatusOK {
		t.Errorf("Risk endpoint should succeed, got %d", w.Code)
	}

	w = doJSON(s, http.MethodPost, "/api/positions/"+pos.ID+"/close", `{"reason":"test"}`)
	if w.Code != http.StatusOK {
		t.Errorf("Close should succeed, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, http.MethodGet, "/api/positions/"+pos.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Closed position should be gone, got %d", w.Code)
	}
}

func TestOpenPositionValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, http.MethodPost, "/api/positions/open", `{"symbol":"BTCUSDT"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Missing fields should be rejected, got %d", w.Code)
	}

	w = doJSON(s, http.MethodPost, "/api/positions/open",
		`{"symbol":"BTCUSDT","direction":"long","mode":"yolo","confidence":0.8}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Unknown mode should be rejected, got %d", w.Code)
	}
}

func TestToggleModeEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, http.MethodPost, "/api/modes/scalping/toggle", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Toggle should succeed, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, http.MethodPost, "/api/modes/scalping/toggle", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Missing enabled flag should be rejected, got %d", w.Code)
	}

	w = doJSON(s, http.MethodPost, "/api/modes/nope/toggle", `{"enabled":true}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Unknown mode should be rejected, got %d", w.Code)
	}
}

func TestMonitoringTasksEndpoint(t *testing.T) {
	s, mock := newTestServer(t)
	seedSymbol(mock, "BTCUSDT", 50000)

	w := doJSON(s, http.MethodPost, "/api/positions/open",
		`{"symbol":"BTCUSDT","direction":"long","mode":"conservative","confidence":0.8}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, http.MethodGet, "/api/tasks", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Tasks endpoint should succeed, got %d", w.Code)
	}
	var response struct {
		Count int                      `json:"count"`
		Tasks []map[string]interface{} `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse tasks: %v", err)
	}
	// One supervisor runs stream, polling, timeout, and health tasks
	if response.Count != 4 {
		t.Errorf("One guarded position should report 4 tasks, got %d", response.Count)
	}

	w = doJSON(s, http.MethodGet, "/api/portfolio", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Portfolio endpoint should succeed, got %d", w.Code)
	}
	var summary map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &summary)
	byMode, ok := summary["positions_by_mode"].(map[string]interface{})
	if !ok || byMode["conservative"] != float64(1) {
		t.Errorf("Summary should count positions per mode, got %v", summary["positions_by_mode"])
	}
}

func TestLoginDisabledByDefault(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, http.MethodPost, "/api/auth/login", `{"api_key":"whatever"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	if response["auth_enabled"] != false {
		t.Error("Login should report auth disabled")
	}
}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	token, err := m.Generate("operator")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "operator" {
		t.Errorf("Expected subject 'operator', got %s", claims.Subject)
	}

	if _, err := m.Validate(token + "x"); err == nil {
		t.Error("Tampered token should fail validation")
	}
	other := NewJWTManager("other-secret", time.Hour)
	if _, err := other.Validate(token); err == nil {
		t.Error("Token signed with a different secret should fail")
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewJWTManager("test-secret", time.Hour)

	router := gin.New()
	router.GET("/protected", AuthMiddleware(m), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Missing header should be unauthorized, got %d", w.Code)
	}

	token, _ := m.Generate("operator")
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Valid token should pass, got %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("key") {
			t.Fatalf("Request %d should be allowed", i)
		}
	}
	if rl.Allow("key") {
		t.Error("Fourth request inside the window should be blocked")
	}
	if !rl.Allow("other") {
		t.Error("Separate keys should not share a window")
	}
}
