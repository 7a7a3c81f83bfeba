package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// PublicStreamURL is the Bybit v5 public linear stream.
	PublicStreamURL = "wss://stream.bybit.com/v5/public/linear"
	// PublicStreamTestnetURL is the testnet equivalent.
	PublicStreamTestnetURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	pingInterval         = 20 * time.Second
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
	streamUpdateBufSize  = 256
	streamWriteDeadline  = 5 * time.Second
	streamReadDeadline   = 60 * time.Second
)

// PriceStream maintains a websocket subscription to public tickers and
// publishes PriceUpdate ticks. It reconnects automatically and
// resubscribes all tracked symbols.
type PriceStream struct {
	url    string
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	symbols  map[string]bool
	running  bool
	cancel   context.CancelFunc
	lastMsg  time.Time
	updates  chan PriceUpdate
}

// NewPriceStream creates a stream for the given endpoint.
func NewPriceStream(testnet bool, logger zerolog.Logger) *PriceStream {
	url := PublicStreamURL
	if testnet {
		url = PublicStreamTestnetURL
	}
	return &PriceStream{
		url:     url,
		logger:  logger.With().Str("component", "PriceStream").Logger(),
		symbols: make(map[string]bool),
		updates: make(chan PriceUpdate, streamUpdateBufSize),
	}
}

// Updates returns the tick channel. Slow consumers drop ticks rather
// than stall the read pump.
func (ps *PriceStream) Updates() <-chan PriceUpdate { return ps.updates }

// LastMessageAt reports when the last stream message arrived, zero if
// never. Health checks use this to detect a silently dead stream.
func (ps *PriceStream) LastMessageAt() time.Time {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastMsg
}

// Start begins the connect/read loop. Safe to call once.
func (ps *PriceStream) Start(ctx context.Context) error {
	ps.mu.Lock()
	if ps.running {
		ps.mu.Unlock()
		return fmt.Errorf("price stream already running")
	}
	ps.running = true
	ctx, ps.cancel = context.WithCancel(ctx)
	ps.mu.Unlock()

	go ps.run(ctx)
	return nil
}

// Stop tears the stream down.
func (ps *PriceStream) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.running {
		return
	}
	ps.running = false
	if ps.cancel != nil {
		ps.cancel()
	}
	if ps.conn != nil {
		ps.conn.Close()
		ps.conn = nil
	}
}

// Subscribe adds a symbol to the ticker subscription.
func (ps *PriceStream) Subscribe(symbol string) {
	ps.mu.Lock()
	already := ps.symbols[symbol]
	ps.symbols[symbol] = true
	conn := ps.conn
	ps.mu.Unlock()

	if already || conn == nil {
		return
	}
	ps.sendOp(conn, "subscribe", []string{"tickers." + symbol})
}

// Unsubscribe removes a symbol.
func (ps *PriceStream) Unsubscribe(symbol string) {
	ps.mu.Lock()
	delete(ps.symbols, symbol)
	conn := ps.conn
	ps.mu.Unlock()

	if conn != nil {
		ps.sendOp(conn, "unsubscribe", []string{"tickers." + symbol})
	}
}

func (ps *PriceStream) run(ctx context.Context) {
	delay := reconnectBaseDelay
	for ctx.Err() == nil {
		if err := ps.connect(ctx); err != nil {
			ps.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Stream connect failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		delay = reconnectBaseDelay

		ps.readLoop(ctx)

		ps.mu.Lock()
		if ps.conn != nil {
			ps.conn.Close()
			ps.conn = nil
		}
		ps.mu.Unlock()
	}
}

func (ps *PriceStream) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ps.url, nil)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	ps.conn = conn
	topics := make([]string, 0, len(ps.symbols))
	for s := range ps.symbols {
		topics = append(topics, "tickers."+s)
	}
	ps.mu.Unlock()

	if len(topics) > 0 {
		if err := ps.sendOp(conn, "subscribe", topics); err != nil {
			conn.Close()
			return err
		}
	}

	ps.logger.Info().Int("topics", len(topics)).Msg("Price stream connected")
	go ps.pingLoop(ctx, conn)
	return nil
}

func (ps *PriceStream) sendOp(conn *websocket.Conn, op string, args []string) error {
	msg := map[string]interface{}{"op": op, "args": args}
	conn.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
	return conn.WriteJSON(msg)
}

// pingLoop keeps the connection alive; the server drops idle clients.
func (ps *PriceStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (ps *PriceStream) readLoop(ctx context.Context) {
	ps.mu.Lock()
	conn := ps.conn
	ps.mu.Unlock()
	if conn == nil {
		return
	}

	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(streamReadDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				ps.logger.Warn().Err(err).Msg("Stream read error, reconnecting")
			}
			return
		}

		ps.mu.Lock()
		ps.lastMsg = time.Now()
		ps.mu.Unlock()

		ps.handleMessage(raw)
	}
}

func (ps *PriceStream) handleMessage(raw []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
		return // op acks, pongs, snapshots without price
	}

	update := PriceUpdate{
		Symbol:     msg.Data.Symbol,
		Price:      parseFloat(msg.Data.LastPrice),
		ReceivedAt: time.Now(),
	}

	select {
	case ps.updates <- update:
	default:
		// drop tick, consumer is behind
	}
}
