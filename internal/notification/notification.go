// Package notification delivers operator alerts over Telegram and
// Discord. The manager fans a message out to every enabled provider;
// delivery failures are logged, never propagated into the trading
// path.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies a notification.
type Kind string

const (
	KindPositionOpen  Kind = "position_open"
	KindPositionClose Kind = "position_close"
	KindStopTriggered Kind = "stop_triggered"
	KindManualAlert   Kind = "manual_alert"
	KindBlackSwan     Kind = "black_swan"
	KindError         Kind = "error"
	KindInfo          Kind = "info"
)

// Notification is one outbound message.
type Notification struct {
	Kind       Kind
	Title      string
	Message    string
	Symbol     string
	Price      float64
	PnLPercent float64
	Timestamp  time.Time
	Extra      map[string]interface{}
}

// Notifier is one delivery provider.
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to all enabled providers.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		logger:    logger.With().Str("component", "Notifications").Logger(),
	}
}

// AddNotifier registers a provider.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
	m.logger.Info().Str("provider", n.Name()).Bool("enabled", n.IsEnabled()).
		Msg("Notification provider registered")
}

// Send delivers to every enabled provider.
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Warn().Str("provider", n.Name()).Err(err).Msg("Notification delivery failed")
			lastErr = err
		}
	}
	return lastErr
}

// Alert raises a manual intervention page. Satisfies the guardian's
// alerter dependency.
func (m *Manager) Alert(title, message string) {
	m.Send(&Notification{
		Kind:    KindManualAlert,
		Title:   fmt.Sprintf("🚨 %s", title),
		Message: message,
	})
}

// SendPositionOpened announces a new position.
func (m *Manager) SendPositionOpened(symbol, direction, mode string, entryPrice, quantity float64) error {
	emoji := "🟢"
	if direction == "short" {
		emoji = "🔴"
	}
	return m.Send(&Notification{
		Kind:    KindPositionOpen,
		Title:   fmt.Sprintf("%s Position Opened: %s", emoji, symbol),
		Message: fmt.Sprintf("%s %s @ %.4f\nQuantity: %.8f\nMode: %s", direction, symbol, entryPrice, quantity, mode),
		Symbol:  symbol,
		Price:   entryPrice,
	})
}

// SendPositionClosed announces a closed position with its outcome.
func (m *Manager) SendPositionClosed(symbol, reason string, exitPrice, pnlPercent float64) error {
	emoji := "✅"
	if pnlPercent < 0 {
		emoji = "❌"
	}
	return m.Send(&Notification{
		Kind:       KindPositionClose,
		Title:      fmt.Sprintf("%s Position Closed: %s", emoji, symbol),
		Message:    fmt.Sprintf("Exit: %.4f\nP&L: %.2f%%\nReason: %s", exitPrice, pnlPercent, reason),
		Symbol:     symbol,
		Price:      exitPrice,
		PnLPercent: pnlPercent,
	})
}

// SendStopTriggered announces a fired stop rung.
func (m *Manager) SendStopTriggered(symbol, rung, detectedBy string, price float64) error {
	return m.Send(&Notification{
		Kind:    KindStopTriggered,
		Title:   fmt.Sprintf("🛑 Stop Triggered: %s", symbol),
		Message: fmt.Sprintf("Rung: %s\nPrice: %.4f\nDetected by: %s", rung, price, detectedBy),
		Symbol:  symbol,
		Price:   price,
	})
}

// SendBlackSwan announces an extreme market event.
func (m *Manager) SendBlackSwan(symbol string, severity int, signals []string) error {
	return m.Send(&Notification{
		Kind:    KindBlackSwan,
		Title:   fmt.Sprintf("⚡ Black Swan: %s", symbol),
		Message: fmt.Sprintf("Severity: %d\nSignals: %v", severity, signals),
		Symbol:  symbol,
	})
}

// SendError sends an error notification.
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Kind:    KindError,
		Title:   fmt.Sprintf("⚠️ %s", title),
		Message: message,
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

// NewTelegramNotifier creates a new Telegram notifier.
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration.
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

// NewDiscordNotifier creates a new Discord notifier.
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	switch {
	case notification.Kind == KindError || notification.Kind == KindManualAlert:
		color = 0xFF0000
	case notification.Kind == KindBlackSwan:
		color = 0xFF8800
	case notification.Kind == KindPositionClose && notification.PnLPercent < 0:
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", notification.Price), "inline": true,
			})
		}
		if notification.PnLPercent != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.2f%%", notification.PnLPercent), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
