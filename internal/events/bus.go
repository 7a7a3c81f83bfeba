package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPositionOpened   EventType = "POSITION_OPENED"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventPositionUpdate   EventType = "POSITION_UPDATE"
	EventPositionImported EventType = "POSITION_IMPORTED"
	EventPartialClose     EventType = "PARTIAL_CLOSE"
	EventStopMoved        EventType = "STOP_MOVED"
	EventRungTriggered    EventType = "RUNG_TRIGGERED"
	EventTargetFilled     EventType = "TARGET_FILLED"
	EventExecutionAttempt EventType = "EXECUTION_ATTEMPT"
	EventExecutionFailed  EventType = "EXECUTION_FAILED"
	EventHedgePlaced      EventType = "HEDGE_PLACED"
	EventManualAlert      EventType = "MANUAL_ALERT"
	EventCircuitChanged   EventType = "CIRCUIT_CHANGED"
	EventBlackSwan        EventType = "BLACK_SWAN"
	EventReconcileDrift   EventType = "RECONCILE_DRIFT"
	EventModeToggled      EventType = "MODE_TOGGLED"
	EventPortfolioReset   EventType = "PORTFOLIO_RESET"
	EventEngineStarted    EventType = "ENGINE_STARTED"
	EventEngineStopped    EventType = "ENGINE_STOPPED"
	EventError            EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(positionID, symbol, direction, mode string, entryPrice, quantity float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"direction":   direction,
			"mode":        mode,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(positionID, symbol, reason string, exitPrice, pnlPercent float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"reason":      reason,
			"exit_price":  exitPrice,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishStopMoved publishes a stop adjustment event
func (eb *EventBus) PublishStopMoved(positionID, symbol, rung, reason string, oldPrice, newPrice float64) {
	eb.Publish(Event{
		Type: EventStopMoved,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"rung":        rung,
			"reason":      reason,
			"old_price":   oldPrice,
			"new_price":   newPrice,
		},
	})
}

// PublishRungTriggered publishes a stop rung trigger event
func (eb *EventBus) PublishRungTriggered(positionID, symbol, rung, detectedBy string, price float64) {
	eb.Publish(Event{
		Type: EventRungTriggered,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"rung":        rung,
			"detected_by": detectedBy,
			"price":       price,
		},
	})
}

// PublishExecutionAttempt publishes one execution ladder attempt
func (eb *EventBus) PublishExecutionAttempt(positionID, method string, success bool, retry int, errMsg string) {
	data := map[string]interface{}{
		"position_id": positionID,
		"method":      method,
		"success":     success,
		"retry":       retry,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	eb.Publish(Event{Type: EventExecutionAttempt, Data: data})
}

// PublishManualAlert publishes a manual intervention alert
func (eb *EventBus) PublishManualAlert(positionID, symbol, reason string) {
	eb.Publish(Event{
		Type: EventManualAlert,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"reason":      reason,
		},
	})
}

// PublishBlackSwan publishes a black swan detection event
func (eb *EventBus) PublishBlackSwan(symbol string, severity int, confidence float64, signals []string) {
	eb.Publish(Event{
		Type: EventBlackSwan,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"severity":   severity,
			"confidence": confidence,
			"signals":    signals,
		},
	})
}

// PublishReconcileDrift publishes a reconciliation correction event
func (eb *EventBus) PublishReconcileDrift(positionID, symbol, field string, local, exchange float64) {
	eb.Publish(Event{
		Type: EventReconcileDrift,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"field":       field,
			"local":       local,
			"exchange":    exchange,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
