package notify

import (
	"log"
	"time"

	"github.com/google/uuid"

	"ai_strategy/internal/domain"
)

type EventType string

const (
	EventTradeOpened        EventType = "trade_opened"
	EventTradeClosed        EventType = "trade_closed"
	EventTradeRejected      EventType = "trade_rejected"
	EventTradeFailed        EventType = "trade_failed"
	EventAIFallback         EventType = "ai_fallback"
	EventManualIntervention EventType = "manual_intervention"
	EventInvariantViolation EventType = "invariant_violation"
)

// Event is what gets pushed to the notification channel.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Mode       domain.Mode    `json:"mode,omitempty"`
	StrategyID string         `json:"strategy_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	DecisionID string         `json:"decision_id,omitempty"`
	PositionID string         `json:"position_id,omitempty"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// NewEvent fills ID and timestamp.
func NewEvent(t EventType, msg string) Event {
	return Event{ID: uuid.NewString(), Type: t, Message: msg, At: time.Now().UTC()}
}

// Notifier is fire-and-forget; implementations must not block the caller for long.
type Notifier interface {
	Notify(ev Event)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(Event) {}

type LogNotifier struct{}

func (LogNotifier) Notify(ev Event) {
	log.Printf("[通知] %s 模式=%s 策略=%s 币对=%s 持仓=%s %s",
		ev.Type, ev.Mode, ev.StrategyID, ev.Symbol, shortID(ev.PositionID), ev.Message)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// OrNop returns n, or Nop when n is nil.
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop{}
	}
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
