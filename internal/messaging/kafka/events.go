package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents = "repairdesk.order.events"
	// DeadLetterSuffix добавляется к topic уведомлений для недоставленных сообщений.
	DeadLetterSuffix = ".dlq"
	TopicDeadLetter  = TopicOrderEvents + DeadLetterSuffix
)

// Kafka headers уведомлений
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderMessageID     = "x-message-id"
)

// Envelope: обёртка outbox-сообщения, которую получают подписчики.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение с отметкой времени публикации.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}
