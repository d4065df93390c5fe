package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

// AggregateTypeOrder: тип агрегата в сообщениях outbox.
const AggregateTypeOrder = "order"

// Event: уведомление о переходе заявки для внешних подписчиков.
type Event struct {
	EventType      string             `json:"event_type"`
	OrderID        string             `json:"order_id"`
	Status         domain.OrderStatus `json:"status"`
	PreviousStatus domain.OrderStatus `json:"previous_status,omitempty"`
	ActorID        string             `json:"actor_id"`
	ActorRole      domain.Role        `json:"actor_role"`
	RequesterID    string             `json:"requester_id"`
	TechnicianID   string             `json:"technician_id,omitempty"`
	Note           string             `json:"note,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// EventType возвращает тип события для действия, например "order.offer".
func EventType(action domain.Action) string {
	return AggregateTypeOrder + "." + string(action)
}

// notify ставит уведомление в outbox после условной записи, вне транзакции
// (best-effort outbox). Ошибка только логируется и считается в метрике:
// доставка уведомлений не влияет на результат перехода.
func (s *Service) notify(ctx context.Context, action domain.Action, previous domain.OrderStatus, order domain.Order, actor domain.Actor, note string) {
	if s.outbox == nil {
		return
	}

	event := Event{
		EventType:      EventType(action),
		OrderID:        order.ID,
		Status:         order.Status,
		PreviousStatus: previous,
		ActorID:        actor.ID,
		ActorRole:      actor.Role,
		RequesterID:    order.RequesterID,
		TechnicianID:   order.TechnicianID,
		Note:           note,
		OccurredAt:     order.UpdatedAt,
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"event_type": event.EventType,
	})

	payload, err := json.Marshal(event)
	if err != nil {
		logger.WithError(err).Warn("failed to marshal order event")
		s.recordEnqueueFailure()
		return
	}

	if _, err := s.outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: AggregateTypeOrder,
		AggregateID:   order.ID,
		EventType:     event.EventType,
		Payload:       payload,
	}); err != nil {
		logger.WithError(err).Warn("failed to enqueue order event")
		s.recordEnqueueFailure()
	}
}

func (s *Service) recordEnqueueFailure() {
	if s.metrics != nil {
		s.metrics.RecordOutboxEnqueueFailure()
	}
}
