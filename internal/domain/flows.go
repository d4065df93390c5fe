package domain

import "time"

// Под-записи процедур: неизменяемые значения. Каждый шаг возвращает
// новую копию, исходное значение не меняется.

// OfferFlow фиксирует предложение заявки технику и ответ на него.
type OfferFlow struct {
	OfferedAt   time.Time `json:"offered_at,omitzero" bson:"offered_at,omitempty"`
	OfferedBy   string    `json:"offered_by,omitempty" bson:"offered_by,omitempty"`
	AcceptedAt  time.Time `json:"accepted_at,omitzero" bson:"accepted_at,omitempty"`
	DeclinedAt  time.Time `json:"declined_at,omitzero" bson:"declined_at,omitempty"`
	DeclineNote string    `json:"decline_note,omitempty" bson:"decline_note,omitempty"`
}

// NewOfferFlow начинает новое предложение. Ответ на прошлое предложение не переносится.
func NewOfferFlow(at time.Time, offeredBy string) OfferFlow {
	return OfferFlow{OfferedAt: at, OfferedBy: offeredBy}
}

// Accepted отмечает принятие предложения.
func (f OfferFlow) Accepted(at time.Time) OfferFlow {
	f.AcceptedAt = at
	return f
}

// Declined отмечает отказ техника с причиной.
func (f OfferFlow) Declined(at time.Time, note string) OfferFlow {
	f.DeclinedAt = at
	f.DeclineNote = note
	return f
}

// CompleteFlow фиксирует двухфазное завершение работы.
type CompleteFlow struct {
	RequestAt    time.Time `json:"request_at,omitzero" bson:"request_at,omitempty"`
	RequestedBy  string    `json:"requested_by,omitempty" bson:"requested_by,omitempty"`
	ConfirmAt    time.Time `json:"confirm_at,omitzero" bson:"confirm_at,omitempty"`
	ConfirmedBy  string    `json:"confirmed_by,omitempty" bson:"confirmed_by,omitempty"`
	ApprovedAt   time.Time `json:"approved_at,omitzero" bson:"approved_at,omitempty"`
	ApprovedBy   string    `json:"approved_by,omitempty" bson:"approved_by,omitempty"`
	RejectedAt   time.Time `json:"rejected_at,omitzero" bson:"rejected_at,omitempty"`
	RejectedBy   string    `json:"rejected_by,omitempty" bson:"rejected_by,omitempty"`
	RejectReason string    `json:"reject_reason,omitempty" bson:"reject_reason,omitempty"`
}

// Requested отмечает запрос техника на завершение.
// Сведения о последнем отклонении остаются для аудита.
func (f CompleteFlow) Requested(at time.Time, by string) CompleteFlow {
	f.RequestAt = at
	f.RequestedBy = by
	return f
}

// Confirmed отмечает подтверждение заказчиком.
func (f CompleteFlow) Confirmed(at time.Time, by string) CompleteFlow {
	f.ConfirmAt = at
	f.ConfirmedBy = by
	return f
}

// Approved отмечает одобрение администратором.
func (f CompleteFlow) Approved(at time.Time, by string) CompleteFlow {
	f.ApprovedAt = at
	f.ApprovedBy = by
	return f
}

// Rejected отмечает возврат на доработку.
func (f CompleteFlow) Rejected(at time.Time, by, reason string) CompleteFlow {
	f.RejectedAt = at
	f.RejectedBy = by
	f.RejectReason = reason
	return f
}

// CancelFlow фиксирует отмену заявки.
type CancelFlow struct {
	CancelledAt time.Time `json:"cancelled_at,omitzero" bson:"cancelled_at,omitempty"`
	CancelledBy string    `json:"cancelled_by,omitempty" bson:"cancelled_by,omitempty"`
	Reason      string    `json:"reason,omitempty" bson:"reason,omitempty"`
}

// NewCancelFlow создаёт запись об отмене.
func NewCancelFlow(at time.Time, by, reason string) CancelFlow {
	return CancelFlow{CancelledAt: at, CancelledBy: by, Reason: reason}
}
