package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

// forceTargets: статусы, в которые администратор может перевести заявку в обход процедур.
// done и awaitingConfirm достигаются только через завершение.
var forceTargets = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusOffered,
	domain.OrderStatusAssigned,
	domain.OrderStatusCheckedIn,
	domain.OrderStatusCancelled,
}

// Cancel отменяет заявку из любого нетерминального статуса. Отмена необратима,
// техник снимается с заявки.
func (s *Service) Cancel(ctx context.Context, orderID string, actor domain.Actor, reason string) (domain.Order, error) {
	reason = strings.TrimSpace(reason)

	return s.apply(ctx, orderID, actor, transition{
		action:       domain.ActionCancel,
		from:         nonTerminal(),
		to:           domain.OrderStatusCancelled,
		noopOnTarget: true,
		patch: func(_ domain.Order, at time.Time) (domain.Patch, error) {
			flow := domain.NewCancelFlow(at, actor.ID, reason)
			return domain.Patch{
				ClearTechnician: true,
				CancelFlow:      &flow,
				History:         s.entry(at, withReason(fmt.Sprintf("order cancelled by %s %s", actor.Role, actor.DisplayName()), reason)),
			}, nil
		},
	})
}

// ForceStatusEnabled сообщает, включена ли административная смена статуса.
func (s *Service) ForceStatusEnabled() bool {
	return s.force
}

// ForceStatus переводит нетерминальную заявку в target без охранных условий процедур.
// Перевод в pending или cancelled снимает техника. Статусы, где действует техник,
// требуют, чтобы техник у заявки уже был.
func (s *Service) ForceStatus(ctx context.Context, orderID string, admin domain.Actor, target domain.OrderStatus, reason string) (domain.Order, error) {
	if !s.force {
		return domain.Order{}, domain.ErrForceStatusDisabled
	}
	if !target.Valid() {
		return domain.Order{}, domain.ErrInvalidStatus
	}
	if !statusIn(target, forceTargets) {
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrForceTargetNotAllowed, target)
	}
	reason = strings.TrimSpace(reason)

	return s.apply(ctx, orderID, admin, transition{
		action:       domain.ActionForceStatus,
		from:         nonTerminal(),
		to:           target,
		noopOnTarget: true,
		patch: func(order domain.Order, at time.Time) (domain.Patch, error) {
			patch := domain.Patch{
				History: s.entry(at, withReason(fmt.Sprintf("admin %s forced status from %s to %s", admin.DisplayName(), order.Status, target), reason)),
			}
			switch target {
			case domain.OrderStatusOffered, domain.OrderStatusAssigned, domain.OrderStatusCheckedIn:
				if order.TechnicianID == "" {
					return domain.Patch{}, fmt.Errorf("%w: %s", domain.ErrForceTechnicianRequired, target)
				}
			case domain.OrderStatusPending:
				patch.ClearTechnician = true
			case domain.OrderStatusCancelled:
				flow := domain.NewCancelFlow(at, admin.ID, reason)
				patch.ClearTechnician = true
				patch.CancelFlow = &flow
			}
			return patch, nil
		},
	})
}
