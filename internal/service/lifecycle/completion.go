package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

// RequestCompletion: первая фаза завершения: техник прикладывает медиа
// по всем обязательным категориям, заявка ждёт подтверждения.
func (s *Service) RequestCompletion(ctx context.Context, orderID string, tech domain.Actor, submission domain.MediaSubmission) (domain.Order, error) {
	return s.apply(ctx, orderID, tech, transition{
		action:       domain.ActionRequestCompletion,
		from:         []domain.OrderStatus{domain.OrderStatusCheckedIn},
		to:           domain.OrderStatusAwaitingConfirm,
		noopOnTarget: true,
		patch: func(order domain.Order, at time.Time) (domain.Patch, error) {
			media, err := s.media.Normalize(submission)
			if err != nil {
				return domain.Patch{}, err
			}
			flow := order.CompleteFlow.Requested(at, tech.ID)
			return domain.Patch{
				Media:        media,
				CompleteFlow: &flow,
				History:      s.entry(at, fmt.Sprintf("technician %s requested completion, awaiting confirmation", tech.DisplayName())),
			}, nil
		},
	})
}

// ConfirmCompletion: заказчик подтверждает выполнение, заявка становится done.
func (s *Service) ConfirmCompletion(ctx context.Context, orderID string, requester domain.Actor) (domain.Order, error) {
	return s.apply(ctx, orderID, requester, transition{
		action:       domain.ActionConfirmCompletion,
		from:         []domain.OrderStatus{domain.OrderStatusAwaitingConfirm},
		to:           domain.OrderStatusDone,
		noopOnTarget: true,
		patch: func(order domain.Order, at time.Time) (domain.Patch, error) {
			flow := order.CompleteFlow.Confirmed(at, requester.ID)
			return domain.Patch{
				CompleteFlow: &flow,
				History:      s.entry(at, fmt.Sprintf("requester %s confirmed completion", requester.DisplayName())),
			}, nil
		},
	})
}

// ApproveCompletion: администратор одобряет выполнение вместо заказчика.
func (s *Service) ApproveCompletion(ctx context.Context, orderID string, admin domain.Actor) (domain.Order, error) {
	return s.apply(ctx, orderID, admin, transition{
		action:       domain.ActionApproveCompletion,
		from:         []domain.OrderStatus{domain.OrderStatusAwaitingConfirm},
		to:           domain.OrderStatusDone,
		noopOnTarget: true,
		patch: func(order domain.Order, at time.Time) (domain.Patch, error) {
			flow := order.CompleteFlow.Approved(at, admin.ID)
			return domain.Patch{
				CompleteFlow: &flow,
				History:      s.entry(at, fmt.Sprintf("admin %s approved completion", admin.DisplayName())),
			}, nil
		},
	})
}

// RejectCompletion возвращает заявку технику на доработку (checkedIn) с обязательной причиной.
func (s *Service) RejectCompletion(ctx context.Context, orderID string, admin domain.Actor, reason string) (domain.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Order{}, domain.ErrReasonRequired
	}

	return s.apply(ctx, orderID, admin, transition{
		action:       domain.ActionRejectCompletion,
		from:         []domain.OrderStatus{domain.OrderStatusAwaitingConfirm},
		to:           domain.OrderStatusCheckedIn,
		noopOnTarget: true,
		patch: func(order domain.Order, at time.Time) (domain.Patch, error) {
			flow := order.CompleteFlow.Rejected(at, admin.ID, reason)
			return domain.Patch{
				CompleteFlow: &flow,
				History:      s.entry(at, withReason(fmt.Sprintf("admin %s rejected completion", admin.DisplayName()), reason)),
			}, nil
		},
	})
}
