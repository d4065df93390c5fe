package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

// OfferAssignment предлагает заявку технику. Повторное предложение, пока заявка
// в статусе offered, заменяет прежнего техника.
func (s *Service) OfferAssignment(ctx context.Context, orderID string, admin domain.Actor, tech domain.TechnicianRef) (domain.Order, error) {
	tech.ID = strings.TrimSpace(tech.ID)
	tech.Name = strings.TrimSpace(tech.Name)
	if tech.ID == "" {
		return domain.Order{}, domain.ErrTechnicianRequired
	}

	return s.apply(ctx, orderID, admin, transition{
		action: domain.ActionOffer,
		from:   []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusOffered},
		to:     domain.OrderStatusOffered,
		patch: func(_ domain.Order, at time.Time) (domain.Patch, error) {
			flow := domain.NewOfferFlow(at, admin.ID)
			return domain.Patch{
				Technician: &tech,
				OfferFlow:  &flow,
				History:    s.entry(at, fmt.Sprintf("offered to technician %s", techLabel(tech))),
			}, nil
		},
	})
}

// AcceptOffer переводит заявку в assigned. Принять может только предложенный техник.
func (s *Service) AcceptOffer(ctx context.Context, orderID string, tech domain.Actor) (domain.Order, error) {
	return s.apply(ctx, orderID, tech, transition{
		action:       domain.ActionAccept,
		from:         []domain.OrderStatus{domain.OrderStatusOffered},
		to:           domain.OrderStatusAssigned,
		noopOnTarget: true,
		patch: func(order domain.Order, at time.Time) (domain.Patch, error) {
			flow := order.OfferFlow.Accepted(at)
			return domain.Patch{
				OfferFlow: &flow,
				History:   s.entry(at, fmt.Sprintf("technician %s accepted the offer", tech.DisplayName())),
			}, nil
		},
	})
}

// DeclineOffer возвращает заявку в pending и снимает техника.
func (s *Service) DeclineOffer(ctx context.Context, orderID string, tech domain.Actor, reason string) (domain.Order, error) {
	reason = strings.TrimSpace(reason)

	return s.apply(ctx, orderID, tech, transition{
		action: domain.ActionDecline,
		from:   []domain.OrderStatus{domain.OrderStatusOffered},
		to:     domain.OrderStatusPending,
		patch: func(order domain.Order, at time.Time) (domain.Patch, error) {
			flow := order.OfferFlow.Declined(at, reason)
			return domain.Patch{
				ClearTechnician: true,
				OfferFlow:       &flow,
				History:         s.entry(at, withReason(fmt.Sprintf("technician %s declined the offer", tech.DisplayName()), reason)),
			}, nil
		},
	})
}

func techLabel(tech domain.TechnicianRef) string {
	if tech.Name != "" {
		return tech.Name
	}
	return tech.ID
}
