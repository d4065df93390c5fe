package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

// DefaultListLimit ограничивает выдачу ListOrders, если лимит не задан.
const DefaultListLimit = 100

// CreateOrder регистрирует новую заявку в статусе pending.
func (s *Service) CreateOrder(ctx context.Context, requester domain.Actor, details domain.OrderDetails) (domain.Order, error) {
	start := time.Now()
	order, err := s.create(ctx, requester, details)
	s.observe(domain.ActionCreate, start, err)
	return order, err
}

func (s *Service) create(ctx context.Context, requester domain.Actor, details domain.OrderDetails) (domain.Order, error) {
	if err := domain.Authorize(requester, domain.ActionCreate, domain.Order{}); err != nil {
		return domain.Order{}, err
	}

	normalized, err := details.Normalize()
	if err != nil {
		return domain.Order{}, err
	}

	at := s.clock.Now()
	order := domain.NewOrder(s.newID(), requester, normalized, s.entry(at, fmt.Sprintf("request created by %s", requester.DisplayName())))
	if err := s.store.Create(ctx, order); err != nil {
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}
	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"requester_id": order.RequesterID,
	}).Info("order created")

	s.notify(ctx, domain.ActionCreate, "", order, requester, order.History[0].Note)
	return order, nil
}

// GetOrder возвращает заявку, если актор имеет право её видеть.
func (s *Service) GetOrder(ctx context.Context, orderID string, actor domain.Actor) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := domain.Authorize(actor, domain.ActionView, order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// ListQuery: параметры выборки заявок.
type ListQuery struct {
	Statuses []domain.OrderStatus
	Limit    int
}

// ListOrders возвращает заявки, видимые актору: заказчику свои, технику
// закреплённые за ним, администратору все.
func (s *Service) ListOrders(ctx context.Context, actor domain.Actor, query ListQuery) ([]domain.Order, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	for _, status := range query.Statuses {
		if !status.Valid() {
			return nil, domain.ErrInvalidStatus
		}
	}

	filter := domain.ListFilter{Statuses: query.Statuses, Limit: query.Limit}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	switch actor.Role {
	case domain.RoleRequester:
		filter.RequesterID = actor.ID
	case domain.RoleTechnician:
		filter.TechnicianID = actor.ID
	}

	return s.store.List(ctx, filter)
}

// DeleteOrder удаляет заявку. Доступно только администратору.
func (s *Service) DeleteOrder(ctx context.Context, orderID string, admin domain.Actor) error {
	if orderID == "" {
		return domain.ErrOrderIDRequired
	}
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := domain.Authorize(admin, domain.ActionDelete, order); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, orderID); err != nil {
		return err
	}

	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"actor_id": admin.ID,
	}).Info("order deleted")

	s.notify(ctx, domain.ActionDelete, order.Status, order, admin, "order deleted")
	return nil
}

// ReviewInput: отзыв заказчика о выполненной заявке.
type ReviewInput struct {
	Rating  int      `json:"rating"`
	Content string   `json:"content,omitempty"`
	Images  []string `json:"images,omitempty"`
}

// AddReview дописывает отзыв к заявке в статусе done.
// Статус и журнал не меняются: журнал завершённой заявки заморожен.
func (s *Service) AddReview(ctx context.Context, orderID string, requester domain.Actor, in ReviewInput) (domain.Order, error) {
	start := time.Now()
	order, err := s.addReview(ctx, orderID, requester, in)
	s.observe(domain.ActionReview, start, err)
	return order, err
}

func (s *Service) addReview(ctx context.Context, orderID string, requester domain.Actor, in ReviewInput) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	if in.Rating < 1 || in.Rating > 5 {
		return domain.Order{}, domain.ErrRatingOutOfRange
	}

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := domain.Authorize(requester, domain.ActionReview, order); err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusDone {
		return domain.Order{}, fmt.Errorf("%w: review is not allowed from %s", domain.ErrInvalidTransition, order.Status)
	}

	at := s.clock.Now()
	images := make([]string, 0, len(in.Images))
	for _, img := range in.Images {
		if img = strings.TrimSpace(img); img != "" {
			images = append(images, img)
		}
	}
	review := domain.Review{
		At:            at,
		Time:          domain.FormatDisplayTime(at, s.display),
		RequesterID:   requester.ID,
		RequesterName: requester.Name,
		Rating:        in.Rating,
		Content:       strings.TrimSpace(in.Content),
		Images:        images,
	}

	pre := domain.Precondition{Statuses: []domain.OrderStatus{domain.OrderStatusDone}, Version: order.Version}
	updated, err := s.store.AppendReview(ctx, orderID, pre, review)
	if err != nil {
		if domain.IsConflict(err) && s.metrics != nil {
			s.metrics.RecordConflict(string(domain.ActionReview))
		}
		return domain.Order{}, err
	}

	note := fmt.Sprintf("requester %s left a %d-star review", requester.DisplayName(), in.Rating)
	s.notify(ctx, domain.ActionReview, order.Status, updated, requester, note)
	return updated, nil
}
