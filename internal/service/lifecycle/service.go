// Package lifecycle реализует конечный автомат заявки на ремонт:
// назначение техника, check-in по геозоне, двухфазное завершение и отмену.
//
// Сервис не держит блокировок. Каждая операция читает заявку, проверяет
// права и охранные условия и выполняет одну условную запись в хранилище.
// Конфликт условной записи возвращается вызывающему без повторов.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	"github.com/vladislavdragonenkov/repairdesk/internal/geo"
	"github.com/vladislavdragonenkov/repairdesk/internal/metrics"
)

// Config задаёт настраиваемые правила жизненного цикла.
type Config struct {
	// GeofenceRadiusMeters: допустимое расстояние check-in (по умолчанию 200 м).
	GeofenceRadiusMeters float64
	// MediaRequirement: ограничения по категориям медиа при запросе завершения.
	MediaRequirement domain.MediaRequirement
	// ForceStatusEnabled включает административную смену статуса в обход процедур.
	ForceStatusEnabled bool
	// DisplayLocation: часовой пояс отображаемого времени в журнале.
	DisplayLocation *time.Location
}

// DefaultConfig возвращает правила по умолчанию.
func DefaultConfig() Config {
	return Config{
		GeofenceRadiusMeters: geo.DefaultRadiusMeters,
		MediaRequirement:     domain.DefaultMediaRequirement(),
		ForceStatusEnabled:   true,
		DisplayLocation:      time.UTC,
	}
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics включает метрики переходов.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithOutbox включает запись уведомлений о переходах в outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(s *Service) {
		s.outbox = repo
	}
}

// WithClock подменяет источник времени.
func WithClock(clock domain.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithIDGenerator подменяет генератор идентификаторов заявок.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		s.newID = gen
	}
}

// Service: движок переходов заявки.
type Service struct {
	store    domain.OrderStore
	outbox   domain.OutboxRepository
	geofence geo.Validator
	media    domain.MediaRequirement
	force    bool
	display  *time.Location
	clock    domain.Clock
	newID    func() string
	logger   *log.Entry
	metrics  *metrics.LifecycleMetrics
}

// NewService создаёт сервис жизненного цикла поверх хранилища заявок.
func NewService(store domain.OrderStore, cfg Config, options ...Option) *Service {
	s := &Service{
		store:    store,
		geofence: geo.NewValidator(cfg.GeofenceRadiusMeters),
		media:    cfg.MediaRequirement,
		force:    cfg.ForceStatusEnabled,
		display:  cfg.DisplayLocation,
		clock:    domain.SystemClock{},
		newID:    uuid.NewString,
	}
	for _, option := range options {
		option(s)
	}

	if s.logger == nil {
		s.logger = log.WithField("component", "lifecycle")
	}
	if len(s.media) == 0 {
		s.media = domain.DefaultMediaRequirement()
	}
	if s.display == nil {
		s.display = time.UTC
	}
	return s
}

// transition описывает одно ребро автомата.
type transition struct {
	action domain.Action
	from   []domain.OrderStatus
	to     domain.OrderStatus
	// noopOnTarget: повтор операции над заявкой, уже стоящей в целевом статусе,
	// возвращает её без записи и без записи в журнал.
	noopOnTarget bool
	// patch строит изменения по прочитанной заявке. Ошибка здесь: отказ охранного условия.
	patch func(order domain.Order, at time.Time) (domain.Patch, error)
}

// apply выполняет переход и записывает метрики.
func (s *Service) apply(ctx context.Context, id string, actor domain.Actor, tr transition) (domain.Order, error) {
	start := time.Now()
	order, err := s.execute(ctx, id, actor, tr)
	s.observe(tr.action, start, err)
	return order, err
}

func (s *Service) execute(ctx context.Context, id string, actor domain.Actor, tr transition) (domain.Order, error) {
	if id == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}

	order, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	if err := domain.Authorize(actor, tr.action, order); err != nil {
		return domain.Order{}, err
	}

	if tr.noopOnTarget && order.Status == tr.to {
		if s.metrics != nil {
			s.metrics.RecordNoop(string(tr.action))
		}
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"action":   tr.action,
			"status":   order.Status,
		}).Debug("order already in target status, nothing to do")
		return order, nil
	}

	if order.Status.Terminal() {
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderTerminal, order.Status)
	}
	if !statusIn(order.Status, tr.from) {
		return domain.Order{}, fmt.Errorf("%w: %s is not allowed from %s", domain.ErrInvalidTransition, tr.action, order.Status)
	}

	at := s.clock.Now()
	patch, err := tr.patch(order, at)
	if err != nil {
		return domain.Order{}, err
	}
	patch.Status = tr.to

	pre := domain.Precondition{Statuses: tr.from, Version: order.Version}
	updated, err := s.store.ConditionalUpdate(ctx, order.ID, pre, patch)
	if err != nil {
		if domain.IsConflict(err) {
			if s.metrics != nil {
				s.metrics.RecordConflict(string(tr.action))
			}
			s.logger.WithFields(log.Fields{
				"order_id": order.ID,
				"action":   tr.action,
				"version":  order.Version,
			}).Warn("order changed concurrently, transition rejected")
		}
		return domain.Order{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id": updated.ID,
		"action":   tr.action,
		"actor_id": actor.ID,
		"from":     order.Status,
		"to":       updated.Status,
	}).Info("order transition applied")

	s.notify(ctx, tr.action, order.Status, updated, actor, patch.History.Note)
	return updated, nil
}

// entry формирует запись журнала с отображаемым временем.
func (s *Service) entry(at time.Time, note string) domain.HistoryEntry {
	return domain.NewHistoryEntry(at, s.display, note)
}

func (s *Service) observe(action domain.Action, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordTransition(string(action), domain.ErrorClass(err), time.Since(start))

	var geoErr *domain.GeofenceError
	if errors.As(err, &geoErr) {
		s.metrics.RecordGeofenceRejection()
	}
}

func statusIn(status domain.OrderStatus, set []domain.OrderStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// nonTerminal: все статусы, из которых возможна отмена.
func nonTerminal() []domain.OrderStatus {
	out := make([]domain.OrderStatus, 0, 5)
	for _, s := range domain.AllStatuses() {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

func withReason(note, reason string) string {
	if reason == "" {
		return note
	}
	return note + ": " + reason
}
