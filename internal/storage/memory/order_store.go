package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

// orderStoreInMemory: in-memory реализация OrderStore. Мьютекс защищает только map;
// условие записи проверяется под тем же локом, что и сама запись.
type orderStoreInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderStore возвращает in-memory хранилище для локальной разработки и тестов.
func NewOrderStore() domain.OrderStore {
	return &orderStoreInMemory{
		items: make(map[string]domain.Order),
	}
}

// Create сохраняет новую заявку, если ID ещё не занят.
func (s *orderStoreInMemory) Create(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[order.ID]; exists {
		return domain.ErrOrderExists
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	s.items[order.ID] = order.Clone()
	return nil
}

// Get возвращает заявку или ErrOrderNotFound, если её нет.
func (s *orderStoreInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ConditionalUpdate применяет патч, если статус и версия совпадают с ожидаемыми.
func (s *orderStoreInMemory) ConditionalUpdate(_ context.Context, id string, pre domain.Precondition, patch domain.Patch) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if !pre.Holds(current.Status, current.Version) {
		return domain.Order{}, domain.ErrOrderConflict
	}

	next := patch.Apply(current)
	s.items[id] = next
	return next.Clone(), nil
}

// AppendReview дописывает отзыв; журнал заявки остаётся прежним.
func (s *orderStoreInMemory) AppendReview(_ context.Context, id string, pre domain.Precondition, review domain.Review) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if !pre.Holds(current.Status, current.Version) {
		return domain.Order{}, domain.ErrOrderConflict
	}

	next := current.Clone()
	review.Images = append([]string(nil), review.Images...)
	next.Reviews = append(next.Reviews, review)
	next.Version++
	next.UpdatedAt = review.At
	s.items[id] = next
	return next.Clone(), nil
}

// Delete удаляет заявку.
func (s *orderStoreInMemory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return domain.ErrOrderNotFound
	}
	delete(s.items, id)
	return nil
}

// List возвращает заявки по фильтру, ограничивая выборку filter.Limit (если >0).
func (s *orderStoreInMemory) List(_ context.Context, filter domain.ListFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, len(s.items))
	for _, order := range s.items {
		if !filter.Matches(order) {
			continue
		}
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

var _ domain.OrderStore = (*orderStoreInMemory)(nil)
