package domain

import (
	"context"
	"time"
)

// OrderStore: хранилище заявок. Все изменения выполняются условной записью:
// хранилище атомарно сверяет статус и версию и применяет патч целиком либо не применяет вовсе.
type OrderStore interface {
	// Create сохраняет новую заявку; ErrOrderExists, если ID занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заявку или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ConditionalUpdate применяет patch, если текущий статус входит в pre.Statuses
	// и версия равна pre.Version. Иначе ErrOrderConflict (или ErrOrderNotFound).
	ConditionalUpdate(ctx context.Context, id string, pre Precondition, patch Patch) (Order, error)
	// AppendReview дописывает отзыв при выполнении pre. Журнал не меняется.
	AppendReview(ctx context.Context, id string, pre Precondition, review Review) (Order, error)
	// Delete удаляет заявку; ErrOrderNotFound, если её нет.
	Delete(ctx context.Context, id string) error
	// List возвращает заявки по фильтру, новые первыми.
	List(ctx context.Context, filter ListFilter) ([]Order, error)
}

// Precondition: ожидаемое состояние записи для условной записи.
type Precondition struct {
	Statuses []OrderStatus
	Version  int64
}

// Holds проверяет предусловие на текущем состоянии записи.
func (p Precondition) Holds(status OrderStatus, version int64) bool {
	if version != p.Version {
		return false
	}
	for _, s := range p.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// TechnicianRef: техник, которому предлагается заявка.
type TechnicianRef struct {
	ID   string `json:"technician_id"`
	Name string `json:"technician_name,omitempty"`
}

// Patch: изменения одной условной записи. Пустые поля не трогают заявку.
// History дописывается ровно одной записью.
type Patch struct {
	Status          OrderStatus
	Technician      *TechnicianRef
	ClearTechnician bool
	OfferFlow       *OfferFlow
	CompleteFlow    *CompleteFlow
	CancelFlow      *CancelFlow
	Media           CompletionMedia
	Checkin         *Checkin
	History         HistoryEntry
}

// Apply возвращает копию order с применённым патчем и увеличенной версией.
func (p Patch) Apply(order Order) Order {
	next := order.Clone()
	next.Status = p.Status
	if p.ClearTechnician {
		next.TechnicianID = ""
		next.TechnicianName = ""
	}
	if p.Technician != nil {
		next.TechnicianID = p.Technician.ID
		next.TechnicianName = p.Technician.Name
	}
	if p.OfferFlow != nil {
		next.OfferFlow = *p.OfferFlow
	}
	if p.CompleteFlow != nil {
		next.CompleteFlow = *p.CompleteFlow
	}
	if p.CancelFlow != nil {
		next.CancelFlow = *p.CancelFlow
	}
	if p.Media != nil {
		next.Media = p.Media.Clone()
	}
	if p.Checkin != nil {
		next.Checkins = append(next.Checkins, *p.Checkin)
	}
	next.History = append(next.History, p.History)
	next.Version++
	next.UpdatedAt = p.History.At
	return next
}

// ListFilter ограничивает выборку заявок.
type ListFilter struct {
	RequesterID  string
	TechnicianID string
	Statuses     []OrderStatus
	Limit        int
}

// Matches проверяет заявку на соответствие фильтру.
func (f ListFilter) Matches(order Order) bool {
	if f.RequesterID != "" && order.RequesterID != f.RequesterID {
		return false
	}
	if f.TechnicianID != "" && order.TechnicianID != f.TechnicianID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if order.Status == s {
			return true
		}
	}
	return false
}

// OutboxPublisher публикует события из outbox уведомлений.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog outbox уведомлений.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// EphemeralStore: key-value хранилище с явным TTL для вспомогательных данных
// (одноразовые коды, ключи идемпотентности). Не участвует в записи заявок.
type EphemeralStore interface {
	// Put сохраняет значение, перезаписывая существующее.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent сохраняет значение, только если ключа нет или он истёк.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get возвращает значение или ErrEphemeralKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// DeleteExpired удаляет до limit ключей с истёкшим TTL на момент before.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// Clock: источник времени для журналов и под-записей процедур.
type Clock interface {
	Now() time.Time
}

// SystemClock возвращает текущее время в UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// DisplayTimeLayout: формат времени, показываемый людям в журнале.
const DisplayTimeLayout = "2006-01-02 15:04"

// NewHistoryEntry формирует запись журнала с системной и отображаемой отметками времени.
func NewHistoryEntry(at time.Time, loc *time.Location, note string) HistoryEntry {
	return HistoryEntry{At: at, Time: FormatDisplayTime(at, loc), Note: note}
}

// FormatDisplayTime форматирует время для людей в заданной зоне (UTC, если зона не задана).
func FormatDisplayTime(at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return at.In(loc).Format(DisplayTimeLayout)
}
