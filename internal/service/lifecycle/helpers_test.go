package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	"github.com/vladislavdragonenkov/repairdesk/internal/metrics"
	"github.com/vladislavdragonenkov/repairdesk/internal/storage/memory"
)

var (
	requester = domain.Actor{ID: "req-1", Name: "Alice", Role: domain.RoleRequester}
	otherReq  = domain.Actor{ID: "req-2", Name: "Bob", Role: domain.RoleRequester}
	admin     = domain.Actor{ID: "adm-1", Name: "Dispatcher", Role: domain.RoleAdmin}
	techA     = domain.Actor{ID: "tech-a", Name: "Anton", Role: domain.RoleTechnician}
	techB     = domain.Actor{ID: "tech-b", Name: "Boris", Role: domain.RoleTechnician}

	siteLocation = domain.Location{Lat: 31.2300, Lng: 121.4700}
)

// stepClock сдвигает время на минуту при каждом вызове.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type fixture struct {
	svc     *Service
	store   domain.OrderStore
	outbox  *memory.OutboxRepository
	metrics *metrics.LifecycleMetrics
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, mutate func(*Config)) fixture {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	store := memory.NewOrderStore()
	outbox := memory.NewOutboxRepository()
	reg := prometheus.NewRegistry()
	m := metrics.NewLifecycleMetricsWithRegisterer(reg)

	var seq int
	var seqMu sync.Mutex
	svc := NewService(store, cfg,
		WithLogger(log.WithField("test", t.Name())),
		WithMetrics(m),
		WithOutbox(outbox),
		WithClock(&stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}),
		WithIDGenerator(func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("order-%d", seq)
		}),
	)

	return fixture{svc: svc, store: store, outbox: outbox, metrics: m, reg: reg}
}

func (f fixture) create(t *testing.T) domain.Order {
	t.Helper()
	loc := siteLocation
	order, err := f.svc.CreateOrder(context.Background(), requester, domain.OrderDetails{
		Device:   "Washing machine",
		Issue:    "Does not drain",
		Phone:    "+86 138 0000 0000",
		Location: &loc,
	})
	require.NoError(t, err)
	return order
}

// checkedIn проводит заявку до статуса checkedIn техником A.
func (f fixture) checkedIn(t *testing.T) domain.Order {
	t.Helper()
	ctx := context.Background()

	order := f.create(t)
	_, err := f.svc.OfferAssignment(ctx, order.ID, admin, domain.TechnicianRef{ID: techA.ID, Name: techA.Name})
	require.NoError(t, err)
	_, err = f.svc.AcceptOffer(ctx, order.ID, techA)
	require.NoError(t, err)
	order, err = f.svc.Checkin(ctx, order.ID, techA, CheckinInput{Lat: 31.2301, Lng: 121.4701})
	require.NoError(t, err)
	return order
}

func (f fixture) awaitingConfirm(t *testing.T) domain.Order {
	t.Helper()
	order := f.checkedIn(t)
	order, err := f.svc.RequestCompletion(context.Background(), order.ID, techA, fullMedia())
	require.NoError(t, err)
	return order
}

func fullMedia() domain.MediaSubmission {
	sub := domain.MediaSubmission{}
	for _, cat := range domain.MediaCategories() {
		sub[cat] = []domain.MediaRef{{URL: "https://cdn.example.com/" + string(cat) + ".jpg"}}
	}
	return sub
}

func (f fixture) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func (f fixture) histogramCount(t *testing.T, name string) uint64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return family.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if value, ok := want[pair.GetName()]; ok {
			if value != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

// barrierStore задерживает Get, пока заданное число вызывающих не прочитает заявку.
// Так конкурентные операции гарантированно видят одну и ту же версию.
type barrierStore struct {
	domain.OrderStore
	wg sync.WaitGroup
}

func newBarrierStore(inner domain.OrderStore, parties int) *barrierStore {
	b := &barrierStore{OrderStore: inner}
	b.wg.Add(parties)
	return b
}

func (b *barrierStore) Get(ctx context.Context, id string) (domain.Order, error) {
	order, err := b.OrderStore.Get(ctx, id)
	b.wg.Done()
	b.wg.Wait()
	return order, err
}

var errOutboxDown = errors.New("outbox unavailable")

type failingOutbox struct{}

func (failingOutbox) Enqueue(context.Context, domain.OutboxMessage) (domain.OutboxMessage, error) {
	return domain.OutboxMessage{}, errOutboxDown
}

func (failingOutbox) PullPending(context.Context, int) ([]domain.OutboxMessage, error) {
	return nil, errOutboxDown
}

func (failingOutbox) Stats(context.Context) (domain.OutboxStats, error) {
	return domain.OutboxStats{}, errOutboxDown
}

func (failingOutbox) MarkSent(context.Context, string) error { return errOutboxDown }

func (failingOutbox) MarkFailed(context.Context, string) error { return errOutboxDown }
