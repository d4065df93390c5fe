package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	"github.com/vladislavdragonenkov/repairdesk/internal/geo"
)

func assigned(t *testing.T, f fixture) domain.Order {
	t.Helper()
	ctx := context.Background()
	order := f.create(t)
	_, err := f.svc.OfferAssignment(ctx, order.ID, admin, domain.TechnicianRef{ID: techA.ID})
	require.NoError(t, err)
	order, err = f.svc.AcceptOffer(ctx, order.ID, techA)
	require.NoError(t, err)
	return order
}

func TestCheckin_OutsideGeofence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := assigned(t, f)

	_, err := f.svc.Checkin(ctx, order.ID, techA, CheckinInput{Lat: 31.2400, Lng: 121.4700})
	require.ErrorIs(t, err, domain.ErrGeofenceRejected)

	var geoErr *domain.GeofenceError
	require.True(t, errors.As(err, &geoErr))
	require.InDelta(t, 1112, geoErr.DistanceMeters, 5)
	require.EqualValues(t, 200, geoErr.RadiusMeters)
	require.Equal(t, "geofence_rejected", domain.ErrorClass(err))

	stored, err := f.store.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusAssigned, stored.Status)
	require.Empty(t, stored.Checkins)
	require.Equal(t, 1.0, f.counter(t, "repairdesk_geofence_rejections_total", nil))
}

func TestCheckin_BoundaryIsInclusive(t *testing.T) {
	reported := domain.Location{Lat: 31.2310, Lng: 121.4710}
	radius := geo.Distance(siteLocation, reported)

	f := newFixture(t, func(cfg *Config) { cfg.GeofenceRadiusMeters = radius })
	order := assigned(t, f)

	updated, err := f.svc.Checkin(context.Background(), order.ID, techA, CheckinInput{Lat: reported.Lat, Lng: reported.Lng})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCheckedIn, updated.Status)
}

func TestCheckin_RejectsNonFiniteCoordinates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := assigned(t, f)

	inputs := []CheckinInput{
		{Lat: math.NaN(), Lng: math.NaN()},
		{Lat: 31.23, Lng: math.NaN()},
		{Lat: math.Inf(1), Lng: 121.47},
		{Lat: 31.23, Lng: math.Inf(-1)},
	}
	for _, in := range inputs {
		_, err := f.svc.Checkin(ctx, order.ID, techA, in)
		require.ErrorIs(t, err, domain.ErrInvalidLocation, "input %+v", in)
	}

	stored, err := f.store.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusAssigned, stored.Status)
	require.Empty(t, stored.Checkins)
	require.Zero(t, f.histogramCount(t, "repairdesk_checkin_distance_meters"))
}

func TestCheckin_AtSiteRecordsZeroDistance(t *testing.T) {
	f := newFixture(t, nil)
	order := assigned(t, f)

	updated, err := f.svc.Checkin(context.Background(), order.ID, techA, CheckinInput{Lat: siteLocation.Lat, Lng: siteLocation.Lng})
	require.NoError(t, err)
	require.Zero(t, updated.Checkins[0].DistanceMeters)
	require.EqualValues(t, 1, f.histogramCount(t, "repairdesk_checkin_distance_meters"))
}

func TestCheckin_OrderWithoutLocation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, requester, domain.OrderDetails{Device: "Router", Issue: "No signal"})
	require.NoError(t, err)
	_, err = f.svc.OfferAssignment(ctx, order.ID, admin, domain.TechnicianRef{ID: techA.ID})
	require.NoError(t, err)
	_, err = f.svc.AcceptOffer(ctx, order.ID, techA)
	require.NoError(t, err)

	_, err = f.svc.Checkin(ctx, order.ID, techA, CheckinInput{Lat: 31.23, Lng: 121.47})
	require.ErrorIs(t, err, domain.ErrConfiguration)
	require.ErrorIs(t, err, domain.ErrOrderLocationMissing)
}

func TestCheckin_OnlyAssignedTechnician(t *testing.T) {
	f := newFixture(t, nil)
	order := assigned(t, f)

	_, err := f.svc.Checkin(context.Background(), order.ID, techB, CheckinInput{Lat: 31.2301, Lng: 121.4701})
	require.ErrorIs(t, err, domain.ErrNotAssignedTechnician)
}

func TestRepeatedOperations_AreNoops(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.awaitingConfirm(t)

	done, err := f.svc.ConfirmCompletion(ctx, order.ID, requester)
	require.NoError(t, err)

	again, err := f.svc.ConfirmCompletion(ctx, order.ID, requester)
	require.NoError(t, err)
	require.Equal(t, done.Version, again.Version)
	require.Len(t, again.History, len(done.History))

	approved, err := f.svc.ApproveCompletion(ctx, order.ID, admin)
	require.NoError(t, err)
	require.Equal(t, done.Version, approved.Version)

	require.Equal(t, 1.0, f.counter(t, "repairdesk_transition_noops_total", map[string]string{"action": "confirm_completion"}))
}

func TestRepeatedCheckin_IsNoop(t *testing.T) {
	f := newFixture(t, nil)
	order := f.checkedIn(t)

	// Повтор с координатами вне геозоны не проверяется: заявка уже на месте.
	again, err := f.svc.Checkin(context.Background(), order.ID, techA, CheckinInput{Lat: 0, Lng: 0})
	require.NoError(t, err)
	require.Equal(t, order.Version, again.Version)
	require.Len(t, again.Checkins, 1)
}

func TestTerminalOrders_RejectTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.create(t)

	cancelled, err := f.svc.Cancel(ctx, order.ID, requester, "changed my mind")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	require.Equal(t, "changed my mind", cancelled.CancelFlow.Reason)

	_, err = f.svc.OfferAssignment(ctx, order.ID, admin, domain.TechnicianRef{ID: techA.ID})
	require.ErrorIs(t, err, domain.ErrOrderTerminal)

	_, err = f.svc.ForceStatus(ctx, order.ID, admin, domain.OrderStatusPending, "")
	require.ErrorIs(t, err, domain.ErrOrderTerminal)

	again, err := f.svc.Cancel(ctx, order.ID, admin, "")
	require.NoError(t, err)
	require.Equal(t, cancelled.Version, again.Version)
}

func TestInvalidTransition_FromWrongStatus(t *testing.T) {
	f := newFixture(t, nil)
	order := f.create(t)

	_, err := f.svc.RequestCompletion(context.Background(), order.ID, techA, fullMedia())
	// Авторизация идёт первой: на pending-заявке нет техника.
	require.ErrorIs(t, err, domain.ErrNotAssignedTechnician)

	_, err = f.svc.ConfirmCompletion(context.Background(), order.ID, requester)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.Equal(t, "validation", domain.ErrorClass(err))
}

func TestCancel_ClearsTechnician(t *testing.T) {
	f := newFixture(t, nil)
	order := f.checkedIn(t)

	_, err := f.svc.Cancel(context.Background(), order.ID, otherReq, "")
	require.ErrorIs(t, err, domain.ErrNotOrderOwner)

	_, err = f.svc.Cancel(context.Background(), order.ID, techA, "")
	require.ErrorIs(t, err, domain.ErrForbidden)

	cancelled, err := f.svc.Cancel(context.Background(), order.ID, admin, "duplicate")
	require.NoError(t, err)
	require.Empty(t, cancelled.TechnicianID)
	require.Equal(t, admin.ID, cancelled.CancelFlow.CancelledBy)
	require.Empty(t, cancelled.ValidateInvariants())
}

func TestForceStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, func(cfg *Config) { cfg.ForceStatusEnabled = false })
		order := f.create(t)
		_, err := f.svc.ForceStatus(ctx, order.ID, admin, domain.OrderStatusCancelled, "")
		require.ErrorIs(t, err, domain.ErrForceStatusDisabled)
		require.ErrorIs(t, err, domain.ErrAuthorization)
	})

	t.Run("target not allowed", func(t *testing.T) {
		f := newFixture(t, nil)
		order := f.checkedIn(t)
		_, err := f.svc.ForceStatus(ctx, order.ID, admin, domain.OrderStatusDone, "")
		require.ErrorIs(t, err, domain.ErrForceTargetNotAllowed)

		_, err = f.svc.ForceStatus(ctx, order.ID, admin, domain.OrderStatus("archived"), "")
		require.ErrorIs(t, err, domain.ErrInvalidStatus)
	})

	t.Run("admin only", func(t *testing.T) {
		f := newFixture(t, nil)
		order := f.create(t)
		_, err := f.svc.ForceStatus(ctx, order.ID, requester, domain.OrderStatusCancelled, "")
		require.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("back to pending clears technician", func(t *testing.T) {
		f := newFixture(t, nil)
		order := f.checkedIn(t)
		forced, err := f.svc.ForceStatus(ctx, order.ID, admin, domain.OrderStatusPending, "technician sick")
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusPending, forced.Status)
		require.Empty(t, forced.TechnicianID)
		require.Equal(t, "admin Dispatcher forced status from checkedIn to pending: technician sick", forced.History[len(forced.History)-1].Note)
	})

	t.Run("technician statuses need a technician", func(t *testing.T) {
		f := newFixture(t, nil)
		order := f.create(t)
		for _, target := range []domain.OrderStatus{domain.OrderStatusOffered, domain.OrderStatusAssigned, domain.OrderStatusCheckedIn} {
			_, err := f.svc.ForceStatus(ctx, order.ID, admin, target, "")
			require.ErrorIs(t, err, domain.ErrForceTechnicianRequired, "target %s", target)
			require.Equal(t, "validation", domain.ErrorClass(err))
		}
		stored, err := f.store.Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusPending, stored.Status)
		require.Len(t, stored.History, 1)

		assignedOrder := assigned(t, f)
		forced, err := f.svc.ForceStatus(ctx, assignedOrder.ID, admin, domain.OrderStatusCheckedIn, "gps outage")
		require.NoError(t, err)
		require.Equal(t, techA.ID, forced.TechnicianID)

		requested, err := f.svc.RequestCompletion(ctx, forced.ID, techA, fullMedia())
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusAwaitingConfirm, requested.Status)
	})

	t.Run("to cancelled records cancel flow", func(t *testing.T) {
		f := newFixture(t, nil)
		order := f.awaitingConfirm(t)
		forced, err := f.svc.ForceStatus(ctx, order.ID, admin, domain.OrderStatusCancelled, "fraud")
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusCancelled, forced.Status)
		require.Empty(t, forced.TechnicianID)
		require.Equal(t, "fraud", forced.CancelFlow.Reason)
	})
}

func TestConcurrentOffers_SingleWinner(t *testing.T) {
	f := newFixture(t, nil)
	order := f.create(t)

	barrier := newBarrierStore(f.store, 2)
	svc := NewService(barrier, DefaultConfig(), WithLogger(log.WithField("test", t.Name())), WithMetrics(f.metrics))

	techs := []domain.TechnicianRef{{ID: techA.ID}, {ID: techB.ID}}
	errs := make([]error, len(techs))
	var wg sync.WaitGroup
	for i, tech := range techs {
		wg.Add(1)
		go func(i int, tech domain.TechnicianRef) {
			defer wg.Done()
			_, errs[i] = svc.OfferAssignment(context.Background(), order.ID, admin, tech)
		}(i, tech)
	}
	wg.Wait()

	var succeeded, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case domain.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, conflicts)

	stored, err := f.store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.Version)
	require.Len(t, stored.History, 2)
	require.Equal(t, 1.0, f.counter(t, "repairdesk_transition_conflicts_total", map[string]string{"action": "offer"}))
}

func TestReOffer_ReplacesTechnician(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.create(t)

	_, err := f.svc.OfferAssignment(ctx, order.ID, admin, domain.TechnicianRef{ID: techA.ID})
	require.NoError(t, err)
	reoffered, err := f.svc.OfferAssignment(ctx, order.ID, admin, domain.TechnicianRef{ID: techB.ID, Name: techB.Name})
	require.NoError(t, err)
	require.Equal(t, techB.ID, reoffered.TechnicianID)

	_, err = f.svc.AcceptOffer(ctx, order.ID, techA)
	require.ErrorIs(t, err, domain.ErrNotOfferedTechnician)

	_, err = f.svc.OfferAssignment(ctx, order.ID, admin, domain.TechnicianRef{ID: " "})
	require.ErrorIs(t, err, domain.ErrTechnicianRequired)
}

func TestTransitions_EnqueueEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.create(t)
	_, err := f.svc.OfferAssignment(ctx, order.ID, admin, domain.TechnicianRef{ID: techA.ID})
	require.NoError(t, err)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 2)

	types := map[string]Event{}
	for _, msg := range pending {
		require.Equal(t, AggregateTypeOrder, msg.AggregateType)
		require.Equal(t, order.ID, msg.AggregateID)
		var event Event
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		types[msg.EventType] = event
	}

	offer, ok := types["order.offer"]
	require.True(t, ok)
	require.Equal(t, domain.OrderStatusOffered, offer.Status)
	require.Equal(t, domain.OrderStatusPending, offer.PreviousStatus)
	require.Equal(t, techA.ID, offer.TechnicianID)
	_, ok = types["order.create"]
	require.True(t, ok)
}

func TestOutboxFailure_DoesNotFailTransition(t *testing.T) {
	f := newFixture(t, nil)
	svc := NewService(f.store, DefaultConfig(), WithOutbox(failingOutbox{}), WithMetrics(f.metrics))

	order, err := svc.CreateOrder(context.Background(), requester, domain.OrderDetails{Device: "TV", Issue: "No picture"})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, order.Status)

	_, err = svc.Cancel(context.Background(), order.ID, requester, "")
	require.NoError(t, err)
	require.Equal(t, 2.0, f.counter(t, "repairdesk_outbox_enqueue_failures_total", nil))
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, requester, domain.OrderDetails{Device: " ", Issue: "x"})
	require.ErrorIs(t, err, domain.ErrDeviceRequired)

	_, err = f.svc.CreateOrder(ctx, techA, domain.OrderDetails{Device: "TV", Issue: "x"})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.CreateOrder(ctx, domain.Actor{}, domain.OrderDetails{Device: "TV", Issue: "x"})
	require.ErrorIs(t, err, domain.ErrActorRequired)

	bad := domain.Location{Lat: 91, Lng: 0}
	_, err = f.svc.CreateOrder(ctx, requester, domain.OrderDetails{Device: "TV", Issue: "x", Location: &bad})
	require.ErrorIs(t, err, domain.ErrInvalidLocation)
}

func TestHistory_DisplayTimeZone(t *testing.T) {
	zone := time.FixedZone("UTC+8", 8*3600)
	f := newFixture(t, func(cfg *Config) { cfg.DisplayLocation = zone })

	order := f.create(t)
	entry := order.History[0]
	require.Equal(t, "2024-03-01 17:01", entry.Time)
	require.Equal(t, time.UTC, entry.At.Location())
	require.Equal(t, "request created by Alice", entry.Note)
}

func TestAddReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.checkedIn(t)

	_, err := f.svc.AddReview(ctx, order.ID, requester, ReviewInput{Rating: 5})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	order, err = f.svc.RequestCompletion(ctx, order.ID, techA, fullMedia())
	require.NoError(t, err)
	done, err := f.svc.ConfirmCompletion(ctx, order.ID, requester)
	require.NoError(t, err)

	_, err = f.svc.AddReview(ctx, order.ID, requester, ReviewInput{Rating: 6})
	require.ErrorIs(t, err, domain.ErrRatingOutOfRange)

	_, err = f.svc.AddReview(ctx, order.ID, otherReq, ReviewInput{Rating: 4})
	require.ErrorIs(t, err, domain.ErrNotOrderOwner)

	reviewed, err := f.svc.AddReview(ctx, order.ID, requester, ReviewInput{Rating: 4, Content: " fast and tidy ", Images: []string{"", "https://cdn.example.com/r.jpg"}})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusDone, reviewed.Status)
	require.Len(t, reviewed.Reviews, 1)
	require.Equal(t, "fast and tidy", reviewed.Reviews[0].Content)
	require.Equal(t, []string{"https://cdn.example.com/r.jpg"}, reviewed.Reviews[0].Images)
	require.Equal(t, done.Version+1, reviewed.Version)
	require.Len(t, reviewed.History, len(done.History))
	require.Equal(t, done.History, reviewed.History)
}

func TestListOrders_ScopedByRole(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	mine := assigned(t, f)
	_, err := f.svc.CreateOrder(ctx, otherReq, domain.OrderDetails{Device: "Fridge", Issue: "Noisy"})
	require.NoError(t, err)

	own, err := f.svc.ListOrders(ctx, requester, ListQuery{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	require.Equal(t, mine.ID, own[0].ID)

	all, err := f.svc.ListOrders(ctx, admin, ListQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	techOrders, err := f.svc.ListOrders(ctx, techA, ListQuery{Statuses: []domain.OrderStatus{domain.OrderStatusAssigned}})
	require.NoError(t, err)
	require.Len(t, techOrders, 1)

	none, err := f.svc.ListOrders(ctx, techB, ListQuery{})
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = f.svc.ListOrders(ctx, admin, ListQuery{Statuses: []domain.OrderStatus{"unknown"}})
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestGetAndDeleteOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.create(t)

	_, err := f.svc.GetOrder(ctx, order.ID, otherReq)
	require.ErrorIs(t, err, domain.ErrNotOrderOwner)

	got, err := f.svc.GetOrder(ctx, order.ID, requester)
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)

	require.ErrorIs(t, f.svc.DeleteOrder(ctx, order.ID, requester), domain.ErrForbidden)
	require.NoError(t, f.svc.DeleteOrder(ctx, order.ID, admin))

	_, err = f.svc.GetOrder(ctx, order.ID, admin)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	require.Equal(t, "not_found", domain.ErrorClass(err))
}
