package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	"github.com/vladislavdragonenkov/repairdesk/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/repairdesk/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	requester = domain.Actor{ID: "req-1", Name: "Alice", Role: domain.RoleRequester}
	admin     = domain.Actor{ID: "adm-1", Name: "Dispatcher", Role: domain.RoleAdmin}
	techA     = domain.Actor{ID: "tech-a", Name: "Anton", Role: domain.RoleTechnician}
)

type apiFixture struct {
	router    *gin.Engine
	ephemeral *memory.EphemeralStore
}

func newAPI(t *testing.T) apiFixture {
	t.Helper()
	svc := lifecycle.NewService(memory.NewOrderStore(), lifecycle.DefaultConfig())
	ephemeral := memory.NewEphemeralStore()
	h := NewHandler(svc, WithIdempotency(ephemeral, 0))
	return apiFixture{router: h.Router(), ephemeral: ephemeral}
}

func (f apiFixture) do(t *testing.T, actor domain.Actor, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set(HeaderActorID, actor.ID)
		req.Header.Set(HeaderActorName, actor.Name)
		req.Header.Set(HeaderActorRole, string(actor.Role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) domain.Order {
	t.Helper()
	var order domain.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order), rec.Body.String())
	return order
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func (f apiFixture) createOrder(t *testing.T) domain.Order {
	t.Helper()
	rec := f.do(t, requester, http.MethodPost, "/orders", map[string]any{
		"device":   "Air conditioner",
		"issue":    "Leaks water",
		"location": map[string]float64{"lat": 31.23, "lng": 121.47},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeOrder(t, rec)
}

func (f apiFixture) assign(t *testing.T, id string) {
	t.Helper()
	rec := f.do(t, admin, http.MethodPost, "/orders/"+id+"/offer", offerRequest{TechnicianID: techA.ID, TechnicianName: techA.Name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, techA, http.MethodPost, "/orders/"+id+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAPI_FullLifecycle(t *testing.T) {
	api := newAPI(t)
	order := api.createOrder(t)
	require.Equal(t, domain.OrderStatusPending, order.Status)
	base := "/orders/" + order.ID

	api.assign(t, order.ID)

	rec := api.do(t, techA, http.MethodPost, base+"/checkin", map[string]any{"lat": 31.2301, "lng": 121.4701})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, domain.OrderStatusCheckedIn, decodeOrder(t, rec).Status)

	media := map[string]any{}
	for _, cat := range domain.MediaCategories() {
		media[string(cat)] = []any{"https://cdn.example.com/" + string(cat) + ".jpg"}
	}
	rec = api.do(t, techA, http.MethodPost, base+"/complete-request", map[string]any{"media": media})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, domain.OrderStatusAwaitingConfirm, decodeOrder(t, rec).Status)

	rec = api.do(t, requester, http.MethodPost, base+"/complete-confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, domain.OrderStatusDone, decodeOrder(t, rec).Status)

	rec = api.do(t, requester, http.MethodPost, base+"/reviews", map[string]any{"rating": 5, "content": "Fast and tidy"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, decodeOrder(t, rec).Reviews, 1)

	rec = api.do(t, requester, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeOrder(t, rec)
	require.Equal(t, domain.OrderStatusDone, got.Status)
	require.Len(t, got.History, 6)
}

func TestAPI_ErrorMapping(t *testing.T) {
	api := newAPI(t)
	order := api.createOrder(t)
	base := "/orders/" + order.ID

	t.Run("missing actor", func(t *testing.T) {
		rec := api.do(t, domain.Actor{}, http.MethodGet, base, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown role", func(t *testing.T) {
		rec := api.do(t, domain.Actor{ID: "x", Role: "guest"}, http.MethodGet, base, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("validation", func(t *testing.T) {
		rec := api.do(t, requester, http.MethodPost, "/orders", map[string]any{"device": "Boiler"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "validation", decodeError(t, rec).Class)
	})

	t.Run("authorization", func(t *testing.T) {
		rec := api.do(t, requester, http.MethodPost, base+"/offer", offerRequest{TechnicianID: techA.ID})
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		rec := api.do(t, admin, http.MethodGet, "/orders/missing", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "not_found", decodeError(t, rec).Class)
	})

	t.Run("invalid transition", func(t *testing.T) {
		rec := api.do(t, requester, http.MethodPost, base+"/complete-confirm", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid status filter", func(t *testing.T) {
		rec := api.do(t, admin, http.MethodGet, "/orders?status=archived", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPI_GeofenceRejectionCarriesDistance(t *testing.T) {
	api := newAPI(t)
	order := api.createOrder(t)
	api.assign(t, order.ID)

	rec := api.do(t, techA, http.MethodPost, "/orders/"+order.ID+"/checkin", map[string]any{"lat": 31.24, "lng": 121.47})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body := decodeError(t, rec)
	require.Equal(t, "geofence_rejected", body.Class)
	require.NotNil(t, body.DistanceMeters)
	require.InDelta(t, 1112, *body.DistanceMeters, 2)
	require.EqualValues(t, 200, *body.RadiusMeters)
}

func TestAPI_CheckinRequiresCoordinates(t *testing.T) {
	api := newAPI(t)
	order := api.createOrder(t)
	api.assign(t, order.ID)

	rec := api.do(t, techA, http.MethodPost, "/orders/"+order.ID+"/checkin", map[string]any{"address": "lobby"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ForceStatusAndCancel(t *testing.T) {
	api := newAPI(t)
	order := api.createOrder(t)
	base := "/orders/" + order.ID

	rec := api.do(t, admin, http.MethodPost, base+"/force-status", forceStatusRequest{Status: "done"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, admin, http.MethodPost, base+"/force-status", forceStatusRequest{Status: "offered", Reason: "manual dispatch"})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.Equal(t, "validation", decodeError(t, rec).Class)

	api.assign(t, order.ID)
	rec = api.do(t, admin, http.MethodPost, base+"/force-status", forceStatusRequest{Status: "checkedIn", Reason: "gps outage"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	forced := decodeOrder(t, rec)
	require.Equal(t, domain.OrderStatusCheckedIn, forced.Status)
	require.Equal(t, techA.ID, forced.TechnicianID)

	rec = api.do(t, requester, http.MethodPost, base+"/cancel", reasonRequest{Reason: "fixed it myself"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeOrder(t, rec)
	require.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	require.Empty(t, cancelled.TechnicianID)

	rec = api.do(t, requester, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_ListAndDelete(t *testing.T) {
	api := newAPI(t)
	first := api.createOrder(t)
	api.createOrder(t)
	api.assign(t, first.ID)

	rec := api.do(t, techA, http.MethodGet, "/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)

	rec = api.do(t, admin, http.MethodGet, "/orders?status=pending,assigned&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)

	rec = api.do(t, admin, http.MethodGet, "/orders?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, admin, http.MethodDelete, "/orders/"+first.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, admin, http.MethodDelete, "/orders/"+first.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_IdempotencyKeyReplaysResponse(t *testing.T) {
	api := newAPI(t)
	body := map[string]any{"device": "Fridge", "issue": "Too warm"}

	first := api.do(t, requester, http.MethodPost, "/orders", body, HeaderIdempotencyKey, "create-1")
	require.Equal(t, http.StatusCreated, first.Code)

	second := api.do(t, requester, http.MethodPost, "/orders", body, HeaderIdempotencyKey, "create-1")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get(HeaderIdempotentReplay))
	require.Equal(t, decodeOrder(t, first).ID, decodeOrder(t, second).ID)

	third := api.do(t, requester, http.MethodPost, "/orders", body, HeaderIdempotencyKey, "create-2")
	require.Equal(t, http.StatusCreated, third.Code)
	require.NotEqual(t, decodeOrder(t, first).ID, decodeOrder(t, third).ID)

	rec := api.do(t, admin, http.MethodGet, "/orders", nil)
	var list listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
}

func TestAPI_IdempotencyKeyInFlight(t *testing.T) {
	api := newAPI(t)
	key := idempotencyStoreKey(requester, http.MethodPost, "/orders", "busy")
	ok, err := api.ephemeral.PutIfAbsent(t.Context(), key, inFlightMarker, 0)
	require.NoError(t, err)
	require.True(t, ok)

	rec := api.do(t, requester, http.MethodPost, "/orders", map[string]any{"device": "TV", "issue": "No signal"}, HeaderIdempotencyKey, "busy")
	require.Equal(t, http.StatusConflict, rec.Code)
}

// conflictOnceStore отвечает конфликтом на первую условную запись.
type conflictOnceStore struct {
	domain.OrderStore
	mu       sync.Mutex
	conflict bool
}

func (s *conflictOnceStore) ConditionalUpdate(ctx context.Context, id string, pre domain.Precondition, patch domain.Patch) (domain.Order, error) {
	s.mu.Lock()
	fail := !s.conflict
	s.conflict = true
	s.mu.Unlock()
	if fail {
		return domain.Order{}, domain.ErrOrderConflict
	}
	return s.OrderStore.ConditionalUpdate(ctx, id, pre, patch)
}

func TestAPI_IdempotencyKeyReleasedAfterConflict(t *testing.T) {
	store := &conflictOnceStore{OrderStore: memory.NewOrderStore()}
	ephemeral := memory.NewEphemeralStore()
	api := apiFixture{
		router:    NewHandler(lifecycle.NewService(store, lifecycle.DefaultConfig()), WithIdempotency(ephemeral, 0)).Router(),
		ephemeral: ephemeral,
	}
	order := api.createOrder(t)
	offer := offerRequest{TechnicianID: techA.ID, TechnicianName: techA.Name}

	first := api.do(t, admin, http.MethodPost, "/orders/"+order.ID+"/offer", offer, HeaderIdempotencyKey, "offer-1")
	require.Equal(t, http.StatusConflict, first.Code, first.Body.String())
	require.Equal(t, "conflict", decodeError(t, first).Class)

	retry := api.do(t, admin, http.MethodPost, "/orders/"+order.ID+"/offer", offer, HeaderIdempotencyKey, "offer-1")
	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	require.Empty(t, retry.Header().Get(HeaderIdempotentReplay))
	require.Equal(t, domain.OrderStatusOffered, decodeOrder(t, retry).Status)

	replay := api.do(t, admin, http.MethodPost, "/orders/"+order.ID+"/offer", offer, HeaderIdempotencyKey, "offer-1")
	require.Equal(t, http.StatusOK, replay.Code)
	require.Equal(t, "true", replay.Header().Get(HeaderIdempotentReplay))
}

func TestStatusForError(t *testing.T) {
	cases := map[error]int{
		domain.ErrDeviceRequired:        http.StatusBadRequest,
		domain.ErrForbidden:             http.StatusForbidden,
		domain.ErrOrderNotFound:         http.StatusNotFound,
		domain.ErrOrderConflict:         http.StatusConflict,
		domain.ErrOrderLocationMissing:  http.StatusUnprocessableEntity,
		&domain.GeofenceError{}:         http.StatusUnprocessableEntity,
		domain.ErrForceStatusDisabled:   http.StatusForbidden,
		domain.ErrForceTargetNotAllowed: http.StatusBadRequest,
	}
	for err, want := range cases {
		if got := statusForError(err); got != want {
			t.Fatalf("statusForError(%v) = %d, want %d", err, got, want)
		}
	}
}
