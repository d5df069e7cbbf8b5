package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/location"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/matcher"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

type fakeIndex struct {
	mu      sync.Mutex
	upserts map[int64]models.Coord
	removed map[int64]bool
}

func (f *fakeIndex) Upsert(_ context.Context, id int64, c models.Coord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upserts == nil {
		f.upserts = map[int64]models.Coord{}
	}
	f.upserts[id] = c
	return nil
}

func (f *fakeIndex) Remove(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed == nil {
		f.removed = map[int64]bool{}
	}
	f.removed[id] = true
	return nil
}

type fakePublisher struct{ events []models.DriverLocationEvent }

func (f *fakePublisher) PublishLocation(_ context.Context, ev models.DriverLocationEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type testEnv struct {
	srv      *Server
	store    *storage.MemoryStore
	index    *fakeIndex
	events   *fakePublisher
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	locs := location.NewService(store, geo.Bengaluru(), location.WithSampler(location.NewSeededSampler(1)))
	env := &testEnv{store: store, index: &fakeIndex{}, events: &fakePublisher{}}
	s := &Server{
		Locations: locs,
		Matcher: &matcher.Service{
			Locations: locs,
			Geo:       matcher.StoreGeo{Fleet: store},
			Store:     store,
		},
		Rides:  &matcher.RideService{Store: store},
		Fleet:  store,
		Index:  env.index,
		Events: env.events,
		Health: map[string]HealthCheck{"store": func(context.Context) error { return nil }},
	}
	if secret != "" {
		env.verifier = auth.NewVerifier(secret)
		s.Auth = env.verifier
	}
	env.srv = NewServer(s, logging.Discard())
	return env
}

func (e *testEnv) seed(t *testing.T, role models.Role, id int64, lat, lon float64, label string) {
	t.Helper()
	loc := models.Location{Latitude: lat, Longitude: lon, Label: label}
	if err := e.store.SetLocation(context.Background(), id, role, loc); err != nil {
		t.Fatalf("seed %s %d: %v", role, id, err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) token(t *testing.T, id int64, role models.Role) string {
	t.Helper()
	tok, err := e.verifier.Issue(id, role, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRequestRideCreated(t *testing.T) {
	env := newTestEnv(t, "")
	env.seed(t, models.RoleRider, 42, 12.95, 77.60, "Koramangala")
	env.seed(t, models.RoleDriver, 7, 12.96, 77.61, "Indiranagar")

	rec := env.do(t, http.MethodPost, "/api/riders/42/request-ride", `{"destination":"Whitefield"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	b := decodeBody[models.Booking](t, rec)
	if b.DriverID != 7 || b.Fare != 150 || b.Status != models.RideStatusPending || b.Destination != "Whitefield" || b.RideID == 0 {
		t.Fatalf("unexpected booking: %+v", b)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}

	rec = env.do(t, http.MethodPost, "/api/riders/42/request-ride", `{"destination":"Hebbal"}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second pending ride, got %d", rec.Code)
	}
}

func TestRequestRideNoDrivers(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/riders/42/request-ride", `{"destination":"Whitefield"}`, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body)
	}
	if body := decodeBody[errorBody](t, rec); body.Error != models.ErrNoDriversAvailable.Error() {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

type failingLocator struct{ err error }

func (f failingLocator) Get(context.Context, int64, models.Role) (models.Location, error) {
	return models.Location{}, f.err
}

func TestRequestRideRiderLocationUnavailable(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"no seedable location": {err: errors.New("rider 42 has no position"), want: http.StatusNotFound},
		"storage down":         {err: fmt.Errorf("%w: connection refused", models.ErrStorage), want: http.StatusInternalServerError},
	}
	for name, tc := range cases {
		env := newTestEnv(t, "")
		env.seed(t, models.RoleDriver, 7, 12.96, 77.61, "")
		env.srv.Matcher.Locations = failingLocator{err: tc.err}
		rec := env.do(t, http.MethodPost, "/api/riders/42/request-ride", `{"destination":"Whitefield"}`, "")
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d: %s", name, tc.want, rec.Code, rec.Body)
		}
	}
}

func TestRequestRideValidation(t *testing.T) {
	env := newTestEnv(t, "")
	env.seed(t, models.RoleDriver, 7, 12.96, 77.61, "")
	for name, body := range map[string]string{
		"missing destination": `{}`,
		"latitude range":      `{"destination":"x","destination_lat":123,"destination_lng":77.6}`,
		"unpaired pickup":     `{"destination":"x","pickup_lat":12.9}`,
		"not json":            `destination=x`,
	} {
		if rec := env.do(t, http.MethodPost, "/api/riders/42/request-ride", body, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestLocationEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/riders/5/location", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	first := decodeBody[locationResponse](t, rec)
	if !geo.Bengaluru().Contains(first.Coord()) || first.Role != models.RoleRider || first.ID != 5 {
		t.Fatalf("unexpected seeded location: %+v", first)
	}
	again := decodeBody[locationResponse](t, env.do(t, http.MethodGet, "/api/riders/5/location", "", ""))
	if again.Location != first.Location {
		t.Fatalf("location changed between reads")
	}

	rec = env.do(t, http.MethodPost, "/api/drivers/7/location", `{"latitude":12.97,"longitude":77.59,"location":"Bengaluru"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got := decodeBody[locationResponse](t, env.do(t, http.MethodGet, "/api/drivers/7/location", "", ""))
	if got.Latitude != 12.97 || got.Longitude != 77.59 {
		t.Fatalf("driver location not updated: %+v", got)
	}
	if len(env.events.events) != 1 || env.events.events[0].DriverID != 7 {
		t.Fatalf("expected one published location, got %+v", env.events.events)
	}

	rec = env.do(t, http.MethodPost, "/api/riders/5/refresh-location", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rec.Code)
	}
}

func TestDriverStatus(t *testing.T) {
	env := newTestEnv(t, "")
	if rec := env.do(t, http.MethodGet, "/api/drivers/7/status", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown driver: expected 404, got %d", rec.Code)
	}
	env.seed(t, models.RoleDriver, 7, 12.96, 77.61, "")

	rec := env.do(t, http.MethodPost, "/api/drivers/7/status", `{"is_available":false}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if !env.index.removed[7] {
		t.Fatalf("driver not removed from index")
	}
	st := decodeBody[statusResponse](t, env.do(t, http.MethodGet, "/api/drivers/7/status", "", ""))
	if st.IsAvailable {
		t.Fatalf("expected unavailable")
	}

	if rec := env.do(t, http.MethodPost, "/api/drivers/7/status", `{"is_available":true}`, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if c := env.index.upserts[7]; c.Lat != 12.96 {
		t.Fatalf("driver not re-added to index: %+v", env.index.upserts)
	}
	if rec := env.do(t, http.MethodPost, "/api/drivers/7/status", `{}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing is_available: expected 400, got %d", rec.Code)
	}
}

func TestRideLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	env.seed(t, models.RoleRider, 42, 12.95, 77.60, "")
	env.seed(t, models.RoleDriver, 7, 12.96, 77.61, "")
	b := decodeBody[models.Booking](t, env.do(t, http.MethodPost, "/api/riders/42/request-ride", `{"destination":"Whitefield"}`, ""))
	base := "/api/rides/" + itoa(b.RideID)

	if rec := env.do(t, http.MethodPost, base+"/complete", "", ""); rec.Code != http.StatusConflict {
		t.Fatalf("pending -> completed: expected 409, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, base+"/accept", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodPost, base+"/complete", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rec.Code)
	}
	ride := decodeBody[models.Ride](t, env.do(t, http.MethodGet, base, "", ""))
	if ride.Status != models.RideStatusCompleted {
		t.Fatalf("expected completed, got %s", ride.Status)
	}
	if rec := env.do(t, http.MethodGet, "/api/rides/999", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown ride: expected 404, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/riders/42/request-ride", `{"destination":"Hebbal"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("rider with only completed rides should book again, got %d", rec.Code)
	}
}

func TestAdminListings(t *testing.T) {
	env := newTestEnv(t, "")
	env.seed(t, models.RoleRider, 42, 12.95, 77.60, "")
	env.seed(t, models.RoleDriver, 7, 12.96, 77.61, "")
	env.do(t, http.MethodPost, "/api/riders/42/request-ride", `{"destination":"Whitefield"}`, "")

	riders := decodeBody[struct {
		Riders []models.RiderProfile `json:"riders"`
	}](t, env.do(t, http.MethodGet, "/api/admin/riders", "", ""))
	if len(riders.Riders) != 1 || riders.Riders[0].TripCount != 1 {
		t.Fatalf("unexpected riders: %+v", riders)
	}
	rides := decodeBody[struct {
		Rides []models.Ride `json:"rides"`
	}](t, env.do(t, http.MethodGet, "/api/admin/rides?limit=10", "", ""))
	if len(rides.Rides) != 1 {
		t.Fatalf("unexpected rides: %+v", rides)
	}
	env.seed(t, models.RoleDriver, 8, 13.05, 77.70, "")
	cands := decodeBody[struct {
		Candidates []models.Candidate `json:"candidates"`
	}](t, env.do(t, http.MethodGet, "/api/admin/riders/42/candidates", "", ""))
	if len(cands.Candidates) != 2 || cands.Candidates[0].DriverID != 7 {
		t.Fatalf("unexpected candidates: %+v", cands)
	}
	if rec := env.do(t, http.MethodGet, "/api/admin/rides?limit=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestAuthEnforced(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	env.seed(t, models.RoleRider, 42, 12.95, 77.60, "")
	env.seed(t, models.RoleDriver, 7, 12.96, 77.61, "")

	if rec := env.do(t, http.MethodGet, "/api/riders/42/location", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}
	other := env.token(t, 43, models.RoleRider)
	if rec := env.do(t, http.MethodPost, "/api/riders/42/request-ride", `{"destination":"x"}`, other); rec.Code != http.StatusForbidden {
		t.Fatalf("other rider: expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/admin/drivers", "", other); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d", rec.Code)
	}

	rider := env.token(t, 42, models.RoleRider)
	rec := env.do(t, http.MethodPost, "/api/riders/42/request-ride", `{"destination":"x"}`, rider)
	if rec.Code != http.StatusCreated {
		t.Fatalf("own rider: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	b := decodeBody[models.Booking](t, rec)
	base := "/api/rides/" + itoa(b.RideID)

	if rec := env.do(t, http.MethodPost, base+"/accept", "", rider); rec.Code != http.StatusForbidden {
		t.Fatalf("rider accepting: expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, base+"/accept", "", env.token(t, 7, models.RoleDriver)); rec.Code != http.StatusOK {
		t.Fatalf("assigned driver accepting: expected 200, got %d", rec.Code)
	}
	admin := env.token(t, 1, models.RoleAdmin)
	if rec := env.do(t, http.MethodGet, "/api/admin/drivers", "", admin); rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "")
	if rec := env.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env.srv.Health["redis"] = func(context.Context) error { return errors.New("dial tcp: refused") }
	if rec := env.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
