package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/location"
	"github.com/example/ride-booking/internal/matcher"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

// FleetIndex mirrors driver availability into a geo index such as Redis.
type FleetIndex interface {
	Upsert(ctx context.Context, driverID int64, loc models.Coord) error
	Remove(ctx context.Context, driverID int64) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, ev models.DriverLocationEvent) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	Locations *location.Service
	Matcher   *matcher.Service
	Rides     *matcher.RideService
	Fleet     storage.FleetStore
	Index     FleetIndex
	Events    LocationPublisher
	WSReg     *dispatch.WSRegistry
	Auth      *auth.Verifier
	Health    map[string]HealthCheck

	// RiderPrefix is the public name of the rider collection: "riders" or "customers".
	RiderPrefix string

	logger   *slog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	mux      *mux.Router
}

// NewServer wires routes over s's collaborators. Index, Events, WSReg, Auth
// and Health are optional.
func NewServer(s *Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if s.RiderPrefix == "" {
		s.RiderPrefix = "riders"
	}
	if s.WSReg == nil {
		s.WSReg = dispatch.NewWSRegistry()
	}
	s.logger = logger
	s.validate = validator.New()
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/drivers/{id:[0-9]+}", s.handleWS)

	api := s.mux.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	riders := api.PathPrefix("/" + s.RiderPrefix + "/{id:[0-9]+}").Subrouter()
	riders.HandleFunc("/request-ride", s.handleRequestRide).Methods(http.MethodPost)
	riders.HandleFunc("/location", s.handleGetLocation(models.RoleRider)).Methods(http.MethodGet)
	riders.HandleFunc("/refresh-location", s.handleRefreshLocation(models.RoleRider)).Methods(http.MethodPost)

	drivers := api.PathPrefix("/drivers/{id:[0-9]+}").Subrouter()
	drivers.HandleFunc("/location", s.handleGetLocation(models.RoleDriver)).Methods(http.MethodGet)
	drivers.HandleFunc("/location", s.handleSetDriverLocation).Methods(http.MethodPost)
	drivers.HandleFunc("/refresh-location", s.handleRefreshLocation(models.RoleDriver)).Methods(http.MethodPost)
	drivers.HandleFunc("/status", s.handleGetDriverStatus).Methods(http.MethodGet)
	drivers.HandleFunc("/status", s.handleSetDriverStatus).Methods(http.MethodPost)

	api.HandleFunc("/rides/{ride_id:[0-9]+}", s.handleGetRide).Methods(http.MethodGet)
	rides := api.PathPrefix("/rides/{ride_id:[0-9]+}").Subrouter()
	rides.HandleFunc("/accept", s.handleTransition(models.RideStatusAccepted)).Methods(http.MethodPost)
	rides.HandleFunc("/complete", s.handleTransition(models.RideStatusCompleted)).Methods(http.MethodPost)
	rides.HandleFunc("/cancel", s.handleTransition(models.RideStatusCancelled)).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	admin.HandleFunc("/riders", s.handleListRiders).Methods(http.MethodGet)
	admin.HandleFunc("/riders/{id:[0-9]+}/candidates", s.handleCandidates).Methods(http.MethodGet)
	admin.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the single place domain errors become status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, models.ErrBadRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrRiderLocationUnavailable) && !errors.Is(err, models.ErrStorage):
		status, msg = http.StatusNotFound, models.ErrRiderLocationUnavailable.Error()
	case errors.Is(err, models.ErrNoDriversAvailable):
		status, msg = http.StatusNotFound, models.ErrNoDriversAvailable.Error()
	case errors.Is(err, models.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, models.ErrDuplicatePendingRide):
		status, msg = http.StatusConflict, models.ErrDuplicatePendingRide.Error()
	case errors.Is(err, models.ErrInvalidTransition):
		status, msg = http.StatusConflict, err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
	}
	writeJSON(w, status, errorBody{Error: msg, RequestID: requestIDFromContext(r.Context())})
}

// decode reads a JSON body into dst and validates its struct tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %w", models.ErrBadRequest, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", models.ErrBadRequest, err)
	}
	return nil
}

func pathID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", models.ErrBadRequest, key)
	}
	return id, nil
}
