package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/models"
)

type requestRideBody struct {
	Destination    string   `json:"destination" validate:"required,max=200"`
	PickupLat      *float64 `json:"pickup_lat" validate:"omitempty,gte=-90,lte=90"`
	PickupLng      *float64 `json:"pickup_lng" validate:"omitempty,gte=-180,lte=180"`
	DestinationLat *float64 `json:"destination_lat" validate:"omitempty,gte=-90,lte=90"`
	DestinationLng *float64 `json:"destination_lng" validate:"omitempty,gte=-180,lte=180"`
}

// paired rejects a coordinate with only one half supplied.
func (b requestRideBody) paired() error {
	if (b.PickupLat == nil) != (b.PickupLng == nil) {
		return fmt.Errorf("%w: pickup_lat and pickup_lng go together", models.ErrBadRequest)
	}
	if (b.DestinationLat == nil) != (b.DestinationLng == nil) {
		return fmt.Errorf("%w: destination_lat and destination_lng go together", models.ErrBadRequest)
	}
	return nil
}

type locationBody struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Label     string   `json:"location" validate:"max=200"`
}

type statusBody struct {
	IsAvailable *bool `json:"is_available" validate:"required"`
}

type locationResponse struct {
	ID   int64       `json:"id"`
	Role models.Role `json:"role"`
	models.Location
}

type statusResponse struct {
	DriverID    int64 `json:"driver_id"`
	IsAvailable bool  `json:"is_available"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	healthy := true
	for name, check := range s.Health {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ok": healthy, "checks": status})
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	riderID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, models.RoleRider, riderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body requestRideBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := body.paired(); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Matcher.RequestRide(r.Context(), models.BookingRequest{
		RiderID:        riderID,
		Destination:    body.Destination,
		PickupLat:      body.PickupLat,
		PickupLng:      body.PickupLng,
		DestinationLat: body.DestinationLat,
		DestinationLng: body.DestinationLng,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetLocation(role models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.authorize(r, role, id); err != nil {
			s.writeError(w, r, err)
			return
		}
		loc, err := s.Locations.Get(r.Context(), id, role)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, locationResponse{ID: id, Role: role, Location: loc})
	}
}

func (s *Server) handleRefreshLocation(role models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.authorize(r, role, id); err != nil {
			s.writeError(w, r, err)
			return
		}
		loc, err := s.Locations.Refresh(r.Context(), id, role)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if role == models.RoleDriver {
			s.publishLocation(r.Context(), id, loc)
		}
		writeJSON(w, http.StatusOK, locationResponse{ID: id, Role: role, Location: loc})
	}
}

func (s *Server) handleSetDriverLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, models.RoleDriver, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body locationBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc := models.Location{Latitude: *body.Latitude, Longitude: *body.Longitude, Label: body.Label}
	if err := s.Locations.Set(r.Context(), id, models.RoleDriver, loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publishLocation(r.Context(), id, loc)
	writeJSON(w, http.StatusOK, locationResponse{ID: id, Role: models.RoleDriver, Location: loc})
}

// publishLocation feeds the location topic; the store write has already
// happened, so a broker failure is only logged.
func (s *Server) publishLocation(ctx context.Context, driverID int64, loc models.Location) {
	if s.Events == nil {
		return
	}
	ev := models.DriverLocationEvent{DriverID: driverID, Label: loc.Label, Loc: loc.Coord(), Sent: time.Now().UTC()}
	if err := s.Events.PublishLocation(ctx, ev); err != nil {
		s.logger.Warn("location_publish_failed", "driver_id", driverID, "err", err)
	}
}

func (s *Server) handleGetDriverStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, models.RoleDriver, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	available, err := s.Fleet.DriverAvailability(r.Context(), id)
	if err != nil {
		s.writeError(w, r, storageErr(err))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{DriverID: id, IsAvailable: available})
}

func (s *Server) handleSetDriverStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, models.RoleDriver, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body statusBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if err := s.Fleet.SetDriverAvailability(ctx, id, *body.IsAvailable); err != nil {
		s.writeError(w, r, storageErr(err))
		return
	}
	s.syncIndex(ctx, id, *body.IsAvailable)
	writeJSON(w, http.StatusOK, statusResponse{DriverID: id, IsAvailable: *body.IsAvailable})
}

func (s *Server) syncIndex(ctx context.Context, driverID int64, available bool) {
	if s.Index == nil {
		return
	}
	var err error
	if available {
		var loc models.Location
		if loc, err = s.Locations.Get(ctx, driverID, models.RoleDriver); err == nil {
			err = s.Index.Upsert(ctx, driverID, loc.Coord())
		}
	} else {
		err = s.Index.Remove(ctx, driverID)
	}
	if err != nil {
		s.logger.Warn("fleet_index_sync_failed", "driver_id", driverID, "available", available, "err", err)
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ride_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Rides.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeRide(r, ride, models.RoleRider, models.RoleDriver); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleTransition lets the assigned driver accept or complete a ride; either
// party may cancel it.
func (s *Server) handleTransition(to models.RideStatus) http.HandlerFunc {
	parties := []models.Role{models.RoleDriver}
	if to == models.RideStatusCancelled {
		parties = append(parties, models.RoleRider)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "ride_id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ride, err := s.Rides.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.authorizeRide(r, ride, parties...); err != nil {
			s.writeError(w, r, err)
			return
		}
		ride, err = s.Rides.Transition(r.Context(), id, to)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) authorizeRide(r *http.Request, ride *models.Ride, parties ...models.Role) error {
	if s.Auth == nil {
		return nil
	}
	for _, p := range parties {
		id := ride.RiderID
		if p == models.RoleDriver {
			id = ride.DriverID
		}
		if err := s.authorize(r, p, id); err == nil {
			return nil
		}
	}
	if auth.FromContext(r.Context()) == nil {
		return auth.ErrMissingToken
	}
	return auth.ErrForbidden
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.Fleet.ListDrivers(r.Context())
	if err != nil {
		s.writeError(w, r, storageErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": nonNil(drivers)})
}

func (s *Server) handleListRiders(w http.ResponseWriter, r *http.Request) {
	riders, err := s.Fleet.ListRiders(r.Context())
	if err != nil {
		s.writeError(w, r, storageErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"riders": nonNil(riders)})
}

// handleCandidates shows the ranked drivers a booking for this rider would consider.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cands, err := s.Matcher.Candidates(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rider_id": id, "candidates": nonNil(cands)})
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be 1..500", models.ErrBadRequest))
			return
		}
		limit = n
	}
	rides, err := s.Rides.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": nonNil(rides)})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Auth != nil {
		header := r.Header.Get("Authorization")
		if header == "" && r.URL.Query().Get("token") != "" {
			header = "Bearer " + r.URL.Query().Get("token")
		}
		claims, err := s.Auth.FromHeader(header)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !claims.CanActAs(models.RoleDriver, id) {
			s.writeError(w, r, auth.ErrForbidden)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "driver_id", id, "err", err)
		return
	}
	session := s.WSReg.Add(id, conn)
	s.logger.Info("driver_connected", "driver_id", id)
	defer func() {
		s.WSReg.Remove(id, session)
		_ = conn.Close()
		s.logger.Info("driver_disconnected", "driver_id", id)
	}()
	// Drain client frames so close and ping control messages are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// storageErr tags raw store errors so writeError maps them to 500, keeping
// ErrNotFound as is.
func storageErr(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrStorage, err)
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
