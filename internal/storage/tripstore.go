package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
)

// LocationStore persists the current position of riders and drivers.
type LocationStore interface {
	// GetLocation reports ok=false when the entity has no row yet.
	GetLocation(ctx context.Context, id int64, role models.Role) (loc models.Location, ok bool, err error)
	// SeedLocation inserts loc only if the entity has no row and returns
	// whatever is stored afterwards, so concurrent seeds agree on one value.
	SeedLocation(ctx context.Context, id int64, role models.Role, loc models.Location) (models.Location, error)
	SetLocation(ctx context.Context, id int64, role models.Role, loc models.Location) error
}

// FleetStore answers driver availability and ranking queries.
type FleetStore interface {
	NearestAvailableDrivers(ctx context.Context, origin models.Coord, limit int) ([]models.Candidate, error)
	DriverAvailability(ctx context.Context, driverID int64) (bool, error)
	SetDriverAvailability(ctx context.Context, driverID int64, available bool) error
	ListDrivers(ctx context.Context) ([]models.DriverProfile, error)
	ListRiders(ctx context.Context) ([]models.RiderProfile, error)
}

// RideStore is the ride ledger.
type RideStore interface {
	// CreatePendingRide inserts r as pending unless the rider already has a
	// pending ride, in which case it returns models.ErrDuplicatePendingRide.
	// The check and the insert are a single atomic step. On success r.ID and
	// r.CreatedAt are filled in.
	CreatePendingRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id int64) (*models.Ride, error)
	// TransitionRide moves a ride from one status to another and reports
	// false when the live status no longer equals from.
	TransitionRide(ctx context.Context, id int64, from, to models.RideStatus) (bool, error)
	SetPaymentIntent(ctx context.Context, id int64, intentID string) error
	ListRides(ctx context.Context, limit int) ([]*models.Ride, error)
}

type Store interface {
	LocationStore
	FleetStore
	RideStore
}

// MemoryStore keeps everything behind one mutex. It is the default when no
// Postgres DSN is configured and the backing store for most tests.
type MemoryStore struct {
	mu       sync.RWMutex
	riders   map[int64]models.RiderProfile
	drivers  map[int64]models.DriverProfile
	rides    map[int64]*models.Ride
	lastRide int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		riders:  make(map[int64]models.RiderProfile),
		drivers: make(map[int64]models.DriverProfile),
		rides:   make(map[int64]*models.Ride),
	}
}

func (m *MemoryStore) GetLocation(_ context.Context, id int64, role models.Role) (models.Location, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch role {
	case models.RoleRider:
		r, ok := m.riders[id]
		return r.Location, ok, nil
	case models.RoleDriver:
		d, ok := m.drivers[id]
		return d.Location, ok, nil
	}
	return models.Location{}, false, models.ErrBadRequest
}

func (m *MemoryStore) SeedLocation(_ context.Context, id int64, role models.Role, loc models.Location) (models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch role {
	case models.RoleRider:
		if r, ok := m.riders[id]; ok {
			return r.Location, nil
		}
		m.riders[id] = models.RiderProfile{ID: id, Location: loc}
		return loc, nil
	case models.RoleDriver:
		if d, ok := m.drivers[id]; ok {
			return d.Location, nil
		}
		m.drivers[id] = models.DriverProfile{ID: id, Location: loc, IsAvailable: true}
		return loc, nil
	}
	return models.Location{}, models.ErrBadRequest
}

func (m *MemoryStore) SetLocation(_ context.Context, id int64, role models.Role, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch role {
	case models.RoleRider:
		r := m.riders[id]
		r.ID, r.Location = id, loc
		m.riders[id] = r
		return nil
	case models.RoleDriver:
		d, ok := m.drivers[id]
		if !ok {
			d.IsAvailable = true
		}
		d.ID, d.Location = id, loc
		m.drivers[id] = d
		return nil
	}
	return models.ErrBadRequest
}

func (m *MemoryStore) NearestAvailableDrivers(_ context.Context, origin models.Coord, limit int) ([]models.Candidate, error) {
	m.mu.RLock()
	cands := make([]models.Candidate, 0, len(m.drivers))
	for _, d := range m.drivers {
		if !d.IsAvailable {
			continue
		}
		cands = append(cands, models.Candidate{DriverID: d.ID, Loc: d.Location.Coord()})
	}
	m.mu.RUnlock()
	return geo.Rank(origin, cands, limit), nil
}

func (m *MemoryStore) DriverAvailability(_ context.Context, driverID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return false, models.ErrNotFound
	}
	return d.IsAvailable, nil
}

func (m *MemoryStore) SetDriverAvailability(_ context.Context, driverID int64, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.ErrNotFound
	}
	d.IsAvailable = available
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) ListDrivers(_ context.Context) ([]models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverProfile, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListRiders(_ context.Context) ([]models.RiderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trips := make(map[int64]int, len(m.riders))
	for _, r := range m.rides {
		trips[r.RiderID]++
	}
	out := make([]models.RiderProfile, 0, len(m.riders))
	for _, r := range m.riders {
		r.TripCount = trips[r.ID]
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreatePendingRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rides {
		if existing.RiderID == r.RiderID && existing.Status == models.RideStatusPending {
			return models.ErrDuplicatePendingRide
		}
	}
	m.lastRide++
	now := time.Now().UTC()
	r.ID = m.lastRide
	r.Status = models.RideStatusPending
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id int64) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, id int64, from, to models.RideStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) SetPaymentIntent(_ context.Context, id int64, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return models.ErrNotFound
	}
	r.PaymentIntentID = intentID
	return nil
}

func (m *MemoryStore) ListRides(_ context.Context, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0, len(m.rides))
	for _, r := range m.rides {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
