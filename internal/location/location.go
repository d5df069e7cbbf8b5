// Package location resolves and updates the stored position of riders and
// drivers, generating a random position inside the service region for
// entities that have never reported one.
package location

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/storage"
)

// Sampler draws a location inside a region.
type Sampler func(geo.Region) models.Location

// Mirror is notified of driver position changes, e.g. the Redis GEO index.
type Mirror interface {
	Move(ctx context.Context, driverID int64, loc models.Coord) error
}

type Service struct {
	store  storage.LocationStore
	region geo.Region
	sample Sampler
	mirror Mirror
	logger *slog.Logger
}

type Option func(*Service)

func WithSampler(s Sampler) Option { return func(svc *Service) { svc.sample = s } }

func WithMirror(m Mirror) Option { return func(svc *Service) { svc.mirror = m } }

func WithLogger(l *slog.Logger) Option { return func(svc *Service) { svc.logger = l } }

func NewService(store storage.LocationStore, region geo.Region, opts ...Option) *Service {
	s := &Service{
		store:  store,
		region: region,
		sample: func(r geo.Region) models.Location { return r.Random(nil) },
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewSeededSampler returns a deterministic sampler for reproducible runs.
func NewSeededSampler(seed uint64) Sampler {
	rng := rand.New(rand.NewPCG(seed, seed))
	var mu sync.Mutex
	return func(r geo.Region) models.Location {
		mu.Lock()
		defer mu.Unlock()
		return r.Random(rng)
	}
}

// Get returns the stored location, seeding one on first access.
func (s *Service) Get(ctx context.Context, id int64, role models.Role) (models.Location, error) {
	if !role.Valid() {
		return models.Location{}, fmt.Errorf("%w: role %q", models.ErrBadRequest, role)
	}
	loc, ok, err := s.store.GetLocation(ctx, id, role)
	if err != nil {
		return models.Location{}, fmt.Errorf("%w: get %s %d: %w", models.ErrStorage, role, id, err)
	}
	if ok {
		return loc, nil
	}

	loc, err = s.store.SeedLocation(ctx, id, role, s.sample(s.region))
	if err != nil {
		return models.Location{}, fmt.Errorf("%w: seed %s %d: %w", models.ErrStorage, role, id, err)
	}
	observability.LocationSeedsTotal.WithLabelValues(string(role)).Inc()
	s.logger.Debug("location_seeded", "role", role, "id", id, "label", loc.Label)
	s.mirrorDriver(ctx, id, role, loc)
	return loc, nil
}

// Set overwrites the stored position.
func (s *Service) Set(ctx context.Context, id int64, role models.Role, loc models.Location) error {
	if !role.Valid() {
		return fmt.Errorf("%w: role %q", models.ErrBadRequest, role)
	}
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return fmt.Errorf("%w: coordinates out of range", models.ErrBadRequest)
	}
	if err := s.store.SetLocation(ctx, id, role, loc); err != nil {
		return fmt.Errorf("%w: set %s %d: %w", models.ErrStorage, role, id, err)
	}
	s.mirrorDriver(ctx, id, role, loc)
	return nil
}

// Refresh moves the entity to a fresh random position inside the region.
func (s *Service) Refresh(ctx context.Context, id int64, role models.Role) (models.Location, error) {
	loc := s.sample(s.region)
	if err := s.Set(ctx, id, role, loc); err != nil {
		return models.Location{}, err
	}
	return loc, nil
}

func (s *Service) mirrorDriver(ctx context.Context, id int64, role models.Role, loc models.Location) {
	if s.mirror == nil || role != models.RoleDriver {
		return
	}
	if err := s.mirror.Move(ctx, id, loc.Coord()); err != nil {
		s.logger.Warn("driver_mirror_failed", "driver_id", id, "err", err)
	}
}
