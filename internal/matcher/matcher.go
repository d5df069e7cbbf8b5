package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/storage"
)

const (
	DefaultTopN       = 5
	customPickupLabel = "Custom Pickup"
	DefaultFollowUpTimeout = 3 * time.Second
)

// Locator resolves the current position of a rider or driver.
type Locator interface {
	Get(ctx context.Context, id int64, role models.Role) (models.Location, error)
}

// Geo returns available drivers nearest to origin, ranked.
type Geo interface {
	Nearby(ctx context.Context, origin models.Coord, limit int) ([]models.Candidate, error)
}

type Dispatcher interface {
	Offer(ctx context.Context, driverID int64, offer models.RideOffer) error
}

type Publisher interface {
	PublishRideBooked(ctx context.Context, ev ingest.RideBookedEvent) error
}

// StoreGeo ranks candidates straight from the fleet store.
type StoreGeo struct {
	Fleet storage.FleetStore
}

func (g StoreGeo) Nearby(ctx context.Context, origin models.Coord, limit int) ([]models.Candidate, error) {
	return g.Fleet.NearestAvailableDrivers(ctx, origin, limit)
}

// Service allocates the nearest available driver to a rider and records the
// ride. Dispatch, Events, Payments and ETA are optional.
type Service struct {
	Locations Locator
	Geo       Geo
	Store     storage.RideStore
	Dispatch  Dispatcher
	Events    Publisher
	Payments  payments.Processor
	ETA       eta.Estimator
	Fares     *FareSchedule // nil charges DefaultFares
	TopN      int
	Logger    *slog.Logger

	// FollowUpTimeout bounds the post-commit steps together; zero means
	// DefaultFollowUpTimeout.
	FollowUpTimeout time.Duration
}

func (s *Service) topN() int {
	if s.TopN <= 0 {
		return DefaultTopN
	}
	return s.TopN
}

func (s *Service) fares() FareSchedule {
	if s.Fares == nil {
		return DefaultFares()
	}
	return *s.Fares
}

func (s *Service) followUpTimeout() time.Duration {
	if s.FollowUpTimeout <= 0 {
		return DefaultFollowUpTimeout
	}
	return s.FollowUpTimeout
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Candidates returns the ranked candidate list for a rider without booking.
func (s *Service) Candidates(ctx context.Context, riderID int64) ([]models.Candidate, error) {
	loc, err := s.Locations.Get(ctx, riderID, models.RoleRider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrRiderLocationUnavailable, err)
	}
	cands, err := s.Geo.Nearby(ctx, loc.Coord(), s.topN())
	if err != nil {
		return nil, fmt.Errorf("%w: rank drivers: %w", models.ErrStorage, err)
	}
	return cands, nil
}

// RequestRide assigns the nearest available driver and persists a pending
// ride. A rider may hold at most one pending ride.
func (s *Service) RequestRide(ctx context.Context, req models.BookingRequest) (*models.Booking, error) {
	start := time.Now()
	b, err := s.book(ctx, req)
	observability.BookingLatency.Observe(time.Since(start).Seconds())
	outcome := outcomeOf(err)
	observability.BookingsTotal.WithLabelValues(outcome).Inc()

	log := s.logger().With("rider_id", req.RiderID, "outcome", outcome)
	if err != nil {
		if outcome == observability.OutcomeError {
			log.Error("ride_request_failed", "err", err)
		} else {
			log.Warn("ride_request_rejected", "err", err)
		}
		return nil, err
	}
	log.Info("ride_booked", "ride_id", b.RideID, "driver_id", b.DriverID, "fare", b.Fare)
	return b, nil
}

func (s *Service) book(ctx context.Context, req models.BookingRequest) (*models.Booking, error) {
	riderLoc, err := s.Locations.Get(ctx, req.RiderID, models.RoleRider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrRiderLocationUnavailable, err)
	}
	origin := riderLoc.Coord()

	cands, err := s.Geo.Nearby(ctx, origin, s.topN())
	if err != nil {
		return nil, fmt.Errorf("%w: rank drivers: %w", models.ErrStorage, err)
	}
	observability.CandidatesConsidered.Observe(float64(len(cands)))
	if len(cands) == 0 {
		return nil, models.ErrNoDriversAvailable
	}
	chosen := cands[0]

	pickup, pickupLabel := origin, riderLoc.Label
	if p := coordOf(req.PickupLat, req.PickupLng); p != nil {
		pickup, pickupLabel = *p, customPickupLabel
	}
	dest := coordOf(req.DestinationLat, req.DestinationLng)

	ride := &models.Ride{
		RiderID:         req.RiderID,
		DriverID:        chosen.DriverID,
		PickupLocation:  pickupLabel,
		DropoffLocation: req.Destination,
		Pickup:          &pickup,
		Dropoff:         dest,
		Fare:            s.fares().Quote(&pickup, dest),
	}
	if err := s.Store.CreatePendingRide(ctx, ride); err != nil {
		if errors.Is(err, models.ErrDuplicatePendingRide) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrPersistFailure, err)
	}

	b := &models.Booking{
		RideID:      ride.ID,
		DriverID:    ride.DriverID,
		Fare:        ride.Fare,
		Status:      ride.Status,
		Destination: ride.DropoffLocation,
	}
	s.afterCommit(ctx, ride, chosen, b)
	return b, nil
}

// afterCommit runs the best-effort follow-ups. Failures are logged and
// counted but never undo the booking.
func (s *Service) afterCommit(ctx context.Context, ride *models.Ride, chosen models.Candidate, b *models.Booking) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.followUpTimeout())
	defer cancel()
	log := s.logger().With("ride_id", ride.ID, "driver_id", ride.DriverID)

	if s.ETA != nil {
		if v, err := s.ETA.EstimateSeconds(ctx, chosen.Loc, *ride.Pickup); err != nil {
			s.postCommitFailed(log, "eta", err)
		} else {
			b.ETASeconds = v
		}
	}
	if s.Dispatch != nil {
		offer := models.RideOffer{
			RideID:      ride.ID,
			RiderID:     ride.RiderID,
			Pickup:      *ride.Pickup,
			Destination: ride.DropoffLocation,
			Fare:        ride.Fare,
			ETA:         b.ETASeconds,
		}
		if err := s.Dispatch.Offer(ctx, ride.DriverID, offer); err != nil {
			s.postCommitFailed(log, "dispatch", err)
		}
	}
	if s.Events != nil {
		ev := ingest.RideBookedEvent{
			RideID:      ride.ID,
			RiderID:     ride.RiderID,
			DriverID:    ride.DriverID,
			Destination: ride.DropoffLocation,
			Fare:        ride.Fare,
			BookedAt:    ride.CreatedAt,
		}
		if err := s.Events.PublishRideBooked(ctx, ev); err != nil {
			s.postCommitFailed(log, "publish", err)
		}
	}
	if s.Payments != nil {
		intent, err := s.Payments.Hold(ctx, ride)
		if err != nil {
			s.postCommitFailed(log, "payment_hold", err)
			return
		}
		if err := s.Store.SetPaymentIntent(ctx, ride.ID, intent); err != nil {
			s.postCommitFailed(log, "payment_record", err)
		}
	}
}

func (s *Service) postCommitFailed(log *slog.Logger, step string, err error) {
	observability.PostCommitFailures.WithLabelValues(step).Inc()
	log.Warn("post_commit_step_failed", "step", step, "err", err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeBooked
	case errors.Is(err, models.ErrNoDriversAvailable):
		return observability.OutcomeNoDrivers
	case errors.Is(err, models.ErrDuplicatePendingRide):
		return observability.OutcomeDuplicate
	case errors.Is(err, models.ErrRiderLocationUnavailable):
		return observability.OutcomeRiderUnavailable
	default:
		return observability.OutcomeError
	}
}

func coordOf(lat, lon *float64) *models.Coord {
	if lat == nil || lon == nil {
		return nil
	}
	return &models.Coord{Lat: *lat, Lon: *lon}
}
