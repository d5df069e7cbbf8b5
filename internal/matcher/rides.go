package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/storage"
)

// RideService moves rides through pending -> accepted -> completed, or
// pending -> cancelled, settling the fare hold on the way.
type RideService struct {
	Store    storage.RideStore
	Payments payments.Processor
	Logger   *slog.Logger
}

func (s *RideService) Get(ctx context.Context, id int64) (*models.Ride, error) {
	r, err := s.Store.GetRide(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("ride %d: %w", id, err)
		}
		return nil, fmt.Errorf("%w: get ride %d: %w", models.ErrStorage, id, err)
	}
	return r, nil
}

func (s *RideService) List(ctx context.Context, limit int) ([]*models.Ride, error) {
	rides, err := s.Store.ListRides(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list rides: %w", models.ErrStorage, err)
	}
	return rides, nil
}

// Transition applies to against the ride's live status. A concurrent change
// between the read and the write surfaces as ErrInvalidTransition.
func (s *RideService) Transition(ctx context.Context, id int64, to models.RideStatus) (*models.Ride, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(r.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, r.Status, to)
	}
	ok, err := s.Store.TransitionRide(ctx, id, r.Status, to)
	if err != nil {
		return nil, fmt.Errorf("%w: transition ride %d: %w", models.ErrStorage, id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: ride %d changed concurrently", models.ErrInvalidTransition, id)
	}
	from := r.Status
	r.Status = to
	observability.RideTransitionsTotal.WithLabelValues(string(to)).Inc()

	log := s.logger().With("ride_id", id, "from", from, "to", to)
	log.Info("ride_transition")
	s.settle(ctx, log, r)
	return r, nil
}

func (s *RideService) settle(ctx context.Context, log *slog.Logger, r *models.Ride) {
	if s.Payments == nil || r.PaymentIntentID == "" {
		return
	}
	var err error
	switch r.Status {
	case models.RideStatusCompleted:
		err = s.Payments.Capture(ctx, r.PaymentIntentID)
	case models.RideStatusCancelled:
		err = s.Payments.Cancel(ctx, r.PaymentIntentID)
	default:
		return
	}
	if err != nil {
		observability.PostCommitFailures.WithLabelValues("payment_settle").Inc()
		log.Warn("payment_settle_failed", "payment_intent_id", r.PaymentIntentID, "err", err)
	}
}

func (s *RideService) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
