// Package dispatch tells an assigned driver about a new ride.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-booking/internal/models"
)

var ErrNoSession = errors.New("no ws session")

type Notifier interface {
	Offer(ctx context.Context, driverID int64, offer models.RideOffer) error
}

// Fanout tries each notifier in order and stops at the first that delivers.
type Fanout struct {
	Notifiers []Notifier
	Logger    *slog.Logger
}

func NewFanout(logger *slog.Logger, notifiers ...Notifier) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	var ns []Notifier
	for _, n := range notifiers {
		if n != nil {
			ns = append(ns, n)
		}
	}
	return &Fanout{Notifiers: ns, Logger: logger}
}

func (f *Fanout) Offer(ctx context.Context, driverID int64, offer models.RideOffer) error {
	var errs []error
	for _, n := range f.Notifiers {
		err := n.Offer(ctx, driverID, offer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			f.Logger.Debug("dispatch_attempt_failed", "driver_id", driverID, "ride_id", offer.RideID, "err", err)
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}
