// Package payments holds the fare on the rider's card when a ride is booked
// and settles it when the ride completes or is cancelled.
package payments

import (
	"context"
	"fmt"
	"math"
	"strconv"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-booking/internal/models"
)

// Processor is the fare hold lifecycle used by the matcher.
type Processor interface {
	Hold(ctx context.Context, ride *models.Ride) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	pi       *paymentintent.Client
	currency string
}

func NewStripeClient(apiKey, currency string) *StripeClient {
	return NewStripeClientWithBackend(apiKey, currency, stripe.GetBackend(stripe.APIBackend))
}

// NewStripeClientWithBackend lets tests point the client at a fake API.
func NewStripeClientWithBackend(apiKey, currency string, backend stripe.Backend) *StripeClient {
	if currency == "" {
		currency = "inr"
	}
	return &StripeClient{pi: &paymentintent.Client{B: backend, Key: apiKey}, currency: currency}
}

// ToMinorUnits converts a two-decimal fare into the smallest currency unit.
func ToMinorUnits(fare float64) int64 {
	return int64(math.Round(fare * 100))
}

// Hold creates a PaymentIntent with capture_method=manual to hold the ride's
// fare. It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, ride *models.Ride) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ToMinorUnits(ride.Fare)),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", strconv.FormatInt(ride.ID, 10))
	params.SetIdempotencyKey(holdKey(ride))
	pi, err := s.pi.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// holdKey includes the booking time because ride ids restart with a fresh
// in-memory store while Stripe remembers keys for a day.
func holdKey(ride *models.Ride) string {
	return fmt.Sprintf("ride-%d-%d-hold", ride.ID, ride.CreatedAt.UnixNano())
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.pi.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.pi.Cancel(paymentIntentID, params)
	return err
}
