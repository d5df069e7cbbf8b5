package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-booking/internal/models"
)

// WebhookDispatcher posts offers to a driver-app backend.
type WebhookDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookDispatcher(endpoint string) *WebhookDispatcher {
	return &WebhookDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

type webhookPayload struct {
	DriverID int64            `json:"driver_id"`
	Offer    models.RideOffer `json:"offer"`
}

func (w *WebhookDispatcher) Offer(ctx context.Context, driverID int64, offer models.RideOffer) error {
	b, err := json.Marshal(webhookPayload{DriverID: driverID, Offer: offer})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
