package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-booking/internal/models"
)

type memWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (m *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *memWriter) Close() error {
	m.closed = true
	return nil
}

func TestPublishLocationRoundTrip(t *testing.T) {
	locs, rides := &memWriter{}, &memWriter{}
	p := NewProducerWithWriters(locs, rides)
	ev := models.DriverLocationEvent{DriverID: 7, Label: "Hebbal", Loc: models.Coord{Lat: 13.03, Lon: 77.59}}
	if err := p.PublishLocation(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(locs.msgs) != 1 || len(rides.msgs) != 0 {
		t.Fatalf("message on wrong writer: %d %d", len(locs.msgs), len(rides.msgs))
	}
	if string(locs.msgs[0].Key) != "7" {
		t.Fatalf("expected key 7, got %q", locs.msgs[0].Key)
	}
	got, err := DecodeLocation(locs.msgs[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DriverID != 7 || got.Loc != ev.Loc || got.Sent.IsZero() {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestPublishRideBooked(t *testing.T) {
	rides := &memWriter{}
	p := NewProducerWithWriters(&memWriter{}, rides)
	if err := p.PublishRideBooked(context.Background(), RideBookedEvent{RideID: 3, RiderID: 42, DriverID: 7, Fare: 150}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var ev RideBookedEvent
	if err := json.Unmarshal(rides.msgs[0].Value, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventRideBooked || ev.RideID != 3 || ev.DriverID != 7 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if err := p.Close(); err != nil || !rides.closed {
		t.Fatalf("close: %v closed=%v", err, rides.closed)
	}
}

func TestDecodeLocationRejectsBadInput(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"driver_id":0,"loc":{"lat":1,"lon":2}}`,
		`{"driver_id":5,"loc":{"lat":95,"lon":2}}`,
	} {
		if _, err := DecodeLocation([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestWriterFlushesPromptly(t *testing.T) {
	w := newWriter([]string{"localhost:9092"}, "ride-events")
	defer w.Close()
	if w.BatchTimeout <= 0 || w.BatchTimeout > 50*time.Millisecond {
		t.Fatalf("single writes would wait for the batch window: %v", w.BatchTimeout)
	}
	if w.Topic != "ride-events" {
		t.Fatalf("unexpected topic %q", w.Topic)
	}
}
