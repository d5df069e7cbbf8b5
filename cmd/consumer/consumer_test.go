package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/location"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

// fakeSink fails the first failMoves calls to Move.
type fakeSink struct {
	failMoves int
	calls     int
	last      models.Coord
}

func (f *fakeSink) Move(_ context.Context, _ int64, loc models.Coord) error {
	f.calls++
	if f.calls <= f.failMoves {
		return errors.New("geo fail")
	}
	f.last = loc
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeSink{failMoves: 2}
	ev := models.DriverLocationEvent{DriverID: 1, Loc: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, ev, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeSink{failMoves: 5}
	ev := models.DriverLocationEvent{DriverID: 1, Loc: models.Coord{Lat: 1, Lon: 2}}
	if err := updateRedisWithRetry(context.Background(), f, ev, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeSink{failMoves: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := updateRedisWithRetry(ctx, f, models.DriverLocationEvent{DriverID: 1}, 5, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.calls)
	}
}

func TestHandlePersistsAndIndexes(t *testing.T) {
	store := storage.NewMemoryStore()
	sink := &fakeSink{}
	h := &handler{
		store:    location.NewService(store, geo.Bengaluru()),
		index:    sink,
		attempts: 1,
		delay:    time.Millisecond,
		logger:   logging.Discard(),
	}
	msg := []byte(`{"driver_id":9,"location":"MG Road","loc":{"lat":12.975,"lon":77.606}}`)
	if err := h.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	loc, ok, err := store.GetLocation(context.Background(), 9, models.RoleDriver)
	if err != nil || !ok {
		t.Fatalf("driver not stored: ok=%v err=%v", ok, err)
	}
	if loc.Latitude != 12.975 || loc.Label != "MG Road" {
		t.Fatalf("unexpected stored location: %+v", loc)
	}
	if sink.last != (models.Coord{Lat: 12.975, Lon: 77.606}) {
		t.Fatalf("index not updated: %+v", sink.last)
	}
}

func TestHandleRejectsInvalid(t *testing.T) {
	sink := &fakeSink{}
	h := &handler{index: sink, attempts: 1, logger: logging.Discard()}
	for _, msg := range []string{`not json`, `{"driver_id":0,"loc":{"lat":1,"lon":1}}`, `{"driver_id":3,"loc":{"lat":91,"lon":1}}`} {
		if err := h.handle(context.Background(), []byte(msg)); err == nil {
			t.Fatalf("expected error for %s", msg)
		}
	}
	if sink.calls != 0 {
		t.Fatalf("invalid messages reached the index")
	}
}
