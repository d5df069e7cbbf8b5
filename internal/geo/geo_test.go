package geo

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-booking/internal/models"
)

func TestHaversineZero(t *testing.T) {
	p := models.Coord{Lat: 12.9716, Lon: 77.5946}
	if d := HaversineKm(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// MG Road to Koramangala, roughly 6 km apart.
	d := HaversineKm(models.Coord{Lat: 12.9716, Lon: 77.5946}, models.Coord{Lat: 12.9279, Lon: 77.6271})
	if d < 5.8 || d > 6.2 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func TestPlanarMilesMonotonic(t *testing.T) {
	rider := models.Coord{Lat: 12.95, Lon: 77.60}
	prev := -1.0
	for i := 0; i < 10; i++ {
		d := PlanarMiles(rider, models.Coord{Lat: 12.95 + float64(i)*0.01, Lon: 77.60 + float64(i)*0.01})
		if d <= prev {
			t.Fatalf("distance not increasing at step %d: %f <= %f", i, d, prev)
		}
		prev = d
	}
}

func TestRankSortedAndLimited(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	region := Bengaluru()
	cands := make([]models.Candidate, 20)
	for i := range cands {
		loc := region.Random(rng)
		cands[i] = models.Candidate{DriverID: int64(i + 1), Loc: loc.Coord()}
	}
	origin := models.Coord{Lat: 12.95, Lon: 77.6}
	got := Rank(origin, cands, 5)
	if len(got) != 5 {
		t.Fatalf("expected 5 candidates, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Distance < got[i-1].Distance {
			t.Fatalf("candidates not sorted at %d: %f < %f", i, got[i].Distance, got[i-1].Distance)
		}
	}
}

func TestRankTiesAreDeterministic(t *testing.T) {
	origin := models.Coord{Lat: 12.93, Lon: 77.61}
	same := models.Coord{Lat: 12.94, Lon: 77.62}
	first := Rank(origin, []models.Candidate{{DriverID: 9, Loc: same}, {DriverID: 3, Loc: same}, {DriverID: 5, Loc: same}}, 0)
	second := Rank(origin, []models.Candidate{{DriverID: 5, Loc: same}, {DriverID: 9, Loc: same}, {DriverID: 3, Loc: same}}, 0)
	for i := range first {
		if first[i].DriverID != second[i].DriverID {
			t.Fatalf("tie order depends on input order: %v vs %v", first, second)
		}
	}
}

func TestRankEmpty(t *testing.T) {
	if got := Rank(models.Coord{}, nil, 5); len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}
}

func TestRegionRandomWithinBounds(t *testing.T) {
	region := Bengaluru()
	rng := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 1000; i++ {
		loc := region.Random(rng)
		if !region.Contains(loc.Coord()) {
			t.Fatalf("sample %d out of region: %+v", i, loc)
		}
		if loc.Label == "" {
			t.Fatalf("sample %d has no label", i)
		}
		if math.Round(loc.Latitude*1e6)/1e6 != loc.Latitude {
			t.Fatalf("latitude not rounded to 6 decimals: %v", loc.Latitude)
		}
	}
}

func TestRedisGeoNearby(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set; skipping redis geo test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	key := "test:drivers_geo"
	t.Cleanup(func() { client.Del(ctx, key) })

	g := NewRedisGeo(client, key, 50)
	if err := g.Upsert(ctx, 1, models.Coord{Lat: 12.99, Lon: 77.70}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := g.Upsert(ctx, 2, models.Coord{Lat: 12.93, Lon: 77.61}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := g.Upsert(ctx, 3, models.Coord{Lat: 12.94, Lon: 77.62}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := g.Remove(ctx, 3); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, err := g.Nearby(ctx, models.Coord{Lat: 12.93, Lon: 77.61}, 5)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 || got[0].DriverID != 2 || got[1].DriverID != 1 {
		t.Fatalf("unexpected candidates: %+v", got)
	}
}
