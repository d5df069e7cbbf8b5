package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-booking/internal/models"
)

// RedisGeo mirrors the positions of available drivers into a Redis GEO set so
// candidate lookups do not have to scan the driver table.
type RedisGeo struct {
	client   *redis.Client
	key      string
	radiusKm float64
}

func NewRedisGeo(client *redis.Client, key string, radiusKm float64) *RedisGeo {
	if radiusKm <= 0 {
		radiusKm = 50
	}
	return &RedisGeo{client: client, key: key, radiusKm: radiusKm}
}

// Upsert records an available driver at loc.
func (r *RedisGeo) Upsert(ctx context.Context, driverID int64, loc models.Coord) error {
	name := member(driverID)
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: name})
	pipe.HSet(ctx, metaKey(name), map[string]interface{}{"available": "true", "updated": time.Now().UTC().Format(time.RFC3339)})
	_, err := pipe.Exec(ctx)
	return err
}

// Move updates a driver's position without changing availability. Drivers
// marked unavailable stay out of the set.
func (r *RedisGeo) Move(ctx context.Context, driverID int64, loc models.Coord) error {
	name := member(driverID)
	avail, err := r.client.HGet(ctx, metaKey(name), "available").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if avail == "false" {
		return nil
	}
	return r.Upsert(ctx, driverID, loc)
}

// Remove drops a driver from the candidate set, e.g. when they go unavailable.
func (r *RedisGeo) Remove(ctx context.Context, driverID int64) error {
	name := member(driverID)
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, name)
	pipe.HSet(ctx, metaKey(name), map[string]interface{}{"available": "false", "updated": time.Now().UTC().Format(time.RFC3339)})
	_, err := pipe.Exec(ctx)
	return err
}

// Nearby fetches a superset of the closest drivers by Redis' own distance and
// re-ranks them with PlanarMiles so ordering matches the SQL-backed source.
func (r *RedisGeo) Nearby(ctx context.Context, origin models.Coord, limit int) ([]models.Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     r.radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit * 4,
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, models.Candidate{DriverID: id, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}})
	}
	return Rank(origin, out, limit), nil
}

func member(driverID int64) string { return strconv.FormatInt(driverID, 10) }

func metaKey(name string) string { return fmt.Sprintf("driver:meta:%s", name) }
