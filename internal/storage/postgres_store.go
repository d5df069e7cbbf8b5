package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-booking/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate executes a schema script. Scripts are expected to be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

// table returns the fixed table and key column for a role; never user input.
func table(role models.Role) (string, string, error) {
	switch role {
	case models.RoleRider:
		return "rider", "rider_id", nil
	case models.RoleDriver:
		return "driver", "driver_id", nil
	}
	return "", "", models.ErrBadRequest
}

func (p *PostgresStore) GetLocation(ctx context.Context, id int64, role models.Role) (models.Location, bool, error) {
	tbl, col, err := table(role)
	if err != nil {
		return models.Location{}, false, err
	}
	var loc models.Location
	q := fmt.Sprintf(`SELECT latitude, longitude, location_label FROM %s WHERE %s = $1`, tbl, col)
	err = p.db.QueryRowContext(ctx, q, id).Scan(&loc.Latitude, &loc.Longitude, &loc.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Location{}, false, nil
	}
	if err != nil {
		return models.Location{}, false, err
	}
	return loc, true, nil
}

func (p *PostgresStore) SeedLocation(ctx context.Context, id int64, role models.Role, loc models.Location) (models.Location, error) {
	tbl, col, err := table(role)
	if err != nil {
		return models.Location{}, err
	}
	ins := fmt.Sprintf(`INSERT INTO %s (%s, latitude, longitude, location_label) VALUES ($1, $2, $3, $4) ON CONFLICT (%s) DO NOTHING`, tbl, col, col)
	if _, err := p.db.ExecContext(ctx, ins, id, loc.Latitude, loc.Longitude, loc.Label); err != nil {
		return models.Location{}, err
	}
	stored, ok, err := p.GetLocation(ctx, id, role)
	if err != nil {
		return models.Location{}, err
	}
	if !ok {
		return models.Location{}, fmt.Errorf("seeded %s %d vanished", role, id)
	}
	return stored, nil
}

func (p *PostgresStore) SetLocation(ctx context.Context, id int64, role models.Role, loc models.Location) error {
	tbl, col, err := table(role)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s, latitude, longitude, location_label) VALUES ($1, $2, $3, $4)
ON CONFLICT (%s) DO UPDATE SET latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
location_label = EXCLUDED.location_label, updated_at = NOW()`, tbl, col, col)
	_, err = p.db.ExecContext(ctx, q, id, loc.Latitude, loc.Longitude, loc.Label)
	return err
}

// The distance expression must stay in step with geo.PlanarMiles.
const nearestSQL = `
SELECT driver_id, latitude, longitude,
       SQRT(POW(69.1 * (latitude - $1), 2) + POW(69.1 * ($2 - longitude) * COS(latitude / 57.3), 2)) AS distance
FROM driver
WHERE is_available
ORDER BY distance ASC, driver_id ASC
LIMIT $3`

func (p *PostgresStore) NearestAvailableDrivers(ctx context.Context, origin models.Coord, limit int) ([]models.Candidate, error) {
	rows, err := p.db.QueryContext(ctx, nearestSQL, origin.Lat, origin.Lon, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Candidate
	for rows.Next() {
		var c models.Candidate
		if err := rows.Scan(&c.DriverID, &c.Loc.Lat, &c.Loc.Lon, &c.Distance); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DriverAvailability(ctx context.Context, driverID int64) (bool, error) {
	var available bool
	err := p.db.QueryRowContext(ctx, `SELECT is_available FROM driver WHERE driver_id = $1`, driverID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return false, models.ErrNotFound
	}
	return available, err
}

func (p *PostgresStore) SetDriverAvailability(ctx context.Context, driverID int64, available bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE driver SET is_available = $1, updated_at = NOW() WHERE driver_id = $2`, available, driverID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) ListDrivers(ctx context.Context) ([]models.DriverProfile, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, latitude, longitude, location_label, is_available FROM driver ORDER BY driver_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DriverProfile
	for rows.Next() {
		var d models.DriverProfile
		if err := rows.Scan(&d.ID, &d.Location.Latitude, &d.Location.Longitude, &d.Location.Label, &d.IsAvailable); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListRiders(ctx context.Context) ([]models.RiderProfile, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT r.rider_id, r.latitude, r.longitude, r.location_label,
       (SELECT COUNT(*) FROM rides WHERE rides.rider_id = r.rider_id)
FROM rider r ORDER BY r.rider_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RiderProfile
	for rows.Next() {
		var r models.RiderProfile
		if err := rows.Scan(&r.ID, &r.Location.Latitude, &r.Location.Longitude, &r.Location.Label, &r.TripCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreatePendingRide serialises bookings per rider with a transaction-scoped
// advisory lock; the partial unique index on pending rides is the backstop.
func (p *PostgresStore) CreatePendingRide(ctx context.Context, r *models.Ride) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, r.RiderID); err != nil {
		return err
	}
	var pending bool
	err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE rider_id = $1 AND status = 'pending')`, r.RiderID).Scan(&pending)
	if err != nil {
		return err
	}
	if pending {
		return models.ErrDuplicatePendingRide
	}

	err = tx.QueryRowContext(ctx, `
INSERT INTO rides (rider_id, driver_id, pickup_location, dropoff_location, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, fare, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
RETURNING ride_id, created_at, updated_at`,
		r.RiderID, r.DriverID, r.PickupLocation, r.DropoffLocation,
		latOf(r.Pickup), lonOf(r.Pickup), latOf(r.Dropoff), lonOf(r.Dropoff), r.Fare,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.ErrDuplicatePendingRide
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.Status = models.RideStatusPending
	return nil
}

const rideColumns = `ride_id, rider_id, driver_id, pickup_location, dropoff_location,
pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, fare, status, COALESCE(payment_intent_id, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                      models.Ride
		pLat, pLon, dLat, dLon sql.NullFloat64
		status                 string
	)
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.PickupLocation, &r.DropoffLocation,
		&pLat, &pLon, &dLat, &dLon, &r.Fare, &status, &r.PaymentIntentID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	if pLat.Valid && pLon.Valid {
		r.Pickup = &models.Coord{Lat: pLat.Float64, Lon: pLon.Float64}
	}
	if dLat.Valid && dLon.Valid {
		r.Dropoff = &models.Coord{Lat: dLat.Float64, Lon: dLon.Float64}
	}
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id int64) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE ride_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id int64, from, to models.RideStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status = $1, updated_at = NOW() WHERE ride_id = $2 AND status = $3`, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE ride_id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, models.ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) SetPaymentIntent(ctx context.Context, id int64, intentID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET payment_intent_id = $1, updated_at = NOW() WHERE ride_id = $2`, intentID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) ListRides(ctx context.Context, limit int) ([]*models.Ride, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides ORDER BY created_at DESC, ride_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func latOf(c *models.Coord) any {
	if c == nil {
		return nil
	}
	return c.Lat
}

func lonOf(c *models.Coord) any {
	if c == nil {
		return nil
	}
	return c.Lon
}
