package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Role selects which profile table a location belongs to.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleRider || r == RoleDriver
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"location"`
}

func (l Location) Coord() Coord { return Coord{Lat: l.Latitude, Lon: l.Longitude} }

type RiderProfile struct {
	ID        int64    `json:"rider_id"`
	Location  Location `json:"current_location"`
	TripCount int      `json:"trip_count"`
}

type DriverProfile struct {
	ID          int64    `json:"driver_id"`
	Location    Location `json:"current_location"`
	IsAvailable bool     `json:"is_available"`
}

// Candidate is an available driver ranked against a rider position.
type Candidate struct {
	DriverID int64   `json:"driver_id"`
	Loc      Coord   `json:"loc"`
	Distance float64 `json:"distance"` // planar miles, ranking only
}

type RideStatus string

const (
	RideStatusPending   RideStatus = "pending"
	RideStatusAccepted  RideStatus = "accepted"
	RideStatusCompleted RideStatus = "completed"
	RideStatusCancelled RideStatus = "cancelled"
)

var allowedTransitions = map[RideStatus][]RideStatus{
	RideStatusPending:  {RideStatusAccepted, RideStatusCancelled},
	RideStatusAccepted: {RideStatusCompleted},
}

func CanTransition(from, to RideStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Ride struct {
	ID              int64      `json:"ride_id"`
	RiderID         int64      `json:"rider_id"`
	DriverID        int64      `json:"driver_id"`
	PickupLocation  string     `json:"pickup_location"`
	DropoffLocation string     `json:"dropoff_location"`
	Pickup          *Coord     `json:"pickup,omitempty"`
	Dropoff         *Coord     `json:"dropoff,omitempty"`
	Fare            float64    `json:"fare"`
	Status          RideStatus `json:"status"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// BookingRequest is a rider asking for a ride to a named destination.
// Coordinates are optional; nil fields fall back to stored positions or the default fare.
type BookingRequest struct {
	RiderID        int64
	Destination    string
	PickupLat      *float64
	PickupLng      *float64
	DestinationLat *float64
	DestinationLng *float64
}

type Booking struct {
	RideID      int64      `json:"ride_id"`
	DriverID    int64      `json:"driver_id"`
	Fare        float64    `json:"fare"`
	Status      RideStatus `json:"status"`
	Destination string     `json:"destination"`
	ETASeconds  float64    `json:"eta_seconds"`
}

// RideOffer is pushed to the assigned driver once a booking commits.
type RideOffer struct {
	RideID      int64   `json:"ride_id"`
	RiderID     int64   `json:"rider_id"`
	Pickup      Coord   `json:"pickup"`
	Destination string  `json:"destination"`
	Fare        float64 `json:"fare"`
	ETA         float64 `json:"eta_seconds"`
}

// DriverLocationEvent travels over Kafka from the ingest endpoint to the consumer.
type DriverLocationEvent struct {
	DriverID int64     `json:"driver_id"`
	Label    string    `json:"location"`
	Loc      Coord     `json:"loc"`
	Sent     time.Time `json:"sent"`
}
