package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-booking/internal/models"
)

const EventRideBooked = "ride_booked"

// RideBookedEvent is published to the ride events topic after a booking commits.
type RideBookedEvent struct {
	Type        string    `json:"type"`
	RideID      int64     `json:"ride_id"`
	RiderID     int64     `json:"rider_id"`
	DriverID    int64     `json:"driver_id"`
	Destination string    `json:"destination"`
	Fare        float64   `json:"fare"`
	BookedAt    time.Time `json:"booked_at"`
}

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations MessageWriter
	rides     MessageWriter
	timeout   time.Duration
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return NewProducerWithWriters(newWriter(brokers, locationTopic), newWriter(brokers, rideTopic))
}

func NewProducerWithWriters(locations, rides MessageWriter) *KafkaProducer {
	return &KafkaProducer{locations: locations, rides: rides, timeout: 2 * time.Second}
}

// writerBatchTimeout keeps a synchronous single-message write from waiting
// out kafka-go's default one second batch window.
const writerBatchTimeout = 10 * time.Millisecond

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: writerBatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.DriverLocationEvent) error {
	if ev.Sent.IsZero() {
		ev.Sent = time.Now().UTC()
	}
	return k.write(ctx, k.locations, ev.DriverID, ev)
}

func (k *KafkaProducer) PublishRideBooked(ctx context.Context, ev RideBookedEvent) error {
	ev.Type = EventRideBooked
	if ev.BookedAt.IsZero() {
		ev.BookedAt = time.Now().UTC()
	}
	return k.write(ctx, k.rides, ev.RideID, ev)
}

func (k *KafkaProducer) write(ctx context.Context, w MessageWriter, key int64, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(key, 10)), Value: b})
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []MessageWriter{k.locations, k.rides} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

// DecodeLocation parses and sanity-checks a driver location message.
func DecodeLocation(b []byte) (models.DriverLocationEvent, error) {
	var ev models.DriverLocationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.DriverID <= 0 {
		return ev, fmt.Errorf("invalid driver id %d", ev.DriverID)
	}
	if ev.Loc.Lat < -90 || ev.Loc.Lat > 90 || ev.Loc.Lon < -180 || ev.Loc.Lon > 180 {
		return ev, fmt.Errorf("coordinates out of range: %v,%v", ev.Loc.Lat, ev.Loc.Lon)
	}
	return ev, nil
}
