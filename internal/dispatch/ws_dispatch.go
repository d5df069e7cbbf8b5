package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
)

// wsWriteTimeout bounds a send when the caller's context has no deadline.
const wsWriteTimeout = 5 * time.Second

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send writes the offer, giving up at ctx's deadline. A driver that stops
// reading cannot hold the caller past it.
func (s *WSSession) Send(ctx context.Context, offer models.RideOffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsWriteTimeout)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(offer)
}

// WSRegistry holds driver sessions
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[int64]*WSSession)} }

// Add registers conn for the driver, replacing any older session.
func (r *WSRegistry) Add(driverID int64, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[driverID]; !ok {
		observability.DriversConnected.Inc()
	}
	r.sessions[driverID] = s
	return s
}

// Remove drops the session only if it is still the current one.
func (r *WSRegistry) Remove(driverID int64, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[driverID]; ok && cur == s {
		delete(r.sessions, driverID)
		observability.DriversConnected.Dec()
	}
}

func (r *WSRegistry) Connected(driverID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Offer(ctx context.Context, driverID int64, offer models.RideOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ctx, offer)
}
