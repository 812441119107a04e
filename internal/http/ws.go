package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ezariago/anemon-backend/internal/dispatch"
	"github.com/ezariago/anemon-backend/internal/models"
	"github.com/ezariago/anemon-backend/internal/observability"
	"github.com/ezariago/anemon-backend/internal/trip"
	"github.com/ezariago/anemon-backend/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// bearerToken pulls the access token from the Authorization header, falling
// back to a query parameter for clients whose WebSocket API cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// admit upgrades the connection and authenticates it. An unauthenticated
// attempt is closed with a policy violation before any frame is read.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (*websocket.Conn, models.UserProfile, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return nil, models.UserProfile{}, false
	}
	profile, err := s.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		s.logger.Warn("ws auth rejected",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"),
			time.Now().Add(5*time.Second))
		conn.Close()
		return nil, models.UserProfile{}, false
	}
	return conn, profile, true
}

// keepalive pings the peer on an interval and enforces a pong deadline.
// Returns a stop function for the read loop's deferred cleanup.
func (s *Server) keepalive(conn *websocket.Conn, session dispatch.Session) func() {
	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := session.Ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (s *Server) handleMatchingWS(w http.ResponseWriter, r *http.Request) {
	conn, profile, ok := s.admit(w, r)
	if !ok {
		return
	}
	session := dispatch.NewWSSession(conn)
	if replaced := s.matchingReg.Add(profile, session); replaced != nil {
		replaced.Close("superseded by newer connection")
	}
	observability.WSConnections.WithLabelValues("matching").Inc()
	stopPings := s.keepalive(conn, session)

	defer func() {
		stopPings()
		// a reconnect may own the registration now; only the live
		// connection's teardown may touch the pool
		if current, ok := s.matchingReg.Get(profile.UID); ok && current == session {
			s.pool.StopMatching(profile.UID)
		}
		s.matchingReg.Remove(profile.UID, session)
		observability.WSConnections.WithLabelValues("matching").Dec()
		conn.Close()
	}()

	log := s.logger.With(slog.Int("uid", profile.UID), slog.String("channel", "matching"))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("connection closed", slog.String("error", err.Error()))
			return
		}
		msg, err := wire.ParseMatching(string(data))
		if err != nil {
			if errors.Is(err, wire.ErrUnknownAction) {
				log.Warn("unknown action ignored", slog.String("error", err.Error()))
			} else {
				log.Warn("malformed frame dropped", slog.String("error", err.Error()))
			}
			continue
		}

		switch m := msg.(type) {
		case wire.RegisterPassenger:
			if err := s.pool.RegisterPassenger(r.Context(), profile, m.Vehicle, m.Pickup, m.Destination, session); err != nil {
				log.Warn("passenger registration failed", slog.String("error", err.Error()))
			}
		case wire.RegisterDriver:
			s.pool.RegisterDriver(r.Context(), profile, m.Route, m.AvailableSlots, session)
		case wire.TripAccept:
			s.pool.HandleTripAccept(profile.UID, m.Passenger)
		case wire.StopMatching:
			s.pool.StopMatching(profile.UID)
		case wire.UpdateDriverRoute:
			s.pool.UpdateDriverRoute(profile.UID, m.Route)
		}
	}
}

func (s *Server) handleTripWS(w http.ResponseWriter, r *http.Request) {
	conn, profile, ok := s.admit(w, r)
	if !ok {
		return
	}
	session := dispatch.NewWSSession(conn)
	if replaced := s.tripReg.Add(profile, session); replaced != nil {
		replaced.Close("superseded by newer connection")
	}
	observability.WSConnections.WithLabelValues("trip").Inc()
	stopPings := s.keepalive(conn, session)

	var joinedTrip string
	defer func() {
		stopPings()
		if joinedTrip != "" {
			s.trips.Disconnect(joinedTrip, profile.UID, session)
		}
		s.tripReg.Remove(profile.UID, session)
		observability.WSConnections.WithLabelValues("trip").Dec()
		conn.Close()
	}()

	log := s.logger.With(slog.Int("uid", profile.UID), slog.String("channel", "trip"))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("connection closed", slog.String("error", err.Error()))
			return
		}
		msg, err := wire.ParseTrip(string(data))
		if err != nil {
			if errors.Is(err, wire.ErrUnknownAction) {
				log.Warn("unknown action ignored", slog.String("error", err.Error()))
			} else {
				log.Warn("malformed frame dropped", slog.String("error", err.Error()))
			}
			continue
		}

		switch m := msg.(type) {
		case wire.JoinTrip:
			if err := s.trips.Join(m.TripID, profile, session); err != nil {
				if errors.Is(err, trip.ErrTripNotFound) {
					session.SendText(wire.EncodeError("trip not found"))
					session.Close("unknown trip")
					return
				}
				log.Warn("join failed", slog.String("trip", m.TripID), slog.String("error", err.Error()))
				continue
			}
			joinedTrip = m.TripID
		case wire.UpdateLocation:
			if joinedTrip != "" {
				s.trips.UpdateLocation(joinedTrip, profile.UID, m.Location)
			}
		case wire.PickupPassenger:
			if joinedTrip != "" {
				s.trips.PickedUp(joinedTrip, profile.UID, m.Passenger)
			}
		case wire.DropoffPassenger:
			if joinedTrip != "" {
				s.trips.DroppedOff(joinedTrip, profile.UID, m.Passenger)
			}
		case wire.UpdateCancellation:
			if joinedTrip != "" {
				s.trips.RequestCancellation(joinedTrip, profile.UID)
			}
		}
	}
}
