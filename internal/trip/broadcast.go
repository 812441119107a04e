package trip

import (
	"log/slog"

	"github.com/ezariago/anemon-backend/internal/dispatch"
	"github.com/ezariago/anemon-backend/internal/observability"
	"github.com/ezariago/anemon-backend/internal/wire"
)

// broadcastLocked delivers one frame to every live connection of the trip.
// A failing recipient is logged and skipped; the loop always finishes.
func (r *Registry) broadcastLocked(t *Trip, frame string) {
	for uid, s := range t.conns {
		if err := s.SendText(frame); err != nil {
			observability.BroadcastDrops.Inc()
			r.logger.Warn("broadcast send failed",
				slog.String("trip", t.id), slog.Int("uid", uid),
				slog.String("error", err.Error()))
		}
	}
}

// broadcastStateLocked pushes the current state document to all participants.
func (r *Registry) broadcastStateLocked(t *Trip) {
	r.broadcastLocked(t, wire.EncodeTripStateUpdate(t.stateLocked()))
}

// broadcastTo sends one frame to a fixed recipient set outside any trip lock,
// used by the detached polyline refresh.
func (r *Registry) broadcastTo(tripID string, conns map[int]dispatch.Session, frame string) {
	for uid, s := range conns {
		if err := s.SendText(frame); err != nil {
			observability.BroadcastDrops.Inc()
			r.logger.Warn("broadcast send failed",
				slog.String("trip", tripID), slog.Int("uid", uid),
				slog.String("error", err.Error()))
		}
	}
}
