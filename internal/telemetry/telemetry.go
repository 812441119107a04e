// Package telemetry records dispatch lifecycle events for offline analysis.
// Appends are fire-and-forget: a failing sink never blocks or fails the
// operation that produced the event.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ezariago/anemon-backend/internal/observability"
)

type EventType string

const (
	EventDriverRegisterRoute  EventType = "DRIVER_REGISTER_ROUTE"
	EventPassengerRequestRide EventType = "PASSENGER_REQUEST_RIDE"
	EventTripCreated          EventType = "TRIP_CREATED"
	EventTripCompleted        EventType = "TRIP_COMPLETED"
	EventTripCancelled        EventType = "TRIP_CANCELLED"
)

// Event is one recorded lifecycle occurrence. Driver and passenger are kept
// apart; a zero uid means that party is absent from the event. Payload
// carries event-specific extras (vehicle, route shape) as free-form JSON.
type Event struct {
	Type           EventType       `json:"type"`
	DriverUID      int             `json:"driverUid,omitempty"`
	PassengerUID   int             `json:"passengerUid,omitempty"`
	TripID         string          `json:"tripId,omitempty"`
	DistanceMeters int             `json:"distanceMeters,omitempty"`
	TariffRupiah   int64           `json:"tariffRupiah,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

// Store persists telemetry events.
type Store interface {
	Append(ctx context.Context, ev Event) error
	Name() string
}

// Appender fans events out to every configured sink from a detached
// goroutine. Failures are counted and logged, never surfaced to the caller.
type Appender struct {
	sinks  []Store
	logger *slog.Logger
}

func NewAppender(logger *slog.Logger, sinks ...Store) *Appender {
	return &Appender{sinks: sinks, logger: logger}
}

// Record stamps the event and persists it asynchronously.
func (a *Appender) Record(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range a.sinks {
			if err := s.Append(ctx, ev); err != nil {
				observability.TelemetryErrors.WithLabelValues(s.Name()).Inc()
				a.logger.Error("telemetry append failed",
					slog.String("sink", s.Name()),
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()))
			}
		}
	}()
}

func payloadJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// RoutePayload builds the payload for DRIVER_REGISTER_ROUTE events.
func RoutePayload(segments int) json.RawMessage {
	return payloadJSON(map[string]any{"segments": segments})
}

// VehiclePayload builds the payload for PASSENGER_REQUEST_RIDE events.
func VehiclePayload(vehicle string) json.RawMessage {
	return payloadJSON(map[string]any{"vehicle": vehicle})
}
