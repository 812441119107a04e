package trip

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ezariago/anemon-backend/internal/dispatch"
	"github.com/ezariago/anemon-backend/internal/models"
	"github.com/ezariago/anemon-backend/internal/observability"
	"github.com/ezariago/anemon-backend/internal/routing"
	"github.com/ezariago/anemon-backend/internal/telemetry"
	"github.com/ezariago/anemon-backend/internal/wire"
)

var (
	ErrTripNotFound = errors.New("trip not found")
	ErrTripFull     = errors.New("trip at capacity")
)

// DriverReleaser is notified when a trip retires so the matching layer can
// clear the driver's active-trip binding.
type DriverReleaser interface {
	ReleaseDriver(uid int)
}

// Registry holds every active trip. Lookup takes the registry lock; all
// per-trip work happens under that trip's own lock after the lookup.
type Registry struct {
	mu    sync.RWMutex
	trips map[string]*Trip

	routes    routing.RouteClient
	telemetry *telemetry.Appender
	releaser  DriverReleaser
	logger    *slog.Logger
}

func NewRegistry(routes routing.RouteClient, tel *telemetry.Appender, releaser DriverReleaser, logger *slog.Logger) *Registry {
	return &Registry{
		trips:     make(map[string]*Trip),
		routes:    routes,
		telemetry: tel,
		releaser:  releaser,
		logger:    logger,
	}
}

func (r *Registry) get(tripID string) (*Trip, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trips[tripID]
	return t, ok
}

// Create opens a new trip with its first passenger already aboard.
func (r *Registry) Create(driver models.UserProfile, availableSlots int, passenger models.UserProfile, detail models.TripDetails) string {
	t := newTrip(uuid.NewString(), driver, availableSlots)
	t.addPassengerLocked(passenger, detail)

	r.mu.Lock()
	r.trips[t.id] = t
	r.mu.Unlock()

	observability.TripsActive.Inc()
	r.logger.Info("trip created",
		slog.String("trip", t.id), slog.Int("driver", driver.UID), slog.Int("slots", availableSlots))
	return t.id
}

// AddPassenger extends an active trip with another matched passenger.
// Rejection leaves the trip untouched; near-simultaneous accepts racing for
// the last slot are expected.
func (r *Registry) AddPassenger(tripID string, passenger models.UserProfile, detail models.TripDetails) error {
	t, ok := r.get(tripID)
	if !ok {
		return ErrTripNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.details) >= t.availableSlots {
		return ErrTripFull
	}
	t.addPassengerLocked(passenger, detail)
	r.broadcastStateLocked(t)
	return nil
}

// HasCapacity reports whether the trip can take another passenger.
func (r *Registry) HasCapacity(tripID string) bool {
	t, ok := r.get(tripID)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.details) < t.availableSlots
}

// Join registers a participant's trip-channel connection. Once everyone is
// live the trip advances: a fresh trip moves to EN_ROUTE_TO_PICKUP, a
// reconnecting one resumes where it left off.
func (r *Registry) Join(tripID string, profile models.UserProfile, session dispatch.Session) error {
	t, ok := r.get(tripID)
	if !ok {
		return ErrTripNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[profile.UID] = session

	switch {
	case t.status == models.TripAwaitingParticipants && t.allParticipantsLiveLocked():
		t.status = models.TripEnRouteToPickup
	case t.status == models.TripReconnecting && t.allParticipantsLiveLocked():
		if t.anyPassengerInTransitLocked() {
			t.status = models.TripInProgress
		} else {
			t.status = models.TripEnRouteToPickup
		}
	}
	r.broadcastStateLocked(t)
	return nil
}

// UpdateLocation relays the sender's position to every other participant,
// then refreshes the advisory polyline from a detached goroutine so a slow
// routing call never stalls the relay.
func (r *Registry) UpdateLocation(tripID string, senderUID int, location models.Point) {
	t, ok := r.get(tripID)
	if !ok {
		r.logger.Warn("location update for unknown trip", slog.String("trip", tripID))
		return
	}

	t.mu.Lock()
	sender, known := t.participantProfileLocked(senderUID)
	if !known {
		t.mu.Unlock()
		r.logger.Warn("location update from non-participant",
			slog.String("trip", tripID), slog.Int("uid", senderUID))
		return
	}
	others := make(map[int]dispatch.Session, len(t.conns))
	all := make(map[int]dispatch.Session, len(t.conns))
	for uid, s := range t.conns {
		all[uid] = s
		if uid != senderUID {
			others[uid] = s
		}
	}
	target, hasTarget := t.firstPassengerTargetLocked()
	t.mu.Unlock()

	r.broadcastTo(tripID, others, wire.EncodeLocationBroadcast(sender, location))

	if !hasTarget {
		return
	}
	go r.refreshPolyline(tripID, all, location, target)
}

// refreshPolyline recomputes the display route toward the first passenger's
// current target and pushes it to a snapshot of the trip's connections. No
// ordering guarantee relative to state updates; failures are logged and
// swallowed.
func (r *Registry) refreshPolyline(tripID string, conns map[int]dispatch.Session, from, to models.Point) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	route, err := r.routes.ComputeRoute(ctx, from, nil, to)
	if err != nil {
		r.logger.Warn("polyline refresh failed",
			slog.String("trip", tripID), slog.String("error", err.Error()))
		return
	}
	r.broadcastTo(tripID, conns, wire.EncodePolylineUpdate(route.EncodedPolyline))
}

// PickedUp marks the passenger as riding. Only the trip's driver may report
// a pickup; anything else is a logged no-op.
func (r *Registry) PickedUp(tripID string, senderUID int, passenger models.UserProfile) {
	t, ok := r.get(tripID)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if senderUID != t.driver.UID {
		r.logger.Warn("pickup reported by non-driver",
			slog.String("trip", tripID), slog.Int("uid", senderUID))
		return
	}
	d, known := t.details[passenger.UID]
	if !known {
		r.logger.Warn("pickup for unknown passenger",
			slog.String("trip", tripID), slog.Int("passenger", passenger.UID))
		return
	}
	d.Status = models.PassengerInTransit
	t.status = models.TripInProgress
	r.broadcastStateLocked(t)
}

// DroppedOff marks the passenger as delivered. The last drop-off completes
// and retires the trip.
func (r *Registry) DroppedOff(tripID string, senderUID int, passenger models.UserProfile) {
	t, ok := r.get(tripID)
	if !ok {
		return
	}
	if r.recordDropoff(t, senderUID, passenger) {
		r.retire(t)
	}
}

// recordDropoff applies the drop-off under the trip lock and reports whether
// the trip completed and must retire.
func (r *Registry) recordDropoff(t *Trip, senderUID int, passenger models.UserProfile) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if senderUID != t.driver.UID {
		r.logger.Warn("dropoff reported by non-driver",
			slog.String("trip", t.id), slog.Int("uid", senderUID))
		return false
	}
	d, known := t.details[passenger.UID]
	if !known {
		r.logger.Warn("dropoff for unknown passenger",
			slog.String("trip", t.id), slog.Int("passenger", passenger.UID))
		return false
	}
	d.Status = models.PassengerDroppedOff

	if t.allPassengersDroppedOffLocked() {
		t.status = models.TripCompleted
	}
	r.broadcastStateLocked(t)
	return t.status == models.TripCompleted
}

// Disconnect drops a participant's connection. A live trip enters
// RECONNECTING until everyone has rejoined.
func (r *Registry) Disconnect(tripID string, uid int, session dispatch.Session) {
	t, ok := r.get(tripID)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// a reconnect may have already replaced the session
	if t.conns[uid] != session {
		return
	}
	delete(t.conns, uid)
	if t.status.Terminal() {
		return
	}
	t.status = models.TripReconnecting
	r.broadcastStateLocked(t)
}

// RequestCancellation records one participant's cancellation vote. The trip
// is cancelled only when every active participant has voted; until then the
// vote is announced and the refreshed state broadcast.
func (r *Registry) RequestCancellation(tripID string, requesterUID int) {
	t, ok := r.get(tripID)
	if !ok {
		return
	}
	if r.recordCancellationVote(t, requesterUID) {
		r.retire(t)
	}
}

// recordCancellationVote applies the vote under the trip lock and reports
// whether it was unanimous, cancelling the trip.
func (r *Registry) recordCancellationVote(t *Trip, requesterUID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	requester, known := t.participantProfileLocked(requesterUID)
	if !known {
		r.logger.Warn("cancellation vote from non-participant",
			slog.String("trip", t.id), slog.Int("uid", requesterUID))
		return false
	}
	if _, voted := t.cancelVotes[requesterUID]; voted {
		r.logger.Info("duplicate cancellation vote",
			slog.String("trip", t.id), slog.Int("uid", requesterUID))
		return false
	}
	t.cancelVotes[requesterUID] = struct{}{}

	unanimous := true
	for _, uid := range t.activeParticipantsLocked() {
		if _, voted := t.cancelVotes[uid]; !voted {
			unanimous = false
			break
		}
	}
	if unanimous {
		t.status = models.TripCancelled
		r.broadcastStateLocked(t)
		return true
	}
	r.broadcastLocked(t, wire.EncodeCancelRequestBroadcast(requester))
	r.broadcastStateLocked(t)
	return false
}

// retire removes a finished trip and hands its driver back to the matching
// layer. The trip lock is taken only to snapshot final state and is released
// before the driver release, so a pool operation waiting on this trip's lock
// can never wedge against a retirement holding the pool's.
func (r *Registry) retire(t *Trip) {
	r.mu.Lock()
	delete(r.trips, t.id)
	r.mu.Unlock()
	observability.TripsActive.Dec()

	t.mu.Lock()
	status := t.status
	driverUID := t.driver.UID
	conns := t.conns
	t.conns = make(map[int]dispatch.Session)
	var events []telemetry.Event
	if status == models.TripCompleted {
		for _, uid := range t.order {
			d := t.details[uid]
			events = append(events, telemetry.Event{
				Type:           telemetry.EventTripCompleted,
				DriverUID:      driverUID,
				PassengerUID:   uid,
				TripID:         t.id,
				DistanceMeters: d.DistanceMeters,
				TariffRupiah:   d.TariffRupiah,
			})
		}
	} else {
		events = append(events, telemetry.Event{
			Type:      telemetry.EventTripCancelled,
			DriverUID: driverUID,
			TripID:    t.id,
		})
	}
	t.mu.Unlock()

	for _, ev := range events {
		r.telemetry.Record(ev)
	}
	r.releaser.ReleaseDriver(driverUID)

	for uid, s := range conns {
		if err := s.Close("trip " + string(status)); err != nil {
			r.logger.Warn("closing retired trip connection failed",
				slog.String("trip", t.id), slog.Int("uid", uid), slog.String("error", err.Error()))
		}
	}

	r.logger.Info("trip retired", slog.String("trip", t.id), slog.String("status", string(status)))
}

// FindTripForUser locates the active trip, if any, that the uid belongs to.
// The trip list is snapshotted first so no trip lock is taken while the
// registry lock is held.
func (r *Registry) FindTripForUser(uid int) (tripID string, isDriver bool, ok bool) {
	r.mu.RLock()
	snapshot := make([]*Trip, 0, len(r.trips))
	for _, t := range r.trips {
		snapshot = append(snapshot, t)
	}
	r.mu.RUnlock()

	for _, t := range snapshot {
		t.mu.Lock()
		driver := t.driver.UID == uid
		_, aboard := t.details[uid]
		t.mu.Unlock()
		if driver || aboard {
			return t.id, driver, true
		}
	}
	return "", false, false
}

// State returns a read-only snapshot of the trip's current state.
func (r *Registry) State(tripID string) (wire.TripState, bool) {
	t, ok := r.get(tripID)
	if !ok {
		return wire.TripState{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(), true
}
