// Package trip owns active trips from match confirmation to completion or
// cancellation. Each trip carries its own lock, so transitions on unrelated
// trips never contend.
package trip

import (
	"sync"

	"github.com/ezariago/anemon-backend/internal/dispatch"
	"github.com/ezariago/anemon-backend/internal/models"
	"github.com/ezariago/anemon-backend/internal/wire"
)

// Trip is one active ride. All fields after id are guarded by mu.
type Trip struct {
	id string

	mu             sync.Mutex
	driver         models.UserProfile
	status         models.TripStatus
	availableSlots int

	// passenger state, keyed by uid, with insertion order preserved so the
	// first matched passenger anchors polyline computation
	details  map[int]*models.TripDetails
	profiles map[int]models.UserProfile
	order    []int

	cancelVotes map[int]struct{}

	// live trip-channel connections, independent of the matching channel
	conns map[int]dispatch.Session
}

func newTrip(id string, driver models.UserProfile, slots int) *Trip {
	return &Trip{
		id:             id,
		driver:         driver,
		status:         models.TripAwaitingParticipants,
		availableSlots: slots,
		details:        make(map[int]*models.TripDetails),
		profiles:       make(map[int]models.UserProfile),
		cancelVotes:    make(map[int]struct{}),
		conns:          make(map[int]dispatch.Session),
	}
}

func (t *Trip) addPassengerLocked(p models.UserProfile, detail models.TripDetails) {
	d := detail
	t.details[p.UID] = &d
	t.profiles[p.UID] = p
	t.order = append(t.order, p.UID)
}

// allParticipantsLiveLocked reports whether the driver and every passenger
// hold a live trip-channel connection.
func (t *Trip) allParticipantsLiveLocked() bool {
	if _, ok := t.conns[t.driver.UID]; !ok {
		return false
	}
	for uid := range t.details {
		if _, ok := t.conns[uid]; !ok {
			return false
		}
	}
	return true
}

func (t *Trip) anyPassengerInTransitLocked() bool {
	for _, d := range t.details {
		if d.Status == models.PassengerInTransit {
			return true
		}
	}
	return false
}

func (t *Trip) allPassengersDroppedOffLocked() bool {
	for _, d := range t.details {
		if d.Status != models.PassengerDroppedOff {
			return false
		}
	}
	return true
}

// activeParticipantsLocked is the cancellation electorate: the driver plus
// every passenger not yet dropped off.
func (t *Trip) activeParticipantsLocked() []int {
	out := []int{t.driver.UID}
	for uid, d := range t.details {
		if d.Status != models.PassengerDroppedOff {
			out = append(out, uid)
		}
	}
	return out
}

// participantProfileLocked resolves a uid to its profile, driver included.
func (t *Trip) participantProfileLocked(uid int) (models.UserProfile, bool) {
	if uid == t.driver.UID {
		return t.driver, true
	}
	p, ok := t.profiles[uid]
	return p, ok
}

// firstPassengerTargetLocked is the point the polyline should lead to: the
// first passenger's pickup while they wait, their destination while riding,
// nothing once dropped off.
func (t *Trip) firstPassengerTargetLocked() (models.Point, bool) {
	if len(t.order) == 0 {
		return models.Point{}, false
	}
	d := t.details[t.order[0]]
	switch d.Status {
	case models.PassengerWaitingForPickup:
		return d.PickupPoint, true
	case models.PassengerInTransit:
		return d.DestinationPoint, true
	}
	return models.Point{}, false
}

// stateLocked builds the broadcastable state document.
func (t *Trip) stateLocked() wire.TripState {
	passengers := make([]wire.TripPassenger, 0, len(t.order))
	for _, uid := range t.order {
		passengers = append(passengers, wire.TripPassenger{
			Profile: t.profiles[uid],
			Details: *t.details[uid],
		})
	}
	requesters := make([]models.UserProfile, 0, len(t.cancelVotes))
	for _, uid := range t.order {
		if _, voted := t.cancelVotes[uid]; voted {
			requesters = append(requesters, t.profiles[uid])
		}
	}
	if _, voted := t.cancelVotes[t.driver.UID]; voted {
		requesters = append(requesters, t.driver)
	}
	return wire.TripState{
		TripID:                 t.id,
		Driver:                 t.driver,
		Passengers:             passengers,
		Status:                 t.status,
		AvailableSlots:         t.availableSlots,
		CancellationRequesters: requesters,
	}
}
