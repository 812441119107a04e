package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ezariago/anemon-backend/internal/models"
)

// TripMessage is one parsed client frame from the trip channel.
type TripMessage interface{ tripMessage() }

type JoinTrip struct {
	TripID string
}

type UpdateLocation struct {
	Location models.Point
}

type PickupPassenger struct {
	Passenger models.UserProfile
}

type DropoffPassenger struct {
	Passenger models.UserProfile
}

type UpdateCancellation struct{}

func (JoinTrip) tripMessage()           {}
func (UpdateLocation) tripMessage()     {}
func (PickupPassenger) tripMessage()    {}
func (DropoffPassenger) tripMessage()   {}
func (UpdateCancellation) tripMessage() {}

// ParseTrip turns a raw trip-channel frame into a typed message. Verbs the
// server only ever sends (TRIP_STATE_UPDATE and friends) come back as
// ErrUnknownAction like anything else unrecognised.
func ParseTrip(raw string) (TripMessage, error) {
	tokens := strings.Fields(raw)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch tokens[0] {
	case VerbJoinTrip:
		if len(tokens) != 2 {
			return nil, fmt.Errorf("%s expects a trip id", VerbJoinTrip)
		}
		return JoinTrip{TripID: tokens[1]}, nil

	case VerbUpdateLocation:
		if len(tokens) != 2 {
			return nil, fmt.Errorf("%s expects a point", VerbUpdateLocation)
		}
		var p models.Point
		if err := json.Unmarshal([]byte(tokens[1]), &p); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
		return UpdateLocation{Location: p}, nil

	case VerbPickupPassenger:
		if len(tokens) != 2 {
			return nil, fmt.Errorf("%s expects a passenger profile", VerbPickupPassenger)
		}
		passenger, err := decodeProfile(tokens[1])
		if err != nil {
			return nil, err
		}
		return PickupPassenger{Passenger: passenger}, nil

	case VerbDropoffPassenger:
		if len(tokens) != 2 {
			return nil, fmt.Errorf("%s expects a passenger profile", VerbDropoffPassenger)
		}
		passenger, err := decodeProfile(tokens[1])
		if err != nil {
			return nil, err
		}
		return DropoffPassenger{Passenger: passenger}, nil

	case VerbUpdateCancellation:
		return UpdateCancellation{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, tokens[0])
}

// TripPassenger pairs a passenger profile with their leg of the trip in the
// broadcast state document.
type TripPassenger struct {
	Profile models.UserProfile `json:"profile"`
	Details models.TripDetails `json:"details"`
}

// TripState is the full state document broadcast to every participant after
// each mutation. Passengers appear in the order they were added.
type TripState struct {
	TripID                 string               `json:"tripId"`
	Driver                 models.UserProfile   `json:"driver"`
	Passengers             []TripPassenger      `json:"passengers"`
	Status                 models.TripStatus    `json:"status"`
	AvailableSlots         int                  `json:"availableSlots"`
	CancellationRequesters []models.UserProfile `json:"cancellationRequesters"`
}

// EncodeTripStateUpdate wraps the serialized state document.
func EncodeTripStateUpdate(state TripState) string {
	b, _ := json.Marshal(state)
	return fmt.Sprintf("%s %s", VerbTripStateUpdate, toBase64(string(b)))
}

// DecodeTripStateUpdate is the client-side inverse, used by tests.
func DecodeTripStateUpdate(frame string) (TripState, error) {
	tokens := strings.Fields(frame)
	if len(tokens) != 2 || tokens[0] != VerbTripStateUpdate {
		return TripState{}, fmt.Errorf("not a %s frame", VerbTripStateUpdate)
	}
	raw, err := fromBase64(tokens[1])
	if err != nil {
		return TripState{}, err
	}
	var state TripState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return TripState{}, fmt.Errorf("decode trip state: %w", err)
	}
	return state, nil
}

// EncodePolylineUpdate carries an encoded polyline from the routing provider.
func EncodePolylineUpdate(encodedPolyline string) string {
	return fmt.Sprintf("%s %s", VerbPolylineUpdate, toBase64(encodedPolyline))
}

// EncodeLocationBroadcast relays one participant's position to the others.
func EncodeLocationBroadcast(sender models.UserProfile, location models.Point) string {
	loc, _ := json.Marshal(location)
	return fmt.Sprintf("%s %s %s", VerbLocationBroadcast, encodeProfile(sender), string(loc))
}

// EncodeError is sent right before closing a connection that asked for
// something unserviceable, e.g. joining an unknown trip.
func EncodeError(details string) string {
	return fmt.Sprintf("%s %s", VerbError, details)
}

// EncodeCancelRequestBroadcast announces a (not yet unanimous) cancellation
// vote to the rest of the trip.
func EncodeCancelRequestBroadcast(requester models.UserProfile) string {
	return fmt.Sprintf("%s %s", VerbCancelRequestBroadcast, encodeProfile(requester))
}
