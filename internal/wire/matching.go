package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ezariago/anemon-backend/internal/models"
)

// MatchingMessage is one parsed client frame from the matching channel.
type MatchingMessage interface{ matchingMessage() }

type RegisterPassenger struct {
	Vehicle     models.VehiclePreference
	Pickup      models.Point
	Destination models.Point
}

type RegisterDriver struct {
	AvailableSlots int
	Route          []models.LineSegment
}

type TripAccept struct {
	Passenger models.UserProfile
}

type StopMatching struct{}

type UpdateDriverRoute struct {
	Route []models.LineSegment
}

func (RegisterPassenger) matchingMessage() {}
func (RegisterDriver) matchingMessage()    {}
func (TripAccept) matchingMessage()        {}
func (StopMatching) matchingMessage()      {}
func (UpdateDriverRoute) matchingMessage() {}

// ParseMatching turns a raw matching-channel frame into a typed message.
// An unrecognised verb yields ErrUnknownAction; any other error means the
// frame was malformed.
func ParseMatching(raw string) (MatchingMessage, error) {
	tokens := strings.Fields(raw)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch tokens[0] {
	case VerbRegisterPassenger:
		if len(tokens) != 4 {
			return nil, fmt.Errorf("%s expects 3 arguments, got %d", VerbRegisterPassenger, len(tokens)-1)
		}
		vehicle, err := models.ParseVehiclePreference(tokens[1])
		if err != nil {
			return nil, err
		}
		var pickup, destination models.Point
		if err := json.Unmarshal([]byte(tokens[2]), &pickup); err != nil {
			return nil, fmt.Errorf("decode pickup point: %w", err)
		}
		if err := json.Unmarshal([]byte(tokens[3]), &destination); err != nil {
			return nil, fmt.Errorf("decode destination point: %w", err)
		}
		return RegisterPassenger{Vehicle: vehicle, Pickup: pickup, Destination: destination}, nil

	case VerbRegisterDriver:
		if len(tokens) < 3 {
			return nil, fmt.Errorf("%s expects slots and at least one segment", VerbRegisterDriver)
		}
		slots, err := strconv.Atoi(tokens[1])
		if err != nil {
			return nil, fmt.Errorf("invalid slot count %q: %w", tokens[1], err)
		}
		route, err := parseRoute(tokens[2:])
		if err != nil {
			return nil, err
		}
		return RegisterDriver{AvailableSlots: slots, Route: route}, nil

	case VerbTripAccept:
		if len(tokens) != 2 {
			return nil, fmt.Errorf("%s expects 1 argument, got %d", VerbTripAccept, len(tokens)-1)
		}
		passenger, err := decodeProfile(tokens[1])
		if err != nil {
			return nil, err
		}
		return TripAccept{Passenger: passenger}, nil

	case VerbStopMatching:
		return StopMatching{}, nil

	case VerbUpdateDriverRoute:
		if len(tokens) < 2 {
			return nil, fmt.Errorf("%s expects at least one segment", VerbUpdateDriverRoute)
		}
		route, err := parseRoute(tokens[1:])
		if err != nil {
			return nil, err
		}
		return UpdateDriverRoute{Route: route}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, tokens[0])
}

// EncodeTripRequest builds the TRIP_REQUEST offer sent to candidate drivers.
// Addresses come from reverse geocoding and routinely contain spaces, so both
// are base64-wrapped alongside the profile.
func EncodeTripRequest(passenger models.UserProfile, pickupAddress, destinationAddress string, tariff int64) string {
	return fmt.Sprintf("%s %s %s %s %d", VerbTripRequest,
		encodeProfile(passenger), toBase64(pickupAddress), toBase64(destinationAddress), tariff)
}

// EncodeMatch builds the MATCH confirmation. Each party receives the other
// party's profile next to the shared trip id.
func EncodeMatch(counterpart models.UserProfile, tripID string) string {
	return fmt.Sprintf("%s %s %s", VerbMatch, tripID, encodeProfile(counterpart))
}

// EncodeMatchCancel tells waiting drivers that a passenger left the pool.
func EncodeMatchCancel(passenger models.UserProfile) string {
	return fmt.Sprintf("%s %s", VerbMatchCancel, encodeProfile(passenger))
}
