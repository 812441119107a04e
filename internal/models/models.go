package models

import "fmt"

// VehiclePreference is the vehicle tag on an account. PASSENGER accounts
// request rides; CAR and MOTORCYCLE accounts offer them.
type VehiclePreference string

const (
	VehiclePassenger  VehiclePreference = "PASSENGER"
	VehicleCar        VehiclePreference = "CAR"
	VehicleMotorcycle VehiclePreference = "MOTORCYCLE"
)

func ParseVehiclePreference(s string) (VehiclePreference, error) {
	switch VehiclePreference(s) {
	case VehiclePassenger, VehicleCar, VehicleMotorcycle:
		return VehiclePreference(s), nil
	}
	return "", fmt.Errorf("unknown vehicle preference %q", s)
}

// UserProfile is the verified identity attached to every connection. Display
// fields may be re-sent by clients with stale values, so all registries key
// on UID alone rather than on the whole struct.
type UserProfile struct {
	UID               int               `json:"uid"`
	Name              string            `json:"name"`
	Email             string            `json:"email"`
	NIK               string            `json:"nik"`
	ProfilePictureID  string            `json:"profilePictureId"`
	VehicleImageID    string            `json:"vehicleImageId,omitempty"`
	VehiclePreference VehiclePreference `json:"vehiclePreference"`
}

// Point is a WGS84 coordinate in decimal degrees. No datum conversion is
// performed anywhere in the dispatcher.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LineSegment is one leg of a driver's intended route.
type LineSegment struct {
	Start Point `json:"start"`
	End   Point `json:"end"`
}

type TripStatus string

const (
	TripAwaitingParticipants TripStatus = "AWAITING_PARTICIPANTS"
	TripEnRouteToPickup      TripStatus = "EN_ROUTE_TO_PICKUP"
	TripReconnecting         TripStatus = "RECONNECTING"
	TripInProgress           TripStatus = "IN_PROGRESS"
	TripCompleted            TripStatus = "COMPLETED"
	TripCancelled            TripStatus = "CANCELLED"
)

// Terminal reports whether a trip in this status will never transition again.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

type PassengerTripStatus string

const (
	PassengerWaitingForPickup PassengerTripStatus = "WAITING_FOR_PICKUP"
	PassengerInTransit        PassengerTripStatus = "IN_TRANSIT"
	PassengerDroppedOff       PassengerTripStatus = "DROPPED_OFF"
)

// TripDetails captures one passenger's leg of a trip. Distance and tariff are
// fixed at match time and never recomputed.
type TripDetails struct {
	PickupPoint      Point               `json:"pickupPoint"`
	DestinationPoint Point               `json:"destinationPoint"`
	Status           PassengerTripStatus `json:"status"`
	DistanceMeters   int                 `json:"distanceMeters"`
	TariffRupiah     int64               `json:"tariffRupiah"`
}

// UserStatus answers the session-status query: what is this user doing right
// now, from the dispatcher's point of view.
type UserStatus string

const (
	StatusIdle              UserStatus = "IDLE"
	StatusInTripAsDriver    UserStatus = "IN_TRIP_AS_DRIVER"
	StatusInTripAsPassenger UserStatus = "IN_TRIP_AS_PASSENGER"
)
