package matching

import (
	"fmt"

	"github.com/ezariago/anemon-backend/internal/models"
)

// Per-kilometre rates in rupiah, with a four-kilometre minimum charge.
const (
	motorcycleRatePerKm int64 = 800
	carRatePerKm        int64 = 2000
	minimumChargedKm    int64 = 4
)

// Tariff computes the fixed fare for a ride of the given road distance.
// PASSENGER is not a rideable vehicle; passing it is a caller bug.
func Tariff(vehicle models.VehiclePreference, distanceMeters int) (int64, error) {
	km := int64(distanceMeters) / 1000
	if km < minimumChargedKm {
		km = minimumChargedKm
	}
	switch vehicle {
	case models.VehicleMotorcycle:
		return motorcycleRatePerKm * km, nil
	case models.VehicleCar:
		return carRatePerKm * km, nil
	}
	return 0, fmt.Errorf("no tariff for vehicle %q", vehicle)
}
