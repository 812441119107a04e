package matching

import (
	"context"
	"log/slog"
	"sort"

	"github.com/ezariago/anemon-backend/internal/geo"
	"github.com/ezariago/anemon-backend/internal/wire"
)

type candidate struct {
	offer *DriverOffer
	score float64
}

// candidateDriversLocked ranks the waiting drivers for a passenger request.
// A geometric threshold pre-filters; survivors are re-scored with real road
// distances from the routing provider. A failed routing call drops just that
// candidate. Caller holds the pool lock.
func (p *Pool) candidateDriversLocked(ctx context.Context, req *PassengerRequest) []candidate {
	var out []candidate
	for _, offer := range p.waitingDrivers {
		if offer.Profile.VehiclePreference != req.Vehicle {
			continue
		}
		if tripID, active := p.driverTrips[offer.Profile.UID]; active && !p.trips.HasCapacity(tripID) {
			continue
		}

		pickupIdx, pickupDist := geo.NearestSegment(req.Pickup, offer.Route)
		destIdx, destDist := geo.NearestSegment(req.Destination, offer.Route)
		if pickupIdx < 0 || pickupDist > p.threshold || destDist > p.threshold {
			continue
		}

		toPickup, err := p.routes.ComputeRoute(ctx, req.Pickup, nil, offer.Route[pickupIdx].Start)
		if err != nil {
			p.logger.Warn("pickup refinement failed, skipping candidate",
				slog.Int("driver", offer.Profile.UID), slog.String("error", err.Error()))
			continue
		}
		toDropoff, err := p.routes.ComputeRoute(ctx, req.Destination, nil, offer.Route[destIdx].End)
		if err != nil {
			p.logger.Warn("dropoff refinement failed, skipping candidate",
				slog.Int("driver", offer.Profile.UID), slog.String("error", err.Error()))
			continue
		}

		out = append(out, candidate{
			offer: offer,
			score: float64(toPickup.DistanceMeters+toDropoff.DistanceMeters) / 2,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score < out[j].score })
	return out
}

// notifyDriversLocked sends the passenger's trip request to every candidate,
// best first. All candidates receive it; whichever accepts first wins.
func (p *Pool) notifyDriversLocked(ctx context.Context, req *PassengerRequest, candidates []candidate) {
	pickupAddr, err := p.geocoder.ReverseGeocode(ctx, req.Pickup)
	if err != nil {
		p.logger.Warn("pickup geocoding failed, drivers not notified",
			slog.Int("passenger", req.Profile.UID), slog.String("error", err.Error()))
		return
	}
	destAddr, err := p.geocoder.ReverseGeocode(ctx, req.Destination)
	if err != nil {
		p.logger.Warn("destination geocoding failed, drivers not notified",
			slog.Int("passenger", req.Profile.UID), slog.String("error", err.Error()))
		return
	}

	frame := wire.EncodeTripRequest(req.Profile, pickupAddr, destAddr, req.TariffRupiah)
	for _, c := range candidates {
		if err := c.offer.Session.SendText(frame); err != nil {
			p.logger.Warn("trip request delivery failed",
				slog.Int("driver", c.offer.Profile.UID), slog.String("error", err.Error()))
		}
	}
}

// bestPassengerForLocked picks the single closest waiting passenger for a
// newly registered driver. This path scores with geometric distance only, so
// a driver coming online gets an instant offer without routing round-trips.
func (p *Pool) bestPassengerForLocked(offer *DriverOffer) *PassengerRequest {
	var (
		best      *PassengerRequest
		bestScore float64
	)
	for _, req := range p.waitingPassengers {
		if req.Vehicle != offer.Profile.VehiclePreference {
			continue
		}
		pickupIdx, pickupDist := geo.NearestSegment(req.Pickup, offer.Route)
		_, destDist := geo.NearestSegment(req.Destination, offer.Route)
		if pickupIdx < 0 || pickupDist > p.threshold || destDist > p.threshold {
			continue
		}
		score := (pickupDist + destDist) / 2
		if best == nil || score < bestScore {
			best, bestScore = req, score
		}
	}
	return best
}

// offerPassengerLocked sends one passenger's trip request to the new driver.
func (p *Pool) offerPassengerLocked(ctx context.Context, offer *DriverOffer, req *PassengerRequest) {
	pickupAddr, err := p.geocoder.ReverseGeocode(ctx, req.Pickup)
	if err != nil {
		p.logger.Warn("pickup geocoding failed, driver not notified",
			slog.Int("driver", offer.Profile.UID), slog.String("error", err.Error()))
		return
	}
	destAddr, err := p.geocoder.ReverseGeocode(ctx, req.Destination)
	if err != nil {
		p.logger.Warn("destination geocoding failed, driver not notified",
			slog.Int("driver", offer.Profile.UID), slog.String("error", err.Error()))
		return
	}
	if err := offer.Session.SendText(wire.EncodeTripRequest(req.Profile, pickupAddr, destAddr, req.TariffRupiah)); err != nil {
		p.logger.Warn("trip request delivery failed",
			slog.Int("driver", offer.Profile.UID), slog.String("error", err.Error()))
	}
}
