// Package matching pairs waiting passengers with waiting drivers. All pool
// state is guarded by one mutex; candidate search runs under the same lock as
// the mutation that triggered it so a registration can never race the search
// that should have seen it.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ezariago/anemon-backend/internal/dispatch"
	"github.com/ezariago/anemon-backend/internal/models"
	"github.com/ezariago/anemon-backend/internal/observability"
	"github.com/ezariago/anemon-backend/internal/routing"
	"github.com/ezariago/anemon-backend/internal/telemetry"
	"github.com/ezariago/anemon-backend/internal/wire"
)

// PassengerRequest is one waiting ride request. Distance and tariff are fixed
// at registration and copied verbatim into the trip on acceptance.
type PassengerRequest struct {
	Profile        models.UserProfile
	Vehicle        models.VehiclePreference
	Pickup         models.Point
	Destination    models.Point
	DistanceMeters int
	TariffRupiah   int64
	Session        dispatch.Session
}

// DriverOffer is one waiting driver. The route may be replaced in place while
// the driver waits. A driver stays in the pool after a match and can keep
// accepting passengers until the trip is full.
type DriverOffer struct {
	Profile        models.UserProfile
	Route          []models.LineSegment
	AvailableSlots int
	Session        dispatch.Session
}

// TripDirectory is the trip layer as seen from the pool.
type TripDirectory interface {
	Create(driver models.UserProfile, availableSlots int, passenger models.UserProfile, detail models.TripDetails) string
	AddPassenger(tripID string, passenger models.UserProfile, detail models.TripDetails) error
	HasCapacity(tripID string) bool
}

// Pool holds the waiting pools and the driver-to-active-trip mapping.
type Pool struct {
	mu                sync.Mutex
	waitingPassengers map[int]*PassengerRequest
	waitingDrivers    map[int]*DriverOffer
	driverTrips       map[int]string

	trips     TripDirectory
	routes    routing.RouteClient
	geocoder  routing.Geocoder
	registry  *dispatch.Registry
	telemetry *telemetry.Appender
	threshold float64
	logger    *slog.Logger
}

func NewPool(routes routing.RouteClient, geocoder routing.Geocoder, registry *dispatch.Registry, tel *telemetry.Appender, threshold float64, logger *slog.Logger) *Pool {
	return &Pool{
		waitingPassengers: make(map[int]*PassengerRequest),
		waitingDrivers:    make(map[int]*DriverOffer),
		driverTrips:       make(map[int]string),
		routes:            routes,
		geocoder:          geocoder,
		registry:          registry,
		telemetry:         tel,
		threshold:         threshold,
		logger:            logger,
	}
}

// AttachTrips binds the trip layer. The trip registry is constructed after
// the pool (it needs the pool as its driver releaser), so this runs once
// during startup before any connection is accepted.
func (p *Pool) AttachTrips(trips TripDirectory) {
	p.trips = trips
}

// RegisterPassenger computes distance and tariff for the request, records it,
// and notifies every qualifying driver. The routing call happens before the
// pool lock is taken; search, geocoding and notification happen under it so
// the notifications always reflect the pool state that produced them.
func (p *Pool) RegisterPassenger(ctx context.Context, profile models.UserProfile, vehicle models.VehiclePreference, pickup, destination models.Point, session dispatch.Session) error {
	route, err := p.routes.ComputeRoute(ctx, pickup, nil, destination)
	if err != nil {
		return fmt.Errorf("compute ride distance: %w", err)
	}
	tariff, err := Tariff(vehicle, route.DistanceMeters)
	if err != nil {
		return err
	}

	req := &PassengerRequest{
		Profile:        profile,
		Vehicle:        vehicle,
		Pickup:         pickup,
		Destination:    destination,
		DistanceMeters: route.DistanceMeters,
		TariffRupiah:   tariff,
		Session:        session,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitingPassengers[profile.UID] = req

	candidates := p.candidateDriversLocked(ctx, req)
	if len(candidates) > 0 {
		p.notifyDriversLocked(ctx, req, candidates)
	}

	p.telemetry.Record(telemetry.Event{
		Type:           telemetry.EventPassengerRequestRide,
		PassengerUID:   profile.UID,
		DistanceMeters: route.DistanceMeters,
		TariffRupiah:   tariff,
		Payload:        telemetry.VehiclePayload(string(vehicle)),
	})
	return nil
}

// RegisterDriver records or overwrites the driver's offer, then offers the
// single best waiting passenger to this driver. Only geometric distance is
// used on this path.
func (p *Pool) RegisterDriver(ctx context.Context, profile models.UserProfile, route []models.LineSegment, slots int, session dispatch.Session) {
	offer := &DriverOffer{
		Profile:        profile,
		Route:          route,
		AvailableSlots: slots,
		Session:        session,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitingDrivers[profile.UID] = offer
	observability.WaitingDrivers.Set(float64(len(p.waitingDrivers)))

	if best := p.bestPassengerForLocked(offer); best != nil {
		p.offerPassengerLocked(ctx, offer, best)
	}

	p.telemetry.Record(telemetry.Event{
		Type:      telemetry.EventDriverRegisterRoute,
		DriverUID: profile.UID,
		Payload:   telemetry.RoutePayload(len(route)),
	})
}

// UpdateDriverRoute replaces a waiting driver's route in place.
func (p *Pool) UpdateDriverRoute(uid int, route []models.LineSegment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	offer, ok := p.waitingDrivers[uid]
	if !ok {
		p.logger.Warn("route update from driver not in pool", slog.Int("uid", uid))
		return
	}
	offer.Route = route
}

// HandleTripAccept consumes the passenger's request into a trip. The driver
// stays in the pool with the trip recorded, so later accepts extend the same
// trip until its slots are full.
func (p *Pool) HandleTripAccept(driverUID int, passenger models.UserProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offer, ok := p.waitingDrivers[driverUID]
	if !ok {
		p.logger.Warn("accept from driver not in pool", slog.Int("driver", driverUID))
		return
	}
	req, ok := p.waitingPassengers[passenger.UID]
	if !ok {
		p.logger.Warn("accept for passenger not in pool",
			slog.Int("driver", driverUID), slog.Int("passenger", passenger.UID))
		return
	}

	detail := models.TripDetails{
		PickupPoint:      req.Pickup,
		DestinationPoint: req.Destination,
		Status:           models.PassengerWaitingForPickup,
		DistanceMeters:   req.DistanceMeters,
		TariffRupiah:     req.TariffRupiah,
	}

	tripID, active := p.driverTrips[driverUID]
	if active {
		if err := p.trips.AddPassenger(tripID, req.Profile, detail); err != nil {
			p.logger.Warn("passenger rejected by active trip",
				slog.String("trip", tripID), slog.Int("passenger", passenger.UID),
				slog.String("error", err.Error()))
		}
	} else {
		tripID = p.trips.Create(offer.Profile, offer.AvailableSlots, req.Profile, detail)
		p.driverTrips[driverUID] = tripID
		p.telemetry.Record(telemetry.Event{
			Type:           telemetry.EventTripCreated,
			DriverUID:      driverUID,
			PassengerUID:   passenger.UID,
			TripID:         tripID,
			DistanceMeters: req.DistanceMeters,
			TariffRupiah:   req.TariffRupiah,
		})
	}
	observability.MatchesTotal.Inc()

	if err := offer.Session.SendText(wire.EncodeMatch(req.Profile, tripID)); err != nil {
		p.logger.Warn("match confirmation to driver failed", slog.Int("driver", driverUID), slog.String("error", err.Error()))
	}
	if err := req.Session.SendText(wire.EncodeMatch(offer.Profile, tripID)); err != nil {
		p.logger.Warn("match confirmation to passenger failed", slog.Int("passenger", passenger.UID), slog.String("error", err.Error()))
	}

	delete(p.waitingPassengers, passenger.UID)
	if s, ok := p.registry.Get(passenger.UID); ok {
		p.registry.Remove(passenger.UID, s)
	}
}

// StopMatching withdraws whichever waiting-pool entry the uid holds. A
// withdrawn passenger is announced to every waiting driver so stale trip
// requests can be dismissed.
func (p *Pool) StopMatching(uid int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req, ok := p.waitingPassengers[uid]; ok {
		delete(p.waitingPassengers, uid)
		notice := wire.EncodeMatchCancel(req.Profile)
		for driverUID, offer := range p.waitingDrivers {
			if err := offer.Session.SendText(notice); err != nil {
				p.logger.Warn("match cancel notice failed", slog.Int("driver", driverUID), slog.String("error", err.Error()))
			}
		}
		return
	}

	if _, ok := p.waitingDrivers[uid]; ok {
		delete(p.waitingDrivers, uid)
		delete(p.driverTrips, uid)
		observability.WaitingDrivers.Set(float64(len(p.waitingDrivers)))
	}
}

// ReleaseDriver clears the driver's active-trip binding when their trip
// retires. The driver's offer, if still present, becomes matchable into a
// fresh trip again.
func (p *Pool) ReleaseDriver(uid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.driverTrips, uid)
}

// IsWaiting reports whether the uid currently sits in either waiting pool.
func (p *Pool) IsWaiting(uid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, pOK := p.waitingPassengers[uid]
	_, dOK := p.waitingDrivers[uid]
	return pOK || dOK
}
