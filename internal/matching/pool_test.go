package matching

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ezariago/anemon-backend/internal/dispatch"
	"github.com/ezariago/anemon-backend/internal/models"
	"github.com/ezariago/anemon-backend/internal/routing"
	"github.com/ezariago/anemon-backend/internal/telemetry"
	"github.com/ezariago/anemon-backend/internal/trip"
	"github.com/ezariago/anemon-backend/internal/wire"
)

type fakeRoutes struct {
	mu       sync.Mutex
	calls    int
	fail     bool
	distance int
}

func (f *fakeRoutes) ComputeRoute(context.Context, models.Point, *models.Point, models.Point) (routing.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return routing.Route{}, errors.New("routing down")
	}
	f.calls++
	return routing.Route{EncodedPolyline: "poly", DistanceMeters: f.distance}, nil
}

type fakeGeocoder struct{}

func (fakeGeocoder) ReverseGeocode(_ context.Context, p models.Point) (string, error) {
	return fmt.Sprintf("Jl. %.1f", p.Latitude), nil
}

type fakeSession struct {
	mu     sync.Mutex
	frames []string
}

func (f *fakeSession) SendText(frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSession) Ping() error        { return nil }
func (f *fakeSession) Close(string) error { return nil }

func (f *fakeSession) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	copy(out, f.frames)
	return out
}

type fakeTrips struct {
	mu         sync.Mutex
	creates    int
	tripID     string
	capacity   int
	passengers []int
}

func (f *fakeTrips) Create(_ models.UserProfile, slots int, passenger models.UserProfile, _ models.TripDetails) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.tripID = fmt.Sprintf("trip-%d", f.creates)
	f.capacity = slots
	f.passengers = append(f.passengers, passenger.UID)
	return f.tripID
}

func (f *fakeTrips) AddPassenger(tripID string, passenger models.UserProfile, _ models.TripDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tripID != f.tripID {
		return errors.New("unknown trip")
	}
	if len(f.passengers) >= f.capacity {
		return errors.New("trip full")
	}
	f.passengers = append(f.passengers, passenger.UID)
	return nil
}

func (f *fakeTrips) HasCapacity(tripID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return tripID == f.tripID && len(f.passengers) < f.capacity
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(routes *fakeRoutes) (*Pool, *fakeTrips) {
	trips := &fakeTrips{}
	logger := discardLogger()
	p := NewPool(routes, fakeGeocoder{}, dispatch.NewRegistry(), telemetry.NewAppender(logger, telemetry.NewMemoryStore()), 500, logger)
	p.AttachTrips(trips)
	return p, trips
}

func driverProfile(uid int, v models.VehiclePreference) models.UserProfile {
	return models.UserProfile{UID: uid, Name: fmt.Sprintf("driver-%d", uid), VehiclePreference: v}
}

func passengerProfile(uid int) models.UserProfile {
	return models.UserProfile{UID: uid, Name: fmt.Sprintf("passenger-%d", uid), VehiclePreference: models.VehiclePassenger}
}

var diagonalRoute = []models.LineSegment{{
	Start: models.Point{Latitude: 0, Longitude: 0},
	End:   models.Point{Latitude: 1, Longitude: 1},
}}

func TestTariff(t *testing.T) {
	cases := []struct {
		vehicle models.VehiclePreference
		meters  int
		want    int64
	}{
		{models.VehicleMotorcycle, 500, 3200},
		{models.VehicleMotorcycle, 4000, 3200},
		{models.VehicleMotorcycle, 5000, 4000},
		{models.VehicleCar, 10050, 20000},
		{models.VehicleCar, 500, 8000},
	}
	for _, c := range cases {
		got, err := Tariff(c.vehicle, c.meters)
		if err != nil {
			t.Fatalf("Tariff(%s, %d): %v", c.vehicle, c.meters, err)
		}
		if got != c.want {
			t.Errorf("Tariff(%s, %d) = %d, want %d", c.vehicle, c.meters, got, c.want)
		}
	}

	if _, err := Tariff(models.VehiclePassenger, 1000); err == nil {
		t.Error("expected error for PASSENGER tariff")
	}
}

func TestRegisterPassengerNotifiesNearbyDriver(t *testing.T) {
	p, _ := newTestPool(&fakeRoutes{distance: 5000})

	ds := &fakeSession{}
	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleMotorcycle), diagonalRoute, 1, ds)

	ps := &fakeSession{}
	err := p.RegisterPassenger(context.Background(), passengerProfile(2), models.VehicleMotorcycle,
		models.Point{Latitude: 0, Longitude: 0}, models.Point{Latitude: 1, Longitude: 1}, ps)
	if err != nil {
		t.Fatalf("RegisterPassenger: %v", err)
	}

	frames := ds.sent()
	if len(frames) != 1 || !strings.HasPrefix(frames[0], wire.VerbTripRequest+" ") {
		t.Fatalf("driver frames = %v, want one TRIP_REQUEST", frames)
	}
	if !strings.HasSuffix(frames[0], " 4000") {
		t.Errorf("trip request should end with computed tariff: %q", frames[0])
	}
}

func TestVehiclePreferenceNeverCrossesMatch(t *testing.T) {
	p, _ := newTestPool(&fakeRoutes{distance: 5000})

	ds := &fakeSession{}
	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleCar), diagonalRoute, 1, ds)

	if err := p.RegisterPassenger(context.Background(), passengerProfile(2), models.VehicleMotorcycle,
		models.Point{Latitude: 0, Longitude: 0}, models.Point{Latitude: 1, Longitude: 1}, &fakeSession{}); err != nil {
		t.Fatalf("RegisterPassenger: %v", err)
	}
	if len(ds.sent()) != 0 {
		t.Errorf("car driver received motorcycle request: %v", ds.sent())
	}

	// And the reverse: a motorcycle driver coming online must not be offered
	// the waiting motorcycle passenger's request by the car pool path.
	ds2 := &fakeSession{}
	p.RegisterDriver(context.Background(), driverProfile(3, models.VehicleCar), diagonalRoute, 1, ds2)
	for _, f := range ds2.sent() {
		if strings.HasPrefix(f, wire.VerbTripRequest) {
			t.Errorf("car driver offered motorcycle passenger: %q", f)
		}
	}
}

func TestRegisterDriverOffersBestWaitingPassenger(t *testing.T) {
	p, _ := newTestPool(&fakeRoutes{distance: 5000})

	near := &fakeSession{}
	if err := p.RegisterPassenger(context.Background(), passengerProfile(10), models.VehicleMotorcycle,
		models.Point{Latitude: 0.5, Longitude: 0.5}, models.Point{Latitude: 0.9, Longitude: 0.9}, near); err != nil {
		t.Fatal(err)
	}
	far := &fakeSession{}
	if err := p.RegisterPassenger(context.Background(), passengerProfile(11), models.VehicleMotorcycle,
		models.Point{Latitude: 30, Longitude: 0.5}, models.Point{Latitude: 0.9, Longitude: 0.9}, far); err != nil {
		t.Fatal(err)
	}

	ds := &fakeSession{}
	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleMotorcycle), diagonalRoute, 1, ds)

	frames := ds.sent()
	if len(frames) != 1 {
		t.Fatalf("driver frames = %v, want exactly one offer", frames)
	}
	if !strings.Contains(frames[0], wire.VerbTripRequest) {
		t.Errorf("frame = %q", frames[0])
	}
}

func TestRoutingFailureAbortsRegistration(t *testing.T) {
	p, _ := newTestPool(&fakeRoutes{fail: true})

	err := p.RegisterPassenger(context.Background(), passengerProfile(2), models.VehicleMotorcycle,
		models.Point{}, models.Point{Latitude: 1, Longitude: 1}, &fakeSession{})
	if err == nil {
		t.Fatal("expected error when routing is down")
	}
	if p.IsWaiting(2) {
		t.Error("failed registration left passenger in pool")
	}
}

func TestTripAcceptCreatesTripAndConfirmsBothParties(t *testing.T) {
	p, trips := newTestPool(&fakeRoutes{distance: 5000})

	ds := &fakeSession{}
	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleMotorcycle), diagonalRoute, 1, ds)
	ps := &fakeSession{}
	if err := p.RegisterPassenger(context.Background(), passengerProfile(2), models.VehicleMotorcycle,
		models.Point{}, models.Point{Latitude: 1, Longitude: 1}, ps); err != nil {
		t.Fatal(err)
	}

	p.HandleTripAccept(1, passengerProfile(2))

	if trips.creates != 1 {
		t.Fatalf("creates = %d, want 1", trips.creates)
	}
	if p.IsWaiting(2) {
		t.Error("accepted passenger still in pool")
	}
	if p.IsWaiting(1) != true {
		t.Error("driver must stay in pool for further matches")
	}

	wantMatch := func(s *fakeSession, who string) {
		t.Helper()
		for _, f := range s.sent() {
			if strings.HasPrefix(f, wire.VerbMatch+" "+trips.tripID+" ") {
				return
			}
		}
		t.Errorf("%s never received MATCH: %v", who, s.sent())
	}
	wantMatch(ds, "driver")
	wantMatch(ps, "passenger")
}

func TestSecondAcceptExtendsSameTrip(t *testing.T) {
	p, trips := newTestPool(&fakeRoutes{distance: 5000})

	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleMotorcycle), diagonalRoute, 2, &fakeSession{})
	for _, uid := range []int{2, 3} {
		if err := p.RegisterPassenger(context.Background(), passengerProfile(uid), models.VehicleMotorcycle,
			models.Point{}, models.Point{Latitude: 1, Longitude: 1}, &fakeSession{}); err != nil {
			t.Fatal(err)
		}
	}

	p.HandleTripAccept(1, passengerProfile(2))
	p.HandleTripAccept(1, passengerProfile(3))

	if trips.creates != 1 {
		t.Fatalf("creates = %d, want 1 (second accept must extend the trip)", trips.creates)
	}
	if len(trips.passengers) != 2 {
		t.Errorf("passengers = %v, want both in trip", trips.passengers)
	}
}

func TestFullTripDriverSkippedAsCandidate(t *testing.T) {
	p, _ := newTestPool(&fakeRoutes{distance: 5000})

	ds := &fakeSession{}
	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleMotorcycle), diagonalRoute, 1, ds)
	if err := p.RegisterPassenger(context.Background(), passengerProfile(2), models.VehicleMotorcycle,
		models.Point{}, models.Point{Latitude: 1, Longitude: 1}, &fakeSession{}); err != nil {
		t.Fatal(err)
	}
	p.HandleTripAccept(1, passengerProfile(2))

	before := len(ds.sent())
	if err := p.RegisterPassenger(context.Background(), passengerProfile(3), models.VehicleMotorcycle,
		models.Point{}, models.Point{Latitude: 1, Longitude: 1}, &fakeSession{}); err != nil {
		t.Fatal(err)
	}
	if got := len(ds.sent()); got != before {
		t.Errorf("full driver received new trip request: %v", ds.sent()[before:])
	}
}

func TestStopMatchingPassengerBroadcastsCancel(t *testing.T) {
	p, _ := newTestPool(&fakeRoutes{distance: 5000})

	ds := &fakeSession{}
	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleCar), diagonalRoute, 1, ds)
	if err := p.RegisterPassenger(context.Background(), passengerProfile(2), models.VehicleCar,
		models.Point{}, models.Point{Latitude: 1, Longitude: 1}, &fakeSession{}); err != nil {
		t.Fatal(err)
	}

	p.StopMatching(2)

	if p.IsWaiting(2) {
		t.Error("passenger still waiting after StopMatching")
	}
	var sawCancel bool
	for _, f := range ds.sent() {
		if strings.HasPrefix(f, wire.VerbMatchCancel+" ") {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Errorf("driver never saw MATCH_CANCEL: %v", ds.sent())
	}
}

func TestStopMatchingDriverClearsActiveTrip(t *testing.T) {
	p, trips := newTestPool(&fakeRoutes{distance: 5000})

	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleCar), diagonalRoute, 2, &fakeSession{})
	if err := p.RegisterPassenger(context.Background(), passengerProfile(2), models.VehicleCar,
		models.Point{}, models.Point{Latitude: 1, Longitude: 1}, &fakeSession{}); err != nil {
		t.Fatal(err)
	}
	p.HandleTripAccept(1, passengerProfile(2))
	p.StopMatching(1)

	// Re-registering and accepting again must open a fresh trip, not extend
	// the cleared one.
	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleCar), diagonalRoute, 2, &fakeSession{})
	if err := p.RegisterPassenger(context.Background(), passengerProfile(3), models.VehicleCar,
		models.Point{}, models.Point{Latitude: 1, Longitude: 1}, &fakeSession{}); err != nil {
		t.Fatal(err)
	}
	p.HandleTripAccept(1, passengerProfile(3))

	if trips.creates != 2 {
		t.Errorf("creates = %d, want 2", trips.creates)
	}
}

func TestUpdateDriverRouteReplacesInPlace(t *testing.T) {
	p, _ := newTestPool(&fakeRoutes{distance: 5000})

	ds := &fakeSession{}
	farRoute := []models.LineSegment{{
		Start: models.Point{Latitude: 40, Longitude: 40},
		End:   models.Point{Latitude: 41, Longitude: 41},
	}}
	p.RegisterDriver(context.Background(), driverProfile(1, models.VehicleMotorcycle), farRoute, 1, ds)
	p.UpdateDriverRoute(1, diagonalRoute)

	if err := p.RegisterPassenger(context.Background(), passengerProfile(2), models.VehicleMotorcycle,
		models.Point{}, models.Point{Latitude: 1, Longitude: 1}, &fakeSession{}); err != nil {
		t.Fatal(err)
	}
	var sawRequest bool
	for _, f := range ds.sent() {
		if strings.HasPrefix(f, wire.VerbTripRequest+" ") {
			sawRequest = true
		}
	}
	if !sawRequest {
		t.Errorf("driver with updated route not matched: %v", ds.sent())
	}

	// Unknown driver is a logged no-op.
	p.UpdateDriverRoute(99, diagonalRoute)
}

// gatedSession blocks SendText while armed and reports when a send is held.
type gatedSession struct {
	fakeSession
	gateMu  sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedSession) arm() {
	g.gateMu.Lock()
	defer g.gateMu.Unlock()
	g.gate = make(chan struct{})
	g.entered = make(chan struct{}, 1)
}

func (g *gatedSession) release() {
	g.gateMu.Lock()
	defer g.gateMu.Unlock()
	close(g.gate)
	g.gate = nil
}

func (g *gatedSession) SendText(frame string) error {
	g.gateMu.Lock()
	gate, entered := g.gate, g.entered
	g.gateMu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}
	return g.fakeSession.SendText(frame)
}

// A trip retiring mid-broadcast must not stall passenger registrations: the
// registration holds the pool lock while it checks the trip's capacity, and
// the retirement releases the driver back into that same pool.
func TestTripRetirementDoesNotBlockPool(t *testing.T) {
	logger := discardLogger()
	routes := &fakeRoutes{distance: 5000}
	pool := NewPool(routes, fakeGeocoder{}, dispatch.NewRegistry(),
		telemetry.NewAppender(logger, telemetry.NewMemoryStore()), 500, logger)
	trips := trip.NewRegistry(routes, telemetry.NewAppender(logger, telemetry.NewMemoryStore()), pool, logger)
	pool.AttachTrips(trips)

	ctx := context.Background()
	d := driverProfile(1, models.VehicleMotorcycle)
	rider := passengerProfile(2)
	origin := models.Point{Latitude: 0, Longitude: 0}
	dest := models.Point{Latitude: 1, Longitude: 1}

	pool.RegisterDriver(ctx, d, diagonalRoute, 1, &fakeSession{})
	if err := pool.RegisterPassenger(ctx, rider, models.VehicleMotorcycle, origin, dest, &fakeSession{}); err != nil {
		t.Fatal(err)
	}
	pool.HandleTripAccept(d.UID, rider)

	tripID, _, ok := trips.FindTripForUser(d.UID)
	if !ok {
		t.Fatal("accepted trip not found")
	}

	ds := &gatedSession{}
	if err := trips.Join(tripID, d, ds); err != nil {
		t.Fatal(err)
	}
	trips.PickedUp(tripID, d.UID, rider)

	// Hold the final drop-off broadcast mid-flight with the trip lock owned.
	ds.arm()
	dropped := make(chan struct{})
	go func() {
		trips.DroppedOff(tripID, d.UID, rider)
		close(dropped)
	}()
	select {
	case <-ds.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("drop-off broadcast never started")
	}

	// A concurrent registration reaches the driver's capacity check and waits
	// on the held trip lock.
	registered := make(chan error, 1)
	go func() {
		registered <- pool.RegisterPassenger(ctx, passengerProfile(3), models.VehicleMotorcycle, origin, dest, &fakeSession{})
	}()
	time.Sleep(50 * time.Millisecond)
	ds.release()

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("drop-off wedged against the registration")
	}
	select {
	case err := <-registered:
		if err != nil {
			t.Fatalf("registration: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("registration wedged against the retirement")
	}

	// The retired driver is matchable into a fresh trip again.
	pool.HandleTripAccept(d.UID, passengerProfile(3))
	if _, _, ok := trips.FindTripForUser(3); !ok {
		t.Error("driver not released for a new trip after retirement")
	}
}
