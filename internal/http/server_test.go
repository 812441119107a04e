package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/ezariago/anemon-backend/internal/auth"
	"github.com/ezariago/anemon-backend/internal/dispatch"
	"github.com/ezariago/anemon-backend/internal/matching"
	"github.com/ezariago/anemon-backend/internal/models"
	"github.com/ezariago/anemon-backend/internal/routing"
	"github.com/ezariago/anemon-backend/internal/telemetry"
	"github.com/ezariago/anemon-backend/internal/trip"
	"github.com/ezariago/anemon-backend/internal/wire"
)

const testSecret = "test-secret"

type fakeRoutes struct{}

func (fakeRoutes) ComputeRoute(context.Context, models.Point, *models.Point, models.Point) (routing.Route, error) {
	return routing.Route{EncodedPolyline: "poly", DistanceMeters: 5000}, nil
}

type fakeGeocoder struct{}

func (fakeGeocoder) ReverseGeocode(_ context.Context, p models.Point) (string, error) {
	return fmt.Sprintf("Jl. %.1f", p.Latitude), nil
}

type fakeDirectory struct {
	users map[int]models.UserProfile
}

func (f *fakeDirectory) Lookup(_ context.Context, uid int) (models.UserProfile, int, error) {
	p, ok := f.users[uid]
	if !ok {
		return models.UserProfile{}, 0, auth.ErrUnknownUser
	}
	return p, 1, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *trip.Registry, *matching.Pool) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := &fakeDirectory{users: map[int]models.UserProfile{
		1: {UID: 1, Name: "Dewi", VehiclePreference: models.VehicleMotorcycle},
		2: {UID: 2, Name: "Agus", VehiclePreference: models.VehiclePassenger},
	}}
	verifier := auth.NewVerifier(testSecret, dir)
	tel := telemetry.NewAppender(logger, telemetry.NewMemoryStore())

	matchingReg := dispatch.NewRegistry()
	pool := matching.NewPool(fakeRoutes{}, fakeGeocoder{}, matchingReg, tel, 500, logger)
	trips := trip.NewRegistry(fakeRoutes{}, tel, pool, logger)
	pool.AttachTrips(trips)

	srv := httptest.NewServer(NewServer(Options{
		Logger:       logger,
		Verifier:     verifier,
		Pool:         pool,
		Trips:        trips,
		MatchingReg:  matchingReg,
		TripReg:      dispatch.NewRegistry(),
		Routes:       fakeRoutes{},
		Geocoder:     fakeGeocoder{},
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  5 * time.Second,
	}))
	t.Cleanup(srv.Close)
	return srv, trips, pool
}

func tokenFor(t *testing.T, uid int) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"uid": uid, "ver": 1})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func dialWS(t *testing.T, srv *httptest.Server, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrameWithPrefix reads frames until one starts with the wanted verb.
func readFrameWithPrefix(t *testing.T, conn *websocket.Conn, verb string) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", verb, err)
		}
		if strings.HasPrefix(string(data), verb+" ") || string(data) == verb {
			return string(data)
		}
	}
}

func profileToken(t *testing.T, p models.UserProfile) string {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestUnauthenticatedWSClosedWithPolicyViolation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws/matching", "")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want policy violation close", err)
	}
}

func TestMatchAndJoinFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)

	driverConn := dialWS(t, srv, "/ws/matching", tokenFor(t, 1))
	passengerConn := dialWS(t, srv, "/ws/matching", tokenFor(t, 2))

	if err := driverConn.WriteMessage(websocket.TextMessage, []byte("REGISTER_DRIVER 1 0,0:1,1")); err != nil {
		t.Fatal(err)
	}
	// the driver's registration races the passenger's; give it a beat
	time.Sleep(100 * time.Millisecond)

	reg := `REGISTER_PASSENGER MOTORCYCLE {"latitude":0,"longitude":0} {"latitude":1,"longitude":1}`
	if err := passengerConn.WriteMessage(websocket.TextMessage, []byte(reg)); err != nil {
		t.Fatal(err)
	}

	readFrameWithPrefix(t, driverConn, wire.VerbTripRequest)

	passenger := models.UserProfile{UID: 2, Name: "Agus", VehiclePreference: models.VehiclePassenger}
	accept := "TRIP_ACCEPT " + profileToken(t, passenger)
	if err := driverConn.WriteMessage(websocket.TextMessage, []byte(accept)); err != nil {
		t.Fatal(err)
	}

	driverMatch := readFrameWithPrefix(t, driverConn, wire.VerbMatch)
	passengerMatch := readFrameWithPrefix(t, passengerConn, wire.VerbMatch)

	tripID := strings.Fields(driverMatch)[1]
	if got := strings.Fields(passengerMatch)[1]; got != tripID {
		t.Fatalf("trip ids differ: %q vs %q", tripID, got)
	}

	// both participants join the trip channel; the trip leaves
	// AWAITING_PARTICIPANTS once everyone is live
	driverTrip := dialWS(t, srv, "/ws/trip", tokenFor(t, 1))
	passengerTrip := dialWS(t, srv, "/ws/trip", tokenFor(t, 2))

	join := "JOIN_TRIP " + tripID
	if err := driverTrip.WriteMessage(websocket.TextMessage, []byte(join)); err != nil {
		t.Fatal(err)
	}
	first := readFrameWithPrefix(t, driverTrip, wire.VerbTripStateUpdate)
	st, err := wire.DecodeTripStateUpdate(first)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.TripAwaitingParticipants {
		t.Errorf("status after first join = %s", st.Status)
	}

	if err := passengerTrip.WriteMessage(websocket.TextMessage, []byte(join)); err != nil {
		t.Fatal(err)
	}
	for {
		frame := readFrameWithPrefix(t, passengerTrip, wire.VerbTripStateUpdate)
		st, err = wire.DecodeTripStateUpdate(frame)
		if err != nil {
			t.Fatal(err)
		}
		if st.Status == models.TripEnRouteToPickup {
			break
		}
	}
	if len(st.Passengers) != 1 || st.Passengers[0].Profile.UID != 2 {
		t.Errorf("passengers = %+v", st.Passengers)
	}
}

func TestJoinUnknownTripGetsErrorAndNormalClose(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws/trip", tokenFor(t, 1))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("JOIN_TRIP nope")); err != nil {
		t.Fatal(err)
	}

	frame := readFrameWithPrefix(t, conn, wire.VerbError)
	if !strings.Contains(frame, "trip not found") {
		t.Errorf("frame = %q", frame)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err = %v, want normal closure", err)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialWS(t, srv, "/ws/matching", tokenFor(t, 2))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("REGISTER_PASSENGER junk")); err != nil {
		t.Fatal(err)
	}
	// connection must survive; a valid registration afterwards still works
	reg := `REGISTER_PASSENGER MOTORCYCLE {"latitude":0,"longitude":0} {"latitude":1,"longitude":1}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(reg)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("STOP_MATCHING")); err != nil {
		t.Fatalf("connection no longer writable: %v", err)
	}
}

func TestSupersededConnectionCleanupKeepsFreshRegistration(t *testing.T) {
	srv, _, pool := newTestServer(t)

	first := dialWS(t, srv, "/ws/matching", tokenFor(t, 1))
	if err := first.WriteMessage(websocket.TextMessage, []byte("REGISTER_DRIVER 1 0,0:1,1")); err != nil {
		t.Fatal(err)
	}

	// a reconnect supersedes the first connection and registers again
	second := dialWS(t, srv, "/ws/matching", tokenFor(t, 1))
	if err := second.WriteMessage(websocket.TextMessage, []byte("REGISTER_DRIVER 1 0,0:1,1")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !pool.IsWaiting(1) {
		if time.Now().After(deadline) {
			t.Fatal("driver never entered the pool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the stale connection's teardown must not evict the fresh registration
	first.Close()
	time.Sleep(300 * time.Millisecond)
	if !pool.IsWaiting(1) {
		t.Error("superseded connection teardown removed the live driver from the pool")
	}
}

func TestUserStateEndpoint(t *testing.T) {
	srv, trips, _ := newTestServer(t)

	get := func(token string) (int, map[string]string) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/users/state", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		out := map[string]string{}
		json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	if code, _ := get(""); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", code)
	}

	if _, body := get(tokenFor(t, 1)); body["status"] != string(models.StatusIdle) {
		t.Errorf("idle body = %v", body)
	}

	driver := models.UserProfile{UID: 1, Name: "Dewi", VehiclePreference: models.VehicleMotorcycle}
	passenger := models.UserProfile{UID: 2, Name: "Agus"}
	tripID := trips.Create(driver, 1, passenger, models.TripDetails{Status: models.PassengerWaitingForPickup})

	if _, body := get(tokenFor(t, 1)); body["status"] != string(models.StatusInTripAsDriver) || body["tripId"] != tripID {
		t.Errorf("driver body = %v", body)
	}
	if _, body := get(tokenFor(t, 2)); body["status"] != string(models.StatusInTripAsPassenger) {
		t.Errorf("passenger body = %v", body)
	}
}

func TestRoutePreviewEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"origin":{"latitude":0,"longitude":0},"destination":{"latitude":1,"longitude":1}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/routing/preview", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, 2))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		EncodedPolyline string `json:"encodedPolyline"`
		DistanceMeters  int    `json:"distanceMeters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.EncodedPolyline != "poly" || out.DistanceMeters != 5000 {
		t.Errorf("out = %+v", out)
	}
}

func TestRoutePreviewWithTariff(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"origin":{"latitude":0,"longitude":0},"destination":{"latitude":1,"longitude":1},"vehiclePreference":"MOTORCYCLE"}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/routing/preview", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, 2))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		TariffRupiah int64 `json:"tariffRupiah"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	// 5km route, 800 per km on a motorcycle.
	if out.TariffRupiah != 4000 {
		t.Errorf("tariff = %d, want 4000", out.TariffRupiah)
	}
}
