// Package httpapi exposes the dispatcher over HTTP: the two WebSocket
// channels (matching and trip), a few JSON endpoints, health and metrics.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ezariago/anemon-backend/internal/auth"
	"github.com/ezariago/anemon-backend/internal/dispatch"
	"github.com/ezariago/anemon-backend/internal/matching"
	"github.com/ezariago/anemon-backend/internal/routing"
	"github.com/ezariago/anemon-backend/internal/trip"
)

type Server struct {
	logger   *slog.Logger
	verifier *auth.Verifier

	pool  *matching.Pool
	trips *trip.Registry

	matchingReg *dispatch.Registry
	tripReg     *dispatch.Registry

	routes   routing.RouteClient
	geocoder routing.Geocoder

	pingInterval time.Duration
	pongTimeout  time.Duration

	mux *mux.Router
}

type Options struct {
	Logger       *slog.Logger
	Verifier     *auth.Verifier
	Pool         *matching.Pool
	Trips        *trip.Registry
	MatchingReg  *dispatch.Registry
	TripReg      *dispatch.Registry
	Routes       routing.RouteClient
	Geocoder     routing.Geocoder
	PingInterval time.Duration
	PongTimeout  time.Duration
}

func NewServer(o Options) *Server {
	s := &Server{
		logger:       o.Logger,
		verifier:     o.Verifier,
		pool:         o.Pool,
		trips:        o.Trips,
		matchingReg:  o.MatchingReg,
		tripReg:      o.TripReg,
		routes:       o.Routes,
		geocoder:     o.Geocoder,
		pingInterval: o.PingInterval,
		pongTimeout:  o.PongTimeout,
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/ws/matching", s.handleMatchingWS)
	s.mux.HandleFunc("/ws/trip", s.handleTripWS)
	s.mux.HandleFunc("/routing/preview", s.handleRoutePreview).Methods("POST")
	s.mux.HandleFunc("/geocoding/reverse", s.handleReverseGeocode).Methods("POST")
	s.mux.HandleFunc("/users/state", s.handleUserState).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
