package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ezariago/anemon-backend/internal/matching"
	"github.com/ezariago/anemon-backend/internal/models"
)

// handleRoutePreview computes a route between two points so a client can
// show distance and path before registering a request.
func (s *Server) handleRoutePreview(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Verify(r.Context(), bearerToken(r)); err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req struct {
		Origin      models.Point `json:"origin"`
		Destination models.Point `json:"destination"`
		Vehicle     string       `json:"vehiclePreference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	route, err := s.routes.ComputeRoute(r.Context(), req.Origin, nil, req.Destination)
	if err != nil {
		s.logger.Warn("route preview failed", slog.String("error", err.Error()))
		http.Error(w, "routing unavailable", http.StatusBadGateway)
		return
	}
	resp := map[string]any{
		"encodedPolyline": route.EncodedPolyline,
		"distanceMeters":  route.DistanceMeters,
	}
	if req.Vehicle != "" {
		vehicle, err := models.ParseVehiclePreference(req.Vehicle)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tariff, err := matching.Tariff(vehicle, route.DistanceMeters)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp["tariffRupiah"] = tariff
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReverseGeocode(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Verify(r.Context(), bearerToken(r)); err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var p models.Point
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	addr, err := s.geocoder.ReverseGeocode(r.Context(), p)
	if err != nil {
		s.logger.Warn("reverse geocode failed", slog.String("error", err.Error()))
		http.Error(w, "geocoding unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"address": addr})
}

// handleUserState answers "what am I doing right now": idle, driving a trip,
// or riding one. Clients call it on startup to decide which screen to open.
func (s *Server) handleUserState(w http.ResponseWriter, r *http.Request) {
	profile, err := s.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	resp := struct {
		Status models.UserStatus `json:"status"`
		TripID string            `json:"tripId,omitempty"`
	}{Status: models.StatusIdle}

	if tripID, isDriver, ok := s.trips.FindTripForUser(profile.UID); ok {
		resp.TripID = tripID
		if isDriver {
			resp.Status = models.StatusInTripAsDriver
		} else {
			resp.Status = models.StatusInTripAsPassenger
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
