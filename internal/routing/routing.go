// Package routing wraps the external road-network providers. The dispatcher
// treats road distances and polylines as advisory data: matching still works
// when a provider call fails, it just falls back to geometric estimates.
package routing

import (
	"context"

	"github.com/ezariago/anemon-backend/internal/models"
)

// Route is one computed road route.
type Route struct {
	EncodedPolyline string
	DistanceMeters  int
}

// RouteClient computes a road route between two points, optionally via one
// intermediate waypoint.
type RouteClient interface {
	ComputeRoute(ctx context.Context, origin models.Point, intermediate *models.Point, destination models.Point) (Route, error)
}

// Geocoder resolves a coordinate to a human-readable address.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p models.Point) (string, error)
}
