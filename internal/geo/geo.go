// Package geo holds the pure geometric scoring used by the matcher's
// pre-filter. Distances are in the same coordinate space as the inputs
// (decimal degrees); they are compared against a threshold on that scale,
// never interpreted as real-world metres.
package geo

import (
	"math"

	"github.com/ezariago/anemon-backend/internal/models"
)

// DistanceToSegment returns the Euclidean distance from p to the closest
// point on seg, using orthogonal projection clamped to the segment. A
// degenerate segment (start == end) degrades to plain point distance.
func DistanceToSegment(p models.Point, seg models.LineSegment) float64 {
	a, b := seg.Start, seg.End

	dLat := b.Latitude - a.Latitude
	dLng := b.Longitude - a.Longitude
	segLenSq := dLat*dLat + dLng*dLng

	if segLenSq == 0 {
		return distance(p, a)
	}

	t := ((p.Latitude-a.Latitude)*dLat + (p.Longitude-a.Longitude)*dLng) / segLenSq
	t = clamp01(t)

	closest := models.Point{
		Latitude:  a.Latitude + t*dLat,
		Longitude: a.Longitude + t*dLng,
	}
	return distance(p, closest)
}

// NearestSegment returns the index of the segment in route closest to p and
// that minimum distance. It returns index -1 for an empty route.
func NearestSegment(p models.Point, route []models.LineSegment) (int, float64) {
	best := -1
	bestDist := math.Inf(1)
	for i, seg := range route {
		if d := DistanceToSegment(p, seg); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

func distance(p, q models.Point) float64 {
	dLat := p.Latitude - q.Latitude
	dLng := p.Longitude - q.Longitude
	return math.Sqrt(dLat*dLat + dLng*dLng)
}

func clamp01(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}
