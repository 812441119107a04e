package geo

import (
	"math"
	"testing"

	"github.com/ezariago/anemon-backend/internal/models"
)

func pt(lat, lng float64) models.Point { return models.Point{Latitude: lat, Longitude: lng} }

func seg(a, b models.Point) models.LineSegment { return models.LineSegment{Start: a, End: b} }

func TestDistanceToSegment_EndpointsAreZero(t *testing.T) {
	s := seg(pt(0, 0), pt(1, 1))
	if d := DistanceToSegment(pt(0, 0), s); d != 0 {
		t.Fatalf("distance at start endpoint = %f, want 0", d)
	}
	if d := DistanceToSegment(pt(1, 1), s); d != 0 {
		t.Fatalf("distance at end endpoint = %f, want 0", d)
	}
}

func TestDistanceToSegment_DegenerateSegment(t *testing.T) {
	s := seg(pt(2, 3), pt(2, 3))
	got := DistanceToSegment(pt(5, 7), s)
	want := math.Sqrt(3*3 + 4*4)
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("degenerate segment distance = %f, want %f", got, want)
	}
}

func TestDistanceToSegment_OrthogonalProjection(t *testing.T) {
	// Point directly above the middle of a horizontal segment.
	s := seg(pt(0, 0), pt(0, 10))
	got := DistanceToSegment(pt(3, 5), s)
	if math.Abs(got-3) > 1e-12 {
		t.Fatalf("projected distance = %f, want 3", got)
	}
}

func TestDistanceToSegment_ClampsToNearestEndpoint(t *testing.T) {
	// Point past the end of the segment: projection is clamped, so the
	// distance is measured to the endpoint, not the infinite line.
	s := seg(pt(0, 0), pt(0, 10))
	got := DistanceToSegment(pt(0, 14), s)
	if math.Abs(got-4) > 1e-12 {
		t.Fatalf("clamped distance = %f, want 4", got)
	}
	got = DistanceToSegment(pt(-2, -2), s)
	want := math.Sqrt(8)
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("clamped distance = %f, want %f", got, want)
	}
}

func TestNearestSegment(t *testing.T) {
	route := []models.LineSegment{
		seg(pt(0, 0), pt(0, 10)),
		seg(pt(0, 10), pt(10, 10)),
		seg(pt(10, 10), pt(10, 20)),
	}
	// (9.5, 11) is 1 away from the middle segment but only 0.5 from the last
	idx, dist := NearestSegment(pt(9.5, 11), route)
	if idx != 2 {
		t.Fatalf("nearest segment index = %d, want 2", idx)
	}
	if math.Abs(dist-0.5) > 1e-12 {
		t.Fatalf("nearest segment distance = %f, want 0.5", dist)
	}
}

func TestNearestSegment_EmptyRoute(t *testing.T) {
	idx, dist := NearestSegment(pt(0, 0), nil)
	if idx != -1 {
		t.Fatalf("empty route index = %d, want -1", idx)
	}
	if !math.IsInf(dist, 1) {
		t.Fatalf("empty route distance = %f, want +Inf", dist)
	}
}
