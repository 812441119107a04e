package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ezariago/anemon-backend/internal/models"
	"github.com/ezariago/anemon-backend/internal/observability"
)

const routesEndpoint = "https://routes.googleapis.com/directions/v2:computeRoutes"

// GoogleRoutesClient performs route lookups against the Google Routes API v2.
type GoogleRoutesClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewGoogleRoutesClient(apiKey string) *GoogleRoutesClient {
	return &GoogleRoutesClient{
		Endpoint: routesEndpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type latLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type waypoint struct {
	Location struct {
		LatLng latLng `json:"latLng"`
	} `json:"location"`
}

func toWaypoint(p models.Point) waypoint {
	var w waypoint
	w.Location.LatLng = latLng{Latitude: p.Latitude, Longitude: p.Longitude}
	return w
}

// ComputeRoute asks the Routes API for a driving route. The field mask keeps
// the response down to the two fields the dispatcher consumes.
func (g *GoogleRoutesClient) ComputeRoute(ctx context.Context, origin models.Point, intermediate *models.Point, destination models.Point) (Route, error) {
	body := struct {
		Origin        waypoint   `json:"origin"`
		Destination   waypoint   `json:"destination"`
		Intermediates []waypoint `json:"intermediates,omitempty"`
		TravelMode    string     `json:"travelMode"`
	}{
		Origin:      toWaypoint(origin),
		Destination: toWaypoint(destination),
		TravelMode:  "DRIVE",
	}
	if intermediate != nil {
		body.Intermediates = []waypoint{toWaypoint(*intermediate)}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Route{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Route{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", g.APIKey)
	req.Header.Set("X-Goog-FieldMask", "routes.polyline,routes.distanceMeters")

	start := time.Now()
	resp, err := g.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	observability.RoutingLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("routes api status %d", resp.StatusCode)
	}

	var out struct {
		Routes []struct {
			DistanceMeters int `json:"distanceMeters"`
			Polyline       struct {
				EncodedPolyline string `json:"encodedPolyline"`
			} `json:"polyline"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("routes api returned no route")
	}
	return Route{
		EncodedPolyline: out.Routes[0].Polyline.EncodedPolyline,
		DistanceMeters:  out.Routes[0].DistanceMeters,
	}, nil
}
