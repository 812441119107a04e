package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/ezariago/anemon-backend/internal/models"
)

// GoogleGeocoder resolves coordinates through the Google Geocoding API.
type GoogleGeocoder struct {
	client *maps.Client
	region string
}

func NewGoogleGeocoder(apiKey, region string) (*GoogleGeocoder, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleGeocoder{client: c, region: region}, nil
}

// ReverseGeocode returns the formatted address of the best match for p.
func (g *GoogleGeocoder) ReverseGeocode(ctx context.Context, p models.Point) (string, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Latitude, Lng: p.Longitude},
		Region: g.region,
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no address found for %.6f,%.6f", p.Latitude, p.Longitude)
	}
	return results[0].FormattedAddress, nil
}
