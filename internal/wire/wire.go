// Package wire implements the text frame protocol spoken on the matching and
// trip WebSocket channels. Frames are space-separated tokens; the first token
// is the verb. Structured payloads are JSON, base64-wrapped whenever they may
// contain spaces. Parsers return errors instead of panicking so a handler can
// apply the drop-message / ignore-action policy per error kind.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ezariago/anemon-backend/internal/models"
)

// Client -> server verbs, matching channel.
const (
	VerbRegisterPassenger = "REGISTER_PASSENGER"
	VerbRegisterDriver    = "REGISTER_DRIVER"
	VerbTripAccept        = "TRIP_ACCEPT"
	VerbStopMatching      = "STOP_MATCHING"
	VerbUpdateDriverRoute = "UPDATE_DRIVER_ROUTE"
)

// Server -> client verbs, matching channel.
const (
	VerbTripRequest = "TRIP_REQUEST"
	VerbMatch       = "MATCH"
	VerbMatchCancel = "MATCH_CANCEL"
)

// Client -> server verbs, trip channel.
const (
	VerbJoinTrip           = "JOIN_TRIP"
	VerbUpdateLocation     = "UPDATE_LOCATION"
	VerbPickupPassenger    = "PICKUP_PASSENGER"
	VerbDropoffPassenger   = "DROPOFF_PASSENGER"
	VerbUpdateCancellation = "UPDATE_CANCELLATION"
)

// Server -> client verbs, trip channel.
const (
	VerbTripStateUpdate        = "TRIP_STATE_UPDATE"
	VerbPolylineUpdate         = "POLYLINE_UPDATE"
	VerbLocationBroadcast      = "LOCATION_BROADCAST"
	VerbError                  = "ERROR"
	VerbCancelRequestBroadcast = "CANCEL_REQUEST_BROADCAST"
)

// ErrUnknownAction marks a verb this channel does not accept from clients.
// Callers log and ignore it; any other parse error means the single frame was
// malformed and is dropped.
var ErrUnknownAction = errors.New("unknown action")

func toBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func fromBase64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode base64 token: %w", err)
	}
	return string(b), nil
}

func decodeProfile(token string) (models.UserProfile, error) {
	raw, err := fromBase64(token)
	if err != nil {
		return models.UserProfile{}, err
	}
	var p models.UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.UserProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

func encodeProfile(p models.UserProfile) string {
	b, _ := json.Marshal(p)
	return toBase64(string(b))
}

// parseRoute parses "lat,lng:lat,lng" tokens into segments.
func parseRoute(tokens []string) ([]models.LineSegment, error) {
	if len(tokens) == 0 {
		return nil, errors.New("route has no segments")
	}
	route := make([]models.LineSegment, 0, len(tokens))
	for _, tok := range tokens {
		ends := strings.Split(tok, ":")
		if len(ends) != 2 {
			return nil, fmt.Errorf("invalid route segment %q, expected 'startLat,startLng:endLat,endLng'", tok)
		}
		start, err := parsePoint(ends[0])
		if err != nil {
			return nil, err
		}
		end, err := parsePoint(ends[1])
		if err != nil {
			return nil, err
		}
		route = append(route, models.LineSegment{Start: start, End: end})
	}
	return route, nil
}

func parsePoint(tok string) (models.Point, error) {
	coords := strings.Split(tok, ",")
	if len(coords) != 2 {
		return models.Point{}, fmt.Errorf("invalid coordinate pair %q", tok)
	}
	lat, err := strconv.ParseFloat(coords[0], 64)
	if err != nil {
		return models.Point{}, fmt.Errorf("invalid latitude %q: %w", coords[0], err)
	}
	lng, err := strconv.ParseFloat(coords[1], 64)
	if err != nil {
		return models.Point{}, fmt.Errorf("invalid longitude %q: %w", coords[1], err)
	}
	return models.Point{Latitude: lat, Longitude: lng}, nil
}

// FormatRoute renders a route back into the wire form used by
// REGISTER_DRIVER and UPDATE_DRIVER_ROUTE.
func FormatRoute(route []models.LineSegment) string {
	parts := make([]string, len(route))
	for i, seg := range route {
		parts[i] = fmt.Sprintf("%g,%g:%g,%g",
			seg.Start.Latitude, seg.Start.Longitude,
			seg.End.Latitude, seg.End.Longitude)
	}
	return strings.Join(parts, " ")
}
