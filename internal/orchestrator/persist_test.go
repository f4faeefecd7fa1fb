package orchestrator

import (
	"testing"

	"github.com/bgagent/trackcore/internal/geofence"
)

func TestGeofenceJSONRoundTrip(t *testing.T) {
	g := geofence.Geofence{
		Identifier:       "home",
		CenterLatitude:   37.4,
		CenterLongitude:  -122.1,
		RadiusMeters:     150,
		NotifyOnEntry:    true,
		NotifyOnExit:     false,
		NotifyOnDwell:    true,
		LoiteringDelayMs: 60000,
		Extras:           map[string]any{"zone": "a"},
	}

	payload, err := geofenceToJSON(g)
	if err != nil {
		t.Fatalf("geofenceToJSON: %v", err)
	}

	got, err := geofenceFromJSON(payload)
	if err != nil {
		t.Fatalf("geofenceFromJSON: %v", err)
	}
	if got.Identifier != g.Identifier || got.RadiusMeters != g.RadiusMeters ||
		got.NotifyOnEntry != g.NotifyOnEntry || got.NotifyOnExit != g.NotifyOnExit ||
		got.NotifyOnDwell != g.NotifyOnDwell || got.LoiteringDelayMs != g.LoiteringDelayMs {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, g)
	}
	if got.Extras["zone"] != "a" {
		t.Fatalf("expected extras to round-trip, got %+v", got.Extras)
	}
}

func TestGeofenceFromJSONRejectsMalformedPayload(t *testing.T) {
	if _, err := geofenceFromJSON([]byte("not json")); err == nil {
		t.Fatalf("expected malformed payload to error")
	}
}
