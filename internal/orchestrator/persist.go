package orchestrator

import (
	"encoding/json"

	"github.com/bgagent/trackcore/internal/geofence"
)

// geofenceDoc is the on-disk JSON shape persisted alongside the registry
// (store.UpsertGeofence), separate from geofence.Geofence so schema
// evolution here never touches the in-memory type's field layout.
type geofenceDoc struct {
	Identifier       string         `json:"identifier"`
	CenterLatitude   float64        `json:"centerLatitude"`
	CenterLongitude  float64        `json:"centerLongitude"`
	RadiusMeters     float64        `json:"radiusMeters"`
	NotifyOnEntry    bool           `json:"notifyOnEntry"`
	NotifyOnExit     bool           `json:"notifyOnExit"`
	NotifyOnDwell    bool           `json:"notifyOnDwell"`
	LoiteringDelayMs int64          `json:"loiteringDelayMs"`
	Extras           map[string]any `json:"extras,omitempty"`
}

func geofenceToJSON(g geofence.Geofence) ([]byte, error) {
	doc := geofenceDoc{
		Identifier:       g.Identifier,
		CenterLatitude:   g.CenterLatitude,
		CenterLongitude:  g.CenterLongitude,
		RadiusMeters:     g.RadiusMeters,
		NotifyOnEntry:    g.NotifyOnEntry,
		NotifyOnExit:     g.NotifyOnExit,
		NotifyOnDwell:    g.NotifyOnDwell,
		LoiteringDelayMs: g.LoiteringDelayMs,
		Extras:           g.Extras,
	}
	return json.Marshal(doc)
}

func geofenceFromJSON(payload []byte) (geofence.Geofence, error) {
	var doc geofenceDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return geofence.Geofence{}, err
	}
	return geofence.Geofence{
		Identifier:       doc.Identifier,
		CenterLatitude:   doc.CenterLatitude,
		CenterLongitude:  doc.CenterLongitude,
		RadiusMeters:     doc.RadiusMeters,
		NotifyOnEntry:    doc.NotifyOnEntry,
		NotifyOnExit:     doc.NotifyOnExit,
		NotifyOnDwell:    doc.NotifyOnDwell,
		LoiteringDelayMs: doc.LoiteringDelayMs,
		Extras:           doc.Extras,
	}, nil
}
