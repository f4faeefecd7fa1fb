// Package bgevent defines the canonical data model shared by every CORE
// component: coordinates, activity samples, the Location record, and the
// typed event envelope carried on the dispatcher bus.
package bgevent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Coordinate bounds, mirrored from the teacher's location validation
// constants (internal/models/location.go) and widened with speed/heading.
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
	MaxHeading   = 360.0
)

// ErrInvalidCoords reports which coordinate field failed validation.
type ErrInvalidCoords string

func (e ErrInvalidCoords) Error() string { return string(e) }

// ErrInvalidActivity reports an out-of-range activity confidence.
type ErrInvalidActivity string

func (e ErrInvalidActivity) Error() string { return string(e) }

// Coords is an immutable GPS fix.
type Coords struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// Validate checks the coordinate invariants from the data model.
func (c Coords) Validate() error {
	if c.Latitude < MinLatitude || c.Latitude > MaxLatitude {
		return ErrInvalidCoords(fmt.Sprintf("latitude %f out of range", c.Latitude))
	}
	if c.Longitude < MinLongitude || c.Longitude > MaxLongitude {
		return ErrInvalidCoords(fmt.Sprintf("longitude %f out of range", c.Longitude))
	}
	if c.Accuracy < 0 {
		return ErrInvalidCoords("accuracy must be >= 0")
	}
	if c.Speed != nil && *c.Speed < 0 {
		return ErrInvalidCoords("speed must be >= 0")
	}
	if c.Heading != nil && (*c.Heading < 0 || *c.Heading >= MaxHeading) {
		return ErrInvalidCoords("heading must be in [0,360)")
	}
	return nil
}

// ActivityType enumerates the recognized motion classifications.
type ActivityType string

const (
	ActivityStill     ActivityType = "still"
	ActivityWalking   ActivityType = "walking"
	ActivityRunning   ActivityType = "running"
	ActivityOnFoot    ActivityType = "onFoot"
	ActivityInVehicle ActivityType = "inVehicle"
	ActivityOnBicycle ActivityType = "onBicycle"
	ActivityUnknown   ActivityType = "unknown"
)

// Activity is an immutable activity-recognition sample.
type Activity struct {
	Type       ActivityType `json:"type"`
	Confidence int          `json:"confidence"`
}

// Validate checks the confidence invariant.
func (a Activity) Validate() error {
	if a.Confidence < 0 || a.Confidence > 100 {
		return ErrInvalidActivity(fmt.Sprintf("confidence %d out of range", a.Confidence))
	}
	return nil
}

// Name is the canonical Location.event discriminator.
type Name string

const (
	NameLocation           Name = "location"
	NameMotionChange       Name = "motionchange"
	NameActivityChange     Name = "activitychange"
	NameHeartbeat          Name = "heartbeat"
	NameSchedule           Name = "schedule"
	NameGeofence           Name = "geofence"
	NameGeofencesChange    Name = "geofenceschange"
	NameProviderChange     Name = "providerchange"
	NameEnabledChange      Name = "enabledchange"
	NameConnectivityChange Name = "connectivitychange"
	NamePowerSaveChange    Name = "powersavechange"
	NameHTTP               Name = "http"
	NameNotificationAction Name = "notificationaction"
	NameGetCurrentPosition Name = "getCurrentPosition"
)

// Location is an immutable record of a single produced fix or synthetic
// emission (heartbeat, motionchange, ...). Once built it is never mutated;
// callers that need a changed copy build a new value.
type Location struct {
	UUID      string     `json:"uuid"`
	Timestamp time.Time  `json:"timestamp"`
	Coords    Coords     `json:"coords"`
	Activity  *Activity  `json:"activity,omitempty"`
	IsMoving  *bool      `json:"is_moving,omitempty"`
	Event     Name       `json:"event"`
	Odometer  float64    `json:"odometer"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// ToJSON marshals the location to its wire payload shape (§6).
func (l Location) ToJSON() ([]byte, error) {
	return json.Marshal(l)
}

// FromJSON rebuilds a Location from its wire payload.
func FromJSON(data []byte) (Location, error) {
	var l Location
	if err := json.Unmarshal(data, &l); err != nil {
		return Location{}, fmt.Errorf("bgevent: unmarshal location: %w", err)
	}
	return l, nil
}

// Envelope is the outbound event-bus wrapper, `{ type, data }` in wire form.
type Envelope struct {
	Type Name `json:"type"`
	Data any  `json:"data"`
}

// HTTPEventData is the payload of an Envelope{Type: NameHTTP}.
type HTTPEventData struct {
	Status       int    `json:"status"`
	OK           bool   `json:"ok"`
	ResponseText string `json:"responseText"`
}
