// Package config implements ConfigStore (C1): a single typed Config
// snapshot with atomic apply-and-persist semantics. Generalized from the
// teacher's internal/config/config.go env-var loader (struct-of-structs,
// getEnvWithDefault-style defaulting, Validate() aggregating field errors)
// into the spec's apply(partial)/snapshot() contract, persisted as YAML
// (gopkg.in/yaml.v3, following the pack's convention over a hand-rolled
// JSON blob — see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults mirror the teacher's DefaultMQTTPort/DefaultGeofenceRadius-style
// named constants, adapted to this spec's option set.
const (
	DefaultLocationUpdateInterval   = 0 // "producer default"
	DefaultDistanceFilter           = 10.0
	DefaultStationaryRadius         = 25.0
	DefaultMinActivityConfidence    = 75
	DefaultMaxBatchSize             = 50
	DefaultAutoSyncThreshold        = 5
	DefaultQueueMaxDays             = 3
	DefaultQueueMaxRecords          = 10000
	DefaultMaxRetry                 = 5
	DefaultRetryDelayMs             = 1000
	DefaultRetryDelayMultiplier     = 2.0
	DefaultMaxRetryDelayMs          = 60000
	DefaultMaxDaysToPersist         = 3
	DefaultMaxRecordsToPersist      = 10000
	DefaultHeartbeatIntervalSeconds = 60
	DefaultLogMaxDays               = 3
	DefaultMaxMonitoredGeofences    = 0 // unbounded
	DefaultHTTPTimeoutMs            = 15000
	DefaultIdempotencyHeader        = "Idempotency-Key"
	DefaultScheduleTickSeconds      = 60
	DefaultBreakerFailureThreshold  = 5
	DefaultBreakerCooldownMs        = 30000
	DefaultDesiredAccuracy          = "high"
)

// DefaultPersistMode is the baseline persistence-policy mode.
const DefaultPersistMode = PersistModeAll

// PersistMode enumerates the §4.7 persistence-policy modes.
type PersistMode string

const (
	PersistModeNone     PersistMode = "none"
	PersistModeAll      PersistMode = "all"
	PersistModeGeofence PersistMode = "geofence"
	PersistModeLocation PersistMode = "location"
)

// Notification mirrors the notification.* nested option group.
type Notification struct {
	Title     string   `yaml:"title,omitempty"`
	Text      string   `yaml:"text,omitempty"`
	SmallIcon string   `yaml:"smallIcon,omitempty"`
	Actions   []string `yaml:"actions,omitempty"`
}

// Config is the full resolved snapshot held by ConfigStore (§6).
type Config struct {
	ForegroundService bool         `yaml:"foregroundService"`
	Notification      Notification `yaml:"notification"`

	ActivityRecognitionIntervalMs   int     `yaml:"activityRecognitionInterval"`
	LocationUpdateIntervalMs        int     `yaml:"locationUpdateInterval"`
	FastestLocationUpdateIntervalMs int     `yaml:"fastestLocationUpdateInterval"`
	DistanceFilter                  float64 `yaml:"distanceFilter"`
	StationaryRadius                float64 `yaml:"stationaryRadius"`

	MinActivityConfidence        int      `yaml:"minActivityConfidence"`
	MotionTriggerDelayMs          int64    `yaml:"motionTriggerDelay"`
	StopDetectionDelayMs          int64    `yaml:"stopDetectionDelay"`
	StopTimeoutMinutes            int64    `yaml:"stopTimeoutMinutes"`
	DisableMotionActivityUpdates  bool     `yaml:"disableMotionActivityUpdates"`
	DisableStopDetection          bool     `yaml:"disableStopDetection"`
	TriggerActivities             []string `yaml:"triggerActivities"`

	URL    string `yaml:"url"`
	Method string `yaml:"method"`

	HTTPHeaders map[string]string `yaml:"httpHeaders,omitempty"`
	HTTPParams  map[string]any    `yaml:"httpParams,omitempty"`
	HTTPExtras  map[string]any    `yaml:"httpExtras,omitempty"`

	HTTPTimeoutMs     int    `yaml:"httpTimeoutMs"`
	HTTPRootProperty  string `yaml:"httpRootProperty,omitempty"`
	IdempotencyHeader string `yaml:"idempotencyHeader"`

	AutoSync  bool `yaml:"autoSync"`
	BatchSync bool `yaml:"batchSync"`

	MaxBatchSize      int `yaml:"maxBatchSize"`
	AutoSyncThreshold int `yaml:"autoSyncThreshold"`

	DisableAutoSyncOnCellular bool `yaml:"disableAutoSyncOnCellular"`

	QueueMaxDays    int `yaml:"queueMaxDays"`
	QueueMaxRecords int `yaml:"queueMaxRecords"`

	MaxRetry             int     `yaml:"maxRetry"`
	RetryDelayMs         int64   `yaml:"retryDelayMs"`
	RetryDelayMultiplier float64 `yaml:"retryDelayMultiplier"`
	MaxRetryDelayMs      int64   `yaml:"maxRetryDelayMs"`

	PersistMode         PersistMode `yaml:"persistMode"`
	MaxDaysToPersist    int         `yaml:"maxDaysToPersist"`
	MaxRecordsToPersist int         `yaml:"maxRecordsToPersist"`

	ScheduleEnabled bool     `yaml:"scheduleEnabled"`
	Schedule        []string `yaml:"schedule,omitempty"`

	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds"`

	EnableHeadless  bool `yaml:"enableHeadless"`
	StartOnBoot     bool `yaml:"startOnBoot"`
	StopOnTerminate bool `yaml:"stopOnTerminate"`

	LogLevel   string `yaml:"logLevel"`
	LogMaxDays int    `yaml:"logMaxDays"`

	MaxMonitoredGeofences int `yaml:"maxMonitoredGeofences"`

	DesiredAccuracy string `yaml:"desiredAccuracy"`

	BreakerFailureThreshold int `yaml:"breakerFailureThreshold"`
	BreakerCooldownMs       int `yaml:"breakerCooldownMs"`
}

// Defaults returns the baseline Config applied when no snapshot exists yet.
func Defaults() Config {
	return Config{
		DistanceFilter:           DefaultDistanceFilter,
		StationaryRadius:         DefaultStationaryRadius,
		MinActivityConfidence:    DefaultMinActivityConfidence,
		TriggerActivities:        []string{"walking", "running", "onFoot", "inVehicle", "onBicycle"},
		Method:                   "POST",
		HTTPTimeoutMs:            DefaultHTTPTimeoutMs,
		IdempotencyHeader:        DefaultIdempotencyHeader,
		MaxBatchSize:             DefaultMaxBatchSize,
		AutoSyncThreshold:        DefaultAutoSyncThreshold,
		QueueMaxDays:             DefaultQueueMaxDays,
		QueueMaxRecords:          DefaultQueueMaxRecords,
		MaxRetry:                 DefaultMaxRetry,
		RetryDelayMs:             DefaultRetryDelayMs,
		RetryDelayMultiplier:     DefaultRetryDelayMultiplier,
		MaxRetryDelayMs:          DefaultMaxRetryDelayMs,
		PersistMode:              DefaultPersistMode,
		MaxDaysToPersist:         DefaultMaxDaysToPersist,
		MaxRecordsToPersist:      DefaultMaxRecordsToPersist,
		HeartbeatIntervalSeconds: DefaultHeartbeatIntervalSeconds,
		LogLevel:                 "info",
		LogMaxDays:               DefaultLogMaxDays,
		MaxMonitoredGeofences:    DefaultMaxMonitoredGeofences,
		DesiredAccuracy:          DefaultDesiredAccuracy,
		BreakerFailureThreshold:  DefaultBreakerFailureThreshold,
		BreakerCooldownMs:        DefaultBreakerCooldownMs,
	}
}

// Partial is an apply() patch: every field is optional, mirroring the
// "Option-per-field patch" redesign note in spec §9 in place of the
// source's dynamic-typed config maps.
type Partial struct {
	ForegroundService *bool
	Notification      *Notification

	ActivityRecognitionIntervalMs   *int
	LocationUpdateIntervalMs        *int
	FastestLocationUpdateIntervalMs *int
	DistanceFilter                  *float64
	StationaryRadius                *float64

	MinActivityConfidence       *int
	MotionTriggerDelayMs         *int64
	StopDetectionDelayMs         *int64
	StopTimeoutMinutes           *int64
	DisableMotionActivityUpdates *bool
	DisableStopDetection         *bool
	TriggerActivities            []string

	URL    *string
	Method *string

	HTTPHeaders map[string]string
	HTTPParams  map[string]any
	HTTPExtras  map[string]any

	HTTPTimeoutMs     *int
	HTTPRootProperty  *string
	IdempotencyHeader *string

	AutoSync  *bool
	BatchSync *bool

	MaxBatchSize      *int
	AutoSyncThreshold *int

	DisableAutoSyncOnCellular *bool

	QueueMaxDays    *int
	QueueMaxRecords *int

	MaxRetry             *int
	RetryDelayMs         *int64
	RetryDelayMultiplier *float64
	MaxRetryDelayMs      *int64

	PersistMode         *PersistMode
	MaxDaysToPersist    *int
	MaxRecordsToPersist *int

	ScheduleEnabled *bool
	Schedule        []string

	HeartbeatIntervalSeconds *int

	EnableHeadless  *bool
	StartOnBoot     *bool
	StopOnTerminate *bool

	LogLevel   *string
	LogMaxDays *int

	MaxMonitoredGeofences *int

	DesiredAccuracy *string

	BreakerFailureThreshold *int
	BreakerCooldownMs       *int
}

// Delta names one field changed by an apply() call.
type Delta struct {
	Field string
	Value any
}

// ErrInvalidConfig names an out-of-range field rejected during apply; per
// spec §7 InvalidConfig, the offending field is ignored and logged while
// the rest of the patch still applies.
type ErrInvalidConfig string

func (e ErrInvalidConfig) Error() string { return string(e) }

// Store is ConfigStore (C1): holds the current snapshot, serializes
// concurrent apply() calls, and persists the resolved snapshot to disk.
type Store struct {
	mu      sync.Mutex
	current Config
	path    string
	log     *zap.Logger
}

// New loads path if present (or seeds Defaults()) and returns a ready Store.
// Mirrors the teacher's LoadConfig() "load or default" contract.
func New(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{path: path, log: log, current: Defaults()}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("config: read snapshot: %w", err)
	}
	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("config: parse snapshot: %w", err)
	}
	s.current = loaded
	return s, nil
}

// Snapshot returns an immutable copy of the current config.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Apply merges p into the current snapshot, persists the result, and
// returns the set of field deltas actually applied. Concurrent Apply calls
// are serialized by the store mutex; readers of Snapshot never observe a
// partially-merged value.
func (s *Store) Apply(p Partial) ([]Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	var deltas []Delta
	var invalid []string

	setInt := func(name string, dst *int, v *int, min int) {
		if v == nil {
			return
		}
		if *v < min {
			invalid = append(invalid, name)
			return
		}
		if *dst != *v {
			deltas = append(deltas, Delta{Field: name, Value: *v})
		}
		*dst = *v
	}
	setInt64 := func(name string, dst *int64, v *int64, min int64) {
		if v == nil {
			return
		}
		if *v < min {
			invalid = append(invalid, name)
			return
		}
		if *dst != *v {
			deltas = append(deltas, Delta{Field: name, Value: *v})
		}
		*dst = *v
	}
	setFloat := func(name string, dst *float64, v *float64, min float64) {
		if v == nil {
			return
		}
		if *v < min {
			invalid = append(invalid, name)
			return
		}
		if *dst != *v {
			deltas = append(deltas, Delta{Field: name, Value: *v})
		}
		*dst = *v
	}
	setBool := func(name string, dst *bool, v *bool) {
		if v == nil {
			return
		}
		if *dst != *v {
			deltas = append(deltas, Delta{Field: name, Value: *v})
		}
		*dst = *v
	}
	setString := func(name string, dst *string, v *string) {
		if v == nil {
			return
		}
		if *dst != *v {
			deltas = append(deltas, Delta{Field: name, Value: *v})
		}
		*dst = *v
	}

	setBool("foregroundService", &next.ForegroundService, p.ForegroundService)
	if p.Notification != nil {
		next.Notification = *p.Notification
		deltas = append(deltas, Delta{Field: "notification", Value: *p.Notification})
	}
	setInt("activityRecognitionInterval", &next.ActivityRecognitionIntervalMs, p.ActivityRecognitionIntervalMs, 0)
	setInt("locationUpdateInterval", &next.LocationUpdateIntervalMs, p.LocationUpdateIntervalMs, 0)
	setInt("fastestLocationUpdateInterval", &next.FastestLocationUpdateIntervalMs, p.FastestLocationUpdateIntervalMs, 0)
	setFloat("distanceFilter", &next.DistanceFilter, p.DistanceFilter, 0)
	setFloat("stationaryRadius", &next.StationaryRadius, p.StationaryRadius, 0)
	setInt("minActivityConfidence", &next.MinActivityConfidence, p.MinActivityConfidence, 0)
	setInt64("motionTriggerDelay", &next.MotionTriggerDelayMs, p.MotionTriggerDelayMs, 0)
	setInt64("stopDetectionDelay", &next.StopDetectionDelayMs, p.StopDetectionDelayMs, 0)
	setInt64("stopTimeoutMinutes", &next.StopTimeoutMinutes, p.StopTimeoutMinutes, 0)
	setBool("disableMotionActivityUpdates", &next.DisableMotionActivityUpdates, p.DisableMotionActivityUpdates)
	setBool("disableStopDetection", &next.DisableStopDetection, p.DisableStopDetection)
	if p.TriggerActivities != nil {
		next.TriggerActivities = p.TriggerActivities
		deltas = append(deltas, Delta{Field: "triggerActivities", Value: p.TriggerActivities})
	}
	setString("url", &next.URL, p.URL)
	setString("method", &next.Method, p.Method)
	if p.HTTPHeaders != nil {
		next.HTTPHeaders = p.HTTPHeaders
		deltas = append(deltas, Delta{Field: "httpHeaders", Value: p.HTTPHeaders})
	}
	if p.HTTPParams != nil {
		next.HTTPParams = p.HTTPParams
		deltas = append(deltas, Delta{Field: "httpParams", Value: p.HTTPParams})
	}
	if p.HTTPExtras != nil {
		next.HTTPExtras = p.HTTPExtras
		deltas = append(deltas, Delta{Field: "httpExtras", Value: p.HTTPExtras})
	}
	setInt("httpTimeoutMs", &next.HTTPTimeoutMs, p.HTTPTimeoutMs, 0)
	setString("httpRootProperty", &next.HTTPRootProperty, p.HTTPRootProperty)
	setString("idempotencyHeader", &next.IdempotencyHeader, p.IdempotencyHeader)
	setBool("autoSync", &next.AutoSync, p.AutoSync)
	setBool("batchSync", &next.BatchSync, p.BatchSync)
	setInt("maxBatchSize", &next.MaxBatchSize, p.MaxBatchSize, 1)
	setInt("autoSyncThreshold", &next.AutoSyncThreshold, p.AutoSyncThreshold, 0)
	setBool("disableAutoSyncOnCellular", &next.DisableAutoSyncOnCellular, p.DisableAutoSyncOnCellular)
	setInt("queueMaxDays", &next.QueueMaxDays, p.QueueMaxDays, 0)
	setInt("queueMaxRecords", &next.QueueMaxRecords, p.QueueMaxRecords, 0)
	setInt("maxRetry", &next.MaxRetry, p.MaxRetry, 0)
	setInt64("retryDelayMs", &next.RetryDelayMs, p.RetryDelayMs, 1)
	setFloat("retryDelayMultiplier", &next.RetryDelayMultiplier, p.RetryDelayMultiplier, 1)
	setInt64("maxRetryDelayMs", &next.MaxRetryDelayMs, p.MaxRetryDelayMs, 1)
	if p.PersistMode != nil {
		switch *p.PersistMode {
		case PersistModeNone, PersistModeAll, PersistModeGeofence, PersistModeLocation:
			if next.PersistMode != *p.PersistMode {
				deltas = append(deltas, Delta{Field: "persistMode", Value: *p.PersistMode})
			}
			next.PersistMode = *p.PersistMode
		default:
			invalid = append(invalid, "persistMode")
		}
	}
	setInt("maxDaysToPersist", &next.MaxDaysToPersist, p.MaxDaysToPersist, 0)
	setInt("maxRecordsToPersist", &next.MaxRecordsToPersist, p.MaxRecordsToPersist, 0)
	setBool("scheduleEnabled", &next.ScheduleEnabled, p.ScheduleEnabled)
	if p.Schedule != nil {
		next.Schedule = p.Schedule
		deltas = append(deltas, Delta{Field: "schedule", Value: p.Schedule})
	}
	setInt("heartbeatIntervalSeconds", &next.HeartbeatIntervalSeconds, p.HeartbeatIntervalSeconds, 0)
	setBool("enableHeadless", &next.EnableHeadless, p.EnableHeadless)
	setBool("startOnBoot", &next.StartOnBoot, p.StartOnBoot)
	setBool("stopOnTerminate", &next.StopOnTerminate, p.StopOnTerminate)
	setString("logLevel", &next.LogLevel, p.LogLevel)
	setInt("logMaxDays", &next.LogMaxDays, p.LogMaxDays, 0)
	setInt("maxMonitoredGeofences", &next.MaxMonitoredGeofences, p.MaxMonitoredGeofences, 0)
	setString("desiredAccuracy", &next.DesiredAccuracy, p.DesiredAccuracy)
	setInt("breakerFailureThreshold", &next.BreakerFailureThreshold, p.BreakerFailureThreshold, 1)
	setInt("breakerCooldownMs", &next.BreakerCooldownMs, p.BreakerCooldownMs, 0)

	for _, name := range invalid {
		s.log.Error("config: rejected out-of-range field", zap.String("field", name))
	}

	if len(deltas) == 0 {
		return nil, nil
	}

	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.current = next
	return deltas, nil
}

func (s *Store) persist(cfg Config) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir snapshot dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("config: rename snapshot: %w", err)
	}
	return nil
}

// NormalizeTriggerActivities lower-cases and trims a raw trigger-activities
// list, mirroring the small string-hygiene helpers the teacher applies to
// incoming env values.
func NormalizeTriggerActivities(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
