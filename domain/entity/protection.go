package entity

import (
	"time"
)

// Axis identifies which identity dimension a metric entry is tracked under.
type Axis string

const (
	AxisIP       Axis = "ip"
	AxisUser     Axis = "user"
	AxisEndpoint Axis = "endpoint"
)

// MetricEntry represents the violation history of a single key on one axis
type MetricEntry struct {
	Key         string    `json:"key"`
	Count       int64     `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

// CategoryMetrics represents a point-in-time view of one category's violation state.
// Instances returned from a snapshot are deep copies and safe to retain.
type CategoryMetrics struct {
	Total      int64                  `json:"total"`
	Blocked    int64                  `json:"blocked"`
	ByIP       map[string]MetricEntry `json:"by_ip"`
	ByUser     map[string]MetricEntry `json:"by_user"`
	ByEndpoint map[string]MetricEntry `json:"by_endpoint"`
}

// BlockedEntity represents an identity under a temporary hard block
type BlockedEntity struct {
	Entity string    `json:"entity"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// Expired reports whether the block has lapsed relative to now.
func (b BlockedEntity) Expired(now time.Time) bool {
	return !b.Until.After(now)
}

// CategoryThresholds defines the per-category request ceilings and the
// violation count at which an identity enters strict mode.
// Read-only at request time; replaced only by a configuration reload.
type CategoryThresholds struct {
	WindowSize     time.Duration `json:"window_size" mapstructure:"window_size"`
	NormalMax      int64         `json:"normal_max" mapstructure:"normal_max"`
	StrictMax      int64         `json:"strict_max" mapstructure:"strict_max"`
	BlockThreshold int64         `json:"block_threshold" mapstructure:"block_threshold"`
}

// RequestContext carries the request attributes the protection layer decides
// on. Built fresh per request by the HTTP adapter and discarded afterwards.
type RequestContext struct {
	IP       string
	UserID   string
	Path     string
	Category string

	// Request shape, consumed by the suspicious request detector.
	Method    string
	Query     map[string][]string
	UserAgent string
	Headers   map[string]string
}

// Entity returns the blocklist identity for this request: the user when
// known, otherwise the source IP.
func (rc *RequestContext) Entity() string {
	if rc.UserID != "" {
		return rc.UserID
	}
	return rc.IP
}

// Decision is the outcome of a protection check for a single request
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
}

// Classification is the advisory output of the suspicious request detector
type Classification struct {
	Suspicious bool     `json:"suspicious"`
	Tags       []string `json:"tags,omitempty"`
}

// Detector tags. Tags in the severe set indicate high-confidence abuse and
// may trigger an immediate block; the rest are recorded for monitoring only.
const (
	TagSQLInjection     = "sql_injection"
	TagPathTraversal    = "path_traversal"
	TagScriptInjection  = "script_injection"
	TagParameterFlood   = "parameter_flood"
	TagFingerprintReuse = "fingerprint_reuse"
)

// Severe reports whether any tag indicates high-confidence abuse.
func (c Classification) Severe() bool {
	for _, tag := range c.Tags {
		switch tag {
		case TagSQLInjection, TagPathTraversal, TagScriptInjection:
			return true
		}
	}
	return false
}

// Snapshot is the read-only view exposed to operational tooling
type Snapshot struct {
	Timestamp      time.Time                  `json:"timestamp"`
	Categories     map[string]CategoryMetrics `json:"categories"`
	BlockedEntries []BlockedEntity            `json:"blocked_entries"`
	TrackedKeys    int                        `json:"tracked_keys"`
}
