// Package registry loads the declarative sync registry document and
// answers policy queries: sync strategy, path priority, exclusion,
// access control, and monitoring/ML/advanced tunables. The document is
// validated atomically at load time; a Registry is either fully
// initialized or does not exist.
package registry

import "time"

// Strategy selects how changes under a path are propagated.
type Strategy string

// Sync strategies accepted in the registry document.
const (
	StrategyRealtime Strategy = "realtime"
	StrategyBatch    Strategy = "batch"
	StrategyAdaptive Strategy = "adaptive"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRealtime, StrategyBatch, StrategyAdaptive:
		return true
	}

	return false
}

// ConflictPolicy decides which side wins when a path changed
// independently on both endpoints.
type ConflictPolicy string

// Conflict resolution policies.
const (
	ConflictSourceWins ConflictPolicy = "source-wins"
	ConflictNewest     ConflictPolicy = "newest"
	ConflictMLDriven   ConflictPolicy = "ml-driven"
)

// Valid reports whether p is a known conflict policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case ConflictSourceWins, ConflictNewest, ConflictMLDriven:
		return true
	}

	return false
}

// AccessPolicy is an allow/deny verdict.
type AccessPolicy string

// Access policies.
const (
	PolicyAllow AccessPolicy = "allow"
	PolicyDeny  AccessPolicy = "deny"
)

// PathRule maps a source subtree to a destination with optional
// per-path overrides of the document defaults.
type PathRule struct {
	Source          string   `yaml:"source"`
	Destination     string   `yaml:"destination"`
	Strategy        Strategy `yaml:"strategy,omitempty"`
	Priority        int      `yaml:"priority,omitempty"`
	ExcludePatterns []string `yaml:"excludePatterns,omitempty"`
	IncludePatterns []string `yaml:"includePatterns,omitempty"`
}

// AccessRule scopes an allow/deny policy to a path prefix and a set of
// principals (users and groups).
type AccessRule struct {
	Path   string       `yaml:"path"`
	Policy AccessPolicy `yaml:"policy"`
	Users  []string     `yaml:"users,omitempty"`
	Groups []string     `yaml:"groups,omitempty"`
}

// AccessControl is the security.accessControl section.
type AccessControl struct {
	Enabled       bool         `yaml:"enabled"`
	DefaultPolicy AccessPolicy `yaml:"defaultPolicy,omitempty"`
	Rules         []AccessRule `yaml:"rules,omitempty"`
}

// Security is the top-level security section.
type Security struct {
	AccessControl AccessControl `yaml:"accessControl"`
}

// Monitoring configures the metrics surface.
type Monitoring struct {
	Enabled    bool     `yaml:"enabled"`
	IntervalMs int      `yaml:"interval,omitempty"`
	Metrics    []string `yaml:"metrics,omitempty"`
}

// MLThresholds gate when model predictions override registry policy.
type MLThresholds struct {
	Confidence float64 `yaml:"confidence,omitempty"`
	ErrorRate  float64 `yaml:"errorRate,omitempty"`
}

// ML configures the online predictor.
type ML struct {
	Enabled          bool         `yaml:"enabled"`
	UpdateIntervalMs int          `yaml:"updateInterval,omitempty"`
	Thresholds       MLThresholds `yaml:"thresholds,omitempty"`
}

// Advanced holds engine tunables. Zero values mean "use the default";
// GetAdvancedConfig returns the resolved values.
type Advanced struct {
	MaxConcurrentSyncs int `yaml:"maxConcurrentSyncs,omitempty"`
	BatchSize          int `yaml:"batchSize,omitempty"`
	RetryAttempts      int `yaml:"retryAttempts,omitempty"`
	TimeoutMs          int `yaml:"timeoutMs,omitempty"`
	DebounceMs         int `yaml:"debounceMs,omitempty"`
	SnapshotIntervalMs int `yaml:"snapshotIntervalMs,omitempty"`
	QueueSize          int `yaml:"queueSize,omitempty"`
}

// Document is the parsed registry configuration. Immutable after load.
type Document struct {
	Version            string         `yaml:"version"`
	ProjectID          string         `yaml:"projectId"`
	SyncStrategy       Strategy       `yaml:"syncStrategy"`
	ConflictResolution ConflictPolicy `yaml:"conflictResolution,omitempty"`
	Paths              []PathRule     `yaml:"paths"`
	Security           Security       `yaml:"security,omitempty"`
	Monitoring         Monitoring     `yaml:"monitoring,omitempty"`
	ML                 ML             `yaml:"ml,omitempty"`
	Advanced           Advanced       `yaml:"advanced,omitempty"`
}

// MonitoringConfig is the resolved monitoring section with defaults
// applied.
type MonitoringConfig struct {
	Enabled  bool
	Interval time.Duration
	Metrics  []string
}

// MLConfig is the resolved ml section with defaults applied.
type MLConfig struct {
	Enabled             bool
	UpdateInterval      time.Duration
	ConfidenceThreshold float64
	ErrorRateThreshold  float64
}

// AdvancedConfig is the resolved advanced section with defaults applied.
type AdvancedConfig struct {
	MaxConcurrentSyncs int
	BatchSize          int
	RetryAttempts      int
	Timeout            time.Duration
	Debounce           time.Duration
	SnapshotInterval   time.Duration
	QueueSize          int
}

// Documented defaults for unset advanced/monitoring/ml values.
const (
	defaultPriority           = 1
	defaultMonitoringInterval = 30 * time.Second
	defaultMLUpdateInterval   = 5 * time.Minute
	defaultConfidence         = 0.7
	defaultErrorRate          = 0.1
	defaultMaxConcurrent      = 4
	defaultBatchSize          = 50
	defaultRetryAttempts      = 3
	defaultTimeout            = 30 * time.Second
	defaultDebounce           = 500 * time.Millisecond
	defaultSnapshotInterval   = time.Minute
	defaultQueueSize          = 256
)
