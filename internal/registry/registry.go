package registry

import (
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Registry answers policy queries against a validated document. All
// query methods are pure, read-only, and safe for concurrent use;
// matching is O(number of path rules).
type Registry struct {
	doc *Document
}

func newRegistry(doc *Document) *Registry {
	return &Registry{doc: doc}
}

// ProjectID returns the document's project identifier.
func (r *Registry) ProjectID() string {
	return r.doc.ProjectID
}

// Version returns the document version string.
func (r *Registry) Version() string {
	return r.doc.Version
}

// Rules returns the ordered path rules. Callers must not mutate the
// returned slice.
func (r *Registry) Rules() []PathRule {
	return r.doc.Paths
}

// ConflictResolution returns the configured conflict policy, defaulting
// to source-wins.
func (r *Registry) ConflictResolution() ConflictPolicy {
	if r.doc.ConflictResolution == "" {
		return ConflictSourceWins
	}

	return r.doc.ConflictResolution
}

// ruleFor returns the path rule whose source is the longest prefix of
// path, or nil when no rule governs the path.
func (r *Registry) ruleFor(path string) *PathRule {
	var best *PathRule

	bestLen := -1

	for i := range r.doc.Paths {
		rule := &r.doc.Paths[i]
		if !underPrefix(path, rule.Source) {
			continue
		}

		if len(rule.Source) > bestLen {
			best = rule
			bestLen = len(rule.Source)
		}
	}

	return best
}

// GetSyncStrategy returns the governing rule's strategy when set, else
// the document default.
func (r *Registry) GetSyncStrategy(path string) Strategy {
	if rule := r.ruleFor(path); rule != nil && rule.Strategy != "" {
		return rule.Strategy
	}

	return r.doc.SyncStrategy
}

// GetPathPriority returns the governing rule's priority when set, else 1.
func (r *Registry) GetPathPriority(path string) int {
	if rule := r.ruleFor(path); rule != nil && rule.Priority != 0 {
		return rule.Priority
	}

	return defaultPriority
}

// IsPathExcluded reports whether the path must be skipped: true when it
// matches any of the governing rule's excludePatterns, or when the rule
// has includePatterns and the path matches none of them. Exclusion wins
// over inclusion. Paths with no governing rule are excluded; the
// engine only syncs configured subtrees.
func (r *Registry) IsPathExcluded(path string) bool {
	rule := r.ruleFor(path)
	if rule == nil {
		return true
	}

	rel := relativeTo(path, rule.Source)

	for _, pat := range rule.ExcludePatterns {
		if matchPattern(pat, rel) {
			return true
		}
	}

	if len(rule.IncludePatterns) > 0 {
		for _, pat := range rule.IncludePatterns {
			if matchPattern(pat, rel) {
				return false
			}
		}

		return true
	}

	return false
}

// ResolveDestination maps a source path to its destination path under
// the governing rule. ok is false when no rule governs the path.
func (r *Registry) ResolveDestination(path string) (dest string, ok bool) {
	rule := r.ruleFor(path)
	if rule == nil {
		return "", false
	}

	rel := relativeTo(path, rule.Source)
	if rel == "" {
		return rule.Destination, true
	}

	return filepath.Join(rule.Destination, rel), true
}

// HasAccess evaluates the access control rules for the given principal.
// The first rule whose path is a prefix of path and whose principal
// lists contain user or intersect groups decides: its policy grants or
// denies. Without a match, the default policy applies. Disabled access
// control always grants.
func (r *Registry) HasAccess(path, user string, groups []string) bool {
	ac := r.doc.Security.AccessControl
	if !ac.Enabled {
		return true
	}

	for i := range ac.Rules {
		rule := &ac.Rules[i]
		if !underPrefix(path, rule.Path) {
			continue
		}

		if !principalMatches(rule, user, groups) {
			continue
		}

		return rule.Policy == PolicyAllow
	}

	return ac.DefaultPolicy == PolicyAllow
}

// GetMonitoringConfig returns the monitoring section with defaults
// applied (interval 30s).
func (r *Registry) GetMonitoringConfig() MonitoringConfig {
	m := r.doc.Monitoring

	out := MonitoringConfig{
		Enabled:  m.Enabled,
		Interval: defaultMonitoringInterval,
		Metrics:  m.Metrics,
	}

	if m.IntervalMs > 0 {
		out.Interval = time.Duration(m.IntervalMs) * time.Millisecond
	}

	return out
}

// GetMLConfig returns the ml section with defaults applied
// (updateInterval 5m, confidence 0.7, errorRate 0.1).
func (r *Registry) GetMLConfig() MLConfig {
	m := r.doc.ML

	out := MLConfig{
		Enabled:             m.Enabled,
		UpdateInterval:      defaultMLUpdateInterval,
		ConfidenceThreshold: defaultConfidence,
		ErrorRateThreshold:  defaultErrorRate,
	}

	if m.UpdateIntervalMs > 0 {
		out.UpdateInterval = time.Duration(m.UpdateIntervalMs) * time.Millisecond
	}

	if m.Thresholds.Confidence > 0 {
		out.ConfidenceThreshold = m.Thresholds.Confidence
	}

	if m.Thresholds.ErrorRate > 0 {
		out.ErrorRateThreshold = m.Thresholds.ErrorRate
	}

	return out
}

// GetAdvancedConfig returns engine tunables with defaults applied:
// maxConcurrentSyncs 4, batchSize 50, retryAttempts 3, timeout 30s,
// debounce 500ms, snapshotInterval 1m, queueSize 256.
func (r *Registry) GetAdvancedConfig() AdvancedConfig {
	a := r.doc.Advanced

	out := AdvancedConfig{
		MaxConcurrentSyncs: defaultMaxConcurrent,
		BatchSize:          defaultBatchSize,
		RetryAttempts:      defaultRetryAttempts,
		Timeout:            defaultTimeout,
		Debounce:           defaultDebounce,
		SnapshotInterval:   defaultSnapshotInterval,
		QueueSize:          defaultQueueSize,
	}

	if a.MaxConcurrentSyncs > 0 {
		out.MaxConcurrentSyncs = a.MaxConcurrentSyncs
	}

	if a.BatchSize > 0 {
		out.BatchSize = a.BatchSize
	}

	if a.RetryAttempts > 0 {
		out.RetryAttempts = a.RetryAttempts
	}

	if a.TimeoutMs > 0 {
		out.Timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}

	if a.DebounceMs > 0 {
		out.Debounce = time.Duration(a.DebounceMs) * time.Millisecond
	}

	if a.SnapshotIntervalMs > 0 {
		out.SnapshotInterval = time.Duration(a.SnapshotIntervalMs) * time.Millisecond
	}

	if a.QueueSize > 0 {
		out.QueueSize = a.QueueSize
	}

	return out
}

// ---------------------------------------------------------------------------
// Pure helpers
// ---------------------------------------------------------------------------

// underPrefix reports whether path equals prefix or lies beneath it as
// a path component boundary ("/a/bc" is not under "/a/b").
func underPrefix(path, prefix string) bool {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)

	if path == prefix {
		return true
	}

	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	return strings.HasPrefix(path, prefix)
}

// relativeTo returns path relative to root, or "" when path == root.
func relativeTo(path, root string) string {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil || rel == "." {
		return ""
	}

	return filepath.ToSlash(rel)
}

// matchPattern matches a glob pattern against the rule-relative path,
// its base name, and each path component, so "*.tmp" excludes temp
// files anywhere under the rule and "build" excludes the subtree.
// matchPattern tests the pattern against the rule-relative path and
// each of its components. Both sides are NFC-normalized before
// comparison so a decomposed on-disk spelling still matches the
// composed form written in the registry document.
func matchPattern(pattern, rel string) bool {
	if rel == "" {
		return false
	}

	pattern = norm.NFC.String(pattern)
	rel = norm.NFC.String(rel)

	if ok, _ := filepath.Match(pattern, rel); ok {
		return true
	}

	for _, part := range strings.Split(rel, "/") {
		if ok, _ := filepath.Match(pattern, part); ok {
			return true
		}
	}

	return false
}

// principalMatches reports whether the rule names the user or any of
// the groups. A rule with no principals matches everyone.
func principalMatches(rule *AccessRule, user string, groups []string) bool {
	if len(rule.Users) == 0 && len(rule.Groups) == 0 {
		return true
	}

	for _, u := range rule.Users {
		if u == user {
			return true
		}
	}

	for _, g := range rule.Groups {
		for _, have := range groups {
			if g == have {
				return true
			}
		}
	}

	return false
}
