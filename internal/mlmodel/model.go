// Package mlmodel is a lightweight online predictor for sync behavior
// and recovery-strategy selection. It is not a training framework: the
// model accumulates failure samples, retrains synchronously in fixed
// batches, and serves predictions from in-memory per-path profiles.
// Before Initialize the model degrades gracefully to a fixed
// conservative prediction instead of failing.
package mlmodel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/jonthemediocre/deltasync/internal/events"
	"github.com/jonthemediocre/deltasync/internal/registry"
)

// retrainBatchSize is the number of pending samples that triggers one
// synchronous retraining cycle.
const retrainBatchSize = 10

// sketchAccuracy is the DDSketch relative accuracy for inter-failure
// interval quantiles.
const sketchAccuracy = 0.01

// recentFailureWindow bounds how far back failures influence
// predictions.
const recentFailureWindow = time.Hour

// Prediction is a non-authoritative sync-behavior hint. The engine
// blends it with registry policy; registry policy is authoritative when
// ML is disabled or probability falls below the configured confidence
// threshold.
type Prediction struct {
	Mode        registry.Strategy `json:"mode"`
	Priority    int               `json:"priority"`
	Probability float64           `json:"probability"`
}

// RecoveryPrediction ranks recovery actions for a path.
type RecoveryPrediction struct {
	Actions    []string `json:"actions"`
	Confidence float64  `json:"confidence"`
}

// FailureSample is one ingested failure observation.
type FailureSample struct {
	Path     string    `json:"path"`
	Error    string    `json:"error"`
	Category string    `json:"category"`
	Recovery string    `json:"recovery"` // recovery action that handled it, "" if none
	Success  bool      `json:"success"`  // whether that recovery succeeded
	At       time.Time `json:"at"`
}

// State is the observable model state.
type State struct {
	Initialized      bool      `json:"initialized"`
	LastTrainingTime time.Time `json:"last_training_time"`
	SamplesProcessed int       `json:"samples_processed"`
	PendingSamples   int       `json:"pending_samples"`
	TrackedPaths     int       `json:"tracked_paths"`
}

// featureVector is the derived per-prediction feature set, emitted on
// the bus for auditability. It is a side-channel signal, not part of
// the prediction return contract.
type featureVector struct {
	Path             string  `json:"path"`
	FailureCount     int     `json:"failure_count"`
	RecentFailures   int     `json:"recent_failures"`
	MedianIntervalS  float64 `json:"median_interval_s"`
	DominantCategory string  `json:"dominant_category"`
}

// pathProfile is the trained per-path state.
type pathProfile struct {
	failures       int
	recentFailures int
	lastFailure    time.Time
	categories     map[string]int
	intervals      *ddsketch.DDSketch
	recoveryWins   map[string]int
	recoveryTries  map[string]int
}

// Model is the online predictor. An injected instance, never a global.
type Model struct {
	mu sync.Mutex

	initialized      bool
	pending          []FailureSample
	profiles         map[string]*pathProfile
	samplesProcessed int
	lastTraining     time.Time

	bus    *events.Bus
	logger *slog.Logger
}

// defaultPrediction is served before Initialize: conservative batch
// mode, baseline priority, even odds.
var defaultPrediction = Prediction{
	Mode:        registry.StrategyBatch,
	Priority:    1,
	Probability: 0.5,
}

// defaultRecovery is served for unknown paths and before Initialize.
var defaultRecovery = RecoveryPrediction{
	Actions:    []string{"fs_check"},
	Confidence: 0.5,
}

// New creates an uninitialized Model.
func New(bus *events.Bus, logger *slog.Logger) *Model {
	return &Model{
		profiles: make(map[string]*pathProfile),
		bus:      bus,
		logger:   logger,
	}
}

// Initialize prepares the model for non-default predictions. Required
// before PredictSyncBehavior returns anything but the conservative
// default.
func (m *Model) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialized = true
	m.logger.Info("model initialized")

	return nil
}

// PredictSyncBehavior returns a sync-mode/priority hint for the path.
// Pure read against current model state; emits prediction_made with the
// derived feature vector.
func (m *Model) PredictSyncBehavior(path string) Prediction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return defaultPrediction
	}

	profile := m.profiles[path]
	features := m.deriveFeatures(path, profile)
	pred := predictFromFeatures(features)

	m.bus.Emit(events.TypePredictionMade, path, features)

	return pred
}

// predictFromFeatures is the scoring rule: paths without failure
// history run realtime at elevated confidence; paths failing recently
// are throttled to batch mode with priority scaled down by failure
// pressure.
func predictFromFeatures(f featureVector) Prediction {
	if f.RecentFailures == 0 {
		conf := 0.6 + 0.3*decay(f.FailureCount)

		return Prediction{Mode: registry.StrategyRealtime, Priority: 2, Probability: conf}
	}

	priority := 1
	conf := 0.6 + 0.05*float64(f.RecentFailures)

	if conf > 0.95 {
		conf = 0.95
	}

	return Prediction{Mode: registry.StrategyBatch, Priority: priority, Probability: conf}
}

// decay maps a lifetime failure count to (0,1], approaching 0 as the
// count grows.
func decay(count int) float64 {
	return 1.0 / (1.0 + float64(count))
}

// PredictRecoveryStrategy ranks recovery actions by their observed
// success rate for the path, falling back to fs_check when the path
// has no recovery history.
func (m *Model) PredictRecoveryStrategy(path string) RecoveryPrediction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return defaultRecovery
	}

	profile := m.profiles[path]
	if profile == nil || len(profile.recoveryTries) == 0 {
		return defaultRecovery
	}

	type ranked struct {
		action string
		rate   float64
	}

	var ranks []ranked

	for action, tries := range profile.recoveryTries {
		rate := float64(profile.recoveryWins[action]) / float64(tries)
		ranks = append(ranks, ranked{action: action, rate: rate})
	}

	// Highest success rate first; stable order for equal rates.
	for i := 1; i < len(ranks); i++ {
		for j := i; j > 0 && ranks[j].rate > ranks[j-1].rate; j-- {
			ranks[j], ranks[j-1] = ranks[j-1], ranks[j]
		}
	}

	actions := make([]string, 0, len(ranks))
	for _, r := range ranks {
		actions = append(actions, r.action)
	}

	best := ranks[0].rate
	if best < 0.5 {
		best = 0.5
	}

	return RecoveryPrediction{Actions: actions, Confidence: best}
}

// UpdateFromFailure ingests one failure sample. After retrainBatchSize
// pending samples the model retrains synchronously, folding the batch
// into per-path profiles and advancing LastTrainingTime and
// SamplesProcessed. Emits failure_processed with the sample's derived
// features.
func (m *Model) UpdateFromFailure(sample FailureSample) {
	if sample.At.IsZero() {
		sample.At = time.Now()
	}

	m.mu.Lock()

	m.pending = append(m.pending, sample)

	var retrained bool
	if len(m.pending) >= retrainBatchSize {
		m.retrainLocked()

		retrained = true
	}

	features := m.deriveFeatures(sample.Path, m.profiles[sample.Path])
	m.mu.Unlock()

	m.bus.Emit(events.TypeFailureProcessed, sample.Path, features)

	if retrained {
		m.logger.Info("model retrained",
			slog.Int("samples_processed", m.SamplesProcessed()),
		)
	}
}

// retrainLocked folds all pending samples into the per-path profiles.
// Must be called with the mutex held.
func (m *Model) retrainLocked() {
	for i := range m.pending {
		m.absorbLocked(&m.pending[i])
	}

	m.samplesProcessed += len(m.pending)
	m.pending = m.pending[:0]
	m.lastTraining = time.Now().UTC()
}

func (m *Model) absorbLocked(s *FailureSample) {
	profile, ok := m.profiles[s.Path]
	if !ok {
		sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
		if err != nil {
			// Only possible with an invalid accuracy constant.
			m.logger.Error("creating interval sketch", slog.String("error", err.Error()))
		}

		profile = &pathProfile{
			categories:    make(map[string]int),
			intervals:     sketch,
			recoveryWins:  make(map[string]int),
			recoveryTries: make(map[string]int),
		}
		m.profiles[s.Path] = profile
	}

	if !profile.lastFailure.IsZero() && profile.intervals != nil {
		interval := s.At.Sub(profile.lastFailure).Seconds()
		if interval > 0 {
			_ = profile.intervals.Add(interval)
		}
	}

	profile.failures++
	profile.lastFailure = s.At

	if time.Since(s.At) <= recentFailureWindow {
		profile.recentFailures++
	}

	if s.Category != "" {
		profile.categories[s.Category]++
	}

	if s.Recovery != "" {
		profile.recoveryTries[s.Recovery]++
		if s.Success {
			profile.recoveryWins[s.Recovery]++
		}
	}
}

// deriveFeatures computes the audit feature vector for a path. Must be
// called with the mutex held.
func (m *Model) deriveFeatures(path string, profile *pathProfile) featureVector {
	f := featureVector{Path: path}

	if profile == nil {
		return f
	}

	f.FailureCount = profile.failures
	f.DominantCategory = dominantKey(profile.categories)

	if time.Since(profile.lastFailure) <= recentFailureWindow {
		f.RecentFailures = profile.recentFailures
	}

	if profile.intervals != nil && profile.intervals.GetCount() > 0 {
		if median, err := profile.intervals.GetValueAtQuantile(0.5); err == nil {
			f.MedianIntervalS = median
		}
	}

	return f
}

func dominantKey(counts map[string]int) string {
	var best string

	bestN := 0

	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best = k
			bestN = n
		}
	}

	return best
}

// GetModelState returns the observable model state with read-your-writes
// consistency.
func (m *Model) GetModelState() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return State{
		Initialized:      m.initialized,
		LastTrainingTime: m.lastTraining,
		SamplesProcessed: m.samplesProcessed,
		PendingSamples:   len(m.pending),
		TrackedPaths:     len(m.profiles),
	}
}

// SamplesProcessed returns the lifetime count of retrained samples.
func (m *Model) SamplesProcessed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.samplesProcessed
}
