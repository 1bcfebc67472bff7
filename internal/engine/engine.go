// Package engine composes the registry, file watcher, delta tracker,
// model, and error handler into the end-to-end sync pipeline. Events
// for the same path are processed in arrival order; events for
// different paths run concurrently up to the configured bound.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jonthemediocre/deltasync/internal/delta"
	"github.com/jonthemediocre/deltasync/internal/errclass"
	"github.com/jonthemediocre/deltasync/internal/events"
	"github.com/jonthemediocre/deltasync/internal/mlmodel"
	"github.com/jonthemediocre/deltasync/internal/registry"
	"github.com/jonthemediocre/deltasync/internal/watcher"
)

// Identity is the principal evaluated against the registry's access
// control rules.
type Identity struct {
	User   string
	Groups []string
}

// Config holds the collaborators and options for New. A struct because
// the engine touches every core component.
type Config struct {
	Registry *registry.Registry
	Watcher  *watcher.Watcher
	Delta    *delta.Tracker
	Model    *mlmodel.Model
	Errors   *errclass.Handler
	Bus      *events.Bus
	Ledger   *Ledger
	Plan     *RecoveryPlan // nil selects DefaultRecoveryPlan
	Bridge   AgentBridge   // nil selects NopBridge
	Identity Identity
	Logger   *slog.Logger
}

// Engine is the sync control plane orchestrator.
type Engine struct {
	registry *registry.Registry
	watch    *watcher.Watcher
	delta    *delta.Tracker
	model    *mlmodel.Model
	errors   *errclass.Handler
	bus      *events.Bus
	ledger   *Ledger
	plan     *RecoveryPlan
	bridge   AgentBridge
	identity Identity
	logger   *slog.Logger

	// Policy resolved once at Initialize; the registry document is
	// immutable after load.
	mlCfg    registry.MLConfig
	adv      registry.AdvancedConfig
	conflict registry.ConflictPolicy

	// Bounded work queue between watcher dispatch and sync execution.
	// A full queue delays watcher dispatch; events are never dropped.
	queue       chan watcher.FileEvent
	completions chan string

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	frozenMu sync.Mutex
	frozen   map[string]string // path -> error id that froze it

	attemptsMu sync.Mutex
	attempts   map[string]int // path -> consecutive deferred recoveries
}

// maxRecoveryAttempts bounds consecutive recoveries that end in a
// requeue without a repair. Past the bound the path freezes instead of
// cycling through the queue forever.
const maxRecoveryAttempts = 3

// New assembles an Engine from its collaborators.
func New(cfg *Config) *Engine {
	plan := cfg.Plan
	if plan == nil {
		plan = DefaultRecoveryPlan()
	}

	bridge := cfg.Bridge
	if bridge == nil {
		bridge = NopBridge{}
	}

	return &Engine{
		registry: cfg.Registry,
		watch:    cfg.Watcher,
		delta:    cfg.Delta,
		model:    cfg.Model,
		errors:   cfg.Errors,
		bus:      cfg.Bus,
		ledger:   cfg.Ledger,
		plan:     plan,
		bridge:   bridge,
		identity: cfg.Identity,
		logger:   cfg.Logger,
		frozen:   make(map[string]string),
		attempts: make(map[string]int),
	}
}

// Initialize restores the snapshot, registers all configured watch
// roots, and starts the pipeline goroutines. Call Shutdown to stop.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mlCfg = e.registry.GetMLConfig()
	e.adv = e.registry.GetAdvancedConfig()
	e.conflict = e.registry.ConflictResolution()

	e.queue = make(chan watcher.FileEvent, e.adv.QueueSize)
	e.completions = make(chan string, e.adv.QueueSize)
	e.sem = semaphore.NewWeighted(int64(e.adv.MaxConcurrentSyncs))

	if err := e.delta.LoadSnapshot(); err != nil {
		return fmt.Errorf("engine: restoring snapshot: %w", err)
	}

	for _, rule := range e.registry.Rules() {
		if err := e.watch.WatchPath(rule.Source); err != nil {
			return fmt.Errorf("engine: watching %s: %w", rule.Source, err)
		}
	}

	if e.mlCfg.Enabled {
		if err := e.model.Initialize(); err != nil {
			return fmt.Errorf("engine: initializing model: %w", err)
		}
	}

	e.wg.Add(3)

	go func() {
		defer e.wg.Done()

		if err := e.watch.Run(ctx); err != nil {
			e.logger.Error("watcher loop failed", slog.String("error", err.Error()))
		}
	}()

	// Bridge goroutine: forwards watcher events into the bounded work
	// queue. Blocking here is the backpressure contract; the watcher's
	// own buffer absorbs bursts.
	go func() {
		defer e.wg.Done()

		for ev := range e.watch.Events() {
			select {
			case e.queue <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer e.wg.Done()
		e.dispatchLoop(ctx)
	}()

	// Catch-up scan for changes made while the daemon was down; the
	// queue serializes it with live watcher events.
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		e.initialScan(ctx)
	}()

	if mon := e.registry.GetMonitoringConfig(); mon.Enabled {
		e.wg.Add(1)

		go func() {
			defer e.wg.Done()
			e.runMonitor(ctx, mon)
		}()
	}

	go e.delta.RunSnapshotter(ctx, e.adv.SnapshotInterval, func() {
		e.bus.Emit(events.TypeSnapshotSaved, e.delta.SnapshotPath(), nil)
	})

	e.logger.Info("sync engine initialized",
		slog.String("project_id", e.registry.ProjectID()),
		slog.Int("watch_roots", len(e.registry.Rules())),
		slog.Int("max_concurrent", e.adv.MaxConcurrentSyncs),
		slog.Bool("ml_enabled", e.mlCfg.Enabled),
	)

	return nil
}

// dispatchLoop enforces per-path ordering: one in-flight worker per
// path, later events for the same path queue behind it in FIFO order.
// Cross-path parallelism is bounded by the semaphore inside the worker.
func (e *Engine) dispatchLoop(ctx context.Context) {
	inFlight := make(map[string]bool)
	backlog := make(map[string][]watcher.FileEvent)

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-e.queue:
			e.bus.Emit(events.TypeFileEvent, ev.Path, ev)

			if inFlight[ev.Path] {
				backlog[ev.Path] = append(backlog[ev.Path], ev)
				continue
			}

			inFlight[ev.Path] = true
			e.startWorker(ctx, ev)

		case path := <-e.completions:
			pending := backlog[path]
			if len(pending) == 0 {
				delete(inFlight, path)
				continue
			}

			next := pending[0]

			if len(pending) == 1 {
				delete(backlog, path)
			} else {
				backlog[path] = pending[1:]
			}

			e.startWorker(ctx, next)
		}
	}
}

func (e *Engine) startWorker(ctx context.Context, ev watcher.FileEvent) {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		defer func() {
			select {
			case e.completions <- ev.Path:
			case <-ctx.Done():
			}
		}()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		e.processEvent(ctx, ev)
	}()
}

// processEvent runs the full per-event pipeline: policy, prediction,
// delta decision, propagation, confirmation or recovery.
func (e *Engine) processEvent(ctx context.Context, ev watcher.FileEvent) {
	if id, frozen := e.frozenBy(ev.Path); frozen {
		e.logger.Warn("skipping frozen path",
			slog.String("path", ev.Path),
			slog.String("error_id", id),
		)

		return
	}

	if e.registry.IsPathExcluded(ev.Path) {
		e.logger.Debug("path excluded by policy", slog.String("path", ev.Path))
		return
	}

	if !e.registry.HasAccess(ev.Path, e.identity.User, e.identity.Groups) {
		ce := e.errors.HandleError("sync_engine", ev.Path,
			fmt.Errorf("access denied for user %q on %s", e.identity.User, ev.Path))

		e.freeze(ev.Path, ce.ID)
		e.bus.Emit(events.TypeCriticalFailure, ev.Path, ce)

		return
	}

	strategy := e.registry.GetSyncStrategy(ev.Path)
	priority := e.registry.GetPathPriority(ev.Path)

	// The model refines policy only when it is confident; otherwise the
	// registry stays authoritative.
	if e.mlCfg.Enabled {
		pred := e.model.PredictSyncBehavior(ev.Path)
		if pred.Probability >= e.mlCfg.ConfidenceThreshold {
			strategy = pred.Mode
			priority = pred.Priority
		}
	}

	if hints := e.bridge.GetHints(ev.Path); len(hints) > 0 {
		e.logger.Debug("agent hints received",
			slog.String("path", ev.Path),
			slog.Int("hints", len(hints)),
		)
	}

	// Capture the last confirmed hash before the tracker overwrites it;
	// conflict detection compares the destination against it.
	baseHash := ""
	if prev, ok := e.delta.GetState(ev.Path); ok && prev.SyncStatus == delta.StatusSynced {
		baseHash = prev.Hash
	}

	if !e.delta.HandleFileEvent(ev) {
		e.logger.Debug("no-op change, nothing to sync", slog.String("path", ev.Path))
		return
	}

	start := time.Now()

	bytes, err := e.propagateWithBase(ctx, ev, baseHash)
	if err != nil {
		e.handleFailure(ctx, ev, err)
		return
	}

	e.delta.ConfirmSync(ev.Path)
	e.clearAttempts(ev.Path)

	rec := SyncRecord{
		Path:        ev.Path,
		Strategy:    string(strategy),
		Priority:    priority,
		BytesCopied: bytes,
		Duration:    time.Since(start),
	}

	if err := e.ledger.RecordSync(ctx, &rec); err != nil {
		e.logger.Warn("failed to record sync metric", slog.String("error", err.Error()))
	}

	e.bus.Emit(events.TypeSyncComplete, ev.Path, rec)

	e.logger.Info("sync complete",
		slog.String("path", ev.Path),
		slog.String("strategy", string(strategy)),
		slog.Duration("duration", rec.Duration),
	)
}

// handleFailure classifies the error and either runs the recovery plan
// or freezes the path behind a critical_failure signal.
func (e *Engine) handleFailure(ctx context.Context, ev watcher.FileEvent, err error) {
	ce := e.errors.HandleError("sync_engine", ev.Path, err)

	if !ce.Classification.Recoverable || ce.Classification.RequiresHumanIntervention {
		e.freeze(ev.Path, ce.ID)
		e.bus.Emit(events.TypeCriticalFailure, ev.Path, ce)

		e.logger.Error("unrecoverable sync failure, path frozen",
			slog.String("path", ev.Path),
			slog.String("error_id", ce.ID),
			slog.String("category", string(ce.Classification.Category)),
		)

		return
	}

	outcome := e.executeRecovery(ctx, ev)

	rec := RecoveryRecord{
		Path:      ev.Path,
		ErrorID:   ce.ID,
		PhasesRun: joinPhases(outcome.phasesRun),
		Succeeded: outcome.succeeded,
	}

	if recErr := e.ledger.RecordRecovery(ctx, &rec); recErr != nil {
		e.logger.Warn("failed to record recovery metric", slog.String("error", recErr.Error()))
	}

	// Feed each action outcome back into the model so recovery-strategy
	// predictions learn which actions work for this path.
	for action, success := range outcome.actionResults {
		e.model.UpdateFromFailure(mlmodel.FailureSample{
			Path:     ev.Path,
			Error:    ce.Message,
			Category: string(ce.Classification.Category),
			Recovery: action,
			Success:  success,
		})
	}

	// Only a repair that actually re-propagated confirms the path. A plan
	// that merely ran to completion leaves the state pending; the
	// requeued event gets a bounded number of fresh passes.
	if outcome.succeeded && outcome.repaired {
		e.delta.ConfirmSync(ev.Path)
		e.clearAttempts(ev.Path)

		e.logger.Info("recovery complete",
			slog.String("path", ev.Path),
			slog.String("phases", rec.PhasesRun),
		)

		return
	}

	if outcome.succeeded && outcome.requeued && e.bumpAttempts(ev.Path) < maxRecoveryAttempts {
		e.logger.Info("recovery deferred, event requeued",
			slog.String("path", ev.Path),
			slog.String("phases", rec.PhasesRun),
		)

		return
	}

	e.freeze(ev.Path, ce.ID)
	e.bus.Emit(events.TypeCriticalFailure, ev.Path, ce)

	e.logger.Error("recovery failed, path frozen",
		slog.String("path", ev.Path),
		slog.String("error_id", ce.ID),
	)
}

// runMonitor logs the configured counters at the registry's monitoring
// interval. An empty metric list reports every counter.
func (e *Engine) runMonitor(ctx context.Context, mon registry.MonitoringConfig) {
	ticker := time.NewTicker(mon.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			counters, err := e.ledger.Counters(ctx)
			if err != nil {
				e.logger.Warn("monitoring read failed", slog.String("error", err.Error()))
				continue
			}

			attrs := []any{slog.Int("pending", len(e.delta.GetPendingSyncs()))}

			if len(mon.Metrics) == 0 {
				for name, value := range counters {
					attrs = append(attrs, slog.Int64(name, value))
				}
			} else {
				for _, name := range mon.Metrics {
					attrs = append(attrs, slog.Int64(name, counters[name]))
				}
			}

			e.logger.Info("monitoring report", attrs...)
		}
	}
}

// RetryRecoverableErrors asks the error handler to signal every stored
// recoverable error and requeues the owning paths for a fresh pass.
// Frozen paths are unfrozen first; retries are explicit and auditable,
// never background.
func (e *Engine) RetryRecoverableErrors(ctx context.Context) int {
	retried := 0

	for _, ce := range e.errors.RetryRecoverableErrors() {
		if ce.Path == "" {
			continue
		}

		e.unfreeze(ce.Path)

		ev, ok := e.rebuildEvent(ce.Path)
		if !ok {
			continue
		}

		select {
		case e.queue <- ev:
			retried++
		case <-ctx.Done():
			return retried
		}
	}

	return retried
}

// rebuildEvent synthesizes a fresh event for a path by re-examining the
// filesystem.
func (e *Engine) rebuildEvent(path string) (watcher.FileEvent, bool) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return watcher.FileEvent{Type: watcher.EventUnlink, Path: path, Timestamp: time.Now()}, true
		}

		e.logger.Warn("cannot rebuild event", slog.String("path", path), slog.String("error", err.Error()))

		return watcher.FileEvent{}, false
	}

	hash, err := watcher.HashFile(path)
	if err != nil {
		e.logger.Warn("cannot hash for retry", slog.String("path", path), slog.String("error", err.Error()))
		return watcher.FileEvent{}, false
	}

	evType := watcher.EventChange
	if _, tracked := e.delta.GetState(path); !tracked {
		evType = watcher.EventAdd
	}

	return watcher.FileEvent{Type: evType, Path: path, Hash: hash, Timestamp: time.Now()}, true
}

// GetMetrics returns the persisted sync and recovery history plus the
// delta counters.
func (e *Engine) GetMetrics(ctx context.Context) (*Metrics, error) {
	syncs, err := e.ledger.ListSyncs(ctx, 0)
	if err != nil {
		return nil, err
	}

	recoveries, err := e.ledger.ListRecoveries(ctx, 0)
	if err != nil {
		return nil, err
	}

	counters, err := e.ledger.Counters(ctx)
	if err != nil {
		return nil, err
	}

	return &Metrics{Syncs: syncs, Recoveries: recoveries, Counters: counters}, nil
}

// Shutdown stops the watchers, waits for in-flight work up to the
// configured timeout, and flushes a final snapshot. The snapshot write
// is atomic, so a slow worker can never corrupt persisted state.
func (e *Engine) Shutdown() error {
	if err := e.watch.UnwatchAll(); err != nil {
		e.logger.Warn("unwatch failed during shutdown", slog.String("error", err.Error()))
	}

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.adv.Timeout):
		e.logger.Warn("shutdown timeout, abandoning in-flight work",
			slog.Duration("timeout", e.adv.Timeout),
		)
	}

	if err := e.delta.SaveSnapshot(); err != nil {
		return fmt.Errorf("engine: final snapshot: %w", err)
	}

	e.logger.Info("sync engine stopped")

	return nil
}

// ---------------------------------------------------------------------------
// Path freezing
// ---------------------------------------------------------------------------

// freeze halts automatic sync attempts for the path until it is
// manually cleared.
func (e *Engine) freeze(path, errorID string) {
	e.frozenMu.Lock()
	e.frozen[path] = errorID
	e.frozenMu.Unlock()
}

func (e *Engine) unfreeze(path string) {
	e.frozenMu.Lock()
	delete(e.frozen, path)
	e.frozenMu.Unlock()

	// An operator-driven retry starts with a fresh recovery budget.
	e.clearAttempts(path)
}

func (e *Engine) bumpAttempts(path string) int {
	e.attemptsMu.Lock()
	defer e.attemptsMu.Unlock()

	e.attempts[path]++

	return e.attempts[path]
}

func (e *Engine) clearAttempts(path string) {
	e.attemptsMu.Lock()
	delete(e.attempts, path)
	e.attemptsMu.Unlock()
}

func (e *Engine) frozenBy(path string) (string, bool) {
	e.frozenMu.Lock()
	defer e.frozenMu.Unlock()

	id, ok := e.frozen[path]

	return id, ok
}

// FrozenPaths returns the currently frozen paths, sorted.
func (e *Engine) FrozenPaths() []string {
	e.frozenMu.Lock()
	defer e.frozenMu.Unlock()

	out := make([]string, 0, len(e.frozen))
	for path := range e.frozen {
		out = append(out, path)
	}

	sort.Strings(out)

	return out
}

// ClearErrors empties the error registry and unfreezes every path,
// returning the number of paths released. This is the operator's reset
// after resolving whatever required intervention.
func (e *Engine) ClearErrors() int {
	e.errors.ClearErrors()
	return e.UnfreezeAll()
}

// UnfreezeAll clears every frozen path, typically after the operator
// clears the error registry.
func (e *Engine) UnfreezeAll() int {
	e.frozenMu.Lock()
	defer e.frozenMu.Unlock()

	n := len(e.frozen)
	e.frozen = make(map[string]string)

	e.attemptsMu.Lock()
	e.attempts = make(map[string]int)
	e.attemptsMu.Unlock()

	return n
}
