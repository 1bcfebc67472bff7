package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jonthemediocre/deltasync/internal/watcher"
)

// RecoveryPhase is one ordered step of a recovery plan.
type RecoveryPhase struct {
	ID      string   `yaml:"id"`
	Actions []string `yaml:"actions"`
}

// RecoveryPlan is the declarative remediation sequence executed after a
// classified recoverable failure. Phases run in order; a phase advances
// only when all its actions succeed or report acceptable degradation.
type RecoveryPlan struct {
	Phases []RecoveryPhase `yaml:"phases"`
}

// Built-in recovery action identifiers. Unknown identifiers are a
// configuration error reported at plan-load time, not at execution
// time.
const (
	ActionFsCheck           = "fs_check"
	ActionLinkCheck         = "link_check"
	ActionIntelligentRepair = "intelligent_repair"
	ActionResnapshot        = "resnapshot"
	ActionRequeue           = "requeue"
)

var knownActions = map[string]bool{
	ActionFsCheck:           true,
	ActionLinkCheck:         true,
	ActionIntelligentRepair: true,
	ActionResnapshot:        true,
	ActionRequeue:           true,
}

// errDegraded marks an action outcome that did not fully succeed but is
// acceptable for the phase to advance (e.g. a repair deferred to the
// requeued event).
var errDegraded = errors.New("engine: acceptable degradation")

// DefaultRecoveryPlan is used when no plan document is configured. The
// trailing requeue gives a degraded repair another pass through the
// normal pipeline instead of abandoning the event.
func DefaultRecoveryPlan() *RecoveryPlan {
	return &RecoveryPlan{
		Phases: []RecoveryPhase{
			{ID: "verify", Actions: []string{ActionFsCheck, ActionLinkCheck}},
			{ID: "repair", Actions: []string{ActionIntelligentRepair}},
			{ID: "stabilize", Actions: []string{ActionResnapshot, ActionRequeue}},
		},
	}
}

// LoadRecoveryPlan reads and validates a plan document. Every action
// identifier must be known and every phase must have an id; violations
// are accumulated into a single error.
func LoadRecoveryPlan(path string, logger *slog.Logger) (*RecoveryPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: reading recovery plan %s: %w", path, err)
	}

	var plan RecoveryPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("engine: parsing recovery plan %s: %w", path, err)
	}

	if err := plan.validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid recovery plan %s: %w", path, err)
	}

	logger.Info("recovery plan loaded",
		slog.String("path", path),
		slog.Int("phases", len(plan.Phases)),
	)

	return &plan, nil
}

func (p *RecoveryPlan) validate() error {
	var errs []error

	if len(p.Phases) == 0 {
		errs = append(errs, errors.New("plan has no phases"))
	}

	for i, phase := range p.Phases {
		if phase.ID == "" {
			errs = append(errs, fmt.Errorf("phases[%d]: missing id", i))
		}

		if len(phase.Actions) == 0 {
			errs = append(errs, fmt.Errorf("phases[%d] (%s): no actions", i, phase.ID))
		}

		for _, action := range phase.Actions {
			if !knownActions[action] {
				errs = append(errs, fmt.Errorf("phases[%d] (%s): unknown action %q", i, phase.ID, action))
			}
		}
	}

	return errors.Join(errs...)
}

// recoveryOutcome summarizes a plan execution for the ledger and the
// model. succeeded means the plan ran to completion; only repaired
// means the destination actually received the content again.
type recoveryOutcome struct {
	phasesRun []string
	succeeded bool
	repaired  bool
	requeued  bool
	lastErr   error
	// actionResults maps action id -> success, fed back into the model
	// so PredictRecoveryStrategy learns which actions work. Degraded
	// actions count as failures here; they did not do their job.
	actionResults map[string]bool
}

// executeRecovery runs the plan phases sequentially for the failed
// event. Execution stops at the first phase whose actions neither
// succeed nor degrade acceptably.
func (e *Engine) executeRecovery(ctx context.Context, ev watcher.FileEvent) recoveryOutcome {
	outcome := recoveryOutcome{actionResults: make(map[string]bool)}

	for _, phase := range e.plan.Phases {
		outcome.phasesRun = append(outcome.phasesRun, phase.ID)

		if err := e.executePhase(ctx, phase, ev, &outcome); err != nil {
			outcome.lastErr = err

			e.logger.Warn("recovery phase failed",
				slog.String("phase", phase.ID),
				slog.String("path", ev.Path),
				slog.String("error", err.Error()),
			)

			return outcome
		}

		e.logger.Info("recovery phase complete",
			slog.String("phase", phase.ID),
			slog.String("path", ev.Path),
		)
	}

	outcome.succeeded = true

	return outcome
}

func (e *Engine) executePhase(
	ctx context.Context, phase RecoveryPhase, ev watcher.FileEvent, outcome *recoveryOutcome,
) error {
	for _, action := range phase.Actions {
		err := e.executeAction(ctx, action, ev)

		switch {
		case err == nil:
			outcome.actionResults[action] = true

			switch action {
			case ActionIntelligentRepair:
				outcome.repaired = true
			case ActionRequeue:
				outcome.requeued = true
			}

		case errors.Is(err, errDegraded):
			outcome.actionResults[action] = false

			e.logger.Debug("recovery action degraded but acceptable",
				slog.String("action", action),
				slog.String("path", ev.Path),
			)

		default:
			outcome.actionResults[action] = false

			return fmt.Errorf("action %s: %w", action, err)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("engine: recovery canceled: %w", ctx.Err())
		}
	}

	return nil
}

// executeAction dispatches one named recovery action.
func (e *Engine) executeAction(ctx context.Context, action string, ev watcher.FileEvent) error {
	switch action {
	case ActionFsCheck:
		return e.actionFsCheck(ev)
	case ActionLinkCheck:
		return e.actionLinkCheck(ev)
	case ActionIntelligentRepair:
		return e.actionIntelligentRepair(ctx, ev)
	case ActionResnapshot:
		return e.delta.SaveSnapshot()
	case ActionRequeue:
		return e.actionRequeue(ctx, ev)
	default:
		// Unreachable for validated plans.
		return fmt.Errorf("engine: unknown recovery action %q", action)
	}
}

// actionFsCheck verifies the source still exists (or is a legitimate
// unlink) and is readable.
func (e *Engine) actionFsCheck(ev watcher.FileEvent) error {
	info, err := os.Stat(ev.Path)
	if err != nil {
		if os.IsNotExist(err) && ev.Type == watcher.EventUnlink {
			return nil
		}

		return fmt.Errorf("source check: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("source check: %s is a directory", ev.Path)
	}

	return nil
}

// actionLinkCheck verifies the destination parent exists and is
// writable, creating missing directories.
func (e *Engine) actionLinkCheck(ev watcher.FileEvent) error {
	dest, ok := e.registry.ResolveDestination(ev.Path)
	if !ok {
		return fmt.Errorf("link check: no destination rule for %s", ev.Path)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("link check: %w", err)
	}

	return nil
}

// actionIntelligentRepair retries the propagation once, consulting the
// model's recovery prediction for whether a direct retry is expected to
// help. A low-confidence prediction degrades to the requeue path
// instead of thrashing.
func (e *Engine) actionIntelligentRepair(ctx context.Context, ev watcher.FileEvent) error {
	pred := e.model.PredictRecoveryStrategy(ev.Path)

	if pred.Confidence < e.mlCfg.ConfidenceThreshold && !containsAction(pred.Actions, ActionIntelligentRepair) {
		return errDegraded
	}

	if err := e.propagate(ctx, ev); err != nil {
		return fmt.Errorf("repair propagation: %w", err)
	}

	return nil
}

// actionRequeue schedules the event for one more pass through the
// normal pipeline. Degrades acceptably when the queue is saturated.
func (e *Engine) actionRequeue(ctx context.Context, ev watcher.FileEvent) error {
	select {
	case e.queue <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: requeue canceled: %w", ctx.Err())
	default:
		return errDegraded
	}
}

func containsAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}

	return false
}

// joinPhases renders phase ids for the ledger row.
func joinPhases(phases []string) string {
	return strings.Join(phases, ",")
}
