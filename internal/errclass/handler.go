package errclass

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonthemediocre/deltasync/internal/events"
)

// Stats is the aggregate error-health view returned by GetStats.
type Stats struct {
	Total             int              `json:"total"`
	ByCategory        map[Category]int `json:"by_category"`
	BySeverity        map[Severity]int `json:"by_severity"`
	Recoverable       int              `json:"recoverable"`
	HumanIntervention int              `json:"human_intervention"`
}

// Handler owns the in-memory error registry. It is an injected
// instance, not a process-wide singleton, so tests and subsystems can
// hold isolated copies. All methods are safe for concurrent use with
// read-your-writes consistency for GetStats.
type Handler struct {
	mu     sync.Mutex
	store  map[string]*ClassifiedError
	order  []string // insertion order for deterministic listings
	bus    *events.Bus
	logger *slog.Logger
}

// NewHandler creates an empty Handler publishing to bus.
func NewHandler(bus *events.Bus, logger *slog.Logger) *Handler {
	return &Handler{
		store:  make(map[string]*ClassifiedError),
		bus:    bus,
		logger: logger,
	}
}

// HandleError normalizes err into a ClassifiedError, stores it, and
// emits error_handled (plus human_intervention_needed when flagged,
// independent of severity). An already-classified error passes through
// with its classification intact. Normalization never fails.
func (h *Handler) HandleError(component, path string, err error) *ClassifiedError {
	ce := h.normalize(component, path, err)

	h.mu.Lock()
	h.store[ce.ID] = ce
	h.order = append(h.order, ce.ID)
	h.mu.Unlock()

	h.logger.Warn("error handled",
		slog.String("id", ce.ID),
		slog.String("component", ce.Component),
		slog.String("category", string(ce.Classification.Category)),
		slog.String("severity", string(ce.Classification.Severity)),
		slog.Bool("recoverable", ce.Classification.Recoverable),
		slog.String("message", ce.Message),
	)

	h.bus.Emit(events.TypeErrorHandled, ce.Path, ce)

	if ce.Classification.RequiresHumanIntervention {
		h.bus.Emit(events.TypeHumanIntervention, ce.Path, ce)
	}

	return ce
}

// normalize builds the stored record. Pass-through for errors that are
// already classified; signature-matched otherwise.
func (h *Handler) normalize(component, path string, err error) *ClassifiedError {
	var existing *ClassifiedError
	if errors.As(err, &existing) {
		cp := *existing
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}

		if cp.Component == "" {
			cp.Component = component
		}

		if cp.Path == "" {
			cp.Path = path
		}

		if cp.OccurredAt.IsZero() {
			cp.OccurredAt = time.Now().UTC()
		}

		return &cp
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	return &ClassifiedError{
		ID:             uuid.NewString(),
		Component:      component,
		Message:        msg,
		Path:           path,
		Classification: Classify(err),
		OccurredAt:     time.Now().UTC(),
		err:            err,
	}
}

// GetError returns the stored error with the given id.
func (h *Handler) GetError(id string) (*ClassifiedError, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ce, ok := h.store[id]

	return ce, ok
}

// GetErrorsByCategory returns all stored errors in the category, in
// insertion order.
func (h *Handler) GetErrorsByCategory(c Category) []*ClassifiedError {
	return h.filter(func(ce *ClassifiedError) bool {
		return ce.Classification.Category == c
	})
}

// GetErrorsBySeverity returns all stored errors at the severity, in
// insertion order.
func (h *Handler) GetErrorsBySeverity(s Severity) []*ClassifiedError {
	return h.filter(func(ce *ClassifiedError) bool {
		return ce.Classification.Severity == s
	})
}

// ListErrors returns all stored errors in insertion order.
func (h *Handler) ListErrors() []*ClassifiedError {
	return h.filter(func(*ClassifiedError) bool { return true })
}

func (h *Handler) filter(keep func(*ClassifiedError) bool) []*ClassifiedError {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*ClassifiedError

	for _, id := range h.order {
		if ce := h.store[id]; ce != nil && keep(ce) {
			out = append(out, ce)
		}
	}

	return out
}

// GetStats returns totals, per-category and per-severity counts, and
// recoverable/human-intervention counts for everything currently
// stored.
func (h *Handler) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Stats{
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
	}

	for _, ce := range h.store {
		stats.Total++
		stats.ByCategory[ce.Classification.Category]++
		stats.BySeverity[ce.Classification.Severity]++

		if ce.Classification.Recoverable {
			stats.Recoverable++
		}

		if ce.Classification.RequiresHumanIntervention {
			stats.HumanIntervention++
		}
	}

	return stats
}

// ClearErrors wipes the registry and emits errors_cleared.
func (h *Handler) ClearErrors() {
	h.mu.Lock()
	cleared := len(h.store)
	h.store = make(map[string]*ClassifiedError)
	h.order = nil
	h.mu.Unlock()

	h.logger.Info("error registry cleared", slog.Int("cleared", cleared))

	h.bus.Emit(events.TypeErrorsCleared, "", cleared)
}

// RetryRecoverableErrors emits one retry_error per stored recoverable
// error and returns the errors, sorted by occurrence time. It does not
// re-execute the failed operations; that is the engine's job.
func (h *Handler) RetryRecoverableErrors() []*ClassifiedError {
	recoverable := h.filter(func(ce *ClassifiedError) bool {
		return ce.Classification.Recoverable
	})

	sort.Slice(recoverable, func(i, j int) bool {
		return recoverable[i].OccurredAt.Before(recoverable[j].OccurredAt)
	})

	for _, ce := range recoverable {
		h.bus.Emit(events.TypeRetryError, ce.Path, ce)
	}

	h.logger.Info("retry signals emitted", slog.Int("count", len(recoverable)))

	return recoverable
}
