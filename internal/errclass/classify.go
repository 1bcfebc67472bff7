// Package errclass normalizes arbitrary errors into a classified
// taxonomy (category, severity, recoverability, human-intervention),
// tracks them in an in-memory registry, and answers error-health
// queries. All errors flow through the Handler before any component
// decides what to do with them; nothing is silently dropped.
package errclass

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// Category is the error taxonomy bucket.
type Category string

// Error categories.
const (
	CategoryFilesystem Category = "filesystem"
	CategoryNetwork    Category = "network"
	CategorySync       Category = "sync"
	CategorySecurity   Category = "security"
	CategoryUnknown    Category = "unknown"
)

// Severity grades an error's impact.
type Severity string

// Severities, ordered low to critical.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the derived handling contract for an error.
type Classification struct {
	Severity                  Severity `json:"severity"`
	Category                  Category `json:"category"`
	Recoverable               bool     `json:"recoverable"`
	RequiresHumanIntervention bool     `json:"requires_human_intervention"`
}

// ClassifiedError is an error annotated with its classification. It
// wraps the original error and is stored in the handler's registry
// until explicitly cleared.
type ClassifiedError struct {
	ID             string         `json:"id"`
	Component      string         `json:"component"`
	Message        string         `json:"message"`
	Path           string         `json:"path,omitempty"`
	Classification Classification `json:"classification"`
	OccurredAt     time.Time      `json:"occurred_at"`

	err error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s/%s [%s]: %s",
		e.Classification.Category, e.Classification.Severity, e.Component, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.err
}

// signaturePattern maps a message substring to a classification.
// Patterns are checked in order; the first match wins.
type signaturePattern struct {
	substr string
	class  Classification
}

// Ordered signature patterns. More specific signatures come before the
// broad category words they contain.
var signaturePatterns = []signaturePattern{
	{"ENOSPC", Classification{SeverityCritical, CategoryFilesystem, false, true}},
	{"ENOENT", Classification{SeverityHigh, CategoryFilesystem, true, false}},
	{"EROFS", Classification{SeverityHigh, CategoryFilesystem, false, true}},
	{"EMFILE", Classification{SeverityHigh, CategoryFilesystem, true, false}},
	{"EACCES", Classification{SeverityHigh, CategorySecurity, false, true}},
	{"EPERM", Classification{SeverityHigh, CategorySecurity, false, true}},
	{"permission denied", Classification{SeverityHigh, CategorySecurity, false, true}},
	{"access denied", Classification{SeverityHigh, CategorySecurity, false, true}},
	{"ETIMEDOUT", Classification{SeverityMedium, CategoryNetwork, true, false}},
	{"ECONNREFUSED", Classification{SeverityMedium, CategoryNetwork, true, false}},
	{"ECONNRESET", Classification{SeverityMedium, CategoryNetwork, true, false}},
	{"EHOSTUNREACH", Classification{SeverityMedium, CategoryNetwork, true, false}},
	{"connection refused", Classification{SeverityMedium, CategoryNetwork, true, false}},
	{"timeout", Classification{SeverityMedium, CategoryNetwork, true, false}},
	{"hash mismatch", Classification{SeverityHigh, CategorySync, true, false}},
	{"checksum", Classification{SeverityHigh, CategorySync, true, false}},
	{"conflict", Classification{SeverityMedium, CategorySync, true, false}},
	{"no such file", Classification{SeverityHigh, CategoryFilesystem, true, false}},
}

// fallbackClass is applied to errors matching no signature.
var fallbackClass = Classification{
	Severity:    SeverityMedium,
	Category:    CategoryUnknown,
	Recoverable: false,
}

// Classify derives the classification for an arbitrary error. It never
// panics and always returns a usable classification; a nil error maps
// to the unknown fallback.
func Classify(err error) Classification {
	if err == nil {
		return fallbackClass
	}

	// Typed sentinels first. An fs.ErrNotExist may carry a localized
	// message without the ENOENT signature.
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Classification{SeverityHigh, CategoryFilesystem, true, false}
	case errors.Is(err, fs.ErrPermission):
		return Classification{SeverityHigh, CategorySecurity, false, true}
	}

	msg := err.Error()

	for _, p := range signaturePatterns {
		if containsFold(msg, p.substr) {
			return p.class
		}
	}

	return fallbackClass
}

// containsFold is a case-insensitive substring check. All-uppercase
// signatures (errno names) are matched case-sensitively so that words
// like "enoent" in arbitrary prose do not misclassify.
func containsFold(msg, substr string) bool {
	if substr == strings.ToUpper(substr) {
		return strings.Contains(msg, substr)
	}

	return strings.Contains(strings.ToLower(msg), substr)
}
