package registry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Embedded JSON Schema for the registry document. Keeping the schema
// declarative means a misconfigured document produces one exhaustive
// error at load time instead of surprises at query time.
//
//go:embed schema.json
var registrySchema []byte

const schemaURL = "registry.schema.json"

// ValidationError wraps all schema and semantic violations found in a
// registry document. It unwraps to the individual errors.
type ValidationError struct {
	Path string // document file path
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry: invalid document %s: %v", e.Path, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Load reads, validates, and parses the registry document at path. The
// returned Registry is immutable. Any violation (unreadable file,
// malformed YAML, schema violation, invalid UUID, unknown enum) fails
// the whole load; no partially-initialized Registry is ever returned.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading document %s: %w", path, err)
	}

	doc, err := parse(data)
	if err != nil {
		return nil, &ValidationError{Path: path, Err: err}
	}

	if err := validateSemantics(doc); err != nil {
		return nil, &ValidationError{Path: path, Err: err}
	}

	logger.Info("registry loaded",
		slog.String("path", path),
		slog.String("project_id", doc.ProjectID),
		slog.String("version", doc.Version),
		slog.Int("path_rules", len(doc.Paths)),
	)

	return newRegistry(doc), nil
}

// parse validates the raw YAML against the embedded schema and decodes
// it into a Document. Schema validation runs on a JSON round-trip of
// the YAML value so the validator sees canonical types.
func parse(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing document: %w", err)
	}

	var instance any
	if err := json.Unmarshal(jsonData, &instance); err != nil {
		return nil, fmt.Errorf("canonicalizing document: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}

	return &doc, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(registrySchema)); err != nil {
		return nil, fmt.Errorf("loading embedded schema: %w", err)
	}

	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling embedded schema: %w", err)
	}

	return schema, nil
}

// validateSemantics checks constraints the schema cannot express:
// UUID format, strategy enums on decoded values, and path sanity.
// All violations are accumulated so the operator fixes everything in
// one pass.
func validateSemantics(doc *Document) error {
	var errs []error

	if _, err := uuid.Parse(doc.ProjectID); err != nil {
		errs = append(errs, fmt.Errorf("projectId: %q is not a valid UUID", doc.ProjectID))
	}

	if !doc.SyncStrategy.Valid() {
		errs = append(errs, fmt.Errorf("syncStrategy: unknown strategy %q", doc.SyncStrategy))
	}

	if doc.ConflictResolution != "" && !doc.ConflictResolution.Valid() {
		errs = append(errs, fmt.Errorf("conflictResolution: unknown policy %q", doc.ConflictResolution))
	}

	for i, rule := range doc.Paths {
		if rule.Strategy != "" && !rule.Strategy.Valid() {
			errs = append(errs, fmt.Errorf("paths[%d].strategy: unknown strategy %q", i, rule.Strategy))
		}

		if rule.Priority < 0 {
			errs = append(errs, fmt.Errorf("paths[%d].priority: must be >= 0, got %d", i, rule.Priority))
		}

		if !filepath.IsAbs(rule.Source) {
			errs = append(errs, fmt.Errorf("paths[%d].source: must be absolute, got %q", i, rule.Source))
		}

		if !filepath.IsAbs(rule.Destination) {
			errs = append(errs, fmt.Errorf("paths[%d].destination: must be absolute, got %q", i, rule.Destination))
		}

		for _, pat := range rule.ExcludePatterns {
			if _, err := filepath.Match(pat, "x"); err != nil {
				errs = append(errs, fmt.Errorf("paths[%d].excludePatterns: bad pattern %q: %w", i, pat, err))
			}
		}

		for _, pat := range rule.IncludePatterns {
			if _, err := filepath.Match(pat, "x"); err != nil {
				errs = append(errs, fmt.Errorf("paths[%d].includePatterns: bad pattern %q: %w", i, pat, err))
			}
		}
	}

	ac := doc.Security.AccessControl
	if ac.Enabled && ac.DefaultPolicy == "" {
		errs = append(errs, errors.New("security.accessControl.defaultPolicy: required when access control is enabled"))
	}

	return errors.Join(errs...)
}
