// Package parsers converts Terraform, CloudFormation and ARM change
// documents into the unified resource/dependency plan model.
package parsers

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
)

// Parser converts one IaC format into a unified plan. Detect is a
// cheap heuristic and never fails; Parse may return a *ParseError.
// Implementations hold no mutable state and are safe for concurrent
// use.
type Parser interface {
	Source() models.SourceType
	Detect(content []byte) bool
	Parse(content []byte) (*models.Plan, error)
}

// Registry holds an explicit, ordered list of parsers. It is built
// once at startup and injected into the pipeline; nothing registers
// itself by side effect.
type Registry struct {
	parsers []Parser
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger, parsers ...Parser) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{parsers: parsers, logger: logger}
}

// DefaultRegistry wires the three built-in parsers in detection order.
func DefaultRegistry(logger *slog.Logger) *Registry {
	return NewRegistry(logger,
		NewTerraformParser(),
		NewCloudFormationParser(),
		NewARMParser(),
	)
}

// DetectType returns the source type of the first parser that claims
// the content, or "" when none does.
func (r *Registry) DetectType(content []byte) models.SourceType {
	for _, p := range r.parsers {
		if p.Detect(content) {
			return p.Source()
		}
	}
	return ""
}

// CreateUnifiedPlan runs format detection and parses the document with
// the matching parser. The returned plan has a fresh id, a timestamp,
// validated dependencies and the raw document retained for audit.
func (r *Registry) CreateUnifiedPlan(content []byte) (*models.Plan, error) {
	for _, p := range r.parsers {
		if !p.Detect(content) {
			continue
		}
		plan, err := p.Parse(content)
		if err != nil {
			return nil, err
		}
		finalizePlan(plan, content)
		for _, w := range plan.Warnings {
			r.logger.Warn("plan warning", "source", plan.SourceType, "warning", w)
		}
		return plan, nil
	}

	// Distinguish an undetectable format from a document that is not
	// valid JSON or YAML in the first place.
	if _, err := jsonval.Decode(content); err != nil {
		if _, yerr := jsonval.DecodeYAML(content); yerr != nil {
			return nil, &ParseError{Source: "unknown", Err: err}
		}
	}

	tried := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		tried[i] = string(p.Source())
	}
	return nil, &FormatDetectionError{Tried: tried}
}

// finalizePlan stamps identity fields and drops dependencies whose
// endpoints are not resources of this plan. External references
// (marked by the extractor) are kept as-is.
func finalizePlan(plan *models.Plan, content []byte) {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.Timestamp.IsZero() {
		plan.Timestamp = time.Now().UTC()
	}
	plan.SourceContent = string(content)
	plan.Dependencies = validateDependencies(plan)
}

func validateDependencies(plan *models.Plan) []models.Dependency {
	known := make(map[string]bool, len(plan.Resources))
	for _, res := range plan.Resources {
		known[res.IaCID] = true
	}

	kept := plan.Dependencies[:0]
	seen := make(map[string]bool, len(plan.Dependencies))
	for _, dep := range plan.Dependencies {
		key := dep.SourceID + "\x00" + dep.TargetID + "\x00" + string(dep.DependencyType)
		if seen[key] {
			continue
		}
		seen[key] = true

		if !known[dep.SourceID] {
			plan.Warnings = append(plan.Warnings,
				"dropped dependency from unknown resource "+dep.SourceID)
			continue
		}
		if !known[dep.TargetID] && !isExternal(dep) {
			plan.Warnings = append(plan.Warnings,
				"dropped dependency on unknown resource "+dep.TargetID)
			continue
		}
		kept = append(kept, dep)
	}
	return kept
}

func isExternal(dep models.Dependency) bool {
	v, ok := dep.Metadata["external"]
	if !ok {
		return false
	}
	b, _ := v.AsBool()
	return b
}
