package models

import (
	"time"

	"github.com/qualys/iacguard/internal/jsonval"
)

type CloudProvider string

const (
	ProviderAWS        CloudProvider = "AWS"
	ProviderAzure      CloudProvider = "AZURE"
	ProviderGCP        CloudProvider = "GCP"
	ProviderKubernetes CloudProvider = "KUBERNETES"
	ProviderMultiCloud CloudProvider = "MULTI_CLOUD"
)

type ChangeType string

const (
	ChangeCreate   ChangeType = "CREATE"
	ChangeUpdate   ChangeType = "UPDATE"
	ChangeDelete   ChangeType = "DELETE"
	ChangeNoChange ChangeType = "NO_CHANGE"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	// SeverityError marks synthetic violations emitted for broken
	// policies so they surface instead of silently vanishing.
	SeverityError Severity = "error"
)

// Rank gives severities a total order: critical > high > medium > low.
// Error-severity entries sort below low; they report tooling problems,
// not resource risk.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type SourceType string

const (
	SourceTerraform      SourceType = "terraform"
	SourceCloudFormation SourceType = "cloudformation"
	SourceARM            SourceType = "arm"
)

type DependencyType string

const (
	DependencyExplicit  DependencyType = "explicit"
	DependencyReference DependencyType = "reference"
	DependencyAttribute DependencyType = "attribute"
)

// Resource is one normalized IaC resource. It is created once during
// parsing and never mutated afterwards.
type Resource struct {
	IaCID         string                   `json:"iac_id"`
	ResourceType  string                   `json:"resource_type"`
	CloudProvider CloudProvider            `json:"cloud_provider"`
	Properties    jsonval.Value            `json:"properties"`
	Tags          map[string]string        `json:"tags"`
	Metadata      map[string]jsonval.Value `json:"metadata,omitempty"`
	ChangeType    ChangeType               `json:"change_type"`
}

type Dependency struct {
	SourceID       string                   `json:"source_id"`
	TargetID       string                   `json:"target_id"`
	DependencyType DependencyType           `json:"dependency_type"`
	PropertyPath   string                   `json:"property_path,omitempty"`
	Metadata       map[string]jsonval.Value `json:"metadata,omitempty"`
}

// Plan is the unified, provider-neutral representation of one parsed
// IaC document. Resources preserve parse-discovery order.
type Plan struct {
	ID            string                   `json:"id"`
	SourceType    SourceType               `json:"source_type"`
	SourceContent string                   `json:"source_content,omitempty"`
	Resources     []Resource               `json:"resources"`
	Dependencies  []Dependency             `json:"dependencies"`
	Timestamp     time.Time                `json:"timestamp"`
	Metadata      map[string]jsonval.Value `json:"metadata,omitempty"`
	Warnings      []string                 `json:"warnings,omitempty"`
}

type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

type ConditionType string

const (
	ConditionField ConditionType = "field"
	ConditionAll   ConditionType = "all"
	ConditionAny   ConditionType = "any"
	ConditionNot   ConditionType = "not"
	ConditionGraph ConditionType = "graph"
)

// Condition is one node of a policy's condition tree. Type selects
// which of the remaining fields are meaningful.
type Condition struct {
	Type ConditionType `json:"type" yaml:"type"`

	// field
	Path     string        `json:"path,omitempty" yaml:"path,omitempty"`
	Operator Operator      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    jsonval.Value `json:"value,omitempty" yaml:"value,omitempty"`

	// all / any
	Children []Condition `json:"children,omitempty" yaml:"children,omitempty"`

	// not
	Child *Condition `json:"child,omitempty" yaml:"child,omitempty"`

	// graph
	From     string      `json:"from,omitempty" yaml:"from,omitempty"`
	To       string      `json:"to,omitempty" yaml:"to,omitempty"`
	Via      []string    `json:"via,omitempty" yaml:"via,omitempty"`
	Where    []Condition `json:"where,omitempty" yaml:"where,omitempty"`
	MaxDepth int         `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
}

// ResourceSelector decides which resources a policy applies to.
// Cloud "all" matches every provider; each type pattern is a
// colon-delimited template where * matches exactly one segment.
type ResourceSelector struct {
	Cloud string   `json:"cloud" yaml:"cloud"`
	Types []string `json:"types" yaml:"types"`
}

type Policy struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    Severity         `json:"severity" yaml:"severity"`
	Resources   ResourceSelector `json:"resources" yaml:"resources"`
	Condition   Condition        `json:"condition" yaml:"condition"`
	Actions     []string         `json:"actions,omitempty" yaml:"actions,omitempty"`
	Enabled     bool             `json:"enabled" yaml:"enabled"`
	MLThreshold float64          `json:"ml_threshold,omitempty" yaml:"ml_threshold,omitempty"`
	MLWeight    float64          `json:"ml_weight,omitempty" yaml:"ml_weight,omitempty"`
}

// ViolationType distinguishes policy-matched violations from entries
// synthesized out of ML predictions or broken policies.
type ViolationType string

const (
	ViolationPolicy      ViolationType = "policy"
	ViolationMLPredicted ViolationType = "ml_predicted"
	ViolationEvalError   ViolationType = "evaluation_error"
)

type ViolationContext struct {
	PlanID     string     `json:"plan_id"`
	ChangeType ChangeType `json:"change_type"`
}

type Violation struct {
	ID                 string           `json:"id"`
	Type               ViolationType    `json:"type"`
	PolicyName         string           `json:"policy_name"`
	Severity           Severity         `json:"severity"`
	ResourceID         string           `json:"resource_id"`
	Description        string           `json:"description"`
	RemediationActions []string         `json:"remediation_actions,omitempty"`
	Context            ViolationContext `json:"context"`
}

type Decision string

const (
	DecisionPass  Decision = "pass"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
	DecisionError Decision = "error"
)

type Verdict struct {
	Decision             Decision                 `json:"decision"`
	Reasons              []string                 `json:"reasons"`
	ViolationsBySeverity map[Severity][]Violation `json:"violations_by_severity"`
	CombinedRiskScore    float64                  `json:"combined_risk_score"`
}

// RiskPrediction is the externally computed risk for a plan. The zero
// value is the neutral prediction used when the predictor is
// unavailable.
type RiskPrediction struct {
	ViolationProbability float64          `json:"violation_probability"`
	Confidence           float64          `json:"confidence"`
	PredictedViolations  []string         `json:"predicted_violations,omitempty"`
	Explanation          *RiskExplanation `json:"explanation,omitempty"`
}

type RiskExplanation struct {
	TopFeatures map[string]float64 `json:"top_features,omitempty"`
}

// PlanFeatures is the feature summary handed to the risk predictor.
type PlanFeatures struct {
	ResourceType             string        `json:"resource_type"`
	CloudProvider            CloudProvider `json:"cloud_provider"`
	ChangeType               ChangeType    `json:"change_type"`
	PropertyCount            int           `json:"property_count"`
	TagCount                 int           `json:"tag_count"`
	IsPublicResource         bool          `json:"is_public_resource"`
	HasSensitiveTags         bool          `json:"has_sensitive_tags"`
	HistoricalViolationCount int           `json:"historical_violation_count"`
}

// GraphQuery is the request shape sent to the reachability oracle.
type GraphQuery struct {
	FromLabel string   `json:"from_label"`
	ToLabel   string   `json:"to_label"`
	ViaLabels []string `json:"via_labels,omitempty"`
	MaxDepth  int      `json:"max_depth"`
}
