package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/qualys/iacguard/internal/engine"
	"github.com/qualys/iacguard/internal/models"
)

type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatCSV  ReportFormat = "csv"
	FormatPDF  ReportFormat = "pdf"
)

// Report is a rendered evaluation report ready to be written to disk
// or streamed over HTTP.
type Report struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Generator struct {
	outputDir string
	logger    *slog.Logger
}

type Option func(*Generator)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

func NewGenerator(outputDir string, opts ...Option) *Generator {
	g := &Generator{
		outputDir: outputDir,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate renders the evaluation result in the requested format.
func (g *Generator) Generate(result *engine.Result, format ReportFormat) (*Report, error) {
	if result == nil || result.Plan == nil {
		return nil, fmt.Errorf("cannot generate report: no evaluation result")
	}

	var (
		data        []byte
		contentType string
		err         error
	)

	switch format {
	case FormatJSON:
		data, err = g.generateJSON(result)
		contentType = "application/json"
	case FormatCSV:
		data, err = g.generateCSV(result)
		contentType = "text/csv"
	case FormatPDF:
		data, err = g.generatePDF(result)
		contentType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported report format: %s", format)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to generate %s report: %w", format, err)
	}

	report := &Report{
		Filename:    reportFilename(result.Plan, format),
		ContentType: contentType,
		Data:        data,
	}

	g.logger.Info("generated evaluation report",
		"plan_id", result.Plan.ID,
		"format", format,
		"bytes", len(data))

	return report, nil
}

// Write renders the report and persists it under the generator's
// output directory, returning the written path.
func (g *Generator) Write(result *engine.Result, format ReportFormat) (string, error) {
	report, err := g.Generate(result, format)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(g.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	path := filepath.Join(g.outputDir, report.Filename)
	if err := os.WriteFile(path, report.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	return path, nil
}

func reportFilename(plan *models.Plan, format ReportFormat) string {
	timestamp := time.Now().Format("20060102_150405")
	return fmt.Sprintf("evaluation_%s_%s.%s", plan.SourceType, timestamp, format)
}

type jsonReport struct {
	PlanID        string                  `json:"plan_id"`
	SourceType    models.SourceType       `json:"source_type"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Decision      models.Decision         `json:"decision"`
	Reasons       []string                `json:"reasons"`
	RiskScore     float64                 `json:"combined_risk_score"`
	ResourceCount int                     `json:"resource_count"`
	Severities    map[models.Severity]int `json:"violations_by_severity_count"`
	Violations    []models.Violation      `json:"violations"`
	Risk          models.RiskPrediction   `json:"risk_prediction"`
	PolicyVersion uint64                  `json:"policy_version"`
	Warnings      []string                `json:"parse_warnings,omitempty"`
}

func (g *Generator) generateJSON(result *engine.Result) ([]byte, error) {
	report := jsonReport{
		PlanID:        result.Plan.ID,
		SourceType:    result.Plan.SourceType,
		GeneratedAt:   time.Now().UTC(),
		Decision:      result.Verdict.Decision,
		Reasons:       result.Verdict.Reasons,
		RiskScore:     result.Verdict.CombinedRiskScore,
		ResourceCount: len(result.Plan.Resources),
		Severities:    severityCounts(result.Violations),
		Violations:    orderedViolations(result.Violations),
		Risk:          result.Risk,
		PolicyVersion: result.PolicyVersion,
		Warnings:      result.Plan.Warnings,
	}

	return json.MarshalIndent(report, "", "  ")
}

func (g *Generator) generateCSV(result *engine.Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"Policy", "Severity", "Resource", "Type", "Change", "Description"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, v := range orderedViolations(result.Violations) {
		row := []string{
			v.PolicyName,
			string(v.Severity),
			v.ResourceID,
			string(v.Type),
			string(v.Context.ChangeType),
			v.Description,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (g *Generator) generatePDF(result *engine.Result) ([]byte, error) {
	pdf := NewPDFReport("IaC Security Evaluation")

	pdf.AddSection(fmt.Sprintf("Decision: %s", result.Verdict.Decision))
	for _, reason := range result.Verdict.Reasons {
		pdf.AddParagraph(reason)
	}

	pdf.AddSection("Summary")
	pdf.AddSummaryTable(map[string]int{
		"Plan resources":   len(result.Plan.Resources),
		"Dependencies":     len(result.Plan.Dependencies),
		"Total violations": len(result.Violations),
		"Risk score (pct)": int(result.Verdict.CombinedRiskScore * 100),
	})

	counts := severityCounts(result.Violations)
	if len(counts) > 0 {
		pdf.AddChart("Violations by Severity", map[string]int{
			"Critical": counts[models.SeverityCritical],
			"High":     counts[models.SeverityHigh],
			"Medium":   counts[models.SeverityMedium],
			"Low":      counts[models.SeverityLow],
		})
	}

	violations := orderedViolations(result.Violations)
	if len(violations) > 0 {
		pdf.AddSection(fmt.Sprintf("Violations (%d)", len(violations)))

		headers := []string{"Policy", "Severity", "Resource", "Description"}
		rows := make([][]string, 0, len(violations))
		for _, v := range violations {
			rows = append(rows, []string{
				truncate(v.PolicyName, 25),
				string(v.Severity),
				truncate(v.ResourceID, 25),
				truncate(v.Description, 40),
			})
		}
		pdf.AddTable(headers, rows)
	} else {
		pdf.AddParagraph("No policy violations were found in this plan.")
	}

	return pdf.Output()
}

func severityCounts(violations []models.Violation) map[models.Severity]int {
	counts := make(map[models.Severity]int)
	for _, v := range violations {
		counts[v.Severity]++
	}
	return counts
}

// orderedViolations returns a stable copy sorted worst-first.
func orderedViolations(violations []models.Violation) []models.Violation {
	out := make([]models.Violation, len(violations))
	copy(out, violations)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].PolicyName < out[j].PolicyName
	})
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
