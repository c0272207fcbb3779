package reports

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qualys/iacguard/internal/engine"
	"github.com/qualys/iacguard/internal/models"
)

func testResult() *engine.Result {
	return &engine.Result{
		Plan: &models.Plan{
			ID:         "plan-123",
			SourceType: models.SourceTerraform,
			Timestamp:  time.Now(),
			Resources: []models.Resource{
				{IaCID: "aws_s3_bucket.public", ResourceType: "aws:s3:bucket", CloudProvider: models.ProviderAWS, ChangeType: models.ChangeCreate},
				{IaCID: "aws_db_instance.main", ResourceType: "aws:rds:dbinstance", CloudProvider: models.ProviderAWS, ChangeType: models.ChangeUpdate},
			},
			Dependencies: []models.Dependency{
				{SourceID: "aws_db_instance.main", TargetID: "aws_s3_bucket.public", DependencyType: models.DependencyReference},
			},
		},
		Violations: []models.Violation{
			{
				ID:          "v-1",
				Type:        models.ViolationPolicy,
				PolicyName:  "environment-tag-required",
				Severity:    models.SeverityLow,
				ResourceID:  "aws_db_instance.main",
				Description: "Resource is missing an environment tag",
				Context:     models.ViolationContext{PlanID: "plan-123", ChangeType: models.ChangeUpdate},
			},
			{
				ID:          "v-2",
				Type:        models.ViolationPolicy,
				PolicyName:  "no-public-buckets",
				Severity:    models.SeverityHigh,
				ResourceID:  "aws_s3_bucket.public",
				Description: "Storage bucket allows public access",
				Context:     models.ViolationContext{PlanID: "plan-123", ChangeType: models.ChangeCreate},
			},
		},
		Risk: models.RiskPrediction{ViolationProbability: 0.4, Confidence: 0.8},
		Verdict: models.Verdict{
			Decision:          models.DecisionBlock,
			Reasons:           []string{"1 high severity violation"},
			CombinedRiskScore: 0.8,
		},
		PolicyVersion: 3,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateJSON(t *testing.T) {
	g := NewGenerator(t.TempDir(), WithLogger(discardLogger()))

	report, err := g.Generate(testResult(), FormatJSON)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if report.ContentType != "application/json" {
		t.Errorf("content type = %q, want application/json", report.ContentType)
	}
	if !strings.HasSuffix(report.Filename, ".json") {
		t.Errorf("filename = %q, want .json suffix", report.Filename)
	}

	var decoded jsonReport
	if err := json.Unmarshal(report.Data, &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded.PlanID != "plan-123" {
		t.Errorf("plan_id = %q, want plan-123", decoded.PlanID)
	}
	if decoded.Decision != models.DecisionBlock {
		t.Errorf("decision = %q, want block", decoded.Decision)
	}
	if decoded.ResourceCount != 2 {
		t.Errorf("resource_count = %d, want 2", decoded.ResourceCount)
	}
	if decoded.Severities[models.SeverityHigh] != 1 || decoded.Severities[models.SeverityLow] != 1 {
		t.Errorf("severity counts = %v, want one high and one low", decoded.Severities)
	}

	// Worst severity first.
	if len(decoded.Violations) != 2 || decoded.Violations[0].Severity != models.SeverityHigh {
		t.Errorf("violations not ordered worst-first: %+v", decoded.Violations)
	}
}

func TestGenerateCSV(t *testing.T) {
	g := NewGenerator(t.TempDir(), WithLogger(discardLogger()))

	report, err := g.Generate(testResult(), FormatCSV)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(report.Data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d CSV lines, want header plus 2 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "Policy,Severity,Resource") {
		t.Errorf("unexpected CSV header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "no-public-buckets") {
		t.Errorf("first data row should carry the high severity violation, got %q", lines[1])
	}
}

func TestGeneratePDF(t *testing.T) {
	g := NewGenerator(t.TempDir(), WithLogger(discardLogger()))

	report, err := g.Generate(testResult(), FormatPDF)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !bytes.HasPrefix(report.Data, []byte("%PDF")) {
		t.Errorf("PDF output does not start with %%PDF header")
	}
}

func TestGenerateUnsupportedFormat(t *testing.T) {
	g := NewGenerator(t.TempDir(), WithLogger(discardLogger()))

	if _, err := g.Generate(testResult(), ReportFormat("xml")); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestGenerateNilResult(t *testing.T) {
	g := NewGenerator(t.TempDir(), WithLogger(discardLogger()))

	if _, err := g.Generate(nil, FormatJSON); err == nil {
		t.Fatal("expected error for nil result")
	}
}

func TestWritePersistsReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	g := NewGenerator(dir, WithLogger(discardLogger()))

	path, err := g.Write(testResult(), FormatJSON)
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("written report unreadable: %v", err)
	}
	if !json.Valid(data) {
		t.Error("written report is not valid JSON")
	}
}
