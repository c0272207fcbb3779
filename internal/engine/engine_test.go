package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
	"github.com/qualys/iacguard/internal/parsers"
	"github.com/qualys/iacguard/internal/policy"
	"github.com/qualys/iacguard/internal/risk"
)

const publicBucketPlan = `{
	"format_version": "1.2",
	"terraform_version": "1.6.0",
	"resource_changes": [
		{
			"address": "aws_s3_bucket.public",
			"type": "aws_s3_bucket",
			"name": "public",
			"change": {
				"actions": ["create"],
				"after": {"acl": "public-read", "bucket": "my-public-bucket"}
			}
		}
	]
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T, policies []models.Policy, predictor risk.Predictor, opts ...Option) *Engine {
	t.Helper()
	logger := discardLogger()
	registry := parsers.DefaultRegistry(logger)
	library := policy.NewLibrary(policies)
	opts = append(opts, WithLogger(logger))
	return New(registry, library, predictor, opts...)
}

func TestProcessDocument_PublicBucketBlocks(t *testing.T) {
	e := testEngine(t, policy.DefaultPolicies(),
		&risk.StaticPredictor{Prediction: models.RiskPrediction{ViolationProbability: 0.1, Confidence: 0.9}})

	result, err := e.ProcessDocument(context.Background(), []byte(publicBucketPlan))
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}

	if result.Verdict.Decision != models.DecisionBlock {
		t.Errorf("decision = %v (reasons: %v)", result.Verdict.Decision, result.Verdict.Reasons)
	}

	var bucketViolations []models.Violation
	for _, v := range result.Violations {
		if v.PolicyName == "no-public-buckets" {
			bucketViolations = append(bucketViolations, v)
		}
	}
	if len(bucketViolations) != 1 {
		t.Fatalf("expected exactly one no-public-buckets violation, got %d", len(bucketViolations))
	}
	v := bucketViolations[0]
	if v.Severity != models.SeverityHigh {
		t.Errorf("severity = %v", v.Severity)
	}
	if v.ResourceID != "aws_s3_bucket.public" {
		t.Errorf("resource_id = %q", v.ResourceID)
	}
	if v.Context.PlanID != result.Plan.ID || v.Context.ChangeType != models.ChangeCreate {
		t.Errorf("context = %+v", v.Context)
	}
}

func TestEvaluatePlan_SkipsUnchangedResources(t *testing.T) {
	plan := &models.Plan{
		ID:         "plan1",
		SourceType: models.SourceTerraform,
		Resources: []models.Resource{
			{
				IaCID:         "aws_s3_bucket.public",
				ResourceType:  "aws:s3:bucket",
				CloudProvider: models.ProviderAWS,
				Properties:    jsonval.Object("acl", jsonval.String("public-read")),
				ChangeType:    models.ChangeNoChange,
			},
		},
	}

	e := testEngine(t, policy.DefaultPolicies(), &risk.StaticPredictor{})
	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if len(result.Violations) != 0 {
		t.Errorf("unchanged resources produced violations: %+v", result.Violations)
	}
	if result.Verdict.Decision != models.DecisionPass {
		t.Errorf("decision = %v", result.Verdict.Decision)
	}
}

func TestEvaluatePlan_Deterministic(t *testing.T) {
	e := testEngine(t, policy.DefaultPolicies(),
		&risk.StaticPredictor{Prediction: models.RiskPrediction{ViolationProbability: 0.3, Confidence: 0.5}},
		WithWorkers(4))

	registry := parsers.DefaultRegistry(discardLogger())
	plan, err := registry.CreateUnifiedPlan([]byte(publicBucketPlan))
	if err != nil {
		t.Fatalf("parsing plan: %v", err)
	}

	first, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}
	second, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}

	if len(first.Violations) != len(second.Violations) {
		t.Fatalf("violation counts differ: %d vs %d", len(first.Violations), len(second.Violations))
	}
	for i := range first.Violations {
		a, b := first.Violations[i], second.Violations[i]
		if a.PolicyName != b.PolicyName || a.ResourceID != b.ResourceID || a.Severity != b.Severity {
			t.Errorf("violation %d differs: %+v vs %+v", i, a, b)
		}
	}
	if first.Verdict.Decision != second.Verdict.Decision {
		t.Errorf("decisions differ: %v vs %v", first.Verdict.Decision, second.Verdict.Decision)
	}
}

func TestEvaluatePlan_CancellationDiscardsResults(t *testing.T) {
	e := testEngine(t, policy.DefaultPolicies(), &risk.StaticPredictor{})

	registry := parsers.DefaultRegistry(discardLogger())
	plan, err := registry.CreateUnifiedPlan([]byte(publicBucketPlan))
	if err != nil {
		t.Fatalf("parsing plan: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.EvaluatePlan(ctx, plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result != nil {
		t.Error("partial result surfaced after cancellation")
	}
}

func TestEvaluatePlan_BrokenPolicySurfaces(t *testing.T) {
	policies := []models.Policy{
		{
			ID: "good", Name: "no-public-buckets", Severity: models.SeverityHigh, Enabled: true,
			Resources: models.ResourceSelector{Cloud: "all", Types: []string{"aws:s3:bucket"}},
			Condition: models.Condition{
				Type: models.ConditionField, Path: "acl",
				Operator: models.OpEq, Value: jsonval.String("public-read"),
			},
		},
		{
			ID: "broken", Name: "regex-policy", Severity: models.SeverityMedium, Enabled: true,
			Resources: models.ResourceSelector{Cloud: "all"},
			Condition: models.Condition{
				Type: models.ConditionField, Path: "acl",
				Operator: "regex", Value: jsonval.String(".*"),
			},
		},
	}

	e := testEngine(t, policies, &risk.StaticPredictor{})
	result, err := e.ProcessDocument(context.Background(), []byte(publicBucketPlan))
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}

	var evalErrors, policyHits int
	for _, v := range result.Violations {
		switch v.Type {
		case models.ViolationEvalError:
			evalErrors++
			if v.Severity != models.SeverityError || v.PolicyName != "regex-policy" {
				t.Errorf("evaluation error violation = %+v", v)
			}
		case models.ViolationPolicy:
			policyHits++
		}
	}
	if evalErrors != 1 {
		t.Errorf("expected 1 evaluation_error violation, got %d", evalErrors)
	}
	if policyHits != 1 {
		t.Error("healthy policy did not evaluate alongside the broken one")
	}

	found := false
	for _, r := range result.Verdict.Reasons {
		if strings.Contains(r, "failed to evaluate") {
			found = true
		}
	}
	if !found {
		t.Errorf("broken policy not surfaced in reasons: %v", result.Verdict.Reasons)
	}
}

func TestEvaluatePlan_PredictorFailureDegrades(t *testing.T) {
	e := testEngine(t, policy.DefaultPolicies(),
		&risk.StaticPredictor{Err: errors.New("model offline")})

	result, err := e.ProcessDocument(context.Background(), []byte(publicBucketPlan))
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}

	if result.Risk.ViolationProbability != 0 || result.Risk.Confidence != 0 {
		t.Errorf("risk = %+v, expected neutral", result.Risk)
	}
	// The public bucket still blocks on policy evidence alone.
	if result.Verdict.Decision != models.DecisionBlock {
		t.Errorf("decision = %v", result.Verdict.Decision)
	}
	found := false
	for _, r := range result.Verdict.Reasons {
		if strings.Contains(r, "risk predictor unavailable") {
			found = true
		}
	}
	if !found {
		t.Errorf("predictor failure not annotated: %v", result.Verdict.Reasons)
	}
}

func TestEvaluatePlan_MLSynthesis(t *testing.T) {
	policies := []models.Policy{
		{
			ID: "ml", Name: "ml-guard", Severity: models.SeverityMedium, Enabled: true,
			Resources: models.ResourceSelector{Cloud: "all", Types: []string{"aws:s3:bucket"}},
			Condition: models.Condition{
				Type: models.ConditionField, Path: "acl",
				Operator: models.OpEq, Value: jsonval.String("never-matches"),
			},
			MLThreshold: 0.3,
			MLWeight:    0.5,
		},
	}

	e := testEngine(t, policies,
		&risk.StaticPredictor{Prediction: models.RiskPrediction{ViolationProbability: 0.9, Confidence: 0.9}})

	result, err := e.ProcessDocument(context.Background(), []byte(publicBucketPlan))
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}

	var ml []models.Violation
	for _, v := range result.Violations {
		if v.Type == models.ViolationMLPredicted {
			ml = append(ml, v)
		}
	}
	if len(ml) != 1 {
		t.Fatalf("expected 1 ml_predicted violation, got %d", len(ml))
	}
	if ml[0].Severity != models.SeverityHigh {
		t.Errorf("severity = %v, expected high for risk 0.9", ml[0].Severity)
	}
	if ml[0].ResourceID != "aws_s3_bucket.public" {
		t.Errorf("resource_id = %q", ml[0].ResourceID)
	}
	if result.Verdict.Decision != models.DecisionBlock {
		t.Errorf("decision = %v (reasons: %v)", result.Verdict.Decision, result.Verdict.Reasons)
	}
}
