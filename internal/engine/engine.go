// Package engine runs the evaluation pipeline: parse a raw IaC
// document, evaluate every applicable policy against every changing
// resource, score the plan and combine everything into a verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/iacguard/internal/decision"
	"github.com/qualys/iacguard/internal/graph"
	"github.com/qualys/iacguard/internal/models"
	"github.com/qualys/iacguard/internal/parsers"
	"github.com/qualys/iacguard/internal/policy"
	"github.com/qualys/iacguard/internal/risk"
)

const defaultPredictorTimeout = 10 * time.Second

// Engine evaluates plans against the current policy snapshot. An
// evaluation uses the snapshot it started with even while policies
// are reloaded concurrently.
type Engine struct {
	registry  *parsers.Registry
	library   *policy.Library
	predictor risk.Predictor

	oracle           policy.Oracle
	oracleTimeout    time.Duration
	predictorTimeout time.Duration
	workers          int
	logger           *slog.Logger
}

type Option func(*Engine)

// WithOracle installs a shared reachability oracle, typically Neo4j.
// Without one, each plan is evaluated against its own in-memory
// dependency graph.
func WithOracle(o policy.Oracle) Option {
	return func(e *Engine) { e.oracle = o }
}

func WithOracleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.oracleTimeout = d }
}

func WithPredictorTimeout(d time.Duration) Option {
	return func(e *Engine) { e.predictorTimeout = d }
}

func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func New(registry *parsers.Registry, library *policy.Library, predictor risk.Predictor, opts ...Option) *Engine {
	e := &Engine{
		registry:         registry,
		library:          library,
		predictor:        predictor,
		predictorTimeout: defaultPredictorTimeout,
		workers:          runtime.NumCPU(),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is one completed plan evaluation.
type Result struct {
	Plan          *models.Plan          `json:"plan"`
	Violations    []models.Violation    `json:"violations"`
	Risk          models.RiskPrediction `json:"risk"`
	Verdict       models.Verdict        `json:"verdict"`
	PolicyVersion uint64                `json:"policy_version"`
}

// ProcessDocument parses a raw document and evaluates the resulting
// plan.
func (e *Engine) ProcessDocument(ctx context.Context, content []byte) (*Result, error) {
	plan, err := e.registry.CreateUnifiedPlan(content)
	if err != nil {
		return nil, err
	}
	return e.EvaluatePlan(ctx, plan)
}

// EvaluatePlan runs every enabled policy against every changing
// resource, fanned out across workers. Violations come back in
// resource order regardless of scheduling; a canceled context
// discards all partial results.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *models.Plan) (*Result, error) {
	snapshot := e.library.Current()
	policies := snapshot.Enabled()

	oracle := e.oracle
	if oracle == nil {
		oracle = graph.NewPlanOracle(plan)
	}
	evalOpts := []policy.EvaluatorOption{policy.WithLogger(e.logger)}
	if e.oracleTimeout > 0 {
		evalOpts = append(evalOpts, policy.WithOracleTimeout(e.oracleTimeout))
	}
	evaluator := policy.NewEvaluator(oracle, evalOpts...)

	perResource := make([][]models.Violation, len(plan.Resources))
	jobs := make(chan int)

	workers := e.workers
	if workers > len(plan.Resources) {
		workers = len(plan.Resources)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				perResource[i] = e.evaluateResource(ctx, evaluator, policies, plan, &plan.Resources[i])
			}
		}()
	}

feed:
	for i := range plan.Resources {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	// Partial per-resource results are discarded as a unit.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var violations []models.Violation
	for _, batch := range perResource {
		violations = append(violations, batch...)
	}

	prediction, predictorErr := e.predict(ctx, plan)
	violations = append(violations, e.mlViolations(plan, policies, prediction)...)

	verdict := e.combine(policies, violations, prediction)
	if predictorErr != nil {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("risk predictor unavailable: %v", predictorErr))
	}

	e.logger.Info("plan evaluated",
		"plan_id", plan.ID,
		"source", plan.SourceType,
		"resources", len(plan.Resources),
		"violations", len(violations),
		"decision", verdict.Decision,
		"policy_version", snapshot.Version())

	return &Result{
		Plan:          plan,
		Violations:    violations,
		Risk:          prediction,
		Verdict:       verdict,
		PolicyVersion: snapshot.Version(),
	}, nil
}

func (e *Engine) evaluateResource(ctx context.Context, evaluator *policy.Evaluator, policies []models.Policy, plan *models.Plan, res *models.Resource) []models.Violation {
	if res.ChangeType == models.ChangeNoChange {
		return nil
	}

	var violations []models.Violation
	for i := range policies {
		p := &policies[i]
		if !policy.Applies(p, res) {
			continue
		}

		matched, err := evaluator.Evaluate(ctx, &p.Condition, res)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var condErr *policy.ConditionError
			if errors.As(err, &condErr) {
				e.logger.Warn("policy failed to evaluate",
					"policy", p.Name, "resource", res.IaCID, "error", err)
				violations = append(violations, evaluationErrorViolation(p, res, plan, err))
				continue
			}
			violations = append(violations, evaluationErrorViolation(p, res, plan, err))
			continue
		}
		if !matched {
			continue
		}

		description := p.Description
		if description == "" {
			description = fmt.Sprintf("resource violates policy %q", p.Name)
		}
		violations = append(violations, models.Violation{
			ID:                 uuid.New().String(),
			Type:               models.ViolationPolicy,
			PolicyName:         p.Name,
			Severity:           p.Severity,
			ResourceID:         res.IaCID,
			Description:        description,
			RemediationActions: p.Actions,
			Context: models.ViolationContext{
				PlanID:     plan.ID,
				ChangeType: res.ChangeType,
			},
		})
	}
	return violations
}

func evaluationErrorViolation(p *models.Policy, res *models.Resource, plan *models.Plan, err error) models.Violation {
	return models.Violation{
		ID:          uuid.New().String(),
		Type:        models.ViolationEvalError,
		PolicyName:  p.Name,
		Severity:    models.SeverityError,
		ResourceID:  res.IaCID,
		Description: fmt.Sprintf("policy %q could not be evaluated: %v", p.Name, err),
		Context: models.ViolationContext{
			PlanID:     plan.ID,
			ChangeType: res.ChangeType,
		},
	}
}

func (e *Engine) predict(ctx context.Context, plan *models.Plan) (models.RiskPrediction, error) {
	if e.predictor == nil {
		return risk.Neutral(), nil
	}

	pctx, cancel := context.WithTimeout(ctx, e.predictorTimeout)
	defer cancel()

	prediction, err := e.predictor.Predict(pctx, risk.PlanSummary(plan))
	if err != nil {
		e.logger.Warn("risk predictor failed, using neutral prediction", "error", err)
		return risk.Neutral(), err
	}
	return prediction, nil
}

// mlViolations synthesizes predicted violations for policies whose ML
// threshold is crossed.
func (e *Engine) mlViolations(plan *models.Plan, policies []models.Policy, prediction models.RiskPrediction) []models.Violation {
	if prediction.ViolationProbability == 0 {
		return nil
	}
	target := risk.RiskiestResource(plan)
	if target == nil {
		return nil
	}

	var out []models.Violation
	for i := range policies {
		p := &policies[i]
		if p.MLWeight <= 0 || prediction.ViolationProbability <= p.MLThreshold {
			continue
		}
		if !policy.Applies(p, target) {
			continue
		}
		out = append(out, decision.MLViolation(p, prediction.ViolationProbability,
			target.IaCID, plan.ID, target.ChangeType))
	}
	return out
}

// combine picks the strategy: the weighted formula when any enabled
// policy declares an ML weight, the plain severity ladder otherwise.
// Critical and high violations block under either one.
func (e *Engine) combine(policies []models.Policy, violations []models.Violation, prediction models.RiskPrediction) models.Verdict {
	maxWeight := 0.0
	for i := range policies {
		if policies[i].MLWeight > maxWeight {
			maxWeight = policies[i].MLWeight
		}
	}
	if maxWeight > 0 {
		verdict := decision.Weighted(violations, prediction, maxWeight)
		return verdict
	}
	return decision.Severity(violations, prediction)
}
