package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
)

// Oracle answers graph-reachability queries for graph conditions.
// Implementations must honor the context deadline.
type Oracle interface {
	Reachable(ctx context.Context, q models.GraphQuery) (bool, error)
}

// ConditionError reports a malformed condition tree or an unsupported
// operator. The owning policy surfaces it as a synthetic
// evaluation_error violation; other policies are unaffected.
type ConditionError struct {
	Detail string
}

func (e *ConditionError) Error() string {
	return "condition evaluation: " + e.Detail
}

const defaultOracleTimeout = 5 * time.Second

// Evaluator interprets condition trees against single resources. It
// is stateless apart from its collaborators and safe for concurrent
// use.
type Evaluator struct {
	oracle        Oracle
	oracleTimeout time.Duration
	logger        *slog.Logger
}

type EvaluatorOption func(*Evaluator)

func WithOracleTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.oracleTimeout = d }
}

func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

// NewEvaluator builds an evaluator. A nil oracle is allowed; graph
// conditions then resolve fail-closed.
func NewEvaluator(oracle Oracle, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		oracle:        oracle,
		oracleTimeout: defaultOracleTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate reports whether the condition tree matches the resource.
// A returned *ConditionError means the tree itself is broken, not
// that the resource is compliant.
func (e *Evaluator) Evaluate(ctx context.Context, cond *models.Condition, res *models.Resource) (bool, error) {
	switch cond.Type {
	case models.ConditionField:
		return e.evalField(cond, res)
	case models.ConditionAll:
		for i := range cond.Children {
			ok, err := e.Evaluate(ctx, &cond.Children[i], res)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return len(cond.Children) > 0, nil
	case models.ConditionAny:
		for i := range cond.Children {
			ok, err := e.Evaluate(ctx, &cond.Children[i], res)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case models.ConditionNot:
		if cond.Child == nil {
			return false, &ConditionError{Detail: "not condition has no child"}
		}
		ok, err := e.Evaluate(ctx, cond.Child, res)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case models.ConditionGraph:
		return e.evalGraph(ctx, cond, res)
	default:
		return false, &ConditionError{Detail: fmt.Sprintf("unsupported condition type %q", cond.Type)}
	}
}

func (e *Evaluator) evalField(cond *models.Condition, res *models.Resource) (bool, error) {
	value, present := resolveField(res, cond.Path)

	switch cond.Operator {
	case models.OpEq:
		return present && value.Equal(cond.Value), nil
	case models.OpNe:
		// An absent field is by definition not equal to the
		// expected value; this lets policies catch settings that
		// were never configured at all.
		return !present || !value.Equal(cond.Value), nil
	case models.OpContains:
		return present && valueContains(value, cond.Value), nil
	case models.OpExists:
		return present, nil
	default:
		return false, &ConditionError{Detail: fmt.Sprintf("unsupported operator %q", cond.Operator)}
	}
}

// resolveField addresses one field of a resource by dotted path.
// tags.* and metadata.* read the dedicated maps; a few identity
// fields are addressable directly; everything else resolves inside
// properties.
func resolveField(res *models.Resource, path string) (jsonval.Value, bool) {
	if rest, ok := strings.CutPrefix(path, "tags."); ok {
		v, ok := res.Tags[rest]
		if !ok {
			return jsonval.Null(), false
		}
		return jsonval.String(v), true
	}
	if rest, ok := strings.CutPrefix(path, "metadata."); ok {
		v, ok := res.Metadata[rest]
		return v, ok
	}

	switch path {
	case "iac_id":
		return jsonval.String(res.IaCID), true
	case "resource_type":
		return jsonval.String(res.ResourceType), true
	case "cloud_provider":
		return jsonval.String(string(res.CloudProvider)), true
	case "change_type":
		return jsonval.String(string(res.ChangeType)), true
	}

	return res.Properties.Lookup(path)
}

// valueContains implements the contains operator: substring match on
// strings, membership on arrays, key presence on objects. Arrays and
// object values are searched recursively, so a needle is found inside
// nested structures like security group rules.
func valueContains(haystack, needle jsonval.Value) bool {
	switch haystack.Kind() {
	case jsonval.KindString:
		return strings.Contains(haystack.Str(), needle.Str())
	case jsonval.KindArray:
		for _, item := range haystack.Items() {
			if item.Equal(needle) || valueContains(item, needle) {
				return true
			}
		}
		return false
	case jsonval.KindObject:
		if _, ok := haystack.Get(needle.Str()); ok {
			return true
		}
		for _, key := range haystack.Keys() {
			if valueContains(haystack.Field(key), needle) {
				return true
			}
		}
		return false
	}
	return false
}

const defaultGraphDepth = 5

// evalGraph asks the oracle whether a path exists and then applies
// the where clause to the resource. Oracle failures resolve
// fail-closed: an unanswerable attack-path question is treated as
// path-exists so the condition still fires.
func (e *Evaluator) evalGraph(ctx context.Context, cond *models.Condition, res *models.Resource) (bool, error) {
	if cond.From == "" || cond.To == "" {
		return false, &ConditionError{Detail: "graph condition requires from and to labels"}
	}

	depth := cond.MaxDepth
	if depth <= 0 {
		depth = defaultGraphDepth
	}
	query := models.GraphQuery{
		FromLabel: cond.From,
		ToLabel:   cond.To,
		ViaLabels: cond.Via,
		MaxDepth:  depth,
	}

	exists := true
	if e.oracle != nil {
		qctx, cancel := context.WithTimeout(ctx, e.oracleTimeout)
		defer cancel()

		var err error
		exists, err = e.oracle.Reachable(qctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			e.logger.Warn("graph oracle failed, treating path as reachable",
				"from", cond.From, "to", cond.To, "error", err)
			exists = true
		}
	} else {
		e.logger.Warn("graph condition evaluated without an oracle, treating path as reachable",
			"from", cond.From, "to", cond.To)
	}

	if !exists {
		return false, nil
	}

	for i := range cond.Where {
		ok, err := e.Evaluate(ctx, &cond.Where[i], res)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
