package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
)

func testEvaluator(oracle Oracle) *Evaluator {
	return NewEvaluator(oracle, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func field(path string, op models.Operator, value jsonval.Value) models.Condition {
	return models.Condition{Type: models.ConditionField, Path: path, Operator: op, Value: value}
}

func testResource(t *testing.T) *models.Resource {
	t.Helper()
	props, err := jsonval.Decode([]byte(`{
		"acl": "public-read",
		"versioning": {"enabled": true},
		"ingress": [{"cidr_blocks": ["0.0.0.0/0"], "port": 22}],
		"storage_encrypted": false
	}`))
	if err != nil {
		t.Fatalf("decoding properties: %v", err)
	}
	return &models.Resource{
		IaCID:         "aws_s3_bucket.public",
		ResourceType:  "aws:s3:bucket",
		CloudProvider: models.ProviderAWS,
		Properties:    props,
		Tags:          map[string]string{"environment": "prod"},
		ChangeType:    models.ChangeCreate,
	}
}

func TestEvaluate_FieldOperators(t *testing.T) {
	res := testResource(t)
	e := testEvaluator(nil)

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"eq match", field("acl", models.OpEq, jsonval.String("public-read")), true},
		{"eq mismatch", field("acl", models.OpEq, jsonval.String("private")), false},
		{"eq absent field", field("missing", models.OpEq, jsonval.String("x")), false},
		{"ne mismatch", field("acl", models.OpNe, jsonval.String("private")), true},
		{"ne match", field("acl", models.OpNe, jsonval.String("public-read")), false},
		{"ne absent field", field("encryption", models.OpNe, jsonval.String("aws:kms")), true},
		{"exists present", field("versioning.enabled", models.OpExists, jsonval.Null()), true},
		{"exists absent", field("versioning.mfa", models.OpExists, jsonval.Null()), false},
		{"contains string", field("acl", models.OpContains, jsonval.String("public")), true},
		{"contains nested array", field("ingress", models.OpContains, jsonval.String("0.0.0.0/0")), true},
		{"contains object key", field("versioning", models.OpContains, jsonval.String("enabled")), true},
		{"contains miss", field("ingress", models.OpContains, jsonval.String("10.0.0.0/8")), false},
		{"tag eq", field("tags.environment", models.OpEq, jsonval.String("prod")), true},
		{"tag absent", field("tags.owner", models.OpExists, jsonval.Null()), false},
		{"resource_type addressable", field("resource_type", models.OpEq, jsonval.String("aws:s3:bucket")), true},
		{"bool eq", field("storage_encrypted", models.OpEq, jsonval.Bool(false)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), &tt.cond, res)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_Combinators(t *testing.T) {
	res := testResource(t)
	e := testEvaluator(nil)

	c1 := field("acl", models.OpEq, jsonval.String("public-read"))       // true
	c2 := field("acl", models.OpEq, jsonval.String("private"))           // false
	c3 := field("tags.environment", models.OpEq, jsonval.String("prod")) // true

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"all with one false", models.Condition{Type: models.ConditionAll, Children: []models.Condition{c1, c2, c3}}, false},
		{"all true", models.Condition{Type: models.ConditionAll, Children: []models.Condition{c1, c3}}, true},
		{"any with one true", models.Condition{Type: models.ConditionAny, Children: []models.Condition{c1, c2, c3}}, true},
		{"any all false", models.Condition{Type: models.ConditionAny, Children: []models.Condition{c2}}, false},
		{"not false", models.Condition{Type: models.ConditionNot, Child: &c2}, true},
		{"not true", models.Condition{Type: models.ConditionNot, Child: &c1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), &tt.cond, res)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_MalformedConditions(t *testing.T) {
	res := testResource(t)
	e := testEvaluator(nil)

	tests := []struct {
		name string
		cond models.Condition
	}{
		{"unknown operator", field("acl", "regex", jsonval.String(".*"))},
		{"unknown type", models.Condition{Type: "matrix"}},
		{"not without child", models.Condition{Type: models.ConditionNot}},
		{"graph without labels", models.Condition{Type: models.ConditionGraph}},
		{"error inside all", models.Condition{Type: models.ConditionAll, Children: []models.Condition{
			field("acl", models.OpEq, jsonval.String("public-read")),
			field("acl", "regex", jsonval.String(".*")),
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Evaluate(context.Background(), &tt.cond, res)
			var condErr *ConditionError
			if !errors.As(err, &condErr) {
				t.Fatalf("expected ConditionError, got %v", err)
			}
		})
	}
}

type stubOracle struct {
	exists bool
	err    error
	query  models.GraphQuery
}

func (o *stubOracle) Reachable(ctx context.Context, q models.GraphQuery) (bool, error) {
	o.query = q
	return o.exists, o.err
}

func TestEvaluate_Graph(t *testing.T) {
	res := testResource(t)
	graphCond := models.Condition{
		Type:     models.ConditionGraph,
		From:     "internet",
		To:       "database",
		Via:      []string{"compute"},
		MaxDepth: 4,
	}

	t.Run("path exists", func(t *testing.T) {
		oracle := &stubOracle{exists: true}
		got, err := testEvaluator(oracle).Evaluate(context.Background(), &graphCond, res)
		if err != nil || !got {
			t.Fatalf("got %v, %v; expected match", got, err)
		}
		if oracle.query.FromLabel != "internet" || oracle.query.MaxDepth != 4 {
			t.Errorf("query = %+v", oracle.query)
		}
	})

	t.Run("no path is a non-match", func(t *testing.T) {
		got, err := testEvaluator(&stubOracle{exists: false}).Evaluate(context.Background(), &graphCond, res)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if got {
			t.Error("absent path must not match")
		}
	})

	t.Run("oracle failure resolves fail-closed", func(t *testing.T) {
		oracle := &stubOracle{err: errors.New("neo4j: connection refused")}
		got, err := testEvaluator(oracle).Evaluate(context.Background(), &graphCond, res)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if !got {
			t.Error("oracle failure must be treated as path-exists")
		}
	})

	t.Run("default depth applied", func(t *testing.T) {
		cond := graphCond
		cond.MaxDepth = 0
		oracle := &stubOracle{exists: true}
		if _, err := testEvaluator(oracle).Evaluate(context.Background(), &cond, res); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if oracle.query.MaxDepth != defaultGraphDepth {
			t.Errorf("max_depth = %d", oracle.query.MaxDepth)
		}
	})

	t.Run("where clause filters", func(t *testing.T) {
		cond := graphCond
		cond.Where = []models.Condition{
			field("acl", models.OpEq, jsonval.String("private")),
		}
		got, err := testEvaluator(&stubOracle{exists: true}).Evaluate(context.Background(), &cond, res)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if got {
			t.Error("where clause should have rejected the resource")
		}
	})

	t.Run("caller cancellation propagates", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		oracle := &stubOracle{err: context.Canceled}
		_, err := testEvaluator(oracle).Evaluate(ctx, &graphCond, res)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestDefaultPolicies_Valid(t *testing.T) {
	for _, p := range DefaultPolicies() {
		if err := Validate(&p); err != nil {
			t.Errorf("policy %q invalid: %v", p.Name, err)
		}
	}
}

// Security group rules nest the CIDR two levels deep (rule object
// inside the ingress array); the open-ingress default must still find
// it there.
func TestDefaultPolicies_OpenIngressMatchesSecurityGroup(t *testing.T) {
	props, err := jsonval.Decode([]byte(`{
		"name": "web-sg",
		"ingress": [{"cidr_blocks": ["0.0.0.0/0"], "from_port": 22, "to_port": 22, "protocol": "tcp"}]
	}`))
	if err != nil {
		t.Fatalf("decoding properties: %v", err)
	}
	res := &models.Resource{
		IaCID:         "aws_security_group.web",
		ResourceType:  "aws:ec2:securitygroup",
		CloudProvider: models.ProviderAWS,
		Properties:    props,
		ChangeType:    models.ChangeCreate,
	}

	var openIngress *models.Policy
	policies := DefaultPolicies()
	for i := range policies {
		if policies[i].Name == "no-open-ingress" {
			openIngress = &policies[i]
		}
	}
	if openIngress == nil {
		t.Fatal("no-open-ingress missing from default policies")
	}

	if !Applies(openIngress, res) {
		t.Fatal("no-open-ingress should apply to security groups")
	}

	got, err := testEvaluator(nil).Evaluate(context.Background(), &openIngress.Condition, res)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !got {
		t.Error("open ingress rule did not match")
	}
}
