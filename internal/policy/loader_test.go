package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
)

const policyYAML = `policies:
  - name: no-public-buckets
    severity: high
    resources:
      cloud: AWS
      types: ["aws:s3:bucket"]
    condition:
      type: field
      path: acl
      operator: eq
      value: public-read
    actions:
      - Set the bucket ACL to private
  - name: disabled-policy
    severity: low
    enabled: false
    resources:
      cloud: all
    condition:
      type: field
      path: tags.owner
      operator: exists
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestFileSource_SingleFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "policies.yaml", policyYAML)

	src := &FileSource{Path: filepath.Join(dir, "policies.yaml")}
	policies, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "no-public-buckets" || p.Severity != models.SeverityHigh {
		t.Errorf("policy = %+v", p)
	}
	if p.ID == "" {
		t.Error("missing id not filled in")
	}
	if !p.Enabled {
		t.Error("enabled must default to true when omitted")
	}
	if p.Condition.Type != models.ConditionField || !p.Condition.Value.Equal(jsonval.String("public-read")) {
		t.Errorf("condition = %+v", p.Condition)
	}

	if policies[1].Enabled {
		t.Error("explicit enabled: false was ignored")
	}
}

func TestFileSource_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "20-extra.yml", `policies:
  - name: second
    severity: low
    resources: {cloud: all}
    condition: {type: field, path: x, operator: exists}
`)
	writeFile(t, dir, "10-base.yaml", `policies:
  - name: first
    severity: medium
    resources: {cloud: all}
    condition: {type: field, path: y, operator: exists}
`)
	writeFile(t, dir, "ignored.txt", "not yaml")

	policies, err := (&FileSource{Path: dir}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "first" || policies[1].Name != "second" {
		t.Errorf("filename order not respected: %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestFileSource_InvalidPolicies(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "policies: ["},
		{"missing name", "policies:\n  - severity: high\n    condition: {type: field, path: x, operator: eq}\n"},
		{"bad severity", "policies:\n  - name: p\n    severity: extreme\n    condition: {type: field, path: x, operator: eq}\n"},
		{"missing condition path", "policies:\n  - name: p\n    severity: low\n    condition: {type: field, operator: eq}\n"},
		{"empty all", "policies:\n  - name: p\n    severity: low\n    condition: {type: all}\n"},
		{"unknown condition type", "policies:\n  - name: p\n    severity: low\n    condition: {type: quantum}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "p.yaml", tt.content)
			if _, err := (&FileSource{Path: dir}).Load(context.Background()); err == nil {
				t.Error("expected error")
			}
		})
	}
}
