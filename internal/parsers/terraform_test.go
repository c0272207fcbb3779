package parsers

import (
	"testing"

	"github.com/qualys/iacguard/internal/models"
)

const publicBucketPlan = `{
	"format_version": "1.2",
	"terraform_version": "1.7.0",
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

func TestTerraformParser_Detect(t *testing.T) {
	p := NewTerraformParser()

	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"plan document", publicBucketPlan, true},
		{"raw configuration", `{"resource": {"aws_s3_bucket": {"b": {}}}}`, true},
		{"unrelated json", `{"foo": "bar"}`, false},
		{"not json", `resource "aws_s3_bucket" "b" {}`, false},
		{"cloudformation template", `{"AWSTemplateFormatVersion": "2010-09-09", "Resources": {}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Detect([]byte(tt.content)); got != tt.want {
				t.Errorf("Detect = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestTerraformParser_PublicBucketPlan(t *testing.T) {
	p := NewTerraformParser()

	plan, err := p.Parse([]byte(publicBucketPlan))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(plan.Resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(plan.Resources))
	}

	res := plan.Resources[0]
	if res.IaCID != "aws_s3_bucket.public" {
		t.Errorf("iac_id = %q", res.IaCID)
	}
	if res.ResourceType != "aws:s3:bucket" {
		t.Errorf("resource_type = %q", res.ResourceType)
	}
	if res.CloudProvider != models.ProviderAWS {
		t.Errorf("cloud_provider = %v", res.CloudProvider)
	}
	if res.ChangeType != models.ChangeCreate {
		t.Errorf("change_type = %v", res.ChangeType)
	}
	if acl, ok := res.Properties.Lookup("acl"); !ok || acl.Str() != "public-read" {
		t.Errorf("acl property = %v", acl.Interface())
	}
}

func TestTerraformParser_ChangeActions(t *testing.T) {
	tests := []struct {
		action string
		want   models.ChangeType
	}{
		{"create", models.ChangeCreate},
		{"update", models.ChangeUpdate},
		{"delete", models.ChangeDelete},
		{"no-op", models.ChangeNoChange},
		{"no-change", models.ChangeNoChange},
		{"read", models.ChangeNoChange},
		{"something-new", models.ChangeNoChange},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			if got := terraformChangeType(tt.action); got != tt.want {
				t.Errorf("terraformChangeType(%q) = %v, expected %v", tt.action, got, tt.want)
			}
		})
	}
}

func TestTerraformParser_DeleteUsesBeforeState(t *testing.T) {
	doc := `{
		"resource_changes": [
			{
				"address": "aws_s3_bucket.old",
				"type": "aws_s3_bucket",
				"name": "old",
				"change": {
					"actions": ["delete"],
					"before": {"acl": "private", "bucket": "legacy"},
					"after": null
				}
			}
		]
	}`

	plan, err := NewTerraformParser().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res := plan.Resources[0]
	if res.ChangeType != models.ChangeDelete {
		t.Fatalf("change_type = %v", res.ChangeType)
	}
	if bucket, ok := res.Properties.Lookup("bucket"); !ok || bucket.Str() != "legacy" {
		t.Errorf("expected before-state properties, got %v", res.Properties.Interface())
	}
}

func TestTerraformParser_ChildModules(t *testing.T) {
	doc := `{
		"planned_values": {
			"root_module": {
				"resources": [
					{"address": "aws_vpc.main", "type": "aws_vpc", "name": "main", "values": {}}
				],
				"child_modules": [
					{
						"address": "module.app",
						"resources": [
							{"address": "module.app.aws_instance.web[0]", "type": "aws_instance", "name": "web", "values": {}},
							{"address": "module.app.aws_instance.web[1]", "type": "aws_instance", "name": "web", "values": {}}
						]
					}
				]
			}
		},
		"resource_changes": [
			{
				"address": "module.app.aws_instance.web[0]",
				"type": "aws_instance",
				"name": "web",
				"change": {"actions": ["update"], "after": {"instance_type": "t3.large"}}
			}
		]
	}`

	plan, err := NewTerraformParser().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(plan.Resources) != 3 {
		t.Fatalf("expected 3 resources (no duplicates), got %d", len(plan.Resources))
	}

	// Parse-discovery order: root module first, then children.
	wantOrder := []string{"aws_vpc.main", "module.app.aws_instance.web[0]", "module.app.aws_instance.web[1]"}
	for i, want := range wantOrder {
		if plan.Resources[i].IaCID != want {
			t.Errorf("resource %d = %q, expected %q", i, plan.Resources[i].IaCID, want)
		}
	}

	merged := plan.Resources[1]
	if merged.ChangeType != models.ChangeUpdate {
		t.Errorf("merged change_type = %v", merged.ChangeType)
	}
	if it, ok := merged.Properties.Lookup("instance_type"); !ok || it.Str() != "t3.large" {
		t.Errorf("merged properties = %v", merged.Properties.Interface())
	}
}

func TestTerraformParser_ConfigurationReferences(t *testing.T) {
	doc := `{
		"planned_values": {
			"root_module": {
				"resources": [
					{"address": "aws_s3_bucket.logs", "type": "aws_s3_bucket", "name": "logs", "values": {}},
					{"address": "aws_instance.web", "type": "aws_instance", "name": "web", "values": {}}
				]
			}
		},
		"configuration": {
			"root_module": {
				"resources": [
					{
						"address": "aws_instance.web",
						"expressions": {
							"user_data": {"references": ["aws_s3_bucket.logs.id", "var.user_data_template"]}
						}
					}
				]
			}
		}
	}`

	plan, err := NewTerraformParser().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	finalizePlan(plan, []byte(doc))

	var gotResource, gotVar bool
	for _, dep := range plan.Dependencies {
		if dep.SourceID == "aws_instance.web" && dep.TargetID == "aws_s3_bucket.logs" {
			gotResource = true
			if dep.DependencyType != models.DependencyReference {
				t.Errorf("dependency_type = %v", dep.DependencyType)
			}
		}
		if dep.TargetID == "var.user_data_template" {
			gotVar = true
		}
	}
	if !gotResource {
		t.Errorf("missing resource reference dependency; got %+v", plan.Dependencies)
	}
	if !gotVar {
		t.Errorf("external var reference should survive validation; got %+v", plan.Dependencies)
	}
}

func TestTerraformParser_StateReferencePrefixes(t *testing.T) {
	doc := `{
		"resource_changes": [
			{
				"address": "aws_instance.web",
				"type": "aws_instance",
				"name": "web",
				"change": {
					"actions": ["create"],
					"after": {
						"subnet_id": "var.subnet_id",
						"ami": "data.aws_ami.ubuntu.id",
						"plain": "not-a-reference"
					}
				}
			}
		]
	}`

	plan, err := NewTerraformParser().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	targets := make(map[string]bool)
	for _, dep := range plan.Dependencies {
		targets[dep.TargetID] = true
	}
	if !targets["var.subnet_id"] {
		t.Error("expected var.subnet_id reference")
	}
	if !targets["data.aws_ami.ubuntu"] {
		t.Error("expected data.aws_ami.ubuntu reference")
	}
	if targets["not-a-reference"] {
		t.Error("plain strings must not become references")
	}
}

func TestTerraformParser_SkipsMalformedResource(t *testing.T) {
	doc := `{
		"planned_values": {
			"root_module": {
				"resources": [
					{"name": "broken", "values": {}},
					{"address": "aws_s3_bucket.ok", "type": "aws_s3_bucket", "name": "ok", "values": {}}
				]
			}
		}
	}`

	plan, err := NewTerraformParser().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(plan.Resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(plan.Resources))
	}
	if len(plan.Warnings) == 0 {
		t.Error("expected a warning for the skipped resource")
	}
}
