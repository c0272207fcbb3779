package policy

import (
	"github.com/qualys/iacguard/internal/jsonval"
	"github.com/qualys/iacguard/internal/models"
)

// DefaultPolicies returns the built-in policy set used when no file
// or store source is configured.
func DefaultPolicies() []models.Policy {
	return []models.Policy{
		{
			ID:          "builtin-no-public-buckets",
			Name:        "no-public-buckets",
			Description: "Storage buckets must not grant public read or write access",
			Severity:    models.SeverityHigh,
			Resources: models.ResourceSelector{
				Cloud: "all",
				Types: []string{"*:storage:*", "aws:s3:bucket"},
			},
			Condition: models.Condition{
				Type: models.ConditionAny,
				Children: []models.Condition{
					{Type: models.ConditionField, Path: "acl", Operator: models.OpEq, Value: jsonval.String("public-read")},
					{Type: models.ConditionField, Path: "acl", Operator: models.OpEq, Value: jsonval.String("public-read-write")},
					{Type: models.ConditionField, Path: "public_access", Operator: models.OpEq, Value: jsonval.Bool(true)},
				},
			},
			Actions: []string{"Set the bucket ACL to private", "Enable public access blocks"},
			Enabled: true,
		},
		{
			ID:          "builtin-open-security-group",
			Name:        "no-open-ingress",
			Description: "Security groups must not allow ingress from 0.0.0.0/0",
			Severity:    models.SeverityCritical,
			Resources: models.ResourceSelector{
				Cloud: "AWS",
				Types: []string{"aws:ec2:securitygroup"},
			},
			Condition: models.Condition{
				Type:     models.ConditionField,
				Path:     "ingress",
				Operator: models.OpContains,
				Value:    jsonval.String("0.0.0.0/0"),
			},
			Actions: []string{"Restrict ingress CIDR blocks to known networks"},
			Enabled: true,
		},
		{
			ID:          "builtin-unencrypted-database",
			Name:        "database-encryption-required",
			Description: "Databases must have storage encryption enabled",
			Severity:    models.SeverityHigh,
			Resources: models.ResourceSelector{
				Cloud: "all",
				Types: []string{"*:database:*"},
			},
			Condition: models.Condition{
				Type: models.ConditionAny,
				Children: []models.Condition{
					{Type: models.ConditionField, Path: "storage_encrypted", Operator: models.OpEq, Value: jsonval.Bool(false)},
					{Type: models.ConditionNot, Child: &models.Condition{
						Type: models.ConditionField, Path: "storage_encrypted", Operator: models.OpExists,
					}},
				},
			},
			Actions: []string{"Enable storage encryption on the database instance"},
			Enabled: true,
		},
		{
			ID:          "builtin-public-database-path",
			Name:        "no-internet-reachable-database",
			Description: "No network path may exist from the internet to a database",
			Severity:    models.SeverityCritical,
			Resources: models.ResourceSelector{
				Cloud: "all",
				Types: []string{"*:database:*"},
			},
			Condition: models.Condition{
				Type:     models.ConditionGraph,
				From:     "internet",
				To:       "database",
				Via:      []string{"compute", "network"},
				MaxDepth: 4,
				Where: []models.Condition{
					{Type: models.ConditionField, Path: "publicly_accessible", Operator: models.OpEq, Value: jsonval.Bool(true)},
				},
			},
			Actions:     []string{"Move the database into a private subnet", "Disable public accessibility"},
			Enabled:     true,
			MLThreshold: 0.7,
			MLWeight:    0.3,
		},
		{
			ID:          "builtin-required-environment-tag",
			Name:        "environment-tag-required",
			Description: "Every resource must carry an environment tag",
			Severity:    models.SeverityLow,
			Resources: models.ResourceSelector{
				Cloud: "all",
			},
			Condition: models.Condition{
				Type: models.ConditionNot,
				Child: &models.Condition{
					Type: models.ConditionField, Path: "tags.environment", Operator: models.OpExists,
				},
			},
			Actions: []string{"Add an environment tag (prod, staging, dev)"},
			Enabled: true,
		},
		{
			ID:          "builtin-https-only-storage",
			Name:        "https-only-storage",
			Description: "Azure storage accounts must enforce HTTPS-only traffic",
			Severity:    models.SeverityMedium,
			Resources: models.ResourceSelector{
				Cloud: "AZURE",
				Types: []string{"azure:storage:storageaccounts"},
			},
			Condition: models.Condition{
				Type:     models.ConditionField,
				Path:     "supportsHttpsTrafficOnly",
				Operator: models.OpNe,
				Value:    jsonval.Bool(true),
			},
			Actions: []string{"Set supportsHttpsTrafficOnly to true"},
			Enabled: true,
		},
	}
}
