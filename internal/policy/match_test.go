package policy

import (
	"testing"

	"github.com/qualys/iacguard/internal/models"
)

func TestMatchResourceType(t *testing.T) {
	tests := []struct {
		pattern      string
		resourceType string
		want         bool
	}{
		{"*:database:*", "aws:rds:dbinstance", true},
		{"*:database:*", "azure:sql:server", true},
		{"*:database:*", "gcp:database:instance", true},
		{"*:database:*", "aws:ec2:instance", false},
		{"aws:s3:bucket", "aws:s3:bucket", true},
		{"aws:s3:bucket", "aws:s3:object", false},
		{"aws:*:*", "aws:s3:bucket", true},
		{"aws:*:*", "gcp:storage:bucket", false},
		{"*:*:*", "azure:storage:storageaccounts", true},
		{"*:storage:*", "gcp:storage:bucket", true},
		{"*:storage:*", "aws:s3:bucket", true},
		{"aws:s3", "aws:s3:bucket", false},
		{"*", "aws:s3:bucket", false},
		{"AWS:S3:Bucket", "aws:s3:bucket", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.resourceType, func(t *testing.T) {
			if got := MatchResourceType(tt.pattern, tt.resourceType); got != tt.want {
				t.Errorf("MatchResourceType(%q, %q) = %v, expected %v",
					tt.pattern, tt.resourceType, got, tt.want)
			}
		})
	}
}

func TestApplies(t *testing.T) {
	bucket := &models.Resource{
		ResourceType:  "aws:s3:bucket",
		CloudProvider: models.ProviderAWS,
	}

	tests := []struct {
		name   string
		policy models.Policy
		want   bool
	}{
		{
			"cloud all, matching type",
			models.Policy{Resources: models.ResourceSelector{Cloud: "all", Types: []string{"aws:s3:bucket"}}},
			true,
		},
		{
			"cloud all, empty type list",
			models.Policy{Resources: models.ResourceSelector{Cloud: "all"}},
			true,
		},
		{
			"matching cloud case-insensitive",
			models.Policy{Resources: models.ResourceSelector{Cloud: "aws", Types: []string{"*:storage:*"}}},
			true,
		},
		{
			"wrong cloud",
			models.Policy{Resources: models.ResourceSelector{Cloud: "AZURE", Types: []string{"aws:s3:bucket"}}},
			false,
		},
		{
			"no matching pattern",
			models.Policy{Resources: models.ResourceSelector{Cloud: "all", Types: []string{"*:database:*"}}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Applies(&tt.policy, bucket); got != tt.want {
				t.Errorf("Applies = %v, expected %v", got, tt.want)
			}
		})
	}
}
