// Package policy implements the declarative policy model: wildcard
// resource targeting, condition-tree evaluation and versioned policy
// snapshots.
package policy

import (
	"sort"
	"strings"

	"github.com/qualys/iacguard/internal/models"
)

// serviceCategories maps abstract service names usable in type
// patterns to the concrete provider services they cover. A literal
// pattern segment matches either the exact service or any service in
// its category.
var serviceCategories = map[string]map[string]bool{
	"database": {
		"database":   true,
		"rds":        true,
		"dynamodb":   true,
		"sql":        true,
		"cosmosdb":   true,
		"redshift":   true,
		"spanner":    true,
		"bigtable":   true,
		"firestore":  true,
		"documentdb": true,
	},
	"storage": {
		"storage":   true,
		"s3":        true,
		"efs":       true,
		"disks":     true,
		"filestore": true,
	},
	"compute": {
		"compute":          true,
		"ec2":              true,
		"lambda":           true,
		"web":              true,
		"containerservice": true,
		"cloudfunctions":   true,
		"apps":             true,
	},
	"network": {
		"network": true,
		"vpc":     true,
		"ec2":     true,
		"dns":     true,
	},
}

// MatchResourceType reports whether a colon-delimited wildcard pattern
// matches a normalized resource type. A * segment matches exactly one
// segment; segment counts must agree.
func MatchResourceType(pattern, resourceType string) bool {
	pSegs := strings.Split(pattern, ":")
	rSegs := strings.Split(resourceType, ":")
	if len(pSegs) != len(rSegs) {
		return false
	}
	for i, p := range pSegs {
		if !segmentMatches(strings.ToLower(p), strings.ToLower(rSegs[i])) {
			return false
		}
	}
	return true
}

func segmentMatches(pattern, segment string) bool {
	if pattern == "*" || pattern == segment {
		return true
	}
	return serviceCategories[pattern][segment]
}

// ServicesForCategory expands an abstract service name to the concrete
// services it covers. Unknown names expand to themselves.
func ServicesForCategory(name string) []string {
	name = strings.ToLower(name)
	members, ok := serviceCategories[name]
	if !ok {
		return []string{name}
	}
	out := make([]string, 0, len(members))
	for svc := range members {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}

// Applies reports whether a policy targets the given resource. Cloud
// "all" covers every provider; an empty type list covers every type.
func Applies(p *models.Policy, res *models.Resource) bool {
	if !cloudMatches(p.Resources.Cloud, res.CloudProvider) {
		return false
	}
	if len(p.Resources.Types) == 0 {
		return true
	}
	for _, pattern := range p.Resources.Types {
		if MatchResourceType(pattern, res.ResourceType) {
			return true
		}
	}
	return false
}

func cloudMatches(cloud string, provider models.CloudProvider) bool {
	if cloud == "" || strings.EqualFold(cloud, "all") {
		return true
	}
	return strings.EqualFold(cloud, string(provider)) ||
		provider == models.ProviderMultiCloud
}
