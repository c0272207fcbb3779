// Package risk extracts feature summaries from plans and talks to
// the external risk predictor.
package risk

import (
	"strings"

	"github.com/qualys/iacguard/internal/graph"
	"github.com/qualys/iacguard/internal/models"
)

// sensitiveTagMarkers flag workloads whose violation history skews
// high: production and regulated-data deployments.
var sensitiveTagMarkers = []string{
	"prod", "production", "pii", "phi", "pci", "confidential",
	"restricted", "secret", "compliance", "hipaa", "gdpr",
}

// ExtractFeatures summarizes one resource for the predictor.
func ExtractFeatures(res *models.Resource, history int) models.PlanFeatures {
	return models.PlanFeatures{
		ResourceType:             res.ResourceType,
		CloudProvider:            res.CloudProvider,
		ChangeType:               res.ChangeType,
		PropertyCount:            res.Properties.Len(),
		TagCount:                 len(res.Tags),
		IsPublicResource:         graph.PubliclyExposed(res),
		HasSensitiveTags:         hasSensitiveTags(res.Tags),
		HistoricalViolationCount: history,
	}
}

// RiskiestResource picks the changing resource whose exposure
// dominates the plan's risk: public first, then sensitive tags, then
// create/delete churn. Returns nil when nothing changes.
func RiskiestResource(plan *models.Plan) *models.Resource {
	var best *models.Resource
	bestScore := -1

	for i := range plan.Resources {
		res := &plan.Resources[i]
		if res.ChangeType == models.ChangeNoChange {
			continue
		}
		score := 0
		if graph.PubliclyExposed(res) {
			score += 4
		}
		if hasSensitiveTags(res.Tags) {
			score += 2
		}
		if res.ChangeType == models.ChangeCreate || res.ChangeType == models.ChangeDelete {
			score++
		}
		if score > bestScore {
			bestScore = score
			best = res
		}
	}
	return best
}

// PlanSummary summarizes a plan for the predictor using its riskiest
// changing resource; the most exposed change dominates the outcome.
func PlanSummary(plan *models.Plan) models.PlanFeatures {
	res := RiskiestResource(plan)
	if res == nil {
		return models.PlanFeatures{}
	}
	return ExtractFeatures(res, 0)
}

func hasSensitiveTags(tags map[string]string) bool {
	for key, value := range tags {
		for _, marker := range sensitiveTagMarkers {
			if strings.Contains(strings.ToLower(key), marker) ||
				strings.Contains(strings.ToLower(value), marker) {
				return true
			}
		}
	}
	return false
}
