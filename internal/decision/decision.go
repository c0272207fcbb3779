// Package decision merges policy violations with an external risk
// prediction into a pass/warn/block verdict. Both combination
// strategies are pure functions: the same violations and prediction
// always produce the same verdict.
package decision

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/qualys/iacguard/internal/models"
)

// Severity applies the short-circuit strategy, highest precedence
// first: critical or high violations block, then the risk prediction
// may block or warn, then medium warns and low passes with a note.
func Severity(violations []models.Violation, risk models.RiskPrediction) models.Verdict {
	verdict := models.Verdict{
		Decision:             models.DecisionPass,
		ViolationsBySeverity: groupBySeverity(violations),
		CombinedRiskScore:    risk.ViolationProbability,
	}
	counts := severityCounts(violations)

	switch {
	case counts[models.SeverityCritical] > 0:
		verdict.Decision = models.DecisionBlock
		verdict.Reasons = append(verdict.Reasons, countReason(counts, models.SeverityCritical))
	case counts[models.SeverityHigh] > 0:
		verdict.Decision = models.DecisionBlock
		verdict.Reasons = append(verdict.Reasons, countReason(counts, models.SeverityHigh))
	case risk.ViolationProbability > 0.8 && risk.Confidence > 0.7:
		verdict.Decision = models.DecisionBlock
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("predicted violation probability %.2f with confidence %.2f", risk.ViolationProbability, risk.Confidence))
	case risk.ViolationProbability > 0.6:
		verdict.Decision = models.DecisionWarn
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("predicted violation probability %.2f", risk.ViolationProbability))
	case counts[models.SeverityMedium] > 0:
		verdict.Decision = models.DecisionWarn
		verdict.Reasons = append(verdict.Reasons, countReason(counts, models.SeverityMedium))
	case counts[models.SeverityLow] > 0:
		verdict.Reasons = append(verdict.Reasons, countReason(counts, models.SeverityLow))
	}

	appendErrorReasons(&verdict, counts)
	if len(verdict.Reasons) == 0 {
		verdict.Reasons = append(verdict.Reasons, "no violations found")
	}
	return verdict
}

// Weighted blends a severity-derived traditional risk with the ML
// probability, with a hard override: critical or high violations
// block regardless of the weight.
func Weighted(violations []models.Violation, risk models.RiskPrediction, mlWeight float64) models.Verdict {
	combined := TraditionalRisk(violations)*(1-mlWeight) + risk.ViolationProbability*mlWeight

	verdict := models.Verdict{
		Decision:             models.DecisionPass,
		ViolationsBySeverity: groupBySeverity(violations),
		CombinedRiskScore:    combined,
	}
	counts := severityCounts(violations)

	switch {
	case counts[models.SeverityCritical] > 0:
		verdict.Decision = models.DecisionBlock
		verdict.Reasons = append(verdict.Reasons, countReason(counts, models.SeverityCritical))
	case counts[models.SeverityHigh] > 0:
		verdict.Decision = models.DecisionBlock
		verdict.Reasons = append(verdict.Reasons, countReason(counts, models.SeverityHigh))
	case combined > 0.8:
		verdict.Decision = models.DecisionBlock
		verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("combined risk score %.2f", combined))
	case combined > 0.6:
		verdict.Decision = models.DecisionWarn
		verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("combined risk score %.2f", combined))
	case counts[models.SeverityMedium] > 0:
		verdict.Decision = models.DecisionWarn
		verdict.Reasons = append(verdict.Reasons, countReason(counts, models.SeverityMedium))
	case counts[models.SeverityLow] > 0:
		verdict.Reasons = append(verdict.Reasons, countReason(counts, models.SeverityLow))
	}

	appendErrorReasons(&verdict, counts)
	if len(verdict.Reasons) == 0 {
		verdict.Reasons = append(verdict.Reasons, "no violations found")
	}
	return verdict
}

// TraditionalRisk scores violations on severity alone: the worst
// violation dominates.
func TraditionalRisk(violations []models.Violation) float64 {
	score := 0.0
	for _, v := range violations {
		s := severityScore(v.Severity)
		if s > score {
			score = s
		}
	}
	return score
}

func severityScore(s models.Severity) float64 {
	switch s {
	case models.SeverityCritical:
		return 1.0
	case models.SeverityHigh:
		return 0.8
	case models.SeverityMedium:
		return 0.5
	case models.SeverityLow:
		return 0.2
	}
	return 0
}

// MLViolation synthesizes a violation from a policy's ML score once
// it crosses the policy's threshold.
func MLViolation(p *models.Policy, mlRisk float64, resourceID, planID string, changeType models.ChangeType) models.Violation {
	severity := models.SeverityMedium
	if mlRisk > 0.8 {
		severity = models.SeverityHigh
	}
	return models.Violation{
		ID:         uuid.New().String(),
		Type:       models.ViolationMLPredicted,
		PolicyName: p.Name,
		Severity:   severity,
		ResourceID: resourceID,
		Description: fmt.Sprintf("predicted violation of %q with risk %.2f (threshold %.2f)",
			p.Name, mlRisk, p.MLThreshold),
		Context: models.ViolationContext{PlanID: planID, ChangeType: changeType},
	}
}

func groupBySeverity(violations []models.Violation) map[models.Severity][]models.Violation {
	grouped := make(map[models.Severity][]models.Violation)
	for _, v := range violations {
		grouped[v.Severity] = append(grouped[v.Severity], v)
	}
	for _, group := range grouped {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].ResourceID != group[j].ResourceID {
				return group[i].ResourceID < group[j].ResourceID
			}
			return group[i].PolicyName < group[j].PolicyName
		})
	}
	return grouped
}

func severityCounts(violations []models.Violation) map[models.Severity]int {
	counts := make(map[models.Severity]int)
	for _, v := range violations {
		counts[v.Severity]++
	}
	return counts
}

func countReason(counts map[models.Severity]int, s models.Severity) string {
	n := counts[s]
	if n == 1 {
		return fmt.Sprintf("1 %s violation", s)
	}
	return fmt.Sprintf("%d %s violations", n, s)
}

func appendErrorReasons(verdict *models.Verdict, counts map[models.Severity]int) {
	if n := counts[models.SeverityError]; n > 0 {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("%d policies failed to evaluate", n))
	}
}
