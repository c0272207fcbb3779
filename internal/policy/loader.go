package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/qualys/iacguard/internal/models"
)

// yamlPolicy mirrors models.Policy with a nullable enabled flag so
// that files which omit it get enabled policies instead of silently
// disabled ones.
type yamlPolicy struct {
	ID          string                  `yaml:"id"`
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description"`
	Severity    models.Severity         `yaml:"severity"`
	Resources   models.ResourceSelector `yaml:"resources"`
	Condition   models.Condition        `yaml:"condition"`
	Actions     []string                `yaml:"actions"`
	Enabled     *bool                   `yaml:"enabled"`
	MLThreshold float64                 `yaml:"ml_threshold"`
	MLWeight    float64                 `yaml:"ml_weight"`
}

type policyFile struct {
	Policies []yamlPolicy `yaml:"policies"`
}

// FileSource loads policies from one YAML file or from every
// .yaml/.yml file in a directory, in filename order.
type FileSource struct {
	Path string
}

func (s *FileSource) Load(ctx context.Context) ([]models.Policy, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, fmt.Errorf("policy source %s: %w", s.Path, err)
	}
	if !info.IsDir() {
		return loadPolicyFile(s.Path)
	}

	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return nil, fmt.Errorf("policy source %s: %w", s.Path, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var all []models.Policy
	for _, name := range names {
		policies, err := loadPolicyFile(filepath.Join(s.Path, name))
		if err != nil {
			return nil, err
		}
		all = append(all, policies...)
	}
	return all, nil
}

func loadPolicyFile(path string) ([]models.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	policies := make([]models.Policy, 0, len(doc.Policies))
	for _, yp := range doc.Policies {
		p := models.Policy{
			ID:          yp.ID,
			Name:        yp.Name,
			Description: yp.Description,
			Severity:    yp.Severity,
			Resources:   yp.Resources,
			Condition:   yp.Condition,
			Actions:     yp.Actions,
			Enabled:     yp.Enabled == nil || *yp.Enabled,
			MLThreshold: yp.MLThreshold,
			MLWeight:    yp.MLWeight,
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if err := Validate(&p); err != nil {
			return nil, fmt.Errorf("%s: policy %q: %w", path, p.Name, err)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// Validate checks a policy's structural invariants. It does not catch
// every possible condition defect; operator support is re-checked at
// evaluation time and surfaces as an evaluation_error violation.
func Validate(p *models.Policy) error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	switch p.Severity {
	case models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow:
	default:
		return fmt.Errorf("invalid severity %q", p.Severity)
	}
	if p.MLWeight < 0 || p.MLWeight > 1 {
		return fmt.Errorf("ml_weight %v out of range", p.MLWeight)
	}
	return validateCondition(&p.Condition)
}

func validateCondition(c *models.Condition) error {
	switch c.Type {
	case models.ConditionField:
		if c.Path == "" {
			return errors.New("field condition requires a path")
		}
		if c.Operator == "" {
			return errors.New("field condition requires an operator")
		}
	case models.ConditionAll, models.ConditionAny:
		if len(c.Children) == 0 {
			return fmt.Errorf("%s condition requires children", c.Type)
		}
		for i := range c.Children {
			if err := validateCondition(&c.Children[i]); err != nil {
				return err
			}
		}
	case models.ConditionNot:
		if c.Child == nil {
			return errors.New("not condition requires a child")
		}
		return validateCondition(c.Child)
	case models.ConditionGraph:
		if c.From == "" || c.To == "" {
			return errors.New("graph condition requires from and to labels")
		}
		for i := range c.Where {
			if err := validateCondition(&c.Where[i]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}
