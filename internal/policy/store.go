package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qualys/iacguard/internal/models"
)

var ErrPolicyNotFound = errors.New("policy not found")

// PostgresStore persists policies. The condition tree, type patterns
// and actions are stored as JSON documents alongside the scalar
// columns.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type policyRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Severity    string    `db:"severity"`
	Cloud       string    `db:"cloud"`
	Types       []byte    `db:"types"`
	Condition   []byte    `db:"condition"`
	Actions     []byte    `db:"actions"`
	Enabled     bool      `db:"enabled"`
	MLThreshold float64   `db:"ml_threshold"`
	MLWeight    float64   `db:"ml_weight"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

const policyColumns = `id, name, description, severity, cloud, types, condition, actions, enabled, ml_threshold, ml_weight, created_at, updated_at`

func (r *policyRow) toPolicy() (*models.Policy, error) {
	p := &models.Policy{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Severity:    models.Severity(r.Severity),
		Resources:   models.ResourceSelector{Cloud: r.Cloud},
		Enabled:     r.Enabled,
		MLThreshold: r.MLThreshold,
		MLWeight:    r.MLWeight,
	}
	if len(r.Types) > 0 {
		if err := json.Unmarshal(r.Types, &p.Resources.Types); err != nil {
			return nil, fmt.Errorf("policy %s: decoding types: %w", r.ID, err)
		}
	}
	if len(r.Condition) > 0 {
		if err := json.Unmarshal(r.Condition, &p.Condition); err != nil {
			return nil, fmt.Errorf("policy %s: decoding condition: %w", r.ID, err)
		}
	}
	if len(r.Actions) > 0 {
		if err := json.Unmarshal(r.Actions, &p.Actions); err != nil {
			return nil, fmt.Errorf("policy %s: decoding actions: %w", r.ID, err)
		}
	}
	return p, nil
}

func encodePolicy(p *models.Policy) (types, condition, actions []byte, err error) {
	if types, err = json.Marshal(p.Resources.Types); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding types: %w", err)
	}
	if condition, err = json.Marshal(p.Condition); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding condition: %w", err)
	}
	if actions, err = json.Marshal(p.Actions); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding actions: %w", err)
	}
	return types, condition, actions, nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+policyColumns+` FROM policies WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return row.toPolicy()
}

func (s *PostgresStore) ListPolicies(ctx context.Context, enabledOnly bool) ([]models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies ORDER BY name, created_at`
	if enabledOnly {
		query = `SELECT ` + policyColumns + ` FROM policies WHERE enabled = true ORDER BY name, created_at`
	}

	var rows []policyRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	policies := make([]models.Policy, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPolicy()
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, p *models.Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	types, condition, actions, err := encodePolicy(p)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.ID, p.Name, p.Description, string(p.Severity), p.Resources.Cloud,
		types, condition, actions, p.Enabled, p.MLThreshold, p.MLWeight, now, now)
	return err
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, p *models.Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	types, condition, actions, err := encodePolicy(p)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE policies SET
			name = $2, description = $3, severity = $4, cloud = $5,
			types = $6, condition = $7, actions = $8, enabled = $9,
			ml_threshold = $10, ml_weight = $11, updated_at = $12
		WHERE id = $1
	`, p.ID, p.Name, p.Description, string(p.Severity), p.Resources.Cloud,
		types, condition, actions, p.Enabled, p.MLThreshold, p.MLWeight, time.Now())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// Load satisfies Source: the enabled policies in store order.
func (s *PostgresStore) Load(ctx context.Context) ([]models.Policy, error) {
	return s.ListPolicies(ctx, true)
}

// Seed inserts the built-in policies that are not already present,
// keyed by name.
func (s *PostgresStore) Seed(ctx context.Context) error {
	existing, err := s.ListPolicies(ctx, false)
	if err != nil {
		return err
	}
	byName := make(map[string]bool, len(existing))
	for _, p := range existing {
		byName[p.Name] = true
	}

	for _, p := range DefaultPolicies() {
		if byName[p.Name] {
			continue
		}
		if err := s.CreatePolicy(ctx, &p); err != nil {
			return fmt.Errorf("seeding policy %q: %w", p.Name, err)
		}
	}
	return nil
}
