package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store owns the Postgres connection pool. Domain-specific stores
// borrow the pool through DB().
type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	cloud TEXT NOT NULL DEFAULT 'all',
	types JSONB NOT NULL DEFAULT '[]',
	condition JSONB NOT NULL,
	actions JSONB NOT NULL DEFAULT '[]',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	ml_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	ml_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluations (
	id UUID PRIMARY KEY,
	plan_id TEXT NOT NULL,
	source_type TEXT NOT NULL,
	decision TEXT NOT NULL,
	risk_score DOUBLE PRECISION NOT NULL,
	violation_count INT NOT NULL,
	policy_version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_created_at ON evaluations (created_at DESC);
`

// Migrate applies the schema. Safe to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Evaluation is one persisted evaluation outcome, kept for audit and
// trend queries.
type Evaluation struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PlanID         string    `db:"plan_id" json:"plan_id"`
	SourceType     string    `db:"source_type" json:"source_type"`
	Decision       string    `db:"decision" json:"decision"`
	RiskScore      float64   `db:"risk_score" json:"risk_score"`
	ViolationCount int       `db:"violation_count" json:"violation_count"`
	PolicyVersion  uint64    `db:"policy_version" json:"policy_version"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

func (s *Store) SaveEvaluation(ctx context.Context, e *Evaluation) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO evaluations (id, plan_id, source_type, decision, risk_score, violation_count, policy_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.PlanID,
		e.SourceType,
		e.Decision,
		e.RiskScore,
		e.ViolationCount,
		e.PolicyVersion,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving evaluation: %w", err)
	}
	return nil
}

func (s *Store) ListEvaluations(ctx context.Context, limit int) ([]Evaluation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var out []Evaluation
	query := `SELECT * FROM evaluations ORDER BY created_at DESC LIMIT $1`
	if err := s.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("listing evaluations: %w", err)
	}
	return out, nil
}
