package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPlanSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPlanSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS plan_tasks (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT 'auto',
			dependencies TEXT[] NOT NULL DEFAULT '{}',
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			chain_input TEXT NOT NULL DEFAULT '',
			chain_executed_at TIMESTAMPTZ NULL,
			chain_error TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			token_usage BIGINT NOT NULL DEFAULT 0,
			response_format TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plan_tasks_plan_position ON plan_tasks (plan_id, position);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init plan schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SavePlan(ctx context.Context, p Plan) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO plans (id, created_at, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at`,
		p.ID, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM plan_tasks WHERE plan_id=$1`, p.ID); err != nil {
		return fmt.Errorf("delete prior tasks: %w", err)
	}

	for i, t := range p.Tasks {
		deps := t.Dependencies
		if deps == nil {
			deps = []string{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO plan_tasks (
				id, plan_id, position, title, description, status, agent_id, dependencies,
				input, output, chain_input, chain_executed_at, chain_error,
				duration_ms, cost, token_usage, response_format, created_at, updated_at
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
			)`,
			t.ID,
			p.ID,
			i,
			t.Title,
			t.Description,
			string(t.Status),
			t.AgentID,
			deps,
			t.Input,
			t.Output,
			t.ChainMeta.Input,
			t.ChainMeta.ExecutedAt,
			t.ChainMeta.Error,
			t.DurationMS,
			t.Cost,
			t.TokenUsage,
			t.ResponseFormat,
			t.CreatedAt,
			t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert plan task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (Plan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, created_at, updated_at FROM plans WHERE id=$1`, planID,
	)
	var p Plan
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plan{}, ErrStoreNotFound
		}
		return Plan{}, fmt.Errorf("get plan: %w", err)
	}
	tasks, err := s.loadTasks(ctx, p.ID)
	if err != nil {
		return Plan{}, err
	}
	p.Tasks = tasks
	return p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context, limit int) ([]Plan, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at, updated_at FROM plans ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	out := make([]Plan, 0, limit)
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan rows: %w", err)
	}
	for i := range out {
		tasks, err := s.loadTasks(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Tasks = tasks
	}
	return out, nil
}

func (s *PostgresStore) loadTasks(ctx context.Context, planID string) ([]Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, description, status, agent_id, dependencies, input, output,
		        chain_input, chain_executed_at, chain_error, duration_ms, cost,
		        token_usage, response_format, created_at, updated_at
		   FROM plan_tasks WHERE plan_id=$1 ORDER BY position ASC`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("list plan tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0, 4)
	for rows.Next() {
		var (
			t          Task
			status     string
			executedAt *time.Time
		)
		if err := rows.Scan(
			&t.ID,
			&t.Title,
			&t.Description,
			&status,
			&t.AgentID,
			&t.Dependencies,
			&t.Input,
			&t.Output,
			&t.ChainMeta.Input,
			&executedAt,
			&t.ChainMeta.Error,
			&t.DurationMS,
			&t.Cost,
			&t.TokenUsage,
			&t.ResponseFormat,
			&t.CreatedAt,
			&t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan plan task: %w", err)
		}
		t.Status = TaskStatus(status)
		t.ChainMeta.ExecutedAt = executedAt
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan task rows: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
