package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates the pool and verifies connectivity.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(NULLIF(display_name, ''), username) FROM users WHERE id = $1`,
		userID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query display name: %w", err)
	}
	return name, nil
}

func (p *Postgres) SystemPrompt(ctx context.Context, userID string) (string, error) {
	var prompt string
	err := p.pool.QueryRow(ctx,
		`SELECT system_prompt FROM agent_settings WHERE user_id = $1`,
		userID,
	).Scan(&prompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query system prompt: %w", err)
	}
	return prompt, nil
}

func (p *Postgres) RecordVisit(ctx context.Context, roomID uuid.UUID, userID, displayName string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO room_visits (room_id, user_id, display_name, visited_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (room_id, user_id)
		 DO UPDATE SET visited_at = now(), display_name = EXCLUDED.display_name`,
		roomID, userID, displayName,
	)
	if err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
