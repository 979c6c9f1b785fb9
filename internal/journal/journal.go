// Package journal keeps a history of matched pushes and how each effect
// fared. The Postgres store backs the history command; Noop is used when no
// database is configured.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Entry is one matched push
type Entry struct {
	TriggerID     string            `json:"trigger_id"`
	ReceivedAt    time.Time         `json:"received_at"`
	EventType     string            `json:"event_type"`
	Branch        string            `json:"branch"`
	Task          string            `json:"task"`
	Repository    string            `json:"repository"`
	Author        string            `json:"author"`
	CommitMessage string            `json:"commit_message"`
	Effects       map[string]string `json:"effects"` // effect name -> "ok" or error text
}

// EffectOK marks a successful effect in Entry.Effects
const EffectOK = "ok"

// Store records and lists journal entries
type Store interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Noop discards entries
type Noop struct{}

func (Noop) Record(context.Context, Entry) error { return nil }

func (Noop) Recent(context.Context, int) ([]Entry, error) { return nil, nil }

// DB is the subset of *pgxpool.Pool the Postgres store uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres stores entries in pushtrigger.triggers
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	effects := e.Effects
	if effects == nil {
		effects = map[string]string{}
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO pushtrigger.triggers
			(id, received_at, event_type, branch, task, repository, author, commit_message, effects)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET effects = EXCLUDED.effects`,
		e.TriggerID, e.ReceivedAt, e.EventType, e.Branch, e.Task,
		e.Repository, e.Author, e.CommitMessage, effects,
	)
	if err != nil {
		return fmt.Errorf("journal: insert trigger %s: %w", e.TriggerID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.Query(ctx, `
		SELECT id::text, received_at, event_type, branch, task, repository, author, commit_message, effects
		FROM pushtrigger.triggers
		ORDER BY received_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TriggerID, &e.ReceivedAt, &e.EventType, &e.Branch, &e.Task,
			&e.Repository, &e.Author, &e.CommitMessage, &e.Effects); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return out, nil
}

var (
	_ Store = Noop{}
	_ Store = (*Postgres)(nil)
)
