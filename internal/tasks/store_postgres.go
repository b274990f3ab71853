package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/IsaacDeMelo/botwpp/internal/wa"
)

// PostgresReplica mirrors the local task store into Postgres so a restart on
// a fresh host can recover active tasks. It is a replica, not the primary:
// reads and matching always go through the local store.
type PostgresReplica struct {
	pool *pgxpool.Pool

	// Set once a write fails with undefined_column, meaning the remote
	// schema predates the trigger columns. Later writes use the reduced
	// column set for the rest of the process lifetime.
	reducedSchema atomic.Bool
}

func NewPostgresReplica(ctx context.Context, databaseURL string) (*PostgresReplica, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect replica: %w", err)
	}
	if err := initReplicaSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresReplica{pool: pool}, nil
}

func initReplicaSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS response_tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			recipient TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			request_body_type TEXT NOT NULL DEFAULT '',
			sent_message_id TEXT NOT NULL DEFAULT '',
			expected JSONB NULL,
			on_timeout JSONB NULL,
			selected JSONB NULL,
			response JSONB NULL,
			action_result JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL,
			created_at_ms BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NULL,
			expires_at_ms BIGINT NOT NULL DEFAULT 0,
			timeout_ms BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			attending_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL,
			expired_at TIMESTAMPTZ NULL,
			cancelled_at TIMESTAMPTZ NULL,
			notes TEXT NOT NULL DEFAULT '',
			trigger_count INTEGER NOT NULL DEFAULT 0,
			last_triggered_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_response_tasks_status_created ON response_tasks (status, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init replica schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const (
	replicaFullColumns = `id, status, recipient, scope, request_body_type, sent_message_id,
		expected, on_timeout, selected, response, action_result,
		created_at, created_at_ms, expires_at, expires_at_ms, timeout_ms,
		updated_at, attending_at, completed_at, expired_at, cancelled_at, notes,
		trigger_count, last_triggered_at`

	replicaReducedColumns = `id, status, recipient, scope, request_body_type, sent_message_id,
		expected, on_timeout, selected, response, action_result,
		created_at, created_at_ms, expires_at, expires_at_ms, timeout_ms,
		updated_at, attending_at, completed_at, expired_at, cancelled_at, notes`
)

// Upsert writes one task record. When the remote table lacks the trigger
// columns the write is retried once with the reduced payload and the replica
// remembers the downgrade.
func (r *PostgresReplica) Upsert(ctx context.Context, task Task) error {
	if !r.reducedSchema.Load() {
		err := r.upsertFull(ctx, task)
		if err == nil {
			return nil
		}
		if !isUndefinedColumn(err) {
			return err
		}
		r.reducedSchema.Store(true)
		log.Printf("task replica: remote schema lacks trigger columns, using reduced payload")
	}
	return r.upsertReduced(ctx, task)
}

func (r *PostgresReplica) upsertFull(ctx context.Context, t Task) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO response_tasks (`+replicaFullColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			recipient=EXCLUDED.recipient,
			scope=EXCLUDED.scope,
			request_body_type=EXCLUDED.request_body_type,
			sent_message_id=EXCLUDED.sent_message_id,
			expected=EXCLUDED.expected,
			on_timeout=EXCLUDED.on_timeout,
			selected=EXCLUDED.selected,
			response=EXCLUDED.response,
			action_result=EXCLUDED.action_result,
			created_at=EXCLUDED.created_at,
			created_at_ms=EXCLUDED.created_at_ms,
			expires_at=EXCLUDED.expires_at,
			expires_at_ms=EXCLUDED.expires_at_ms,
			timeout_ms=EXCLUDED.timeout_ms,
			updated_at=EXCLUDED.updated_at,
			attending_at=EXCLUDED.attending_at,
			completed_at=EXCLUDED.completed_at,
			expired_at=EXCLUDED.expired_at,
			cancelled_at=EXCLUDED.cancelled_at,
			notes=EXCLUDED.notes,
			trigger_count=EXCLUDED.trigger_count,
			last_triggered_at=EXCLUDED.last_triggered_at`,
		t.ID,
		string(t.Status),
		t.To,
		string(t.Scope),
		t.RequestBodyType,
		t.SentMessageID,
		jsonbArg(t.Expected),
		jsonbArg(t.OnTimeout),
		jsonbArg(t.Selected),
		jsonbArg(t.Response),
		jsonbArg(t.ActionResult),
		t.CreatedAt,
		t.CreatedAtMs,
		t.ExpiresAt,
		t.ExpiresAtMs,
		t.TimeoutMs,
		t.UpdatedAt,
		t.AttendingAt,
		t.CompletedAt,
		t.ExpiredAt,
		t.CancelledAt,
		t.Notes,
		t.TriggerCount,
		t.LastTriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("replica upsert: %w", err)
	}
	return nil
}

func (r *PostgresReplica) upsertReduced(ctx context.Context, t Task) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO response_tasks (`+replicaReducedColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			recipient=EXCLUDED.recipient,
			scope=EXCLUDED.scope,
			request_body_type=EXCLUDED.request_body_type,
			sent_message_id=EXCLUDED.sent_message_id,
			expected=EXCLUDED.expected,
			on_timeout=EXCLUDED.on_timeout,
			selected=EXCLUDED.selected,
			response=EXCLUDED.response,
			action_result=EXCLUDED.action_result,
			created_at=EXCLUDED.created_at,
			created_at_ms=EXCLUDED.created_at_ms,
			expires_at=EXCLUDED.expires_at,
			expires_at_ms=EXCLUDED.expires_at_ms,
			timeout_ms=EXCLUDED.timeout_ms,
			updated_at=EXCLUDED.updated_at,
			attending_at=EXCLUDED.attending_at,
			completed_at=EXCLUDED.completed_at,
			expired_at=EXCLUDED.expired_at,
			cancelled_at=EXCLUDED.cancelled_at,
			notes=EXCLUDED.notes`,
		t.ID,
		string(t.Status),
		t.To,
		string(t.Scope),
		t.RequestBodyType,
		t.SentMessageID,
		jsonbArg(t.Expected),
		jsonbArg(t.OnTimeout),
		jsonbArg(t.Selected),
		jsonbArg(t.Response),
		jsonbArg(t.ActionResult),
		t.CreatedAt,
		t.CreatedAtMs,
		t.ExpiresAt,
		t.ExpiresAtMs,
		t.TimeoutMs,
		t.UpdatedAt,
		t.AttendingAt,
		t.CompletedAt,
		t.ExpiredAt,
		t.CancelledAt,
		t.Notes,
	)
	if err != nil {
		return fmt.Errorf("replica upsert (reduced): %w", err)
	}
	return nil
}

func (r *PostgresReplica) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM response_tasks WHERE id=$1`, id); err != nil {
		return fmt.Errorf("replica delete: %w", err)
	}
	return nil
}

// LatestUpdatedAt returns the newest updated_at on the remote side, or the
// zero time when the table is empty.
func (r *PostgresReplica) LatestUpdatedAt(ctx context.Context) (time.Time, error) {
	var latest *time.Time
	err := r.pool.QueryRow(ctx, `SELECT MAX(updated_at) FROM response_tasks`).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("replica latest updated_at: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

// FetchActive loads the remote records still worth recovering after a
// restart (pending, attending and persistent).
func (r *PostgresReplica) FetchActive(ctx context.Context) ([]Task, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+replicaReducedColumns+`
		   FROM response_tasks
		  WHERE status = ANY($1)
		  ORDER BY created_at DESC`,
		[]string{string(TaskStatusPending), string(TaskStatusAttending), string(TaskStatusPersistent)},
	)
	if err != nil {
		return nil, fmt.Errorf("replica fetch active: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanReplicaRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replica row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replica rows: %w", err)
	}
	return out, nil
}

func scanReplicaRow(rows pgx.Rows) (Task, error) {
	var (
		t            Task
		status       string
		scope        string
		expected     []byte
		onTimeout    []byte
		selected     []byte
		response     []byte
		actionResult []byte
	)
	if err := rows.Scan(
		&t.ID,
		&status,
		&t.To,
		&scope,
		&t.RequestBodyType,
		&t.SentMessageID,
		&expected,
		&onTimeout,
		&selected,
		&response,
		&actionResult,
		&t.CreatedAt,
		&t.CreatedAtMs,
		&t.ExpiresAt,
		&t.ExpiresAtMs,
		&t.TimeoutMs,
		&t.UpdatedAt,
		&t.AttendingAt,
		&t.CompletedAt,
		&t.ExpiredAt,
		&t.CancelledAt,
		&t.Notes,
	); err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	t.Scope = wa.Scope(scope)
	if len(expected) > 0 {
		_ = json.Unmarshal(expected, &t.Expected)
	}
	if len(onTimeout) > 0 {
		_ = json.Unmarshal(onTimeout, &t.OnTimeout)
	}
	if len(selected) > 0 {
		_ = json.Unmarshal(selected, &t.Selected)
	}
	if len(response) > 0 {
		_ = json.Unmarshal(response, &t.Response)
	}
	if len(actionResult) > 0 {
		_ = json.Unmarshal(actionResult, &t.ActionResult)
	}
	return t, nil
}

func jsonbArg(v any) []byte {
	switch x := v.(type) {
	case []ExpectedEntry:
		if x == nil {
			return nil
		}
	case *OnTimeout:
		if x == nil {
			return nil
		}
	case *Selected:
		if x == nil {
			return nil
		}
	case *Response:
		if x == nil {
			return nil
		}
	case *ActionResult:
		if x == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42703"
}

func (r *PostgresReplica) Close() error {
	r.pool.Close()
	return nil
}
