package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore chains events per partition day, locking the day's tail row
// so concurrent writers serialize on the hash link.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func normalizeJSON(raw []byte) []byte {
	if len(raw) == 0 || !json.Valid(raw) {
		return []byte(`{}`)
	}
	return raw
}

func (s *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	e = normalize(e)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	const lockQ = `
SELECT hash_curr
FROM audit_events
WHERE partition_day = $1::date
ORDER BY recorded_at DESC, audit_id DESC
LIMIT 1
FOR UPDATE
`
	prev := genesisHash
	if err := tx.QueryRowContext(ctx, lockQ, e.PartitionDay).Scan(&prev); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return Event{}, err
		}
	}
	e.Before = normalizeJSON(e.Before)
	e.After = normalizeJSON(e.After)
	e.HashPrev = prev
	e.HashCurr = ComputeHash(prev, e)

	const insQ = `
INSERT INTO audit_events (
  audit_id, occurred_at, recorded_at,
  actor_id, actor_role,
  object_type, object_id, action,
  before_state, after_state,
  result, reason,
  partition_day,
  hash_prev, hash_curr
)
VALUES (
  $1, $2::timestamptz, $3::timestamptz,
  $4, $5,
  $6, $7, $8,
  $9::jsonb, $10::jsonb,
  $11, $12,
  $13::date,
  $14, $15
)
ON CONFLICT (audit_id) DO NOTHING
`
	_, err = tx.ExecContext(ctx, insQ,
		e.AuditID,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
		e.ActorID,
		e.ActorRole,
		e.ObjectType,
		e.ObjectID,
		e.Action,
		e.Before,
		e.After,
		string(e.Result),
		e.Reason,
		e.PartitionDay,
		e.HashPrev,
		e.HashCurr,
	)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return e, nil
}
