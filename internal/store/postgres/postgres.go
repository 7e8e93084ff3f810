// Package postgres persists settlement state. The partial unique index on
// payout_requests enforces one active request per user, and transitions
// are conditional updates on the request's guard columns.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/credential"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
)

const (
	uniqueViolation  = "23505"
	activeRequestIdx = "payout_requests_one_active_per_user"
	payoutColumns    = `id, user_id, amount, status, escrow_state, pending_action, escrow_transfer_id, refund_transfer_id, review_reason, created_at, updated_at`
	transferColumns  = `id, kind, from_user_id, to_user_id, amount, status, external_tx_id, receipt, payout_request_id, reference, failure_reason, created_at, resolved_at`
	defaultListLimit = 500
	maxListLimit     = 5000
)

var errNoSealer = errors.New("postgres store: credential sealer not configured")

type Store struct {
	db     *sql.DB
	sealer *credential.Sealer
}

// New returns a store over db. Wallet credentials are sealed with sealer at
// rest; a nil sealer disables wallet reads and writes.
func New(db *sql.DB, sealer *credential.Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func scanPayout(row rowScanner) (settlement.PayoutRequest, error) {
	var (
		p                       settlement.PayoutRequest
		status, escrow, pending string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &status, &escrow, &pending,
		&p.EscrowTransferID, &p.RefundTransferID, &p.ReviewReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return settlement.PayoutRequest{}, err
	}
	p.Status = settlement.Status(status)
	p.EscrowState = settlement.EscrowState(escrow)
	p.PendingAction = settlement.PendingAction(pending)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanTransfer(row rowScanner) (settlement.TransferRecord, error) {
	var (
		rec          settlement.TransferRecord
		kind, status string
		receipt      []byte
		payoutID     sql.NullString
		resolvedAt   sql.NullTime
	)
	err := row.Scan(&rec.ID, &kind, &rec.FromUserID, &rec.ToUserID, &rec.Amount, &status,
		&rec.ExternalTxID, &receipt, &payoutID, &rec.Reference, &rec.FailureReason, &rec.CreatedAt, &resolvedAt)
	if err != nil {
		return settlement.TransferRecord{}, err
	}
	rec.Kind = settlement.TransferKind(kind)
	rec.Status = settlement.TransferStatus(status)
	rec.PayoutRequestID = payoutID.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		rec.ResolvedAt = &t
	}
	if len(receipt) > 0 {
		var r ledger.Receipt
		if err := json.Unmarshal(receipt, &r); err != nil {
			return settlement.TransferRecord{}, fmt.Errorf("decode receipt for %s: %w", rec.ID, err)
		}
		rec.Receipt = &r
	}
	return rec, nil
}

func (s *Store) InsertPayout(ctx context.Context, p settlement.PayoutRequest, escrow settlement.TransferRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO payout_requests (` + payoutColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err = tx.ExecContext(ctx, q,
		p.ID, p.UserID, p.Amount, string(p.Status), string(p.EscrowState), string(p.PendingAction),
		p.EscrowTransferID, p.RefundTransferID, p.ReviewReason, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err, activeRequestIdx) {
		return settlement.ErrDuplicateOpenRequest
	}
	if err != nil {
		return fmt.Errorf("insert payout request: %w", err)
	}
	if err := writeRecord(ctx, tx, escrow); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetPayout(ctx context.Context, id string) (settlement.PayoutRequest, error) {
	const q = `SELECT ` + payoutColumns + ` FROM payout_requests WHERE id = $1`
	p, err := scanPayout(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.PayoutRequest{}, settlement.ErrNotFound
	}
	return p, err
}

func (s *Store) ListPayouts(ctx context.Context, f settlement.PayoutFilter) ([]settlement.PayoutRequest, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, arg(string(st)))
		}
		where = append(where, "status IN ("+strings.Join(statuses, ",")+")")
	}
	if f.EscrowState != "" {
		where = append(where, "escrow_state = "+arg(string(f.EscrowState)))
	}
	if f.NeedsReview {
		where = append(where, "review_reason <> ''")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(f.UpdatedBefore.UTC()))
	}

	q := `SELECT ` + payoutColumns + ` FROM payout_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id LIMIT " + arg(listLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]settlement.PayoutRequest, 0)
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ApplyTransition(ctx context.Context, t settlement.Transition) (settlement.PayoutRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return settlement.PayoutRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	const q = `
UPDATE payout_requests
SET status = $2,
    escrow_state = $3,
    pending_action = $4,
    escrow_transfer_id = $5,
    refund_transfer_id = $6,
    review_reason = $7,
    updated_at = $8
WHERE id = $1
  AND status = $9
  AND pending_action = $10
  AND escrow_state = $11
RETURNING ` + payoutColumns
	n := t.Next
	p, err := scanPayout(tx.QueryRowContext(ctx, q,
		t.ID,
		string(n.Status), string(n.EscrowState), string(n.PendingAction),
		n.EscrowTransferID, n.RefundTransferID, n.ReviewReason, at.UTC(),
		string(t.Guard.Status), string(t.Guard.PendingAction), string(t.Guard.EscrowState),
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payout_requests WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return settlement.PayoutRequest{}, err
		}
		if !exists {
			return settlement.PayoutRequest{}, settlement.ErrNotFound
		}
		return settlement.PayoutRequest{}, settlement.ErrStaleState
	case isUniqueViolation(err, activeRequestIdx):
		return settlement.PayoutRequest{}, settlement.ErrDuplicateOpenRequest
	case err != nil:
		return settlement.PayoutRequest{}, fmt.Errorf("apply transition: %w", err)
	}

	if t.Record != nil {
		if err := writeRecord(ctx, tx, *t.Record); err != nil {
			return settlement.PayoutRequest{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return settlement.PayoutRequest{}, err
	}
	return p, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// writeRecord inserts rec or resolves the unconfirmed row with its id.
// Rewriting a resolved row with its current status is a no-op.
func writeRecord(ctx context.Context, db execQuerier, rec settlement.TransferRecord) error {
	var receipt []byte
	if rec.Receipt != nil {
		b, err := json.Marshal(rec.Receipt)
		if err != nil {
			return fmt.Errorf("encode receipt: %w", err)
		}
		receipt = b
	}
	var resolvedAt sql.NullTime
	if rec.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: rec.ResolvedAt.UTC(), Valid: true}
	}
	payoutID := sql.NullString{String: rec.PayoutRequestID, Valid: rec.PayoutRequestID != ""}

	const q = `
INSERT INTO transfer_records (` + transferColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    external_tx_id = EXCLUDED.external_tx_id,
    receipt = EXCLUDED.receipt,
    failure_reason = EXCLUDED.failure_reason,
    resolved_at = EXCLUDED.resolved_at
WHERE transfer_records.status = 'unconfirmed'
`
	res, err := db.ExecContext(ctx, q,
		rec.ID, string(rec.Kind), rec.FromUserID, rec.ToUserID, rec.Amount, string(rec.Status),
		rec.ExternalTxID, receipt, payoutID, rec.Reference, rec.FailureReason, rec.CreatedAt.UTC(), resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("write transfer record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var current string
	if err := db.QueryRowContext(ctx, `SELECT status FROM transfer_records WHERE id = $1`, rec.ID).Scan(&current); err != nil {
		return fmt.Errorf("read transfer record: %w", err)
	}
	if settlement.TransferStatus(current) != rec.Status {
		return settlement.ErrTransferFinal
	}
	return nil
}

func (s *Store) RecordTransfer(ctx context.Context, rec settlement.TransferRecord) error {
	return writeRecord(ctx, s.db, rec)
}

func (s *Store) GetTransfer(ctx context.Context, id string) (settlement.TransferRecord, error) {
	const q = `SELECT ` + transferColumns + ` FROM transfer_records WHERE id = $1`
	rec, err := scanTransfer(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.TransferRecord{}, settlement.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListTransfers(ctx context.Context, f settlement.TransferFilter) ([]settlement.TransferRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		p := arg(f.UserID)
		where = append(where, "(from_user_id = "+p+" OR to_user_id = "+p+")")
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.PayoutRequestID != "" {
		where = append(where, "payout_request_id = "+arg(f.PayoutRequestID))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(f.CreatedBefore.UTC()))
	}
	if f.After != nil {
		where = append(where, "(created_at, id) > ("+arg(f.After.CreatedAt.UTC())+", "+arg(f.After.ID)+")")
	}

	q := `SELECT ` + transferColumns + ` FROM transfer_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id LIMIT " + arg(listLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]settlement.TransferRecord, 0)
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetWallet(ctx context.Context, userID string) (settlement.WalletAccount, error) {
	if s.sealer == nil {
		return settlement.WalletAccount{}, errNoSealer
	}
	const q = `
SELECT user_id, external_account_id, sealed_credential, created_at
FROM wallet_accounts
WHERE user_id = $1
`
	var (
		w       settlement.WalletAccount
		account string
		sealed  string
	)
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&w.UserID, &account, &sealed, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.WalletAccount{}, settlement.ErrNotFound
	}
	if err != nil {
		return settlement.WalletAccount{}, err
	}
	secret, err := s.sealer.Open(w.UserID, sealed)
	if err != nil {
		return settlement.WalletAccount{}, fmt.Errorf("open wallet credential: %w", err)
	}
	w.ExternalAccountID = ledger.AccountID(account)
	w.Credential = ledger.NewCredential(secret)
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}

func (s *Store) PutWallet(ctx context.Context, w settlement.WalletAccount) error {
	if s.sealer == nil {
		return errNoSealer
	}
	sealed, err := s.sealer.Seal(w.UserID, w.Credential.Reveal())
	if err != nil {
		return fmt.Errorf("seal wallet credential: %w", err)
	}
	created := w.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	const q = `
INSERT INTO wallet_accounts (user_id, external_account_id, sealed_credential, created_at)
VALUES ($1, $2, $3, $4)
`
	_, err = s.db.ExecContext(ctx, q, w.UserID, string(w.ExternalAccountID), sealed, created.UTC())
	if isUniqueViolation(err, "") {
		return settlement.ErrWalletExists
	}
	return err
}
