// Package memstore keeps settlement state in process memory. It enforces the
// same constraints as the postgres store: one active request per user,
// guarded transitions and immutable resolved records.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
)

type Store struct {
	mu        sync.RWMutex
	payouts   map[string]settlement.PayoutRequest
	transfers map[string]settlement.TransferRecord
	wallets   map[string]settlement.WalletAccount
	// active maps a user to its open or pending_approval request.
	active map[string]string
}

func New() *Store {
	return &Store{
		payouts:   make(map[string]settlement.PayoutRequest),
		transfers: make(map[string]settlement.TransferRecord),
		wallets:   make(map[string]settlement.WalletAccount),
		active:    make(map[string]string),
	}
}

func (s *Store) InsertPayout(_ context.Context, p settlement.PayoutRequest, escrow settlement.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[p.UserID]; ok && p.Status.Active() {
		return settlement.ErrDuplicateOpenRequest
	}
	if _, ok := s.transfers[escrow.ID]; ok {
		return settlement.ErrTransferFinal
	}
	s.payouts[p.ID] = p
	s.transfers[escrow.ID] = escrow
	if p.Status.Active() {
		s.active[p.UserID] = p.ID
	}
	return nil
}

func (s *Store) GetPayout(_ context.Context, id string) (settlement.PayoutRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payouts[id]
	if !ok {
		return settlement.PayoutRequest{}, settlement.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPayouts(_ context.Context, f settlement.PayoutFilter) ([]settlement.PayoutRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]settlement.PayoutRequest, 0)
	for _, p := range s.payouts {
		if matchPayout(p, f) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchPayout(p settlement.PayoutRequest, f settlement.PayoutFilter) bool {
	if f.UserID != "" && p.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if p.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EscrowState != "" && p.EscrowState != f.EscrowState {
		return false
	}
	if f.NeedsReview && !p.NeedsReview() {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !p.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

func (s *Store) ApplyTransition(_ context.Context, t settlement.Transition) (settlement.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.payouts[t.ID]
	if !ok {
		return settlement.PayoutRequest{}, settlement.ErrNotFound
	}
	if cur.Status != t.Guard.Status || cur.PendingAction != t.Guard.PendingAction || cur.EscrowState != t.Guard.EscrowState {
		return settlement.PayoutRequest{}, settlement.ErrStaleState
	}
	if t.Record != nil {
		if err := s.checkRecord(*t.Record); err != nil {
			return settlement.PayoutRequest{}, err
		}
	}
	if t.Next.Status.Active() {
		if owner, ok := s.active[cur.UserID]; ok && owner != cur.ID {
			return settlement.PayoutRequest{}, settlement.ErrDuplicateOpenRequest
		}
	}

	next := cur
	next.Status = t.Next.Status
	next.EscrowState = t.Next.EscrowState
	next.PendingAction = t.Next.PendingAction
	next.EscrowTransferID = t.Next.EscrowTransferID
	next.RefundTransferID = t.Next.RefundTransferID
	next.ReviewReason = t.Next.ReviewReason
	next.UpdatedAt = t.At

	s.payouts[next.ID] = next
	if next.Status.Active() {
		s.active[next.UserID] = next.ID
	} else if s.active[next.UserID] == next.ID {
		delete(s.active, next.UserID)
	}
	if t.Record != nil {
		if prev, ok := s.transfers[t.Record.ID]; !ok || prev.Status == settlement.TransferUnconfirmed {
			s.transfers[t.Record.ID] = *t.Record
		}
	}
	return next, nil
}

// checkRecord allows a write to a new record, to an unconfirmed one, or a
// no-op rewrite of a resolved one with the same status.
func (s *Store) checkRecord(rec settlement.TransferRecord) error {
	prev, ok := s.transfers[rec.ID]
	if !ok || prev.Status == settlement.TransferUnconfirmed {
		return nil
	}
	if prev.Status != rec.Status {
		return settlement.ErrTransferFinal
	}
	return nil
}

func (s *Store) RecordTransfer(_ context.Context, rec settlement.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRecord(rec); err != nil {
		return err
	}
	if prev, ok := s.transfers[rec.ID]; ok && prev.Status != settlement.TransferUnconfirmed {
		return nil
	}
	s.transfers[rec.ID] = rec
	return nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (settlement.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.transfers[id]
	if !ok {
		return settlement.TransferRecord{}, settlement.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListTransfers(_ context.Context, f settlement.TransferFilter) ([]settlement.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]settlement.TransferRecord, 0)
	for _, rec := range s.transfers {
		if f.UserID != "" && rec.FromUserID != f.UserID && rec.ToUserID != f.UserID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.PayoutRequestID != "" && rec.PayoutRequestID != f.PayoutRequestID {
			continue
		}
		if !f.CreatedBefore.IsZero() && !rec.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		if f.After != nil && !f.After.Follows(rec) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) GetWallet(_ context.Context, userID string) (settlement.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return settlement.WalletAccount{}, settlement.ErrNotFound
	}
	return w, nil
}

func (s *Store) PutWallet(_ context.Context, w settlement.WalletAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.UserID]; ok {
		return settlement.ErrWalletExists
	}
	s.wallets[w.UserID] = w
	return nil
}
