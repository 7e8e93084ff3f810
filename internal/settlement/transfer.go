package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
)

// TransferService moves gift tokens between user wallets.
type TransferService struct {
	*core
}

func NewTransferService(cfg Config) (*TransferService, error) {
	c, err := newCore(cfg, "transfer")
	if err != nil {
		return nil, err
	}
	return &TransferService{core: c}, nil
}

// Transfer sends amount from one user's wallet to another's. Nothing local
// is written before the ledger answers; every answer is then recorded.
func (s *TransferService) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64) (rec TransferRecord, err error) {
	defer func() { s.obs.ObserveGift(err) }()

	if fromUserID == "" {
		return TransferRecord{}, ErrUnauthorized
	}
	if amount <= 0 {
		return TransferRecord{}, ErrInvalidAmount
	}
	if fromUserID == toUserID {
		return TransferRecord{}, ErrSelfTransfer
	}
	sender, err := s.wallet(ctx, fromUserID, ErrWalletNotConfigured)
	if err != nil {
		return TransferRecord{}, err
	}
	recipient, err := s.wallet(ctx, toUserID, ErrRecipientWalletNotConfigured)
	if err != nil {
		return TransferRecord{}, err
	}
	if err := s.checkBalance(ctx, sender, amount); err != nil {
		return TransferRecord{}, err
	}

	rec = TransferRecord{
		ID:         uuid.NewString(),
		Kind:       KindGift,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Amount:     amount,
		CreatedAt:  s.now(),
	}
	rec.Reference = rec.ID

	sub := s.ledger.Transfer(ctx, ledger.TransferRequest{
		Reference:      rec.Reference,
		From:           sender.ExternalAccountID,
		FromCredential: sender.Credential,
		To:             recipient.ExternalAccountID,
		Amount:         amount,
		Memo:           "gift",
	})
	pctx := context.WithoutCancel(ctx)
	actor := Caller{UserID: fromUserID, Role: RoleUser}

	switch sub.Outcome {
	case ledger.OutcomeSucceeded:
		rec = resolved(rec, TransferSucceeded, sub, s.now())
		if err := s.store.RecordTransfer(pctx, rec); err != nil {
			s.logger.Error("gift settled on ledger but record failed",
				zap.String("transfer_id", rec.ID),
				zap.String("tx_id", rec.ExternalTxID),
				zap.Error(err),
			)
			return rec, fmt.Errorf("record gift: %w", err)
		}
		s.gate.Record(pctx, actor, objectTransfer, "gift", rec.ID, nil, rec, audit.ResultSuccess, "")
		s.notify(pctx, rec)
		return rec, nil

	case ledger.OutcomeFailed:
		rec = resolved(rec, TransferFailed, sub, s.now())
		if err := s.store.RecordTransfer(pctx, rec); err != nil {
			s.logger.Error("record failed gift", zap.String("transfer_id", rec.ID), zap.Error(err))
		}
		s.gate.Record(pctx, actor, objectTransfer, "gift", rec.ID, nil, rec, audit.ResultError, rec.FailureReason)
		return rec, ledgerFailure(sub.Err)

	default:
		rec.Status = TransferUnconfirmed
		rec.ExternalTxID = sub.TxID
		if err := s.store.RecordTransfer(pctx, rec); err != nil {
			s.logger.Error("record unconfirmed gift", zap.String("transfer_id", rec.ID), zap.Error(err))
		}
		s.logger.Warn("gift outcome indeterminate; awaiting reconciliation",
			zap.String("transfer_id", rec.ID),
			zap.String("tx_id", sub.TxID),
			zap.Error(sub.Err),
		)
		return rec, ErrLedgerTimeout
	}
}
