package settlement

import "errors"

var (
	ErrUnauthorized = errors.New("caller identity missing or invalid")
	ErrForbidden    = errors.New("caller not permitted")

	ErrNotFound             = errors.New("not found")
	ErrAlreadyFinalized     = errors.New("payout request already finalized")
	ErrDuplicateOpenRequest = errors.New("user already has an open payout request")
	ErrInvalidTransition    = errors.New("transition not allowed from current status")
	ErrActionInProgress     = errors.New("another action is in progress for this payout request")
	ErrEscrowUnconfirmed    = errors.New("payout escrow unconfirmed; needs reconciliation or manual review")
	ErrStaleState           = errors.New("payout request changed concurrently")
	ErrTransferFinal        = errors.New("transfer record already resolved")
	ErrWalletExists         = errors.New("wallet already registered")

	ErrWalletNotConfigured          = errors.New("wallet not configured")
	ErrRecipientWalletNotConfigured = errors.New("recipient wallet not configured")
	ErrInsufficientFunds            = errors.New("insufficient funds")

	ErrInvalidAmount = errors.New("amount must be positive")
	ErrSelfTransfer  = errors.New("cannot transfer to self")

	ErrLedgerTransferFailed = errors.New("ledger transfer failed")
	ErrLedgerTimeout        = errors.New("ledger outcome unknown; pending reconciliation")
)

type Class int

const (
	ClassUnknown Class = iota
	ClassAuthorization
	ClassConflict
	ClassPrecondition
	ClassInvalid
	ClassLedger
	ClassLedgerPending
)

var classes = []struct {
	err   error
	class Class
}{
	{ErrUnauthorized, ClassAuthorization},
	{ErrForbidden, ClassAuthorization},
	{ErrNotFound, ClassConflict},
	{ErrAlreadyFinalized, ClassConflict},
	{ErrDuplicateOpenRequest, ClassConflict},
	{ErrInvalidTransition, ClassConflict},
	{ErrActionInProgress, ClassConflict},
	{ErrEscrowUnconfirmed, ClassConflict},
	{ErrStaleState, ClassConflict},
	{ErrTransferFinal, ClassConflict},
	{ErrWalletExists, ClassConflict},
	{ErrWalletNotConfigured, ClassPrecondition},
	{ErrRecipientWalletNotConfigured, ClassPrecondition},
	{ErrInsufficientFunds, ClassPrecondition},
	{ErrInvalidAmount, ClassInvalid},
	{ErrSelfTransfer, ClassInvalid},
	{ErrLedgerTransferFailed, ClassLedger},
	{ErrLedgerTimeout, ClassLedgerPending},
}

// ClassOf groups an engine error for transport mapping.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassUnknown
}
