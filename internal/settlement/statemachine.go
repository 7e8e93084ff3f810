package settlement

import "fmt"

type Action string

const (
	ActionCreate   Action = "create"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// staffOnly reports whether an action requires a manager or admin.
func (a Action) staffOnly() bool {
	switch a {
	case ActionApprove, ActionReject, ActionComplete:
		return true
	default:
		return false
	}
}

// refunds reports whether the action returns escrowed funds to the owner.
func (a Action) refunds() bool {
	return a == ActionReject || a == ActionCancel
}

func (a Action) pending() PendingAction {
	switch a {
	case ActionReject:
		return PendingReject
	case ActionCancel:
		return PendingCancel
	default:
		return PendingNone
	}
}

// target is the status an action lands in once its side effects succeed.
func (a Action) target() Status {
	switch a {
	case ActionCreate:
		return StatusOpen
	case ActionApprove:
		return StatusPendingApproval
	case ActionReject:
		return StatusRejected
	case ActionComplete:
		return StatusTransferred
	case ActionCancel:
		return StatusCancelled
	default:
		panic(fmt.Sprintf("settlement: unknown action %q", a))
	}
}

func (a Action) event() string {
	switch a {
	case ActionCreate:
		return EventCreated
	case ActionApprove:
		return EventApproved
	case ActionReject:
		return EventRejected
	case ActionComplete:
		return EventCompleted
	case ActionCancel:
		return EventCancelled
	default:
		return string(a)
	}
}

func (p PendingAction) action() Action {
	if p == PendingReject {
		return ActionReject
	}
	return ActionCancel
}

// checkTransition validates a on p's current state without side effects.
//
//	open             --approve-->  pending_approval
//	open|pending     --reject--->  rejected     (refund)
//	open             --cancel--->  cancelled    (refund)
//	open|pending     --complete->  transferred
func checkTransition(p PayoutRequest, a Action) error {
	switch p.Status {
	case StatusRejected, StatusTransferred, StatusCancelled:
		return ErrAlreadyFinalized
	case StatusOpen, StatusPendingApproval:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, p.Status)
	}
	if p.PendingAction != PendingNone {
		return ErrActionInProgress
	}
	if p.EscrowState != EscrowConfirmed {
		return ErrEscrowUnconfirmed
	}

	switch a {
	case ActionApprove:
		if p.Status == StatusPendingApproval {
			return ErrAlreadyFinalized
		}
		return nil
	case ActionReject, ActionComplete:
		return nil
	case ActionCancel:
		if p.Status != StatusOpen {
			return ErrInvalidTransition
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, a)
	}
}
