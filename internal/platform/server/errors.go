package server

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
)

func className(c settlement.Class) string {
	switch c {
	case settlement.ClassAuthorization:
		return "authorization"
	case settlement.ClassConflict:
		return "conflict"
	case settlement.ClassPrecondition:
		return "precondition"
	case settlement.ClassInvalid:
		return "invalid"
	case settlement.ClassLedger:
		return "ledger"
	case settlement.ClassLedgerPending:
		return "ledger_pending"
	default:
		return "internal"
	}
}

func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, settlement.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound
	}
	switch settlement.ClassOf(err) {
	case settlement.ClassConflict:
		return http.StatusConflict
	case settlement.ClassPrecondition:
		return http.StatusUnprocessableEntity
	case settlement.ClassInvalid:
		return http.StatusBadRequest
	case settlement.ClassLedger:
		return http.StatusBadGateway
	case settlement.ClassLedgerPending:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, errInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, settlement.ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, settlement.ErrForbidden):
		return codes.PermissionDenied
	case errors.Is(err, settlement.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, settlement.ErrDuplicateOpenRequest), errors.Is(err, settlement.ErrWalletExists):
		return codes.AlreadyExists
	case errors.Is(err, settlement.ErrStaleState):
		return codes.Aborted
	}
	switch settlement.ClassOf(err) {
	case settlement.ClassConflict, settlement.ClassPrecondition:
		return codes.FailedPrecondition
	case settlement.ClassInvalid:
		return codes.InvalidArgument
	case settlement.ClassLedger:
		return codes.Unavailable
	case settlement.ClassLedgerPending:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// publicMessage hides unclassified errors from clients.
func publicMessage(err error) string {
	if errors.Is(err, errInvalidRequest) || settlement.ClassOf(err) != settlement.ClassUnknown {
		return err.Error()
	}
	return "internal error"
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(grpcCode(err), publicMessage(err))
}

func classOf(err error) settlement.Class {
	if errors.Is(err, errInvalidRequest) {
		return settlement.ClassInvalid
	}
	return settlement.ClassOf(err)
}
