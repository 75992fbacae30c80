package grpctransport

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

var codeToStatus = map[apperrors.ErrorCode]codes.Code{
	apperrors.ErrCodeAuth:             codes.Unauthenticated,
	apperrors.ErrCodeNotAuthenticated: codes.Unauthenticated,
	apperrors.ErrCodeConnection:       codes.Unavailable,
	apperrors.ErrCodeNotConnected:     codes.Unavailable,
	apperrors.ErrCodeTimeout:          codes.DeadlineExceeded,
	apperrors.ErrCodeInvalidInput:     codes.InvalidArgument,
	apperrors.ErrCodeInvalidKey:       codes.InvalidArgument,
	apperrors.ErrCodeSubscribe:        codes.FailedPrecondition,
	apperrors.ErrCodeNotFound:         codes.NotFound,
	apperrors.ErrCodeClosed:           codes.Unavailable,
}

// ToStatus converts an error returned by the node into a gRPC status error.
// The structured code travels in the status message prefix so the client can
// rebuild it.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	e, ok := apperrors.As(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	code, ok := codeToStatus[e.Code]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, e.Message)
}

// FromStatus converts a gRPC error into the shared taxonomy.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return apperrors.Wrap(err, apperrors.ErrCodeConnection, "transport failure").WithRetryable(true)
	}

	msg := st.Message()
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return apperrors.Wrap(err, apperrors.ErrCodeAuth, msg)
	case codes.Unavailable:
		return apperrors.Wrap(err, apperrors.ErrCodeConnection, msg).WithRetryable(true)
	case codes.DeadlineExceeded:
		return apperrors.Wrap(err, apperrors.ErrCodeTimeout, msg).WithRetryable(true)
	case codes.Canceled:
		return apperrors.Wrap(context.Canceled, apperrors.ErrCodeClosed, msg)
	case codes.InvalidArgument:
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, msg)
	case codes.NotFound:
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, msg)
	case codes.FailedPrecondition:
		return apperrors.Wrap(err, apperrors.ErrCodeSubscribe, msg)
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeServer, msg)
	}
}
