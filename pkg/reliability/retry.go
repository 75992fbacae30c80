package reliability

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11
	return float64(n) / float64(uint64(1)<<53)
}

// RetryStrategy retries an operation with exponential backoff and jitter.
// MaxRetries counts retries after the first attempt, so MaxRetries=3 allows
// four calls in total.
type RetryStrategy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64

	// Retriable overrides the default error classification.
	Retriable func(error) bool
	// OnRetry runs before each wait with the attempt about to be made (1-based)
	// and the error that caused it.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryStrategy backs the gRPC transport's Replay and Heartbeat calls,
// which are safe to repeat.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
	}
}

// Execute runs fn until it succeeds, returns a non-retriable error, the
// retries run out, or ctx is done.
func (s *RetryStrategy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := s.BaseDelay
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	classify := s.Retriable
	if classify == nil {
		classify = IsRetriable
	}

	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt > 0 {
			// ±25% jitter
			wait := time.Duration(float64(delay) * (0.75 + cryptoRandFloat64()*0.5))
			if s.OnRetry != nil {
				s.OnRetry(attempt, wait, lastErr)
			}

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}

			delay = time.Duration(float64(delay) * multiplier)
			if s.MaxDelay > 0 && delay > s.MaxDelay {
				delay = s.MaxDelay
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", s.MaxRetries, lastErr)
}

// IsRetriable reports whether err is transient.
//
// Structured errors decide through their Retryable flag, with CONNECTION and
// TIMEOUT always treated as transient. gRPC statuses Unavailable,
// DeadlineExceeded, ResourceExhausted, Aborted, Internal and Unknown are
// transient. A cancelled context never is.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if e, ok := apperrors.As(err); ok {
		switch e.Code {
		case apperrors.ErrCodeConnection, apperrors.ErrCodeTimeout, apperrors.ErrCodeNotConnected:
			return true
		}
		return e.Retryable
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.Internal, codes.Unknown:
		return true
	default:
		return false
	}
}
