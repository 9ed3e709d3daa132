// Package retry provides declarative retry for pipeline stages and model
// calls. It includes exponential backoff that races run cancellation and a
// transient-error classifier shared by all stages so retry decisions are
// deterministic.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// Spec configures retry behavior for an operation.
	Spec struct {
		// MaxAttempts is the maximum number of attempts (including the initial
		// attempt). A value of 0 or 1 means no retries.
		MaxAttempts int
		// BaseDelay is the backoff delay before the first retry. Attempt n
		// sleeps BaseDelay * 2^(n-1).
		BaseDelay time.Duration
		// Classifier decides whether a failure is transient and worth another
		// attempt. Defaults to IsTransient.
		Classifier func(error) bool
		// Sleep overrides the backoff sleep, primarily for tests. It must
		// honor ctx cancellation. Defaults to a timer racing ctx.Done().
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// ExhaustedError is returned when all attempts failed with transient errors.
	ExhaustedError struct {
		// Attempts is the number of attempts made.
		Attempts int
		// LastError is the error from the last attempt.
		LastError error
	}

	// Classifiable is implemented by errors that carry an explicit
	// retryability marker, an HTTP-like status, or a provider code. Provider
	// adapters surface these so transient classification stays deterministic.
	Classifiable interface {
		error
		// Retryable reports whether retrying may succeed without changing
		// the request.
		Retryable() bool
		// Status returns the HTTP-like status code, 0 when unknown.
		Status() int
		// Code returns the provider or syscall error code, empty when unknown.
		Code() string
	}
)

// DefaultSpec returns the stage-level retry defaults: 3 attempts with a
// 1500 ms backoff base.
func DefaultSpec() Spec {
	return Spec{
		MaxAttempts: 3,
		BaseDelay:   1500 * time.Millisecond,
	}
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// transientStatuses are the HTTP-like statuses eligible for retry.
var transientStatuses = map[int]bool{
	0: true, 408: true, 409: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// transientCodes are the numeric/string error codes eligible for retry.
var transientCodes = map[string]bool{
	"ECONNRESET":              true,
	"ETIMEDOUT":               true,
	"ECONNREFUSED":            true,
	"ENOTFOUND":               true,
	"EAI_AGAIN":               true,
	"UND_ERR_CONNECT_TIMEOUT": true,
	"UND_ERR_HEADERS_TIMEOUT": true,
	"UND_ERR_SOCKET":          true,
}

// transientMessages are message fragments that mark a failure transient.
var transientMessages = []string{
	"fetch failed",
	"network",
	"socket hang up",
	"timed out",
	"timeout",
	"connection reset",
	"temporarily unavailable",
}

// IsTransient reports whether a failure is eligible for stage-level retry.
// A failure is transient iff it carries retryable=true, its HTTP-like status
// is in the transient set, its code is in the transient code set, or its
// message matches one of the known transient fragments. Cancellation is never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var c Classifiable
	if errors.As(err, &c) {
		if c.Retryable() {
			return true
		}
		// Status 0 marks a failure before any HTTP response (DNS, connect,
		// socket teardown) and counts as transient.
		if transientStatuses[c.Status()] {
			return true
		}
		if code := c.Code(); code != "" && transientCodes[code] {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range transientMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	for code := range transientCodes {
		if strings.Contains(msg, strings.ToLower(code)) {
			return true
		}
	}
	return false
}

// Do runs op under the spec. Non-transient failures propagate immediately.
// Transient failures back off BaseDelay * 2^(attempt-1) between attempts,
// racing ctx so cancellation interrupts the sleep. Exhausted retries return
// an ExhaustedError wrapping the last failure.
func Do[T any](ctx context.Context, spec Spec, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	classify := spec.Classifier
	if classify == nil {
		classify = IsTransient
	}
	sleep := spec.Sleep
	if sleep == nil {
		sleep = sleepTimer
	}
	attempts := spec.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !classify(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}
		delay := spec.BaseDelay << (attempt - 1)
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, LastError: lastErr}
}

func sleepTimer(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
