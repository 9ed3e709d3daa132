package validate

import (
	"context"
	"fmt"
	"time"
)

type (
	// BrowserProbe abstracts the headless-browser session used for the
	// runtime smoke check. Implementations wrap Playwright or a comparable
	// driver; tests supply in-process fakes.
	BrowserProbe interface {
		// Goto navigates to the target URL.
		Goto(ctx context.Context, url string) error
		// WaitForBody blocks until the document body is attached.
		WaitForBody(ctx context.Context) error
		// ReadyState returns document.readyState.
		ReadyState(ctx context.Context) (string, error)
		// Screenshot captures the current viewport as PNG bytes.
		Screenshot(ctx context.Context) ([]byte, error)
	}

	// HardTimeoutError reports a smoke step that outlived its hard deadline.
	// The underlying browser call may still be running; the step result is
	// discarded.
	HardTimeoutError struct {
		Step    string
		Timeout time.Duration
	}

	// SmokeResult captures a completed runtime smoke probe.
	SmokeResult struct {
		ReadyState string
		Screenshot []byte
	}
)

// SmokeStepTimeout is the hard per-step deadline for browser operations.
const SmokeStepTimeout = 5 * time.Second

func (e *HardTimeoutError) Error() string {
	return fmt.Sprintf("validate: smoke step %s exceeded hard timeout %s", e.Step, e.Timeout)
}

// RunSmoke drives the probe against url. Every step races a hard timeout:
// a step that does not return within SmokeStepTimeout fails with
// *HardTimeoutError even if the underlying driver ignores its context.
func RunSmoke(ctx context.Context, probe BrowserProbe, url string) (SmokeResult, error) {
	var res SmokeResult
	if err := hardTimeout(ctx, "goto", func(ctx context.Context) error {
		return probe.Goto(ctx, url)
	}); err != nil {
		return res, err
	}
	if err := hardTimeout(ctx, "waitForBody", func(ctx context.Context) error {
		return probe.WaitForBody(ctx)
	}); err != nil {
		return res, err
	}
	if err := hardTimeout(ctx, "readyState", func(ctx context.Context) error {
		state, err := probe.ReadyState(ctx)
		res.ReadyState = state
		return err
	}); err != nil {
		return res, err
	}
	if err := hardTimeout(ctx, "screenshot", func(ctx context.Context) error {
		shot, err := probe.Screenshot(ctx)
		res.Screenshot = shot
		return err
	}); err != nil {
		return res, err
	}
	return res, nil
}

// hardTimeout runs fn and abandons it when the deadline passes. The spawned
// goroutine drains fn's result so it never leaks a blocked send.
func hardTimeout(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, SmokeStepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(cctx) }()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &HardTimeoutError{Step: step, Timeout: SmokeStepTimeout}
	}
}

// SmokeErrors converts a smoke failure into findings. Hard timeouts and
// navigation failures are build-category (the served bundle is broken);
// cancellation passes through untyped.
func SmokeErrors(err error) []ParsedError {
	if err == nil {
		return nil
	}
	return []ParsedError{{
		Category: CategoryBuildError,
		Message:  "runtime smoke check failed: " + err.Error(),
		Raw:      err.Error(),
	}}
}
