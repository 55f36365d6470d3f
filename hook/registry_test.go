package hook_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/hook"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobSubmitted")
	return nil
}

func (e *allHooksExt) OnJobQueued(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobQueued")
	return nil
}

func (e *allHooksExt) OnJobClaimed(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobClaimed")
	return nil
}

func (e *allHooksExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobCompleted")
	return nil
}

func (e *allHooksExt) OnJobFailed(_ context.Context, _ *job.Job, _ job.Failure) error {
	e.calls = append(e.calls, "OnJobFailed")
	return nil
}

func (e *allHooksExt) OnJobRequeued(_ context.Context, _ *job.Job, _ int) error {
	e.calls = append(e.calls, "OnJobRequeued")
	return nil
}

func (e *allHooksExt) OnJobCancelled(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobCancelled")
	return nil
}

func (e *allHooksExt) OnJobTimedOut(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobTimedOut")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// terminalOnlyExt only implements the terminal hooks.
type terminalOnlyExt struct {
	calls []string
}

func (e *terminalOnlyExt) Name() string { return "terminal-only" }

func (e *terminalOnlyExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobCompleted")
	return nil
}

func (e *terminalOnlyExt) OnJobFailed(_ context.Context, _ *job.Job, _ job.Failure) error {
	e.calls = append(e.calls, "OnJobFailed")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnJobQueued(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	all := &allHooksExt{}
	term := &terminalOnlyExt{}
	r.Register(all)
	r.Register(term)

	ctx := context.Background()
	j := &job.Job{}

	// Both implement OnJobCompleted → both called.
	r.EmitJobCompleted(ctx, j, time.Second)
	if len(all.calls) != 1 || all.calls[0] != "OnJobCompleted" {
		t.Fatalf("all: expected [OnJobCompleted], got %v", all.calls)
	}
	if len(term.calls) != 1 || term.calls[0] != "OnJobCompleted" {
		t.Fatalf("term: expected [OnJobCompleted], got %v", term.calls)
	}

	// Only all implements OnJobQueued → term not called.
	r.EmitJobQueued(ctx, j)
	if len(all.calls) != 2 || all.calls[1] != "OnJobQueued" {
		t.Fatalf("all: expected OnJobQueued as 2nd, got %v", all.calls)
	}
	if len(term.calls) != 1 {
		t.Fatalf("term: should still have 1 call, got %v", term.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	j := &job.Job{}

	r.EmitJobSubmitted(ctx, j)
	r.EmitJobQueued(ctx, j)
	r.EmitJobClaimed(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, job.Failure{Code: job.CodeWorkerFailed, Message: "fail"})
	r.EmitJobRequeued(ctx, j, 2)
	r.EmitJobCancelled(ctx, j)
	r.EmitJobTimedOut(ctx, j)
	r.EmitShutdown(ctx)

	expected := []string{
		"OnJobSubmitted", "OnJobQueued", "OnJobClaimed", "OnJobCompleted",
		"OnJobFailed", "OnJobRequeued", "OnJobCancelled", "OnJobTimedOut",
		"OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	failing := &failingExt{}
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(failing)
	r.Register(all)

	ctx := context.Background()

	// No panic, no error propagation. allHooksExt should still fire.
	r.EmitJobQueued(ctx, &job.Job{})

	if len(all.calls) != 1 || all.calls[0] != "OnJobQueued" {
		t.Fatalf("all: expected [OnJobQueued] despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := hook.NewRegistry(slog.Default())
	ctx := context.Background()

	// None of these should panic or error.
	r.EmitJobSubmitted(ctx, &job.Job{})
	r.EmitJobQueued(ctx, &job.Job{})
	r.EmitJobClaimed(ctx, &job.Job{})
	r.EmitJobCompleted(ctx, &job.Job{}, time.Second)
	r.EmitJobFailed(ctx, &job.Job{}, job.Failure{})
	r.EmitJobRequeued(ctx, &job.Job{}, 1)
	r.EmitJobCancelled(ctx, &job.Job{})
	r.EmitJobTimedOut(ctx, &job.Job{})
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	ext1 := &allHooksExt{}
	ext2 := &allHooksExt{}
	r.Register(ext1)
	r.Register(ext2)

	ctx := context.Background()
	r.EmitJobQueued(ctx, &job.Job{})

	// Both should be called.
	if len(ext1.calls) != 1 {
		t.Errorf("ext1: expected 1 call, got %d", len(ext1.calls))
	}
	if len(ext2.calls) != 1 {
		t.Errorf("ext2: expected 1 call, got %d", len(ext2.calls))
	}
}
