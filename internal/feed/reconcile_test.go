package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"commitnews/api/internal/sha"
)

const (
	A = 0xa
	B = 0xb
	C = 0xc
	D = 0xd
	E = 0xe
	F = 0xf
)

func commitID(n int) sha.SHA {
	return sha.MustParse(fmt.Sprintf("%040x", n))
}

func remoteHistory(ns ...int) *SliceHistory {
	commits := make([]RemoteCommit, 0, len(ns))
	for _, n := range ns {
		commits = append(commits, RemoteCommit{
			ID:        commitID(n),
			Message:   fmt.Sprintf("commit %x", n),
			Link:      fmt.Sprintf("https://github.com/octo/demo/commit/%s", commitID(n)),
			Additions: n,
			Deletions: 1,
		})
	}
	return NewSliceHistory(commits...)
}

func stateOf(watermark int, exceptions ...int) ReadState {
	state := NewReadState()
	if watermark != 0 {
		state.Watermark = commitID(watermark)
	}
	for _, n := range exceptions {
		state.Exceptions[commitID(n)] = struct{}{}
	}
	return state
}

type emitted struct {
	n      int
	viewed bool
}

func assertCommits(t *testing.T, got []AnnotatedCommit, want ...emitted) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d commits, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].ID != commitID(w.n) || got[i].Viewed != w.viewed {
			t.Fatalf("commit %d: got %s viewed=%v, want %s viewed=%v", i, got[i].ID.Short(), got[i].Viewed, commitID(w.n).Short(), w.viewed)
		}
	}
}

func TestReconcileAllNewWithoutWatermark(t *testing.T) {
	result, err := Reconcile(context.Background(), stateOf(0), remoteHistory(A, B, C), Options{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	assertCommits(t, result.Commits, emitted{A, false}, emitted{B, false}, emitted{C, false})
	if result.Updated != nil {
		t.Fatalf("expected no state update, got %+v", result.Updated)
	}
	if result.Stop != StopOrigin {
		t.Fatalf("expected stop at origin, got %s", result.Stop)
	}
}

func TestReconcileCompactsRunAdjacentToWatermark(t *testing.T) {
	result, err := Reconcile(context.Background(), stateOf(C, B), remoteHistory(A, B, C, D), Options{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	assertCommits(t, result.Commits, emitted{A, false})
	if result.Stop != StopWatermark {
		t.Fatalf("expected stop at watermark, got %s", result.Stop)
	}
	if result.Updated == nil {
		t.Fatal("expected compaction")
	}
	if !result.Updated.Equal(stateOf(B)) {
		t.Fatalf("unexpected state: watermark=%s exceptions=%v", result.Updated.Watermark, result.Updated.Exceptions.Sorted())
	}
	if result.Pulled != 3 {
		t.Fatalf("expected 3 pulls, got %d", result.Pulled)
	}
}

func TestReconcileCompactsRunReachingOrigin(t *testing.T) {
	result, err := Reconcile(context.Background(), stateOf(0, A, B), remoteHistory(A, B), Options{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	assertCommits(t, result.Commits)
	if result.Updated == nil || !result.Updated.Equal(stateOf(A)) {
		t.Fatalf("expected watermark A with no exceptions, got %+v", result.Updated)
	}
}

func TestReconcileNoOpPass(t *testing.T) {
	tests := []struct {
		name    string
		state   ReadState
		history *SliceHistory
	}{
		{name: "empty history", state: stateOf(0), history: remoteHistory()},
		{name: "watermark is the head", state: stateOf(C, A), history: remoteHistory(C, D)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Reconcile(context.Background(), tc.state, tc.history, Options{})
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if len(result.Commits) != 0 || result.Updated != nil {
				t.Fatalf("expected empty pass, got %+v", result)
			}
		})
	}
}

func TestReconcileDrainsViewedRunsOldestFirst(t *testing.T) {
	// history: A new, B C viewed, D new, E viewed, F is the watermark
	result, err := Reconcile(context.Background(), stateOf(F, B, C, E), remoteHistory(A, B, C, D, E, F), Options{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	assertCommits(t, result.Commits,
		emitted{A, false},
		emitted{C, true},
		emitted{B, true},
		emitted{D, false},
	)
	if result.Updated == nil || !result.Updated.Equal(stateOf(E, B, C)) {
		t.Fatalf("expected watermark E keeping B and C, got %+v", result.Updated)
	}
}

func TestReconcileKeepsExceptionsWhenRunIsInterrupted(t *testing.T) {
	result, err := Reconcile(context.Background(), stateOf(C, A), remoteHistory(A, B, C), Options{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	assertCommits(t, result.Commits, emitted{A, true}, emitted{B, false})
	if result.Updated != nil {
		t.Fatalf("expected no compaction, got %+v", result.Updated)
	}
}

func TestReconcileMissingWatermarkDoesNotCompact(t *testing.T) {
	result, err := Reconcile(context.Background(), stateOf(F, B, C), remoteHistory(A, B, C), Options{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if result.Stop != StopWatermarkMissing {
		t.Fatalf("expected missing watermark, got %s", result.Stop)
	}
	// the trailing viewed run is still shown, oldest first
	assertCommits(t, result.Commits, emitted{A, false}, emitted{C, true}, emitted{B, true})
	if result.Updated != nil {
		t.Fatalf("expected no compaction, got %+v", result.Updated)
	}
}

func TestReconcileLimitStopsWithoutCompaction(t *testing.T) {
	history := remoteHistory(A, B, C, D)
	result, err := Reconcile(context.Background(), stateOf(D, C), history, Options{Limit: 3})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if result.Stop != StopLimit {
		t.Fatalf("expected limit stop, got %s", result.Stop)
	}
	assertCommits(t, result.Commits, emitted{A, false}, emitted{B, false}, emitted{C, true})
	if result.Updated != nil {
		t.Fatalf("expected no compaction at limit, got %+v", result.Updated)
	}
	if history.Pulls() != 3 {
		t.Fatalf("expected 3 pulls, got %d", history.Pulls())
	}
}

// detailedHistory fills in stats on demand and records which commits were
// looked up.
type detailedHistory struct {
	*SliceHistory
	looked []sha.SHA
	err    error
}

func (h *detailedHistory) Details(_ context.Context, commit RemoteCommit) (RemoteCommit, error) {
	if h.err != nil {
		return RemoteCommit{}, h.err
	}
	h.looked = append(h.looked, commit.ID)
	commit.Additions = 99
	return commit, nil
}

func TestReconcileLooksUpDetailsForEmittedCommitsOnly(t *testing.T) {
	history := &detailedHistory{SliceHistory: remoteHistory(A, B, C, D, E, F)}
	result, err := Reconcile(context.Background(), stateOf(F, B, C, E), history, Options{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	assertCommits(t, result.Commits,
		emitted{A, false},
		emitted{C, true},
		emitted{B, true},
		emitted{D, false},
	)
	// E is compacted and F is the watermark; neither is looked up
	want := []sha.SHA{commitID(A), commitID(C), commitID(B), commitID(D)}
	if len(history.looked) != len(want) {
		t.Fatalf("expected %d lookups, got %d", len(want), len(history.looked))
	}
	for i := range want {
		if history.looked[i] != want[i] {
			t.Fatalf("lookup %d: got %s want %s", i, history.looked[i].Short(), want[i].Short())
		}
	}
	for _, commit := range result.Commits {
		if commit.Additions != 99 {
			t.Fatalf("commit %s was not detailed", commit.ID.Short())
		}
	}
}

func TestReconcileNoNewsNeedsNoDetails(t *testing.T) {
	history := &detailedHistory{SliceHistory: remoteHistory(C, D)}
	result, err := Reconcile(context.Background(), stateOf(C), history, Options{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(result.Commits) != 0 || len(history.looked) != 0 {
		t.Fatalf("expected no commits and no lookups, got %d commits, %d lookups", len(result.Commits), len(history.looked))
	}
}

func TestReconcileDetailErrorIsAllOrNothing(t *testing.T) {
	boom := fmt.Errorf("%w: stats unavailable", ErrSourceUnavailable)
	history := &detailedHistory{SliceHistory: remoteHistory(A, B), err: boom}
	result, err := Reconcile(context.Background(), stateOf(0, B), history, Options{})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("Reconcile() error = %v, want ErrSourceUnavailable", err)
	}
	if result.Commits != nil || result.Updated != nil {
		t.Fatalf("expected zero result on error, got %+v", result)
	}
}

func TestReconcileSourceErrorIsAllOrNothing(t *testing.T) {
	boom := fmt.Errorf("%w: connection reset", ErrSourceUnavailable)
	history := remoteHistory(A, B, C).FailAfter(2, boom)
	result, err := Reconcile(context.Background(), stateOf(0, B), history, Options{})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("Reconcile() error = %v, want ErrSourceUnavailable", err)
	}
	if result.Commits != nil || result.Updated != nil {
		t.Fatalf("expected zero result on error, got %+v", result)
	}
}

func TestReconcileHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Reconcile(ctx, stateOf(0), remoteHistory(A), Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Reconcile() error = %v, want context.Canceled", err)
	}
}

func TestReconcileDoesNotMutateInputState(t *testing.T) {
	state := stateOf(C, A, B)
	if _, err := Reconcile(context.Background(), state, remoteHistory(A, B, C), Options{}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !state.Equal(stateOf(C, A, B)) {
		t.Fatalf("input state changed: %+v", state)
	}
}

func TestMarkAndUnmarkViewed(t *testing.T) {
	base := stateOf(C)
	marked := base.MarkViewed(commitID(A))
	if !marked.Exceptions.Has(commitID(A)) {
		t.Fatal("expected A to be marked")
	}
	if base.Exceptions.Has(commitID(A)) {
		t.Fatal("MarkViewed mutated its receiver")
	}
	if again := marked.MarkViewed(commitID(A)); again.Exceptions.Len() != 1 {
		t.Fatalf("expected marking twice to be idempotent, got %v", again.Exceptions.Sorted())
	}

	unmarked := marked.UnmarkViewed(commitID(A))
	if unmarked.Exceptions.Has(commitID(A)) {
		t.Fatal("expected A to be unmarked")
	}
	if noop := base.UnmarkViewed(commitID(B)); !noop.Equal(base) {
		t.Fatalf("expected unmarking an absent commit to be a no-op, got %+v", noop)
	}
	if unmarked.Watermark != commitID(C) {
		t.Fatalf("watermark changed: %s", unmarked.Watermark)
	}
}

func TestApplyCompaction(t *testing.T) {
	base := stateOf(C, A, B)
	updated := stateOf(B, A)

	t.Run("keeps exceptions marked during the pass", func(t *testing.T) {
		current := base.MarkViewed(commitID(D))
		next, ok := ApplyCompaction(current, base, updated)
		if !ok {
			t.Fatal("expected compaction to apply")
		}
		if !next.Equal(stateOf(B, A, D)) {
			t.Fatalf("unexpected state: watermark=%s exceptions=%v", next.Watermark, next.Exceptions.Sorted())
		}
	})

	t.Run("skips when the watermark moved", func(t *testing.T) {
		current := stateOf(A)
		next, ok := ApplyCompaction(current, base, updated)
		if ok {
			t.Fatal("expected compaction to be skipped")
		}
		if !next.Equal(current) {
			t.Fatalf("expected current state back, got %+v", next)
		}
	})
}
