package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// StopReason tells why a pass stopped pulling history.
type StopReason string

const (
	// StopWatermark: the pass reached the persisted watermark.
	StopWatermark StopReason = "watermark"
	// StopOrigin: history ran out and there was no watermark to look for.
	StopOrigin StopReason = "origin"
	// StopWatermarkMissing: history ran out before the persisted watermark
	// showed up. The remote was most likely rewritten, so the pass does not
	// compact.
	StopWatermarkMissing StopReason = "watermark_missing"
	// StopLimit: the pass hit Options.Limit. No compaction happens.
	StopLimit StopReason = "limit"
)

type Options struct {
	// Limit caps the number of commits pulled from history. Zero means no cap.
	Limit int
}

type Result struct {
	Commits []AnnotatedCommit
	// Updated is the compacted read-state, nil when the pass had nothing to
	// compact.
	Updated *ReadState
	Stop    StopReason
	Pulled  int
}

// Reconcile walks history newest-first and classifies each commit against
// state.
//
// Commits in the exception set are held back on a stack until a new commit
// shows up; the stack is then flushed oldest-first as viewed, followed by the
// new commit. A stack left over when the walk meets the watermark (or the
// origin) is a viewed run adjacent to it: it is not emitted, and the watermark
// moves to its newest member. When the walk stops at the limit or runs out
// without meeting the watermark, the leftover stack is flushed as viewed and
// nothing is compacted.
//
// If history implements Detailer, emitted commits are passed through it.
// Any error from history aborts the pass without a result.
func Reconcile(ctx context.Context, state ReadState, history History, opts Options) (Result, error) {
	var (
		pending []RemoteCommit
		commits = make([]AnnotatedCommit, 0)
		pulled  int
		stop    StopReason
	)
	detailer, _ := history.(Detailer)
	emit := func(commit RemoteCommit, viewed bool) error {
		if detailer != nil {
			detailed, err := detailer.Details(ctx, commit)
			if err != nil {
				return fmt.Errorf("commit details %s: %w", commit.ID.Short(), err)
			}
			commit = detailed
		}
		commits = append(commits, annotate(commit, viewed))
		return nil
	}
	flush := func() error {
		for i := len(pending) - 1; i >= 0; i-- {
			if err := emit(pending[i], true); err != nil {
				return err
			}
		}
		pending = pending[:0]
		return nil
	}

	for {
		if opts.Limit > 0 && pulled >= opts.Limit {
			stop = StopLimit
			break
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		commit, err := history.Next(ctx)
		if errors.Is(err, io.EOF) {
			stop = StopOrigin
			if !state.Watermark.IsZero() {
				stop = StopWatermarkMissing
			}
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("pull commit %d: %w", pulled+1, err)
		}
		pulled++

		if !state.Watermark.IsZero() && commit.ID == state.Watermark {
			stop = StopWatermark
			break
		}
		if state.Exceptions.Has(commit.ID) {
			pending = append(pending, commit)
			continue
		}

		if err := flush(); err != nil {
			return Result{}, err
		}
		if err := emit(commit, false); err != nil {
			return Result{}, err
		}
	}

	result := Result{Stop: stop, Pulled: pulled}
	switch {
	case len(pending) == 0:
	case stop == StopWatermark || stop == StopOrigin:
		updated := ReadState{
			Watermark:  pending[0].ID,
			Exceptions: state.Exceptions.Clone(),
		}
		for _, commit := range pending {
			delete(updated.Exceptions, commit.ID)
		}
		result.Updated = &updated
	default:
		if err := flush(); err != nil {
			return Result{}, err
		}
	}
	result.Commits = commits
	return result, nil
}
