package feed

import (
	"context"
	"errors"
	"io"
	"time"

	"commitnews/api/internal/sha"
)

var (
	// ErrSourceUnavailable marks retryable commit source failures: network
	// errors, server errors and rate limiting.
	ErrSourceUnavailable = errors.New("commit source unavailable")
	// ErrRepositoryUnavailable marks permanent failures: the repository is
	// gone, private, or returned data that failed validation.
	ErrRepositoryUnavailable = errors.New("repository unavailable")
)

// RemoteCommit is one entry of a remote history.
type RemoteCommit struct {
	ID           sha.SHA
	Message      string
	Link         string
	Additions    int
	Deletions    int
	LastModified *time.Time
}

// AnnotatedCommit is a feed entry.
type AnnotatedCommit struct {
	ID           sha.SHA
	Name         string
	Link         string
	Additions    int
	Deletions    int
	LastModified *time.Time
	Viewed       bool
}

func annotate(commit RemoteCommit, viewed bool) AnnotatedCommit {
	return AnnotatedCommit{
		ID:           commit.ID,
		Name:         commit.Message,
		Link:         commit.Link,
		Additions:    commit.Additions,
		Deletions:    commit.Deletions,
		LastModified: commit.LastModified,
		Viewed:       viewed,
	}
}

// History is a pull-based, newest-first commit sequence. Next returns io.EOF
// once the oldest commit has been returned.
type History interface {
	Next(ctx context.Context) (RemoteCommit, error)
}

// Detailer is implemented by histories whose Next returns commits without
// stats. Reconcile calls Details only for commits it emits, so the watermark
// and compacted runs never cost a detail lookup.
type Detailer interface {
	Details(ctx context.Context, commit RemoteCommit) (RemoteCommit, error)
}

// SliceHistory serves a fixed history, optionally failing after a number of
// pulls. It backs tests and dry runs.
type SliceHistory struct {
	commits []RemoteCommit
	pos     int
	failAt  int
	failErr error
	pulls   int
}

func NewSliceHistory(commits ...RemoteCommit) *SliceHistory {
	return &SliceHistory{commits: commits, failAt: -1}
}

// FailAfter makes the pull after n successful pulls return err.
func (h *SliceHistory) FailAfter(n int, err error) *SliceHistory {
	h.failAt = n
	h.failErr = err
	return h
}

// Pulls reports how many times Next was called.
func (h *SliceHistory) Pulls() int {
	return h.pulls
}

func (h *SliceHistory) Next(ctx context.Context) (RemoteCommit, error) {
	h.pulls++
	if err := ctx.Err(); err != nil {
		return RemoteCommit{}, err
	}
	if h.failAt >= 0 && h.pos == h.failAt {
		return RemoteCommit{}, h.failErr
	}
	if h.pos >= len(h.commits) {
		return RemoteCommit{}, io.EOF
	}
	commit := h.commits[h.pos]
	h.pos++
	return commit, nil
}

var _ History = (*SliceHistory)(nil)
