// Package feed reconciles a repository's remote commit history against the
// user's persisted read-state.
//
// Read-state is a watermark plus a small exception set. Everything at or
// behind the watermark has been viewed. Exceptions are commits newer than the
// watermark that were marked viewed one by one. Each reconciliation pass slides
// the watermark over the longest trailing run of viewed commits, so the
// exception set only ever holds commits that were skipped around.
package feed

import "commitnews/api/internal/sha"

// ReadState is the persisted per-repository review progress.
type ReadState struct {
	// Watermark is the newest commit of the trailing fully-viewed run.
	// Zero when no history has been synchronized yet.
	Watermark  sha.SHA
	Exceptions sha.Set
}

func NewReadState() ReadState {
	return ReadState{Exceptions: sha.NewSet()}
}

func (s ReadState) Clone() ReadState {
	return ReadState{Watermark: s.Watermark, Exceptions: s.Exceptions.Clone()}
}

// MarkViewed adds id to the exception set. Its position relative to the
// watermark is not checked; the next pass compacts it away if needed.
func (s ReadState) MarkViewed(id sha.SHA) ReadState {
	next := s.Clone()
	next.Exceptions[id] = struct{}{}
	return next
}

// UnmarkViewed removes id from the exception set. Commits covered by the
// watermark stay viewed.
func (s ReadState) UnmarkViewed(id sha.SHA) ReadState {
	next := s.Clone()
	delete(next.Exceptions, id)
	return next
}

func (s ReadState) Equal(other ReadState) bool {
	return s.Watermark == other.Watermark && s.Exceptions.Equal(other.Exceptions)
}

// ApplyCompaction replays the compaction a pass computed from base onto the
// state persisted now. It reports false, leaving current untouched, when the
// watermark moved since the pass read base. Exceptions marked after the pass
// started survive; only the ones the pass absorbed into the new watermark are
// dropped.
func ApplyCompaction(current, base, updated ReadState) (ReadState, bool) {
	if current.Watermark != base.Watermark {
		return current, false
	}
	next := current.Clone()
	next.Watermark = updated.Watermark
	for id := range base.Exceptions {
		if !updated.Exceptions.Has(id) {
			delete(next.Exceptions, id)
		}
	}
	return next, true
}
