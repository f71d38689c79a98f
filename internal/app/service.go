package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"commitnews/api/internal/config"
	"commitnews/api/internal/feed"
	"commitnews/api/internal/sha"
	"commitnews/api/internal/store"
)

type dataStore interface {
	ListRepositories(context.Context) ([]store.Repository, error)
	GetRepository(context.Context, uuid.UUID) (store.Repository, error)
	InsertRepository(context.Context, string, string) (store.Repository, error)
	DeleteRepository(context.Context, uuid.UUID) error
	ModifyReadState(context.Context, uuid.UUID, func(feed.ReadState) (feed.ReadState, error)) (store.Repository, error)
	MarkSynced(context.Context, uuid.UUID, time.Time) error
	Ping(context.Context) error
}

// CommitSource opens the remote history of a tracked repository.
type CommitSource interface {
	History(context.Context, store.Repository) (feed.History, error)
}

type pinger interface {
	Ping(context.Context) error
}

// mirrorSource is a CommitSource that keeps local copies of repositories.
type mirrorSource interface {
	Forget(store.Repository) error
}

// RepositoryNews is the outcome of one feed pass. Err is set when the
// repository could not be reconciled; its read-state is then untouched.
type RepositoryNews struct {
	Repository store.Repository
	Commits    []feed.AnnotatedCommit
	Stop       feed.StopReason
	Compacted  bool
	Err        error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	source CommitSource
	logger *slog.Logger
	cache  pinger
	passes singleflight.Group
	now    func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, source CommitSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// Bootstrap tracks every seeded repository that is not tracked yet.
func (s *Service) Bootstrap(ctx context.Context, seeds config.Seeds) error {
	if len(seeds.Repositories) == 0 {
		return nil
	}
	existing, err := s.store.ListRepositories(ctx)
	if err != nil {
		return err
	}
	tracked := make(map[string]bool, len(existing))
	for _, repo := range existing {
		tracked[repo.URL] = true
	}

	for _, seed := range seeds.Repositories {
		if tracked[seed.URL] {
			continue
		}
		name := seed.Name
		if name == "" {
			name = repositoryName(seed.URL)
		}
		repo, err := s.store.InsertRepository(ctx, name, seed.URL)
		if errors.Is(err, store.ErrDuplicateRepository) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed repository %s: %w", seed.URL, err)
		}
		s.logger.Info("repository seeded", "repo_id", repo.ID, "name", repo.Name, "url", repo.URL)
	}
	return nil
}

// News reconciles every tracked repository. A failing repository gets its
// own error and does not affect the others. The whole feed shares one
// FeedTimeout deadline; repositories not reached by then report a timeout.
func (s *Service) News(ctx context.Context) ([]RepositoryNews, error) {
	repos, err := s.store.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	if s.cfg.FeedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FeedTimeout)
		defer cancel()
	}

	items := make([]RepositoryNews, len(repos))
	var group errgroup.Group
	group.SetLimit(max(s.cfg.FeedConcurrency, 1))
	for i, repo := range repos {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i] = unfinished(repo, err)
				return nil
			}
			items[i] = s.sharedPass(ctx, repo)
			return nil
		})
	}
	_ = group.Wait()
	return items, nil
}

// RepositoryNews reconciles a single repository.
func (s *Service) RepositoryNews(ctx context.Context, repoID uuid.UUID) (RepositoryNews, error) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return RepositoryNews{}, err
	}
	item := s.sharedPass(ctx, repo)
	if item.Err != nil {
		return item, syncDomainError(item.Err)
	}
	return item, nil
}

// sharedPass collapses concurrent passes over one repository into one. The
// pass is detached from the caller that started it and bounded by
// FeedTimeout alone; each caller stops waiting when its own ctx ends.
func (s *Service) sharedPass(ctx context.Context, repo store.Repository) RepositoryNews {
	results := s.passes.DoChan(repo.ID.String(), func() (any, error) {
		return s.pass(context.WithoutCancel(ctx), repo), nil
	})
	select {
	case res := <-results:
		return res.Val.(RepositoryNews)
	case <-ctx.Done():
		return unfinished(repo, ctx.Err())
	}
}

func unfinished(repo store.Repository, err error) RepositoryNews {
	return RepositoryNews{Repository: repo, Commits: []feed.AnnotatedCommit{}, Err: err}
}

func (s *Service) pass(ctx context.Context, repo store.Repository) RepositoryNews {
	if s.cfg.FeedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FeedTimeout)
		defer cancel()
	}
	started := s.now()
	item := RepositoryNews{Repository: repo, Commits: []feed.AnnotatedCommit{}}

	history, err := s.source.History(ctx, repo)
	if err != nil {
		return s.failed(item, err)
	}
	if closer, ok := history.(io.Closer); ok {
		defer closer.Close()
	}

	result, err := feed.Reconcile(ctx, repo.State, history, feed.Options{Limit: s.cfg.FeedMaxCommits})
	if err != nil {
		return s.failed(item, err)
	}
	item.Commits = result.Commits
	item.Stop = result.Stop

	if result.Updated != nil {
		updated, applied, err := s.persistCompaction(ctx, repo, *result.Updated)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			s.logger.Info("repository untracked during feed pass", "repo_id", repo.ID)
		case err != nil:
			// the next pass recomputes the same compaction
			s.logger.Warn("persist compaction failed", "repo_id", repo.ID, "error", err)
		default:
			item.Repository = updated
			item.Compacted = applied
		}
	}
	if err := s.store.MarkSynced(ctx, repo.ID, s.now()); err != nil {
		s.logger.Warn("mark synced failed", "repo_id", repo.ID, "error", err)
	}

	s.logger.Info("feed pass",
		"repo_id", repo.ID,
		"name", repo.Name,
		"pulled", result.Pulled,
		"emitted", len(result.Commits),
		"stop", result.Stop,
		"compacted", item.Compacted,
		"duration_ms", s.now().Sub(started).Milliseconds(),
	)
	return item
}

func (s *Service) persistCompaction(ctx context.Context, repo store.Repository, updated feed.ReadState) (store.Repository, bool, error) {
	var applied bool
	persisted, err := s.store.ModifyReadState(ctx, repo.ID, func(current feed.ReadState) (feed.ReadState, error) {
		next, ok := feed.ApplyCompaction(current, repo.State, updated)
		applied = ok
		return next, nil
	})
	if err != nil {
		return store.Repository{}, false, err
	}
	if !applied {
		s.logger.Info("compaction skipped, watermark moved", "repo_id", repo.ID)
	}
	return persisted, applied, nil
}

func (s *Service) failed(item RepositoryNews, err error) RepositoryNews {
	code, retryable := classifySyncError(err)
	s.logger.Warn("feed pass failed",
		"repo_id", item.Repository.ID,
		"name", item.Repository.Name,
		"code", code,
		"retryable", retryable,
		"error", err,
	)
	item.Err = err
	item.Commits = []feed.AnnotatedCommit{}
	return item
}

// MarkViewed adds id to the repository's exception set.
func (s *Service) MarkViewed(ctx context.Context, repoID uuid.UUID, id sha.SHA) (store.Repository, error) {
	return s.store.ModifyReadState(ctx, repoID, func(state feed.ReadState) (feed.ReadState, error) {
		return state.MarkViewed(id), nil
	})
}

// UnmarkViewed removes id from the repository's exception set.
func (s *Service) UnmarkViewed(ctx context.Context, repoID uuid.UUID, id sha.SHA) (store.Repository, error) {
	return s.store.ModifyReadState(ctx, repoID, func(state feed.ReadState) (feed.ReadState, error) {
		return state.UnmarkViewed(id), nil
	})
}

func (s *Service) ListRepositories(ctx context.Context) ([]store.Repository, error) {
	return s.store.ListRepositories(ctx)
}

func (s *Service) Repository(ctx context.Context, repoID uuid.UUID) (store.Repository, error) {
	return s.store.GetRepository(ctx, repoID)
}

func (s *Service) TrackRepository(ctx context.Context, name, url string) (store.Repository, error) {
	url = strings.TrimSpace(url)
	name = strings.TrimSpace(name)
	if url == "" || strings.ContainsAny(url, " \t\n") {
		return store.Repository{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "url is required and must not contain whitespace", nil)
	}
	if name == "" {
		name = repositoryName(url)
	}
	repo, err := s.store.InsertRepository(ctx, name, url)
	if err != nil {
		return store.Repository{}, err
	}
	s.logger.Info("repository tracked", "repo_id", repo.ID, "name", repo.Name, "url", repo.URL)
	return repo, nil
}

// UntrackRepository deletes the repository and its read-state.
func (s *Service) UntrackRepository(ctx context.Context, repoID uuid.UUID) error {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRepository(ctx, repoID); err != nil {
		return err
	}
	if mirrors, ok := s.source.(mirrorSource); ok {
		if err := mirrors.Forget(repo); err != nil {
			s.logger.Warn("remove mirror failed", "repo_id", repo.ID, "error", err)
		}
	}
	s.logger.Info("repository untracked", "repo_id", repo.ID, "url", repo.URL)
	return nil
}

// Ping verifies the database connection is alive
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// UseCache registers the commit detail cache for readiness checks.
func (s *Service) UseCache(cache pinger) {
	s.cache = cache
}

// PingCache checks the commit detail cache. configured is false when there
// is none.
func (s *Service) PingCache(ctx context.Context) (configured bool, err error) {
	if s.cache == nil {
		return false, nil
	}
	return true, s.cache.Ping(ctx)
}

func repositoryName(url string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git")
	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
