// Package gitrepo reads commit history from any git remote through a local
// bare mirror.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"commitnews/api/internal/feed"
	"commitnews/api/internal/sha"
	"commitnews/api/internal/store"
)

type Service struct {
	baseDir string
	token   string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

// New keeps mirrors under baseDir. token, when set, authenticates HTTPS
// remotes.
func New(baseDir, token string) *Service {
	return &Service{
		baseDir: baseDir,
		token:   token,
		locks:   make(map[string]*sync.Mutex),
	}
}

// History refreshes the mirror of repo and walks its default branch
// newest-first by committer time.
func (s *Service) History(ctx context.Context, repo store.Repository) (feed.History, error) {
	mirror, err := s.sync(ctx, repo)
	if err != nil {
		return nil, err
	}
	if mirror == nil {
		return feed.NewSliceHistory(), nil
	}
	return openHistory(mirror, webURL(repo.URL))
}

func (s *Service) sync(ctx context.Context, repo store.Repository) (*git.Repository, error) {
	key := repo.ID.String()
	lock := s.repoLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(key)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create repos dir: %w", err)
		}
		mirror, err := git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
			URL:  repo.URL,
			Auth: s.auth(repo.URL),
		})
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(ctx, "clone "+repo.URL, err)
		}
		return mirror, nil
	} else if err != nil {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	mirror, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	err = mirror.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       s.auth(repo.URL),
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, nil
		}
		return nil, classify(ctx, "fetch "+repo.URL, err)
	}
	return mirror, nil
}

// Forget drops the local mirror of a repository that is no longer tracked.
func (s *Service) Forget(repo store.Repository) error {
	key := repo.ID.String()
	lock := s.repoLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(key)); err != nil {
		return fmt.Errorf("remove mirror: %w", err)
	}
	return nil
}

func (s *Service) auth(remote string) transport.AuthMethod {
	if s.token == "" || !strings.HasPrefix(remote, "https://") {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: s.token}
}

func (s *Service) repoPath(key string) string {
	return filepath.Join(s.baseDir, key+".git")
}

func (s *Service) repoLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

// defaultBranch resolves the remote-tracking ref of the branch HEAD names,
// falling back to HEAD itself for repositories without remote refs.
func defaultBranch(repo *git.Repository) (plumbing.Hash, error) {
	head, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if head.Type() == plumbing.SymbolicReference {
		tracking := plumbing.NewRemoteReferenceName(git.DefaultRemoteName, head.Target().Short())
		if ref, err := repo.Reference(tracking, true); err == nil {
			return ref.Hash(), nil
		}
	}
	resolved, err := repo.Head()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return resolved.Hash(), nil
}

func openHistory(repo *git.Repository, link string) (feed.History, error) {
	from, err := defaultBranch(repo)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return feed.NewSliceHistory(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve default branch: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: from, Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return &history{iter: iter, link: link}, nil
}

type history struct {
	iter object.CommitIter
	link string
	done bool
}

func (h *history) Next(ctx context.Context) (feed.RemoteCommit, error) {
	if h.done {
		return feed.RemoteCommit{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return feed.RemoteCommit{}, err
	}

	commitObj, err := h.iter.Next()
	if errors.Is(err, io.EOF) {
		h.Close()
		return feed.RemoteCommit{}, io.EOF
	}
	if err != nil {
		return feed.RemoteCommit{}, fmt.Errorf("%w: iterate log: %w", feed.ErrSourceUnavailable, err)
	}
	return toRemoteCommit(commitObj, h.link)
}

func (h *history) Close() error {
	if !h.done {
		h.done = true
		h.iter.Close()
	}
	return nil
}

func toRemoteCommit(commitObj *object.Commit, link string) (feed.RemoteCommit, error) {
	id, err := sha.Parse(commitObj.Hash.String())
	if err != nil {
		return feed.RemoteCommit{}, fmt.Errorf("%w: %w", feed.ErrRepositoryUnavailable, err)
	}
	stats, err := commitObj.Stats()
	if err != nil {
		return feed.RemoteCommit{}, fmt.Errorf("%w: stats of %s: %w", feed.ErrSourceUnavailable, id.Short(), err)
	}

	commit := feed.RemoteCommit{
		ID:      id,
		Message: strings.TrimSpace(commitObj.Message),
	}
	for _, file := range stats {
		commit.Additions += file.Addition
		commit.Deletions += file.Deletion
	}
	when := commitObj.Committer.When.UTC()
	commit.LastModified = &when
	if link != "" {
		commit.Link = link + "/commit/" + id.String()
	}
	return commit, nil
}

// webURL derives the browsable address of a remote. Local and unknown
// remotes have none.
func webURL(remote string) string {
	value := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(remote), "/"), ".git")
	switch {
	case strings.HasPrefix(value, "https://"), strings.HasPrefix(value, "http://"):
		return value
	case strings.HasPrefix(value, "git@"):
		host, path, ok := strings.Cut(strings.TrimPrefix(value, "git@"), ":")
		if !ok {
			return ""
		}
		return "https://" + host + "/" + path
	default:
		return ""
	}
}

func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return fmt.Errorf("%w: %s: %w", feed.ErrRepositoryUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", feed.ErrSourceUnavailable, op, err)
	}
}
