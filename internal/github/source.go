// Package github reads commit history from the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v66/github"

	"commitnews/api/internal/feed"
	"commitnews/api/internal/sha"
	"commitnews/api/internal/store"
)

const defaultPageSize = 50

// CommitCache stores immutable commit details between passes.
type CommitCache interface {
	GetCommit(ctx context.Context, key string) (feed.RemoteCommit, bool, error)
	PutCommit(ctx context.Context, key string, commit feed.RemoteCommit) error
}

type Source struct {
	client   *gh.Client
	cache    CommitCache
	pageSize int
}

// NewSource builds a GitHub commit source. apiURL may point at a GitHub
// Enterprise API root; empty means api.github.com. cache may be nil.
func NewSource(httpClient *http.Client, token, apiURL string, cache CommitCache) (*Source, error) {
	client := gh.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if apiURL = strings.TrimSpace(apiURL); apiURL != "" {
		base, err := url.Parse(strings.TrimRight(apiURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github api url: %w", err)
		}
		client.BaseURL = base
	}
	return &Source{client: client, cache: cache, pageSize: defaultPageSize}, nil
}

// ParseRepositoryURL extracts owner and name from a GitHub web, API, SSH or
// "owner/name" reference.
func ParseRepositoryURL(raw string) (string, string, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimSuffix(value, "/")
	value = strings.TrimSuffix(value, ".git")

	switch {
	case strings.HasPrefix(value, "git@"):
		if _, rest, ok := strings.Cut(value, ":"); ok {
			value = rest
		}
	case strings.Contains(value, "://"):
		parsed, err := url.Parse(value)
		if err != nil {
			return "", "", fmt.Errorf("%w: parse repository url %q: %v", feed.ErrRepositoryUnavailable, raw, err)
		}
		value = strings.TrimPrefix(parsed.Path, "/")
		value = strings.TrimPrefix(value, "repos/")
	}

	parts := strings.Split(value, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: unsupported repository url %q", feed.ErrRepositoryUnavailable, raw)
	}
	return parts[0], parts[1], nil
}

// History returns the default branch newest-first. Pages are fetched lazily,
// one per exhausted page. Commits come without stats until Details is called.
func (s *Source) History(ctx context.Context, repo store.Repository) (feed.History, error) {
	owner, name, err := ParseRepositoryURL(repo.URL)
	if err != nil {
		return nil, err
	}
	return &history{source: s, owner: owner, name: name, webURL: "https://github.com/" + owner + "/" + name, nextPage: 1}, nil
}

type history struct {
	source   *Source
	owner    string
	name     string
	webURL   string
	page     []*gh.RepositoryCommit
	pos      int
	nextPage int
}

func (h *history) Next(ctx context.Context) (feed.RemoteCommit, error) {
	for h.pos >= len(h.page) {
		if h.nextPage == 0 {
			return feed.RemoteCommit{}, io.EOF
		}
		if err := h.fetchPage(ctx); err != nil {
			return feed.RemoteCommit{}, err
		}
	}
	item := h.page[h.pos]
	h.pos++

	id, err := sha.Parse(item.GetSHA())
	if err != nil {
		return feed.RemoteCommit{}, fmt.Errorf("%w: %w", feed.ErrRepositoryUnavailable, err)
	}
	commit := feed.RemoteCommit{
		ID:      id,
		Message: item.GetCommit().GetMessage(),
		Link:    item.GetHTMLURL(),
	}
	if commit.Link == "" {
		commit.Link = h.webURL + "/commit/" + id.String()
	}
	return commit, nil
}

func (h *history) fetchPage(ctx context.Context) error {
	opts := &gh.CommitsListOptions{ListOptions: gh.ListOptions{Page: h.nextPage, PerPage: h.source.pageSize}}
	items, resp, err := h.source.client.Repositories.ListCommits(ctx, h.owner, h.name, opts)
	if err != nil {
		if statusOf(resp) == http.StatusConflict {
			// empty repository
			h.page, h.pos, h.nextPage = nil, 0, 0
			return nil
		}
		return classify(ctx, fmt.Sprintf("list commits of %s/%s page %d", h.owner, h.name, opts.Page), err)
	}
	h.page, h.pos = items, 0
	h.nextPage = resp.NextPage
	if len(items) == 0 {
		h.nextPage = 0
	}
	return nil
}

// Details fills in stats and Last-Modified with one commit request, served
// from the cache when possible.
func (h *history) Details(ctx context.Context, commit feed.RemoteCommit) (feed.RemoteCommit, error) {
	key := h.owner + "/" + h.name + "@" + commit.ID.String()
	cache := h.source.cache
	if cache != nil {
		cached, ok, err := cache.GetCommit(ctx, key)
		if err != nil {
			slog.Default().Warn("commit cache read failed", "key", key, "error", err)
		} else if ok {
			return cached, nil
		}
	}

	detail, resp, err := h.source.client.Repositories.GetCommit(ctx, h.owner, h.name, commit.ID.String(), nil)
	if err != nil {
		return feed.RemoteCommit{}, classify(ctx, "get commit "+key, err)
	}
	commit.Additions = detail.GetStats().GetAdditions()
	commit.Deletions = detail.GetStats().GetDeletions()
	if resp != nil && resp.Response != nil {
		if modified, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
			commit.LastModified = &modified
		}
	}

	if cache != nil {
		if err := cache.PutCommit(ctx, key, commit); err != nil {
			slog.Default().Warn("commit cache write failed", "key", key, "error", err)
		}
	}
	return commit, nil
}

var _ feed.Detailer = (*history)(nil)

func statusOf(resp *gh.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

// classify maps GitHub client errors onto the retryable and permanent source
// failures.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}

	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %s: %w", feed.ErrSourceUnavailable, op, err)
	}

	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch status := respErr.Response.StatusCode; {
		case status == http.StatusTooManyRequests || status >= 500:
			return fmt.Errorf("%w: %s: %w", feed.ErrSourceUnavailable, op, err)
		case status == http.StatusUnauthorized, status == http.StatusForbidden,
			status == http.StatusNotFound, status == http.StatusGone,
			status == http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s: %w", feed.ErrRepositoryUnavailable, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", feed.ErrSourceUnavailable, op, err)
}
