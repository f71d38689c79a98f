package app

import (
	"time"

	"commitnews/api/internal/feed"
	"commitnews/api/internal/store"
)

type commitView struct {
	SHA          string     `json:"sha"`
	Name         string     `json:"name"`
	Link         string     `json:"link"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	LastModified *time.Time `json:"last_modified"`
	Viewed       bool       `json:"viewed"`
}

type repositoryView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	LatestCommit  *string    `json:"latest_commit"`
	ViewedCommits []string   `json:"viewed_commits"`
	SyncedAt      *time.Time `json:"synced_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type newsErrorView struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type newsItemView struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	URL      string         `json:"url"`
	Commits  []commitView   `json:"commits"`
	NewCount int            `json:"new_count"`
	Stop     string         `json:"stop,omitempty"`
	Error    *newsErrorView `json:"error,omitempty"`
}

func toCommitView(commit feed.AnnotatedCommit) commitView {
	return commitView{
		SHA:          commit.ID.String(),
		Name:         commit.Name,
		Link:         commit.Link,
		Additions:    commit.Additions,
		Deletions:    commit.Deletions,
		LastModified: commit.LastModified,
		Viewed:       commit.Viewed,
	}
}

func toRepositoryView(repo store.Repository) repositoryView {
	view := repositoryView{
		ID:            repo.ID.String(),
		Name:          repo.Name,
		URL:           repo.URL,
		ViewedCommits: make([]string, 0, repo.State.Exceptions.Len()),
		SyncedAt:      repo.SyncedAt,
		CreatedAt:     repo.CreatedAt,
		UpdatedAt:     repo.UpdatedAt,
	}
	if !repo.State.Watermark.IsZero() {
		latest := repo.State.Watermark.String()
		view.LatestCommit = &latest
	}
	for _, id := range repo.State.Exceptions.Sorted() {
		view.ViewedCommits = append(view.ViewedCommits, id.String())
	}
	return view
}

func toNewsItemView(item RepositoryNews) newsItemView {
	view := newsItemView{
		ID:      item.Repository.ID.String(),
		Name:    item.Repository.Name,
		URL:     item.Repository.URL,
		Commits: make([]commitView, 0, len(item.Commits)),
		Stop:    string(item.Stop),
	}
	for _, commit := range item.Commits {
		view.Commits = append(view.Commits, toCommitView(commit))
		if !commit.Viewed {
			view.NewCount++
		}
	}
	if item.Err != nil {
		code, retryable := classifySyncError(item.Err)
		view.Error = &newsErrorView{Code: code, Message: item.Err.Error(), Retryable: retryable}
	}
	return view
}
