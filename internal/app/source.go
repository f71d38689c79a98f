package app

import (
	"fmt"
	"net/http"
	"time"

	"commitnews/api/internal/config"
	"commitnews/api/internal/gitrepo"
	"commitnews/api/internal/github"
)

// NewCommitSource builds the commit source selected by cfg. cache may be nil;
// only the GitHub source uses it.
func NewCommitSource(cfg config.Config, cache github.CommitCache) (CommitSource, error) {
	switch cfg.CommitSource {
	case config.SourceGitHub:
		client := &http.Client{Timeout: 30 * time.Second}
		source, err := github.NewSource(client, cfg.GitHubToken, cfg.GitHubAPIURL, cache)
		if err != nil {
			return nil, err
		}
		return source, nil
	case config.SourceGit:
		return gitrepo.New(cfg.ReposDir, cfg.GitHubToken), nil
	default:
		return nil, fmt.Errorf("unknown commit source %q", cfg.CommitSource)
	}
}
