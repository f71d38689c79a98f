package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"commitnews/api/internal/app"
	"commitnews/api/internal/cache"
	"commitnews/api/internal/config"
	"commitnews/api/internal/github"
	"commitnews/api/internal/sha"
	"commitnews/api/internal/store"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:  "commitnews",
		Usage: "Track which commits you have reviewed across repositories",
		Commands: []*cli.Command{
			newsCmd(),
			markCmd(),
			unmarkCmd(),
			trackCmd(),
			untrackCmd(),
			reposCmd(),
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log feed passes to stderr",
			},
		},
	}
}

func newsCmd() *cli.Command {
	return &cli.Command{
		Name:  "news",
		Usage: "Show commits since the last review",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				Aliases: []string{"r"},
				Usage:   "Only this repository (id)",
			},
			&cli.BoolFlag{
				Name:    "all",
				Aliases: []string{"a"},
				Usage:   "Include commits already marked viewed",
			},
		},
		Action: func(c *cli.Context) error {
			return withService(c, func(ctx context.Context, svc *app.Service) error {
				var items []app.RepositoryNews
				if id := c.String("repo"); id != "" {
					repoID, err := parseRepoID(id)
					if err != nil {
						return err
					}
					item, err := svc.RepositoryNews(ctx, repoID)
					if err != nil && item.Err == nil {
						return describe(err)
					}
					items = []app.RepositoryNews{item}
				} else {
					all, err := svc.News(ctx)
					if err != nil {
						return err
					}
					items = all
				}
				renderNews(c.App.Writer, items, c.Bool("all"))
				return nil
			})
		},
	}
}

func markCmd() *cli.Command {
	return &cli.Command{
		Name:      "mark",
		Usage:     "Mark a commit as viewed",
		ArgsUsage: "REPO_ID SHA",
		Action: func(c *cli.Context) error {
			return viewedAction(c, (*app.Service).MarkViewed)
		},
	}
}

func unmarkCmd() *cli.Command {
	return &cli.Command{
		Name:      "unmark",
		Usage:     "Mark a commit as not viewed",
		ArgsUsage: "REPO_ID SHA",
		Action: func(c *cli.Context) error {
			return viewedAction(c, (*app.Service).UnmarkViewed)
		},
	}
}

type viewedFunc func(*app.Service, context.Context, uuid.UUID, sha.SHA) (store.Repository, error)

func viewedAction(c *cli.Context, apply viewedFunc) error {
	if c.NArg() != 2 {
		return cli.Exit(fmt.Sprintf("usage: commitnews %s REPO_ID SHA", c.Command.Name), 2)
	}
	repoID, err := parseRepoID(c.Args().Get(0))
	if err != nil {
		return err
	}
	commitID, err := sha.Parse(strings.TrimSpace(c.Args().Get(1)))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	return withService(c, func(ctx context.Context, svc *app.Service) error {
		repo, err := apply(svc, ctx, repoID, commitID)
		if err != nil {
			return describe(err)
		}
		renderRepository(c.App.Writer, repo)
		return nil
	})
}

func trackCmd() *cli.Command {
	return &cli.Command{
		Name:  "track",
		Usage: "Start tracking a repository",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Display name (defaults to the last URL segment)"},
			&cli.StringFlag{Name: "url", Usage: "Repository URL", Required: true},
		},
		Action: func(c *cli.Context) error {
			return withService(c, func(ctx context.Context, svc *app.Service) error {
				repo, err := svc.TrackRepository(ctx, c.String("name"), c.String("url"))
				if err != nil {
					return describe(err)
				}
				renderRepository(c.App.Writer, repo)
				return nil
			})
		},
	}
}

func untrackCmd() *cli.Command {
	return &cli.Command{
		Name:      "untrack",
		Usage:     "Stop tracking a repository and drop its read-state",
		ArgsUsage: "REPO_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: commitnews untrack REPO_ID", 2)
			}
			repoID, err := parseRepoID(c.Args().First())
			if err != nil {
				return err
			}
			return withService(c, func(ctx context.Context, svc *app.Service) error {
				if err := svc.UntrackRepository(ctx, repoID); err != nil {
					return describe(err)
				}
				fmt.Fprintf(c.App.Writer, "untracked %s\n", repoID)
				return nil
			})
		},
	}
}

func reposCmd() *cli.Command {
	return &cli.Command{
		Name:  "repos",
		Usage: "List tracked repositories",
		Action: func(c *cli.Context) error {
			return withService(c, func(ctx context.Context, svc *app.Service) error {
				repos, err := svc.ListRepositories(ctx)
				if err != nil {
					return err
				}
				renderRepositories(c.App.Writer, repos)
				return nil
			})
		},
	}
}

// withService wires the same stack as the API server for one command.
func withService(c *cli.Context, fn func(context.Context, *app.Service) error) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := c.Context
	db, err := store.Open(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations, err := store.Migrations(cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		return err
	}

	var commitCache github.CommitCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := cache.NewRedisStore(cfg.RedisURL, cfg.CommitCacheTTL)
		if err != nil {
			logger.Warn("commit detail cache unavailable", "error", err)
		} else {
			defer redisStore.Close()
			commitCache = redisStore
		}
	}

	source, err := app.NewCommitSource(cfg, commitCache)
	if err != nil {
		return err
	}
	return fn(ctx, app.New(cfg, store.NewPostgresStore(db), source, logger))
}

func parseRepoID(value string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, cli.Exit(fmt.Sprintf("invalid repository id %q", value), 2)
	}
	return id, nil
}

// describe turns service errors into messages for the terminal.
func describe(err error) error {
	var domainErr *app.DomainError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return cli.Exit("repository not found", 1)
	case errors.Is(err, store.ErrDuplicateRepository):
		return cli.Exit("repository is already tracked", 1)
	case errors.As(err, &domainErr):
		return cli.Exit(domainErr.Message, 1)
	}
	return err
}
