package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"commitnews/api/internal/app"
	"commitnews/api/internal/feed"
	"commitnews/api/internal/store"
)

var (
	headerColor    = color.New(color.FgCyan, color.Bold)
	newColor       = color.New(color.FgGreen)
	viewedColor    = color.New(color.Faint)
	additionsColor = color.New(color.FgGreen)
	deletionsColor = color.New(color.FgRed)
	errorColor     = color.New(color.FgRed, color.Bold)
)

// renderNews prints one block per repository. Viewed commits are only shown
// when all is set.
func renderNews(w io.Writer, items []app.RepositoryNews, all bool) {
	for i, item := range items {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fresh := 0
		for _, commit := range item.Commits {
			if !commit.Viewed {
				fresh++
			}
		}
		headerColor.Fprintf(w, "%s", item.Repository.Name)
		fmt.Fprintf(w, " (%s)\n", item.Repository.ID)

		if item.Err != nil {
			errorColor.Fprintf(w, "  sync failed: %v\n", item.Err)
			continue
		}
		if fresh == 0 {
			fmt.Fprintln(w, "  nothing new")
			if !all {
				continue
			}
		} else {
			fmt.Fprintf(w, "  %d new\n", fresh)
		}
		for _, commit := range item.Commits {
			if commit.Viewed && !all {
				continue
			}
			renderCommit(w, commit)
		}
	}
}

func renderCommit(w io.Writer, commit feed.AnnotatedCommit) {
	line := newColor
	marker := "*"
	if commit.Viewed {
		line = viewedColor
		marker = " "
	}
	subject, _, _ := strings.Cut(commit.Name, "\n")
	line.Fprintf(w, "  %s %s %s", marker, commit.ID.Short(), strings.TrimSpace(subject))
	fmt.Fprint(w, " ")
	additionsColor.Fprintf(w, "+%d", commit.Additions)
	fmt.Fprint(w, "/")
	deletionsColor.Fprintf(w, "-%d", commit.Deletions)
	fmt.Fprintln(w)
}

func renderRepositories(w io.Writer, repos []store.Repository) {
	if len(repos) == 0 {
		fmt.Fprintln(w, "no repositories tracked")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tWATERMARK\tVIEWED\tURL")
	for _, repo := range repos {
		watermark := "-"
		if !repo.State.Watermark.IsZero() {
			watermark = repo.State.Watermark.Short()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", repo.ID, repo.Name, watermark, repo.State.Exceptions.Len(), repo.URL)
	}
	tw.Flush()
}

func renderRepository(w io.Writer, repo store.Repository) {
	headerColor.Fprintf(w, "%s", repo.Name)
	fmt.Fprintf(w, " (%s)\n", repo.ID)
	fmt.Fprintf(w, "  url:       %s\n", repo.URL)
	if repo.State.Watermark.IsZero() {
		fmt.Fprintln(w, "  watermark: -")
	} else {
		fmt.Fprintf(w, "  watermark: %s\n", repo.State.Watermark.Short())
	}
	fmt.Fprintf(w, "  viewed:    %d\n", repo.State.Exceptions.Len())
	for _, id := range repo.State.Exceptions.Sorted() {
		viewedColor.Fprintf(w, "    %s\n", id.Short())
	}
}
