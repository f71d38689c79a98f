package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"commitnews/api/internal/app"
	"commitnews/api/internal/feed"
	"commitnews/api/internal/sha"
	"commitnews/api/internal/store"
)

func init() {
	color.NoColor = true
}

func testID(n int) sha.SHA {
	return sha.MustParse(fmt.Sprintf("%040x", n))
}

func testRepository(name string) store.Repository {
	return store.Repository{
		ID:    uuid.MustParse("6f1c1a52-3f2e-4a7d-9a55-0c2b9a1f0d11"),
		Name:  name,
		URL:   "https://github.com/octo/" + name,
		State: feed.NewReadState(),
	}
}

func TestRenderNewsHidesViewedByDefault(t *testing.T) {
	items := []app.RepositoryNews{{
		Repository: testRepository("demo"),
		Commits: []feed.AnnotatedCommit{
			{ID: testID(1), Name: "add parser", Additions: 12, Deletions: 3},
			{ID: testID(2), Name: "fix typo", Viewed: true, Additions: 1, Deletions: 1},
		},
	}}

	var buf bytes.Buffer
	renderNews(&buf, items, false)
	out := buf.String()
	if !strings.Contains(out, "1 new") {
		t.Fatalf("expected new count, got:\n%s", out)
	}
	if !strings.Contains(out, "* "+testID(1).Short()+" add parser +12/-3") {
		t.Fatalf("expected new commit line, got:\n%s", out)
	}
	if strings.Contains(out, "fix typo") {
		t.Fatalf("viewed commit should be hidden, got:\n%s", out)
	}

	buf.Reset()
	renderNews(&buf, items, true)
	if !strings.Contains(buf.String(), testID(2).Short()+" fix typo +1/-1") {
		t.Fatalf("expected viewed commit with --all, got:\n%s", buf.String())
	}
}

func TestRenderNewsPrintsSubjectLineOnly(t *testing.T) {
	items := []app.RepositoryNews{{
		Repository: testRepository("demo"),
		Commits: []feed.AnnotatedCommit{
			{ID: testID(1), Name: "add parser\r\n\nLonger body\nacross lines", Additions: 2},
		},
	}}

	var buf bytes.Buffer
	renderNews(&buf, items, false)
	out := buf.String()
	if strings.Contains(out, "Longer body") {
		t.Fatalf("commit body leaked into output:\n%s", out)
	}
	if !strings.Contains(out, testID(1).Short()+" add parser +2/-0\n") {
		t.Fatalf("expected one line per commit, got:\n%s", out)
	}
}

func TestRenderNewsReportsFailuresAndEmptyFeeds(t *testing.T) {
	items := []app.RepositoryNews{
		{Repository: testRepository("broken"), Err: errors.New("repository unavailable")},
		{Repository: testRepository("quiet"), Commits: []feed.AnnotatedCommit{}},
	}

	var buf bytes.Buffer
	renderNews(&buf, items, false)
	out := buf.String()
	if !strings.Contains(out, "sync failed: repository unavailable") {
		t.Fatalf("expected failure line, got:\n%s", out)
	}
	if !strings.Contains(out, "nothing new") {
		t.Fatalf("expected empty feed line, got:\n%s", out)
	}
}

func TestRenderRepositories(t *testing.T) {
	var buf bytes.Buffer
	renderRepositories(&buf, nil)
	if strings.TrimSpace(buf.String()) != "no repositories tracked" {
		t.Fatalf("unexpected output for empty list: %q", buf.String())
	}

	repo := testRepository("demo")
	repo.State = feed.ReadState{Watermark: testID(9), Exceptions: sha.NewSet(testID(3), testID(4))}
	buf.Reset()
	renderRepositories(&buf, []store.Repository{repo, testRepository("fresh")})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got:\n%s", buf.String())
	}
	if fields := strings.Fields(lines[1]); len(fields) != 5 || fields[2] != testID(9).Short() || fields[3] != "2" {
		t.Fatalf("unexpected row %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); fields[2] != "-" || fields[3] != "0" {
		t.Fatalf("unexpected row %q", lines[2])
	}
}

func TestRenderRepositoryListsExceptions(t *testing.T) {
	repo := testRepository("demo")
	repo.State = feed.NewReadState().MarkViewed(testID(5))

	var buf bytes.Buffer
	renderRepository(&buf, repo)
	out := buf.String()
	for _, want := range []string{"demo (" + repo.ID.String() + ")", "watermark: -", "viewed:    1", testID(5).Short()} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestAppDefinesCommands(t *testing.T) {
	cliApp := App()
	names := make(map[string]bool)
	for _, cmd := range cliApp.Commands {
		names[cmd.Name] = true
	}
	for _, want := range []string{"news", "mark", "unmark", "track", "untrack", "repos"} {
		if !names[want] {
			t.Fatalf("missing command %q", want)
		}
	}
}

func TestMarkRejectsBadArguments(t *testing.T) {
	var buf bytes.Buffer
	cliApp := App()
	cliApp.Writer = &buf
	cliApp.ErrWriter = &buf
	cliApp.ExitErrHandler = func(*cli.Context, error) {}

	err := cliApp.Run([]string{"commitnews", "mark", "not-a-uuid", "abc"})
	if err == nil || !strings.Contains(err.Error(), "invalid repository id") {
		t.Fatalf("Run() error = %v, want invalid repository id", err)
	}
	err = cliApp.Run([]string{"commitnews", "mark", uuid.NewString(), "xyz"})
	if err == nil {
		t.Fatal("Run() accepted a malformed sha")
	}
}
