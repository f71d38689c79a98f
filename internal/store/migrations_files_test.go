package store

import (
	"io/fs"
	"regexp"
	"testing"
	"testing/fstest"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := Migrations("")
	if err != nil {
		t.Fatalf("Migrations() error = %v", err)
	}
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("unexpected file %s in migrations", name)
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestMigrationFilesAreOrderedAndFiltered(t *testing.T) {
	migrations := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("SELECT 2")},
		"0001_a.up.sql":   {Data: []byte("SELECT 1")},
		"0001_a.down.sql": {Data: []byte("SELECT 1")},
		"README.md":       {Data: []byte("notes")},
		"nested/x.up.sql": {Data: []byte("SELECT 3")},
	}
	files, err := migrationFiles(migrations, ".up.sql")
	if err != nil {
		t.Fatalf("migrationFiles() error = %v", err)
	}
	if len(files) != 2 || files[0] != "0001_a.up.sql" || files[1] != "0002_b.up.sql" {
		t.Fatalf("unexpected migration order: %v", files)
	}
}

func TestMigrationsUsesOverrideDirectory(t *testing.T) {
	dir := t.TempDir()
	migrations, err := Migrations(dir)
	if err != nil {
		t.Fatalf("Migrations() error = %v", err)
	}
	files, err := migrationFiles(migrations, ".up.sql")
	if err != nil {
		t.Fatalf("migrationFiles() error = %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected empty override directory, got %v", files)
	}
}
