package firefox

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"monoqueue/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const schema = `
CREATE TABLE moz_places (id INTEGER PRIMARY KEY, url TEXT NOT NULL);
CREATE TABLE moz_bookmarks (
	id INTEGER PRIMARY KEY,
	type INTEGER,
	fk INTEGER,
	parent INTEGER,
	title TEXT,
	dateAdded INTEGER,
	lastModified INTEGER
);
INSERT INTO moz_places (id, url) VALUES
	(1, 'https://example.org/a'),
	(2, 'https://example.org/b'),
	(3, 'https://example.org/c');
INSERT INTO moz_bookmarks (id, type, fk, parent, title, dateAdded, lastModified) VALUES
	(10, 2, NULL, 1, 'ACTION', 1700000000000000, 1700000000000000),
	(11, 1, 1, 10, 'Read A', 1700000000000000, 1700003600000000),
	(12, 1, 2, 10, NULL, 1700000000000000, NULL),
	(13, 1, 3, 1, 'Elsewhere', 1700000000000000, 1700000000000000);
`

func makeProfile(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	db, err := sql.Open("sqlite", filepath.Join(dir, "places.sqlite"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(schema)
	require.NoError(t, err)
}

func fetch(t *testing.T, opts source.Options) []string {
	t.Helper()
	src, err := New("bookmarks", opts, quietLogger())
	require.NoError(t, err)
	records, err := src.Fetch(context.Background())
	require.NoError(t, err)

	urls := make([]string, len(records))
	for i, r := range records {
		urls[i] = r.URL
	}
	return urls
}

func TestFetch_Folder(t *testing.T) {
	root := t.TempDir()
	makeProfile(t, root, "abc.default")

	src, err := New("bookmarks", source.Options{"profiles": root, "folder": "ACTION"}, quietLogger())
	require.NoError(t, err)
	records, err := src.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, records, 2)
	first := records[0]
	assert.Equal(t, "https://example.org/a", first.URL)
	assert.Equal(t, "Read A", first.Fields["title"])
	assert.Equal(t, "2023-11-14T22:13:20Z", first.Fields["created"])
	assert.Equal(t, "2023-11-14T23:13:20Z", first.Fields["updated"])

	bookmark := first.Fields["bookmark"].(map[string]any)
	assert.Equal(t, "https://example.org/a", bookmark["url"])

	second := records[1]
	assert.Equal(t, "", second.Fields["title"])
	assert.Nil(t, second.Fields["updated"])
}

func TestFetch_AllBookmarks(t *testing.T) {
	root := t.TempDir()
	makeProfile(t, root, "abc.default")
	makeProfile(t, root, "def.work")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty.profile"), 0o755))

	assert.Equal(t, []string{
		"https://example.org/a",
		"https://example.org/b",
		"https://example.org/c",
	}, fetch(t, source.Options{"profiles": root}))
}

func TestFetch_MissingFolder(t *testing.T) {
	root := t.TempDir()
	makeProfile(t, root, "abc.default")
	assert.Empty(t, fetch(t, source.Options{"profiles": root, "folder": "NOPE"}))
}

func TestFetch_NoProfiles(t *testing.T) {
	assert.Empty(t, fetch(t, source.Options{"profiles": t.TempDir()}))
}

func TestFetch_LeavesOriginalUntouched(t *testing.T) {
	root := t.TempDir()
	makeProfile(t, root, "abc.default")
	path := filepath.Join(root, "abc.default", "places.sqlite")
	before, err := os.Stat(path)
	require.NoError(t, err)

	fetch(t, source.Options{"profiles": root})

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, before.Size(), after.Size())
}
