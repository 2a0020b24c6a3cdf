package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monoqueue/internal/history"
	"monoqueue/internal/score"
	"monoqueue/internal/source"
	"monoqueue/internal/sphere"
	"monoqueue/internal/store"
)

const rules = `
open = issue/state == "open" -> +1: open
stale = seconds_since_update > 604800 -> -2: stale
marked = bookmark/url == "https://x/1" -> +3: bookmarked
`

type fakeSource struct {
	name    string
	records []sphere.Record
	err     error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context) ([]sphere.Record, error) {
	return f.records, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	dir   string
	now   time.Time
	store *store.FileStore
	queue *Queue
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T, sources []source.Source, rec history.Recorder) *fixture {
	t.Helper()
	report := score.ParseRules(rules)
	require.NoError(t, report.Err())

	f := &fixture{dir: t.TempDir(), now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	f.store = store.NewFileStore(filepath.Join(f.dir, "items.json"), filepath.Join(f.dir, "metadata.json"))
	f.queue = New(Options{
		Engine:  score.NewEngine(report.Rules, 2, 10, quietLogger()),
		Store:   f.store,
		Sources: sources,
		Order:   []string{"github", "firefox"},
		History: rec,
		Clock:   f.clock,
		Logger:  quietLogger(),
	})
	return f
}

func testSources() []source.Source {
	return []source.Source{
		&fakeSource{name: "firefox", records: []sphere.Record{
			{URL: "https://x/1", Fields: map[string]any{"title": "bookmarked A", "bookmark": map[string]any{"url": "https://x/1"}}},
		}},
		&fakeSource{name: "github", records: []sphere.Record{
			{URL: "https://x/1", Fields: map[string]any{"title": "A", "updated": "2024-02-28T00:00:00Z", "issue": map[string]any{"state": "open"}}},
			{URL: "https://x/2", Fields: map[string]any{"title": "B", "updated": "2024-01-01T00:00:00Z", "issue": map[string]any{"state": "open"}}},
			{URL: "", Fields: map[string]any{"title": "no url"}},
		}},
		&fakeSource{name: "broken", records: []sphere.Record{
			{URL: "https://x/3", Fields: map[string]any{"title": "C"}},
		}, err: errors.New("connection reset")},
	}
}

func urls(items []sphere.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.URL
	}
	return out
}

func TestQueue_Update(t *testing.T) {
	historyPath := filepath.Join(t.TempDir(), "history.jsonl")
	rec := history.NewJSONLRecorder(historyPath, 1, 1)
	f := newFixture(t, testSources(), rec)

	report, err := f.queue.Update(context.Background())
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	_, err = uuid.Parse(report.Run)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"firefox": 1, "github": 3, "broken": 1}, report.Fetched)
	require.Len(t, report.Sources, 1)
	assert.Equal(t, "broken", report.Sources[0].Source)
	assert.ErrorContains(t, report.Sources[0], "connection reset")
	require.Len(t, report.Skipped, 1)
	assert.ErrorIs(t, report.Skipped[0], sphere.ErrMalformedRecord)
	assert.Equal(t, 3, report.Score.Scored)

	ranked := f.queue.Ranked(false)
	assert.Equal(t, []string{"https://x/1", "https://x/3", "https://x/2"}, urls(ranked))
	assert.Equal(t, 4.0, ranked[0].Score)
	assert.Equal(t, "A", ranked[0].Title())
	assert.Equal(t, -1.0, ranked[2].Score)
	assert.NotContains(t, ranked[0].Fields, "seconds_since_update")

	entries, err := history.ReadFile(historyPath)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, report.Run, e.Run)
		assert.Equal(t, "2024-03-01T00:00:00Z", e.Time)
	}

	_, err = os.Stat(f.store.ItemsPath)
	require.NoError(t, err)
}

func TestQueue_LoadRescores(t *testing.T) {
	f := newFixture(t, testSources(), nil)
	_, err := f.queue.Update(context.Background())
	require.NoError(t, err)

	reloaded := newFixture(t, nil, nil)
	reloaded.store = f.store
	reloaded.queue.store = f.store
	require.NoError(t, reloaded.queue.Load(context.Background()))
	assert.Equal(t, urls(f.queue.Ranked(true)), urls(reloaded.queue.Ranked(true)))

	// Time passes: A becomes stale.
	reloaded.now = reloaded.now.Add(30 * 24 * time.Hour)
	require.NoError(t, reloaded.queue.Load(context.Background()))
	item, ok := reloaded.queue.Sphere().Item("https://x/1")
	require.True(t, ok)
	assert.Equal(t, 2.0, item.Score)
}

func TestQueue_LoadMissingFiles(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.queue.Load(context.Background()))
	assert.Empty(t, f.queue.Ranked(true))
	assert.False(t, f.queue.Active("https://x/1"))
}

func urlsOf(items []sphere.Item) []string {
	urls := make([]string, len(items))
	for i, it := range items {
		urls[i] = it.URL
	}
	return urls
}

func TestQueue_Defer(t *testing.T) {
	f := newFixture(t, testSources(), nil)
	_, err := f.queue.Update(context.Background())
	require.NoError(t, err)

	meta, err := f.queue.Defer("https://x/2", 2)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T00:00:00Z", meta.DeferredAt)
	assert.Equal(t, "2024-03-03T00:00:00Z", meta.DeferredUntil)

	assert.False(t, f.queue.Active("https://x/2"))
	assert.Equal(t, []string{"https://x/1", "https://x/3"}, urlsOf(f.queue.Ranked(false)))
	assert.Equal(t, []string{"https://x/1", "https://x/3", "https://x/2"}, urlsOf(f.queue.Ranked(true)))

	f.now = f.now.Add(2 * 24 * time.Hour)
	assert.True(t, f.queue.Active("https://x/2"))

	_, err = f.queue.Defer("https://nope", 1)
	assert.ErrorIs(t, err, ErrUnknownItem)
	_, err = f.queue.Defer("https://x/1", 0)
	assert.Error(t, err)
}

func TestQueue_DeferEndsWhenItemChanges(t *testing.T) {
	f := newFixture(t, testSources(), nil)
	_, err := f.queue.Update(context.Background())
	require.NoError(t, err)

	_, err = f.queue.Defer("https://x/1", 5)
	require.NoError(t, err)
	assert.False(t, f.queue.Active("https://x/1"))

	errs := f.queue.Sphere().Merge(sphere.Batch{Source: "github", Records: []sphere.Record{
		{URL: "https://x/1", Fields: map[string]any{"updated": "2024-03-02T00:00:00Z"}},
	}})
	require.Empty(t, errs)
	assert.True(t, f.queue.Active("https://x/1"))
}

func TestQueue_MetadataPersists(t *testing.T) {
	f := newFixture(t, testSources(), nil)
	_, err := f.queue.Update(context.Background())
	require.NoError(t, err)
	_, err = f.queue.Defer("https://x/3", 1)
	require.NoError(t, err)
	require.NoError(t, f.queue.SaveMetadata())

	doc, err := f.store.LoadMetadata()
	require.NoError(t, err)
	assert.Equal(t, "2024-03-02T00:00:00Z", doc["https://x/3"].DeferredUntil)

	require.NoError(t, f.queue.Load(context.Background()))
	assert.Equal(t, "2024-03-01T00:00:00Z", f.queue.Metadata("https://x/3").DeferredAt)
}

func TestQueue_Find(t *testing.T) {
	f := newFixture(t, testSources(), nil)
	_, err := f.queue.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"https://x/1", "https://x/3"}, urls(f.queue.Find("x/3", "x/1")))
	assert.Empty(t, f.queue.Find("github.com"))
	assert.Empty(t, f.queue.Find(""))
}

func TestQueue_UpdateCancelled(t *testing.T) {
	f := newFixture(t, testSources(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.queue.Update(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(f.store.ItemsPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestQueue_SaveFailure(t *testing.T) {
	f := newFixture(t, testSources(), nil)
	blocker := filepath.Join(f.dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	f.store.ItemsPath = filepath.Join(blocker, "items.json")

	_, err := f.queue.Update(context.Background())
	assert.ErrorIs(t, err, store.ErrPersistence)
}
