// Package queue ties sources, the item store and the rule engine together
// into the single prioritized list of action items.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"monoqueue/internal/history"
	"monoqueue/internal/score"
	"monoqueue/internal/source"
	"monoqueue/internal/sphere"
	"monoqueue/internal/store"
	"monoqueue/internal/timeutil"
)

// ErrUnknownItem is returned for operations on URLs the queue does not hold.
var ErrUnknownItem = errors.New("unknown item")

// Options wires a Queue. Engine and Store are required.
type Options struct {
	Engine  *score.Engine
	Store   *store.FileStore
	Sources []source.Source
	// Order lists source names from highest to lowest precedence.
	Order   []string
	History history.Recorder
	Clock   timeutil.Clock
	Logger  *slog.Logger
}

// Queue is the prioritized list of action items.
type Queue struct {
	engine  *score.Engine
	store   *store.FileStore
	sources []source.Source
	history history.Recorder
	now     timeutil.Clock
	logger  *slog.Logger

	items *sphere.Sphere

	metaMu   sync.RWMutex
	metadata map[string]store.Metadata
}

// New creates an empty queue. Call Load to read persisted state.
func New(opts Options) *Queue {
	if opts.History == nil {
		opts.History = history.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		engine:   opts.Engine,
		store:    opts.Store,
		sources:  opts.Sources,
		history:  opts.History,
		now:      opts.Clock,
		logger:   opts.Logger.With("component", "queue"),
		items:    sphere.New(opts.Order),
		metadata: map[string]store.Metadata{},
	}
}

// Sphere exposes the underlying item store.
func (q *Queue) Sphere() *sphere.Sphere { return q.items }

// Load reads items and metadata from disk and rescores the items, so
// time-dependent rules see the current time.
func (q *Queue) Load(ctx context.Context) error {
	items, err := q.store.LoadItems()
	if err != nil {
		return err
	}
	meta, err := q.store.LoadMetadata()
	if err != nil {
		return err
	}
	q.items.Load(items)
	q.metaMu.Lock()
	q.metadata = meta
	q.metaMu.Unlock()
	q.logger.Debug("queue loaded", "items", len(items), "metadata", len(meta))

	if q.items.Len() == 0 {
		return nil
	}
	_, err = q.Score(ctx)
	return err
}

// Save writes items and metadata to disk.
func (q *Queue) Save() error {
	if err := q.store.SaveItems(q.items.Items()); err != nil {
		return err
	}
	q.metaMu.RLock()
	defer q.metaMu.RUnlock()
	return q.store.SaveMetadata(q.metadata)
}

// SourceError reports a source that failed during an update.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return fmt.Sprintf("source %s: %v", e.Source, e.Err) }

func (e *SourceError) Unwrap() error { return e.Err }

// UpdateReport summarizes one update run.
type UpdateReport struct {
	Run     string
	Fetched map[string]int
	// Skipped holds the records rejected while merging.
	Skipped []error
	// Sources holds the sources that failed. Their partial results are still
	// merged.
	Sources []*SourceError
	Score   score.Report
}

// Update fetches every source concurrently, merges the results, rescores
// all items, appends the scores to the history and saves the queue. A
// failing source does not stop the others.
func (q *Queue) Update(ctx context.Context) (UpdateReport, error) {
	report := UpdateReport{Run: uuid.NewString(), Fetched: map[string]int{}}
	logger := q.logger.With("run", report.Run)

	batches := make([]sphere.Batch, len(q.sources))
	failures := make([]error, len(q.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range q.sources {
		g.Go(func() error {
			logger.Info("updating source", "source", src.Name())
			records, err := src.Fetch(gctx)
			batches[i] = sphere.Batch{Source: src.Name(), Records: records}
			failures[i] = err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	for i, b := range batches {
		report.Fetched[b.Source] = len(b.Records)
		if failures[i] != nil {
			logger.Error("source failed", "source", b.Source, "error", failures[i])
			report.Sources = append(report.Sources, &SourceError{Source: b.Source, Err: failures[i]})
		}
		for _, err := range q.items.Merge(b) {
			logger.Warn("record skipped", "error", err)
			report.Skipped = append(report.Skipped, err)
		}
		logger.Debug("source merged", "source", b.Source, "records", len(b.Records), "items", q.items.Len())
	}

	scored, err := q.Score(ctx)
	report.Score = scored
	if err != nil {
		return report, err
	}
	q.record(report.Run, logger)

	if err := q.Save(); err != nil {
		return report, err
	}
	return report, nil
}

func (q *Queue) record(run string, logger *slog.Logger) {
	at := q.now()
	for _, it := range q.items.Items() {
		if err := q.history.Append(run, at, it.URL, it.Score); err != nil {
			logger.Warn("history append failed", "error", err)
			return
		}
	}
}

// Score recomputes every item's score with the current age fields.
func (q *Queue) Score(ctx context.Context) (score.Report, error) {
	return q.engine.ScoreAll(ctx, &agedView{items: q.items, now: q.now()})
}

// agedView presents the item store to the engine with age fields added to
// each item's evaluation copy.
type agedView struct {
	items *sphere.Sphere
	now   time.Time
}

func (v *agedView) URLs() []string { return v.items.URLs() }

func (v *agedView) Fields(url string) (map[string]any, bool) {
	fields, ok := v.items.Fields(url)
	if !ok {
		return nil, false
	}
	return timeutil.WithAges(fields, v.now), true
}

func (v *agedView) SetScore(url string, total float64, annotations []score.Annotation) {
	v.items.SetScore(url, total, annotations)
}

// Item returns a copy of the item stored under url.
func (q *Queue) Item(url string) (sphere.Item, bool) {
	return q.items.Item(url)
}

// Metadata returns the local metadata of url.
func (q *Queue) Metadata(url string) store.Metadata {
	q.metaMu.RLock()
	defer q.metaMu.RUnlock()
	return q.metadata[url]
}

// Defer hides url for the given number of days, or until the item changes.
func (q *Queue) Defer(url string, days float64) (store.Metadata, error) {
	if _, ok := q.items.Item(url); !ok {
		return store.Metadata{}, fmt.Errorf("%w: %s", ErrUnknownItem, url)
	}
	if days <= 0 {
		return store.Metadata{}, fmt.Errorf("defer %s: days must be positive", url)
	}
	now := q.now()
	meta := store.Metadata{
		DeferredAt:    timeutil.Format(now),
		DeferredUntil: timeutil.Format(timeutil.DaysLater(now, days)),
	}
	q.metaMu.Lock()
	q.metadata[url] = meta
	q.metaMu.Unlock()
	q.logger.Info("item deferred", "url", url, "until", meta.DeferredUntil)
	return meta, nil
}

// SaveMetadata writes only the metadata document.
func (q *Queue) SaveMetadata() error {
	q.metaMu.RLock()
	defer q.metaMu.RUnlock()
	return q.store.SaveMetadata(q.metadata)
}

// Active reports whether url is an item that should be shown. A deferred
// item becomes active again when its deferral ends or when it was updated
// after being deferred.
func (q *Queue) Active(url string) bool {
	it, ok := q.items.Item(url)
	if !ok {
		return false
	}
	return q.active(it, q.now())
}

func (q *Queue) active(it sphere.Item, now time.Time) bool {
	meta := q.Metadata(it.URL)
	if meta.DeferredUntil == "" {
		return true
	}
	if meta.DeferredAt != "" {
		if updated, ok := it.Fields["updated"].(string); ok {
			at, errAt := timeutil.Parse(meta.DeferredAt)
			up, errUp := timeutil.Parse(updated)
			if errAt == nil && errUp == nil && up.After(at) {
				return true
			}
		}
	}
	until, err := timeutil.Parse(meta.DeferredUntil)
	if err != nil {
		q.logger.Warn("bad deferral", "url", it.URL, "deferred_until", meta.DeferredUntil)
		return true
	}
	return !now.Before(until)
}

// Ranked returns items by score, highest first. Unless all is set,
// deferred items are left out.
func (q *Queue) Ranked(all bool) []sphere.Item {
	ranked := q.items.Ranked()
	if all {
		return ranked
	}
	now := q.now()
	active := ranked[:0]
	for _, it := range ranked {
		if q.active(it, now) {
			active = append(active, it)
		}
	}
	return active
}

// Find returns the items whose URL contains any of terms, ordered by URL.
func (q *Queue) Find(terms ...string) []sphere.Item {
	var found []sphere.Item
	for _, it := range q.items.Items() {
		for _, term := range terms {
			if term != "" && strings.Contains(it.URL, term) {
				found = append(found, it)
				break
			}
		}
	}
	return found
}
