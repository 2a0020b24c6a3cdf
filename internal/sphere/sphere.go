package sphere

import (
	"sort"
	"sync"

	"monoqueue/internal/score"
)

// legacySource names the contribution of items persisted before per-source
// contributions were recorded.
const legacySource = "legacy"

// entry guards one item. Merges of different URLs proceed in parallel;
// merges of the same URL are serialized by mu.
type entry struct {
	mu   sync.Mutex
	item Item
}

// Sphere is the in-memory item store: it unions records from every source
// by URL and keeps the latest scores.
//
// Fields are derived from per-source contributions folded in source
// precedence order, so merging the same batches in any order yields the
// same items.
type Sphere struct {
	rank func([]string) []string

	items   map[string]*entry
	itemsMu sync.RWMutex
}

// New creates an empty Sphere. order lists source names from highest to
// lowest precedence.
func New(order []string) *Sphere {
	ranks := make(map[string]int, len(order))
	for i, name := range order {
		if _, dup := ranks[name]; !dup {
			ranks[name] = i
		}
	}
	return &Sphere{
		rank:  rankSources(ranks),
		items: make(map[string]*entry),
	}
}

// Merge folds a batch into the store. Malformed records are skipped and
// reported as *MergeRecordError; the rest of the batch still merges.
func (s *Sphere) Merge(b Batch) []error {
	var errs []error
	for i, r := range b.Records {
		fields, err := validate(b.Source, i, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		e := s.entry(r.URL)
		e.mu.Lock()
		if e.item.Sources == nil {
			e.item.Sources = make(map[string]map[string]any)
		}
		e.item.Sources[b.Source] = refresh(e.item.Sources[b.Source], fields)
		e.item.Fields, e.item.Provenance = derive(e.item.Sources, s.rank)
		e.mu.Unlock()
	}
	return errs
}

// entry returns the entry for url, creating it when missing.
func (s *Sphere) entry(url string) *entry {
	s.itemsMu.RLock()
	e, found := s.items[url]
	s.itemsMu.RUnlock()
	if found {
		return e
	}

	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()
	// Re-check under the write lock.
	if e, found = s.items[url]; !found {
		e = &entry{item: Item{URL: url}}
		s.items[url] = e
	}
	return e
}

func (s *Sphere) lookup(url string) (*entry, bool) {
	s.itemsMu.RLock()
	defer s.itemsMu.RUnlock()
	e, found := s.items[url]
	return e, found
}

// Load replaces the store contents with previously persisted items. Items
// without per-source contributions are treated as one legacy contribution.
func (s *Sphere) Load(items []Item) {
	loaded := make(map[string]*entry, len(items))
	for _, it := range items {
		if it.URL == "" {
			continue
		}
		it = it.Clone()
		if len(it.Sources) == 0 {
			it.Sources = map[string]map[string]any{legacySource: cloneMap(it.Fields)}
		}
		it.Fields, it.Provenance = derive(it.Sources, s.rank)
		loaded[it.URL] = &entry{item: it}
	}

	s.itemsMu.Lock()
	s.items = loaded
	s.itemsMu.Unlock()
}

// Len returns the number of items.
func (s *Sphere) Len() int {
	s.itemsMu.RLock()
	defer s.itemsMu.RUnlock()
	return len(s.items)
}

// URLs returns every item URL in ascending order.
func (s *Sphere) URLs() []string {
	s.itemsMu.RLock()
	urls := make([]string, 0, len(s.items))
	for url := range s.items {
		urls = append(urls, url)
	}
	s.itemsMu.RUnlock()
	sort.Strings(urls)
	return urls
}

// Item returns a copy of the item stored under url.
func (s *Sphere) Item(url string) (Item, bool) {
	e, found := s.lookup(url)
	if !found {
		return Item{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.item.Clone(), true
}

// Fields returns a copy of the merged fields of url.
func (s *Sphere) Fields(url string) (map[string]any, bool) {
	e, found := s.lookup(url)
	if !found {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMap(e.item.Fields), true
}

// SetScore replaces the score and annotations of url. Unknown URLs are
// ignored.
func (s *Sphere) SetScore(url string, total float64, annotations []score.Annotation) {
	e, found := s.lookup(url)
	if !found {
		return
	}
	e.mu.Lock()
	e.item.Score = total
	e.item.Annotations = append([]score.Annotation(nil), annotations...)
	e.mu.Unlock()
}

// Items returns copies of every item ordered by URL.
func (s *Sphere) Items() []Item {
	urls := s.URLs()
	items := make([]Item, 0, len(urls))
	for _, url := range urls {
		if it, ok := s.Item(url); ok {
			items = append(items, it)
		}
	}
	return items
}

// Ranked returns copies of every item ordered by score, highest first. Ties
// are broken by URL.
func (s *Sphere) Ranked() []Item {
	items := s.Items()
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
	return items
}
