package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"

	"monoqueue/internal/sphere"
)

// ErrPersistence is the kind of every *PersistenceError.
var ErrPersistence = errors.New("persistence error")

// PersistenceError reports a failed read or write of a store file. It is
// fatal to the operation that caused it.
type PersistenceError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrPersistence, e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Metadata is locally managed per-item state that no source provides.
type Metadata struct {
	// DeferredAt is when the item was deferred.
	DeferredAt string `json:"deferred_at,omitempty"`
	// DeferredUntil is when the deferral ends.
	DeferredUntil string `json:"deferred_until,omitempty"`
}

// FileStore persists items and metadata as JSON documents keyed by URL.
type FileStore struct {
	ItemsPath    string
	MetadataPath string
}

// NewFileStore creates a store over the two document paths.
func NewFileStore(itemsPath, metadataPath string) *FileStore {
	return &FileStore{ItemsPath: itemsPath, MetadataPath: metadataPath}
}

// LoadItems reads the items document. A missing file yields no items.
//
// Unknown keys are ignored. An entry without "fields" or "sources" is read
// as a bare field map, which is how older documents stored items.
func (fs *FileStore) LoadItems() ([]sphere.Item, error) {
	var doc map[string]json.RawMessage
	found, err := readJSON(fs.ItemsPath, &doc)
	if err != nil || !found {
		return nil, err
	}

	urls := make([]string, 0, len(doc))
	for url := range doc {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	items := make([]sphere.Item, 0, len(doc))
	for _, url := range urls {
		item, err := decodeItem(url, doc[url])
		if err != nil {
			return nil, &PersistenceError{Op: "load", Path: fs.ItemsPath, Err: fmt.Errorf("item %s: %w", url, err)}
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeItem(url string, raw json.RawMessage) (sphere.Item, error) {
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return sphere.Item{}, err
	}
	_, hasFields := probe["fields"]
	_, hasSources := probe["sources"]
	if !hasFields && !hasSources {
		return sphere.Item{URL: url, Fields: probe}, nil
	}

	var item sphere.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return sphere.Item{}, err
	}
	if item.URL == "" {
		item.URL = url
	}
	return item, nil
}

// SaveItems atomically replaces the items document.
func (fs *FileStore) SaveItems(items []sphere.Item) error {
	doc := make(map[string]sphere.Item, len(items))
	for _, it := range items {
		doc[it.URL] = it
	}
	return writeJSON(fs.ItemsPath, doc)
}

// LoadMetadata reads the metadata document. A missing file yields an empty
// map.
func (fs *FileStore) LoadMetadata() (map[string]Metadata, error) {
	doc := make(map[string]Metadata)
	if _, err := readJSON(fs.MetadataPath, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]Metadata)
	}
	return doc, nil
}

// SaveMetadata atomically replaces the metadata document.
func (fs *FileStore) SaveMetadata(doc map[string]Metadata) error {
	return writeJSON(fs.MetadataPath, doc)
}

func readJSON(path string, v any) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return false, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	return true, nil
}

// writeJSON replaces path with the JSON encoding of v. The document is
// written to a temporary file in the same directory, synced and renamed
// over path, so readers see either the old or the new document.
func writeJSON(path string, v any) error {
	fail := func(err error) error {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fail(err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fail(err)
	}
	if err := f.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fail(err)
	}
	if err := fsyncDir(dir); err != nil {
		return fail(err)
	}
	return nil
}

// fsyncDir makes the rename durable. Platforms that cannot sync a directory
// are tolerated.
func fsyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	if err := df.Sync(); err != nil && !errors.Is(err, syscall.ENOTSUP) && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}
