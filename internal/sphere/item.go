package sphere

import (
	"encoding/json"
	"sort"
	"strings"

	"monoqueue/internal/score"
)

// Item is one action item in the queue.
type Item struct {
	// URL identifies the item. It never changes.
	URL string `json:"url"`

	// Fields is the merged view of every source's contribution.
	Fields map[string]any `json:"fields"`

	// Sources holds each source's contribution as last fetched.
	Sources map[string]map[string]any `json:"sources,omitempty"`

	// Provenance lists, per dotted field path, the sources that supplied a
	// value, in precedence order.
	Provenance map[string][]string `json:"provenance,omitempty"`

	// Score is the total computed by the last scoring pass.
	Score float64 `json:"score"`

	// Annotations explain Score, in rule order.
	Annotations []score.Annotation `json:"annotations,omitempty"`
}

// Title returns the item's display title, or "" when it has none.
func (it Item) Title() string {
	for _, path := range [][]string{{"title"}, {"issue", "title"}, {"topic", "title"}} {
		if s, ok := Lookup(it.Fields, path...).(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Lookup follows keys through nested maps. It returns nil when a key is
// missing.
func Lookup(fields map[string]any, keys ...string) any {
	var cur any = fields
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	out := it
	out.Fields = cloneMap(it.Fields)
	if it.Sources != nil {
		out.Sources = make(map[string]map[string]any, len(it.Sources))
		for name, c := range it.Sources {
			out.Sources[name] = cloneMap(c)
		}
	}
	if it.Provenance != nil {
		out.Provenance = make(map[string][]string, len(it.Provenance))
		for path, names := range it.Provenance {
			out.Provenance[path] = append([]string(nil), names...)
		}
	}
	out.Annotations = append([]score.Annotation(nil), it.Annotations...)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = cloneValue(el)
		}
		return out
	}
	return v
}

// refresh applies a newer contribution from the same source. Each top-level
// key sent replaces the previous value whole, so nested keys the source no
// longer reports disappear. Keys the update does not mention are kept.
func refresh(old, update map[string]any) map[string]any {
	out := cloneMap(old)
	if out == nil {
		out = make(map[string]any, len(update))
	}
	for k, v := range update {
		out[k] = cloneValue(v)
	}
	return out
}

// combine folds a lower-precedence value into a higher-precedence one.
// A missing or null value is filled in, mappings recurse, sequences are
// concatenated without duplicates and any other conflict keeps high.
func combine(high, low any) any {
	if high == nil {
		return cloneValue(low)
	}
	if low == nil {
		return high
	}
	switch h := high.(type) {
	case map[string]any:
		l, ok := low.(map[string]any)
		if !ok {
			return high
		}
		for k, lv := range l {
			h[k] = combine(h[k], lv)
		}
		return h
	case []any:
		l, ok := low.([]any)
		if !ok {
			return high
		}
		seen := make(map[string]bool, len(h)+len(l))
		out := make([]any, 0, len(h)+len(l))
		for _, el := range append(append([]any(nil), h...), l...) {
			key := canonical(el)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, cloneValue(el))
		}
		return out
	}
	return high
}

// canonical renders a normalized value as a comparison key. encoding/json
// sorts map keys, so equal values render identically.
func canonical(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// derive rebuilds Fields and Provenance from the per-source contributions,
// folding sources in precedence order.
func derive(sources map[string]map[string]any, rank func([]string) []string) (map[string]any, map[string][]string) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	names = rank(names)

	fields := make(map[string]any)
	provenance := make(map[string][]string)
	for _, name := range names {
		contribution := sources[name]
		fields = combine(fields, contribution).(map[string]any)
		for _, path := range leafPaths(contribution, "") {
			provenance[path] = append(provenance[path], name)
		}
	}
	return fields, provenance
}

// leafPaths lists the dotted paths of non-null leaves, sorted.
func leafPaths(m map[string]any, prefix string) []string {
	var paths []string
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch x := v.(type) {
		case nil:
		case map[string]any:
			if len(x) == 0 {
				paths = append(paths, path)
				continue
			}
			paths = append(paths, leafPaths(x, path)...)
		default:
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// rankSources orders source names by configured precedence. Names missing
// from order follow, sorted by name.
func rankSources(order map[string]int) func([]string) []string {
	return func(names []string) []string {
		out := append([]string(nil), names...)
		sort.SliceStable(out, func(i, j int) bool {
			ri, oki := order[out[i]]
			rj, okj := order[out[j]]
			switch {
			case oki && okj:
				return ri < rj
			case oki != okj:
				return oki
			}
			return strings.Compare(out[i], out[j]) < 0
		})
		return out
	}
}
