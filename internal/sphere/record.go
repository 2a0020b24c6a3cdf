package sphere

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// ErrMalformedRecord is the kind of every *MergeRecordError.
var ErrMalformedRecord = errors.New("malformed record")

// Record is one source's view of an action item: its canonical URL and a
// nested field map.
type Record struct {
	URL    string
	Fields map[string]any
}

// Batch is the set of records one source produced in one fetch.
type Batch struct {
	Source  string
	Records []Record
}

// MergeRecordError reports a record that was skipped during a merge.
type MergeRecordError struct {
	Source string
	Index  int
	URL    string
	Reason string
}

func (e *MergeRecordError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %s record #%d: %s", ErrMalformedRecord, e.Source, e.Index, e.Reason)
	}
	return fmt.Sprintf("%s: %s record #%d (%s): %s", ErrMalformedRecord, e.Source, e.Index, e.URL, e.Reason)
}

func (e *MergeRecordError) Unwrap() error { return ErrMalformedRecord }

// Normalize converts v into plain JSON types: nil, bool, float64, string,
// []any and map[string]any. Integers and float32 become float64, typed
// slices and string-keyed maps are converted element-wise, pointers are
// dereferenced and time.Time becomes an RFC 3339 string. Other values go
// through encoding/json. Values JSON cannot represent are an error.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("number %v is not representable in JSON", x)
		}
		return x, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", x, err)
		}
		return f, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			n, err := Normalize(el)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			n, err := Normalize(el)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Normalize(rv.Float())
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map key type %s is not a string", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			n, err := Normalize(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value of type %T is not representable in JSON: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("value of type %T: %w", v, err)
	}
	return out, nil
}

// validate checks a record and returns its normalized fields.
func validate(source string, index int, r Record) (map[string]any, *MergeRecordError) {
	if strings.TrimSpace(r.URL) == "" {
		return nil, &MergeRecordError{Source: source, Index: index, Reason: "missing url"}
	}
	fields, err := Normalize(r.Fields)
	if err != nil {
		return nil, &MergeRecordError{Source: source, Index: index, URL: r.URL, Reason: err.Error()}
	}
	m, _ := fields.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
