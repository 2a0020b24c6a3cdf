package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Recorder keeps a log of computed scores.
type Recorder interface {
	// Append records one item's score for a run.
	Append(run string, at time.Time, url string, score float64) error
	// Close flushes and releases the log.
	Close() error
}

// Entry is one line of the history log.
type Entry struct {
	Run   string  `json:"run"`
	Time  string  `json:"time"`
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

// jsonlHandler is a slog handler that writes every record as one flat JSON
// object per line, with the record time under "time" and no level or
// message fields.
type jsonlHandler struct {
	out   io.Writer   // target writer for JSON lines
	attrs []slog.Attr // attributes added with WithAttrs
}

func (h *jsonlHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, r.NumAttrs()+len(h.attrs)+1)
	fields["time"] = r.Time.UTC().Format(time.RFC3339)
	add := func(a slog.Attr) bool {
		if a.Key != "" && a.Value.Any() != nil {
			fields[a.Key] = a.Value.Any()
		}
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)

	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = h.out.Write(append(data, '\n'))
	return err
}

func (h *jsonlHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &jsonlHandler{out: h.out, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

// WithGroup is a no-op: history lines are flat.
func (h *jsonlHandler) WithGroup(string) slog.Handler { return h }

func (h *jsonlHandler) Enabled(context.Context, slog.Level) bool { return true }

// JSONLRecorder appends history entries to a rotating JSON lines file.
type JSONLRecorder struct {
	lumberjack *lumberjack.Logger // rotating file writer
	handler    slog.Handler
}

// NewJSONLRecorder creates a recorder writing to file. maxSize is the file
// size in megabytes before rotation and maxBackups the number of rotated
// files kept.
func NewJSONLRecorder(file string, maxSize, maxBackups int) *JSONLRecorder {
	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return &JSONLRecorder{
		lumberjack: rotating,
		handler:    &jsonlHandler{out: rotating},
	}
}

// Append writes one entry. It is safe for concurrent use.
func (r *JSONLRecorder) Append(run string, at time.Time, url string, score float64) error {
	rec := slog.NewRecord(at, slog.LevelInfo, "", 0)
	rec.AddAttrs(
		slog.String("run", run),
		slog.String("url", url),
		slog.Float64("score", score),
	)
	return r.handler.Handle(context.Background(), rec)
}

// Close closes the underlying file.
func (r *JSONLRecorder) Close() error {
	return r.lumberjack.Close()
}

// Nop discards history.
type Nop struct{}

func (Nop) Append(string, time.Time, string, float64) error { return nil }
func (Nop) Close() error                                    { return nil }

// ReadFile reads every entry of a history file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
