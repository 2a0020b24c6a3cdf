package history

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLRecorder_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	rec := NewJSONLRecorder(path, 1, 1)

	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, rec.Append("run-1", at, "https://x/1", 6))
	require.NoError(t, rec.Append("run-1", at, "https://x/2", 0.5))
	require.NoError(t, rec.Close())

	entries, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Run: "run-1", Time: "2024-05-06T07:08:09Z", URL: "https://x/1", Score: 6},
		{Run: "run-1", Time: "2024-05-06T07:08:09Z", URL: "https://x/2", Score: 0.5},
	}, entries)
}

func TestJSONLRecorder_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	rec := NewJSONLRecorder(path, 1, 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rec.Append("r", time.Now(), "u", float64(i)))
		}()
	}
	wg.Wait()
	require.NoError(t, rec.Close())

	entries, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestJSONLHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&jsonlHandler{out: &buf}).With("run", "abc")
	logger.WithGroup("ignored").Log(context.Background(), slog.LevelInfo, "dropped", "url", "u")

	assert.Contains(t, buf.String(), `"run":"abc"`)
	assert.Contains(t, buf.String(), `"url":"u"`)
	assert.NotContains(t, buf.String(), "dropped")
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NoError(t, r.Append("r", time.Now(), "u", 1))
	assert.NoError(t, r.Close())
}
