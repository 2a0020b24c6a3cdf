package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"monoqueue/internal/history"
	"monoqueue/internal/source"
	"monoqueue/internal/sphere"
	"monoqueue/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listSource struct {
	name string
	urls []any
}

func (s *listSource) Name() string { return s.name }

func (s *listSource) Fetch(context.Context) ([]sphere.Record, error) {
	records := make([]sphere.Record, 0, len(s.urls))
	for _, u := range s.urls {
		url, _ := u.(string)
		records = append(records, sphere.Record{URL: url, Fields: map[string]any{
			"title": "item " + strings.TrimPrefix(url, "https://x/"),
			"issue": map[string]any{"state": "open", "comments": float64(len(records))},
		}})
	}
	return records, nil
}

func testRegistry() *source.Registry {
	reg := source.NewRegistry()
	reg.Register("list", func(name string, opts source.Options, _ *slog.Logger) (source.Source, error) {
		urls, _ := opts["urls"].([]any)
		return &listSource{name: name, urls: urls}, nil
	})
	return reg
}

type env struct {
	dir    string
	config string
}

func newEnv(t *testing.T, rules string) *env {
	t.Helper()
	t.Setenv("DEBUG", "")
	dir := t.TempDir()
	config := `
logger:
  level: error
  file: ` + filepath.Join(dir, "mq.log") + `
storage:
  items: ` + filepath.Join(dir, "data", "items.json") + `
  metadata: ` + filepath.Join(dir, "data", "metadata.json") + `
history:
  file: ` + filepath.Join(dir, "history.jsonl") + `
scoring:
  rules:
` + rules + `
sources:
  - name: tracker
    handler: list
    options:
      urls: ["https://x/1", "https://x/2", "https://x/3"]
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o644))
	return &env{dir: dir, config: path}
}

const defaultRules = `    - 'open = issue/state == "open" -> +1: open'
    - 'talk = issue/comments -> +X: comments'
    - 'never = issue/state == "closed" -> -5: closed'`

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(testRegistry())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestUpAndLs(t *testing.T) {
	e := newEnv(t, defaultRules)

	out, err := e.run(t, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "3 items scored")
	assert.Contains(t, out, "irrelevant rules: never")

	out, err = e.run(t, "ls")
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"[3] https://x/3 -- item 3",
		"[2] https://x/2 -- item 2",
		"[1] https://x/1 -- item 1",
	}, "\n")+"\n", out)

	out, err = e.run(t, "ls", "-n", "1")
	require.NoError(t, err)
	assert.Equal(t, "[3] https://x/3 -- item 3\n", out)

	entries, err := history.ReadFile(filepath.Join(e.dir, "history.jsonl"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestDeferAndLsAll(t *testing.T) {
	e := newEnv(t, defaultRules)
	_, err := e.run(t, "up")
	require.NoError(t, err)

	out, err := e.run(t, "defer", "https://x/3", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "https://x/3 deferred until ")

	out, err = e.run(t, "ls")
	require.NoError(t, err)
	assert.NotContains(t, out, "https://x/3")

	out, err = e.run(t, "ls", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "https://x/3")

	_, err = e.run(t, "defer", "https://x/9", "2")
	assert.Error(t, err)
	_, err = e.run(t, "defer", "https://x/1", "soon")
	assert.Error(t, err)
}

func TestInfo(t *testing.T) {
	e := newEnv(t, defaultRules)
	_, err := e.run(t, "up")
	require.NoError(t, err)

	out, err := e.run(t, "info", "x/2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "[https://x/2]\n"))
	assert.Contains(t, out, `"score": 2`)
	assert.Contains(t, out, `"+1: open"`)
	assert.Contains(t, out, `"+1: comments"`)
	assert.Contains(t, out, `"tracker"`)
	assert.NotContains(t, out, "https://x/1")

	_, err = e.run(t, "info")
	assert.Error(t, err)
}

func TestRules(t *testing.T) {
	e := newEnv(t, defaultRules+`
    - 'broken = issue/state == -> +1: oops'`)

	out, err := e.run(t, "rules")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 4 rules rejected")
	assert.Contains(t, out, "open = ")
	assert.Contains(t, out, "rejected: line 4")

	// Rejected rules do not stop the others from scoring.
	out, err = e.run(t, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "3 items scored")
}

func TestUpReportsRuleFailures(t *testing.T) {
	e := newEnv(t, defaultRules+`
    - 'bad = issue/state < 3 -> +1: bad'`)

	out, err := e.run(t, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "warning: 3 rule evaluations failed")
	assert.Contains(t, out, "https://x/1: ")
	assert.NotContains(t, out, "earlier failures not shown")
	assert.Contains(t, out, "3 items scored")
}

func TestHistory(t *testing.T) {
	e := newEnv(t, defaultRules)
	_, err := e.run(t, "up")
	require.NoError(t, err)
	_, err = e.run(t, "up")
	require.NoError(t, err)

	out, err := e.run(t, "history", "x/3")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, "[3] https://x/3 (run ")
	}
	assert.NotContains(t, out, "https://x/1")

	_, err = e.run(t, "history")
	assert.Error(t, err)
}

func TestPersistenceErrorFails(t *testing.T) {
	e := newEnv(t, defaultRules)
	items := filepath.Join(e.dir, "data", "items.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(items), 0o755))
	require.NoError(t, os.WriteFile(items, []byte("{not json"), 0o644))

	_, err := e.run(t, "ls")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrPersistence))
}

func TestMissingConfig(t *testing.T) {
	cmd := NewRootCmd(nil)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "ls"})
	assert.Error(t, cmd.Execute())
}

func TestDefaultRegistry(t *testing.T) {
	assert.Equal(t, []string{"discourse", "firefox", "github"}, DefaultRegistry().Handlers())
}
