package score

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"monoqueue/internal/expr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	items  map[string]map[string]any
	scores map[string]float64
	notes  map[string][]Annotation
}

func newMemStore(items map[string]map[string]any) *memStore {
	return &memStore{
		items:  items,
		scores: make(map[string]float64),
		notes:  make(map[string][]Annotation),
	}
}

func (m *memStore) URLs() []string {
	urls := make([]string, 0, len(m.items))
	for url := range m.items {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

func (m *memStore) Fields(url string) (map[string]any, bool) {
	f, ok := m.items[url]
	return f, ok
}

func (m *memStore) SetScore(url string, score float64, annotations []Annotation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[url] = score
	m.notes[url] = annotations
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustEngine(t *testing.T, rules string) *Engine {
	t.Helper()
	report := ParseRules(rules)
	require.NoError(t, report.Err())
	return NewEngine(report.Rules, 4, 10, quietLogger())
}

func openIssue() map[string]any {
	return map[string]any{
		"url": "https://x/1",
		"issue": map[string]any{
			"state":     "open",
			"title":     "Crash on startup",
			"comments":  10.0,
			"assignees": map[string]any{"login": []any{"me"}},
			"milestone": map[string]any{"title": "unscheduled"},
		},
	}
}

func TestEngine_Score_OpenAndAssigned(t *testing.T) {
	engine := mustEngine(t, `
state = issue/state == "open" -> +1: open issue
mine = "me" in issue/assignees/login -> +5: assigned to me
`)
	res := engine.Score("https://x/1", openIssue())

	assert.Equal(t, 6.0, res.Score)
	assert.Equal(t, []Annotation{
		{Rule: "state", Op: "+", Value: 1, Label: "open issue"},
		{Rule: "mine", Op: "+", Value: 5, Label: "assigned to me"},
	}, res.Annotations)
	assert.Empty(t, res.Failures)
}

func TestEngine_Score_DivisorAfterAccumulation(t *testing.T) {
	engine := mustEngine(t, `
base = true -> +50: baseline
unscheduled = issue/milestone/title == "unscheduled" -> /100: unscheduled
`)
	res := engine.Score("https://x/1", openIssue())

	assert.Equal(t, 0.5, res.Score)
	require.Len(t, res.Annotations, 2)
	assert.Equal(t, "/100: unscheduled", res.Annotations[1].String())
}

func TestEngine_Score_OrderMatters(t *testing.T) {
	engine := mustEngine(t, `
half = true -> /2
plus = true -> +10
`)
	assert.Equal(t, 10.0, engine.Score("u", nil).Score)

	engine = mustEngine(t, `
plus = true -> +10
half = true -> /2
`)
	assert.Equal(t, 5.0, engine.Score("u", nil).Score)
}

func TestEngine_Score_MalformedRuleRejectedOthersApply(t *testing.T) {
	report := ParseRules(`
good = issue/state == "open" -> +1
broken = (issue/state == "open" -> +2
mine = "me" in issue/assignees/login -> +5
`)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "broken", report.Errors[0].Rule())
	assert.Equal(t, 3, report.Errors[0].Line)
	assert.True(t, errors.Is(report.Errors[0], expr.ErrSyntax))
	assert.Contains(t, report.Err().Error(), "unmatched parenthesis")

	engine := NewEngine(report.Rules, 1, 10, quietLogger())
	res := engine.Score("https://x/1", openIssue())
	assert.Equal(t, 6.0, res.Score)
	assert.Len(t, res.Annotations, 2)
}

func TestEngine_Score_MissingFieldIsFalsy(t *testing.T) {
	engine := mustEngine(t, `
labelled = "bug" in issue/labels/name -> +3
old = issue/closed_at < "2020" -> +1
`)
	res := engine.Score("u", openIssue())
	assert.Equal(t, 0.0, res.Score)
	assert.Empty(t, res.Annotations)
	assert.Empty(t, res.Failures)
}

func TestEngine_Score_DivisionByZeroSkipsRule(t *testing.T) {
	engine := mustEngine(t, `
ratio = issue/comments / 0 -> +3
ratio_cmp = issue/comments / 0 > 1 -> +3
after = true -> +1
`)
	res := engine.Score("u", openIssue())
	assert.Equal(t, 1.0, res.Score)
	assert.Empty(t, res.Failures)
}

func TestEngine_Score_EvaluationErrorSkipsRule(t *testing.T) {
	engine := mustEngine(t, `
bad = issue/title < 3 -> +100
after = true -> +1
`)
	res := engine.Score("u", openIssue())

	assert.Equal(t, 1.0, res.Score)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "bad", res.Failures[0].Rule)
	assert.Equal(t, "u", res.Failures[0].URL)
	assert.True(t, errors.Is(res.Failures[0].Err, expr.ErrEvaluation))

	var ee *expr.EvaluationError
	require.True(t, errors.As(res.Failures[0].Err, &ee))
	assert.Equal(t, "bad", ee.Rule)
}

func TestEngine_Score_Scaled(t *testing.T) {
	engine := mustEngine(t, `
comments = issue/comments -> +X: comments
damp = issue/comments -> -0.5X: damping
open = issue/state == "open" -> +2X: open
title = issue/title -> +X: not a number
`)
	res := engine.Score("u", openIssue())

	assert.Equal(t, 7.0, res.Score)
	require.Len(t, res.Annotations, 3)
	assert.Equal(t, "+10: comments", res.Annotations[0].String())
	assert.Equal(t, "-5: damping", res.Annotations[1].String())
	assert.Equal(t, "+2: open", res.Annotations[2].String())

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "title", res.Failures[0].Rule)
	assert.True(t, errors.Is(res.Failures[0].Err, expr.ErrEvaluation))
}

func TestEngine_Score_NoClamp(t *testing.T) {
	engine := mustEngine(t, `stale = true -> -4: stale`)
	res := engine.Score("u", nil)
	assert.Equal(t, -4.0, res.Score)
	assert.Equal(t, "-4: stale", res.Annotations[0].String())
}

func TestEngine_Score_Deterministic(t *testing.T) {
	engine := mustEngine(t, `
state = issue/state == "open" -> +1: open issue
comments = issue/comments / 3 -> +X: comments
mine = "me" in issue/assignees/login -> +5: assigned to me
unscheduled = issue/milestone/title == "unscheduled" -> /7: unscheduled
`)
	first := engine.Score("u", openIssue())
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, engine.Score("u", openIssue()))
	}
}

func TestEngine_ScoreAll(t *testing.T) {
	store := newMemStore(map[string]map[string]any{
		"https://x/1": openIssue(),
		"https://x/2": {"issue": map[string]any{"state": "closed", "title": "x"}},
		"https://x/3": {"issue": map[string]any{"state": "open", "title": "y"}},
	})
	report := ParseRules(`
state = issue/state == "open" -> +1: open issue
mine = "me" in issue/assignees/login -> +5: assigned to me
never = issue/state == "merged" -> +9: merged
bad = issue/title < 3 -> +1
`)
	require.NoError(t, report.Err())
	engine := NewEngine(report.Rules, 2, 2, quietLogger())

	rep, err := engine.ScoreAll(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Scored)
	assert.Equal(t, 3, rep.Failed)
	assert.Len(t, rep.Failures, 2)
	assert.Equal(t, 1, rep.Dropped)
	assert.Equal(t, []string{"never", "bad"}, rep.Irrelevant)

	assert.Equal(t, 6.0, store.scores["https://x/1"])
	assert.Equal(t, 0.0, store.scores["https://x/2"])
	assert.Equal(t, 1.0, store.scores["https://x/3"])
	assert.Len(t, store.notes["https://x/1"], 2)
	assert.Empty(t, store.notes["https://x/2"])
}

func TestEngine_ScoreAll_Cancelled(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"https://x/1": openIssue()})
	engine := mustEngine(t, `state = issue/state == "open" -> +1`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := engine.ScoreAll(ctx, store)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rep.Scored)
}

func TestNewEngine_Defaults(t *testing.T) {
	engine := NewEngine(nil, 0, 0, nil)
	assert.GreaterOrEqual(t, engine.workers, 1)
	assert.Equal(t, 100, engine.failures)
	assert.Empty(t, engine.Rules())
}
