package score

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"monoqueue/internal/expr"
	"monoqueue/internal/utils"

	"golang.org/x/sync/errgroup"
)

// Store is the item collection a scoring pass reads from and writes to.
type Store interface {
	// URLs lists the items to score.
	URLs() []string
	// Fields returns the field map rules are evaluated against.
	Fields(url string) (map[string]any, bool)
	// SetScore replaces the item's score and annotations.
	SetScore(url string, score float64, annotations []Annotation)
}

// RuleFailure records a rule skipped for an item because its condition or
// consequence could not be evaluated.
type RuleFailure struct {
	URL  string
	Rule string
	Err  error
}

func (f RuleFailure) String() string {
	return fmt.Sprintf("%s: %v", f.URL, f.Err)
}

// Result is the outcome of scoring one item.
type Result struct {
	// Score is the final total. It starts at 0 and is never clamped.
	Score float64
	// Annotations lists the applied consequences in rule order.
	Annotations []Annotation
	// Failures lists the rules skipped because of evaluation errors.
	Failures []RuleFailure

	fired []int
}

// Report summarizes a scoring pass.
type Report struct {
	// Scored is the number of items scored.
	Scored int
	// Failed is the total number of rule failures.
	Failed int
	// Failures holds the most recent failures, bounded by the engine's
	// failure log size.
	Failures []RuleFailure
	// Dropped counts the failures pushed out of Failures by newer ones.
	Dropped int
	// Irrelevant names the rules that applied to no item, in rule order.
	Irrelevant []string
	// Duration is the wall time of the pass.
	Duration time.Duration
}

// Engine applies an ordered, immutable rule list to items.
type Engine struct {
	rules    []Rule       // rules in declaration order
	workers  int          // parallel items in ScoreAll
	failures int          // capacity of the failure log
	logger   *slog.Logger // destination for rule failures
	metrics  *Metrics
}

// NewEngine creates an engine over rules. The slice is copied. A workers
// value below 1 means GOMAXPROCS, and a failures value below 1 means 100.
func NewEngine(rules []Rule, workers, failures int, logger *slog.Logger) *Engine {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	if failures < 1 {
		failures = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	engine := Engine{
		rules:    append([]Rule(nil), rules...),
		workers:  workers,
		failures: failures,
		logger:   logger.With("component", "score"),
		metrics:  NewMetrics(),
	}
	engine.metrics.RulesLoaded.Set(float64(len(rules)))
	return &engine
}

// Rules returns a copy of the engine's rules.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Score applies every rule, in order, to one item's fields.
//
// A rule whose condition fails to evaluate is recorded in Result.Failures
// and skipped. A falsy condition skips the rule. Otherwise the consequence
// changes the running total and an annotation is appended.
func (e *Engine) Score(url string, fields map[string]any) Result {
	var res Result
	for i := range e.rules {
		rule := &e.rules[i]

		v, err := rule.program.Eval(fields)
		if err != nil {
			e.fail(&res, url, rule, err)
			continue
		}
		if !expr.Truthy(v) {
			continue
		}

		ann := Annotation{Rule: rule.Name, Op: "+", Label: rule.Label}
		switch rule.Then.Kind {
		case Fixed:
			ann.Value = rule.Then.Value
			res.Score += ann.Value
		case Scaled:
			n, ok := expr.Number(v)
			if !ok {
				e.fail(&res, url, rule, &expr.EvaluationError{
					Rule: rule.Name,
					Expr: rule.program.Root().String(),
					Msg:  fmt.Sprintf("scaled consequence %s needs a number, got %v", rule.Then, v),
				})
				continue
			}
			ann.Value = n * rule.Then.Value
			res.Score += ann.Value
		case Divide:
			ann.Op = "/"
			ann.Value = rule.Then.Value
			res.Score /= ann.Value
		}

		res.Annotations = append(res.Annotations, ann)
		res.fired = append(res.fired, i)
		e.metrics.RecordFired(rule.Name)
	}
	return res
}

func (e *Engine) fail(res *Result, url string, rule *Rule, err error) {
	res.Failures = append(res.Failures, RuleFailure{URL: url, Rule: rule.Name, Err: err})
	e.metrics.RecordError(rule.Name)
	e.logger.Warn("rule skipped", "rule", rule.Name, "url", url, "error", err)
}

// ScoreAll scores every item of store in parallel and writes each result
// back, replacing the previous score and annotations. It stops early only
// when ctx is cancelled.
func (e *Engine) ScoreAll(ctx context.Context, store Store) (Report, error) {
	start := time.Now()
	urls := store.URLs()

	fired := make([]atomic.Bool, len(e.rules))
	failures := utils.NewRingBuffer[RuleFailure](e.failures)
	var scored, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, url := range urls {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fields, ok := store.Fields(url)
			if !ok {
				return nil
			}
			res := e.Score(url, fields)
			store.SetScore(url, res.Score, res.Annotations)

			for _, i := range res.fired {
				fired[i].Store(true)
			}
			for _, f := range res.Failures {
				failures.Push(f)
			}
			failed.Add(int64(len(res.Failures)))
			scored.Add(1)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	report := Report{
		Scored:   int(scored.Load()),
		Failed:   int(failed.Load()),
		Failures: failures.ToSlice(),
		Dropped:  failures.Evicted(),
		Duration: time.Since(start),
	}
	for i := range e.rules {
		if !fired[i].Load() {
			report.Irrelevant = append(report.Irrelevant, e.rules[i].Name)
			e.logger.Debug("irrelevant rule", "rule", e.rules[i].Name)
		}
	}
	e.metrics.RecordPass(report.Scored, report.Duration.Seconds())
	e.logger.Info("scoring finished", "items", report.Scored, "failures", report.Failed, "duration", report.Duration)
	return report, err
}
