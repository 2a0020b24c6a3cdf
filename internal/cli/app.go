package cli

import (
	"io"
	"log/slog"
	"strings"

	"monoqueue/internal/configuration"
	"monoqueue/internal/history"
	"monoqueue/internal/logging"
	"monoqueue/internal/queue"
	"monoqueue/internal/score"
	"monoqueue/internal/source"
	"monoqueue/internal/source/discourse"
	"monoqueue/internal/source/firefox"
	"monoqueue/internal/source/github"
	"monoqueue/internal/store"
)

// DefaultRegistry returns a registry with every built-in source handler.
func DefaultRegistry() *source.Registry {
	reg := source.NewRegistry()
	reg.Register(github.Handler, github.New)
	reg.Register(discourse.Handler, discourse.New)
	reg.Register(firefox.Handler, firefox.New)
	return reg
}

// app holds the components shared by commands.
type app struct {
	cfg     *configuration.AppConfig
	logger  *slog.Logger
	rules   score.LoadReport
	queue   *queue.Queue
	closers []io.Closer
}

type appOptions struct {
	sources bool // build the configured sources
	history bool // record score history
}

func newApp(configPath string, registry *source.Registry, opts appOptions) (*app, error) {
	cfg, err := configuration.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, logCloser := logging.New(cfg.Logger)
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	a.rules, err = loadRules(cfg.Scoring)
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, e := range a.rules.Errors {
		logger.Warn("rule rejected", "rule", e.Rule(), "line", e.Line, "error", e.Err.Msg)
	}
	logger.Debug("rules loaded", "count", len(a.rules.Rules), "rejected", len(a.rules.Errors))

	qopts := queue.Options{
		Engine: score.NewEngine(a.rules.Rules, cfg.Scoring.Workers, cfg.Scoring.Failures, logger),
		Store:  store.NewFileStore(cfg.Storage.Items, cfg.Storage.Metadata),
		Order:  cfg.SourceOrder(),
		Logger: logger,
	}
	if opts.sources {
		qopts.Sources, err = registry.BuildAll(cfg.Sources, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	if opts.history && cfg.History.File != "" {
		rec := history.NewJSONLRecorder(cfg.History.File, cfg.History.MaxSize, cfg.History.MaxBackups)
		qopts.History = rec
		a.closers = append(a.closers, rec)
	}
	a.queue = queue.New(qopts)
	return a, nil
}

// loadRules reads the rules file, if any, followed by the inline rules.
func loadRules(cfg configuration.ScoringConfig) (score.LoadReport, error) {
	var reports []score.LoadReport
	if cfg.RulesFile != "" {
		report, err := score.LoadFile(cfg.RulesFile)
		if err != nil {
			return score.LoadReport{}, err
		}
		reports = append(reports, report)
	}
	if len(cfg.Rules) > 0 {
		reports = append(reports, score.ParseRules(strings.Join(cfg.Rules, "\n")))
	}
	return score.Combine(reports...), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}
