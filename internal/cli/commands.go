// Package cli implements the mq command line tool.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"monoqueue/internal/configuration"
	"monoqueue/internal/expr"
	"monoqueue/internal/history"
	"monoqueue/internal/server"
	"monoqueue/internal/source"
)

var version = "dev"

// NewRootCmd builds the mq command tree. Sources are resolved through
// registry; nil means DefaultRegistry.
func NewRootCmd(registry *source.Registry) *cobra.Command {
	if registry == nil {
		registry = DefaultRegistry()
	}
	var configPath string

	root := &cobra.Command{
		Use:   "mq",
		Short: "One prioritized queue of action items from many sources",
		Long: `mq gathers action items (issues, forum topics, bookmarks) from the
configured sources into one store and ranks them with user-defined rules.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", configuration.DefaultPath(), "configuration file")

	open := func(opts appOptions) (*app, error) {
		return newApp(configPath, registry, opts)
	}
	root.AddCommand(
		newUpCmd(open),
		newLsCmd(open),
		newInfoCmd(open),
		newDeferCmd(open),
		newRulesCmd(open),
		newHistoryCmd(open),
		newServeCmd(open),
	)
	return root
}

type opener func(appOptions) (*app, error)

func newUpCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Update action items from the configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(appOptions{sources: true, history: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.queue.Load(cmd.Context()); err != nil {
				return err
			}
			report, err := a.queue.Update(cmd.Context())
			if err != nil {
				return err
			}

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			for _, se := range report.Sources {
				fmt.Fprintf(errOut, "warning: %v\n", se)
			}
			if n := len(report.Skipped); n > 0 {
				fmt.Fprintf(errOut, "warning: %d malformed records skipped\n", n)
			}
			if n := report.Score.Failed; n > 0 {
				fmt.Fprintf(errOut, "warning: %d rule evaluations failed\n", n)
				for _, f := range report.Score.Failures {
					fmt.Fprintf(errOut, "  %v\n", f)
				}
				if report.Score.Dropped > 0 {
					fmt.Fprintf(errOut, "  (%d earlier failures not shown)\n", report.Score.Dropped)
				}
			}
			if len(report.Score.Irrelevant) > 0 {
				fmt.Fprintf(out, "irrelevant rules: %s\n", strings.Join(report.Score.Irrelevant, ", "))
			}
			fmt.Fprintf(out, "%d items scored (run %s)\n", report.Score.Scored, report.Run)
			return nil
		},
	}
}

func newLsCmd(open opener) *cobra.Command {
	var (
		limit int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List action items by score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.queue.Load(cmd.Context()); err != nil {
				return err
			}
			ranked := a.queue.Ranked(all)
			if limit > 0 && limit < len(ranked) {
				ranked = ranked[:limit]
			}
			for _, it := range ranked {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s -- %s\n", expr.FormatNumber(it.Score), it.URL, it.Title())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "number", "n", 10, "number of items to list (0 for all)")
	cmd.Flags().BoolVar(&all, "all", false, "include deferred items")
	return cmd
}

type infoView struct {
	Score       float64             `json:"score"`
	Active      bool                `json:"active"`
	Annotations []string            `json:"annotations"`
	Fields      map[string]any      `json:"fields"`
	Provenance  map[string][]string `json:"provenance,omitempty"`
	Metadata    any                 `json:"metadata,omitempty"`
}

func newInfoCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "info <term>...",
		Short: "Show details of the items whose URL contains a term",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.queue.Load(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, it := range a.queue.Find(args...) {
				view := infoView{
					Score:       it.Score,
					Active:      a.queue.Active(it.URL),
					Annotations: make([]string, len(it.Annotations)),
					Fields:      it.Fields,
					Provenance:  it.Provenance,
				}
				for i, an := range it.Annotations {
					view.Annotations[i] = an.String()
				}
				if meta := a.queue.Metadata(it.URL); meta.DeferredUntil != "" {
					view.Metadata = meta
				}
				body, err := json.MarshalIndent(view, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "[%s]\n%s\n\n", it.URL, body)
			}
			return nil
		},
	}
}

func newDeferCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "defer <url> <days>",
		Short: "Hide an item for a number of days, or until it changes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("days: %w", err)
			}
			a, err := open(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.queue.Load(cmd.Context()); err != nil {
				return err
			}
			meta, err := a.queue.Defer(args[0], days)
			if err != nil {
				return err
			}
			if err := a.queue.SaveMetadata(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deferred until %s\n", args[0], meta.DeferredUntil)
			return nil
		},
	}
}

func newRulesCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Load the rules and report the ones that were rejected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, r := range a.rules.Rules {
				fmt.Fprintln(out, r.String())
			}
			for _, e := range a.rules.Errors {
				fmt.Fprintf(out, "rejected: %v\n", e)
			}
			if n := len(a.rules.Errors); n > 0 {
				return fmt.Errorf("%d of %d rules rejected", n, n+len(a.rules.Rules))
			}
			return nil
		},
	}
}

func newHistoryCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "history <term>...",
		Short: "Show the recorded scores of the items whose URL contains a term",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.History.File == "" {
				return errors.New("history.file is not configured")
			}
			entries, err := history.ReadFile(a.cfg.History.File)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				for _, term := range args {
					if term != "" && strings.Contains(e.URL, term) {
						fmt.Fprintf(out, "%s [%s] %s (run %s)\n", e.Time, expr.FormatNumber(e.Score), e.URL, e.Run)
						break
					}
				}
			}
			return nil
		},
	}
}

func newServeCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the queue over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := a.queue.Load(ctx); err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(a.cfg.Storage.Items), 0o755); err != nil {
				return err
			}
			reloader, err := server.NewReloader(a.cfg.Storage.Items, a.queue.Load, 200*time.Millisecond, a.logger)
			if err != nil {
				return fmt.Errorf("watch %s: %w", a.cfg.Storage.Items, err)
			}
			go reloader.Run(ctx)

			srv := server.NewServer(a.cfg.Server.Address, server.NewApiV1Router(a.cfg.Server.Static, a.queue, a.logger))
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			a.logger.Info("Server listening " + a.cfg.Server.Address)

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*10)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("Server shutdown", "error", err)
			}
			a.logger.Info("Server stopped")
			return nil
		},
	}
}
