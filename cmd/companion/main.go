package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/companion/internal/admin"
	"github.com/xiy/companion/internal/mcp"
	"github.com/xiy/companion/internal/rules"
)

const version = "v0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "companion",
	Short:         "Memory and proactive engagement core for an AI companion",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/companion.yaml", "Path to config file")

	rulesCmd := &cobra.Command{Use: "rules", Short: "Inspect proactive rules"}
	rulesCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List rules and their cooldown state", Args: cobra.NoArgs, RunE: runRulesList},
		&cobra.Command{Use: "check", Short: "Run one evaluation pass now", Args: cobra.NoArgs, RunE: runRulesCheck},
	)

	rootCmd.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the MCP stdio server and trigger scheduler", Args: cobra.NoArgs, RunE: runServe},
		&cobra.Command{Use: "admin", Short: "Open the terminal dashboard", Args: cobra.NoArgs, RunE: runAdmin},
		&cobra.Command{
			Use:   "status [command...]",
			Short: "Record a status such as \"meal lunch noodles\", or show today's state",
			RunE:  runStatus,
		},
		rulesCmd,
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run:   func(*cobra.Command, []string) { fmt.Println("companion " + version) },
		},
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := cmd.Context()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := mcp.NewServer(mcp.Backend{
		Memory:   a.memory,
		Statuses: a.statuses,
		Rules:    a.registry,
	}, cfg.ServerName, version, logger, a.store)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Scheduler.Enabled {
		a.scheduler.Start(ctx)
		defer a.scheduler.Stop()
	}
	if a.hub != nil {
		g.Go(func() error { return a.hub.Serve(ctx, cfg.Notify.ListenAddr, cfg.Notify.Path) })
	}
	g.Go(func() error {
		logger.Info("starting MCP stdio server", "db", cfg.DBPath, "rules", len(a.registry.Rules()))
		err := server.Serve(ctx, os.Stdin, os.Stdout)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		// stdin closed: the client is gone, stop the rest.
		return errStdinClosed
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStdinClosed) {
		return err
	}
	return nil
}

var errStdinClosed = errors.New("stdin closed")

func runAdmin(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return admin.Run(cmd.Context(), a.store, a.registry)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) > 0 {
		rec, err := a.statuses.RecordCommand(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printJSON(rec)
	}
	snap, err := a.statuses.Snapshot(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runRulesList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	out := make([]rules.RuleStatus, 0, len(a.registry.Rules()))
	for _, r := range a.registry.Rules() {
		st, err := a.registry.Status(r.ID, now)
		if err != nil {
			return err
		}
		out = append(out, st)
	}
	return printJSON(out)
}

func runRulesCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	decisions, err := a.scheduler.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	type row struct {
		Rule  string      `json:"rule"`
		State rules.State `json:"state"`
		Draw  float64     `json:"draw,omitempty"`
	}
	out := make([]row, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, row{Rule: d.Rule.ID, State: d.State, Draw: d.Draw})
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
