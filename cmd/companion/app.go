package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/internal/curator"
	"github.com/xiy/companion/internal/embeddings"
	"github.com/xiy/companion/internal/llm"
	"github.com/xiy/companion/internal/memory"
	"github.com/xiy/companion/internal/notify"
	"github.com/xiy/companion/internal/retrieval"
	"github.com/xiy/companion/internal/rules"
	"github.com/xiy/companion/internal/scheduler"
	"github.com/xiy/companion/internal/status"
	"github.com/xiy/companion/internal/store"
	"github.com/xiy/companion/internal/vector"
)

// app holds every wired component for one process.
type app struct {
	cfg       config.Config
	logger    *log.Logger
	store     *store.SQLiteStore
	statuses  *status.Service
	registry  *rules.Registry
	memory    *memory.Service
	hub       *notify.Hub
	scheduler *scheduler.Scheduler
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)
	return logger
}

// openStore opens the database with its vector index rebuilt.
func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (*store.SQLiteStore, error) {
	idx, err := vector.NewChromem()
	if err != nil {
		return nil, err
	}
	return store.OpenSQLite(ctx, cfg.DBPath, logger,
		store.WithVectorIndex(idx),
		store.WithDimensions(cfg.Embeddings.Dimensions),
	)
}

// buildApp wires the store, memory pipeline, rules and scheduler.
func buildApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}

	emb, err := embeddings.New(cfg.Embeddings, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	clients := llm.New(cfg.LLM, logger)

	a.statuses = status.NewService(st, logger, cfg.Scheduler.RecentStatusLimit)
	a.memory = memory.NewService(memory.Deps{
		Store:     st,
		Ranker:    retrieval.New(st, emb, cfg.Retrieval, logger),
		Curator:   curator.New(st, emb, cfg.Curation, logger),
		Extractor: clients.Extractor,
		Statuses:  a.statuses,
	}, cfg.Retrieval, logger)

	ruleSet, err := rules.LoadFile(cfg.RulesPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}
	a.registry, err = rules.NewRegistry(ctx, ruleSet, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	// With a hub, the log is only an audit trail; without one it is the delivery target.
	logSink := notify.NewLogDispatcher(logger)
	dispatchers := notify.Fanout{Targets: []notify.Dispatcher{logSink}}
	if cfg.Notify.ListenAddr != "" {
		a.hub = notify.NewHub(logger)
		dispatchers = notify.Fanout{Audit: logSink, Targets: []notify.Dispatcher{a.hub}}
	}
	a.scheduler = scheduler.New(scheduler.Deps{
		Snapshots:  a.statuses,
		Evaluator:  rules.NewEvaluator(a.registry, rules.NewRandom(), logger),
		Generator:  clients.Generator,
		Dispatcher: dispatchers,
		Summaries:  st,
	}, cfg.Scheduler, logger, nil)
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}
