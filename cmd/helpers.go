package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ziadkadry99/fixflow/internal/audit"
	"github.com/ziadkadry99/fixflow/internal/cache"
	"github.com/ziadkadry99/fixflow/internal/config"
	"github.com/ziadkadry99/fixflow/internal/db"
	"github.com/ziadkadry99/fixflow/internal/graph"
	"github.com/ziadkadry99/fixflow/internal/issues"
	"github.com/ziadkadry99/fixflow/internal/logging"
	"github.com/ziadkadry99/fixflow/internal/metrics"
	"github.com/ziadkadry99/fixflow/internal/server"
	"github.com/ziadkadry99/fixflow/internal/session"
	"github.com/ziadkadry99/fixflow/internal/snapshot"
)

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w\nRun `fixflow init` to create a config file", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Environment, cfg.Logging.Level)
}

// app holds every component built from the config. Commands use the parts
// they need.
type app struct {
	db       *db.DB
	graph    *graph.Store
	sessions *session.Store
	cache    *cache.Cache
	feed     *snapshot.Feed
	builder  *snapshot.Builder
	engine   *session.Engine
	reaper   *session.Reaper
	audit    *audit.Store
	issues   *issues.Service
}

// newApp opens the database and wires the components together. collector
// may be nil when no metrics are exported.
func newApp(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (*app, error) {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{
		db:       database,
		graph:    graph.NewStore(database),
		sessions: session.NewStore(database),
		feed:     snapshot.NewFeed(logger.Named("feed"), server.AllowedOrigins(cfg.Server.AllowAllOrigins)...),
		audit:    audit.NewStore(database),
	}

	var (
		cacheOpts  []cache.Option
		engineOpts = []session.EngineOption{session.WithRejectAbandoned(cfg.Sessions.RejectAbandoned)}
		onReaped   func(int64)
		onWrite    func(entity, action string)
	)
	if collector != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(collector.CacheLookup))
		engineOpts = append(engineOpts, session.WithObserver(collector))
		onReaped = collector.Abandoned
		onWrite = collector.GraphWrite
	}

	a.cache = cache.New(cfg.Cache.TTL, cfg.Cache.MaxSize, cacheOpts...)
	a.builder = snapshot.NewBuilder(a.graph, a.cache, a.feed, logger.Named("snapshot"))
	if collector != nil {
		a.builder.OnBuild(collector.SnapshotBuilt)
	}
	a.engine = session.NewEngine(a.graph, a.sessions, logger.Named("session"), engineOpts...)
	a.reaper = session.NewReaper(a.sessions, cfg.Sessions.AbandonAfter, logger.Named("reaper"), onReaped)
	a.issues = issues.NewService(issues.Deps{
		Graph:        a.graph,
		Sessions:     a.sessions,
		Builder:      a.builder,
		Feed:         a.feed,
		Cache:        a.cache,
		Audit:        a.audit,
		Logger:       logger.Named("issues"),
		AbandonAfter: cfg.Sessions.AbandonAfter,
		OnWrite:      onWrite,
	})
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
