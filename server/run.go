package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alechenninger/kestrel/config"
	"github.com/alechenninger/kestrel/graph"
	"github.com/alechenninger/kestrel/model"
	"github.com/alechenninger/kestrel/probes/logging"
	"github.com/alechenninger/kestrel/probes/metrics"
	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
)

// Run wires a store, engine, and HTTP server from cfg and serves until ctx
// is canceled or a shutdown signal arrives.
func Run(ctx context.Context, cfg *config.Config, conditions map[schema.ConditionName]*schema.Condition) error {
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, stream, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []graph.Option{
		graph.WithObserver(multiObserver{
			logging.NewEngineObserver(logger),
			metrics.NewEngineObserver(registry),
		}),
		graph.WithLimits(graph.Limits{
			MaxDepth:    cfg.Engine.MaxDepth,
			MaxVisits:   cfg.Engine.MaxVisits,
			MaxParallel: cfg.Engine.MaxParallel,
		}),
	}

	var cache *graph.LRUCache
	if cfg.Cache.Enabled {
		cache = graph.NewLRUCache(cfg.Cache.Size, cfg.Cache.TTL)
		opts = append(opts, graph.WithCache(cache))
	}

	models := model.NewStore()
	engine := graph.NewEngine(models, st, opts...)

	if cache != nil && stream != nil {
		head, err := st.HeadRevision(ctx)
		if err != nil {
			return err
		}
		go func() {
			if err := graph.InvalidateOnChanges(ctx, cache, stream, head, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("cache invalidation stopped", "error", err)
			}
		}()
	}

	srv := New(engine, models, Options{
		Logger:     logger,
		Conditions: conditions,
		Registry:   registry,
	})
	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen, "store", cfg.Store.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		return shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		if err := shutdown(); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, store.ChangeStream, error) {
	switch cfg.Backend {
	case "memory":
		st := store.NewMemoryStore()
		return st, st, nil
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.ConnString)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		stream := store.NewPostgresChangeStream(st.Pool(), cfg.PollInterval)
		return st, stream, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// multiObserver fans observer callbacks out to several observers, pairing
// each operation with a probe per observer.
type multiObserver []graph.EngineObserver

func (m multiObserver) CheckStarted(ctx context.Context, req graph.CheckRequest) (context.Context, graph.CheckProbe) {
	probes := make(multiCheckProbe, 0, len(m))
	for _, o := range m {
		var p graph.CheckProbe
		ctx, p = o.CheckStarted(ctx, req)
		probes = append(probes, p)
	}
	return ctx, probes
}

func (m multiObserver) ExpandStarted(ctx context.Context, req graph.ExpandRequest) (context.Context, graph.ExpandProbe) {
	probes := make(multiExpandProbe, 0, len(m))
	for _, o := range m {
		var p graph.ExpandProbe
		ctx, p = o.ExpandStarted(ctx, req)
		probes = append(probes, p)
	}
	return ctx, probes
}

func (m multiObserver) ListObjectsStarted(ctx context.Context, req graph.ListObjectsRequest) (context.Context, graph.ListProbe) {
	probes := make(multiListProbe, 0, len(m))
	for _, o := range m {
		var p graph.ListProbe
		ctx, p = o.ListObjectsStarted(ctx, req)
		probes = append(probes, p)
	}
	return ctx, probes
}

func (m multiObserver) ListRelationsStarted(ctx context.Context, req graph.ListRelationsRequest) (context.Context, graph.ListProbe) {
	probes := make(multiListProbe, 0, len(m))
	for _, o := range m {
		var p graph.ListProbe
		ctx, p = o.ListRelationsStarted(ctx, req)
		probes = append(probes, p)
	}
	return ctx, probes
}

func (m multiObserver) WriteStarted(ctx context.Context, req graph.WriteTuplesRequest) (context.Context, graph.WriteProbe) {
	probes := make(multiWriteProbe, 0, len(m))
	for _, o := range m {
		var p graph.WriteProbe
		ctx, p = o.WriteStarted(ctx, req)
		probes = append(probes, p)
	}
	return ctx, probes
}

type multiCheckProbe []graph.CheckProbe

func (m multiCheckProbe) CacheHit(allowed bool) {
	for _, p := range m {
		p.CacheHit(allowed)
	}
}

func (m multiCheckProbe) RelationEntered(object store.ObjectRef, relation schema.RelationName, depth int) {
	for _, p := range m {
		p.RelationEntered(object, relation, depth)
	}
}

func (m multiCheckProbe) DirectLookup(object store.ObjectRef, relation schema.RelationName) {
	for _, p := range m {
		p.DirectLookup(object, relation)
	}
}

func (m multiCheckProbe) ArrowTraversal(tupleset, computed schema.RelationName) {
	for _, p := range m {
		p.ArrowTraversal(tupleset, computed)
	}
}

func (m multiCheckProbe) CycleDetected(key graph.VisitedKey) {
	for _, p := range m {
		p.CycleDetected(key)
	}
}

func (m multiCheckProbe) Result(allowed bool, rev store.Revision) {
	for _, p := range m {
		p.Result(allowed, rev)
	}
}

func (m multiCheckProbe) Error(err error) {
	for _, p := range m {
		p.Error(err)
	}
}

func (m multiCheckProbe) End() {
	for _, p := range m {
		p.End()
	}
}

type multiExpandProbe []graph.ExpandProbe

func (m multiExpandProbe) Result(leafSubjects int, rev store.Revision) {
	for _, p := range m {
		p.Result(leafSubjects, rev)
	}
}

func (m multiExpandProbe) Error(err error) {
	for _, p := range m {
		p.Error(err)
	}
}

func (m multiExpandProbe) End() {
	for _, p := range m {
		p.End()
	}
}

type multiListProbe []graph.ListProbe

func (m multiListProbe) Candidates(n int) {
	for _, p := range m {
		p.Candidates(n)
	}
}

func (m multiListProbe) Result(n int, rev store.Revision) {
	for _, p := range m {
		p.Result(n, rev)
	}
}

func (m multiListProbe) Error(err error) {
	for _, p := range m {
		p.Error(err)
	}
}

func (m multiListProbe) End() {
	for _, p := range m {
		p.End()
	}
}

type multiWriteProbe []graph.WriteProbe

func (m multiWriteProbe) Committed(rev store.Revision) {
	for _, p := range m {
		p.Committed(rev)
	}
}

func (m multiWriteProbe) Error(err error) {
	for _, p := range m {
		p.Error(err)
	}
}

func (m multiWriteProbe) End() {
	for _, p := range m {
		p.End()
	}
}
