// Package loregraph is the entry point of the temporal knowledge graph: it
// wires storage, entity resolution, deduplication, merging, temporal
// filtering and provenance behind one engine, and observes every operation
// with metrics and traces.
package loregraph

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/dedup"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/metrics"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/provenance"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/resolve"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/similarity"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/trace"
)

// Graph is the main entry point for the knowledge graph engine.
// It is safe for concurrent use once configured; the With* methods are meant
// for setup and must not race with operations.
type Graph struct {
	config    Config
	store     store.Store
	ownsStore bool
	logger    *slog.Logger

	metrics  metrics.Collector
	registry *prometheus.Registry
	tracer   trace.Exporter

	coOccurrence similarity.CoOccurrence
	scorer       *similarity.Scorer
	resolver     *resolve.Resolver
	sweeper      *dedup.Sweeper
	provenance   *provenance.Log
}

// New creates a Graph backed by the store cfg selects: SQLite when DBPath is
// set, an in-memory store otherwise. The Graph owns the store and closes it.
func New(cfg Config) (*Graph, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var s store.Store
	if cfg.DBPath == "" {
		s = store.NewMemoryStore()
	} else {
		sq, err := store.NewSQLiteStore(cfg.DBPath, store.WithDriver(cfg.Driver))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		s = sq
	}

	g, err := newGraph(cfg, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	g.ownsStore = true
	return g, nil
}

// NewWithStore creates a Graph over a caller-provided store.
// The caller keeps ownership of s; Close does not close it.
func NewWithStore(cfg Config, s store.Store) (*Graph, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is required", store.ErrValidation)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newGraph(cfg, s)
}

func newGraph(cfg Config, s store.Store) (*Graph, error) {
	tracer, err := trace.NewFileExporter(cfg.TracePath, trace.WithMaxSize(cfg.TraceMaxSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	g := &Graph{
		config:       cfg,
		store:        s,
		logger:       slog.New(slog.DiscardHandler),
		metrics:      metrics.NewNoopCollector(),
		tracer:       tracer,
		coOccurrence: similarity.NoCoOccurrence{},
	}
	if cfg.MetricsEnabled {
		collector := metrics.NewCollector()
		g.metrics = collector
		g.registry = collector.Registry()
	}

	if err := g.wire(); err != nil {
		tracer.Close()
		return nil, err
	}
	if cfg.Logger != nil {
		g.WithLogger(cfg.Logger)
	}
	return g, nil
}

// wire (re)builds the components from the current logger and signals.
func (g *Graph) wire() error {
	scorer, err := similarity.NewScorer(g.config.Weights, g.store,
		similarity.WithCoOccurrence(g.coOccurrence),
		similarity.WithLogger(g.component("similarity")))
	if err != nil {
		return fmt.Errorf("failed to create scorer: %w", err)
	}
	g.scorer = scorer
	g.resolver = resolve.New(g.store, resolve.WithLogger(g.component("resolve")))
	g.sweeper = dedup.New(g.store, scorer,
		dedup.WithThreshold(g.config.SweepThreshold),
		dedup.WithTopK(g.config.SweepTopK),
		dedup.WithExhaustiveLimit(g.config.SweepExhaustiveLimit),
		dedup.WithConcurrency(g.config.SweepConcurrency),
		dedup.WithLogger(g.component("dedup")))
	g.provenance = provenance.New(g.store, provenance.WithLogger(g.component("provenance")))
	return nil
}

func (g *Graph) component(name string) *slog.Logger {
	return g.logger.With("component", name)
}

// WithLogger sets the logger for the Graph and every component it wires.
// A nil logger discards output. Returns the same Graph for chaining.
func (g *Graph) WithLogger(logger *slog.Logger) *Graph {
	if g == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g.logger = logger
	if err := g.wire(); err != nil {
		g.logger.Error("failed to rewire components", "error", err)
	}

	// Only settings that carry no content or credentials.
	g.logger.Info("loregraph configured",
		"persistent", g.config.DBPath != "" && g.config.DBPath != ":memory:",
		"driver", g.config.Driver,
		"sweep_threshold", g.config.SweepThreshold,
		"sweep_top_k", g.config.SweepTopK,
		"metrics_enabled", g.config.MetricsEnabled,
		"tracing_enabled", g.config.TracePath != "")
	return g
}

// WithCoOccurrence plugs in the co-occurrence signal used by the scorer.
// Nil restores the default, which always scores 0.
func (g *Graph) WithCoOccurrence(c similarity.CoOccurrence) *Graph {
	if g == nil {
		return nil
	}
	if c == nil {
		c = similarity.NoCoOccurrence{}
	}
	g.coOccurrence = c
	if err := g.wire(); err != nil {
		g.logger.Error("failed to rewire components", "error", err)
	}
	return g
}

// WithTraceExporter replaces the trace exporter, closing the previous one.
// Nil disables trace export.
func (g *Graph) WithTraceExporter(e trace.Exporter) *Graph {
	if g == nil {
		return nil
	}
	if e == nil {
		e = &trace.NoopExporter{}
	}
	if err := g.tracer.Close(); err != nil {
		g.logger.Warn("failed to close previous trace exporter", "error", err)
	}
	g.tracer = e
	return g
}

// Config returns the effective configuration, defaults applied.
func (g *Graph) Config() Config {
	return g.config
}

// Store returns the underlying store.
func (g *Graph) Store() store.Store {
	return g.store
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (g *Graph) Registry() *prometheus.Registry {
	return g.registry
}

// Close flushes traces and closes the store if the Graph opened it.
func (g *Graph) Close() error {
	var errs []error
	if err := g.tracer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close trace exporter: %w", err))
	}
	if g.ownsStore {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
