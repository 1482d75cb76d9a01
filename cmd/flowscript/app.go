package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowscript/internal/dsl"
	"github.com/rendis/flowscript/internal/engine"
	"github.com/rendis/flowscript/internal/expressions"
	"github.com/rendis/flowscript/internal/logging"
	"github.com/rendis/flowscript/internal/metrics"
	"github.com/rendis/flowscript/internal/nodes"
	"github.com/rendis/flowscript/internal/state"
	"github.com/rendis/flowscript/internal/store"
	"github.com/rendis/flowscript/internal/streaming"
)

// catalog bundles the parts shared by every command: registered node types
// and a parser that knows them.
type catalog struct {
	registry  *nodes.Registry
	evaluator *expressions.Evaluator
	parser    *dsl.Parser
}

func newCatalog() (*catalog, error) {
	reg, err := nodes.NewBuiltinRegistry()
	if err != nil {
		return nil, fmt.Errorf("register builtin nodes: %w", err)
	}
	ev := expressions.NewEvaluator()
	return &catalog{
		registry:  reg,
		evaluator: ev,
		parser:    dsl.NewParser(dsl.WithRegistry(reg), dsl.WithEvaluator(ev)),
	}, nil
}

// app is the fully wired runtime used by commands that touch persisted runs.
type app struct {
	*catalog
	cfg         Config
	log         *zap.Logger
	store       store.Store
	states      *state.Manager
	hub         *streaming.MemoryHub
	metrics     *metrics.Collector
	stopMetrics func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	cat, err := newCatalog()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &app{
		catalog:     cat,
		cfg:         cfg,
		log:         log,
		store:       st,
		states:      state.NewManager(st, state.WithLogger(log)),
		hub:         streaming.NewMemoryHub(),
		stopMetrics: func() {},
	}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewCollector("flowscript", reg, log)
		a.stopMetrics = serveMetrics(cfg.MetricsAddr, reg, log)
	}
	return a, nil
}

func (a *app) close() {
	a.stopMetrics()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) executor(runID string) *engine.Executor {
	return engine.NewExecutor(runID, a.registry, a.states,
		engine.WithEvaluator(a.evaluator),
		engine.WithEventLog(a.store),
		engine.WithRunRecorder(a.store),
		engine.WithHub(a.hub),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(a.log),
	)
}

// tapEvents writes the events a run publishes on the hub to path as JSON
// lines. An empty path taps nothing.
func (a *app) tapEvents(runID, path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	stop, err := tapEvents(a.hub, runID, f, a.log)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() {
		stop()
		if err := f.Close(); err != nil {
			a.log.Warn("close events file", zap.String("path", path), zap.Error(err))
		}
	}, nil
}

// tapEvents copies every event hub publishes for runID to w until the
// returned stop func is called. Stop drains what was already published.
func tapEvents(hub *streaming.MemoryHub, runID string, w io.Writer, log *zap.Logger) (func(), error) {
	events, unsubscribe, err := hub.Subscribe(context.Background(), streaming.EventFilter{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("subscribe to run events: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				log.Warn("write event", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}()
	return func() {
		unsubscribe()
		<-done
		if n := hub.Dropped(); n > 0 {
			log.Warn("event tap fell behind", zap.String("run_id", runID), zap.Uint64("dropped", n))
		}
	}, nil
}

func openStore(ctx context.Context, cfg Config, log *zap.Logger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store {
	case storeRedis:
		st, err = dialRedis(ctx, cfg, log)
	default:
		st, err = openLibSQL(cfg, log)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store, err)
	}
	log.Debug("store ready", zap.String("backend", cfg.Store))
	return st, nil
}

func dialRedis(ctx context.Context, cfg Config, log *zap.Logger) (store.Store, error) {
	s, err := store.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
		store.WithRedisPrefix(cfg.RedisPrefix), store.WithRedisLogger(log))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openLibSQL(cfg Config, log *zap.Logger) (store.Store, error) {
	if !hasScheme(cfg.DBPath) || strings.HasPrefix(cfg.DBPath, "file:") {
		dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:"))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	s, err := store.NewLibSQLStore(cfg.dsn(), store.WithLibSQLLogger(log))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// serveMetrics exposes reg on addr until the returned stop func is called.
func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// loadContext reads the initial context from a YAML (or JSON) file. An
// empty path yields an empty context.
func loadContext(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var initial map[string]any
	if err := yaml.Unmarshal(data, &initial); err != nil {
		return nil, fmt.Errorf("parse context %s: %w", path, err)
	}
	if initial == nil {
		initial = map[string]any{}
	}
	return initial, nil
}
