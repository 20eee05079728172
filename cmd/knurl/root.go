package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chazu/knurl/pkg/config"
	"github.com/chazu/knurl/pkg/engine"
	"github.com/chazu/knurl/pkg/geomcache"
	"github.com/chazu/knurl/pkg/intent"
	"github.com/chazu/knurl/pkg/kernel"
	"github.com/chazu/knurl/pkg/kernel/sdfx"
	"github.com/chazu/knurl/pkg/worker"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "knurl",
	Short: "Geometry compiler for parametric part intents",
	Long: `knurl compiles declarative part intents into triangle meshes
through an isolated geometry worker with a byte-budgeted cache.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// stack bundles the wired components for one CLI invocation.
type stack struct {
	cfg       config.Config
	logger    *zap.Logger
	engine    *engine.Engine
	bridge    *intent.Bridge
	registry  *prometheus.Registry
	stopSweep func()
}

// newStack wires config, logger, cache, worker, engine and bridge. The
// caller owns shutdown via stack.close.
func newStack() (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	registry := prometheus.NewRegistry()

	cache := geomcache.New(geomcache.Config{
		BudgetBytes: cfg.Cache.BudgetBytes,
		TTL:         cfg.Cache.TTL.Std(),
		Logger:      logger,
		Metrics:     geomcache.NewMetrics(registry),
	})

	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) {
			return sdfx.NewWithCells(cfg.Worker.MeshCells)
		},
		Cache:       cache,
		Logger:      logger,
		CallTimeout: cfg.Worker.CallTimeout.Std(),
		Metrics:     worker.NewTransportMetrics(registry),
	})

	eng := engine.New(tr, logger)
	return &stack{
		cfg:       cfg,
		logger:    logger,
		engine:    eng,
		bridge:    intent.NewBridge(eng, logger),
		registry:  registry,
		stopSweep: cache.StartSweeping(cfg.Cache.SweepInterval.Std()),
	}, nil
}

func (s *stack) close() {
	s.stopSweep()
	s.engine.Dispose()
	s.logMetrics()
	_ = s.logger.Sync()
}

// logMetrics dumps the collector values at debug level, alongside the
// cache stats the worker exposes. Visible with --verbose.
func (s *stack) logMetrics() {
	families, err := s.registry.Gather()
	if err != nil {
		s.logger.Warn("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.Counter != nil:
				s.logger.Debug("metric", zap.String("name", mf.GetName()), zap.Float64("value", m.Counter.GetValue()))
			case m.Gauge != nil:
				s.logger.Debug("metric", zap.String("name", mf.GetName()), zap.Float64("value", m.Gauge.GetValue()))
			}
		}
	}
}
