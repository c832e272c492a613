package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/scanx/mlog"
	"github.com/pmkol/scanx/pkg/adaptive"
	"github.com/pmkol/scanx/pkg/cache"
	"github.com/pmkol/scanx/pkg/cache/redis_cache"
	"github.com/pmkol/scanx/pkg/device"
	"github.com/pmkol/scanx/pkg/environment"
	"github.com/pmkol/scanx/pkg/pipeline"
	"github.com/pmkol/scanx/pkg/prefstore"
	"github.com/pmkol/scanx/pkg/recognizer"
	"github.com/pmkol/scanx/pkg/scan"
	"github.com/pmkol/scanx/pkg/telemetry"
	"github.com/pmkol/scanx/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

// Scanx owns every long lived component of the daemon.
type Scanx struct {
	cfg    *Config
	logger *zap.Logger

	store     prefstore.Store
	cache     *cache.ResultCache[scan.ScanResult]
	engine    *adaptive.Engine
	optimizer *device.Optimizer
	telemetry *telemetry.Aggregator
	pipeline  *pipeline.Pipeline

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	closers []io.Closer
}

// NewScanx builds the components described by cfg. cfg.Init must have
// been called.
func NewScanx(cfg *Config, lg *zap.Logger) (*Scanx, error) {
	m := &Scanx{
		cfg:        cfg,
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
	}
	if err := m.init(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Scanx) init() error {
	cfg := m.cfg
	lg := m.logger

	store, err := openPrefStore(&cfg.Preferences)
	if err != nil {
		return fmt.Errorf("failed to open preferences store, %w", err)
	}
	m.store = store
	if c, ok := store.(io.Closer); ok {
		m.closers = append(m.closers, c)
	}

	cacheOpts := cache.Opts{
		Size:       cfg.Cache.Size,
		DefaultTTL: time.Duration(cfg.Cache.DefaultTTL) * time.Second,
		Logger:     lg.Named("cache"),
	}
	if len(cfg.Cache.Redis) > 0 {
		rc, err := redis_cache.NewRedisCacheFromURL(cfg.Cache.Redis, cfg.Cache.RedisKeyPrefix, utils.Ms(cfg.Cache.RedisTimeout), lg.Named("redis"))
		if err != nil {
			return fmt.Errorf("failed to init redis cache, %w", err)
		}
		cacheOpts.Backend = rc
		m.closers = append(m.closers, rc)
	}
	m.cache = cache.NewResultCache[scan.ScanResult](cacheOpts)

	notifier := scan.NotifierFunc(func(s scan.Suggestion) {
		lg.Debug("suggestion", zap.String("action", string(s.Action)), zap.String("message", s.Message))
	})
	m.optimizer = device.NewOptimizer(device.Opts{Notifier: notifier, Logger: lg.Named("device")})
	m.engine = adaptive.NewEngine(adaptive.Opts{
		Store:     store,
		Optimizer: m.optimizer,
		Notifier:  notifier,
		Tunables:  cfg.Engine,
		Logger:    lg.Named("engine"),
	})

	var sink telemetry.Sink = telemetry.LogSink{Logger: lg.Named("telemetry")}
	if len(cfg.Telemetry.Endpoint) > 0 {
		hs := telemetry.NewHTTPSink(cfg.Telemetry.Endpoint, cfg.Telemetry.Compress)
		sink = hs
		m.closers = append(m.closers, hs)
	}
	reg := m.GetMetricsReg()
	m.telemetry = telemetry.NewAggregator(telemetry.Opts{
		Sink:          sink,
		BufferSize:    cfg.Telemetry.BufferSize,
		RetryInterval: time.Duration(cfg.Telemetry.RetryInterval) * time.Second,
		Metrics:       telemetry.NewMetrics(reg),
		Logger:        lg.Named("telemetry"),
	})
	registerCacheMetrics(reg, m.cache)

	var rec recognizer.Recognizer
	if len(cfg.Recognizer.Addrs) > 0 {
		ropt := &recognizer.Opt{
			Timeout:            utils.Ms(cfg.Recognizer.Timeout),
			InsecureSkipVerify: cfg.Recognizer.InsecureSkipVerify,
		}
		rs := make([]recognizer.Recognizer, 0, len(cfg.Recognizer.Addrs))
		for _, addr := range cfg.Recognizer.Addrs {
			r, err := recognizer.NewRecognizer(addr, ropt)
			if err != nil {
				return fmt.Errorf("failed to init recognizer %s, %w", addr, err)
			}
			rs = append(rs, r)
		}
		g := recognizer.NewGroup(rs, lg.Named("recognizer"))
		m.closers = append(m.closers, g)
		rec = g
	}

	m.pipeline = pipeline.NewPipeline(pipeline.Opts{
		Cache:            m.cache,
		Engine:           m.engine,
		Recognizer:       rec,
		Telemetry:        m.telemetry,
		Optimizer:        m.optimizer,
		Notifier:         notifier,
		LocalThreshold:   cfg.Pipeline.LocalThreshold,
		RemoteConfidence: cfg.Pipeline.RemoteConfidence,
		CallTimeout:      utils.Ms(cfg.Recognizer.Timeout),
		DisableEnhance:   cfg.Recognizer.DisableEnhance,
		Logger:           lg.Named("pipeline"),
	})

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.registerAPI()
	return nil
}

// RunScanx starts the daemon and blocks until ctx is done or the api
// server fails.
func RunScanx(ctx context.Context, cfg *Config) error {
	cfg.Init()
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m, err := NewScanx(cfg, lg)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Serve(ctx)
}

// Serve runs the api server, the periodic telemetry flush and the
// preferences watcher until ctx is done.
func (m *Scanx) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if httpAddr := m.cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		g.Go(func() error {
			m.logger.Info("starting api http server", zap.String("addr", httpAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api http server exited, %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		t := time.NewTicker(time.Duration(m.cfg.Telemetry.FlushInterval) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				fctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				m.telemetry.Flush(fctx)
				return nil
			case <-t.C:
				m.telemetry.Flush(gctx)
			}
		}
	})

	if fs, ok := m.store.(*prefstore.FileStore); ok && m.cfg.Preferences.Watch {
		g.Go(func() error {
			return fs.Watch(gctx, m.logger, func(p scan.Preferences) {
				m.logger.Info("preferences reloaded", zap.String("file", fs.Path()))
				m.engine.SetPreferences(p)
			})
		})
	}

	return g.Wait()
}

func (m *Scanx) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i].Close())
	}
	m.closers = nil
	return errors.Join(errs...)
}

func (m *Scanx) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("scanx_", m.metricsReg)
}

func (m *Scanx) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func (m *Scanx) Pipeline() *pipeline.Pipeline {
	return m.pipeline
}

// NewAnalyzer returns an environment analyzer for the given sensor,
// configured like the daemon.
func (m *Scanx) NewAnalyzer(sensor environment.Sensor, stability environment.StabilityMeter) *environment.Analyzer {
	return newAnalyzer(&m.cfg.Environment, sensor, stability, m.logger)
}

func newAnalyzer(cfg *EnvironmentConfig, sensor environment.Sensor, stability environment.StabilityMeter, lg *zap.Logger) *environment.Analyzer {
	return environment.NewAnalyzer(environment.Opts{
		Sensor:        sensor,
		Stability:     stability,
		SensorTimeout: utils.Ms(cfg.SensorTimeout),
		DayStartHour:  cfg.DayStartHour,
		DayEndHour:    cfg.DayEndHour,
		Logger:        lg,
	})
}

func openPrefStore(cfg *PreferencesConfig) (prefstore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return prefstore.NewMemoryStore(), nil
	case "file":
		return prefstore.NewFileStore(cfg.Path), nil
	case "sqlite":
		return prefstore.OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown preferences backend %q", cfg.Backend)
	}
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func registerCacheMetrics(reg prometheus.Registerer, c *cache.ResultCache[scan.ScanResult]) {
	gauge := func(name, help string, f func(s cache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return f(c.Stats())
		})
	}
	reg.MustRegister(
		gauge("cache_hits", "Result cache hits.", func(s cache.Stats) float64 { return float64(s.Hits) }),
		gauge("cache_misses", "Result cache misses.", func(s cache.Stats) float64 { return float64(s.Misses) }),
		gauge("cache_size", "Entries in the local result cache.", func(s cache.Stats) float64 { return float64(s.Size) }),
		gauge("cache_errors", "Internal result cache faults.", func(s cache.Stats) float64 { return float64(s.Errors) }),
		gauge("cache_hit_rate", "Result cache hit rate.", func(s cache.Stats) float64 { return s.HitRate() }),
	)
}
