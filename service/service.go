// Package service assembles the gateway: metadata, adapter, worker pool,
// cache, durable store and the read, flush and status cadences.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/acquisition"
	"github.com/fwaytoday/iot-dc3/batch"
	"github.com/fwaytoday/iot-dc3/cache"
	"github.com/fwaytoday/iot-dc3/config"
	"github.com/fwaytoday/iot-dc3/driver"
	"github.com/fwaytoday/iot-dc3/drivers/modbus"
	"github.com/fwaytoday/iot-dc3/drivers/mqtt"
	"github.com/fwaytoday/iot-dc3/drivers/virtual"
	"github.com/fwaytoday/iot-dc3/internal/logging"
	"github.com/fwaytoday/iot-dc3/internal/pool"
	"github.com/fwaytoday/iot-dc3/internal/reload"
	"github.com/fwaytoday/iot-dc3/internal/schedule"
	"github.com/fwaytoday/iot-dc3/metadata"
	"github.com/fwaytoday/iot-dc3/pointvalue"
	"github.com/fwaytoday/iot-dc3/storage"
	"github.com/fwaytoday/iot-dc3/telemetry"
)

const (
	stopTimeout   = 10 * time.Second
	maxCacheSweep = time.Minute
)

// Service is one running gateway.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	source     metadata.Source
	watchPath  string
	metadata   *metadata.Store
	adapter    driver.Adapter
	pool       *pool.Pool
	cache      cache.Cache
	store      *storage.SQLite
	flusher    *batch.Flusher
	values     *pointvalue.Service
	dispatcher *acquisition.Dispatcher
	reads      *acquisition.ReadScheduler
	statuses   *acquisition.StatusRegistry

	telemetry telemetry.Collector
	gatherer  prometheus.Gatherer

	closeOnce sync.Once
	closeErr  error
}

// Option customises the assembly.
type Option func(*options)

type options struct {
	registry  *driver.Registry
	source    metadata.Source
	cache     cache.Cache
	collector telemetry.Collector
	gatherer  prometheus.Gatherer
}

// WithRegistry replaces the adapter registry.
func WithRegistry(r *driver.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithSource replaces the metadata file source. Sources other than the
// configured file are not watched.
func WithSource(s metadata.Source) Option {
	return func(o *options) { o.source = s }
}

// WithCache replaces the configured cache backend.
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithTelemetry replaces the collector built from the telemetry config.
func WithTelemetry(c telemetry.Collector) Option {
	return func(o *options) { o.collector = c }
}

// DefaultRegistry returns a registry with the bundled adapters.
func DefaultRegistry() *driver.Registry {
	r := driver.NewRegistry()
	for _, register := range []func(*driver.Registry) error{modbus.Register, mqtt.Register, virtual.Register} {
		if err := register(r); err != nil {
			panic(err)
		}
	}
	return r
}

// New assembles a gateway from cfg. It loads the metadata snapshot, creates
// the adapter and opens the cache and the store; nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}

	s := &Service{cfg: cfg, logger: logger}
	if err := s.setupTelemetry(o); err != nil {
		return nil, err
	}

	s.source = o.source
	if s.source == nil {
		s.source = metadata.NewFileSource(cfg.Metadata.File)
		s.watchPath = cfg.Metadata.File
	}
	md, err := s.source.Load(ctx)
	s.telemetry.IncMetadataReload("initial", err == nil)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	s.metadata = metadata.NewStore(md)

	s.adapter, err = o.registry.New(cfg.Driver.Name, driver.Dependencies{
		Logger:   logging.Component(logger, "driver").With().Str("driver", cfg.Driver.Name).Logger(),
		Settings: cfg.Driver.Settings,
		Devices:  func() []metadata.Device { return s.metadata.Snapshot().DeviceList() },
	})
	if err != nil {
		return nil, err
	}

	if err := s.openBackends(ctx, o); err != nil {
		_ = s.adapter.Close()
		return nil, err
	}

	s.pool = pool.New(cfg.Pool.Workers, cfg.Pool.Queue, logging.Component(logger, "pool"))
	s.flusher = batch.New(s.store, s.pool, batch.Options{
		Interval:   cfg.FlushInterval(),
		AlertSpeed: cfg.Schedule.AlertSpeed,
		MaxPending: cfg.Schedule.MaxPending,
	}, logging.Component(logger, "flush"), s.telemetry)
	s.values = pointvalue.NewService(s.cache, s.flusher, s.store, s.metadata, s.pool, pointvalue.Options{
		ValuePrefix:  cfg.Cache.ValuePrefix,
		ValuesPrefix: cfg.Cache.ValuesPrefix,
		TTL:          cfg.Cache.TTL.Duration,
	}, logging.Component(logger, "pointvalue"))
	s.dispatcher = acquisition.NewDispatcher(s.metadata, s.adapter, s.values, logging.Component(logger, "dispatch"), s.telemetry)
	s.reads = acquisition.NewReadScheduler(s.metadata, s.dispatcher, s.pool, logging.Component(logger, "read"))
	s.statuses = acquisition.NewStatusRegistry(logging.Component(logger, "status"), s.telemetry)
	return s, nil
}

func (s *Service) setupTelemetry(o options) error {
	if o.collector != nil {
		s.telemetry = o.collector
		return nil
	}
	s.telemetry = telemetry.Noop()
	if !s.cfg.Telemetry.Enabled {
		return nil
	}
	switch s.cfg.Telemetry.Provider {
	case "", "prometheus":
	default:
		return fmt.Errorf("unsupported telemetry provider %q", s.cfg.Telemetry.Provider)
	}
	reg := prometheus.NewRegistry()
	collector, err := telemetry.NewPrometheusCollector(reg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	s.telemetry = collector
	s.gatherer = reg
	return nil
}

func (s *Service) openBackends(ctx context.Context, o options) error {
	s.cache = o.cache
	if s.cache == nil {
		switch s.cfg.Cache.Backend {
		case "nats":
			c, err := cache.NewNATS(ctx, cache.NATSOptions{
				URL:    s.cfg.Cache.NATS.URL,
				Bucket: s.cfg.Cache.NATS.Bucket,
				MaxTTL: s.cfg.Cache.TTL.Duration,
			})
			if err != nil {
				return err
			}
			s.cache = c
		default:
			s.cache = cache.NewMemory(min(s.cfg.Cache.TTL.Duration, maxCacheSweep))
		}
	}
	store, err := storage.Open(ctx, s.cfg.Storage.Path)
	if err != nil {
		_ = s.cache.Close()
		return err
	}
	s.store = store
	return nil
}

// Metadata returns the live metadata store.
func (s *Service) Metadata() *metadata.Store { return s.metadata }

// Values returns the ingestion path and query surface.
func (s *Service) Values() *pointvalue.Service { return s.values }

// Dispatcher returns the single read/write path.
func (s *Service) Dispatcher() *acquisition.Dispatcher { return s.dispatcher }

// Statuses returns the device status registry.
func (s *Service) Statuses() *acquisition.StatusRegistry { return s.statuses }

// Initialize prepares the adapter. Run calls it; commands that only write
// call it directly.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.adapter.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize adapter %s: %w", s.cfg.Driver.Name, err)
	}
	return nil
}

// Run drives the cadences until ctx is done, then shuts down: the tickers
// stop, the pool drains and the pending buffer is flushed synchronously.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.logger.Info().
		Str("driver", s.cfg.Driver.Name).
		Int("devices", len(s.metadata.Snapshot().Devices)).
		Dur("read_interval", s.cfg.ReadInterval()).
		Dur("flush_interval", s.cfg.FlushInterval()).
		Msg("gateway started")

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Str("loop", name).Msg("loop stopped")
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	spawn("read", func(ctx context.Context) error {
		return schedule.Every(ctx, s.cfg.ReadInterval(), func(ctx context.Context, _ time.Time) {
			s.reads.Tick(ctx)
			s.telemetry.SetQueueDepth(s.pool.QueueDepth())
		})
	})
	spawn("flush", func(ctx context.Context) error {
		return schedule.Every(ctx, s.cfg.FlushInterval(), func(ctx context.Context, _ time.Time) {
			s.flusher.Tick(ctx)
		})
	})
	spawn("status", func(ctx context.Context) error {
		return schedule.Every(ctx, s.cfg.Schedule.Status.Duration, func(ctx context.Context, _ time.Time) {
			s.adapter.StatusTick(ctx, s.statuses)
		})
	})
	if s.watchPath != "" {
		watcher := reload.NewWatcher(s.watchPath)
		spawn("metadata", func(ctx context.Context) error {
			return watcher.Poll(ctx, s.cfg.Metadata.Watch.Duration, func(changed []string) {
				s.logger.Info().Strs("files", changed).Msg("metadata changed")
				_ = s.ReloadMetadata(ctx)
			})
		})
	}
	if s.gatherer != nil {
		spawn("telemetry", func(ctx context.Context) error {
			return telemetry.Serve(ctx, s.cfg.Telemetry.Listen, s.gatherer)
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()
	wg.Wait()
	if err := s.Close(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// ReloadMetadata replaces the metadata snapshot from the source. Devices
// that were removed or whose driver attributes changed lose their cached
// adapter state; removed devices also lose their realtime cache keys and
// status entries.
// A failed load keeps the previous snapshot.
func (s *Service) ReloadMetadata(ctx context.Context) error {
	md, err := s.source.Load(ctx)
	s.telemetry.IncMetadataReload("reload", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("metadata reload failed, keeping previous snapshot")
		return err
	}
	old := s.metadata.Refresh(md)
	changed := metadata.Changed(old, md)
	resetter, _ := s.adapter.(driver.DeviceResetter)
	for _, id := range changed {
		if resetter != nil {
			if err := resetter.ResetDevice(id); err != nil {
				s.logger.Warn().Err(err).Str("device", id).Msg("reset device connection")
			}
		}
		if _, ok := md.Devices[id]; !ok {
			s.values.Forget(ctx, id)
			s.statuses.Forget(id)
		}
	}
	s.logger.Info().Int("devices", len(md.Devices)).Int("changed", len(changed)).Msg("metadata reloaded")
	return nil
}

// Close stops the pool, flushes the pending buffer and releases the
// adapter, the cache and the store. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.pool.Stop(stopTimeout); err != nil {
			errs = append(errs, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := s.flusher.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		} else {
			s.logger.Info().Msg("pending values flushed")
		}
		cancel()
		if err := s.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adapter: %w", err))
		}
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
