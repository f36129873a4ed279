// Package memstore provides a resilient storage facade for episodic and
// pattern records: a durable SQL backend guarded by a circuit breaker and a
// bounded connection pool, fronted by a bounded cache, with a background
// reconciler that flushes degraded writes once the backend recovers.
//
// Usage:
//
//	import "github.com/BaSui01/memstore"
//
//	store, err := memstore.New(config.DefaultConfig(), logger)
//	if err != nil { ... }
//	defer store.Close()
//
//	outcome, err := store.Store(ctx, record)
//	rec, err := store.Fetch(ctx, types.KindEpisode, id)
//
// Stores report whether the write reached the durable backend (Committed)
// or was accepted into the cache while the backend was unreachable
// (Degraded). Degraded writes are flushed by the reconciler; conflicts
// resolve in the durable backend's favor for completed records and by
// latest update time for in-progress ones.
package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/memstore/cache"
	"github.com/BaSui01/memstore/circuitbreaker"
	"github.com/BaSui01/memstore/config"
	"github.com/BaSui01/memstore/durable"
	"github.com/BaSui01/memstore/internal/database"
	"github.com/BaSui01/memstore/internal/metrics"
	"github.com/BaSui01/memstore/internal/telemetry"
	"github.com/BaSui01/memstore/syncer"
	"github.com/BaSui01/memstore/types"
)

// Outcome reports how a Store call was persisted.
type Outcome = syncer.Outcome

const (
	// Committed means the record reached the durable backend.
	Committed = syncer.OutcomeCommitted
	// Degraded means the backend was unreachable and the record was
	// accepted into the cache, pending reconciliation.
	Degraded = syncer.OutcomeDegraded
)

// HealthStatus classifies the overall store health.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusUnavailable HealthStatus = "unavailable"
)

// Health is the result of a HealthCheck.
type Health struct {
	Status  HealthStatus `json:"status"`
	Reasons []string     `json:"reasons,omitempty"`
}

// Snapshot is a point-in-time view of the store's operational metrics.
type Snapshot struct {
	CacheHitRate    float64          `json:"cache_hit_rate"`
	CacheEntries    int              `json:"cache_entries"`
	BreakerState    string           `json:"breaker_state"`
	PoolUtilization float64          `json:"pool_utilization"`
	DegradedBacklog int              `json:"degraded_backlog"`
	Sync            syncer.SyncState `json:"sync"`
}

// Option configures the store created by [New].
type Option func(*options)

type options struct {
	metricsNamespace string
	cacheStore       cache.Store
}

// WithMetricsNamespace overrides the prometheus namespace (default
// "memstore"). Mostly useful when running several stores in one process.
func WithMetricsNamespace(namespace string) Option {
	return func(o *options) { o.metricsNamespace = namespace }
}

// WithCache replaces the default local cache tier, e.g. with the redis
// implementation for multi-process deployments.
func WithCache(store cache.Store) Option {
	return func(o *options) { o.cacheStore = store }
}

// ResilientStore is the top-level storage facade. All methods are safe for
// concurrent use. Construct with [New]; there are no package-level
// singletons.
type ResilientStore struct {
	cfg        *config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
	collector  *metrics.Collector
	pool       *database.Pool
	backend    *durable.Guarded
	cache      cache.Store
	coord      *syncer.Coordinator
	reconciler *syncer.Reconciler
}

// New builds a ResilientStore from configuration: it opens the database,
// wires the circuit breaker, connection pool, cache and reconciler, and
// starts the background reconcile loop.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*ResilientStore, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	o := options{metricsNamespace: "memstore"}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pool, err := database.NewPool(db, cfg.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	backend, err := durable.NewGorm(db, logger)
	if err != nil {
		_ = pool.Shutdown(context.Background())
		return nil, fmt.Errorf("create durable backend: %w", err)
	}

	collector := metrics.NewCollector(o.metricsNamespace, logger)

	store := &ResilientStore{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "resilient_store")),
		tracer:    telemetry.Tracer(),
		collector: collector,
		pool:      pool,
	}

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		SuccessThreshold:    cfg.Breaker.SuccessThreshold,
		Timeout:             cfg.Breaker.Timeout,
		HalfOpenMaxAttempts: cfg.Breaker.HalfOpenMaxAttempts,
		BackoffMultiplier:   cfg.Breaker.BackoffMultiplier,
		MaxTimeout:          cfg.Breaker.MaxTimeout,
		OnStateChange:       store.onBreakerStateChange,
	}, logger)

	store.backend = durable.NewGuarded(backend, breaker, pool, cfg.Database.CallTimeout, logger)

	if o.cacheStore != nil {
		store.cache = o.cacheStore
	} else if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedis(cfg.Redis, logger)
		if err != nil {
			_ = pool.Shutdown(context.Background())
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		store.cache = redisCache
	} else {
		store.cache = cache.NewLocal(cfg.Cache, logger)
	}

	store.coord = syncer.NewCoordinator(store.backend, store.cache, cfg.Sync, cfg.Database, logger)
	store.reconciler = syncer.NewReconciler(store.coord, cfg.Sync, logger)
	store.reconciler.Start()

	store.logger.Info("resilient store initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.Int("max_connections", cfg.Pool.MaxConnections),
		zap.Int("cache_max_entries", cfg.Cache.MaxEntries),
	)
	return store, nil
}

// onBreakerStateChange feeds transitions into metrics and kicks the
// reconciler as soon as the backend recovers.
func (s *ResilientStore) onBreakerStateChange(from, to circuitbreaker.State) {
	s.collector.RecordBreakerTransition(from.String(), to.String())
	s.collector.SetBreakerState(float64(to))
	if to == circuitbreaker.StateClosed && s.reconciler != nil {
		s.logger.Info("backend recovered, triggering reconcile")
		s.reconciler.Trigger()
	}
}

// Store persists a record. The returned Outcome is Committed when the
// durable backend accepted the write, or Degraded when the backend was
// unreachable and the record was parked in the cache.
//
// Once the durable write has committed, cancelling ctx does not roll it
// back; the call is at-least-once and callers confirm by re-fetching.
func (s *ResilientStore) Store(ctx context.Context, record *types.Record) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "memstore.Store")
	defer span.End()
	start := time.Now()

	outcome, err := s.coord.Write(ctx, record)

	label := outcome.String()
	if err != nil {
		label = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if record != nil {
		span.SetAttributes(
			attribute.String("record.kind", string(record.Kind)),
			attribute.String("record.id", record.ID.String()),
			attribute.String("outcome", outcome.String()),
		)
	}
	s.collector.RecordOperation("store", label, time.Since(start))
	return outcome, err
}

// Fetch returns the record at (kind, id), reading the cache first and
// falling back to the durable backend. Deleted records return NOT_FOUND.
func (s *ResilientStore) Fetch(ctx context.Context, kind types.RecordKind, id uuid.UUID) (*types.Record, error) {
	ctx, span := s.tracer.Start(ctx, "memstore.Fetch")
	defer span.End()
	start := time.Now()

	rec, err := s.coord.Read(ctx, types.RecordKey{Kind: kind, ID: id})

	label := "found"
	switch {
	case types.IsNotFound(err):
		label = "not_found"
	case err != nil:
		label = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.collector.RecordOperation("fetch", label, time.Since(start))
	return rec, err
}

// Remove deletes the record at (kind, id): a tombstone in the durable
// backend plus cache invalidation.
func (s *ResilientStore) Remove(ctx context.Context, kind types.RecordKind, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "memstore.Remove")
	defer span.End()
	start := time.Now()

	err := s.coord.Delete(ctx, types.RecordKey{Kind: kind, ID: id})

	label := "removed"
	switch {
	case types.IsNotFound(err):
		label = "not_found"
	case err != nil:
		label = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.collector.RecordOperation("remove", label, time.Since(start))
	return err
}

// HealthCheck aggregates breaker state, pool saturation, backend
// reachability and the degraded backlog into a single verdict.
func (s *ResilientStore) HealthCheck(ctx context.Context) Health {
	health := Health{Status: StatusHealthy}

	breakerState := s.backend.Breaker().State()
	switch breakerState {
	case circuitbreaker.StateOpen:
		health.Status = StatusUnavailable
		health.Reasons = append(health.Reasons, "circuit breaker open")
	case circuitbreaker.StateHalfOpen:
		health.Status = StatusDegraded
		health.Reasons = append(health.Reasons, "circuit breaker half-open, probing backend")
	case circuitbreaker.StateClosed:
		if err := s.backend.Ping(ctx); err != nil {
			health.Status = StatusUnavailable
			health.Reasons = append(health.Reasons, "backend ping failed: "+err.Error())
		}
	}

	if backlog := s.coord.PendingCount(); backlog > 0 && health.Status == StatusHealthy {
		health.Status = StatusDegraded
		health.Reasons = append(health.Reasons,
			fmt.Sprintf("%d degraded records awaiting reconciliation", backlog))
	}

	if stats := s.pool.Stats(); stats.Utilization >= 0.9 {
		if health.Status == StatusHealthy {
			health.Status = StatusDegraded
		}
		health.Reasons = append(health.Reasons, "connection pool near saturation")
	}

	return health
}

// Metrics returns an operational snapshot and refreshes the prometheus
// gauges derived from component stats.
func (s *ResilientStore) Metrics() Snapshot {
	cacheStats := s.cache.Stats()
	poolStats := s.pool.Stats()
	breakerState := s.backend.Breaker().State()
	backlog := s.coord.PendingCount()
	syncState := s.reconciler.State()

	s.collector.SetCacheCounters("local",
		float64(cacheStats.Hits), float64(cacheStats.Misses),
		float64(cacheStats.Evictions), float64(cacheStats.Expirations))
	s.collector.SetBreakerState(float64(breakerState))
	s.collector.SetPoolUtilization(poolStats.Utilization)
	s.collector.SetDegradedBacklog(backlog)

	return Snapshot{
		CacheHitRate:    cacheStats.HitRate(),
		CacheEntries:    cacheStats.Entries,
		BreakerState:    breakerState.String(),
		PoolUtilization: poolStats.Utilization,
		DegradedBacklog: backlog,
		Sync:            syncState,
	}
}

// Reconcile runs one reconciliation pass synchronously and returns the
// number of records flushed. The background loop runs regardless.
func (s *ResilientStore) Reconcile(ctx context.Context) (int, error) {
	flushed, err := s.reconciler.Reconcile(ctx)
	if flushed > 0 {
		s.collector.RecordReconcileFlush(flushed)
	}
	return flushed, err
}

// Close drains the store: it stops the reconciler, rejects new operations,
// shuts the pool down within the configured timeout and releases the cache
// and backend.
func (s *ResilientStore) Close() error {
	s.logger.Info("closing resilient store")

	_ = s.reconciler.Close()
	_ = s.coord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Pool.ShutdownTimeout)
	defer cancel()
	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn("pool shutdown incomplete", zap.Error(err))
	}

	if err := s.cache.Close(); err != nil {
		s.logger.Warn("cache close failed", zap.Error(err))
	}
	return s.backend.Close()
}
