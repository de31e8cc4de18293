package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/block/shardmeta/pkg/config"
	"github.com/block/shardmeta/pkg/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DataSourceMetaData describes a physical data source.
type DataSourceMetaData struct {
	Name    string
	Dialect Dialect
	// Catalog scopes introspection queries. Empty means the
	// connection default.
	Catalog string
}

// Manager hands out scoped connections per data source. Connections held
// against one data source are bounded by DBConfig.MaxConnectionsPerSource,
// and acquisitions are optionally throttled by DBConfig.AcquireRate.
type Manager struct {
	sync.Mutex
	config      *DBConfig
	sources     map[string]*source
	closed      bool
	logger      *slog.Logger
	metricsSink metrics.Sink
}

type source struct {
	sync.Mutex // guards db
	meta       DataSourceMetaData
	dsn        string
	db         *sql.DB
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
}

// NewManager registers every data source of the configuration. Pools are
// opened lazily on first Acquire.
func NewManager(cfg *config.Sharding, dbConfig *DBConfig) (*Manager, error) {
	if dbConfig == nil {
		dbConfig = NewDBConfig()
	}
	m := &Manager{
		config:      dbConfig,
		sources:     make(map[string]*source, len(cfg.DataSources)),
		logger:      slog.Default(),
		metricsSink: &metrics.NoopSink{},
	}
	for _, name := range cfg.DataSourceNames() {
		ds := cfg.DataSources[name]
		dialect := Dialect(ds.Driver)
		catalog, err := parseCatalog(dialect, ds.DSN)
		if err != nil {
			return nil, fmt.Errorf("data source %q: %w", name, err)
		}
		m.sources[name] = &source{
			meta: DataSourceMetaData{Name: name, Dialect: dialect, Catalog: catalog},
			dsn:  ds.DSN,
			sem:  semaphore.NewWeighted(int64(max(dbConfig.MaxConnectionsPerSource, 1))),
			limiter: func() *rate.Limiter {
				if dbConfig.AcquireRate <= 0 {
					return rate.NewLimiter(rate.Inf, 0)
				}
				return rate.NewLimiter(rate.Limit(dbConfig.AcquireRate), max(dbConfig.AcquireBurst, 1))
			}(),
		}
	}
	return m, nil
}

func (m *Manager) SetLogger(logger *slog.Logger) {
	m.logger = logger
}

func (m *Manager) SetMetricsSink(sink metrics.Sink) {
	m.metricsSink = sink
}

// DataSourceMetaData returns the descriptor of a data source, or false
// if the data source is unknown.
func (m *Manager) DataSourceMetaData(name string) (*DataSourceMetaData, bool) {
	m.Lock()
	defer m.Unlock()
	src, ok := m.sources[name]
	if !ok {
		return nil, false
	}
	meta := src.meta
	return &meta, true
}

// Acquire returns a connection dedicated to the caller. The caller must
// Close it on every path, which returns it to the pool and frees its slot
// against the per data source bound.
func (m *Manager) Acquire(ctx context.Context, name string) (Conn, error) {
	m.Lock()
	src, ok := m.sources[name]
	closed := m.closed
	m.Unlock()
	if closed {
		return nil, &ConnectionError{DataSource: name, Err: ErrManagerClosed}
	}
	if !ok {
		return nil, &ConnectionError{DataSource: name, Err: ErrUnknownDataSource}
	}
	startTime := time.Now()
	conn, err := m.acquire(ctx, src)
	if err != nil {
		metrics.Send(ctx, m.metricsSink, m.logger, metrics.Counter(metrics.ConnectionAcquireFailedMetric, 1))
		return nil, err
	}
	metrics.Send(ctx, m.metricsSink, m.logger,
		metrics.Gauge(metrics.ConnectionAcquireTimeMetric, float64(time.Since(startTime).Milliseconds())))
	return conn, nil
}

func (m *Manager) acquire(ctx context.Context, src *source) (*scopedConn, error) {
	name := src.meta.Name
	if err := src.limiter.Wait(ctx); err != nil {
		return nil, &ConnectionError{DataSource: name, Err: contextErr(ctx, err)}
	}
	if err := src.sem.Acquire(ctx, 1); err != nil {
		return nil, &ConnectionError{DataSource: name, Err: err}
	}
	db, err := m.pool(ctx, src)
	if err != nil {
		src.sem.Release(1)
		return nil, &ConnectionError{DataSource: name, Err: err}
	}
	raw, err := db.Conn(ctx)
	if err != nil {
		src.sem.Release(1)
		return nil, &ConnectionError{DataSource: name, Err: err}
	}
	return &scopedConn{
		raw:     raw,
		meta:    src.meta,
		release: func() { src.sem.Release(1) },
	}, nil
}

// contextErr prefers the context error over the limiter's own
// "would exceed context deadline" error.
func contextErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

func (m *Manager) pool(ctx context.Context, src *source) (*sql.DB, error) {
	src.Lock()
	defer src.Unlock()
	if src.db != nil {
		return src.db, nil
	}
	db, err := New(ctx, src.meta.Dialect, src.dsn, m.config)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("opened connection pool", "datasource", src.meta.Name, "dialect", src.meta.Dialect)
	src.db = db
	return db, nil
}

// Close closes every pool. Connections still held by callers are
// closed by the pool once they are returned.
func (m *Manager) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	var errs []error
	for _, src := range m.sources {
		src.Lock()
		if src.db != nil {
			errs = append(errs, src.db.Close())
			src.db = nil
		}
		src.Unlock()
	}
	return errors.Join(errs...)
}
