package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/block/shardmeta/pkg/config"
	"github.com/block/shardmeta/pkg/dbconn"
	"github.com/block/shardmeta/pkg/fanout"
	"github.com/block/shardmeta/pkg/metrics"
	"github.com/block/shardmeta/pkg/table"
	"github.com/block/shardmeta/pkg/utils"
)

// DataSourceRegistry describes the configured data sources.
type DataSourceRegistry interface {
	// DataSourceMetaData returns false for an unknown data source.
	DataSourceMetaData(name string) (*dbconn.DataSourceMetaData, bool)
}

// ConnectionManager hands out scoped connections. Every connection
// it returns must be closed by the caller.
type ConnectionManager interface {
	Acquire(ctx context.Context, dataSource string) (dbconn.Conn, error)
}

// TableLoader loads the metadata of one table.
type TableLoader interface {
	Load(ctx context.Context, tableName string, cfg *config.Sharding) (*table.TableMetaData, error)
}

var (
	_ DataSourceRegistry = (*dbconn.Manager)(nil)
	_ ConnectionManager  = (*dbconn.Manager)(nil)
	_ TableLoader        = (*table.Loader)(nil)
)

// reservedMarkers are never part of a table that can be sharded;
// they denote backup, temporary or system tables.
const reservedMarkers = "$/"

// Discoverer enumerates the tables of a data source.
type Discoverer struct {
	registry    DataSourceRegistry
	conns       ConnectionManager
	logger      *slog.Logger
	metricsSink metrics.Sink
}

func NewDiscoverer(registry DataSourceRegistry, conns ConnectionManager) *Discoverer {
	return &Discoverer{
		registry:    registry,
		conns:       conns,
		logger:      slog.Default(),
		metricsSink: &metrics.NoopSink{},
	}
}

func (d *Discoverer) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

func (d *Discoverer) SetMetricsSink(sink metrics.Sink) {
	d.metricsSink = sink
}

// Discover returns the base tables of the data source in the order the
// catalog lists them, without duplicates and without names containing a
// reserved marker. Any failure is returned as a *DiscoveryError and no
// names are returned with it.
func (d *Discoverer) Discover(ctx context.Context, dataSource string) ([]string, error) {
	startTime := time.Now()
	var catalog string
	if meta, ok := d.registry.DataSourceMetaData(dataSource); ok {
		catalog = meta.Catalog
	}
	conn, err := d.conns.Acquire(ctx, dataSource)
	if err != nil {
		return nil, discoveryError(ctx, dataSource, err)
	}
	defer utils.CloseAndLogWith(d.logger, conn)

	schema, err := conn.CurrentSchema(ctx)
	if errors.Is(err, dbconn.ErrFeatureNotSupported) {
		schema = ""
	} else if err != nil {
		return nil, discoveryError(ctx, dataSource, err)
	}
	found, err := conn.Tables(ctx, catalog, schema)
	if err != nil {
		return nil, discoveryError(ctx, dataSource, err)
	}

	names := make([]string, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, name := range found {
		if strings.ContainsAny(name, reservedMarkers) {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	d.logger.Debug("discovered tables", "datasource", dataSource, "catalog", catalog,
		"schema", schema, "tables", len(names), "skipped", len(found)-len(names))
	metrics.Send(ctx, d.metricsSink, d.logger,
		metrics.Gauge(metrics.DiscoveredTablesMetricName, float64(len(names))),
		metrics.Gauge(metrics.DiscoveryTimeMetricName, float64(time.Since(startTime).Milliseconds())),
	)
	return names, nil
}

// discoveryError marks a failure caused by the pass deadline or a
// cancellation with fanout.ErrTimeout or fanout.ErrCanceled.
func discoveryError(ctx context.Context, dataSource string, err error) *DiscoveryError {
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", fanout.InterruptErr(ctx), err)
	}
	return &DiscoveryError{DataSource: dataSource, Err: err}
}
