// Package metadata loads the table metadata of a sharded data layer at
// bootstrap: the logic tables of the sharding rules, and every other table
// of the default data source.
package metadata

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/block/shardmeta/pkg/config"
	"github.com/block/shardmeta/pkg/fanout"
	"github.com/block/shardmeta/pkg/metrics"
	"github.com/block/shardmeta/pkg/table"
	"github.com/block/shardmeta/pkg/utils"
	"github.com/google/uuid"
)

// ResultMap maps a logic table name, or the physical name of a
// default table, to its metadata.
type ResultMap map[string]*table.TableMetaData

// Initializer runs load passes.
type Initializer struct {
	loader      TableLoader
	discoverer  *Discoverer
	logger      *slog.Logger
	metricsSink metrics.Sink
}

func NewInitializer(loader TableLoader, registry DataSourceRegistry, conns ConnectionManager) *Initializer {
	return &Initializer{
		loader:      loader,
		discoverer:  NewDiscoverer(registry, conns),
		logger:      slog.Default(),
		metricsSink: &metrics.NoopSink{},
	}
}

func (i *Initializer) SetLogger(logger *slog.Logger) {
	i.logger = logger
	i.discoverer.SetLogger(logger)
}

func (i *Initializer) SetMetricsSink(sink metrics.Sink) {
	i.metricsSink = sink
	i.discoverer.SetMetricsSink(sink)
}

// LoadOne loads a single table. The error of the loader is returned as is.
func (i *Initializer) LoadOne(ctx context.Context, tableName string, cfg *config.Sharding) (*table.TableMetaData, error) {
	return i.loader.Load(ctx, tableName, cfg)
}

// LoadAll loads the logic table of every rule and every table of the
// default data source. Both phases always run. The tables that loaded are
// returned even when others failed; every failure is then reported in an
// *AggregateError. LoadAll returns only after every load it started has
// returned, and is bounded by Props.LoadTimeout.
func (i *Initializer) LoadAll(ctx context.Context, cfg *config.Sharding) (ResultMap, error) {
	startTime := time.Now()
	logger := i.logger.With("pass", uuid.NewString())
	if timeout := cfg.Props.LoadTimeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	logger.Info("starting table metadata load", "rules", len(cfg.Tables),
		"overlap_policy", cfg.Props.OverlapPolicy)

	result, errs := i.loadShardedTables(ctx, cfg, logger)
	defaultTables, defaultErrs := i.loadDefaultTables(ctx, cfg, logger)
	errs = append(errs, defaultErrs...)
	mergeDefaultTables(result, defaultTables)

	metrics.Send(ctx, i.metricsSink, logger,
		metrics.Counter(metrics.TablesLoadedMetricName, float64(len(result))),
		metrics.Counter(metrics.TablesFailedMetricName, float64(len(errs))),
		metrics.Gauge(metrics.LoadPassTimeMetricName, float64(time.Since(startTime).Milliseconds())),
	)
	if len(errs) > 0 {
		aggErr := &AggregateError{Errors: errs}
		logger.Warn("table metadata load finished with failures", "tables", len(result),
			"failures", len(errs), "sharded_failed", aggErr.ShardedFailed(),
			"interrupted", aggErr.Interrupted(), "duration", time.Since(startTime))
		return result, aggErr
	}
	logger.Info("table metadata load finished", "tables", len(result), "duration", time.Since(startTime))
	return result, nil
}

func (i *Initializer) loadShardedTables(ctx context.Context, cfg *config.Sharding, logger *slog.Logger) (ResultMap, []error) {
	logger = logger.With("phase", PhaseSharded)
	loaded, failures, _ := fanout.Run(ctx, cfg.LogicTableNames(), i.loadWorker(cfg),
		fanout.WithLimit(cfg.Props.MaxConcurrency))
	return loaded, loadErrors(logger, PhaseSharded, failures)
}

func (i *Initializer) loadDefaultTables(ctx context.Context, cfg *config.Sharding, logger *slog.Logger) (ResultMap, []error) {
	logger = logger.With("phase", PhaseDefault)
	result := make(ResultMap)
	dataSource, ok := cfg.DefaultDataSourceName()
	if !ok {
		logger.Debug("no default data source configured")
		return result, nil
	}
	logger = logger.With("datasource", dataSource)
	names, err := i.discoverer.Discover(ctx, dataSource)
	if err != nil {
		logger.Warn("table discovery failed", "error", err)
		return result, []error{err}
	}
	names, errs := applyOverlapPolicy(names, cfg, dataSource)
	for _, err := range errs {
		logger.Warn("default table overlaps a logic table", "error", err)
	}

	worker := i.loadWorker(cfg)
	for n, batch := range Partition(names, cfg.Props.BatchSize) {
		metrics.Send(ctx, i.metricsSink, logger,
			metrics.Counter(metrics.BatchDispatchedMetricName, 1),
			metrics.Gauge(metrics.BatchSizeMetricName, float64(len(batch))),
		)
		logger.Debug("dispatching batch", "batch", n, "size", len(batch))
		loaded, failures, _ := fanout.Run(ctx, batch, worker, fanout.WithLimit(cfg.Props.BatchSize))
		for name, md := range loaded {
			result[name] = md
		}
		errs = append(errs, loadErrors(logger, PhaseDefault, failures)...)
	}
	return result, errs
}

// mergeDefaultTables adds the default tables to the logic tables. A default
// table named like a logic table, compared case insensitively, replaces it;
// only the last-write-wins overlap policy lets such a table through.
func mergeDefaultTables(result, defaultTables ResultMap) {
	logicKeys := make(map[string]string, len(result))
	for name := range result {
		logicKeys[strings.ToLower(name)] = name
	}
	for name, md := range defaultTables {
		if key, ok := logicKeys[strings.ToLower(name)]; ok && key != name {
			delete(result, key)
		}
		result[name] = md
	}
}

func (i *Initializer) loadWorker(cfg *config.Sharding) fanout.Worker[*table.TableMetaData] {
	return func(ctx context.Context, tableName string) (*table.TableMetaData, error) {
		return i.LoadOne(ctx, tableName, cfg)
	}
}

func loadErrors(logger *slog.Logger, phase Phase, failures []*fanout.ItemError) []error {
	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		loadErr := &LoadError{Table: f.Item, Phase: phase, Err: f.Err}
		logger.Warn("failed to load table metadata", "table", f.Item, "error", f.Err)
		errs = append(errs, loadErr)
	}
	return errs
}

// applyOverlapPolicy resolves default tables named like a logic table.
func applyOverlapPolicy(names []string, cfg *config.Sharding, dataSource string) ([]string, []error) {
	if cfg.Props.OverlapPolicy == config.OverlapLastWriteWins {
		return names, nil
	}
	logicTables := utils.LowerSet(cfg.LogicTableNames())
	kept := make([]string, 0, len(names))
	var errs []error
	for _, name := range names {
		if _, ok := logicTables[strings.ToLower(name)]; !ok {
			kept = append(kept, name)
			continue
		}
		if cfg.Props.OverlapPolicy == config.OverlapReject {
			errs = append(errs, &OverlapError{Table: name, DataSource: dataSource})
		}
	}
	return kept, errs
}
