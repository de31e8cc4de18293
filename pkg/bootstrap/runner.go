package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/block/shardmeta/pkg/config"
	"github.com/block/shardmeta/pkg/dbconn"
	"github.com/block/shardmeta/pkg/metadata"
	"github.com/block/shardmeta/pkg/metrics"
	"github.com/block/shardmeta/pkg/table"
	"github.com/block/shardmeta/pkg/utils"
)

// Runner wires one configuration to its connections and loader.
// A new Runner is built for every configuration reload.
type Runner struct {
	cfg         *config.Sharding
	manager     *dbconn.Manager
	initializer *metadata.Initializer
	logger      *slog.Logger
}

func NewRunner(cfg *config.Sharding, dbConfig *dbconn.DBConfig, logger *slog.Logger) (*Runner, error) {
	manager, err := dbconn.NewManager(cfg, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	sink := metrics.NewLogSink(logger)
	manager.SetLogger(logger)
	manager.SetMetricsSink(sink)

	loader := table.NewLoader(manager)
	loader.SetLogger(logger)
	initializer := metadata.NewInitializer(loader, manager, manager)
	initializer.SetLogger(logger)
	initializer.SetMetricsSink(sink)
	return &Runner{
		cfg:         cfg,
		manager:     manager,
		initializer: initializer,
		logger:      logger,
	}, nil
}

// Pass runs one load pass.
func (r *Runner) Pass(ctx context.Context) (metadata.ResultMap, error) {
	return r.initializer.LoadAll(ctx, r.cfg)
}

func (r *Runner) Close() error {
	return r.manager.Close()
}

// runOnce loads the configuration, runs one pass, writes the report
// and returns the exit code the pass calls for.
func (cmd *LoadCmd) runOnce(ctx context.Context, out io.Writer, logger *slog.Logger) (int, error) {
	cfg, err := cmd.loadConfig()
	if err != nil {
		return 0, err
	}
	runner, err := NewRunner(cfg, cmd.dbConfig(), logger)
	if err != nil {
		return 0, err
	}
	defer utils.CloseAndLogWith(logger, runner)

	result, err := runner.Pass(ctx)
	if err := writeReport(out, result, err); err != nil {
		return 0, err
	}
	code := exitCode(err, cmd.Strict)
	if err != nil && code == exitOK {
		logger.Warn("some default tables failed to load, continuing", "tables", failedTables(err))
	} else if err != nil {
		logger.Error("table metadata load failed", "tables", failedTables(err), "error", err)
	}
	return code, nil
}
