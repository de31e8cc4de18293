// Package bootstrap runs table metadata load passes from the command line.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/block/shardmeta/pkg/config"
	"github.com/block/shardmeta/pkg/dbconn"
)

// LoadCmd is the Kong CLI struct for the load command.
type LoadCmd struct {
	Config string `arg:"" name:"config" help:"Path to the sharding rules file (.yaml, .yml or .toml)" type:"existingfile"`

	// Overrides of the rules file props
	BatchSize              int           `name:"batch-size" help:"Number of default tables loaded at once" optional:""`
	MaxConcurrency         int           `name:"max-concurrency" help:"Number of logic tables loaded at once" optional:""`
	MaxConnectionsPerQuery int           `name:"max-connections-per-query" help:"Number of data nodes of one logic table loaded at once when checking metadata" optional:""`
	CheckTableMetadata     bool          `name:"check-table-metadata" help:"Load every data node of a logic table and fail if they differ" optional:""`
	Timeout                time.Duration `name:"timeout" help:"Deadline for a whole load pass" optional:""`
	OverlapPolicy          string        `name:"overlap-policy" help:"What to do with default tables named like a logic table: sharded-wins, reject, last-write-wins" optional:""`

	Strict bool `name:"strict" help:"Exit non-zero when any default table fails to load, not only logic tables" optional:"" default:"false"`
	Watch  bool `name:"watch" help:"Reload and run a new pass whenever the rules file changes" optional:"" default:"false"`

	// Connections
	MaxConnectionsPerSource int     `name:"max-connections-per-source" help:"Maximum connections held at once against one data source" optional:"" default:"16"`
	AcquireRate             float64 `name:"acquire-rate" help:"Maximum new connections per second per data source, 0 for unlimited" optional:"" default:"0"`
	LockWaitTimeout         int     `name:"lock-wait-timeout" help:"MySQL lock_wait_timeout in seconds for metadata queries" optional:"" default:"30"`
	// TLS Configuration
	TLSMode            string `name:"tls-mode" help:"TLS connection mode (case insensitive): DISABLED, PREFERRED (default), REQUIRED, VERIFY_CA, VERIFY_IDENTITY" optional:"" default:"PREFERRED"`
	TLSCertificatePath string `name:"tls-ca" help:"Path to custom TLS CA certificate file" optional:""`

	LogLevel string `name:"log-level" help:"Log level" enum:"debug,info,warn,error" default:"info"`
}

// Run executes the load command. It is called by Kong.
func (cmd *LoadCmd) Run() error {
	code, err := cmd.run(os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if code != exitOK {
		os.Exit(code)
	}
	return nil
}

// run performs the command and returns its exit code. The signal handler
// is released before it returns, so the caller may exit the process.
func (cmd *LoadCmd) run(out, logOut io.Writer) (int, error) {
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: cmd.level(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd.Watch {
		return exitOK, cmd.watch(ctx, out, logger)
	}
	return cmd.runOnce(ctx, out, logger)
}

func (cmd *LoadCmd) level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// loadConfig reads the rules file and applies the command line overrides.
func (cmd *LoadCmd) loadConfig() (*config.Sharding, error) {
	cfg, err := config.Load(cmd.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cmd.applyOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cmd *LoadCmd) applyOverrides(cfg *config.Sharding) error {
	if cmd.BatchSize > 0 {
		cfg.Props.BatchSize = cmd.BatchSize
	}
	if cmd.MaxConcurrency > 0 {
		cfg.Props.MaxConcurrency = cmd.MaxConcurrency
	}
	if cmd.MaxConnectionsPerQuery > 0 {
		cfg.Props.MaxConnectionsPerQuery = cmd.MaxConnectionsPerQuery
	}
	if cmd.CheckTableMetadata {
		cfg.Props.CheckTableMetadata = true
	}
	if cmd.Timeout > 0 {
		cfg.Props.LoadTimeout = config.Duration{Duration: cmd.Timeout}
	}
	if cmd.OverlapPolicy != "" {
		if err := cfg.Props.OverlapPolicy.UnmarshalText([]byte(cmd.OverlapPolicy)); err != nil {
			return fmt.Errorf("invalid --overlap-policy: %w", err)
		}
	}
	return nil
}

func (cmd *LoadCmd) dbConfig() *dbconn.DBConfig {
	dbConfig := dbconn.NewDBConfig()
	if cmd.MaxConnectionsPerSource > 0 {
		dbConfig.MaxConnectionsPerSource = cmd.MaxConnectionsPerSource
	}
	dbConfig.AcquireRate = cmd.AcquireRate
	if cmd.LockWaitTimeout > 0 {
		dbConfig.LockWaitTimeout = cmd.LockWaitTimeout
	}
	dbConfig.TLSMode = cmd.TLSMode
	dbConfig.TLSCertificatePath = cmd.TLSCertificatePath
	return dbConfig
}
