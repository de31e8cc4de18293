package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/block/shardmeta/pkg/config"
	"github.com/block/shardmeta/pkg/dbconn"
	"github.com/block/shardmeta/pkg/utils"
	"golang.org/x/sync/errgroup"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrNoDataNode    = errors.New("no data node for table")
)

// InconsistentError is returned when the actual tables of a logic table
// do not share the same structure.
type InconsistentError struct {
	LogicTable string
	Expected   config.DataNode
	Actual     config.DataNode
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("cannot get uniformed table structure for logic table %q: %s and %s differ",
		e.LogicTable, e.Expected, e.Actual)
}

// Loader loads the metadata of a single table through scoped connections.
type Loader struct {
	conns  dbconn.Acquirer
	logger *slog.Logger
}

func NewLoader(conns dbconn.Acquirer) *Loader {
	return &Loader{
		conns:  conns,
		logger: slog.Default(),
	}
}

func (l *Loader) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

// Load returns the metadata of a table. A logic table of a rule is loaded
// from its first data node, or from every data node with a consistency
// check when Props.CheckTableMetadata is set. Any other table is loaded
// from the default data source.
func (l *Loader) Load(ctx context.Context, tableName string, cfg *config.Sharding) (*TableMetaData, error) {
	rule, ok := cfg.FindTableRule(tableName)
	if !ok {
		ds, ok := cfg.DefaultDataSourceName()
		if !ok {
			return nil, fmt.Errorf("table %q has no rule and no default data source is configured: %w", tableName, ErrNoDataNode)
		}
		return l.loadNode(ctx, config.DataNode{DataSource: ds, Table: tableName})
	}
	nodes, err := cfg.DataNodes(rule)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("logic table %q: %w", rule.LogicTable, ErrNoDataNode)
	}
	if !cfg.Props.CheckTableMetadata {
		return l.loadNode(ctx, nodes[0])
	}
	return l.loadConsistent(ctx, rule.LogicTable, nodes, cfg.Props.MaxConnectionsPerQuery)
}

// loadConsistent loads every node and checks they all match the first.
func (l *Loader) loadConsistent(ctx context.Context, logicTable string, nodes []config.DataNode, limit int) (*TableMetaData, error) {
	loaded := make([]*TableMetaData, len(nodes))
	g, errGrpCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i, node := range nodes {
		g.Go(func() error {
			md, err := l.loadNode(errGrpCtx, node)
			if err != nil {
				return err
			}
			loaded[i] = md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i := 1; i < len(loaded); i++ {
		if !loaded[0].Equal(loaded[i]) {
			return nil, &InconsistentError{LogicTable: logicTable, Expected: nodes[0], Actual: nodes[i]}
		}
	}
	return loaded[0], nil
}

func (l *Loader) loadNode(ctx context.Context, node config.DataNode) (*TableMetaData, error) {
	conn, err := l.conns.Acquire(ctx, node.DataSource)
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLogWith(l.logger, conn)

	var md *TableMetaData
	switch conn.Dialect() {
	case dbconn.DialectMySQL:
		md, err = loadMySQL(ctx, conn, node.Table)
	case dbconn.DialectPostgres:
		md, err = loadPostgres(ctx, conn, node.Table)
	default:
		err = fmt.Errorf("unsupported dialect %q", conn.Dialect())
	}
	if err != nil {
		if dbconn.IsTableNotFound(err) {
			err = ErrTableNotFound
		}
		return nil, fmt.Errorf("failed to load %s: %w", node, dbconn.WrapConnErr(node.DataSource, err))
	}
	l.logger.Debug("loaded table metadata", "datasource", node.DataSource, "table", node.Table,
		"columns", len(md.Columns), "indexes", len(md.Indexes), "primary_key", md.PrimaryKeyColumns())
	return md, nil
}

func quoteMySQLIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
