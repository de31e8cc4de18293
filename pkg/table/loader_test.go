package table

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/block/shardmeta/pkg/config"
	"github.com/block/shardmeta/pkg/dbconn"
	"github.com/block/shardmeta/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

// refusingAcquirer records every data source asked for and refuses them all.
type refusingAcquirer struct {
	sync.Mutex
	requested []string
}

func (a *refusingAcquirer) Acquire(_ context.Context, dataSource string) (dbconn.Conn, error) {
	a.Lock()
	defer a.Unlock()
	a.requested = append(a.requested, dataSource)
	return nil, &dbconn.ConnectionError{DataSource: dataSource, Err: errors.New("connection refused")}
}

func shardingConfig() *config.Sharding {
	cfg := &config.Sharding{
		DataSources: map[string]*config.DataSource{
			"ds_0": {DSN: "root@tcp(127.0.0.1:3306)/shard0"},
			"ds_1": {DSN: "root@tcp(127.0.0.1:3306)/shard1"},
		},
		DefaultDataSource: "ds_1",
		Tables: []*config.TableRule{
			{LogicTable: "t_order", ActualDataNodes: []string{"ds_0.t_order_0", "ds_0.t_order_1", "ds_1.t_order_2"}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestLoadRoutesRuleTablesToFirstNode(t *testing.T) {
	acquirer := &refusingAcquirer{}
	_, err := NewLoader(acquirer).Load(t.Context(), "T_ORDER", shardingConfig())
	var connErr *dbconn.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ds_0", connErr.DataSource)
	assert.Equal(t, []string{"ds_0"}, acquirer.requested)
}

func TestLoadRoutesOtherTablesToDefault(t *testing.T) {
	acquirer := &refusingAcquirer{}
	_, err := NewLoader(acquirer).Load(t.Context(), "t_user", shardingConfig())
	require.Error(t, err)
	assert.Equal(t, []string{"ds_1"}, acquirer.requested)
}

func TestLoadWithoutDefaultDataSource(t *testing.T) {
	cfg := shardingConfig()
	cfg.DefaultDataSource = ""
	_, err := NewLoader(&refusingAcquirer{}).Load(t.Context(), "t_user", cfg)
	assert.ErrorIs(t, err, ErrNoDataNode)
}

func TestLoadCheckModeVisitsEveryNode(t *testing.T) {
	cfg := shardingConfig()
	cfg.Props.CheckTableMetadata = true
	cfg.Props.MaxConnectionsPerQuery = 1
	acquirer := &refusingAcquirer{}
	_, err := NewLoader(acquirer).Load(t.Context(), "t_order", cfg)
	require.Error(t, err)
	// The first failure cancels the remaining node loads, so only the
	// first node is guaranteed to be attempted with a limit of one.
	require.NotEmpty(t, acquirer.requested)
	assert.Equal(t, "ds_0", acquirer.requested[0])
}

func TestInconsistentError(t *testing.T) {
	err := &InconsistentError{
		LogicTable: "t_order",
		Expected:   config.DataNode{DataSource: "ds_0", Table: "t_order_0"},
		Actual:     config.DataNode{DataSource: "ds_1", Table: "t_order_2"},
	}
	assert.Equal(t, `cannot get uniformed table structure for logic table "t_order": ds_0.t_order_0 and ds_1.t_order_2 differ`, err.Error())
}

func TestQuoteMySQLIdentifier(t *testing.T) {
	assert.Equal(t, "`t_order`", quoteMySQLIdentifier("t_order"))
	assert.Equal(t, "`we``ird`", quoteMySQLIdentifier("we`ird"))
}

func mysqlSharding(t *testing.T, dbName string) *config.Sharding {
	cfg := &config.Sharding{
		DataSources: map[string]*config.DataSource{
			"ds_0": {DSN: testutils.DSNForDatabase(dbName)},
		},
		Tables: []*config.TableRule{
			{LogicTable: "t_order", ActualDataNodes: []string{"ds_0.t_order_0", "ds_0.t_order_1"}},
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newMySQLLoader(t *testing.T, cfg *config.Sharding) *Loader {
	m, err := dbconn.NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, m.Close())
	})
	return NewLoader(m)
}

func TestLoadMySQL(t *testing.T) {
	testutils.RequireMySQL(t)
	dbName := testutils.CreateUniqueTestDatabase(t)
	for _, tbl := range []string{"t_order_0", "t_order_1"} {
		testutils.RunSQLInDatabase(t, dbName, fmt.Sprintf(`CREATE TABLE %s (
			order_id BIGINT NOT NULL AUTO_INCREMENT,
			user_id INT NOT NULL,
			status VARCHAR(32),
			PRIMARY KEY (order_id),
			KEY idx_user_%s (user_id))`, tbl, tbl))
	}
	testutils.RunSQLInDatabase(t, dbName, "CREATE TABLE t_user (id INT NOT NULL PRIMARY KEY)")

	cfg := mysqlSharding(t, dbName)
	cfg.Props.CheckTableMetadata = true
	cfg.Props.MaxConnectionsPerQuery = 2
	loader := newMySQLLoader(t, cfg)

	md, err := loader.Load(t.Context(), "t_order", cfg)
	require.NoError(t, err)
	require.Len(t, md.Columns, 3)
	assert.Equal(t, []string{"order_id"}, md.PrimaryKeyColumns())
	assert.True(t, md.Columns[0].AutoIncrement)
	require.Len(t, md.Indexes, 2)
	assert.Equal(t, "idx_user", md.Indexes[1].Name)

	md, err = loader.Load(t.Context(), "t_user", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, md.PrimaryKeyColumns())

	_, err = loader.Load(t.Context(), "t_missing", cfg)
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestLoadMySQLInconsistent(t *testing.T) {
	testutils.RequireMySQL(t)
	dbName := testutils.CreateUniqueTestDatabase(t)
	testutils.RunSQLInDatabase(t, dbName, "CREATE TABLE t_order_0 (id INT NOT NULL PRIMARY KEY, v INT)")
	testutils.RunSQLInDatabase(t, dbName, "CREATE TABLE t_order_1 (id INT NOT NULL PRIMARY KEY, v BIGINT)")

	cfg := mysqlSharding(t, dbName)
	loader := newMySQLLoader(t, cfg)

	// Without the check the first node wins.
	_, err := loader.Load(t.Context(), "t_order", cfg)
	require.NoError(t, err)

	cfg.Props.CheckTableMetadata = true
	_, err = loader.Load(t.Context(), "t_order", cfg)
	var inconsistent *InconsistentError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, "t_order_1", inconsistent.Actual.Table)
}
