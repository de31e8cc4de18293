package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/block/shardmeta/pkg/config"
	"github.com/block/shardmeta/pkg/dbconn"
	"github.com/block/shardmeta/pkg/metrics"
	"github.com/block/shardmeta/pkg/table"
)

type fakeRegistry map[string]*dbconn.DataSourceMetaData

func (r fakeRegistry) DataSourceMetaData(name string) (*dbconn.DataSourceMetaData, bool) {
	meta, ok := r[name]
	return meta, ok
}

// fakeConn implements the catalog part of dbconn.Conn.
type fakeConn struct {
	dbconn.Conn
	dataSource string
	schema     string
	schemaErr  error
	tables     []string
	tablesErr  error
	// blockTables makes Tables wait until the context is done.
	blockTables bool

	gotCatalog string
	gotSchema  string
	closed     atomic.Bool
}

func (c *fakeConn) DataSource() string {
	return c.dataSource
}

func (c *fakeConn) CurrentSchema(context.Context) (string, error) {
	return c.schema, c.schemaErr
}

func (c *fakeConn) Tables(ctx context.Context, catalog, schema string) ([]string, error) {
	c.gotCatalog, c.gotSchema = catalog, schema
	if c.blockTables {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.tables, c.tablesErr
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeConns struct {
	conns      map[string]*fakeConn
	acquireErr error
}

func (f *fakeConns) Acquire(ctx context.Context, dataSource string) (dbconn.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &dbconn.ConnectionError{DataSource: dataSource, Err: err}
	}
	if f.acquireErr != nil {
		return nil, &dbconn.ConnectionError{DataSource: dataSource, Err: f.acquireErr}
	}
	conn, ok := f.conns[dataSource]
	if !ok {
		return nil, &dbconn.ConnectionError{DataSource: dataSource, Err: dbconn.ErrUnknownDataSource}
	}
	return conn, nil
}

// fakeLoader builds a descriptor from the table name. Tables in failing
// return an error; tables in blocking wait for release or cancellation.
type fakeLoader struct {
	mu       sync.Mutex
	calls    map[string]int
	failing  map[string]error
	blocking map[string]chan struct{}

	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		calls:    map[string]int{},
		failing:  map[string]error{},
		blocking: map[string]chan struct{}{},
	}
}

func (l *fakeLoader) Load(ctx context.Context, tableName string, _ *config.Sharding) (*table.TableMetaData, error) {
	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	l.mu.Lock()
	l.calls[tableName]++
	failErr := l.failing[tableName]
	release := l.blocking[tableName]
	l.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return &table.TableMetaData{
		Columns: []table.ColumnMetaData{{Name: "id", DataType: "bigint", PrimaryKey: true}},
		Indexes: []table.IndexMetaData{{Name: "PRIMARY", Unique: true, Columns: []string{"id"}}},
	}, nil
}

func (l *fakeLoader) callCount(tableName string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[tableName]
}

func (l *fakeLoader) totalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.calls {
		total += n
	}
	return total
}

type recordingSink struct {
	sync.Mutex
	values []metrics.MetricValue
}

func (s *recordingSink) Send(_ context.Context, m *metrics.Metrics) error {
	s.Lock()
	defer s.Unlock()
	s.values = append(s.values, m.Values...)
	return nil
}

func (s *recordingSink) sum(name string) float64 {
	s.Lock()
	defer s.Unlock()
	var total float64
	for _, v := range s.values {
		if v.Name == name {
			total += v.Value
		}
	}
	return total
}

func tableNames(prefix string, n int) []string {
	names := make([]string, 0, n)
	for i := range n {
		names = append(names, fmt.Sprintf("%s%d", prefix, i))
	}
	return names
}

var errBrokenTable = errors.New("broken table")
