// Package config contains the sharding configuration consumed by the
// metadata loader: data sources, table rules and loader properties.
package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"

	DefaultBatchSize              = 16
	DefaultMaxConcurrency         = 16
	DefaultMaxConnectionsPerQuery = 1
	DefaultLoadTimeout            = 5 * time.Minute
)

var (
	ErrNoDataSources     = errors.New("at least one data source must be configured")
	ErrUnknownDataSource = errors.New("unknown data source")
)

// OverlapPolicy decides what happens when a physical table on the default
// data source has the same name as a logic table of a sharding rule.
type OverlapPolicy string

const (
	// OverlapShardedWins skips default tables that are named by a rule.
	OverlapShardedWins OverlapPolicy = "sharded-wins"
	// OverlapReject reports every overlapping name as a configuration error.
	OverlapReject OverlapPolicy = "reject"
	// OverlapLastWriteWins loads overlapping default tables and lets them
	// replace the sharded entry when the results are merged.
	OverlapLastWriteWins OverlapPolicy = "last-write-wins"
)

func (p *OverlapPolicy) UnmarshalText(text []byte) error {
	switch v := OverlapPolicy(strings.ToLower(strings.TrimSpace(string(text)))); v {
	case "":
		*p = OverlapShardedWins
	case OverlapShardedWins, OverlapReject, OverlapLastWriteWins:
		*p = v
	default:
		return fmt.Errorf("invalid overlap policy %q: must be one of %s, %s, %s",
			text, OverlapShardedWins, OverlapReject, OverlapLastWriteWins)
	}
	return nil
}

// Duration is a time.Duration that can be read from "30s" style strings
// in both YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type DataSource struct {
	// Driver is either mysql or postgres.
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	// CredentialsFile is an optional my.cnf style file whose [client]
	// section overrides user, password, host and port of the DSN.
	CredentialsFile string `yaml:"credentialsFile" toml:"credentialsFile"`
}

// TableRule names a logic table and the physical tables it is sharded to.
type TableRule struct {
	LogicTable      string   `yaml:"logicTable" toml:"logicTable"`
	ActualDataNodes []string `yaml:"actualDataNodes" toml:"actualDataNodes"`
}

// DataNode is one physical table of a rule, written as "ds.table".
type DataNode struct {
	DataSource string
	Table      string
}

func (n DataNode) String() string {
	return n.DataSource + "." + n.Table
}

func ParseDataNode(s string) (DataNode, error) {
	ds, tbl, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || ds == "" || tbl == "" || strings.Contains(tbl, ".") {
		return DataNode{}, fmt.Errorf("invalid data node %q: expected <datasource>.<table>", s)
	}
	return DataNode{DataSource: ds, Table: tbl}, nil
}

type Props struct {
	// BatchSize bounds how many default tables are loaded at once.
	BatchSize int `yaml:"batchSize" toml:"batchSize"`
	// MaxConcurrency bounds how many sharded tables are loaded at once.
	MaxConcurrency int `yaml:"maxConcurrency" toml:"maxConcurrency"`
	// MaxConnectionsPerQuery bounds the node loads of a single table
	// when CheckTableMetadata is enabled.
	MaxConnectionsPerQuery int           `yaml:"maxConnectionsPerQuery" toml:"maxConnectionsPerQuery"`
	CheckTableMetadata     bool          `yaml:"checkTableMetadata" toml:"checkTableMetadata"`
	LoadTimeout            Duration      `yaml:"loadTimeout" toml:"loadTimeout"`
	OverlapPolicy          OverlapPolicy `yaml:"overlapPolicy" toml:"overlapPolicy"`
}

// Sharding is the sharding configuration of the enclosing system.
type Sharding struct {
	DataSources       map[string]*DataSource `yaml:"dataSources" toml:"dataSources"`
	DefaultDataSource string                 `yaml:"defaultDataSource" toml:"defaultDataSource"`
	Tables            []*TableRule           `yaml:"tables" toml:"tables"`
	Props             Props                  `yaml:"props" toml:"props"`
}

// ApplyDefaults fills unset properties.
func (s *Sharding) ApplyDefaults() {
	if s.Props.BatchSize <= 0 {
		s.Props.BatchSize = DefaultBatchSize
	}
	if s.Props.MaxConcurrency <= 0 {
		s.Props.MaxConcurrency = DefaultMaxConcurrency
	}
	if s.Props.MaxConnectionsPerQuery <= 0 {
		s.Props.MaxConnectionsPerQuery = DefaultMaxConnectionsPerQuery
	}
	if s.Props.LoadTimeout.Duration <= 0 {
		s.Props.LoadTimeout.Duration = DefaultLoadTimeout
	}
	if s.Props.OverlapPolicy == "" {
		s.Props.OverlapPolicy = OverlapShardedWins
	}
	for _, ds := range s.DataSources {
		if ds != nil && ds.Driver == "" {
			ds.Driver = DriverMySQL
		}
	}
}

// Validate checks the configuration is internally consistent.
func (s *Sharding) Validate() error {
	if len(s.DataSources) == 0 {
		return ErrNoDataSources
	}
	for name, ds := range s.DataSources {
		if ds == nil || ds.DSN == "" {
			return fmt.Errorf("data source %q has no dsn", name)
		}
		if ds.Driver != DriverMySQL && ds.Driver != DriverPostgres {
			return fmt.Errorf("data source %q has unsupported driver %q", name, ds.Driver)
		}
	}
	if s.DefaultDataSource != "" {
		if _, ok := s.DataSources[s.DefaultDataSource]; !ok {
			return fmt.Errorf("default data source %q: %w", s.DefaultDataSource, ErrUnknownDataSource)
		}
	}
	seen := make(map[string]struct{}, len(s.Tables))
	for i, rule := range s.Tables {
		if rule == nil || rule.LogicTable == "" {
			return fmt.Errorf("table rule %d has no logic table", i)
		}
		key := strings.ToLower(rule.LogicTable)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("logic table %q is configured more than once", rule.LogicTable)
		}
		seen[key] = struct{}{}
		nodes, err := s.DataNodes(rule)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			if _, ok := s.DataSources[node.DataSource]; !ok {
				return fmt.Errorf("logic table %q node %s: %w", rule.LogicTable, node, ErrUnknownDataSource)
			}
		}
	}
	return nil
}

// LogicTableNames returns the logic table of every rule in configuration order.
func (s *Sharding) LogicTableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, rule := range s.Tables {
		names = append(names, rule.LogicTable)
	}
	return names
}

// FindTableRule returns the rule for a logic table, compared case insensitively.
func (s *Sharding) FindTableRule(logicTable string) (*TableRule, bool) {
	for _, rule := range s.Tables {
		if strings.EqualFold(rule.LogicTable, logicTable) {
			return rule, true
		}
	}
	return nil, false
}

// DefaultDataSourceName resolves the data source used for tables without a
// rule: the configured one, or the only data source if there is exactly one.
func (s *Sharding) DefaultDataSourceName() (string, bool) {
	if s.DefaultDataSource != "" {
		return s.DefaultDataSource, true
	}
	if len(s.DataSources) == 1 {
		for name := range s.DataSources {
			return name, true
		}
	}
	return "", false
}

// DataSourceNames returns the configured data sources sorted by name.
func (s *Sharding) DataSourceNames() []string {
	names := make([]string, 0, len(s.DataSources))
	for name := range s.DataSources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DataNodes returns the physical tables of a rule. A rule without
// actual data nodes lives under the logic name on every data source.
func (s *Sharding) DataNodes(rule *TableRule) ([]DataNode, error) {
	if len(rule.ActualDataNodes) == 0 {
		names := s.DataSourceNames()
		nodes := make([]DataNode, 0, len(names))
		for _, ds := range names {
			nodes = append(nodes, DataNode{DataSource: ds, Table: rule.LogicTable})
		}
		return nodes, nil
	}
	nodes := make([]DataNode, 0, len(rule.ActualDataNodes))
	for _, raw := range rule.ActualDataNodes {
		node, err := ParseDataNode(raw)
		if err != nil {
			return nil, fmt.Errorf("logic table %q: %w", rule.LogicTable, err)
		}
		if !slices.Contains(nodes, node) {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}
