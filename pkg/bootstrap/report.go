package bootstrap

import (
	"encoding/json"
	"errors"
	"io"
	"maps"
	"slices"

	"github.com/block/shardmeta/pkg/metadata"
	"github.com/block/shardmeta/pkg/table"
)

const (
	exitOK = 0
	// exitShardedFailed means a logic table did not load, or with
	// --strict, that any table did not load.
	exitShardedFailed = 1
)

type report struct {
	Tables      map[string]*table.TableMetaData `json:"tables"`
	Failures    []failure                       `json:"failures,omitempty"`
	Interrupted bool                            `json:"interrupted,omitempty"`
}

type failure struct {
	Table      string `json:"table,omitempty"`
	Phase      string `json:"phase,omitempty"`
	DataSource string `json:"datasource,omitempty"`
	Error      string `json:"error"`
}

func newReport(result metadata.ResultMap, err error) report {
	r := report{Tables: result}
	if r.Tables == nil {
		r.Tables = map[string]*table.TableMetaData{}
	}
	var aggErr *metadata.AggregateError
	if !errors.As(err, &aggErr) {
		if err != nil {
			r.Failures = append(r.Failures, failure{Error: err.Error()})
		}
		return r
	}
	r.Interrupted = aggErr.Interrupted()
	for _, e := range aggErr.Errors {
		r.Failures = append(r.Failures, newFailure(e))
	}
	return r
}

func newFailure(err error) failure {
	var (
		loadErr      *metadata.LoadError
		overlapErr   *metadata.OverlapError
		discoveryErr *metadata.DiscoveryError
	)
	switch {
	case errors.As(err, &loadErr):
		return failure{Table: loadErr.Table, Phase: string(loadErr.Phase), Error: loadErr.Err.Error()}
	case errors.As(err, &overlapErr):
		return failure{Table: overlapErr.Table, Phase: string(metadata.PhaseDefault), DataSource: overlapErr.DataSource, Error: err.Error()}
	case errors.As(err, &discoveryErr):
		return failure{Phase: string(metadata.PhaseDefault), DataSource: discoveryErr.DataSource, Error: discoveryErr.Err.Error()}
	default:
		return failure{Error: err.Error()}
	}
}

// writeReport writes the pass as indented JSON. Table names are
// written in sorted order by encoding/json.
func writeReport(w io.Writer, result metadata.ResultMap, err error) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newReport(result, err))
}

// exitCode maps the outcome of a pass to the process exit code. Default
// tables are best effort unless strict is set.
func exitCode(err error, strict bool) int {
	if err == nil {
		return exitOK
	}
	var aggErr *metadata.AggregateError
	if errors.As(err, &aggErr) && !aggErr.ShardedFailed() && !strict {
		return exitOK
	}
	return exitShardedFailed
}

// failedTables returns the sorted names of the tables that failed.
func failedTables(err error) []string {
	var aggErr *metadata.AggregateError
	if !errors.As(err, &aggErr) {
		return nil
	}
	set := make(map[string]struct{})
	for _, name := range aggErr.Tables() {
		set[name] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
