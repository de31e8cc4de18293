package metadata

import (
	"errors"
	"fmt"
	"strings"

	"github.com/block/shardmeta/pkg/fanout"
)

// Phase names the part of a load pass a table belongs to.
type Phase string

const (
	PhaseSharded Phase = "sharded"
	PhaseDefault Phase = "default"
)

// DiscoveryError is returned when the table names of a data source could
// not be enumerated. It fails only the default table phase.
type DiscoveryError struct {
	DataSource string
	Err        error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to discover tables of data source %q: %v", e.DataSource, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Interrupted reports whether discovery did not finish because the pass
// timed out or was cancelled.
func (e *DiscoveryError) Interrupted() bool {
	return errors.Is(e.Err, fanout.ErrTimeout) || errors.Is(e.Err, fanout.ErrCanceled)
}

// LoadError is the failure to load one table.
type LoadError struct {
	Table string
	Phase Phase
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s table %q: %v", e.Phase, e.Table, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Interrupted reports whether the load did not finish because the pass
// timed out or was cancelled.
func (e *LoadError) Interrupted() bool {
	return errors.Is(e.Err, fanout.ErrTimeout) || errors.Is(e.Err, fanout.ErrCanceled)
}

// OverlapError is reported under the reject overlap policy for a table of
// the default data source that has the name of a logic table.
type OverlapError struct {
	Table      string
	DataSource string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("table %q of default data source %q overlaps a sharded logic table", e.Table, e.DataSource)
}

// AggregateError collects every failure of a load pass. It is returned
// together with the tables that did load.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	const maxListed = 5
	var b strings.Builder
	fmt.Fprintf(&b, "%d table metadata load failure(s)", len(e.Errors))
	for i, err := range e.Errors {
		if i == maxListed {
			fmt.Fprintf(&b, "; and %d more", len(e.Errors)-maxListed)
			break
		}
		b.WriteString("; ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// Tables returns the names of the tables that failed, in report order.
func (e *AggregateError) Tables() []string {
	var tables []string
	for _, err := range e.Errors {
		var loadErr *LoadError
		var overlapErr *OverlapError
		switch {
		case errors.As(err, &loadErr):
			tables = append(tables, loadErr.Table)
		case errors.As(err, &overlapErr):
			tables = append(tables, overlapErr.Table)
		}
	}
	return tables
}

// ShardedFailed reports whether a configured logic table failed to load.
// Sharded tables are mandatory, default tables are best effort.
func (e *AggregateError) ShardedFailed() bool {
	for _, err := range e.Errors {
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Phase == PhaseSharded {
			return true
		}
	}
	return false
}

// Interrupted reports whether any table or discovery failed because the
// pass timed out or was cancelled, as opposed to failing on its own.
func (e *AggregateError) Interrupted() bool {
	for _, err := range e.Errors {
		var (
			loadErr      *LoadError
			discoveryErr *DiscoveryError
		)
		switch {
		case errors.As(err, &loadErr) && loadErr.Interrupted():
			return true
		case errors.As(err, &discoveryErr) && discoveryErr.Interrupted():
			return true
		}
	}
	return false
}
