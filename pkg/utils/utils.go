// Package utils contains some common utilities used by all other packages.
package utils

import (
	"log/slog"
	"strings"
)

// ErrInErr is called when an error is encountered while already
// handling an error, i.e. closing a pool after a failed ping.
// There is nothing more to do than to log it.
func ErrInErr(err error) {
	if err != nil {
		slog.Error("error while handling error", "error", err)
	}
}

// LowerSet returns a set of the lowercased values.
// Table names are compared case insensitively across namespaces.
func LowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}
