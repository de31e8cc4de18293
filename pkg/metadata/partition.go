package metadata

import "github.com/block/shardmeta/pkg/config"

// Partition splits names into contiguous batches of at most batchSize
// names. A non-positive batchSize falls back to config.DefaultBatchSize.
func Partition(names []string, batchSize int) [][]string {
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}
	batches := make([][]string, 0, (len(names)+batchSize-1)/batchSize)
	for start := 0; start < len(names); start += batchSize {
		end := min(start+batchSize, len(names))
		batches = append(batches, names[start:end:end])
	}
	return batches
}
