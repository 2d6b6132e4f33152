package config

import (
	"fmt"

	"github.com/qq940500529/bitsync/bitable"
)

// LintResult separates hard configuration problems from advice.
type LintResult struct {
	Issues   []string
	Warnings []string
}

// OK reports whether the configuration is usable as-is.
func (r *LintResult) OK() bool {
	return len(r.Issues) == 0
}

// Lint inspects a loaded configuration for values that are legal but likely
// to hurt throughput or trip destination limits.
func (c *Config) Lint() *LintResult {
	var r = &LintResult{}

	switch {
	case c.Sync.ReadBatchSize < 100:
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"read_batch_size %d is very small; 1000-10000 performs much better", c.Sync.ReadBatchSize))
	case c.Sync.ReadBatchSize < 1000:
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"read_batch_size %d causes many source queries; consider 5000-10000", c.Sync.ReadBatchSize))
	case c.Sync.ReadBatchSize > 50000:
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"read_batch_size %d is very large and may exhaust memory", c.Sync.ReadBatchSize))
	}

	if c.Sync.WriteBatchSize > bitable.MaxRecordsPerCall {
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"write_batch_size %d exceeds the destination's %d-row call limit; writes will be chunked",
			c.Sync.WriteBatchSize, bitable.MaxRecordsPerCall))
	}

	if c.Feishu.MaxRowsPerTable > 20000 {
		r.Issues = append(r.Issues, fmt.Sprintf(
			"max_rows_per_table %d exceeds the destination limit of 20000", c.Feishu.MaxRowsPerTable))
	}
	if c.Feishu.MaxRequestsPerSecond > 50 {
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"max_requests_per_second %d exceeds the documented limit of 50 and may cause throttling errors",
			c.Feishu.MaxRequestsPerSecond))
	}

	return r
}
