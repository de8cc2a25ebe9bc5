package metrics

import "context"

// Metric is one analytics record destined for a ClickHouse table.
type Metric interface {
	// TableName returns the destination table
	TableName() string
	// Values returns column values in insert order
	Values() []interface{}
}

// Writer persists metric batches.
type Writer interface {
	// Write writes one batch destined for tableName
	Write(ctx context.Context, tableName string, metrics []Metric) error
	// Close flushes and releases the sink
	Close() error
}

// Buffer accumulates metrics and flushes them in batches.
type Buffer interface {
	// Add appends a metric (thread-safe)
	Add(metric Metric) error
	// Flush drains the buffer to the writer
	Flush(ctx context.Context) error
	// Size returns the number of buffered metrics
	Size() int
	// Close flushes and shuts the buffer down
	Close(ctx context.Context) error
}
