package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
)

// BufferedMetrics batches metrics per table and flushes on size or interval.
type BufferedMetrics struct {
	writer      Writer
	buffer      map[string][]Metric
	bufferMu    sync.Mutex
	batchSize   int
	flushTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// BufferConfig configures the buffer.
type BufferConfig struct {
	Writer        Writer
	BatchSize     int
	FlushInterval time.Duration
}

// NewBufferedMetrics creates a buffer and starts its flush loop.
func NewBufferedMetrics(cfg BufferConfig) *BufferedMetrics {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	bm := &BufferedMetrics{
		writer:      cfg.Writer,
		buffer:      make(map[string][]Metric),
		batchSize:   cfg.BatchSize,
		flushTicker: time.NewTicker(cfg.FlushInterval),
		stopCh:      make(chan struct{}),
	}

	bm.wg.Add(1)
	go bm.autoFlush()

	logger.Info("metrics buffer initialized",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval),
	)

	return bm
}

// Add appends a metric; a full table triggers a background flush.
func (bm *BufferedMetrics) Add(metric Metric) error {
	if metric == nil {
		return fmt.Errorf("metric is nil")
	}
	table := metric.TableName()
	if table == "" {
		return fmt.Errorf("metric table name is empty")
	}

	bm.bufferMu.Lock()
	bm.buffer[table] = append(bm.buffer[table], metric)
	full := len(bm.buffer[table]) >= bm.batchSize
	bm.bufferMu.Unlock()

	if full {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := bm.Flush(ctx); err != nil {
				logger.Error("metrics auto-flush failed", zap.Error(err))
			}
		}()
	}

	return nil
}

// Flush drains every table to the writer.
func (bm *BufferedMetrics) Flush(ctx context.Context) error {
	bm.bufferMu.Lock()
	toFlush := make(map[string][]Metric, len(bm.buffer))
	for table, items := range bm.buffer {
		if len(items) > 0 {
			toFlush[table] = items
			bm.buffer[table] = nil
		}
	}
	bm.bufferMu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}

	var failed int
	for table, items := range toFlush {
		if err := bm.writer.Write(ctx, table, items); err != nil {
			logger.Error("failed to flush metrics",
				zap.String("table", table),
				zap.Int("count", len(items)),
				zap.Error(err),
			)
			failed++
			continue
		}
		logger.Debug("metrics flushed",
			zap.String("table", table),
			zap.Int("count", len(items)),
		)
	}

	if failed > 0 {
		return fmt.Errorf("flush failed for %d tables", failed)
	}
	return nil
}

// Size returns the total number of buffered metrics.
func (bm *BufferedMetrics) Size() int {
	bm.bufferMu.Lock()
	defer bm.bufferMu.Unlock()

	total := 0
	for _, items := range bm.buffer {
		total += len(items)
	}
	return total
}

// Close stops the flush loop, flushes what is buffered and closes the writer.
func (bm *BufferedMetrics) Close(ctx context.Context) error {
	close(bm.stopCh)
	bm.flushTicker.Stop()
	bm.wg.Wait()

	if err := bm.Flush(ctx); err != nil {
		return err
	}
	return bm.writer.Close()
}

func (bm *BufferedMetrics) autoFlush() {
	defer bm.wg.Done()

	for {
		select {
		case <-bm.flushTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := bm.Flush(ctx); err != nil {
				logger.Warn("periodic metrics flush failed", zap.Error(err))
			}
			cancel()

		case <-bm.stopCh:
			return
		}
	}
}
