package compressor

import (
	"context"
	"errors"
	"sync"
	"time"

	"image-compressor-go/internal/collection"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metrics"

	"github.com/sirupsen/logrus"
)

// ProgressFunc is called after each item of a batch finishes.
type ProgressFunc func(done, total int, last ItemResult)

// Orchestrator drives a Compressor across every Pending item of a collection,
// strictly one at a time, in collection order.
type Orchestrator struct {
	items      *collection.Collection
	compressor Compressor
	log        *logrus.Logger

	runMu   sync.Mutex
	stateMu sync.RWMutex
	running bool
}

// NewOrchestrator returns an Orchestrator for items.
func NewOrchestrator(items *collection.Collection, c Compressor, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		items:      items,
		compressor: c,
		log:        log,
	}
}

// IsRunning reports whether a compress-all run is in progress.
func (o *Orchestrator) IsRunning() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.running
}

func (o *Orchestrator) setRunning(v bool) {
	o.stateMu.Lock()
	o.running = v
	o.stateMu.Unlock()
	if v {
		metrics.BatchRunning.Set(1)
	} else {
		metrics.BatchRunning.Set(0)
	}
}

// CompressAll compresses every item that is Pending when the run starts.
// A failing item never stops the loop. Items removed or already handled by a
// manual trigger before their turn are skipped. Cancelling ctx lets the current
// item finish and stops the loop before the next one; items not reached stay
// Pending.
func (o *Orchestrator) CompressAll(ctx context.Context, progress ProgressFunc) (BatchResult, error) {
	if !o.runMu.TryLock() {
		return BatchResult{}, ErrBatchRunning
	}
	defer o.runMu.Unlock()

	o.setRunning(true)
	defer o.setRunning(false)
	metrics.BatchRunsTotal.Inc()

	ids := o.items.IDs(collection.StatusPending)
	result := BatchResult{StartedAt: time.Now()}
	entry := logger.WithOperation(o.log, "compress_all")
	entry.WithField("pending", len(ids)).Info("Starting batch compression")

	for i, id := range ids {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		ir, counted := o.compressOne(ctx, id, &result)
		if counted {
			result.Items = append(result.Items, ir)
		}
		if progress != nil {
			progress(i+1, len(ids), ir)
		}
	}

	result.FinishedAt = time.Now()
	entry.WithFields(logrus.Fields{
		"done":      result.Done,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"cancelled": result.Cancelled,
		"duration":  result.Duration().String(),
	}).Info("Batch compression finished")

	return result, nil
}

// compressOne runs a single batch step. It reports false when the item was
// skipped rather than attempted.
func (o *Orchestrator) compressOne(ctx context.Context, id string, result *BatchResult) (ItemResult, bool) {
	current, ok := o.items.Get(id)
	if !ok || current.Status != collection.StatusPending {
		result.Skipped++
		return ItemResult{ID: id, Status: current.Status}, false
	}

	ir := ItemResult{
		ID:           id,
		Name:         current.SourceName,
		OriginalSize: current.OriginalSizeBytes,
		StartedAt:    time.Now(),
	}
	// Cancellation is checked between items; the current one runs to completion.
	item, err := o.compressor.CompressPending(context.WithoutCancel(ctx), id)
	ir.FinishedAt = time.Now()

	switch {
	case errors.Is(err, ErrInFlight), errors.Is(err, ErrNotPending), errors.Is(err, ErrNotReady), errors.Is(err, collection.ErrNotFound):
		result.Skipped++
		return ir, false
	case err != nil:
		ir.Status = collection.StatusError
		ir.Error = err
		result.Failed++
	case item.ID == "":
		ir.Discarded = true
		result.Skipped++
	default:
		ir.Status = item.Status
		ir.CompressedSize = item.CompressedSizeBytes
		ir.PercentageSaved = item.SavingsPercent()
		result.Done++
	}
	return ir, true
}
