// Package workspace is one in-memory compression session: the item
// collection plus everything that reads or writes it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"image-compressor-go/internal/collection"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/export"
	"image-compressor-go/internal/ingest"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/raster"
	"image-compressor-go/internal/resource"
	"image-compressor-go/internal/statistics"

	"github.com/sirupsen/logrus"
)

// ErrQualityFrozen is returned when changing the quality of an item whose
// compression has already started.
var ErrQualityFrozen = errors.New("quality can only change while pending")

// Workspace wires ingestion, compression, export and resource tracking around
// a single collection. All methods are safe for concurrent use.
type Workspace struct {
	log   *logrus.Logger
	items *collection.Collection
	refs  *resource.Manager
	stats *statistics.Statistics

	ingestor     *ingest.Ingestor
	engine       *compressor.Engine
	orchestrator *compressor.Orchestrator
	exporter     *export.Exporter

	qualityMu sync.RWMutex
	quality   int

	events *broadcaster
}

// New returns an empty Workspace. A nil refs gets a fresh Manager.
func New(cfg *config.Config, log *logrus.Logger, backend raster.Backend, refs *resource.Manager) *Workspace {
	if refs == nil {
		refs = resource.NewManager()
	}
	items := collection.New()
	engine := compressor.NewEngine(items, refs, backend, log, compressor.EngineConfig{
		MaxDimension: cfg.Compression.MaxDimension,
		ItemTimeout:  cfg.Compression.ItemTimeout,
	})

	w := &Workspace{
		log:          log,
		items:        items,
		refs:         refs,
		stats:        statistics.NewStatistics(),
		ingestor:     ingest.NewIngestor(items, log, cfg.Ingest.MaxFileSize),
		engine:       engine,
		orchestrator: compressor.NewOrchestrator(items, engine, log),
		exporter:     export.NewExporter(items, refs, log, cfg.Export.Prefix),
		quality:      raster.ClampQuality(cfg.Compression.DefaultQuality),
		events:       newBroadcaster(),
	}
	engine.SetChangeHook(w.itemChanged)
	return w
}

// Quality returns the global quality applied to newly ingested items.
func (w *Workspace) Quality() int {
	w.qualityMu.RLock()
	defer w.qualityMu.RUnlock()
	return w.quality
}

// SetQuality changes the global quality and rewrites it on every Pending item.
// Items past Pending keep the quality they were compressed with.
func (w *Workspace) SetQuality(q int) error {
	if err := config.ValidateQuality(q); err != nil {
		return err
	}

	w.qualityMu.Lock()
	w.quality = q
	w.qualityMu.Unlock()

	changed := w.items.UpdateAll(func(it *collection.ImageItem) bool {
		if it.Status != collection.StatusPending || it.Quality == q {
			return false
		}
		it.Quality = q
		return true
	})

	logger.WithOperation(w.log, "set_quality").WithFields(logrus.Fields{"quality": q, "updated": len(changed)}).Info("Global quality changed")
	for _, id := range changed {
		if item, ok := w.items.Get(id); ok {
			w.itemChanged(item)
		}
	}
	w.emit(Event{Type: EventQuality, Quality: q})
	return nil
}

// SetItemQuality overrides the quality of one Pending item. Any value in
// 1-100 is accepted, below the global minimum of 10.
func (w *Workspace) SetItemQuality(id string, q int) (collection.ImageItem, error) {
	if err := config.ValidateItemQuality(q); err != nil {
		return collection.ImageItem{}, err
	}
	item, err := w.items.Update(id, func(it *collection.ImageItem) error {
		if it.Status != collection.StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrQualityFrozen, id, it.Status)
		}
		it.Quality = q
		return nil
	})
	if err != nil {
		return collection.ImageItem{}, err
	}
	w.itemChanged(item)
	return item, nil
}

// Ingest validates and adds sources at the current global quality.
func (w *Workspace) Ingest(ctx context.Context, sources []ingest.Source) ingest.Report {
	w.stats.AddFound(len(sources))
	report := w.ingestor.Ingest(ctx, sources, w.Quality())

	for _, item := range report.Accepted {
		w.stats.IncrementAccepted(item.OriginalSizeBytes)
		w.itemChanged(item)
	}
	for _, err := range report.Rejected {
		w.stats.IncrementRejected()
		w.stats.AddError(rejectedName(err), "ingest", err.Error())
	}
	return report
}

func rejectedName(err error) string {
	var verr *ingest.ValidationError
	if errors.As(err, &verr) {
		return verr.Name
	}
	var rerr *ingest.ReadError
	if errors.As(err, &rerr) {
		return rerr.Name
	}
	return ""
}

// Compress runs one item through the engine. It is the manual trigger and the
// retry action; it queues behind any compression already running.
func (w *Workspace) Compress(ctx context.Context, id string) (collection.ImageItem, error) {
	item, err := w.engine.Compress(ctx, id)
	w.recordResult(item.SourceName, item, err)
	return item, err
}

func (w *Workspace) recordResult(name string, item collection.ImageItem, err error) {
	switch {
	case errors.Is(err, compressor.ErrInFlight), errors.Is(err, compressor.ErrNotReady), errors.Is(err, collection.ErrNotFound):
	case err != nil:
		w.stats.IncrementFailed()
		w.stats.AddError(name, "compress", err.Error())
	case item.Status == collection.StatusDone:
		w.stats.IncrementCompressed(item.CompressedSizeBytes)
	}
}

// CompressAll compresses every Pending item in order, one at a time. progress
// may be nil.
func (w *Workspace) CompressAll(ctx context.Context, progress compressor.ProgressFunc) (compressor.BatchResult, error) {
	w.emit(Event{Type: EventBatchStarted})
	result, err := w.orchestrator.CompressAll(ctx, func(done, total int, last compressor.ItemResult) {
		w.emit(Event{Type: EventBatchProgress, Progress: &Progress{Done: done, Total: total, ID: last.ID}})
		if progress != nil {
			progress(done, total, last)
		}
	})
	if err != nil {
		return result, err
	}

	for _, ir := range result.Items {
		switch {
		case ir.Error != nil:
			w.stats.IncrementFailed()
			w.stats.AddError(ir.Name, "compress", ir.Error.Error())
		case ir.Status == collection.StatusDone:
			w.stats.IncrementCompressed(ir.CompressedSize)
		}
	}
	w.emit(Event{Type: EventBatchFinished})
	return result, nil
}

// IsRunning reports whether a compress-all run is in progress.
func (w *Workspace) IsRunning() bool {
	return w.orchestrator.IsRunning()
}

// Remove deletes an item and releases its transient reference. An in-flight
// compression of the item finishes without touching the collection.
func (w *Workspace) Remove(id string) error {
	item, err := w.items.Delete(id)
	if err != nil {
		return err
	}
	w.refs.ReleaseOwner(id)
	logger.WithItem(w.log, id, item.SourceName).Info("Image removed")
	w.emit(Event{Type: EventItemRemoved, ID: id})
	return nil
}

// Clear removes every item and releases every transient reference.
func (w *Workspace) Clear() {
	removed := w.items.Clear()
	released := w.refs.ReleaseAll()
	logger.WithOperation(w.log, "clear").WithFields(logrus.Fields{"removed": len(removed), "released": released}).Info("Workspace cleared")
	w.emit(Event{Type: EventCleared})
}

// Items returns every item in ingestion order.
func (w *Workspace) Items() []collection.ImageItem {
	return w.items.List()
}

// Item returns one item snapshot.
func (w *Workspace) Item(id string) (collection.ImageItem, bool) {
	return w.items.Get(id)
}

// Summary returns the aggregate view of the current collection.
func (w *Workspace) Summary() statistics.BatchSummary {
	return statistics.Summarize(w.items.List())
}

// Stats returns the run statistics accumulated since the workspace was created.
func (w *Workspace) Stats() *statistics.Statistics {
	return w.stats
}

// Refs returns the transient reference manager.
func (w *Workspace) Refs() *resource.Manager {
	return w.refs
}

// Filename returns the export name of item.
func (w *Workspace) Filename(item collection.ImageItem) string {
	return w.exporter.Filename(item)
}

// DownloadOne saves one Done item.
func (w *Workspace) DownloadOne(ctx context.Context, id string, saver export.Saver) error {
	if err := w.exporter.DownloadOne(ctx, id, saver); err != nil {
		return err
	}
	w.stats.IncrementExported()
	if item, ok := w.items.Get(id); ok {
		w.itemChanged(item)
	}
	return nil
}

// DownloadAll saves every Done item in collection order.
func (w *Workspace) DownloadAll(ctx context.Context, saver export.Saver) (int, error) {
	n, err := w.exporter.DownloadAll(ctx, saver)
	for i := 0; i < n; i++ {
		w.stats.IncrementExported()
	}
	if err != nil {
		w.stats.AddError("", "export", err.Error())
	}
	return n, err
}

func (w *Workspace) itemChanged(item collection.ImageItem) {
	w.emit(Event{Type: EventItemUpdated, Item: &item})
}
