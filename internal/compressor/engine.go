package compressor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"image-compressor-go/internal/collection"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metrics"
	"image-compressor-go/internal/raster"
	"image-compressor-go/internal/resource"

	"github.com/sirupsen/logrus"
)

// ChangeHook is called with the new snapshot after every status change.
type ChangeHook func(item collection.ImageItem)

// EngineConfig tunes the compression engine.
type EngineConfig struct {
	// MaxDimension bounds the longest edge of the output.
	MaxDimension int
	// ItemTimeout bounds one item's pipeline; 0 leaves it unbounded.
	ItemTimeout time.Duration
}

// Engine runs decode, resize, encode and preview for one item at a time.
// It owns a single raster surface: callers from any goroutine are serialised
// on it, so at most one bitmap is being rendered at once.
type Engine struct {
	items    *collection.Collection
	refs     *resource.Manager
	backend  raster.Backend
	log      *logrus.Logger
	cfg      EngineConfig
	onChange ChangeHook

	surface chan struct{}
}

var _ Compressor = (*Engine)(nil)

// NewEngine returns an Engine operating on items.
func NewEngine(items *collection.Collection, refs *resource.Manager, backend raster.Backend, log *logrus.Logger, cfg EngineConfig) *Engine {
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 2048
	}
	return &Engine{
		items:   items,
		refs:    refs,
		backend: backend,
		log:     log,
		cfg:     cfg,
		surface: make(chan struct{}, 1),
	}
}

// SetChangeHook registers fn to observe item changes made by the engine.
func (e *Engine) SetChangeHook(fn ChangeHook) {
	e.onChange = fn
}

func (e *Engine) notify(item collection.ImageItem) {
	if e.onChange != nil {
		e.onChange(item)
	}
}

// Compress runs the full pipeline for one Pending, Error or Done item.
// Pipeline failures leave the item in Error and are returned as *DecodeError
// or *EncodeError. If the item disappears mid-flight the result is dropped.
func (e *Engine) Compress(ctx context.Context, id string) (collection.ImageItem, error) {
	return e.compress(ctx, id, false)
}

// CompressPending is Compress for batch use: it returns ErrNotPending instead
// of starting when the item has left Pending.
func (e *Engine) CompressPending(ctx context.Context, id string) (collection.ImageItem, error) {
	return e.compress(ctx, id, true)
}

func (e *Engine) compress(ctx context.Context, id string, pendingOnly bool) (collection.ImageItem, error) {
	item, err := e.begin(id, pendingOnly)
	if err != nil {
		return collection.ImageItem{}, err
	}
	e.notify(item)

	entry := logger.WithItemOperation(e.log, id, item.SourceName, "compress")
	start := time.Now()

	select {
	case e.surface <- struct{}{}:
	case <-ctx.Done():
		return e.fail(id, entry, &DecodeError{ID: id, Err: ctx.Err()})
	}

	out, pipeErr := e.runOnSurface(ctx, item, entry)
	metrics.CompressionDuration.Observe(time.Since(start).Seconds())

	if pipeErr != nil {
		return e.fail(id, entry, pipeErr)
	}
	return e.install(id, item, out, entry)
}

// begin moves the item to Compressing. A Done item gives up its artifact here,
// so an artifact only ever exists alongside status Done.
func (e *Engine) begin(id string, pendingOnly bool) (collection.ImageItem, error) {
	return e.items.Update(id, func(it *collection.ImageItem) error {
		if it.Status == collection.StatusCompressing {
			return fmt.Errorf("%w: %s", ErrInFlight, id)
		}
		if pendingOnly && it.Status != collection.StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, id, it.Status)
		}
		if it.Preview == nil || len(it.SourceBytes) == 0 {
			return fmt.Errorf("%w: %s", ErrNotReady, id)
		}
		if err := it.TransitionTo(collection.StatusCompressing); err != nil {
			return err
		}
		if it.Artifact != nil {
			e.refs.ReleaseOwner(id)
		}
		it.Artifact = nil
		it.CompressedSizeBytes = 0
		it.LastError = ""
		return nil
	})
}

type output struct {
	data          []byte
	width, height int
	preview       string
}

// runOnSurface runs the pipeline on the surface the caller acquired and
// releases it when the pipeline returns. With an item timeout the caller may
// give up first; the surface then stays taken until the abandoned pipeline
// finishes, so the next item never overlaps it.
func (e *Engine) runOnSurface(ctx context.Context, item collection.ImageItem, entry *logrus.Entry) (output, error) {
	var decoded atomic.Bool
	if e.cfg.ItemTimeout <= 0 {
		defer func() { <-e.surface }()
		return e.run(ctx, item, entry, &decoded)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
	defer cancel()

	type result struct {
		out output
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() { <-e.surface }()
		out, err := e.run(ctx, item, entry, &decoded)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		entry.Warnf("Gave up after %s, surface held until the stalled stage returns", e.cfg.ItemTimeout)
		if !decoded.Load() {
			return output{}, &DecodeError{ID: item.ID, Err: ctx.Err()}
		}
		return output{}, &EncodeError{ID: item.ID, Err: ctx.Err()}
	}
}

// run executes decode, render, encode and preview in that order. ctx is
// checked between stages.
func (e *Engine) run(ctx context.Context, item collection.ImageItem, entry *logrus.Entry, decoded *atomic.Bool) (output, error) {
	if err := ctx.Err(); err != nil {
		return output{}, &DecodeError{ID: item.ID, Err: err}
	}
	handle, err := e.backend.Decode(item.SourceBytes)
	if err != nil {
		return output{}, &DecodeError{ID: item.ID, Err: err}
	}
	decoded.Store(true)

	w, h := raster.TargetSize(handle.Width(), handle.Height(), e.cfg.MaxDimension)
	entry.Debugf("Rendering %dx%d -> %dx%d", handle.Width(), handle.Height(), w, h)

	if err := ctx.Err(); err != nil {
		return output{}, &EncodeError{ID: item.ID, Err: err}
	}
	surface, err := e.backend.RenderResized(handle, w, h)
	if err != nil {
		return output{}, &EncodeError{ID: item.ID, Err: fmt.Errorf("render: %w", err)}
	}

	if err := ctx.Err(); err != nil {
		return output{}, &EncodeError{ID: item.ID, Err: err}
	}
	data, err := e.backend.Encode(surface, item.Quality)
	if err != nil {
		return output{}, &EncodeError{ID: item.ID, Err: err}
	}
	if len(data) == 0 {
		return output{}, &EncodeError{ID: item.ID, Err: errors.New("encoder produced no data")}
	}

	return output{
		data:    data,
		width:   surface.Width(),
		height:  surface.Height(),
		preview: raster.DataURL(raster.OutputMimeType, data),
	}, nil
}

// install swaps the new artifact in. The previous reference for this item is
// released before the new one is created, inside the same replace-by-id.
func (e *Engine) install(id string, prev collection.ImageItem, out output, entry *logrus.Entry) (collection.ImageItem, error) {
	item, err := e.items.Update(id, func(it *collection.ImageItem) error {
		if err := it.TransitionTo(collection.StatusDone); err != nil {
			return err
		}
		e.refs.ReleaseOwner(id)
		ref := e.refs.Create(id, out.data)
		it.Artifact = &collection.Artifact{
			Data:     out.data,
			MimeType: raster.OutputMimeType,
			Ref:      ref,
			Width:    out.width,
			Height:   out.height,
			Preview:  out.preview,
			Quality:  prev.Quality,
		}
		it.CompressedSizeBytes = int64(len(out.data))
		it.CompressedAt = time.Now()
		return nil
	})
	if errors.Is(err, collection.ErrNotFound) {
		entry.Debug("Item removed during compression, result discarded")
		metrics.CompressionsTotal.WithLabelValues("discarded").Inc()
		return collection.ImageItem{}, nil
	}
	if err != nil {
		return collection.ImageItem{}, err
	}

	metrics.CompressionsTotal.WithLabelValues("done").Inc()
	if saved := item.OriginalSizeBytes - item.CompressedSizeBytes; saved > 0 {
		metrics.BytesSavedTotal.Add(float64(saved))
	}
	entry.WithFields(logrus.Fields{
		"original_size":   item.OriginalSizeBytes,
		"compressed_size": item.CompressedSizeBytes,
		"saved_percent":   item.SavingsPercent(),
		"width":           out.width,
		"height":          out.height,
	}).Info("Image compressed")

	e.notify(item)
	return item, nil
}

// fail moves the item to Error, dropping any artifact it might hold.
func (e *Engine) fail(id string, entry *logrus.Entry, cause error) (collection.ImageItem, error) {
	item, err := e.items.Update(id, func(it *collection.ImageItem) error {
		if err := it.TransitionTo(collection.StatusError); err != nil {
			return err
		}
		e.refs.ReleaseOwner(id)
		it.Artifact = nil
		it.CompressedSizeBytes = 0
		it.LastError = cause.Error()
		return nil
	})
	if errors.Is(err, collection.ErrNotFound) {
		entry.Debug("Item removed during compression, failure discarded")
		metrics.CompressionsTotal.WithLabelValues("discarded").Inc()
		return collection.ImageItem{}, nil
	}
	if err != nil {
		return collection.ImageItem{}, err
	}

	metrics.CompressionsTotal.WithLabelValues("error").Inc()
	entry.Warnf("Compression failed: %v", cause)
	e.notify(item)
	return item, cause
}
