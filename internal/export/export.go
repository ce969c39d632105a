// Package export hands compressed artifacts to a host save capability.
package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"image-compressor-go/internal/collection"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metrics"
	"image-compressor-go/internal/resource"

	"github.com/sirupsen/logrus"
)

// DefaultPrefix is prepended to every exported filename.
const DefaultPrefix = "compressed-"

// ErrNotDone is returned when exporting an item that has no compressed artifact.
var ErrNotDone = errors.New("image has not been compressed")

// Download is one save request handed to a Saver.
type Download struct {
	Filename string
	MimeType string
	Data     []byte
}

// Saver is the host's save capability.
type Saver interface {
	Save(ctx context.Context, d Download) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, d Download) error

// Save calls f.
func (f SaverFunc) Save(ctx context.Context, d Download) error { return f(ctx, d) }

// Exporter saves Done items through a Saver, holding a transient reference to
// each artifact only for the duration of its save.
type Exporter struct {
	items  *collection.Collection
	refs   *resource.Manager
	log    *logrus.Logger
	prefix string
}

// NewExporter returns an Exporter. An empty prefix falls back to DefaultPrefix.
func NewExporter(items *collection.Collection, refs *resource.Manager, log *logrus.Logger, prefix string) *Exporter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Exporter{items: items, refs: refs, log: log, prefix: prefix}
}

// DeriveFilename turns an upload name into the exported name: prefix, the base
// name without its extension, and ".jpg".
func DeriveFilename(prefix, name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == "/" {
		base = "image"
	}
	return prefix + base + ".jpg"
}

// Filename returns the name item would be exported under.
func (e *Exporter) Filename(item collection.ImageItem) string {
	return DeriveFilename(e.prefix, item.SourceName)
}

// DownloadOne saves the artifact of a Done item, then releases its reference.
func (e *Exporter) DownloadOne(ctx context.Context, id string, saver Saver) error {
	item, ok := e.items.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", collection.ErrNotFound, id)
	}
	if item.Status != collection.StatusDone || item.Artifact == nil {
		return fmt.Errorf("%w: %s", ErrNotDone, id)
	}

	entry := logger.WithItemOperation(e.log, id, item.SourceName, "export")

	ref := e.refs.Acquire(id, item.Artifact.Data)
	defer e.release(id, ref)

	data, err := e.refs.Resolve(ref)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("resolve artifact %s: %w", id, err)
	}

	d := Download{
		Filename: e.Filename(item),
		MimeType: item.Artifact.MimeType,
		Data:     data,
	}
	if err := saver.Save(ctx, d); err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		entry.Warnf("Save failed: %v", err)
		return fmt.Errorf("save %s: %w", d.Filename, err)
	}

	metrics.ExportsTotal.WithLabelValues("success").Inc()
	entry.WithField("filename", d.Filename).Info("Image exported")
	return nil
}

// release drops ref and clears it from the item, unless the item has since
// moved on to a different artifact.
func (e *Exporter) release(id string, ref resource.Ref) {
	e.refs.Release(ref)
	_, _ = e.items.Update(id, func(it *collection.ImageItem) error {
		if it.Artifact == nil || it.Artifact.Ref != ref {
			return nil
		}
		a := *it.Artifact
		a.Ref = ""
		it.Artifact = &a
		return nil
	})
}

// DownloadAll saves every Done item in collection order. A failing save does
// not stop the rest; all failures are joined into the returned error.
func (e *Exporter) DownloadAll(ctx context.Context, saver Saver) (int, error) {
	var (
		saved int
		errs  []error
	)
	for _, id := range e.items.IDs(collection.StatusDone) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.DownloadOne(ctx, id, saver); err != nil {
			// Items that left Done after the snapshot are not failures.
			if errors.Is(err, ErrNotDone) || errors.Is(err, collection.ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		saved++
	}

	logger.WithOperation(e.log, "export_all").WithFields(logrus.Fields{
		"saved":  saved,
		"failed": len(errs),
	}).Info("Export finished")
	return saved, errors.Join(errs...)
}
