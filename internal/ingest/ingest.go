package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"image-compressor-go/internal/collection"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metrics"
	"image-compressor-go/internal/raster"

	"github.com/sirupsen/logrus"
)

// ValidationError reports a file rejected before it entered the collection.
type ValidationError struct {
	Name     string
	MimeType string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (type %q)", e.Name, e.Reason, e.MimeType)
}

// ReadError reports a file whose bytes could not be read. The file never
// enters the collection.
type ReadError struct {
	Name string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: read failed: %v", e.Name, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Report is the outcome of one ingestion batch.
type Report struct {
	// Accepted holds the final snapshot of each added item, in input order.
	Accepted []collection.ImageItem
	// Rejected holds one *ValidationError or *ReadError per refused file.
	Rejected []error
}

// Ingestor validates raw files, adds them to a collection and generates their
// previews.
type Ingestor struct {
	items       *collection.Collection
	log         *logrus.Logger
	maxFileSize int64
	workers     int
}

// NewIngestor returns an Ingestor writing into items. maxFileSize of 0 disables
// the size check.
func NewIngestor(items *collection.Collection, log *logrus.Logger, maxFileSize int64) *Ingestor {
	return &Ingestor{
		items:       items,
		log:         log,
		maxFileSize: maxFileSize,
		workers:     max(runtime.NumCPU(), 2),
	}
}

// Validate checks a single source without reading it.
func (in *Ingestor) Validate(src Source) error {
	if !IsImageType(src.MimeType()) {
		return &ValidationError{Name: src.Name(), MimeType: src.MimeType(), Reason: "not an image"}
	}
	if src.Size() == 0 {
		return &ValidationError{Name: src.Name(), MimeType: src.MimeType(), Reason: "empty file"}
	}
	if in.maxFileSize > 0 && src.Size() > in.maxFileSize {
		return &ValidationError{
			Name:     src.Name(),
			MimeType: src.MimeType(),
			Reason:   fmt.Sprintf("file too large (%d > %d bytes)", src.Size(), in.maxFileSize),
		}
	}
	return nil
}

// Ingest validates sources, reads the accepted ones in parallel to build
// their previews and then adds each successful read to the collection as a
// Pending item with the given quality, in input order. Files that fail
// validation or reading never enter the collection.
func (in *Ingestor) Ingest(ctx context.Context, sources []Source, quality int) Report {
	var report Report

	type job struct {
		index int
		src   Source
	}
	var jobs []job

	for _, src := range sources {
		if err := in.Validate(src); err != nil {
			in.log.WithField("file", src.Name()).Warnf("Rejected file: %v", err)
			metrics.IngestRejectedTotal.WithLabelValues("validation").Inc()
			report.Rejected = append(report.Rejected, err)
			continue
		}
		jobs = append(jobs, job{index: len(jobs), src: src})
	}

	if len(jobs) == 0 {
		return report
	}

	type result struct {
		data    []byte
		preview *collection.Preview
		err     error
	}

	jobCh := make(chan job, len(jobs))
	results := make([]result, len(jobs))

	workers := min(in.workers, len(jobs))
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobCh {
				data, preview, err := readAndPreview(ctx, j.src)
				results[j.index] = result{data: data, preview: preview, err: err}
			}
		}()
	}

	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)
	wg.Wait()

	for i, r := range results {
		src := jobs[i].src
		if r.err != nil {
			in.log.WithFields(logrus.Fields{"file": src.Name(), "operation": "ingest"}).Warnf("Read failed: %v", r.err)
			metrics.IngestRejectedTotal.WithLabelValues("read").Inc()
			report.Rejected = append(report.Rejected, &ReadError{Name: src.Name(), Err: r.err})
			continue
		}

		item := in.items.Add(collection.ImageItem{
			SourceName:        src.Name(),
			SourceMimeType:    src.MimeType(),
			SourceBytes:       r.data,
			OriginalSizeBytes: int64(len(r.data)),
			Quality:           quality,
			Status:            collection.StatusPending,
			Preview:           r.preview,
		})
		logger.WithItem(in.log, item.ID, item.SourceName).
			WithField("size", item.OriginalSizeBytes).Debug("Image added")
		metrics.IngestedTotal.Inc()
		report.Accepted = append(report.Accepted, item)
	}
	return report
}

// readAndPreview loads the full contents of src and derives its preview.
func readAndPreview(ctx context.Context, src Source) ([]byte, *collection.Preview, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	rc, err := src.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("read: %w", err)
	}
	if len(data) == 0 {
		return nil, nil, errors.New("empty file")
	}

	return data, BuildPreview(src.MimeType(), data), nil
}

// BuildPreview renders data as a data URL. Dimensions are filled in when the
// header can be parsed; unknown formats still get a preview.
func BuildPreview(mimeType string, data []byte) *collection.Preview {
	preview := &collection.Preview{
		DataURL: raster.DataURL(mimeType, data),
		Format:  strings.TrimPrefix(strings.ToLower(mimeType), "image/"),
	}
	if info, err := raster.Probe(data); err == nil {
		preview.Width = info.Width
		preview.Height = info.Height
		preview.Format = info.Format
	}
	return preview
}
