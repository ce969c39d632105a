package compressor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"image-compressor-go/internal/collection"
)

var (
	// ErrNotReady is returned when an item's preview has not been generated yet.
	ErrNotReady = errors.New("image is not ready for compression")
	// ErrInFlight is returned when an item is already being compressed.
	ErrInFlight = errors.New("image is already being compressed")
	// ErrNotPending is returned by CompressPending for items that have left Pending.
	ErrNotPending = errors.New("image is no longer pending")
	// ErrBatchRunning is returned when a compress-all run is already active.
	ErrBatchRunning = errors.New("batch compression already running")
)

// DecodeError reports that an item's bytes could not be turned into a bitmap.
type DecodeError struct {
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports that rendering or encoding the resized surface failed.
type EncodeError struct {
	ID  string
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.ID, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Compressor compresses one item of a collection.
type Compressor interface {
	// Compress runs the pipeline for the item with the given id and returns its
	// final snapshot. A zero item with a nil error means the item was removed
	// while it was being compressed and the result was discarded.
	Compress(ctx context.Context, id string) (collection.ImageItem, error)
	// CompressPending is Compress restricted to items still Pending when the
	// pipeline claims them.
	CompressPending(ctx context.Context, id string) (collection.ImageItem, error)
}

// ItemResult describes the outcome of compressing a single item within a batch.
type ItemResult struct {
	ID              string
	Name            string
	OriginalSize    int64
	CompressedSize  int64
	PercentageSaved int
	Status          collection.Status
	Discarded       bool
	StartedAt       time.Time
	FinishedAt      time.Time
	Error           error
}

// BatchResult summarises one compress-all run.
type BatchResult struct {
	Items      []ItemResult
	Done       int
	Failed     int
	Skipped    int
	Cancelled  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall time of the run.
func (r BatchResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
