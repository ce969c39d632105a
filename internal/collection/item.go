package collection

import (
	"errors"
	"fmt"
	"time"

	"image-compressor-go/internal/resource"
)

// Status is the lifecycle state of an ImageItem.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCompressing Status = "compressing"
	StatusDone        Status = "done"
	StatusError       Status = "error"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// allowed lists legal status transitions. Done may be re-run, which replaces
// its artifact.
var allowed = map[Status][]Status{
	StatusPending:     {StatusCompressing},
	StatusCompressing: {StatusDone, StatusError},
	StatusError:       {StatusCompressing},
	StatusDone:        {StatusCompressing},
}

// CanTransition reports whether the move from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range allowed[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Preview is a displayable rendition of the original upload.
type Preview struct {
	DataURL string `json:"data_url"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"`
}

// Artifact is one compressed output. It is replaced as a whole, never mutated.
type Artifact struct {
	Data     []byte       `json:"-"`
	MimeType string       `json:"mime_type"`
	Ref      resource.Ref `json:"ref,omitempty"`
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Preview  string       `json:"preview"`
	Quality  int          `json:"quality"`
}

// ImageItem is the unit of work tracked from ingestion to export.
type ImageItem struct {
	ID                  string    `json:"id"`
	SourceName          string    `json:"name"`
	SourceMimeType      string    `json:"mime_type"`
	SourceBytes         []byte    `json:"-"`
	OriginalSizeBytes   int64     `json:"original_size"`
	Quality             int       `json:"quality"`
	Status              Status    `json:"status"`
	Preview             *Preview  `json:"preview,omitempty"`
	Artifact            *Artifact `json:"artifact,omitempty"`
	CompressedSizeBytes int64     `json:"compressed_size,omitempty"`
	LastError           string    `json:"error,omitempty"`
	AddedAt             time.Time `json:"added_at"`
	CompressedAt        time.Time `json:"compressed_at,omitempty"`
}

// TransitionTo moves the item to next or returns ErrInvalidTransition.
func (it *ImageItem) TransitionTo(next Status) error {
	if !it.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.Status, next)
	}
	it.Status = next
	return nil
}

// SavingsPercent returns the rounded percentage saved by compression, or 0 when
// the item has no artifact. OriginalSizeBytes is positive for every ingested item.
func (it ImageItem) SavingsPercent() int {
	if it.Artifact == nil || it.OriginalSizeBytes <= 0 {
		return 0
	}
	return SavingsPercent(it.OriginalSizeBytes, it.CompressedSizeBytes)
}

// SavingsPercent computes round((1 - compressed/original) * 100).
// original must be > 0; ingestion never admits empty files.
func SavingsPercent(original, compressed int64) int {
	ratio := 1 - float64(compressed)/float64(original)
	return roundHalfAwayFromZero(ratio * 100)
}

func roundHalfAwayFromZero(v float64) int {
	if v < 0 {
		return -int(-v + 0.5)
	}
	return int(v + 0.5)
}
