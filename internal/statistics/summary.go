package statistics

import (
	"fmt"

	"image-compressor-go/internal/collection"
)

// BatchSummary is a derived view over the collection. Sizes and savings are
// computed over Done items only.
type BatchSummary struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Compressing int `json:"compressing"`
	Done        int `json:"done"`
	Error       int `json:"error"`

	OriginalBytes   int64 `json:"original_bytes"`
	CompressedBytes int64 `json:"compressed_bytes"`
	SavedBytes      int64 `json:"saved_bytes"`
	SavingsPercent  int   `json:"savings_percent"`
}

// Summarize computes the BatchSummary of items. It is pure and cheap enough to
// run on every change.
func Summarize(items []collection.ImageItem) BatchSummary {
	var s BatchSummary
	s.Total = len(items)

	for _, it := range items {
		switch it.Status {
		case collection.StatusPending:
			s.Pending++
		case collection.StatusCompressing:
			s.Compressing++
		case collection.StatusError:
			s.Error++
		case collection.StatusDone:
			s.Done++
			s.OriginalBytes += it.OriginalSizeBytes
			s.CompressedBytes += it.CompressedSizeBytes
		}
	}

	s.SavedBytes = s.OriginalBytes - s.CompressedBytes
	// Every Done item has OriginalSizeBytes > 0, so the only zero case is
	// "nothing done yet".
	if s.OriginalBytes > 0 {
		s.SavingsPercent = collection.SavingsPercent(s.OriginalBytes, s.CompressedBytes)
	}
	return s
}

// String returns a one-line human readable form of the summary.
func (s BatchSummary) String() string {
	return fmt.Sprintf("%d/%d done, %d failed, %s -> %s (saved %s, %d%%)",
		s.Done, s.Total, s.Error,
		formatBytes(s.OriginalBytes),
		formatBytes(s.CompressedBytes),
		formatBytes(s.SavedBytes),
		s.SavingsPercent)
}
