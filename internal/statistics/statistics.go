package statistics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks one CLI or server run: what was ingested, compressed and
// exported, plus the errors met along the way.
type Statistics struct {
	FilesFound      int64
	FilesAccepted   int64
	FilesRejected   int64
	FilesCompressed int64
	FilesFailed     int64
	FilesExported   int64

	BytesIn  int64
	BytesOut int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64

	Errors []StatError

	mutex sync.RWMutex
}

// StatError represents an error that occurred during a run.
type StatError struct {
	Name      string
	Operation string
	Error     string
	Timestamp time.Time
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
		Errors:    make([]StatError, 0),
	}
}

// AddFound increases the count of discovered input files by n.
func (s *Statistics) AddFound(n int) {
	atomic.AddInt64(&s.FilesFound, int64(n))
}

// IncrementAccepted records a file that passed validation.
func (s *Statistics) IncrementAccepted(size int64) {
	atomic.AddInt64(&s.FilesAccepted, 1)
	atomic.AddInt64(&s.BytesIn, size)
}

// IncrementRejected records a file that failed validation or could not be read.
func (s *Statistics) IncrementRejected() {
	atomic.AddInt64(&s.FilesRejected, 1)
}

// IncrementCompressed records a successful compression.
func (s *Statistics) IncrementCompressed(size int64) {
	atomic.AddInt64(&s.FilesCompressed, 1)
	atomic.AddInt64(&s.BytesOut, size)
}

// IncrementFailed records a failed compression.
func (s *Statistics) IncrementFailed() {
	atomic.AddInt64(&s.FilesFailed, 1)
}

// IncrementExported records one saved output.
func (s *Statistics) IncrementExported() {
	atomic.AddInt64(&s.FilesExported, 1)
}

// AddError records an error that occurred during the run.
func (s *Statistics) AddError(name, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		Name:      name,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Finalize stamps the end time and derives the throughput.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	processed := atomic.LoadInt64(&s.FilesCompressed) + atomic.LoadInt64(&s.FilesFailed)
	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(processed) / s.Duration.Seconds()
	}
}

// GetSummary returns a formatted summary of the run.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	in := atomic.LoadInt64(&s.BytesIn)
	out := atomic.LoadInt64(&s.BytesOut)

	return fmt.Sprintf(`Image Compressor Summary:

Files:
		Found: %d
		Accepted: %d
		Rejected: %d
		Compressed: %d
		Failed: %d
		Exported: %d

Size:
		Original: %s
		Compressed: %s

Performance:
		Duration: %v
		Files/Second: %.2f`,
		atomic.LoadInt64(&s.FilesFound),
		atomic.LoadInt64(&s.FilesAccepted),
		atomic.LoadInt64(&s.FilesRejected),
		atomic.LoadInt64(&s.FilesCompressed),
		atomic.LoadInt64(&s.FilesFailed),
		atomic.LoadInt64(&s.FilesExported),
		formatBytes(in),
		formatBytes(out),
		s.Duration.Round(time.Millisecond),
		s.FilesPerSecond)
}

// GetErrorSummary returns a summary of errors that occurred during the run.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.Name,
			err.Error)
	}
	return result
}

// ErrorCount returns the number of recorded errors.
func (s *Statistics) ErrorCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.Errors)
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < 0 {
		return "-" + formatBytes(-bytes)
	}
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatBytes is the exported form of formatBytes for CLI output.
func FormatBytes(bytes int64) string {
	return formatBytes(bytes)
}
