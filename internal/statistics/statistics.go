package statistics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Statistics contains counters for all compressions run by the process.
type Statistics struct {
	CompressionsStarted    int64
	CompressionsSucceeded  int64
	CompressionsFailed     int64
	CompressionsSuperseded int64
	TargetsMissed          int64
	InputsRejected         int64

	BytesIn  int64
	BytesOut int64

	StartTime time.Time

	Errors []StatError

	mutex sync.RWMutex

	MimeTypeStats map[string]int64
}

// StatError represents an error that occurred during a compression.
type StatError struct {
	FilePath  string
	Operation string
	Error     string
	Timestamp time.Time
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:     time.Now(),
		MimeTypeStats: make(map[string]int64),
		Errors:        make([]StatError, 0),
	}
}

// IncrementStarted increases the count of started compressions by 1.
func (s *Statistics) IncrementStarted() {
	atomic.AddInt64(&s.CompressionsStarted, 1)
}

// IncrementSucceeded increases the count of successful compressions by 1.
func (s *Statistics) IncrementSucceeded() {
	atomic.AddInt64(&s.CompressionsSucceeded, 1)
}

// IncrementFailed increases the count of failed compressions by 1.
func (s *Statistics) IncrementFailed() {
	atomic.AddInt64(&s.CompressionsFailed, 1)
}

// IncrementSuperseded increases the count of compressions replaced by a newer one.
func (s *Statistics) IncrementSuperseded() {
	atomic.AddInt64(&s.CompressionsSuperseded, 1)
}

// IncrementTargetsMissed increases the count of best-effort results above the size target.
func (s *Statistics) IncrementTargetsMissed() {
	atomic.AddInt64(&s.TargetsMissed, 1)
}

// IncrementInputsRejected increases the count of inputs rejected at the boundary.
func (s *Statistics) IncrementInputsRejected() {
	atomic.AddInt64(&s.InputsRejected, 1)
}

// AddBytesIn adds the size of a compressed input.
func (s *Statistics) AddBytesIn(bytes int64) {
	atomic.AddInt64(&s.BytesIn, bytes)
}

// AddBytesOut adds the size of a compression result.
func (s *Statistics) AddBytesOut(bytes int64) {
	atomic.AddInt64(&s.BytesOut, bytes)
}

// IncrementMimeType increases the count for a specific MIME type by 1.
func (s *Statistics) IncrementMimeType(mimeType string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.MimeTypeStats[mimeType]++
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// SavedPercentage returns the share of input bytes saved by successful compressions.
func (s *Statistics) SavedPercentage() float64 {
	in := atomic.LoadInt64(&s.BytesIn)
	out := atomic.LoadInt64(&s.BytesOut)
	if in == 0 {
		return 0
	}
	return float64(in-out) * 100 / float64(in)
}

// Snapshot returns the counters as a map suitable for JSON responses.
func (s *Statistics) Snapshot() map[string]interface{} {
	s.mutex.RLock()
	types := make(map[string]int64, len(s.MimeTypeStats))
	for k, v := range s.MimeTypeStats {
		types[k] = v
	}
	errCount := len(s.Errors)
	s.mutex.RUnlock()

	return map[string]interface{}{
		"started":          atomic.LoadInt64(&s.CompressionsStarted),
		"succeeded":        atomic.LoadInt64(&s.CompressionsSucceeded),
		"failed":           atomic.LoadInt64(&s.CompressionsFailed),
		"superseded":       atomic.LoadInt64(&s.CompressionsSuperseded),
		"targets_missed":   atomic.LoadInt64(&s.TargetsMissed),
		"inputs_rejected":  atomic.LoadInt64(&s.InputsRejected),
		"bytes_in":         atomic.LoadInt64(&s.BytesIn),
		"bytes_out":        atomic.LoadInt64(&s.BytesOut),
		"saved_percentage": s.SavedPercentage(),
		"mime_types":       types,
		"errors":           errCount,
		"uptime":           time.Since(s.StartTime).Round(time.Second).String(),
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	return fmt.Sprintf(`Image Compressor Statistics Summary:

Compressions:
		Started: %d
		Succeeded: %d
		Failed: %d
		Superseded: %d
		Above Size Target: %d
		Rejected Inputs: %d

Bytes:
		In: %s
		Out: %s
		Saved: %.2f%%

Uptime: %v`,
		atomic.LoadInt64(&s.CompressionsStarted),
		atomic.LoadInt64(&s.CompressionsSucceeded),
		atomic.LoadInt64(&s.CompressionsFailed),
		atomic.LoadInt64(&s.CompressionsSuperseded),
		atomic.LoadInt64(&s.TargetsMissed),
		atomic.LoadInt64(&s.InputsRejected),
		humanize.IBytes(uint64(atomic.LoadInt64(&s.BytesIn))),
		humanize.IBytes(uint64(atomic.LoadInt64(&s.BytesOut))),
		s.SavedPercentage(),
		time.Since(s.StartTime).Round(time.Second))
}

// GetMimeTypeBreakdown returns a formatted breakdown of MIME types compressed.
func (s *Statistics) GetMimeTypeBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.MimeTypeStats) == 0 {
		return "No MIME type statistics available"
	}

	result := "MIME Type Breakdown:\n"
	for mimeType, count := range s.MimeTypeStats {
		result += fmt.Sprintf("  %s: %d\n", mimeType, count)
	}
	return result
}

// GetErrorSummary returns a summary of errors that occurred during processing.
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
			err.FilePath,
			err.Error)
	}
	return result
}
