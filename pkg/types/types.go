// Package types defines the core domain model shared by the scoreload packages.
package types

import (
	"time"
)

// JobID identifies one file-loading job.
type JobID string

// JobState is the lifecycle state of a job.
type JobState string

// Job states
const (
	StateQueued    JobState = "queued"    // registered, worker not yet running
	StateRunning   JobState = "running"   // owned by a worker
	StateCompleted JobState = "completed" // worker returned a successful result
	StateFailed    JobState = "failed"    // worker returned an error, crashed or was shut down
	StateTimedOut  JobState = "timed_out" // killed after its timeout elapsed
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

// Job is the manager's record of one unit of file-processing work.
type Job struct {
	ID           JobID         `json:"id"`
	FilePath     string        `json:"file_path"`
	DeclaredSize int64         `json:"declared_size,omitempty"` // <= 0 means unknown
	StartTime    time.Time     `json:"start_time"`
	WorkerID     string        `json:"worker_id,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	State        JobState      `json:"state"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ChunkKind tags a streaming progress event.
type ChunkKind string

// Chunk event kinds, in the order they may appear for a single job.
const (
	ChunkFirst    ChunkKind = "first"
	ChunkProgress ChunkKind = "progress"
	ChunkComplete ChunkKind = "complete"
)

// ChunkEvent is an incremental notification emitted while a document is
// parsed in streaming mode.
type ChunkEvent struct {
	JobID          JobID     `json:"job_id"`
	Kind           ChunkKind `json:"kind"`
	Excerpt        string    `json:"excerpt,omitempty"`
	UnitsProcessed int       `json:"units_processed"` // total units recognized so far
	Units          int       `json:"units"`           // units carried by this event
	IsFinal        bool      `json:"is_final"`
}

// DocumentMetadata holds auxiliary hints derived from a validated document.
type DocumentMetadata struct {
	Title        string    `json:"title,omitempty"`
	Composer     string    `json:"composer,omitempty"`
	PartCount    int       `json:"part_count"`
	MeasureCount int       `json:"measure_count"`
	Tempos       []float64 `json:"tempos,omitempty"`
}

// Timing reports where the processing time of a job went.
type Timing struct {
	ReadTime  time.Duration `json:"read_time"`
	ParseTime time.Duration `json:"parse_time"`
	TotalTime time.Duration `json:"total_time"`
}

// ProcessingResult is the terminal outcome of a job. Success=false implies
// Content is empty and Error is set; the inverse also holds.
type ProcessingResult struct {
	JobID         JobID             `json:"job_id"`
	Success       bool              `json:"success"`
	Content       string            `json:"content,omitempty"`
	FileName      string            `json:"file_name"`
	FileSizeBytes int64             `json:"file_size_bytes"`
	Metadata      *DocumentMetadata `json:"metadata,omitempty"`
	Error         *ErrorInfo        `json:"error,omitempty"`
	Timing        Timing            `json:"timing"`
	Streamed      bool              `json:"streamed"`
	Units         int               `json:"units"` // unit elements across all parts, on both read paths
}

// Err returns the result's error as a Go error, or nil on success.
func (r *ProcessingResult) Err() error {
	if r == nil || r.Success || r.Error == nil {
		return nil
	}
	return r.Error.AsError()
}

// FailedResult builds a failure result for jobID from err.
func FailedResult(jobID JobID, fileName string, err error) ProcessingResult {
	return ProcessingResult{
		JobID:    jobID,
		Success:  false,
		FileName: fileName,
		Error:    InfoFromError(err),
	}
}

// CacheEntry is one cached job result. Entries are immutable once written.
type CacheEntry struct {
	Content       string            `json:"content"`
	FileName      string            `json:"file_name"`
	FileSizeBytes int64             `json:"file_size_bytes"`
	Metadata      *DocumentMetadata `json:"metadata,omitempty"`
	Version       uint64            `json:"version"`
	WrittenAt     time.Time         `json:"written_at"`
}

// EntryFromResult copies the cacheable fields of a successful result.
func EntryFromResult(r ProcessingResult) CacheEntry {
	return CacheEntry{
		Content:       r.Content,
		FileName:      r.FileName,
		FileSizeBytes: r.FileSizeBytes,
		Metadata:      r.Metadata.Clone(),
	}
}

// Clone returns a deep copy of m.
func (m *DocumentMetadata) Clone() *DocumentMetadata {
	if m == nil {
		return nil
	}
	out := *m
	if m.Tempos != nil {
		out.Tempos = append([]float64(nil), m.Tempos...)
	}
	return &out
}
