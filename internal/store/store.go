// Package store persists transcriptions, transcript segments, and media
// tasks in PostgreSQL.
//
// The segment table is append-ordered per transcription: the merge engine
// inserts rows with a dense 1-based sequence, and the segmenter reads them
// back in sequence order, later filling the audio_key column. The two
// writers touch disjoint columns, so no locking beyond the primary key is
// needed.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// TaskStatus is the lifecycle state of a media task.
type TaskStatus string

const (
	TaskCreated      TaskStatus = "created"
	TaskUploading    TaskStatus = "uploading"
	TaskUploaded     TaskStatus = "uploaded"
	TaskSeparating   TaskStatus = "separating"
	TaskTranscribing TaskStatus = "transcribing"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
)

// IsValid reports whether s is a recognised task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskCreated, TaskUploading, TaskUploaded, TaskSeparating,
		TaskTranscribing, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Transcription is one transcription job. TotalSegments and ProcessingTimeMS
// are written once, when the model stream terminates cleanly.
type Transcription struct {
	ID               string
	TaskID           string
	TargetLanguage   string
	Style            string
	TotalSegments    int64
	ProcessingTimeMS int64
	CreatedAt        time.Time
}

// Finished reports whether the producing stream has terminated and written
// its final counts.
func (t Transcription) Finished() bool {
	return t.ProcessingTimeMS > 0
}

// Segment is one merged utterance row. Sequence is dense and 1-based within
// a transcription, assigned by the merge engine. AudioKey is empty until the
// segmenter produces (or reuses) a clip covering this row.
type Segment struct {
	TranscriptionID string
	Sequence        int64
	StartMS         int64
	EndMS           int64
	ContentType     string
	Speaker         string
	Original        string
	Translation     string
	AudioKey        string
	IsFirst         bool
	IsLast          bool
}

// DurationMS returns the segment's span in milliseconds.
func (s Segment) DurationMS() int64 {
	return s.EndMS - s.StartMS
}

// Task is a media processing job row, observable by external callers for
// status and progress.
type Task struct {
	ID           string
	UserID       string
	Status       TaskStatus
	Progress     int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
