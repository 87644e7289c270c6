// Package uploadtask tracks in-flight uploads to presigned URLs as small
// state machines with typed progress events.
package uploadtask

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-assets/internal/xerrors"
)

// Status is the lifecycle state of a single upload task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// validTransitions encodes the only legal moves. A task reaches exactly one
// terminal state, never both.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusUploading, StatusError},
	StatusUploading: {StatusSuccess, StatusError},
}

// Progress is one progress event for a task. BytesPerSec is the
// instantaneous rate since the previous event.
type Progress struct {
	TaskID        string  `json:"taskId"`
	UploadedBytes int64   `json:"uploadedBytes"`
	TotalBytes    int64   `json:"totalBytes"`
	Percent       float64 `json:"percent"`
	BytesPerSec   int64   `json:"bytesPerSec"`
}

// Task is a transient progress record for one upload. It is not persisted,
// a task lives only as long as the session that started it.
type Task struct {
	ID            string
	FileName      string
	FileSize      int64
	Status        Status
	UploadedBytes int64
	Err           error
	StartedAt     time.Time
	FinishedAt    time.Time
}

// NewTask returns a pending task for the named file.
func NewTask(id, fileName string, fileSize int64) *Task {
	return &Task{
		ID:       id,
		FileName: fileName,
		FileSize: fileSize,
		Status:   StatusPending,
	}
}

// Transition moves the task to next, rejecting moves the lifecycle does not
// allow. Terminal states are final.
func (t *Task) Transition(next Status) error {
	for _, allowed := range validTransitions[t.Status] {
		if next == allowed {
			t.Status = next
			switch next {
			case StatusUploading:
				t.StartedAt = time.Now()
			case StatusSuccess, StatusError:
				t.FinishedAt = time.Now()
			}
			return nil
		}
	}
	return xerrors.Newf("upload task %s: invalid transition %s -> %s", t.ID, t.Status, next)
}

// Fail marks the task failed and records the cause.
func (t *Task) Fail(err error) error {
	if terr := t.Transition(StatusError); terr != nil {
		return terr
	}
	t.Err = err
	return nil
}
