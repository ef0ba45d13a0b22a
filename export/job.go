package export

import (
	"sync"
	"time"
)

// Job statuses. Error is reachable from any non-terminal status; transitions
// are made only by the worker task that owns the job.
const (
	StatusQueued    = "queued"
	StatusLoading   = "loading"
	StatusRendering = "rendering"
	StatusEncoding  = "encoding"
	StatusUploading = "uploading"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// JobState is the mutable, queryable state of one export job. Progress is
// monotonic: a stale update can never move it backwards.
type JobState struct {
	mu sync.Mutex

	ID             string
	Status         string
	Stage          string
	Progress       float64
	FramesTotal    int
	FramesRendered int
	DownloadURL    string
	Error          string
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time

	closedReason string
}

func NewJobState(id string) *JobState {
	now := time.Now()
	return &JobState{
		ID:        id,
		Status:    StatusQueued,
		Stage:     "Waiting in queue",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *JobState) Advance(status, stage string, progress float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.Stage = stage
	if progress > j.Progress {
		j.Progress = progress
	}
	j.UpdatedAt = time.Now()
}

func (j *JobState) SetFrames(rendered, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if total > j.FramesTotal {
		j.FramesTotal = total
	}
	if rendered > j.FramesRendered {
		j.FramesRendered = rendered
	}
	if j.FramesTotal > 0 {
		progress := 0.05 + float64(j.FramesRendered)/float64(j.FramesTotal)*0.85
		if progress > j.Progress {
			j.Progress = progress
		}
	}
	j.UpdatedAt = time.Now()
}

func (j *JobState) Complete(downloadURL string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = StatusComplete
	j.Stage = "Complete"
	j.Progress = 1
	j.DownloadURL = downloadURL
	j.UpdatedAt = time.Now()
}

func (j *JobState) Fail(errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status == StatusComplete {
		return
	}
	j.Status = StatusError
	j.Stage = "Failed"
	j.Error = errMsg
	j.UpdatedAt = time.Now()
}

// MarkClosed records the renderer's close reason. The flag is sticky: the
// first reason wins and the frame loop aborts on its next check. Also the
// cancellation path.
func (j *JobState) MarkClosed(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closedReason == "" {
		j.closedReason = reason
	}
}

func (j *JobState) ClosedReason() (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closedReason, j.closedReason != ""
}

// JobSnapshot is a point-in-time copy of a job's state, safe to pass and
// serialize while the worker keeps mutating the original.
type JobSnapshot struct {
	ID             string
	Status         string
	Stage          string
	Progress       float64
	FramesTotal    int
	FramesRendered int
	DownloadURL    string
	Error          string
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (j *JobState) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobSnapshot{
		ID:             j.ID,
		Status:         j.Status,
		Stage:          j.Stage,
		Progress:       j.Progress,
		FramesTotal:    j.FramesTotal,
		FramesRendered: j.FramesRendered,
		DownloadURL:    j.DownloadURL,
		Error:          j.Error,
		RetryCount:     j.RetryCount,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func (j *JobState) IsTerminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == StatusComplete || j.Status == StatusError
}
