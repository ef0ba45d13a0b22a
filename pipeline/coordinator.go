// Package pipeline schedules the worker's two heavyweight queues. Jobs live
// in memory only: a restart loses them, and callers are expected to poll and
// re-submit.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/export"
	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/metrics"
	"github.com/autoclip/autoclip-worker/transcribe"
	"github.com/google/uuid"
)

const (
	QueueExport     = "export"
	QueueTranscribe = "transcribe"

	// transient retry backoff cap
	maxRequeueDelay = 180 * time.Second

	sweepInterval = time.Minute
)

// ExportRunner executes one export job. Injected so the scheduler is
// testable without a browser.
type ExportRunner func(ctx context.Context, requestID string, job *export.JobState, payload *export.Payload) error

// TranscribeRunner executes one transcription job.
type TranscribeRunner func(ctx context.Context, requestID, sessionID, videoKey, language string, progress transcribe.Progress) (*transcribe.Transcript, error)

type exportEntry struct {
	state     *export.JobState
	payload   *export.Payload
	requestID string
}

// TranscribeJob is the queryable state of one transcription job.
type TranscribeJob struct {
	mu sync.Mutex

	ID              string
	SessionID       string
	VideoKey        string
	Language        string
	RequestID       string
	Status          string // queued | processing | complete | error
	Stage           string
	Progress        float64
	TotalChunks     int
	CompletedChunks int
	RetryCount      int
	Result          *transcribe.Transcript
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (j *TranscribeJob) setProgress(stage string, progress float64, completedChunks, totalChunks int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Stage = stage
	if progress > j.Progress {
		j.Progress = progress
	}
	if totalChunks > j.TotalChunks {
		j.TotalChunks = totalChunks
	}
	if completedChunks > j.CompletedChunks {
		j.CompletedChunks = completedChunks
	}
	j.UpdatedAt = time.Now()
}

// TranscribeJobSnapshot is a point-in-time copy of a job, safe to pass and
// serialize while the worker keeps mutating the original.
type TranscribeJobSnapshot struct {
	ID              string
	SessionID       string
	VideoKey        string
	Language        string
	RequestID       string
	Status          string
	Stage           string
	Progress        float64
	TotalChunks     int
	CompletedChunks int
	RetryCount      int
	Result          *transcribe.Transcript
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (j *TranscribeJob) Snapshot() TranscribeJobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return TranscribeJobSnapshot{
		ID: j.ID, SessionID: j.SessionID, VideoKey: j.VideoKey, Language: j.Language,
		RequestID: j.RequestID, Status: j.Status, Stage: j.Stage, Progress: j.Progress,
		TotalChunks: j.TotalChunks, CompletedChunks: j.CompletedChunks,
		RetryCount: j.RetryCount, Result: j.Result, Error: j.Error,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func (j *TranscribeJob) isTerminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == "complete" || j.Status == "error"
}

// Coordinator owns the export and transcribe queues: FIFO order, bounded
// in-flight workers, terminal-state retention and the transcription
// transient-retry policy.
type Coordinator struct {
	mu sync.Mutex

	exportQueue   []string
	exportJobs    map[string]*exportEntry
	activeExports int
	maxExports    int

	transcribeQueue   []string
	transcribeJobs    map[string]*TranscribeJob
	sessionIndex      map[string]string
	activeTranscribes int
	maxTranscribes    int

	retention  time.Duration
	retryLimit int
	retryDelay time.Duration

	runExport     ExportRunner
	runTranscribe TranscribeRunner

	stopSweep chan struct{}
}

func NewCoordinator(cli config.Cli, res config.Resources, runExport ExportRunner, runTranscribe TranscribeRunner) *Coordinator {
	retention := cli.JobRetention()
	if retention <= 0 {
		retention = time.Hour
	}
	c := &Coordinator{
		exportJobs:     map[string]*exportEntry{},
		transcribeJobs: map[string]*TranscribeJob{},
		sessionIndex:   map[string]string{},
		maxExports:     res.ExportConcurrency,
		maxTranscribes: res.TranscribeConcurrency,
		retention:      retention,
		retryLimit:     cli.JobTransientRetryLimit,
		retryDelay:     cli.JobTransientRetryDelay(),
		runExport:      runExport,
		runTranscribe:  runTranscribe,
		stopSweep:      make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *Coordinator) Stop() {
	close(c.stopSweep)
}

// EnqueueExport creates an export job and kicks the drain. The returned
// position counts in-flight jobs plus everything still queued, so the job
// started on an idle worker reports 1 and the next enqueue reports 2.
func (c *Coordinator) EnqueueExport(requestID string, payload *export.Payload) (*export.JobState, int) {
	state := export.NewJobState(uuid.New().String())

	c.mu.Lock()
	c.exportJobs[state.ID] = &exportEntry{state: state, payload: payload, requestID: requestID}
	c.exportQueue = append(c.exportQueue, state.ID)
	c.drainExportsLocked()
	position := c.activeExports + len(c.exportQueue)
	c.updateQueueGaugesLocked()
	c.mu.Unlock()

	log.Log(requestID, "export job enqueued", "job_id", state.ID, "queue_position", position)
	return state, position
}

// ExportStatus returns a snapshot plus queue context for the status
// endpoint.
func (c *Coordinator) ExportStatus(jobID string) (export.JobSnapshot, int, int, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.exportJobs[jobID]
	if !ok {
		return export.JobSnapshot{}, 0, 0, 0, false
	}
	position := 0
	for i, id := range c.exportQueue {
		if id == jobID {
			position = i + 1
			break
		}
	}
	return entry.state.Snapshot(), position, c.activeExports, c.maxExports, true
}

// CancelExport dequeues a waiting job, or sets the sticky closed flag on a
// running one so its frame loop aborts at the next check.
func (c *Coordinator) CancelExport(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.exportJobs[jobID]
	if !ok || entry.state.IsTerminal() {
		return false
	}
	for i, id := range c.exportQueue {
		if id == jobID {
			c.exportQueue = append(c.exportQueue[:i], c.exportQueue[i+1:]...)
			entry.state.Fail("cancelled by request")
			c.updateQueueGaugesLocked()
			return true
		}
	}
	entry.state.MarkClosed("cancelled by request")
	return true
}

// drainExportsLocked starts workers while under the cap. Caller holds c.mu.
func (c *Coordinator) drainExportsLocked() {
	for c.activeExports < c.maxExports && len(c.exportQueue) > 0 {
		id := c.exportQueue[0]
		c.exportQueue = c.exportQueue[1:]
		entry, ok := c.exportJobs[id]
		if !ok || entry.state.IsTerminal() {
			continue
		}
		c.activeExports++
		c.startExportWorker(entry)
	}
}

func (c *Coordinator) startExportWorker(entry *exportEntry) {
	// nolint:errcheck
	go recovered(func() (t bool, e error) {
		log.AddContext(entry.requestID, "queue", QueueExport, "job_id", entry.state.ID)
		ctx := log.WithLogValues(context.Background(),
			"request_id", entry.requestID, "job_id", entry.state.ID)
		_, err := recovered(func() (t bool, e error) {
			return true, c.runExport(ctx, entry.requestID, entry.state, entry.payload)
		})
		if err != nil {
			entry.state.Fail(err.Error())
			log.LogError(entry.requestID, "export job failed", err, "job_id", entry.state.ID)
		}
		metrics.Metrics.JobResults.WithLabelValues(QueueExport, strconv.FormatBool(err == nil)).Inc()

		c.mu.Lock()
		c.activeExports--
		c.drainExportsLocked()
		c.updateQueueGaugesLocked()
		c.mu.Unlock()
		return true, nil
	})
}

// EnqueueTranscribe deduplicates per session: a live job for the session is
// returned as-is, as is a completed one for the same source and language. A
// changed source or language starts a fresh job.
func (c *Coordinator) EnqueueTranscribe(requestID, sessionID, videoKey, language string) (*TranscribeJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.sessionIndex[sessionID]; ok {
		if job, ok := c.transcribeJobs[id]; ok {
			snap := job.Snapshot()
			sameInput := snap.VideoKey == videoKey && snap.Language == language
			if !job.isTerminal() || (snap.Status == "complete" && sameInput) {
				return job, false
			}
		}
	}

	now := time.Now()
	job := &TranscribeJob{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		VideoKey:  videoKey,
		Language:  language,
		RequestID: requestID,
		Status:    "queued",
		Stage:     "Waiting in queue",
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.transcribeJobs[job.ID] = job
	c.sessionIndex[sessionID] = job.ID
	c.transcribeQueue = append(c.transcribeQueue, job.ID)
	c.drainTranscribesLocked()
	c.updateQueueGaugesLocked()
	return job, true
}

// TranscribeStatus looks a job up by session.
func (c *Coordinator) TranscribeStatus(sessionID string) (TranscribeJobSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sessionIndex[sessionID]
	if !ok {
		return TranscribeJobSnapshot{}, false
	}
	job, ok := c.transcribeJobs[id]
	if !ok {
		return TranscribeJobSnapshot{}, false
	}
	return job.Snapshot(), true
}

func (c *Coordinator) drainTranscribesLocked() {
	for c.activeTranscribes < c.maxTranscribes && len(c.transcribeQueue) > 0 {
		id := c.transcribeQueue[0]
		c.transcribeQueue = c.transcribeQueue[1:]
		job, ok := c.transcribeJobs[id]
		if !ok || job.isTerminal() {
			continue
		}
		job.mu.Lock()
		job.Status = "processing"
		job.Stage = "Starting"
		job.UpdatedAt = time.Now()
		job.mu.Unlock()
		c.activeTranscribes++
		c.startTranscribeWorker(job)
	}
}

func (c *Coordinator) startTranscribeWorker(job *TranscribeJob) {
	// nolint:errcheck
	go recovered(func() (t bool, e error) {
		log.AddContext(job.RequestID, "queue", QueueTranscribe, "session_id", job.SessionID)
		ctx := log.WithLogValues(context.Background(),
			"request_id", job.RequestID, "session_id", job.SessionID)
		result, err := recovered(func() (*transcribe.Transcript, error) {
			return c.runTranscribe(ctx, job.RequestID, job.SessionID,
				job.VideoKey, job.Language, job.setProgress)
		})

		c.mu.Lock()
		c.activeTranscribes--
		c.finishTranscribeLocked(job, result, err)
		c.drainTranscribesLocked()
		c.updateQueueGaugesLocked()
		c.mu.Unlock()
		return true, nil
	})
}

// finishTranscribeLocked applies the transient-retry policy: connection
// class failures under the retry budget go back on the queue with
// exponential delay, everything else is terminal. Caller holds c.mu.
func (c *Coordinator) finishTranscribeLocked(job *TranscribeJob, result *transcribe.Transcript, err error) {
	if err == nil {
		job.mu.Lock()
		job.Status = "complete"
		job.Stage = "Complete"
		job.Progress = 1
		job.Result = result
		job.UpdatedAt = time.Now()
		job.mu.Unlock()
		metrics.Metrics.JobResults.WithLabelValues(QueueTranscribe, "true").Inc()
		return
	}

	job.mu.Lock()
	retryCount := job.RetryCount
	job.mu.Unlock()

	if transcribe.IsConnectionError(err) && retryCount < c.retryLimit {
		delay := c.retryDelay * (1 << retryCount)
		if delay > maxRequeueDelay {
			delay = maxRequeueDelay
		}
		job.mu.Lock()
		job.RetryCount++
		job.Status = "queued"
		job.Stage = fmt.Sprintf("Retrying after connection failure (attempt %d)", job.RetryCount)
		job.UpdatedAt = time.Now()
		job.mu.Unlock()
		metrics.Metrics.TranscribeJobRequeues.Inc()
		log.LogError(job.RequestID, "requeueing transcription after transient failure", err,
			"session_id", job.SessionID, "retry_count", retryCount+1, "delay", delay.String())

		time.AfterFunc(delay, func() {
			c.mu.Lock()
			c.transcribeQueue = append(c.transcribeQueue, job.ID)
			c.drainTranscribesLocked()
			c.updateQueueGaugesLocked()
			c.mu.Unlock()
		})
		return
	}

	job.mu.Lock()
	job.Status = "error"
	job.Stage = "Failed"
	job.Error = err.Error()
	job.UpdatedAt = time.Now()
	job.mu.Unlock()
	metrics.Metrics.JobResults.WithLabelValues(QueueTranscribe, "false").Inc()
	log.LogError(job.RequestID, "transcription job failed", err, "session_id", job.SessionID)
}

// Stats feeds the health endpoint.
type Stats struct {
	ActiveExports      int `json:"activeExports"`
	QueuedExports      int `json:"queuedExports"`
	MaxExports         int `json:"maxExportConcurrency"`
	ActiveTranscribes  int `json:"activeTranscribes"`
	QueuedTranscribes  int `json:"queuedTranscribes"`
	MaxTranscribes     int `json:"maxTranscribeConcurrency"`
	OpenTranscribeJobs int `json:"openTranscribeJobs"`
}

func (c *Coordinator) QueueStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ActiveExports:      c.activeExports,
		QueuedExports:      len(c.exportQueue),
		MaxExports:         c.maxExports,
		ActiveTranscribes:  c.activeTranscribes,
		QueuedTranscribes:  len(c.transcribeQueue),
		MaxTranscribes:     c.maxTranscribes,
		OpenTranscribeJobs: len(c.transcribeJobs),
	}
}

func (c *Coordinator) updateQueueGaugesLocked() {
	metrics.Metrics.ActiveJobs.WithLabelValues(QueueExport).Set(float64(c.activeExports))
	metrics.Metrics.QueuedJobs.WithLabelValues(QueueExport).Set(float64(len(c.exportQueue)))
	metrics.Metrics.ActiveJobs.WithLabelValues(QueueTranscribe).Set(float64(c.activeTranscribes))
	metrics.Metrics.QueuedJobs.WithLabelValues(QueueTranscribe).Set(float64(len(c.transcribeQueue)))
}

// sweepLoop deletes terminal jobs once they outlive the retention window,
// dropping the session index entry with them.
func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepOnce(time.Now())
		}
	}
}

func (c *Coordinator) sweepOnce(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.exportJobs {
		snap := entry.state.Snapshot()
		if entry.state.IsTerminal() && now.Sub(snap.UpdatedAt) > c.retention {
			delete(c.exportJobs, id)
		}
	}
	for id, job := range c.transcribeJobs {
		snap := job.Snapshot()
		if job.isTerminal() && now.Sub(snap.UpdatedAt) > c.retention {
			delete(c.transcribeJobs, id)
			if c.sessionIndex[snap.SessionID] == id {
				delete(c.sessionIndex, snap.SessionID)
			}
		}
	}
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoRequestID("panic in pipeline worker goroutine, recovering", "err", rec)
			err = fmt.Errorf("panic in pipeline worker: %v", rec)
		}
	}()
	return f()
}
