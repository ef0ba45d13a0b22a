package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type WorkerMetrics struct {
	HTTPRequestDurationSec *prometheus.SummaryVec

	ActiveJobs *prometheus.GaugeVec
	QueuedJobs *prometheus.GaugeVec
	JobResults *prometheus.CounterVec

	ExportFramesRendered prometheus.Counter
	ExportFrameDuration  prometheus.Histogram

	TranscribeSegments       *prometheus.CounterVec
	TranscribeSTTRetries     prometheus.Counter
	TranscribeJobRequeues    prometheus.Counter
	UploadStreamingFallbacks prometheus.Counter
}

func NewMetrics() *WorkerMetrics {
	m := &WorkerMetrics{
		HTTPRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "http_request_duration_seconds",
			Help: "The latency of worker RPC requests in seconds broken up by method and status code",
		}, []string{"method", "status_code"}),

		ActiveJobs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_jobs",
			Help: "Jobs currently being processed, per queue",
		}, []string{"queue"}),
		QueuedJobs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queued_jobs",
			Help: "Jobs waiting to start, per queue",
		}, []string{"queue"}),
		JobResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "job_results_total",
			Help: "Finished jobs broken up by queue and success",
		}, []string{"queue", "success"}),

		ExportFramesRendered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "export_frames_rendered_total",
			Help: "Frames captured from the editor renderer and written to the encoder",
		}),
		ExportFrameDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "export_frame_duration_seconds",
			Help:    "Time taken to render and capture a single export frame",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		TranscribeSegments: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_segments_total",
			Help: "Audio segments sent to the STT API broken up by outcome",
		}, []string{"outcome"}),
		TranscribeSTTRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_stt_retries_total",
			Help: "Retries of individual STT segment calls",
		}),
		TranscribeJobRequeues: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_job_requeues_total",
			Help: "Transcription jobs re-queued after a transient failure",
		}),
		UploadStreamingFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_streaming_fallbacks_total",
			Help: "Object-store uploads that fell back from streaming to a buffered body",
		}),
	}
	return m
}

var Metrics = NewMetrics()
