package config

import (
	"time"
)

// Cli holds every tunable of the worker. Fields are populated in main() from
// flags, with matching environment variables provided by ff's env-var
// parsing (e.g. -worker-secret is WORKER_SECRET).
type Cli struct {
	HTTPAddress string
	PromPort    int

	WorkerSecret string
	TempDir      string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	Bucket                 string
	ExportBucket           string

	OpenAIAPIKey string

	YtDlpPath      string
	PythonPath     string
	FaceCropScript string

	EditorRenderURL    string
	EditorRenderSecret string

	// Concurrency and admission
	ExportConcurrency     int // explicit override; 0 means derive from resources
	ExportMaxConcurrency  int
	ExportCPUPerJob       int
	ExportMemoryPerJobMB  int
	ExportMemoryReserveMB int
	RenderConcurrency     int
	TranscribeConcurrency int

	// Clip render knobs
	RenderLowHeight int
	RenderMaxFPS    int

	// Editor export knobs
	ExportFPS           float64
	ExportFrameFormat   string // png|jpeg
	ExportJPEGQuality   int
	ExportPreset        string
	ExportCRF           int
	ExportTune          string
	ExportAudioBitrate  string
	ExportFrameTimeout  int // milliseconds
	ExportProgressLogMs int
	ExportScaleFlags    string
	ExportRenderMode    string // css|device

	// Transcription knobs
	TranscribeChunkSeconds       int
	TranscribeBitrate            string
	OpenAITimeoutMs              int
	OpenAIMaxAttempts            int
	OpenAIConnectionMaxAttempts  int
	OpenAIConnectionBackoffMs    int
	OpenAIConnectionMaxBackoffMs int
	JobRetentionMs               int
	JobTransientRetryLimit       int
	JobTransientRetryDelayMs     int
}

func (cli Cli) ExportFrameTimeoutDuration() time.Duration {
	return time.Duration(cli.ExportFrameTimeout) * time.Millisecond
}

func (cli Cli) ExportProgressLogInterval() time.Duration {
	return time.Duration(cli.ExportProgressLogMs) * time.Millisecond
}

func (cli Cli) OpenAITimeout() time.Duration {
	return time.Duration(cli.OpenAITimeoutMs) * time.Millisecond
}

func (cli Cli) JobRetention() time.Duration {
	return time.Duration(cli.JobRetentionMs) * time.Millisecond
}

func (cli Cli) JobTransientRetryDelay() time.Duration {
	return time.Duration(cli.JobTransientRetryDelayMs) * time.Millisecond
}

// ClampCRF keeps the configured CRF inside the range the export encoder is
// validated for.
func (cli Cli) ClampCRF() int {
	if cli.ExportCRF < 8 {
		return 8
	}
	if cli.ExportCRF > 24 {
		return 24
	}
	return cli.ExportCRF
}
