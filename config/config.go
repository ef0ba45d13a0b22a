package config

var Version = "unknown"

// Object-store layout. Paths are partitioned by session or export job id so
// concurrent jobs never collide.
const (
	SessionInputKeyFormat  = "sessions/%s/input.mp4"
	SessionClipKeyFormat   = "sessions/%s/clips/%s"
	SessionPrefixFormat    = "sessions/%s"
	ExportOutputKeyFormat  = "exports/%s/export.mp4"
	SignedURLExpirySeconds = 24 * 60 * 60
)
