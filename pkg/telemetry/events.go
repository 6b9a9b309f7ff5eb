// Package telemetry defines the pipeline's progress events and the emitters
// that deliver them.
package telemetry

import (
	"time"
	"unicode/utf8"
)

// Code is a stable machine-readable event identifier.
type Code string

const (
	CodeJobStarted   Code = "JOB_STARTED"
	CodeJobReplayed  Code = "JOB_REPLAYED"
	CodeJobDeployed  Code = "JOB_DEPLOYED"
	CodeJobFailed    Code = "JOB_FAILED"
	CodeLockConflict Code = "LOCK_CONFLICT"

	CodeManifestSynthesized Code = "MANIFEST_SYNTHESIZED"

	CodeInstallStarted        Code = "INSTALL_STARTED"
	CodeInstallSkipped        Code = "INSTALL_SKIPPED"
	CodeInstallStrategyFailed Code = "INSTALL_STRATEGY_FAILED"
	CodeInstallHealthWarning  Code = "INSTALL_HEALTH_WARNING"
	CodeInstallCompleted      Code = "INSTALL_COMPLETED"

	CodeValidationStarted   Code = "VALIDATION_STARTED"
	CodeValidationSkipped   Code = "VALIDATION_SKIPPED"
	CodeValidationFixed     Code = "VALIDATION_AUTOFIXED"
	CodeValidationCompleted Code = "VALIDATION_COMPLETED"

	CodeBuildStarted    Code = "BUILD_STARTED"
	CodeBuildCacheHit   Code = "BUILD_CACHE_HIT"
	CodeBuildCacheMiss  Code = "BUILD_CACHE_MISS"
	CodeBuildOutput     Code = "BUILD_OUTPUT"
	CodeBuildCompleted  Code = "BUILD_COMPLETED"
	CodeBuildCacheWrite Code = "BUILD_CACHE_WRITE_FAILED"

	CodeDetectCompleted Code = "TARGET_DETECTED"

	CodeDeployStarted   Code = "DEPLOY_STARTED"
	CodeDeployFallback  Code = "DEPLOY_FALLBACK"
	CodeDeployCompleted Code = "DEPLOY_COMPLETED"

	CodeFinalizeCompleted Code = "FINALIZE_COMPLETED"

	CodePackageStarted   Code = "PACKAGE_STARTED"
	CodePackageWarning   Code = "PACKAGE_SIZE_WARNING"
	CodePackageSkipped   Code = "PACKAGE_SKIPPED"
	CodePackageFailed    Code = "PACKAGE_FAILED"
	CodePackageCompleted Code = "PACKAGE_COMPLETED"

	CodeRollbackStarted   Code = "ROLLBACK_STARTED"
	CodeRollbackCompleted Code = "ROLLBACK_COMPLETED"
)

// Phase is the lifecycle position of an event within its stage.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseProgress Phase = "progress"
	PhaseComplete Phase = "complete"
	PhaseWarning  Phase = "warning"
	PhaseError    Phase = "error"
)

// Event is one progress notification.
type Event struct {
	BuildID    string         `json:"buildId"`
	ProjectID  string         `json:"projectId"`
	UserID     string         `json:"userId,omitempty"`
	Code       Code           `json:"code"`
	Phase      Phase          `json:"phase"`
	State      string         `json:"state"`
	Message    string         `json:"message,omitempty"`
	Progress   float64        `json:"progress"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

type weight struct {
	state  string
	weight float64
}

// Stage weights in pipeline order; they sum to 100.
var weights = []weight{
	{"installing", 30},
	{"validating", 5},
	{"building", 30},
	{"detecting-target", 5},
	{"deploying", 20},
	{"finalizing", 5},
	{"packaging", 5},
}

// Progress maps a state and the fraction completed within it to an overall
// percentage. Terminal "deployed" is 100; unknown states are 0.
func Progress(state string, fraction float64) float64 {
	if state == "deployed" {
		return 100
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	var done float64
	for _, w := range weights {
		if w.state == state {
			return done + w.weight*fraction
		}
		done += w.weight
	}
	return 0
}

const maxMetadataText = 4096

// Truncate shortens s to at most 4 KiB for event metadata, keeping the tail
// where command output usually carries the error.
func Truncate(s string) string {
	if len(s) <= maxMetadataText {
		return s
	}
	tail := s[len(s)-maxMetadataText:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return "…" + tail
}
