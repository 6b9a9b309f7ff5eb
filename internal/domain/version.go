package domain

import "time"

// Version is the persisted record of a deployed project version.
type Version struct {
	ID              string           `json:"id"`
	ProjectID       string           `json:"projectId"`
	UserID          string           `json:"userId"`
	BuildID         string           `json:"buildId"`
	DisplayVersion  *int             `json:"displayVersion,omitempty"`
	Prompt          string           `json:"prompt,omitempty"`
	BaseVersionID   string           `json:"baseVersionId,omitempty"`
	RolledBackFrom  string           `json:"rolledBackFrom,omitempty"`
	Framework       string           `json:"framework"`
	PackageManager  string           `json:"packageManager"`
	InstallStrategy string           `json:"installStrategy,omitempty"`
	Lane            Lane             `json:"lane"`
	Detection       *TargetDetection `json:"detection,omitempty"`
	Deployment      DeploymentResult `json:"deployment"`
	Artifact        *ArtifactRecord  `json:"artifact,omitempty"`
	InstallMS       int64            `json:"installMs"`
	BuildMS         int64            `json:"buildMs"`
	DeployMS        int64            `json:"deployMs"`
	TotalMS         int64            `json:"totalMs"`
	CacheHit        bool             `json:"cacheHit"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// VersionUpdate carries the mutable fields of a version record. Nil fields are
// left untouched.
type VersionUpdate struct {
	ID             string
	DisplayVersion *int
	Artifact       *ArtifactRecord
	TotalMS        *int64
}

// RunStatus is the state of a dedup row.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunDeployed RunStatus = "deployed"
	RunFailed   RunStatus = "failed"
)

// JobRun records the progress of one buildId so that redelivered jobs are
// recognised.
type JobRun struct {
	BuildID      string    `json:"buildId"`
	ProjectID    string    `json:"projectId"`
	VersionID    string    `json:"versionId"`
	Status       RunStatus `json:"status"`
	Stage        Stage     `json:"stage,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	PreviewURL   string    `json:"previewUrl,omitempty"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
