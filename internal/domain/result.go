package domain

// Result is the terminal outcome of a job: Deployed or Failed.
type Result interface {
	Succeeded() bool
	State() State
}

// Deployed is returned when a job reached the deployed state.
type Deployed struct {
	BuildID        string          `json:"buildId"`
	VersionID      string          `json:"versionId"`
	PreviewURL     string          `json:"previewUrl"`
	DeploymentID   string          `json:"deploymentId,omitempty"`
	DisplayVersion *int            `json:"displayVersion,omitempty"`
	Lane           Lane            `json:"lane"`
	Artifact       *ArtifactRecord `json:"artifact,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
	Replayed       bool            `json:"replayed,omitempty"`
}

func (Deployed) Succeeded() bool { return true }
func (Deployed) State() State { return StateDeployed }

// Failed is returned when a job terminated in the failed state.
type Failed struct {
	BuildID   string   `json:"buildId"`
	VersionID string   `json:"versionId"`
	Stage     Stage    `json:"stage"`
	Reason    string   `json:"reason"`
	Reasons   []string `json:"reasons,omitempty"`
	Replayed  bool     `json:"replayed,omitempty"`
}

func (Failed) Succeeded() bool { return false }
func (Failed) State() State { return StateFailed }
