package domain

import "time"

// Lane is a deployment target class.
type Lane string

const (
	LaneStatic     Lane = "static"
	LaneEdgeWorker Lane = "edge-worker"
	LaneNodeWorker Lane = "node-worker"
)

// IsServerCapable reports whether the lane can execute server code.
func (l Lane) IsServerCapable() bool {
	return l == LaneEdgeWorker || l == LaneNodeWorker
}

// Valid reports whether l is one of the known lanes.
func (l Lane) Valid() bool {
	switch l {
	case LaneStatic, LaneEdgeWorker, LaneNodeWorker:
		return true
	}
	return false
}

// Stage names the pipeline step a failure is attributed to.
type Stage string

const (
	StagePreInstall Stage = "pre-install"
	StageInstall    Stage = "install"
	StageValidation Stage = "typescript-validation"
	StageBuild      Stage = "build"
	StageDeploy     Stage = "deploy"
)

// State is the orchestrator state of a job.
type State string

const (
	StateQueued     State = "queued"
	StateInstalling State = "installing"
	StateValidating State = "validating"
	StateBuilding   State = "building"
	StateDetecting  State = "detecting-target"
	StateDeploying  State = "deploying"
	StateFinalizing State = "finalizing"
	StatePackaging  State = "packaging"
	StateDeployed   State = "deployed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDeployed || s == StateFailed
}

// PackageManager is one of the supported dependency managers.
type PackageManager string

const (
	PackageManagerNPM  PackageManager = "npm"
	PackageManagerPNPM PackageManager = "pnpm"
	PackageManagerYarn PackageManager = "yarn"
)

// InstallOutcome summarises the dependency install stage of a single run.
type InstallOutcome struct {
	PackageManager PackageManager
	StrategyUsed   string
	Succeeded      bool
	Skipped        bool
	HealthWarnings []string
	Attempts       []string
	Duration       time.Duration
}

// BuildCacheEntry points at a cached build output directory.
type BuildCacheEntry struct {
	Key          string    `json:"key"`
	ProjectID    string    `json:"projectId"`
	Framework    string    `json:"framework"`
	BuildCommand string    `json:"buildCommand"`
	OutputDir    string    `json:"outputDir"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DetectionOrigin records how a lane decision was derived.
type DetectionOrigin string

const (
	OriginRuleMatch DetectionOrigin = "rule-match"
	OriginFallback  DetectionOrigin = "fallback"
)

// EvidenceKind classifies one piece of lane evidence.
type EvidenceKind string

const (
	EvidenceAPIRoute           EvidenceKind = "api-route"
	EvidenceNodeBuiltin        EvidenceKind = "node-builtin"
	EvidenceEdgeRuntime        EvidenceKind = "edge-runtime"
	EvidenceBackendIntegration EvidenceKind = "backend-integration"
	EvidenceServerMiddleware   EvidenceKind = "server-middleware"
	EvidenceServerEntry        EvidenceKind = "server-entry"
	EvidenceStaticExport       EvidenceKind = "static-export"
)

// ServerOnly reports whether the evidence kind implies code that static
// hosting cannot serve.
func (k EvidenceKind) ServerOnly() bool {
	switch k {
	case EvidenceAPIRoute, EvidenceNodeBuiltin, EvidenceEdgeRuntime, EvidenceBackendIntegration, EvidenceServerMiddleware, EvidenceServerEntry:
		return true
	}
	return false
}

// Evidence is a single observation made by the target detector.
type Evidence struct {
	Kind   EvidenceKind `json:"kind"`
	File   string       `json:"file,omitempty"`
	Detail string       `json:"detail"`
}

// TargetDetection is the lane decision plus its audit trail.
type TargetDetection struct {
	Target     Lane            `json:"target"`
	Origin     DetectionOrigin `json:"origin"`
	Reasons    []string        `json:"reasons"`
	Evidence   []Evidence      `json:"evidence,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Framework  string          `json:"framework,omitempty"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// HasServerOnlyEvidence reports whether any collected evidence implies
// server execution.
func (d TargetDetection) HasServerOnlyEvidence() bool {
	for _, ev := range d.Evidence {
		if ev.Kind.ServerOnly() {
			return true
		}
	}
	return false
}

// DeploymentResult is the canonical result of a publish.
type DeploymentResult struct {
	DeployedURL  string `json:"deployedUrl"`
	Target       Lane   `json:"target"`
	DeploymentID string `json:"deploymentId,omitempty"`
	Switched     bool   `json:"switched"`
	SwitchReason string `json:"switchReason,omitempty"`
}

// RetentionTier namespaces artifact storage keys for lifecycle policies.
type RetentionTier string

const (
	TierStandard RetentionTier = "standard"
	TierMonthly  RetentionTier = "monthly"
	TierYearly   RetentionTier = "yearly"
)

// RetentionTiers lists every tier, most durable first.
var RetentionTiers = []RetentionTier{TierYearly, TierMonthly, TierStandard}

// ArtifactRecord describes an uploaded build output archive.
type ArtifactRecord struct {
	VersionID      string        `json:"versionId"`
	StorageKey     string        `json:"storageKey"`
	URL            string        `json:"url"`
	SizeBytes      int64         `json:"sizeBytes"`
	SHA256Checksum string        `json:"sha256"`
	RetentionTier  RetentionTier `json:"retentionTier"`
	CreatedAt      time.Time     `json:"createdAt"`
}
