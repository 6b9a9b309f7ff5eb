package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig holds runtime configuration for the build-and-deploy worker.
type PipelineConfig struct {
	Environment string `yaml:"environment"`
	Addr        string `yaml:"addr"`
	LogLevel    string `yaml:"log_level"`
	Workdir     string `yaml:"workdir"`
	CacheDir    string `yaml:"cache_dir"`

	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	QueueVisibility time.Duration `yaml:"queue_visibility"`
	QueuePoll       time.Duration `yaml:"queue_poll"`
	QueueBackend    string        `yaml:"queue_backend"`

	InstallTimeout  time.Duration `yaml:"install_timeout"`
	BuildTimeout    time.Duration `yaml:"build_timeout"`
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
	DeployTimeout   time.Duration `yaml:"deploy_timeout"`
	SideEffectWait  time.Duration `yaml:"side_effect_timeout"`

	NPMRegistryURL string `yaml:"npm_registry_url"`
	VerifyRegistry bool   `yaml:"verify_registry"`

	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	StorageBackend  string `yaml:"storage_backend"`
	StorageBucket   string `yaml:"storage_bucket"`
	StorageRoot     string `yaml:"storage_root"`
	StoragePublic   string `yaml:"storage_public_url"`
	MinioEndpoint   string `yaml:"minio_endpoint"`
	MinioAccessKey  string `yaml:"minio_access_key"`
	MinioSecretKey  string `yaml:"minio_secret_key"`
	MinioUseSSL     bool   `yaml:"minio_use_ssl"`
	GCSCredentials  string `yaml:"gcs_credentials_file"`
	ArtifactMaxSize int64  `yaml:"artifact_max_bytes"`
	ArtifactWarn    int64  `yaml:"artifact_warn_bytes"`

	StaticPublicURL    string `yaml:"static_public_url"`
	EdgeDeployURL      string `yaml:"edge_deploy_url"`
	EdgeDeployToken    string `yaml:"edge_deploy_token"`
	NodeRuntimeBackend string `yaml:"node_runtime_backend"`
	DockerHost         string `yaml:"docker_host"`
	NodeBaseImage      string `yaml:"node_base_image"`
	NodeImageRegistry  string `yaml:"node_image_registry"`
	DockerPublishHost  string `yaml:"docker_publish_host"`
	KubeNamespace      string `yaml:"kube_namespace"`
	KubeServiceDomain  string `yaml:"kube_service_domain"`

	RecoveryURL   string `yaml:"recovery_url"`
	RecoveryToken string `yaml:"recovery_token"`
	EventsURL     string `yaml:"events_url"`
	EventsToken   string `yaml:"events_token"`

	JWTSecret    string `yaml:"jwt_secret"`
	OTelExporter string `yaml:"otel_exporter"`
}

// LoadPipelineConfig constructs a PipelineConfig from environment variables,
// then applies the optional YAML overlay named by PIPELINE_CONFIG_FILE.
func LoadPipelineConfig() (PipelineConfig, error) {
	env := NewEnv()
	cfg := PipelineConfig{
		Environment: env.String("APP_ENV", "development"),
		Addr:        env.String("PIPELINE_ADDR", ":5050"),
		LogLevel:    env.String("LOG_LEVEL", "info"),
		Workdir:     env.String("PIPELINE_WORKDIR", "/tmp/peep-pipeline"),
		CacheDir:    env.String("BUILD_CACHE_DIR", "/tmp/peep-pipeline/cache"),

		Concurrency:     env.Int("PIPELINE_CONCURRENCY", 3),
		JobTimeout:      env.Seconds("PIPELINE_JOB_TIMEOUT_SECONDS", 20*time.Minute),
		LockTTL:         env.Seconds("PIPELINE_LOCK_TTL_SECONDS", 25*time.Minute),
		QueueVisibility: env.Seconds("PIPELINE_QUEUE_VISIBILITY_SECONDS", 30*time.Minute),
		QueuePoll:       env.Millis("PIPELINE_QUEUE_POLL_MS", 500*time.Millisecond),
		QueueBackend:    env.String("PIPELINE_QUEUE_BACKEND", "redis"),

		InstallTimeout:  env.Seconds("INSTALL_TIMEOUT_SECONDS", 8*time.Minute),
		BuildTimeout:    env.Seconds("BUILD_TIMEOUT_SECONDS", 10*time.Minute),
		ValidateTimeout: env.Seconds("VALIDATE_TIMEOUT_SECONDS", 3*time.Minute),
		DeployTimeout:   env.Seconds("DEPLOY_TIMEOUT_SECONDS", 5*time.Minute),
		SideEffectWait:  env.Seconds("SIDE_EFFECT_TIMEOUT_SECONDS", 5*time.Second),

		NPMRegistryURL: env.String("NPM_REGISTRY_URL", "https://registry.npmjs.org"),
		VerifyRegistry: env.Bool("NPM_VERIFY_REGISTRY", true),

		DatabaseURL:   env.String("DATABASE_URL", "postgres://vercel:vercel@db:5432/vercel?sslmode=disable"),
		RedisAddr:     env.String("REDIS_ADDR", "redis:6379"),
		RedisPassword: env.String("REDIS_PASSWORD", ""),
		RedisDB:       env.Int("REDIS_DB", 0),

		StorageBackend:  env.String("STORAGE_BACKEND", "filesystem"),
		StorageBucket:   env.String("STORAGE_BUCKET", "peep-artifacts"),
		StorageRoot:     env.String("STORAGE_ROOT", "/tmp/peep-pipeline/blobs"),
		StoragePublic:   env.String("STORAGE_PUBLIC_URL", ""),
		MinioEndpoint:   env.String("MINIO_ENDPOINT", "minio:9000"),
		MinioAccessKey:  env.String("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:  env.String("MINIO_SECRET_KEY", ""),
		MinioUseSSL:     env.Bool("MINIO_USE_SSL", false),
		GCSCredentials:  env.String("GCS_CREDENTIALS_FILE", ""),
		ArtifactMaxSize: env.Bytes("ARTIFACT_MAX_BYTES", 500<<20),
		ArtifactWarn:    env.Bytes("ARTIFACT_WARN_BYTES", 100<<20),

		StaticPublicURL:    env.String("STATIC_PUBLIC_URL", "http://localhost:8080/sites"),
		EdgeDeployURL:      env.String("EDGE_DEPLOY_URL", ""),
		EdgeDeployToken:    env.String("EDGE_DEPLOY_TOKEN", ""),
		NodeRuntimeBackend: env.String("NODE_RUNTIME_BACKEND", "docker"),
		DockerHost:         env.String("DOCKER_HOST", "unix:///var/run/docker.sock"),
		NodeBaseImage:      env.String("NODE_BASE_IMAGE", "node:20-alpine"),
		NodeImageRegistry:  env.String("DOCKER_REGISTRY", "peep"),
		DockerPublishHost:  env.String("DOCKER_PUBLISH_HOST", "127.0.0.1"),
		KubeNamespace:      env.String("KUBE_NAMESPACE", "peep-apps"),
		KubeServiceDomain:  env.String("KUBE_SERVICE_DOMAIN", ""),

		RecoveryURL:   env.String("RECOVERY_URL", ""),
		RecoveryToken: env.String("RECOVERY_TOKEN", ""),
		EventsURL:     env.String("EVENTS_URL", ""),
		EventsToken:   env.String("EVENTS_TOKEN", ""),

		JWTSecret:    env.String("JWT_SECRET", "supersecuresecret"),
		OTelExporter: env.String("PIPELINE_OTEL_EXPORTER", "none"),
	}
	if err := env.Err(); err != nil {
		return cfg, fmt.Errorf("invalid environment: %w", err)
	}
	if path := env.String("PIPELINE_CONFIG_FILE", ""); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// ApplyFile overlays non-zero values from a YAML document onto cfg.
func (c *PipelineConfig) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return c.ApplyYAML(raw)
}

// ApplyYAML decodes raw into cfg. Keys missing from the document keep their
// current values.
func (c *PipelineConfig) ApplyYAML(raw []byte) error {
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

// Validate checks the relationships between timeouts and limits.
func (c PipelineConfig) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("job timeout must be positive"))
	}
	if c.LockTTL <= c.JobTimeout {
		errs = append(errs, fmt.Errorf("lock ttl %s must exceed job timeout %s", c.LockTTL, c.JobTimeout))
	}
	if c.QueueVisibility <= c.JobTimeout {
		errs = append(errs, fmt.Errorf("queue visibility %s must exceed job timeout %s", c.QueueVisibility, c.JobTimeout))
	}
	if c.ArtifactWarn >= c.ArtifactMaxSize {
		errs = append(errs, fmt.Errorf("artifact warn threshold %d must be below max %d", c.ArtifactWarn, c.ArtifactMaxSize))
	}
	return errors.Join(errs...)
}
