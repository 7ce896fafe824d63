// Package config loads qarunner settings from an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Store backend: "postgres" or "sqlite"
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// HTTP server port for the controller
	HTTPPort int

	// URL of the controller, used by qactl
	ControllerURL string

	// Dispatcher
	WorkerID            string
	WorkerPollInterval  time.Duration
	WorkerStatsInterval time.Duration
	WorkerMaxBackoff    time.Duration
	JobMaxAttempts      int

	// Maintenance. Zero durations disable the matching pass.
	CleanupSchedule     string
	CleanupDays         int
	RequeueErroredAfter time.Duration
	LeaseDuration       time.Duration

	OTELEndpoint string
	LogMode      string

	RedisAddr        string
	AnalysisCacheTTL time.Duration

	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	LLMRateLimit float64

	GitHubToken  string
	GitHubAPIURL string

	ArtifactBucket string
	ArtifactDir    string

	// Test executor: "exec", "docker" or "kubernetes"
	Runtime        string
	RuntimeWorkDir string
	RunnerImage    string

	// Namespace for test Jobs when Runtime is "kubernetes"
	KubernetesNamespace string

	RouteInventory string

	APITokenHashes []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// env maps config keys to their environment variables.
var env = map[string]string{
	"store_driver":          "STORE_DRIVER",
	"database_url":          "DATABASE_URL",
	"sqlite_path":           "SQLITE_PATH",
	"http_port":             "PORT",
	"controller_url":        "CONTROLLER_URL",
	"worker_id":             "WORKER_ID",
	"worker_poll_interval":  "WORKER_POLL_INTERVAL",
	"worker_stats_interval": "WORKER_STATS_INTERVAL",
	"worker_max_backoff":    "WORKER_MAX_BACKOFF",
	"job_max_attempts":      "JOB_MAX_ATTEMPTS",
	"cleanup_schedule":      "CLEANUP_SCHEDULE",
	"cleanup_days":          "CLEANUP_DAYS",
	"requeue_errored_after": "REQUEUE_ERRORED_AFTER",
	"lease_duration":        "LEASE_DURATION",
	"otel_endpoint":         "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log_mode":              "LOG_MODE",
	"redis_addr":            "REDIS_ADDR",
	"analysis_cache_ttl":    "ANALYSIS_CACHE_TTL",
	"llm_base_url":          "LLM_BASE_URL",
	"llm_api_key":           "LLM_API_KEY",
	"llm_model":             "LLM_MODEL",
	"llm_rate_limit":        "LLM_RATE_LIMIT",
	"github_token":          "GITHUB_TOKEN",
	"github_api_url":        "GITHUB_API_URL",
	"artifact_bucket":       "ARTIFACT_BUCKET",
	"artifact_dir":          "ARTIFACT_DIR",
	"runtime":               "RUNTIME",
	"runtime_workdir":       "RUNTIME_WORKDIR",
	"runner_image":          "RUNNER_IMAGE",
	"kubernetes_namespace":  "KUBERNETES_NAMESPACE",
	"route_inventory":       "ROUTE_INVENTORY",
	"api_token_hashes":      "API_TOKEN_HASHES",
	"rate_limit_rps":        "RATE_LIMIT_RPS",
	"rate_limit_burst":      "RATE_LIMIT_BURST",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_driver", "postgres")
	v.SetDefault("sqlite_path", "./data/qarunner.db")
	v.SetDefault("http_port", 6161)
	v.SetDefault("controller_url", "http://localhost:6161")
	v.SetDefault("worker_poll_interval", 3*time.Second)
	v.SetDefault("worker_stats_interval", 60*time.Second)
	v.SetDefault("worker_max_backoff", 30*time.Second)
	v.SetDefault("job_max_attempts", 3)
	v.SetDefault("cleanup_schedule", "@daily")
	v.SetDefault("cleanup_days", 7)
	v.SetDefault("requeue_errored_after", time.Duration(0))
	v.SetDefault("lease_duration", time.Duration(0))
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("log_mode", "dev")
	v.SetDefault("analysis_cache_ttl", 10*time.Minute)
	v.SetDefault("llm_base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm_model", "openai/gpt-4o-mini")
	v.SetDefault("llm_rate_limit", 1.0)
	v.SetDefault("github_api_url", "https://api.github.com")
	v.SetDefault("artifact_dir", "./data/artifacts")
	v.SetDefault("runtime", "docker")
	v.SetDefault("runtime_workdir", os.TempDir())
	v.SetDefault("runner_image", "mcr.microsoft.com/playwright:v1.48.0-jammy")
	v.SetDefault("kubernetes_namespace", "qarunner")
	v.SetDefault("rate_limit_rps", 10.0)
	v.SetDefault("rate_limit_burst", 20)
}

// Load reads configuration from the optional YAML file at path, then the environment.
// Environment variables win over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		StoreDriver:         strings.ToLower(v.GetString("store_driver")),
		DatabaseURL:         v.GetString("database_url"),
		SQLitePath:          v.GetString("sqlite_path"),
		HTTPPort:            v.GetInt("http_port"),
		ControllerURL:       v.GetString("controller_url"),
		WorkerID:            v.GetString("worker_id"),
		WorkerPollInterval:  v.GetDuration("worker_poll_interval"),
		WorkerStatsInterval: v.GetDuration("worker_stats_interval"),
		WorkerMaxBackoff:    v.GetDuration("worker_max_backoff"),
		JobMaxAttempts:      v.GetInt("job_max_attempts"),
		CleanupSchedule:     v.GetString("cleanup_schedule"),
		CleanupDays:         v.GetInt("cleanup_days"),
		RequeueErroredAfter: v.GetDuration("requeue_errored_after"),
		LeaseDuration:       v.GetDuration("lease_duration"),
		OTELEndpoint:        v.GetString("otel_endpoint"),
		LogMode:             v.GetString("log_mode"),
		RedisAddr:           v.GetString("redis_addr"),
		AnalysisCacheTTL:    v.GetDuration("analysis_cache_ttl"),
		LLMBaseURL:          v.GetString("llm_base_url"),
		LLMAPIKey:           v.GetString("llm_api_key"),
		LLMModel:            v.GetString("llm_model"),
		LLMRateLimit:        v.GetFloat64("llm_rate_limit"),
		GitHubToken:         v.GetString("github_token"),
		GitHubAPIURL:        v.GetString("github_api_url"),
		ArtifactBucket:      v.GetString("artifact_bucket"),
		ArtifactDir:         v.GetString("artifact_dir"),
		Runtime:             strings.ToLower(v.GetString("runtime")),
		RuntimeWorkDir:      v.GetString("runtime_workdir"),
		RunnerImage:         v.GetString("runner_image"),
		KubernetesNamespace: v.GetString("kubernetes_namespace"),
		RouteInventory:      v.GetString("route_inventory"),
		APITokenHashes:      stringList(v.Get("api_token_hashes")),
		RateLimitRPS:        v.GetFloat64("rate_limit_rps"),
		RateLimitBurst:      v.GetInt("rate_limit_burst"),
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required (env: DATABASE_URL)")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required (env: SQLITE_PATH)")
		}
	default:
		return fmt.Errorf("invalid store_driver %q: must be postgres or sqlite", c.StoreDriver)
	}

	switch c.Runtime {
	case "exec", "docker", "kubernetes":
	default:
		return fmt.Errorf("invalid runtime %q: must be exec, docker or kubernetes", c.Runtime)
	}

	if c.WorkerPollInterval <= 0 {
		return fmt.Errorf("worker_poll_interval must be positive")
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("job_max_attempts must be positive")
	}
	if c.CleanupDays <= 0 {
		return fmt.Errorf("cleanup_days must be positive")
	}
	return nil
}

// DefaultWorkerID builds hostname-pid-<8 hex chars>.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// stringList accepts either a YAML list or a comma-separated string.
func stringList(raw interface{}) []string {
	var parts []string
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []interface{}:
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = []string{fmt.Sprint(v)}
	}

	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
