package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the SwarmDirector service. It supports
// three-layer priority:
//  1. Default values (lowest)
//  2. Config file, then environment variables
//  3. Functional options (highest)
//
// All values are consumed at startup; hot reload is not supported.
type Config struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`

	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Engine     EngineConfig     `yaml:"engine"`
	Director   DirectorConfig   `yaml:"director"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Throttling ThrottlingConfig `yaml:"throttling"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig contains HTTP server timeouts and CORS settings.
type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSEnabled     bool          `yaml:"cors_enabled"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// DatabaseConfig selects and configures the task repository backend.
type DatabaseConfig struct {
	// Driver is "memory" or "postgres".
	Driver   string        `yaml:"driver"`
	URL      string        `yaml:"url"`
	MaxConns int32         `yaml:"max_conns"`
	MinConns int32         `yaml:"min_conns"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisConfig configures the optional Redis backends (classification
// cache).
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig configures the request admission queue.
type QueueConfig struct {
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	MaxQueueSize          int           `yaml:"max_queue_size"`
	BackpressureThreshold float64       `yaml:"backpressure_threshold"`
	ResumeThreshold       float64       `yaml:"resume_threshold"`
	DefaultTimeout        time.Duration `yaml:"default_timeout"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`

	// Per-client admission rate limiting (token bucket).
	ClientRatePerSecond float64 `yaml:"client_rate_per_second"`
	ClientBurst         int     `yaml:"client_burst"`

	// GroupLimits caps concurrent workers per process group.
	GroupLimits map[string]int `yaml:"group_limits"`
}

// EngineConfig configures the async task engine.
type EngineConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	MaxQueueSize       int           `yaml:"max_queue_size"`
	WorkerThreadCount  int           `yaml:"worker_thread_count"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	BackpressureRatio  float64       `yaml:"backpressure_ratio"`
}

// DirectorConfig configures the Director state machine and routing.
type DirectorConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	EnableAutoRetry    bool          `yaml:"enable_auto_retry"`
	MaxRetries         int           `yaml:"max_retries"`
	RoutingThreshold   float64       `yaml:"routing_threshold"`
	FallbackDepartment string        `yaml:"fallback_department"`
	MaxParallelAgents  int           `yaml:"max_parallel_agents"`
	MaintenanceDrain   time.Duration `yaml:"maintenance_drain"`
	HandlerTimeout     time.Duration `yaml:"handler_timeout"`
}

// ClassifierConfig configures intent classification.
type ClassifierConfig struct {
	LLMEnabled bool `yaml:"llm_enabled"`
	// CacheBackend is "memory" or "redis".
	CacheBackend string        `yaml:"cache_backend"`
	CacheMaxAge  time.Duration `yaml:"cache_max_age"`
	// MaxExamplesPerIntent bounds training examples in the LLM prompt.
	MaxExamplesPerIntent int    `yaml:"max_examples_per_intent"`
	APIKey               string `yaml:"api_key"`
}

// ThrottlingConfig configures the adaptive throttling controller.
type ThrottlingConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MinConcurrency     int           `yaml:"min_concurrency"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
	AdjustmentInterval time.Duration `yaml:"adjustment_interval"`
	SmoothingWindow    int           `yaml:"smoothing_window"`
	EnablePrediction   bool          `yaml:"enable_prediction"`
	PredictionHorizon  time.Duration `yaml:"prediction_horizon"`
	HistorySize        int           `yaml:"history_size"`
}

// MonitorConfig configures system resource sampling and thresholds.
type MonitorConfig struct {
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	HistorySize      int           `yaml:"history_size"`

	CPUWarning      float64 `yaml:"cpu_warning"`
	CPUCritical     float64 `yaml:"cpu_critical"`
	CPUEmergency    float64 `yaml:"cpu_emergency"`
	MemoryWarning   float64 `yaml:"memory_warning"`
	MemoryCritical  float64 `yaml:"memory_critical"`
	MemoryEmergency float64 `yaml:"memory_emergency"`
	DiskWarning     float64 `yaml:"disk_warning"`
	DiskCritical    float64 `yaml:"disk_critical"`
	DiskEmergency   float64 `yaml:"disk_emergency"`
}

// LoggingConfig configures the production logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json", "text", or "" for auto-detect
}

// Option is a functional configuration option.
type Option func(*Config) error

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "swarm-director",
		Port: 8080,
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "memory",
			MaxConns: 20,
			MinConns: 2,
			Timeout:  5 * time.Second,
		},
		Queue: QueueConfig{
			MaxConcurrentRequests: 10,
			MaxQueueSize:          200,
			BackpressureThreshold: 0.8,
			ResumeThreshold:       0.3,
			DefaultTimeout:        30 * time.Second,
			CleanupInterval:       300 * time.Second,
			ClientRatePerSecond:   50,
			ClientBurst:           20,
			GroupLimits: map[string]int{
				GroupTaskProcessing:  8,
				GroupAgentOperations: 4,
				GroupAnalytics:       3,
				GroupStreaming:       4,
				GroupGeneral:         5,
			},
		},
		Engine: EngineConfig{
			MaxConcurrentTasks: 8,
			MaxQueueSize:       100,
			WorkerThreadCount:  4,
			DefaultTimeout:     300 * time.Second,
			CleanupInterval:    300 * time.Second,
			ShutdownGrace:      30 * time.Second,
			BackpressureRatio:  0.8,
		},
		Director: DirectorConfig{
			MaxConcurrentTasks: 10,
			EnableAutoRetry:    true,
			MaxRetries:         3,
			RoutingThreshold:   0.7,
			FallbackDepartment: string(IntentCoordination),
			MaxParallelAgents:  3,
			MaintenanceDrain:   30 * time.Second,
			HandlerTimeout:     120 * time.Second,
		},
		Classifier: ClassifierConfig{
			LLMEnabled:           false,
			CacheBackend:         "memory",
			CacheMaxAge:          24 * time.Hour,
			MaxExamplesPerIntent: 3,
		},
		Throttling: ThrottlingConfig{
			Enabled:            true,
			MinConcurrency:     1,
			MaxConcurrency:     50,
			AdjustmentInterval: 5 * time.Second,
			SmoothingWindow:    3,
			EnablePrediction:   true,
			PredictionHorizon:  30 * time.Second,
			HistorySize:        500,
		},
		Monitor: MonitorConfig{
			SamplingInterval: time.Second,
			HistorySize:      300,
			CPUWarning:       70, CPUCritical: 85, CPUEmergency: 95,
			MemoryWarning: 75, MemoryCritical: 90, MemoryEmergency: 98,
			DiskWarning: 80, DiskCritical: 90, DiskEmergency: 95,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// LoadFromEnv overrides configuration from SWARM_* environment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SWARM_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("SWARM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}

	// Persistence
	if v := os.Getenv("SWARM_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("SWARM_DATABASE_URL"); v != "" {
		c.Database.URL = v
		if c.Database.Driver == "" || c.Database.Driver == "memory" {
			c.Database.Driver = "postgres"
		}
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("SWARM_DATABASE_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Database.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("SWARM_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	// Queue
	if v := os.Getenv("SWARM_MAX_CONCURRENT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxConcurrentRequests = n
		}
	}
	if v := os.Getenv("SWARM_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxQueueSize = n
		}
	}
	if v := os.Getenv("SWARM_BACKPRESSURE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Queue.BackpressureThreshold = f
		}
	}

	// Engine
	if v := os.Getenv("SWARM_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxConcurrentTasks = n
			c.Director.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("SWARM_WORKER_THREAD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.WorkerThreadCount = n
		}
	}
	if v := os.Getenv("SWARM_TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.DefaultTimeout = time.Duration(n) * time.Second
		}
	}

	// Director
	if v := os.Getenv("SWARM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Director.MaxRetries = n
		}
	}
	if v := os.Getenv("SWARM_ROUTING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Director.RoutingThreshold = f
		}
	}
	if v := os.Getenv("SWARM_FALLBACK_DEPARTMENT"); v != "" {
		c.Director.FallbackDepartment = v
	}

	// Classifier
	if v := os.Getenv("SWARM_CLASSIFIER_LLM_ENABLED"); v != "" {
		c.Classifier.LLMEnabled = parseBool(v)
	}
	if v := os.Getenv("SWARM_CLASSIFIER_API_KEY"); v != "" {
		c.Classifier.APIKey = v
		c.Classifier.LLMEnabled = true
	}
	if v := os.Getenv("SWARM_CLASSIFIER_CACHE_BACKEND"); v != "" {
		c.Classifier.CacheBackend = v
	}

	// Throttling
	if v := os.Getenv("SWARM_THROTTLING_ENABLED"); v != "" {
		c.Throttling.Enabled = parseBool(v)
	}
	if v := os.Getenv("SWARM_MIN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Throttling.MinConcurrency = n
		}
	}
	if v := os.Getenv("SWARM_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Throttling.MaxConcurrency = n
		}
	}

	// Logging
	if v := os.Getenv("SWARM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SWARM_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	return nil
}

// LoadFromFile merges a YAML config file into the configuration.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue max_queue_size must be positive")
	}
	if c.Queue.BackpressureThreshold <= 0 || c.Queue.BackpressureThreshold > 1 {
		return fmt.Errorf("backpressure_threshold must be in (0,1]")
	}
	if c.Queue.ResumeThreshold < 0 || c.Queue.ResumeThreshold >= c.Queue.BackpressureThreshold {
		return fmt.Errorf("resume_threshold must be below backpressure_threshold")
	}
	if c.Engine.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("engine max_concurrent_tasks must be positive")
	}
	if c.Throttling.MinConcurrency < 1 {
		return fmt.Errorf("min_concurrency must be at least 1")
	}
	if c.Throttling.MaxConcurrency < c.Throttling.MinConcurrency {
		return fmt.Errorf("max_concurrency below min_concurrency")
	}
	if c.Director.RoutingThreshold < 0 || c.Director.RoutingThreshold > 1 {
		return fmt.Errorf("routing_threshold must be in [0,1]")
	}
	if !ValidIntent(c.Director.FallbackDepartment) {
		return fmt.Errorf("unknown fallback department %q", c.Director.FallbackDepartment)
	}
	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("postgres driver requires database url")
	}
	return nil
}

// NewConfig builds a validated configuration from defaults, environment,
// and functional options (in increasing priority).
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("SWARM_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) error {
		c.Port = port
		return nil
	}
}

// WithDatabaseURL selects the postgres repository backend.
func WithDatabaseURL(url string) Option {
	return func(c *Config) error {
		c.Database.Driver = "postgres"
		c.Database.URL = url
		return nil
	}
}

// WithRedisURL configures the Redis backend used by the classification
// cache.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithLLMClassifier enables LLM-assisted classification.
func WithLLMClassifier(apiKey string) Option {
	return func(c *Config) error {
		c.Classifier.LLMEnabled = true
		c.Classifier.APIKey = apiKey
		return nil
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
