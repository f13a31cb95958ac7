package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config application configuration
type Config struct {
	Port      int
	APIKey    string        // bearer key for the job API
	JWTSecret string        // HS256 secret for bearer JWTs; auth is off when both are empty
	RunSync   time.Duration // how long /runsync waits before returning the current status
	ResultTTL time.Duration // how long finished jobs stay readable
	LogLevel  string
	Redis     RedisConfig
	Comfy     ComfyConfig
	Workflow  WorkflowConfig
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port for the redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ComfyConfig ComfyUI pipeline configuration
type ComfyConfig struct {
	Host               string        `env:"COMFY_HOST"`
	PollingInterval    time.Duration `env:"COMFY_POLLING_INTERVAL_MS"`
	PollingMaxRetries  int           `env:"COMFY_POLLING_MAX_RETRIES"`
	CompletionTimeout  time.Duration `env:"COMFY_COMPLETION_TIMEOUT"`
	InterruptOnTimeout bool          `env:"COMFY_INTERRUPT_ON_TIMEOUT"`
}

// WorkflowConfig workflow template configuration
type WorkflowConfig struct {
	File     string `env:"WORKFLOW_FILE"`
	Template string `env:"WORKFLOW_TEMPLATE"`
}

// Load loads configuration
func Load() *Config {
	cfg := &Config{
		Port:      getEnvInt("PORT", 8080),
		APIKey:    getEnv("API_KEY", ""),
		JWTSecret: getEnv("API_JWT_SECRET", ""),
		RunSync:   time.Duration(getEnvInt("RUNSYNC_WAIT", 90)) * time.Second,
		ResultTTL: time.Duration(getEnvInt("JOB_RESULT_TTL", 1800)) * time.Second,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Comfy: ComfyConfig{
			Host:               getEnv("COMFY_HOST", "127.0.0.1:8188"),
			PollingInterval:    time.Duration(getEnvInt("COMFY_POLLING_INTERVAL_MS", 500)) * time.Millisecond,
			PollingMaxRetries:  getEnvInt("COMFY_POLLING_MAX_RETRIES", 2000),
			CompletionTimeout:  time.Duration(getEnvInt("COMFY_COMPLETION_TIMEOUT", 1800)) * time.Second,
			InterruptOnTimeout: getEnvBool("COMFY_INTERRUPT_ON_TIMEOUT", false),
		},
		Workflow: WorkflowConfig{
			File:     getEnv("WORKFLOW_FILE", "workflow_runpod.json"),
			Template: getEnv("WORKFLOW_TEMPLATE", "interpolate"),
		},
	}

	return cfg
}

// Validate validates configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Comfy.Host) == "" {
		return ErrComfyHostRequired
	}
	if c.Comfy.PollingMaxRetries <= 0 {
		return ErrPollingRetriesInvalid
	}
	if c.Comfy.CompletionTimeout <= 0 {
		return ErrCompletionTimeoutInvalid
	}
	if strings.TrimSpace(c.Workflow.File) == "" {
		return ErrWorkflowFileRequired
	}
	return nil
}

// configuration validation errors
var (
	ErrComfyHostRequired        = fmt.Errorf("comfy host is required")
	ErrPollingRetriesInvalid    = fmt.Errorf("comfy polling max retries must be positive")
	ErrCompletionTimeoutInvalid = fmt.Errorf("comfy completion timeout must be positive")
	ErrWorkflowFileRequired     = fmt.Errorf("workflow file is required")
)

// getEnv gets environment variable, returns default value if not exists
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets integer environment variable, returns default value if not exists
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets boolean environment variable, returns default value if not exists or invalid
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}
