package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the service config file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	LogsDir       string `yaml:"logsDir"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	// StreamLog selects the delta log backend: redis, database or memory.
	StreamLog                      string `yaml:"streamLog"`
	StreamInactivityTimeoutSeconds int    `yaml:"streamInactivityTimeoutSeconds"`
	StreamRetentionHours           int    `yaml:"streamRetentionHours"`
	StreamPruneIntervalMinutes     int    `yaml:"streamPruneIntervalMinutes"`

	// Provider selects the inference backend: openai, ollama or scripted.
	Provider       string  `yaml:"provider"`
	BaseURL        string  `yaml:"baseURL"`
	APIKey         string  `yaml:"apiKey"`
	ChatModel      string  `yaml:"chatModel"`
	ReasoningModel string  `yaml:"reasoningModel"`
	TitleModel     string  `yaml:"titleModel"`
	ArtifactModel  string  `yaml:"artifactModel"`
	MaxTokens      int     `yaml:"maxTokens"`
	Temperature    float64 `yaml:"temperature"`
	ImageBaseURL   string  `yaml:"imageBaseURL"`
	ImageModel     string  `yaml:"imageModel"`
	ImageSize      string  `yaml:"imageSize"`
	MaxToolSteps   int     `yaml:"maxToolSteps"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	GuestMessagesPerDay     int `yaml:"guestMessagesPerDay"`
	RegularMessagesPerDay   int `yaml:"regularMessagesPerDay"`
	GuestRateLimitPerMinute int `yaml:"guestRateLimitPerMinute"`

	JWTSecret         string   `yaml:"jwtSecret"`
	JWTIssuer         string   `yaml:"jwtIssuer"`
	JWTAudience       string   `yaml:"jwtAudience"`
	JWTLeeway         string   `yaml:"jwtLeeway"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CHAT_PROVIDER"); v != "" {
		cfg.Provider = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_BASE_URL"); v != "" {
		cfg.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_STREAM_LOG"); v != "" {
		cfg.StreamLog = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_STREAM_INACTIVITY_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.StreamInactivityTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CHAT_STREAM_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.StreamRetentionHours = n
		}
	}
	if v := os.Getenv("CHAT_MAX_TOOL_STEPS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MaxToolSteps = n
		}
	}
	if v := os.Getenv("CHAT_GUEST_MESSAGES_PER_DAY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.GuestMessagesPerDay = n
		}
	}
	if v := os.Getenv("CHAT_REGULAR_MESSAGES_PER_DAY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.RegularMessagesPerDay = n
		}
	}
	if v := os.Getenv("CHAT_MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("CHAT_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("CHAT_MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("CHAT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("CHAT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StreamLog == "" {
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			cfg.StreamLog = "redis"
		} else {
			cfg.StreamLog = "database"
		}
	}
	if cfg.StreamInactivityTimeoutSeconds == 0 {
		cfg.StreamInactivityTimeoutSeconds = 120
	}
	if cfg.StreamRetentionHours == 0 {
		cfg.StreamRetentionHours = 24
	}
	if cfg.StreamPruneIntervalMinutes == 0 {
		cfg.StreamPruneIntervalMinutes = 15
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.MaxToolSteps == 0 {
		cfg.MaxToolSteps = 5
	}
	if cfg.GuestRateLimitPerMinute == 0 {
		cfg.GuestRateLimitPerMinute = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.StreamLog {
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required when streamLog is redis")
		}
	case "database", "memory":
	default:
		return fmt.Errorf("config: unknown streamLog %q (redis, database or memory)", cfg.StreamLog)
	}
	if cfg.StreamInactivityTimeoutSeconds < 0 || cfg.StreamRetentionHours < 0 || cfg.StreamPruneIntervalMinutes < 0 {
		return errors.New("config: stream timeouts must be >= 0")
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai", "openai-compat":
		if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
			return errors.New("config: apiKey is required for the openai provider (set in config.yaml or OPENAI_API_KEY)")
		}
		if cfg.ChatModel == "" {
			return errors.New("config: chatModel is required (set in config.yaml)")
		}
	case "ollama":
		if cfg.ChatModel == "" {
			return errors.New("config: chatModel is required (set in config.yaml)")
		}
	case "scripted":
	default:
		return fmt.Errorf("config: unknown provider %q", cfg.Provider)
	}
	if cfg.MaxToolSteps < 1 {
		return errors.New("config: maxToolSteps must be >= 1")
	}
	if cfg.GuestMessagesPerDay < 0 || cfg.RegularMessagesPerDay < 0 || cfg.GuestRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 16 {
		return errors.New("config: jwtSecret must be at least 16 characters (set in config.yaml or CHAT_JWT_SECRET)")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	return nil
}

// InactivityTimeout returns the stream inactivity window.
func (c FileConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.StreamInactivityTimeoutSeconds) * time.Second
}

// Retention returns how long stream records and delta logs are kept.
func (c FileConfig) Retention() time.Duration {
	return time.Duration(c.StreamRetentionHours) * time.Hour
}

// PruneInterval returns how often expired streams are pruned.
func (c FileConfig) PruneInterval() time.Duration {
	return time.Duration(c.StreamPruneIntervalMinutes) * time.Minute
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
