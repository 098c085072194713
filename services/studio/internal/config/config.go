package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with GROKBUD_CONFIG.
var ConfigPath = envOr("GROKBUD_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	XAIBaseURL string `yaml:"xaiBaseURL"`
	XAIAPIKey  string `yaml:"xaiAPIKey"`

	LocalStore LocalStoreConfig `yaml:"localStore"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWKSURL     string `yaml:"jwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`

	Minio MinioConfig `yaml:"minio"`
	AMQP  AMQPConfig  `yaml:"amqp"`
	Video VideoConfig `yaml:"video"`

	SyncTimeoutSeconds           int      `yaml:"syncTimeoutSeconds"`
	GenerationRateLimitPerMinute int      `yaml:"generationRateLimitPerMinute"`
	CORSOrigins                  []string `yaml:"corsOrigins"`
	TrustedProxies               []string `yaml:"trustedProxies"`
}

// LocalStoreConfig picks where the AppState blob lives: sqlite (file at
// Path), redis (RedisAddr) or memory.
type LocalStoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type MinioConfig struct {
	Endpoint             string `yaml:"endpoint"`
	AccessKey            string `yaml:"accessKey"`
	SecretKey            string `yaml:"secretKey"`
	Bucket               string `yaml:"bucket"`
	UseSSL               bool   `yaml:"useSSL"`
	PresignExpiryMinutes int    `yaml:"presignExpiryMinutes"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type VideoConfig struct {
	Model               string `yaml:"model"`
	PollIntervalSeconds int    `yaml:"pollIntervalSeconds"`
	MaxAttempts         int    `yaml:"maxAttempts"`
	MaxPollErrors       int    `yaml:"maxPollErrors"`
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Defaults returns the configuration used when no file exists.
func Defaults() FileConfig {
	return FileConfig{
		Port:       "8787",
		LogLevel:   "info",
		XAIBaseURL: "https://api.x.ai/v1",
		LocalStore: LocalStoreConfig{Backend: BackendSQLite, Path: "data/grok-bud.db"},
		Minio:      MinioConfig{Bucket: "grok-bud", PresignExpiryMinutes: 15},
		AMQP:       AMQPConfig{Exchange: "grokbud.events"},
		Video: VideoConfig{
			PollIntervalSeconds: 5,
			MaxAttempts:         120,
			MaxPollErrors:       3,
		},
		SyncTimeoutSeconds:           10,
		GenerationRateLimitPerMinute: 20,
		CORSOrigins:                  []string{"http://localhost:5173"},
	}
}

// Load reads config from path (defaults to ConfigPath). A missing file is not
// an error: defaults plus environment overrides apply.
func Load(path string) (FileConfig, error) {
	cfg := Defaults()
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	strs := []struct {
		env string
		dst *string
	}{
		{"GROKBUD_PORT", &cfg.Port},
		{"GROKBUD_LOG_LEVEL", &cfg.LogLevel},
		{"XAI_BASE_URL", &cfg.XAIBaseURL},
		{"XAI_API_KEY", &cfg.XAIAPIKey},
		{"GROKBUD_LOCAL_BACKEND", &cfg.LocalStore.Backend},
		{"GROKBUD_LOCAL_PATH", &cfg.LocalStore.Path},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"GROKBUD_JWT_SECRET", &cfg.JWTSecret},
		{"GROKBUD_JWKS_URL", &cfg.JWKSURL},
		{"GROKBUD_JWT_ISSUER", &cfg.JWTIssuer},
		{"GROKBUD_MINIO_ENDPOINT", &cfg.Minio.Endpoint},
		{"GROKBUD_MINIO_ACCESS_KEY", &cfg.Minio.AccessKey},
		{"GROKBUD_MINIO_SECRET_KEY", &cfg.Minio.SecretKey},
		{"GROKBUD_MINIO_BUCKET", &cfg.Minio.Bucket},
		{"GROKBUD_AMQP_URL", &cfg.AMQP.URL},
		{"GROKBUD_VIDEO_MODEL", &cfg.Video.Model},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"GROKBUD_VIDEO_POLL_INTERVAL_SECONDS", &cfg.Video.PollIntervalSeconds},
		{"GROKBUD_VIDEO_MAX_ATTEMPTS", &cfg.Video.MaxAttempts},
		{"GROKBUD_GENERATION_RATE_LIMIT_PER_MINUTE", &cfg.GenerationRateLimitPerMinute},
	}
	for _, s := range ints {
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s must be an integer: %w", s.env, err)
		}
		*s.dst = n
	}
	if v := os.Getenv("GROKBUD_MINIO_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: GROKBUD_MINIO_USE_SSL must be a boolean: %w", err)
		}
		cfg.Minio.UseSSL = b
	}
	if v := os.Getenv("GROKBUD_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	return nil
}

func normalize(cfg *FileConfig) {
	cfg.Port = strings.TrimSpace(cfg.Port)
	cfg.LocalStore.Backend = strings.ToLower(strings.TrimSpace(cfg.LocalStore.Backend))
	if cfg.LocalStore.Backend == "" {
		cfg.LocalStore.Backend = BackendSQLite
	}
	cfg.XAIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.XAIBaseURL), "/")
	cfg.XAIAPIKey = strings.TrimSpace(cfg.XAIAPIKey)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or GROKBUD_PORT)")
	}
	if n, err := strconv.Atoi(cfg.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("config: port %q is not a valid TCP port", cfg.Port)
	}
	if cfg.XAIBaseURL == "" {
		return errors.New("config: xaiBaseURL is required")
	}
	if u, err := url.Parse(cfg.XAIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: xaiBaseURL %q is not an absolute URL", cfg.XAIBaseURL)
	}
	switch cfg.LocalStore.Backend {
	case BackendSQLite:
		if strings.TrimSpace(cfg.LocalStore.Path) == "" {
			return errors.New("config: localStore.path is required for the sqlite backend")
		}
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis local store backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown localStore.backend %q (want sqlite, redis or memory)", cfg.LocalStore.Backend)
	}
	if cfg.JWTSecret != "" && cfg.JWKSURL != "" {
		return errors.New("config: set only one of jwtSecret and jwksURL")
	}
	if cfg.Minio.Endpoint != "" {
		if cfg.Minio.Bucket == "" || cfg.Minio.AccessKey == "" || cfg.Minio.SecretKey == "" {
			return errors.New("config: minio.bucket, minio.accessKey and minio.secretKey are required when minio.endpoint is set")
		}
	}
	if cfg.AMQP.URL != "" && cfg.AMQP.Exchange == "" {
		return errors.New("config: amqp.exchange is required when amqp.url is set")
	}
	if cfg.Video.PollIntervalSeconds <= 0 || cfg.Video.MaxAttempts <= 0 || cfg.Video.MaxPollErrors <= 0 {
		return errors.New("config: video.pollIntervalSeconds, video.maxAttempts and video.maxPollErrors must be positive")
	}
	if cfg.GenerationRateLimitPerMinute < 0 {
		return errors.New("config: generationRateLimitPerMinute must not be negative")
	}
	if cfg.SyncTimeoutSeconds <= 0 {
		return errors.New("config: syncTimeoutSeconds must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
