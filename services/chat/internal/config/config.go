package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"threadstream/internal/tracer"
	"threadstream/pkg/registry"
)

// ConfigPath is the default config location, overridable with CHAT_CONFIG.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("CHAT_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	// RedisPrefix namespaces broker and rate limiter keys.
	RedisPrefix string `yaml:"redisPrefix"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWKSURL     string `yaml:"jwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	// CredentialsKey is the base64 32-byte key that opens stored provider keys.
	CredentialsKey string `yaml:"credentialsKey"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	AssetURLExpiry string `yaml:"assetURLExpiry"`

	CatalogPath       string                      `yaml:"catalogPath"`
	InternalProviders []registry.InternalProvider `yaml:"internalProviders"`
	TitleModel        string                      `yaml:"titleModel"`
	SystemPrompt      string                      `yaml:"systemPrompt"`
	MaxSteps          int                         `yaml:"maxSteps"`
	MaxOutputTokens   int                         `yaml:"maxOutputTokens"`

	BreakerMaxFailures uint32 `yaml:"breakerMaxFailures"`
	BreakerTimeout     string `yaml:"breakerTimeout"`

	ResumeWindow      string `yaml:"resumeWindow"`
	StreamActiveTTL   string `yaml:"streamActiveTTL"`
	StreamGraceTTL    string `yaml:"streamGraceTTL"`
	GenerationTimeout string `yaml:"generationTimeout"`
	StaleLiveAfter    string `yaml:"staleLiveAfter"`
	SweepSchedule     string `yaml:"sweepSchedule"`

	ChatRateLimitPerMinute   int `yaml:"chatRateLimitPerMinute"`
	ResumeRateLimitPerMinute int `yaml:"resumeRateLimitPerMinute"`

	SearchAPIURL string `yaml:"searchAPIURL"`
	SearchAPIKey string `yaml:"searchAPIKey"`

	CORSOrigins       []string      `yaml:"corsOrigins"`
	TrustedProxyCIDRs []string      `yaml:"trustedProxyCidrs"`
	Tracing           tracer.Config `yaml:"tracing"`
}

// Durations holds the parsed duration settings. Zero means "use the default".
type Durations struct {
	JWTLeeway         time.Duration
	AssetURLExpiry    time.Duration
	BreakerTimeout    time.Duration
	ResumeWindow      time.Duration
	StreamActiveTTL   time.Duration
	StreamGraceTTL    time.Duration
	GenerationTimeout time.Duration
	StaleLiveAfter    time.Duration
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
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString("CHAT_PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)
	setString("CHAT_JWT_SECRET", &cfg.JWTSecret)
	setString("CHAT_JWKS_URL", &cfg.JWKSURL)
	setString("JWT_ISSUER", &cfg.JWTIssuer)
	setString("JWT_AUDIENCE", &cfg.JWTAudience)
	setString("JWT_LEEWAY", &cfg.JWTLeeway)
	setString("CHAT_CREDENTIALS_KEY", &cfg.CredentialsKey)
	setString("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	setString("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	setString("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	setString("MINIO_BUCKET", &cfg.MinioBucket)
	if v := strings.TrimSpace(os.Getenv("MINIO_USE_SSL")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	setString("CHAT_CATALOG_PATH", &cfg.CatalogPath)
	setString("CHAT_TITLE_MODEL", &cfg.TitleModel)
	setString("CHAT_RESUME_WINDOW", &cfg.ResumeWindow)
	setString("CHAT_GENERATION_TIMEOUT", &cfg.GenerationTimeout)
	setString("CHAT_SWEEP_SCHEDULE", &cfg.SweepSchedule)
	setInt("CHAT_RATE_LIMIT_PER_MINUTE", &cfg.ChatRateLimitPerMinute)
	setInt("CHAT_RESUME_RATE_LIMIT_PER_MINUTE", &cfg.ResumeRateLimitPerMinute)
	setString("SEARCH_API_URL", &cfg.SearchAPIURL)
	setString("SEARCH_API_KEY", &cfg.SearchAPIKey)
	if v := os.Getenv("CHAT_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("CHAT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	// i3-openai reads I3_OPENAI_API_KEY.
	for i, p := range cfg.InternalProviders {
		setString(strings.ToUpper(strings.ReplaceAll(p.ID, "-", "_"))+"_API_KEY", &cfg.InternalProviders[i].APIKey)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	secret := strings.TrimSpace(cfg.JWTSecret)
	jwks := strings.TrimSpace(cfg.JWKSURL)
	if (secret == "") == (jwks == "") {
		return errors.New("config: exactly one of jwtSecret (CHAT_JWT_SECRET) or jwksURL (CHAT_JWKS_URL) is required")
	}
	if cfg.CredentialsKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.CredentialsKey)
		if err != nil || len(key) != 32 {
			return errors.New("config: credentialsKey must be 32 bytes, base64 encoded")
		}
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	for _, p := range cfg.InternalProviders {
		if !strings.HasPrefix(p.ID, "i3-") {
			return fmt.Errorf("config: internal provider %q must use the i3- prefix", p.ID)
		}
	}
	if cfg.ChatRateLimitPerMinute < 0 || cfg.ResumeRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxSteps < 0 || cfg.MaxOutputTokens < 0 {
		return errors.New("config: maxSteps and maxOutputTokens must be >= 0")
	}
	if cfg.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
			return fmt.Errorf("config: invalid sweepSchedule: %w", err)
		}
	}
	if _, err := cfg.ParseDurations(); err != nil {
		return err
	}
	return nil
}

// ParseDurations parses every duration field.
func (cfg FileConfig) ParseDurations() (Durations, error) {
	var d Durations
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"jwtLeeway", cfg.JWTLeeway, &d.JWTLeeway},
		{"assetURLExpiry", cfg.AssetURLExpiry, &d.AssetURLExpiry},
		{"breakerTimeout", cfg.BreakerTimeout, &d.BreakerTimeout},
		{"resumeWindow", cfg.ResumeWindow, &d.ResumeWindow},
		{"streamActiveTTL", cfg.StreamActiveTTL, &d.StreamActiveTTL},
		{"streamGraceTTL", cfg.StreamGraceTTL, &d.StreamGraceTTL},
		{"generationTimeout", cfg.GenerationTimeout, &d.GenerationTimeout},
		{"staleLiveAfter", cfg.StaleLiveAfter, &d.StaleLiveAfter},
	}
	for _, f := range fields {
		v, err := parseDuration(f.name, f.raw)
		if err != nil {
			return Durations{}, err
		}
		*f.dst = v
	}
	return d, nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", name)
	}
	return dur, nil
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
