package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file; DAILY_LOG_CONFIG overrides it.
var ConfigPath = "config.yaml"

const (
	defaultSuggestionModel    = "gemini-2.5-pro"
	defaultTranscriptionModel = "gemini-2.5-flash"
	defaultFeedChannel        = "daily_log:changes"
	defaultEnrichmentSeconds  = 90
	defaultSessionIdleMinutes = 30
	defaultMaxAudioBytes      = 10 << 20
)

// MinioConfig configures the optional voice-note archive.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Enabled reports whether an archive endpoint is configured.
func (m MinioConfig) Enabled() bool {
	return strings.TrimSpace(m.Endpoint) != ""
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string      `yaml:"port"`
	LogLevel                 string      `yaml:"logLevel"`
	StoreDriver              string      `yaml:"storeDriver"`
	DatabaseURL              string      `yaml:"databaseURL"`
	FeedDriver               string      `yaml:"feedDriver"`
	FeedChannel              string      `yaml:"feedChannel"`
	RedisAddr                string      `yaml:"redisAddr"`
	RedisPassword            string      `yaml:"redisPassword"`
	AMQPURL                  string      `yaml:"amqpURL"`
	ClientStoreDriver        string      `yaml:"clientStoreDriver"`
	AppPassword              string      `yaml:"appPassword"`
	GeminiAPIKey             string      `yaml:"geminiAPIKey"`
	GenerationProvider       string      `yaml:"generationProvider"`
	GenerationBaseURL        string      `yaml:"generationBaseURL"`
	GenerationAPIKey         string      `yaml:"generationAPIKey"`
	SuggestionModel          string      `yaml:"suggestionModel"`
	TranscriptionModel       string      `yaml:"transcriptionModel"`
	EnrichmentTimeoutSeconds int         `yaml:"enrichmentTimeoutSeconds"`
	Timezone                 string      `yaml:"timezone"`
	MaxAudioBytes            int64       `yaml:"maxAudioBytes"`
	VoiceRateLimitPerMinute  int         `yaml:"voiceRateLimitPerMinute"`
	SessionIdleMinutes       int         `yaml:"sessionIdleMinutes"`
	CookieSecure             bool        `yaml:"cookieSecure"`
	TrustedProxyCIDRs        []string    `yaml:"trustedProxyCidrs"`
	AllowedOrigins           []string    `yaml:"allowedOrigins"`
	Minio                    MinioConfig `yaml:"minio"`
}

// Path returns the config file to load.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("DAILY_LOG_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to Path()).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = Path()
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
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("DAILY_LOG_PASSWORD"); v != "" {
		cfg.AppPassword = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("GENERATION_PROVIDER"); v != "" {
		cfg.GenerationProvider = strings.TrimSpace(v)
	}
	if v := os.Getenv("GENERATION_BASE_URL"); v != "" {
		cfg.GenerationBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("GENERATION_API_KEY"); v != "" {
		cfg.GenerationAPIKey = v
	}
	if v := os.Getenv("DAILY_LOG_TIMEZONE"); v != "" {
		cfg.Timezone = strings.TrimSpace(v)
	}
	if v := os.Getenv("DAILY_LOG_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("DAILY_LOG_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("DAILY_LOG_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CookieSecure = b
		}
	}
	if v := os.Getenv("DAILY_LOG_MAX_AUDIO_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxAudioBytes = n
		}
	}
	if v := os.Getenv("DAILY_LOG_VOICE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.VoiceRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Minio.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Minio.UseSSL = b
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	if cfg.FeedDriver == "" {
		cfg.FeedDriver = "redis"
	}
	if cfg.FeedChannel == "" {
		cfg.FeedChannel = defaultFeedChannel
	}
	if cfg.ClientStoreDriver == "" {
		cfg.ClientStoreDriver = "redis"
	}
	if cfg.GenerationProvider == "" {
		cfg.GenerationProvider = "gemini"
	}
	if cfg.SuggestionModel == "" {
		cfg.SuggestionModel = defaultSuggestionModel
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = defaultTranscriptionModel
	}
	if cfg.EnrichmentTimeoutSeconds == 0 {
		cfg.EnrichmentTimeoutSeconds = defaultEnrichmentSeconds
	}
	if cfg.SessionIdleMinutes == 0 {
		cfg.SessionIdleMinutes = defaultSessionIdleMinutes
	}
	if cfg.MaxAudioBytes == 0 {
		cfg.MaxAudioBytes = defaultMaxAudioBytes
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if strings.TrimSpace(cfg.AppPassword) == "" {
		return errors.New("config: appPassword is required (set in config.yaml or DAILY_LOG_PASSWORD)")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeDriver postgres (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q (postgres|memory)", cfg.StoreDriver)
	}
	if cfg.VoiceRateLimitPerMinute < 0 {
		return errors.New("config: voiceRateLimitPerMinute must be >= 0")
	}
	needsRedis := cfg.ClientStoreDriver == "redis" || cfg.VoiceRateLimitPerMinute > 0
	switch cfg.FeedDriver {
	case "redis":
		needsRedis = true
	case "amqp":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required for feedDriver amqp (set in config.yaml or AMQP_URL)")
		}
	case "memory":
		if cfg.StoreDriver != "memory" {
			return errors.New("config: feedDriver memory only works with storeDriver memory")
		}
	default:
		return fmt.Errorf("config: unknown feedDriver %q (redis|amqp|memory)", cfg.FeedDriver)
	}
	switch cfg.ClientStoreDriver {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown clientStoreDriver %q (redis|memory)", cfg.ClientStoreDriver)
	}
	if needsRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the redis feed, client store or voice rate limit (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.GenerationProvider {
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
		}
	case "ollama", "openai-compat":
		if strings.TrimSpace(cfg.GenerationBaseURL) == "" {
			return fmt.Errorf("config: generationBaseURL is required for generationProvider %s", cfg.GenerationProvider)
		}
	default:
		return fmt.Errorf("config: unknown generationProvider %q (gemini|ollama|openai-compat)", cfg.GenerationProvider)
	}
	if cfg.EnrichmentTimeoutSeconds < 0 {
		return errors.New("config: enrichmentTimeoutSeconds must be >= 0")
	}
	if cfg.SessionIdleMinutes < 0 {
		return errors.New("config: sessionIdleMinutes must be >= 0")
	}
	if cfg.MaxAudioBytes < 0 {
		return errors.New("config: maxAudioBytes must be >= 0")
	}
	if _, err := ParseLocation(cfg.Timezone); err != nil {
		return err
	}
	if cfg.Minio.Enabled() && strings.TrimSpace(cfg.Minio.Bucket) == "" {
		return errors.New("config: minio.bucket is required when minio.endpoint is set")
	}
	return nil
}

// EnrichmentTimeout returns the per-branch deadline of the enrichment pipeline.
func (c FileConfig) EnrichmentTimeout() time.Duration {
	return time.Duration(c.EnrichmentTimeoutSeconds) * time.Second
}

// SessionIdleTimeout is how long an unwatched session is kept without requests.
func (c FileConfig) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

// ParseLocation resolves an IANA zone name. Empty means the host zone.
func ParseLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone %q: %w", name, err)
	}
	return loc, nil
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
