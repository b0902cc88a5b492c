package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Port               string
	DBUrl              string
	RedisURL           string
	JWTSecret          string
	SupabaseURL        string
	SupabaseBucket     string
	SupabaseServiceKey string
	AppEnv             string
	LogLevel           zapcore.Level
	CORSAllowOrigins   string
	RealtimeTokenTTL   time.Duration
	WSPingInterval     time.Duration
	WSPongWait         time.Duration
	EnableDevAuth      bool

	// EnvFileLoaded reports whether a .env file was found; main logs it once
	// the logger exists.
	EnvFileLoaded bool
}

func LoadConfig() (*Config, error) {
	envLoaded := godotenv.Load() == nil

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	level, err := zapcore.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DBUrl:              getEnv("DB_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		JWTSecret:          jwtSecret,
		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseBucket:     getEnv("SUPABASE_BUCKET", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		AppEnv:             normalizeEnv(getEnv("APP_ENV", "production")),
		LogLevel:           level,
		CORSAllowOrigins:   getEnv("CORS_ALLOW_ORIGINS", "*"),
		RealtimeTokenTTL:   getEnvDuration("REALTIME_TOKEN_TTL", 5*time.Minute),
		WSPingInterval:     getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSPongWait:         getEnvDuration("WS_PONG_WAIT", 60*time.Second),
		EnableDevAuth:      getEnvBool("ENABLE_DEV_AUTH", true),
		EnvFileLoaded:      envLoaded,
	}

	if cfg.DBUrl == "" && !cfg.IsDevelopment() {
		return nil, fmt.Errorf("DB_URL is required outside development")
	}
	if cfg.WSPongWait <= cfg.WSPingInterval {
		return nil, fmt.Errorf("WS_PONG_WAIT (%s) must be longer than WS_PING_INTERVAL (%s)", cfg.WSPongWait, cfg.WSPingInterval)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

// StorageEnabled reports whether all Supabase settings are present.
func (c *Config) StorageEnabled() bool {
	return c != nil && c.SupabaseURL != "" && c.SupabaseBucket != "" && c.SupabaseServiceKey != ""
}

// DevAuthEnabled gates the directory seeding and token minting endpoints.
func (c *Config) DevAuthEnabled() bool {
	return c.IsDevelopment() && c.EnableDevAuth
}
