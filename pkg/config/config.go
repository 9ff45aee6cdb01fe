package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Auth      AuthConfig
	Retention RetentionConfig
	CORS      CORSConfig
	Log       LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig controls access token signing and credential lifetimes.
type JWTConfig struct {
	Secret             string
	Issuer             string
	Audience           []string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// AuthConfig tunes login throttling and refresh device checks.
type AuthConfig struct {
	StrictDeviceCheck bool
	MaxLoginAttempts  int
	LoginAttemptTTL   time.Duration
}

// RetentionConfig governs the background purge of stale credentials.
type RetentionConfig struct {
	SweepInterval        time.Duration
	TokenRetentionDays   int
	SessionRetentionDays int
	SweepRetries         int
	SweepRetryDelay      time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:             v.GetString("JWT_SECRET"),
		Issuer:             v.GetString("JWT_ISSUER"),
		Audience:           splitAndTrim(v.GetString("JWT_AUDIENCE")),
		AccessTokenExpiry:  parseDuration(v.GetString("ACCESS_TOKEN_EXPIRATION"), time.Hour),
		RefreshTokenExpiry: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 168*time.Hour),
	}

	cfg.Auth = AuthConfig{
		StrictDeviceCheck: v.GetBool("AUTH_STRICT_DEVICE_CHECK"),
		MaxLoginAttempts:  v.GetInt("AUTH_MAX_LOGIN_ATTEMPTS"),
		LoginAttemptTTL:   parseDuration(v.GetString("AUTH_LOGIN_ATTEMPT_WINDOW"), 15*time.Minute),
	}

	cfg.Retention = RetentionConfig{
		SweepInterval:        parseDuration(v.GetString("RETENTION_SWEEP_INTERVAL"), time.Hour),
		TokenRetentionDays:   v.GetInt("TOKEN_RETENTION_DAYS"),
		SessionRetentionDays: v.GetInt("SESSION_RETENTION_DAYS"),
		SweepRetries:         v.GetInt("RETENTION_SWEEP_RETRIES"),
		SweepRetryDelay:      parseDuration(v.GetString("RETENTION_SWEEP_RETRY_DELAY"), 30*time.Second),
	}

	cfg.CORS = CORSConfig{
		AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS")),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "identity")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "identity-api")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("ACCESS_TOKEN_EXPIRATION", "1h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("AUTH_STRICT_DEVICE_CHECK", false)
	v.SetDefault("AUTH_MAX_LOGIN_ATTEMPTS", 5)
	v.SetDefault("AUTH_LOGIN_ATTEMPT_WINDOW", "15m")

	v.SetDefault("RETENTION_SWEEP_INTERVAL", "1h")
	v.SetDefault("TOKEN_RETENTION_DAYS", 30)
	v.SetDefault("SESSION_RETENTION_DAYS", 7)
	v.SetDefault("RETENTION_SWEEP_RETRIES", 3)
	v.SetDefault("RETENTION_SWEEP_RETRY_DELAY", "30s")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
