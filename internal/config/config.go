package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Auth     AuthConfig     `json:"auth"`
	Tracking TrackingConfig `json:"tracking"`
	Upstream UpstreamConfig `json:"upstream"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
	LogLevel    string `json:"log_level"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	JWTSecret      string `json:"jwt_secret"`
	JWTExpiryHours int    `json:"jwt_expiry_hours"`
}

// Controls what the request tracker captures and keeps
type TrackingConfig struct {
	DecodeRequestBody bool     `json:"decode_request_body"`
	PathLength        int      `json:"path_length"`
	UsernameLength    int      `json:"username_length"`
	SensitiveFields   []string `json:"sensitive_fields"`
	LoggingMethods    []string `json:"logging_methods"` // empty means log all methods
	BufferSize        int      `json:"buffer_size"`
	BatchSize         int      `json:"batch_size"`
	FlushIntervalSecs int      `json:"flush_interval_secs"`
	RetentionDays     int      `json:"retention_days"`
	RecentListMax     int      `json:"recent_list_max"`
	AdminRateLimit    int      `json:"admin_rate_limit"` // requests per minute
}

type UpstreamConfig struct {
	Target string `json:"target"` // base URL the gateway forwards audited calls to
}

func (r *RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

// Loads configuration from an optional JSON file, then applies
// environment variable overrides on top.
func Load(path string) (*Config, error) {
	config := defaults()

	if file, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(file, config); err != nil {
			return nil, err
		}
	}

	applyEnv(config)

	return config, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Environment: "development",
			LogLevel:    "info",
		},
		Database: DatabaseConfig{
			DSN: "host=localhost user=postgres password=postgres dbname=apitrail port=5432 sslmode=disable",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Auth: AuthConfig{
			JWTExpiryHours: 24,
		},
		Tracking: TrackingConfig{
			DecodeRequestBody: true,
			PathLength:        200,
			UsernameLength:    200,
			BufferSize:        1000,
			BatchSize:         100,
			FlushIntervalSecs: 5,
			RetentionDays:     30,
			RecentListMax:     1000,
			AdminRateLimit:    60,
		},
	}
}

func applyEnv(config *Config) {
	envString("SERVER_PORT", &config.Server.Port)
	envString("ENVIRONMENT", &config.Server.Environment)
	envString("LOG_LEVEL", &config.Server.LogLevel)
	envString("DATABASE_DSN", &config.Database.DSN)
	envString("REDIS_HOST", &config.Redis.Host)
	envString("REDIS_PORT", &config.Redis.Port)
	envString("REDIS_PASSWORD", &config.Redis.Password)
	envInt("REDIS_DB", &config.Redis.DB)
	envString("JWT_SECRET", &config.Auth.JWTSecret)
	envInt("JWT_EXPIRY_HOURS", &config.Auth.JWTExpiryHours)
	envString("UPSTREAM_TARGET", &config.Upstream.Target)

	envBool("TRACKING_DECODE_REQUEST_BODY", &config.Tracking.DecodeRequestBody)
	envInt("TRACKING_PATH_LENGTH", &config.Tracking.PathLength)
	envInt("TRACKING_USERNAME_LENGTH", &config.Tracking.UsernameLength)
	envList("TRACKING_SENSITIVE_FIELDS", &config.Tracking.SensitiveFields)
	envList("TRACKING_LOGGING_METHODS", &config.Tracking.LoggingMethods)
	envInt("TRACKING_BUFFER_SIZE", &config.Tracking.BufferSize)
	envInt("TRACKING_RETENTION_DAYS", &config.Tracking.RetentionDays)
}

func envString(key string, target *string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func envInt(key string, target *int) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			*target = parsed
		}
	}
}

func envBool(key string, target *bool) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			*target = parsed
		}
	}
}

// Comma-separated list, e.g. TRACKING_LOGGING_METHODS=POST,PUT,DELETE
func envList(key string, target *[]string) {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*target = out
	}
}
