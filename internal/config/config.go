// Package config loads environment-driven configuration with sane
// development defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration.
type Config struct {
	Env  string
	Port string

	// CockroachDB (conversations, calls, signaling artifacts)
	CockroachDSN string

	// Cassandra (message log)
	CassandraHosts    []string
	CassandraKeyspace string

	// Redis (transport pub/sub + presence)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Realtime tuning
	AnswerTimeout  time.Duration
	TypingTTL      time.Duration
	PresenceGrace  time.Duration
	PresenceTTL    time.Duration
	Heartbeat      time.Duration
	SampleInterval time.Duration
	PageSize       int
	AutoRead       bool

	ICEServers []string

	// Push providers
	FCMCredentialsPath string
	FCMProjectID       string
	APNsKeyPath        string
	APNsKeyID          string
	APNsTeamID         string
	APNsBundleID       string

	LogLevel string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8080"),

		CockroachDSN: getEnv("COCKROACH_DSN", "postgresql://root@localhost:26257/rtc?sslmode=disable"),

		CassandraHosts:    strings.Split(getEnv("CASSANDRA_HOSTS", "localhost:9042"), ","),
		CassandraKeyspace: getEnv("CASSANDRA_KEYSPACE", "rtc"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AnswerTimeout:  getEnvDuration("CALL_ANSWER_TIMEOUT", 30*time.Second),
		TypingTTL:      getEnvDuration("TYPING_TTL", 5*time.Second),
		PresenceGrace:  getEnvDuration("PRESENCE_GRACE", 10*time.Second),
		PresenceTTL:    getEnvDuration("PRESENCE_TTL", 5*time.Minute),
		Heartbeat:      getEnvDuration("PRESENCE_HEARTBEAT", 30*time.Second),
		SampleInterval: getEnvDuration("QUALITY_SAMPLE_INTERVAL", 5*time.Second),
		PageSize:       getEnvInt("MESSAGE_PAGE_SIZE", 50),
		AutoRead:       getEnvBool("AUTO_READ_RECEIPTS", true),

		ICEServers: strings.Split(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302"), ","),

		FCMCredentialsPath: getEnv("FCM_CREDENTIALS_PATH", ""),
		FCMProjectID:       getEnv("FCM_PROJECT_ID", ""),
		APNsKeyPath:        getEnv("APNS_KEY_PATH", ""),
		APNsKeyID:          getEnv("APNS_KEY_ID", ""),
		APNsTeamID:         getEnv("APNS_TEAM_ID", ""),
		APNsBundleID:       getEnv("APNS_BUNDLE_ID", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// IsProduction reports whether the app runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
