package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	RedisURL             string
	Port                 string
	EscalationTimeoutMS  int64
	HelpRequestTimeoutMS int64
	InstanceID           string
	LogLevel             string
	EventStreamMaxLen    int64
}

func Load() *Config {
	config := &Config{
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379"),
		Port:                 getEnv("PORT", "8080"),
		EscalationTimeoutMS:  getEnvInt64("ESCALATION_TIMEOUT_MS", 120000),
		HelpRequestTimeoutMS: getEnvInt64("HELP_REQUEST_TIMEOUT_MS", 3600000),
		InstanceID:           getEnv("INSTANCE_ID", generateInstanceID()),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		EventStreamMaxLen:    getEnvInt64("EVENT_STREAM_MAX_LEN", 1000),
	}

	return config
}

// EscalationTimeout is the window a supervisor has to answer an escalation
// before it is auto-marked as timed out.
func (c *Config) EscalationTimeout() time.Duration {
	return time.Duration(c.EscalationTimeoutMS) * time.Millisecond
}

// HelpRequestTimeout is the window for standalone help requests. Same timer
// mechanism as escalations, independent duration.
func (c *Config) HelpRequestTimeout() time.Duration {
	return time.Duration(c.HelpRequestTimeoutMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generateInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
