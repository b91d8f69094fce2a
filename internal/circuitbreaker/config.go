package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the env-tunable shape of a breaker.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// ForService reads CB_<SERVICE>_* variables, falling back to defaults.
func ForService(service string, defaults Settings) Settings {
	prefix := "CB_" + strings.ToUpper(service) + "_"
	return Settings{
		MaxRequests:      getEnvUint32(prefix+"MAX_REQUESTS", defaults.MaxRequests),
		Interval:         getEnvDuration(prefix+"INTERVAL", defaults.Interval),
		Timeout:          getEnvDuration(prefix+"TIMEOUT", defaults.Timeout),
		FailureThreshold: getEnvUint32(prefix+"FAILURE_THRESHOLD", defaults.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"SUCCESS_THRESHOLD", defaults.SuccessThreshold),
	}
}

// GetRedisConfig covers the run-lock Redis client.
func GetRedisConfig() Settings {
	return ForService("redis", Settings{
		MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second,
		FailureThreshold: 3, SuccessThreshold: 2,
	})
}

// GetDatabaseConfig covers the Postgres client.
func GetDatabaseConfig() Settings {
	return ForService("db", Settings{
		MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second,
		FailureThreshold: 5, SuccessThreshold: 2,
	})
}

// GetHTTPConfig covers outbound HTTP: engines, analysis service, webhooks.
// Engines are slow and bursty, so the failure threshold is higher than for storage.
func GetHTTPConfig() Settings {
	return ForService("http", Settings{
		MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second,
		FailureThreshold: 5, SuccessThreshold: 2,
	})
}

// ToConfig converts Settings to a breaker Config
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
