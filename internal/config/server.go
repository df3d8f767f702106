package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ControlConfig holds control-plane configuration loaded from environment variables.
type ControlConfig struct {
	Environment        Environment
	ListenAddr         string
	Port               int
	ServiceToken       string
	DatabaseURL        string // empty selects the in-memory repository
	RateLimitRequests  int64
	RateLimitPeriod    time.Duration
	PollAfter          time.Duration
	PairingTTL         time.Duration
	AutoApprovePairing bool
}

// LoadControlConfig reads control-plane configuration from environment variables.
func LoadControlConfig() ControlConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		env = EnvDevelopment
	}

	port := getEnvInt("PORT", 4040)
	if port < 1 || port > 65535 {
		port = 4040
	}

	requests := getEnvInt("RATE_LIMIT_REQUESTS", 100)
	if requests < 1 {
		requests = 100
	}

	pollAfterMs := getEnvInt("POLL_AFTER_MS", 3000)
	if pollAfterMs < 0 {
		pollAfterMs = 3000
	}

	return ControlConfig{
		Environment:        env,
		ListenAddr:         os.Getenv("LISTEN_ADDR"),
		Port:               port,
		ServiceToken:       os.Getenv("SERVICE_TOKEN"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RateLimitRequests:  int64(requests),
		RateLimitPeriod:    getEnvDuration("RATE_LIMIT_PERIOD", time.Minute),
		PollAfter:          time.Duration(pollAfterMs) * time.Millisecond,
		PairingTTL:         getEnvDuration("PAIRING_TTL", 10*time.Minute),
		AutoApprovePairing: getEnvBool("AUTO_APPROVE_PAIRING", true),
	}
}

// Addr returns the HTTP listen address.
func (c ControlConfig) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return ":" + strconv.Itoa(c.Port)
}

// ServiceAuthDisabled reports whether service endpoints accept requests
// without a token. Only development may run without one.
func (c ControlConfig) ServiceAuthDisabled() bool {
	return c.ServiceToken == "" && c.Environment == EnvDevelopment
}

// Validate rejects configurations that cannot be served safely.
func (c ControlConfig) Validate() error {
	if c.ServiceToken == "" && c.Environment != EnvDevelopment {
		return errors.New("SERVICE_TOKEN is required outside development")
	}
	return nil
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
