package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for tunables overridable through the environment.
const (
	DefaultNetTimeout  = 30 * time.Second
	DefaultOpTimeout   = 30 * time.Second
	DefaultPasswordTTL = 3600 * time.Second
	DefaultPoolIdleTTL = 300 * time.Second
)

// Settings carries process-wide tunables read from the environment.
type Settings struct {
	ListenAddr     string
	Workers        int
	AllowedOrigins []string
	LogLevel       string
	JSONLogs       bool

	NetTimeout  time.Duration
	OpTimeout   time.Duration
	PasswordTTL time.Duration
	PoolIdleTTL time.Duration
}

// SettingsFromEnv reads the recognized environment keys, applying
// defaults for anything unset or unparsable.
func SettingsFromEnv() Settings {
	s := Settings{
		ListenAddr:  ":" + envOr("PORT", "8080"),
		Workers:     envInt("WORKERS", 0),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		JSONLogs:    envBool("JSON_LOGS"),
		NetTimeout:  envSeconds("LDAP_NET_TIMEOUT_S", DefaultNetTimeout),
		OpTimeout:   envSeconds("LDAP_OP_TIMEOUT_S", DefaultOpTimeout),
		PasswordTTL: envSeconds("PASSWORD_CACHE_TTL_S", DefaultPasswordTTL),
		PoolIdleTTL: envSeconds("POOL_IDLE_TTL_S", DefaultPoolIdleTTL),
	}

	// Empty whitelist means deny cross-origin.
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				s.AllowedOrigins = append(s.AllowedOrigins, o)
			}
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
