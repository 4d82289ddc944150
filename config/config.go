// Package config loads orchestrator runtime configuration from the
// environment, grounded on EternisAI-enchanted-proxy's
// internal/config.LoadConfig pattern (godotenv + os.Getenv with typed
// defaults), trimmed to the fields spec.md's components actually read.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting the orchestrator needs.
type Config struct {
	// PreparingTimeout bounds agent-init/sandbox-prep before the
	// preparing-stuck-check job fires (spec.md §4.7, default 300s).
	PreparingTimeout time.Duration
	// PromptTimeout bounds how long a prompt may run before it is
	// aborted (spec.md §4.7, default 1500s).
	PromptTimeout time.Duration
	// DeferToWorker, when true, makes the orchestrator always enqueue a
	// worker job rather than ever running a generation in-process
	// (spec.md §6 admission flow).
	DeferToWorker bool

	StoreURI         string
	RedisURL         string
	ProviderAPIKey   string
	// StuckCheckMonitorURL is loaded from the environment; no component
	// reads it, and no ping is sent to it.
	StuckCheckMonitorURL string

	// ApprovalTimeout/AuthTimeout bound how long a generation may sit
	// awaiting_approval/awaiting_auth before the timeout job fires
	// (spec.md §4.6).
	ApprovalTimeout time.Duration
	AuthTimeout     time.Duration

	// LeaseTTL/LeaseRenewInterval configure package lease (spec.md §4.2).
	LeaseTTL           time.Duration
	LeaseRenewInterval time.Duration
}

// Load reads configuration from the process environment, first attempting
// to load a ".env" file (ignored if absent — mirrors LoadConfig's
// best-effort godotenv.Load in EternisAI-enchanted-proxy).
func Load() Config {
	_ = godotenv.Load(".env")
	return Config{
		PreparingTimeout:     envDuration("PREPARING_TIMEOUT", 300*time.Second),
		PromptTimeout:        envDuration("PROMPT_TIMEOUT", 1500*time.Second),
		DeferToWorker:        envBool("DEFER_TO_WORKER", false),
		StoreURI:             envString("STORE_URI", "mongodb://localhost:27017/orchestrator"),
		RedisURL:             envString("REDIS_URL", "redis://localhost:6379/0"),
		ProviderAPIKey:       os.Getenv("PROVIDER_API_KEY"),
		StuckCheckMonitorURL: os.Getenv("STUCK_CHECK_MONITOR_URL"),
		ApprovalTimeout:      envDuration("APPROVAL_TIMEOUT", 300*time.Second),
		AuthTimeout:          envDuration("AUTH_TIMEOUT", 600*time.Second),
		LeaseTTL:             envDuration("LEASE_TTL", 120*time.Second),
		LeaseRenewInterval:   envDuration("LEASE_RENEW_INTERVAL", 30*time.Second),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
