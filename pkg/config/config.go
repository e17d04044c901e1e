// Package config loads kernel configuration from the environment and from
// optional YAML runtime profiles.
package config

import (
	"os"
	"strconv"
)

// Config holds daemon configuration.
type Config struct {
	LogLevel string
	// Cores is the number of logical scheduler cores.
	Cores int
	// NodeID identifies this authority instance in attested timestamps.
	NodeID string
	// LedgerPath is the SQLite ledger location; empty keeps the ledger
	// in memory only.
	LedgerPath string
	// DatabaseURL switches ledger persistence to Postgres when set.
	DatabaseURL string
	// ModuleRoot is the directory module binaries load from.
	ModuleRoot string
	// RedisURL enables the distributed syscall rate limiter when set.
	RedisURL string
	// SyscallRPS / SyscallBurst bound per-caller dispatch rate.
	SyscallRPS   float64
	SyscallBurst int
	// TokenSecret signs caller identity tokens.
	TokenSecret string
	// CapabilitySeed derives the capability token MAC key.
	CapabilitySeed string
	// OTLPEndpoint enables OpenTelemetry export when set.
	OTLPEndpoint string
	// ProfilePath points at a YAML runtime profile; empty uses defaults.
	ProfilePath string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cores, err := strconv.Atoi(os.Getenv("KEEL_CORES"))
	if err != nil || cores < 1 {
		cores = 2
	}
	rps, err := strconv.ParseFloat(os.Getenv("KEEL_SYSCALL_RPS"), 64)
	if err != nil || rps <= 0 {
		rps = 1000
	}
	burst, err := strconv.Atoi(os.Getenv("KEEL_SYSCALL_BURST"))
	if err != nil || burst < 1 {
		burst = 100
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}
	moduleRoot := os.Getenv("KEEL_MODULE_ROOT")
	if moduleRoot == "" {
		moduleRoot = "./modules"
	}

	return &Config{
		LogLevel:       logLevel,
		Cores:          cores,
		NodeID:         os.Getenv("KEEL_NODE_ID"),
		LedgerPath:     os.Getenv("KEEL_LEDGER_PATH"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ModuleRoot:     moduleRoot,
		RedisURL:       os.Getenv("KEEL_REDIS_URL"),
		SyscallRPS:     rps,
		SyscallBurst:   burst,
		TokenSecret:    os.Getenv("KEEL_TOKEN_SECRET"),
		CapabilitySeed: os.Getenv("KEEL_CAPABILITY_SEED"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilePath:    os.Getenv("KEEL_PROFILE"),
	}
}
