package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/opsgate/internal/gate/ratelimit"
)

type Config struct {
	Issuer string // TOTP issuer shown in authenticator apps (default: OpsGate)

	DatabaseFile string // Path to SQLite database file (default: ./gate.db)
	PepperFile   string // Path to file containing pepper for backup-code hashing (default: ./pepper)

	JWKSFile     string   // Required: path to the auth service's JWKS document
	AuthIssuer   string   // Expected issuer claim on bearer tokens (default: auth-service)
	AuthAudience []string // Optional: expected audience claims, comma separated

	ProviderPolicies map[string]ratelimit.Policy // Per-provider throttle policies, env-tunable

	AttemptLimit  int           // Failed challenges allowed per subject per window (default: 5)
	AttemptWindow time.Duration // Attempt-throttle window (default: 15m)

	AuditFile       string // Optional: JSONL audit sink path
	AuditWebhookURL string // Optional: external audit collector URL

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:               getEnvOrDefault("GATE_ISSUER", "OpsGate"),
		DatabaseFile:         getEnvOrDefault("GATE_DATABASE_FILE", "gate.db"),
		PepperFile:           getEnvOrDefault("GATE_PEPPER_FILE", "pepper"),
		JWKSFile:             os.Getenv("GATE_JWKS_FILE"),
		AuthIssuer:           getEnvOrDefault("GATE_AUTH_ISSUER", "auth-service"),
		AttemptLimit:         getEnvIntOrDefault("GATE_MFA_ATTEMPT_LIMIT", 5),
		AttemptWindow:        getEnvDurationOrDefault("GATE_MFA_ATTEMPT_WINDOW", 15*time.Minute),
		AuditFile:            os.Getenv("GATE_AUDIT_FILE"),
		AuditWebhookURL:      os.Getenv("GATE_AUDIT_WEBHOOK_URL"),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}

	if aud := os.Getenv("GATE_AUTH_AUDIENCE"); aud != "" {
		for _, a := range strings.Split(aud, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.AuthAudience = append(cfg.AuthAudience, a)
			}
		}
	}

	// Provider ceilings are tunable per deployment; the defaults are
	// starting points, not business logic.
	cfg.ProviderPolicies = make(map[string]ratelimit.Policy)
	for name, pol := range ratelimit.DefaultPolicies() {
		cfg.ProviderPolicies[name] = parsePolicyFromEnv("GATE_LIMIT_"+strings.ToUpper(name), pol)
	}

	return cfg
}

// parsePolicyFromEnv overlays env values onto a default policy, e.g.
// GATE_LIMIT_CHAT_MAX_REQUESTS=40, GATE_LIMIT_CHAT_WINDOW=45s.
func parsePolicyFromEnv(prefix string, def ratelimit.Policy) ratelimit.Policy {
	return ratelimit.Policy{
		MaxRequestsPerWindow: getEnvIntOrDefault(prefix+"_MAX_REQUESTS", def.MaxRequestsPerWindow),
		Window:               getEnvDurationOrDefault(prefix+"_WINDOW", def.Window),
		MaxRetries:           getEnvIntOrDefault(prefix+"_MAX_RETRIES", def.MaxRetries),
		InitialBackoff:       getEnvDurationOrDefault(prefix+"_INITIAL_BACKOFF", def.InitialBackoff),
		MaxBackoff:           getEnvDurationOrDefault(prefix+"_MAX_BACKOFF", def.MaxBackoff),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	return defaultValue
}
