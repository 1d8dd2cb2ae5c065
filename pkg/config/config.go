// Package config holds the process configuration snapshot. Values come from
// environment variables (optionally a .env file loaded by main) with flag
// overrides; the snapshot is immutable after startup.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/agentspy-io/agentspy/pkg/database"
)

// Config is the full process configuration.
type Config struct {
	// HTTP bind address for REST + OTLP/HTTP + WebSocket.
	Host string
	Port int

	// OTLP gRPC receiver.
	OTLPGRPCEnabled bool
	OTLPGRPCPort    int
	// OTLPHTTPPath is where OTLP/HTTP exports POST on the main server.
	OTLPHTTPPath string

	Database database.Config

	// MaxTraceSizeMB caps a single run payload; larger rows fail per-row.
	MaxTraceSizeMB int
	// RequestTimeout bounds every inbound HTTP request.
	RequestTimeout time.Duration

	RequireAuth bool
	APIKeys     []string
	CORSOrigins []string

	LogLevel  string
	LogFormat string

	// WebSocket tuning.
	WSPingInterval time.Duration
	WSBufferSize   int
	// WSMaxDropped disconnects a subscriber after this many dropped events.
	WSMaxDropped int

	// RateLimitRPS throttles ingest per client key; 0 disables.
	RateLimitRPS   float64
	RateLimitBurst int

	// StatsInterval paces stats.updated broadcasts; StatsWindow scopes the
	// recent-activity aggregates and the completeness audit.
	StatsInterval time.Duration
	StatsWindow   time.Duration
}

// FromEnv builds the configuration from environment variables, applying
// defaults for everything optional.
func FromEnv() (*Config, error) {
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	port, err := getEnvInt("PORT", 8000)
	if err != nil {
		return nil, err
	}
	grpcPort, err := getEnvInt("OTLP_GRPC_PORT", 4317)
	if err != nil {
		return nil, err
	}
	maxTrace, err := getEnvInt("MAX_TRACE_SIZE_MB", 10)
	if err != nil {
		return nil, err
	}
	wsBuffer, err := getEnvInt("WS_BUFFER_SIZE", 256)
	if err != nil {
		return nil, err
	}
	wsMaxDropped, err := getEnvInt("WS_MAX_DROPPED", 1024)
	if err != nil {
		return nil, err
	}
	rateBurst, err := getEnvInt("RATE_LIMIT_BURST", 50)
	if err != nil {
		return nil, err
	}
	rateRPS, err := getEnvFloat("RATE_LIMIT_RPS", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            port,
		OTLPGRPCEnabled: getEnvBool("OTLP_GRPC_ENABLED", true),
		OTLPGRPCPort:    grpcPort,
		OTLPHTTPPath:    getEnv("OTLP_HTTP_PATH", "/v1/traces"),
		Database:        dbCfg,
		MaxTraceSizeMB:  maxTrace,
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RequireAuth:     getEnvBool("REQUIRE_AUTH", false),
		APIKeys:         splitCSV(getEnv("API_KEYS", "")),
		CORSOrigins:     splitCSV(getEnv("CORS_ORIGINS", "*")),
		LogLevel:        strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "json")),
		WSPingInterval:  getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSBufferSize:    wsBuffer,
		WSMaxDropped:    wsMaxDropped,
		RateLimitRPS:    rateRPS,
		RateLimitBurst:  rateBurst,
		StatsInterval:   getEnvDuration("STATS_INTERVAL", 15*time.Second),
		StatsWindow:     getEnvDuration("STATS_WINDOW", 24*time.Hour),
	}
	return cfg, nil
}

// BindFlags registers a flag per setting with the current value as default,
// so flags override env which overrides defaults. Call before fs.Parse.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "HTTP bind address")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP port (REST + OTLP HTTP + WS)")
	fs.BoolVar(&c.OTLPGRPCEnabled, "otlp-grpc-enabled", c.OTLPGRPCEnabled, "start the OTLP gRPC receiver")
	fs.IntVar(&c.OTLPGRPCPort, "otlp-grpc-port", c.OTLPGRPCPort, "OTLP gRPC port")
	fs.StringVar(&c.OTLPHTTPPath, "otlp-http-path", c.OTLPHTTPPath, "OTLP HTTP export path")
	fs.StringVar(&c.Database.URL, "database-url", c.Database.URL, "PostgreSQL connection URL")
	fs.IntVar(&c.Database.MaxOpenConns, "database-pool-size", c.Database.MaxOpenConns, "connection pool size")
	fs.IntVar(&c.MaxTraceSizeMB, "max-trace-size-mb", c.MaxTraceSizeMB, "single trace payload cap in MiB")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "per-request deadline")
	fs.BoolVar(&c.RequireAuth, "require-auth", c.RequireAuth, "reject unauthenticated calls")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "DEBUG, INFO, WARN or ERROR")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json or text")
}

// Validate rejects configurations the process cannot run with. Callers exit
// with status 2 on failure.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.OTLPGRPCEnabled {
		if c.OTLPGRPCPort < 1 || c.OTLPGRPCPort > 65535 {
			return fmt.Errorf("otlp grpc port %d out of range", c.OTLPGRPCPort)
		}
		if c.OTLPGRPCPort == c.Port {
			return fmt.Errorf("otlp grpc port %d collides with http port", c.OTLPGRPCPort)
		}
	}
	if !strings.HasPrefix(c.OTLPHTTPPath, "/") {
		return fmt.Errorf("otlp http path %q must start with /", c.OTLPHTTPPath)
	}
	if c.MaxTraceSizeMB < 1 {
		return fmt.Errorf("max trace size must be at least 1 MiB")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.RequireAuth && len(c.APIKeys) == 0 {
		return fmt.Errorf("REQUIRE_AUTH is set but API_KEYS is empty")
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.WSBufferSize < 1 {
		return fmt.Errorf("ws buffer size must be at least 1")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate limit rps must not be negative")
	}
	return nil
}

// MaxTraceSizeBytes returns the per-payload cap in bytes.
func (c *Config) MaxTraceSizeBytes() int64 {
	return int64(c.MaxTraceSizeMB) << 20
}

// HTTPAddr returns the listen address for the main server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddr returns the listen address for the OTLP gRPC receiver.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPGRPCPort)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
