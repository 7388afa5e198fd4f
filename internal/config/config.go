package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string // HUB_DATABASE_URL (postgres://... or sqlite path; default "eventhub.db")
	GRPCAddr    string // HUB_GRPC_ADDR (default ":9090")
	HTTPAddr    string // HUB_HTTP_ADDR (default ":8080")
	NATSURL     string // HUB_NATS_URL (empty = in-process bus, or the embedded server)
	NATSEmbed   bool   // HUB_NATS_EMBED (run an embedded nats-server; default false)
	NATSPort    int    // HUB_NATS_PORT for the embedded server (default 4222; -1 = random)
	AuthToken   string // HUB_AUTH_TOKEN (optional, empty = auth disabled)

	ServiceName   string // HUB_SERVICE_NAME (origin.service, default "eventhub")
	SubjectPrefix string // HUB_SUBJECT_PREFIX (default "hub")
	NodeID        string // HUB_NODE_ID (default hostname)
	Project       string // HUB_PROJECT (presence slug, default "default")

	HeartbeatInterval time.Duration // HUB_HEARTBEAT_INTERVAL (default 30s; 0 = disabled)
	SSEIdleTimeout    time.Duration // HUB_SSE_IDLE_TIMEOUT (default 0 = never)

	BridgeNATSURL string // HUB_BRIDGE_NATS_URL (external bus; empty = bridge disabled)
	BridgeRules   string // HUB_BRIDGE_RULES (path to yaml/json rule file)

	// Archive settings
	ArchiveInterval   time.Duration // HUB_ARCHIVE_INTERVAL (default 5m; 0 = disabled)
	ArchiveS3Bucket   string        // HUB_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // HUB_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // HUB_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string        // HUB_ARCHIVE_S3_PREFIX (default "eventhub/archive")
	ArchiveGitRepo    string        // HUB_ARCHIVE_GIT_REPO (enables git when set; path to clone)
	ArchiveGitDir     string        // HUB_ARCHIVE_GIT_DIR (default "archive")
	ArchiveGitBranch  string        // HUB_ARCHIVE_GIT_BRANCH (default "main")
	ArchiveCursor     string        // HUB_ARCHIVE_CURSOR (cursor file; empty = in memory)

	LogLevel  slog.Level // HUB_LOG_LEVEL (debug|info|warn|error, default info)
	LogFormat string     // HUB_LOG_FORMAT (text|json, default text)
}

func Load() (*Config, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	c := &Config{
		DatabaseURL:       envOrDefault("HUB_DATABASE_URL", "eventhub.db"),
		GRPCAddr:          envOrDefault("HUB_GRPC_ADDR", ":9090"),
		HTTPAddr:          envOrDefault("HUB_HTTP_ADDR", ":8080"),
		NATSURL:           os.Getenv("HUB_NATS_URL"),
		AuthToken:         os.Getenv("HUB_AUTH_TOKEN"),
		ServiceName:       envOrDefault("HUB_SERVICE_NAME", "eventhub"),
		SubjectPrefix:     envOrDefault("HUB_SUBJECT_PREFIX", "hub"),
		NodeID:            envOrDefault("HUB_NODE_ID", sanitizeToken(host)),
		Project:           envOrDefault("HUB_PROJECT", "default"),
		BridgeNATSURL:     os.Getenv("HUB_BRIDGE_NATS_URL"),
		BridgeRules:       os.Getenv("HUB_BRIDGE_RULES"),
		ArchiveS3Bucket:   os.Getenv("HUB_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("HUB_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("HUB_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Prefix:   envOrDefault("HUB_ARCHIVE_S3_PREFIX", "eventhub/archive"),
		ArchiveGitRepo:    os.Getenv("HUB_ARCHIVE_GIT_REPO"),
		ArchiveGitDir:     envOrDefault("HUB_ARCHIVE_GIT_DIR", "archive"),
		ArchiveGitBranch:  envOrDefault("HUB_ARCHIVE_GIT_BRANCH", "main"),
		ArchiveCursor:     os.Getenv("HUB_ARCHIVE_CURSOR"),
		LogFormat:         envOrDefault("HUB_LOG_FORMAT", "text"),
	}

	var err error
	if c.NATSEmbed, err = envBool("HUB_NATS_EMBED"); err != nil {
		return nil, err
	}
	if c.NATSEmbed && c.NATSURL != "" {
		return nil, fmt.Errorf("HUB_NATS_EMBED and HUB_NATS_URL are mutually exclusive")
	}
	if c.NATSPort, err = envInt("HUB_NATS_PORT", 4222); err != nil {
		return nil, err
	}
	if c.HeartbeatInterval, err = envDuration("HUB_HEARTBEAT_INTERVAL", "30s"); err != nil {
		return nil, err
	}
	if c.SSEIdleTimeout, err = envDuration("HUB_SSE_IDLE_TIMEOUT", "0"); err != nil {
		return nil, err
	}
	if c.ArchiveInterval, err = envDuration("HUB_ARCHIVE_INTERVAL", "5m"); err != nil {
		return nil, err
	}
	if err := c.LogLevel.UnmarshalText([]byte(envOrDefault("HUB_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("HUB_LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return nil, fmt.Errorf("HUB_LOG_FORMAT: must be text or json, got %q", c.LogFormat)
	}
	if c.BridgeNATSURL != "" && c.BridgeRules == "" {
		return nil, fmt.Errorf("HUB_BRIDGE_RULES is required when HUB_BRIDGE_NATS_URL is set")
	}
	for name, tok := range map[string]string{"HUB_SUBJECT_PREFIX": c.SubjectPrefix, "HUB_NODE_ID": c.NodeID, "HUB_PROJECT": c.Project} {
		if strings.ContainsAny(tok, ".*> \t") {
			return nil, fmt.Errorf("%s: %q must be a single subject token", name, tok)
		}
	}

	return c, nil
}

// UsesPostgres reports whether DatabaseURL names a PostgreSQL database.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envBool(key string) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// sanitizeToken maps a hostname onto a single subject token.
func sanitizeToken(s string) string {
	return strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-").Replace(s)
}
