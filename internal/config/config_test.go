package config

import (
	"log/slog"
	"testing"
	"time"
)

// allEnvVars lists every env var Load reads; each test starts from a clean slate.
var allEnvVars = []string{
	"HUB_DATABASE_URL", "HUB_GRPC_ADDR", "HUB_HTTP_ADDR", "HUB_NATS_URL", "HUB_NATS_EMBED", "HUB_NATS_PORT",
	"HUB_AUTH_TOKEN", "HUB_SERVICE_NAME", "HUB_SUBJECT_PREFIX", "HUB_NODE_ID", "HUB_PROJECT",
	"HUB_HEARTBEAT_INTERVAL", "HUB_SSE_IDLE_TIMEOUT", "HUB_BRIDGE_NATS_URL", "HUB_BRIDGE_RULES",
	"HUB_ARCHIVE_INTERVAL", "HUB_ARCHIVE_S3_BUCKET", "HUB_ARCHIVE_S3_ENDPOINT",
	"HUB_ARCHIVE_S3_REGION", "HUB_ARCHIVE_S3_PREFIX", "HUB_ARCHIVE_GIT_REPO",
	"HUB_ARCHIVE_GIT_DIR", "HUB_ARCHIVE_GIT_BRANCH", "HUB_ARCHIVE_CURSOR",
	"HUB_LOG_LEVEL", "HUB_LOG_FORMAT",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name         string
		env          map[string]string
		wantErr      bool
		wantDB       string
		wantGRPCAddr string
		wantHTTPAddr string
		wantNATSURL  string
		wantPostgres bool
	}{
		{
			name:         "Defaults",
			env:          map[string]string{},
			wantDB:       "eventhub.db",
			wantGRPCAddr: ":9090",
			wantHTTPAddr: ":8080",
		},
		{
			name: "CustomAddresses",
			env: map[string]string{
				"HUB_DATABASE_URL": "postgres://db:5432/events",
				"HUB_GRPC_ADDR":    ":5050",
				"HUB_HTTP_ADDR":    ":3000",
				"HUB_NATS_URL":     "nats://localhost:4222",
			},
			wantDB:       "postgres://db:5432/events",
			wantGRPCAddr: ":5050",
			wantHTTPAddr: ":3000",
			wantNATSURL:  "nats://localhost:4222",
			wantPostgres: true,
		},
		{
			name:    "BadHeartbeat",
			env:     map[string]string{"HUB_HEARTBEAT_INTERVAL": "soon"},
			wantErr: true,
		},
		{
			name:    "BadLogLevel",
			env:     map[string]string{"HUB_LOG_LEVEL": "loud"},
			wantErr: true,
		},
		{
			name:    "BadLogFormat",
			env:     map[string]string{"HUB_LOG_FORMAT": "xml"},
			wantErr: true,
		},
		{
			name:    "BridgeWithoutRules",
			env:     map[string]string{"HUB_BRIDGE_NATS_URL": "nats://ext:4222"},
			wantErr: true,
		},
		{
			name:    "PrefixWithDot",
			env:     map[string]string{"HUB_SUBJECT_PREFIX": "a.b"},
			wantErr: true,
		},
		{
			name:    "EmbedWithURL",
			env:     map[string]string{"HUB_NATS_EMBED": "1", "HUB_NATS_URL": "nats://x:4222"},
			wantErr: true,
		},
		{
			name:    "BadNATSEmbed",
			env:     map[string]string{"HUB_NATS_EMBED": "sometimes"},
			wantErr: true,
		},
		{
			name:    "BadNATSPort",
			env:     map[string]string{"HUB_NATS_PORT": "many"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.DatabaseURL != tc.wantDB {
				t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, tc.wantDB)
			}
			if cfg.GRPCAddr != tc.wantGRPCAddr {
				t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, tc.wantGRPCAddr)
			}
			if cfg.HTTPAddr != tc.wantHTTPAddr {
				t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, tc.wantHTTPAddr)
			}
			if cfg.NATSURL != tc.wantNATSURL {
				t.Errorf("NATSURL = %q, want %q", cfg.NATSURL, tc.wantNATSURL)
			}
			if cfg.UsesPostgres() != tc.wantPostgres {
				t.Errorf("UsesPostgres() = %v, want %v", cfg.UsesPostgres(), tc.wantPostgres)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAllEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SubjectPrefix != "hub" {
		t.Errorf("SubjectPrefix = %q, want hub", cfg.SubjectPrefix)
	}
	if cfg.NodeID == "" {
		t.Error("NodeID should default to the hostname")
	}
	if cfg.NATSPort != 4222 || cfg.NATSEmbed {
		t.Errorf("NATSPort = %d, NATSEmbed = %v, want 4222/false", cfg.NATSPort, cfg.NATSEmbed)
	}
	if cfg.ServiceName != "eventhub" {
		t.Errorf("ServiceName = %q, want eventhub", cfg.ServiceName)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.SSEIdleTimeout != 0 {
		t.Errorf("SSEIdleTimeout = %v, want 0", cfg.SSEIdleTimeout)
	}
	if cfg.ArchiveInterval != 5*time.Minute {
		t.Errorf("ArchiveInterval = %v, want 5m", cfg.ArchiveInterval)
	}
	if cfg.ArchiveS3Region != "us-east-1" {
		t.Errorf("ArchiveS3Region = %q, want %q", cfg.ArchiveS3Region, "us-east-1")
	}
	if cfg.ArchiveS3Prefix != "eventhub/archive" {
		t.Errorf("ArchiveS3Prefix = %q", cfg.ArchiveS3Prefix)
	}
	if cfg.ArchiveGitDir != "archive" || cfg.ArchiveGitBranch != "main" {
		t.Errorf("ArchiveGit = %q/%q", cfg.ArchiveGitDir, cfg.ArchiveGitBranch)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "text" {
		t.Errorf("log = %v/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadCustom(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("HUB_NODE_ID", "node-7")
	t.Setenv("HUB_PROJECT", "payments")
	t.Setenv("HUB_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("HUB_SSE_IDLE_TIMEOUT", "2m")
	t.Setenv("HUB_ARCHIVE_INTERVAL", "0")
	t.Setenv("HUB_ARCHIVE_S3_BUCKET", "my-bucket")
	t.Setenv("HUB_BRIDGE_NATS_URL", "nats://ext:4222")
	t.Setenv("HUB_BRIDGE_RULES", "/etc/eventhub/rules.yaml")
	t.Setenv("HUB_LOG_LEVEL", "debug")
	t.Setenv("HUB_LOG_FORMAT", "json")
	t.Setenv("HUB_NATS_PORT", "-1")
	t.Setenv("HUB_NATS_EMBED", "true")
	t.Setenv("HUB_SERVICE_NAME", "billing")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.NodeID != "node-7" || cfg.Project != "payments" {
		t.Errorf("identity = %q/%q", cfg.NodeID, cfg.Project)
	}
	if cfg.HeartbeatInterval != 10*time.Second || cfg.SSEIdleTimeout != 2*time.Minute {
		t.Errorf("durations = %v/%v", cfg.HeartbeatInterval, cfg.SSEIdleTimeout)
	}
	if cfg.ArchiveInterval != 0 {
		t.Errorf("ArchiveInterval = %v, want 0 (disabled)", cfg.ArchiveInterval)
	}
	if cfg.ArchiveS3Bucket != "my-bucket" {
		t.Errorf("ArchiveS3Bucket = %q", cfg.ArchiveS3Bucket)
	}
	if cfg.BridgeRules != "/etc/eventhub/rules.yaml" {
		t.Errorf("BridgeRules = %q", cfg.BridgeRules)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "json" {
		t.Errorf("log = %v/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.NATSPort != -1 || !cfg.NATSEmbed {
		t.Errorf("NATSPort = %d, NATSEmbed = %v, want -1/true", cfg.NATSPort, cfg.NATSEmbed)
	}
	if cfg.ServiceName != "billing" {
		t.Errorf("ServiceName = %q, want billing", cfg.ServiceName)
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := sanitizeToken("host.example.com"); got != "host-example-com" {
		t.Errorf("sanitizeToken = %q", got)
	}
}
