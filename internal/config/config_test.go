package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Inbox.Size != 25 || !cfg.Inbox.EnableBadge || !cfg.Inbox.EnableDeliveryReceipt || cfg.Inbox.SyncOnAppstart {
		t.Fatalf("unexpected inbox defaults %+v", cfg.Inbox)
	}
	if cfg.Platform != "android" || cfg.Production {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Sync.ReceiptDelay != 5*time.Second {
		t.Fatalf("expected 5s receipt delay, got %s", cfg.Sync.ReceiptDelay)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `app_id: from_file
app_group: group.com.example.rtcp
platform: ios
store: sqlite:///tmp/rtcp.db
inbox:
  size: 10
  enable_badge: false
sync:
  interval: 1m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv("RTCP_APP_ID", "from_env")
	t.Setenv("RTCP_INBOX_SIZE", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AppID != "from_env" || cfg.Inbox.Size != 7 {
		t.Fatalf("expected env overrides, got app_id=%s size=%d", cfg.AppID, cfg.Inbox.Size)
	}
	if cfg.AppGroup != "group.com.example.rtcp" || cfg.Platform != "ios" || cfg.Store != "sqlite:///tmp/rtcp.db" {
		t.Fatalf("unexpected file values %+v", cfg)
	}
	if cfg.Inbox.EnableBadge {
		t.Fatalf("expected badge disabled from file")
	}
	if cfg.Sync.Interval != time.Minute {
		t.Fatalf("expected 1m interval, got %s", cfg.Sync.Interval)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("platform: windows\n"), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid platform to be rejected")
	}

	if err := os.WriteFile(path, []byte("inbox:\n  size: 0\n"), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected zero inbox size to be rejected")
	}

	if err := os.WriteFile(path, []byte("app_id: [unclosed\n"), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected malformed yaml to be rejected")
	}
}
