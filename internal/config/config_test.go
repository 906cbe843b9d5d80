package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Feed.Source != "reddit" || cfg.Feed.Name != "all" {
		t.Errorf("default feed = %s/%s, want reddit/all", cfg.Feed.Source, cfg.Feed.Name)
	}
	if cfg.Media.Protocol != "auto" {
		t.Errorf("default protocol = %q, want auto", cfg.Media.Protocol)
	}
	if len(cfg.Player.Command) == 0 {
		t.Error("default player command should be set")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Feed.Name = "golang"
	cfg.Feeds = []FeedConfig{{Source: "rss", Name: "https://example.com/feed.xml"}}
	cfg.Media.Workers = 7
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Feed.Name != "golang" {
		t.Errorf("feed name = %q, want golang", got.Feed.Name)
	}
	if got.Media.Workers != 7 {
		t.Errorf("workers = %d, want 7", got.Media.Workers)
	}
	if len(got.Feeds) != 1 || got.Feeds[0].Source != "rss" {
		t.Errorf("pinned feeds = %+v, want one rss entry", got.Feeds)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestLoadCorruptFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("corrupt config should not error, got %v", err)
	}
	if cfg.Feed.Source != "reddit" {
		t.Errorf("corrupt config should fall back to defaults, got %q", cfg.Feed.Source)
	}
}

func TestEnvFillsCredentials(t *testing.T) {
	t.Setenv("REDDIT_CLIENT_ID", "env-id")
	t.Setenv("REDDIT_CLIENT_SECRET", "env-secret")
	t.Setenv("REDDIT_USERNAME", "env-user")
	t.Setenv("REDDIT_PASSWORD", "env-pass")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reddit.ClientID != "env-id" {
		t.Errorf("client id = %q, want env-id", cfg.Reddit.ClientID)
	}
	if !cfg.HasRedditCredentials() {
		t.Error("full env credentials should satisfy HasRedditCredentials")
	}
}

func TestFileCredentialsWinOverEnv(t *testing.T) {
	t.Setenv("REDDIT_CLIENT_ID", "env-id")

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Reddit.ClientID = "file-id"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Reddit.ClientID != "file-id" {
		t.Errorf("client id = %q, file value should win", got.Reddit.ClientID)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.FeedStaleness(); got != 5*time.Minute {
		t.Errorf("feed staleness = %v, want 5m", got)
	}
	if got := cfg.CommentStaleness(); got != 15*time.Minute {
		t.Errorf("comment staleness = %v, want 15m", got)
	}
	if got := cfg.MediaTTL(); got != 6*time.Hour {
		t.Errorf("media ttl = %v, want 6h", got)
	}
	if got := cfg.CacheTTL(); got != 24*time.Hour {
		t.Errorf("cache ttl = %v, want 24h", got)
	}
	if got := cfg.MediaBudget(); got != 500*1024*1024 {
		t.Errorf("media budget = %d, want 500 MiB", got)
	}
}

func TestCacheDirOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Dir = "/tmp/custom"
	if got := cfg.CacheDir(); got != "/tmp/custom" {
		t.Errorf("cache dir = %q, want the override", got)
	}
}
