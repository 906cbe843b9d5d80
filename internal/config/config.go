package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config is the persistent application configuration
type Config struct {
	// Default feed to open at startup
	Feed FeedConfig `json:"feed"`

	// Additional pinned feeds, reachable with tab after the startup feed
	Feeds []FeedConfig `json:"feeds,omitempty"`

	// Reddit API credentials (optional; public JSON endpoints used without them)
	Reddit RedditConfig `json:"reddit"`

	// Cache behavior for textual content
	Cache CacheConfig `json:"cache"`

	// Inline media pipeline settings
	Media MediaConfig `json:"media"`

	// External video player
	Player PlayerConfig `json:"player"`
}

// FeedConfig selects the startup feed
type FeedConfig struct {
	Source string `json:"source"` // "reddit", "hackernews", or "rss"
	Name   string `json:"name"`   // subreddit, HN listing, or RSS URL
	Sort   string `json:"sort"`
}

// RedditConfig holds script-app credentials
type RedditConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// CacheConfig bounds the textual caches
type CacheConfig struct {
	Dir                 string `json:"dir,omitempty"` // defaults to <user cache dir>/lurker
	MaxPages            int    `json:"max_pages"`     // in-memory feed page budget
	MaxTrees            int    `json:"max_trees"`     // in-memory comment tree budget
	FeedStaleMinutes    int    `json:"feed_stale_minutes"`
	CommentStaleMinutes int    `json:"comment_stale_minutes"`
	TTLHours            int    `json:"ttl_hours"`   // hard expiry for cached entries
	DiskMaxMB           int    `json:"disk_max_mb"` // size budget for the spill database + blobs
}

// MediaConfig bounds the media pipeline
type MediaConfig struct {
	Protocol      string `json:"protocol"` // "auto", "kitty", or "off"
	Workers       int    `json:"workers"`  // concurrent download/decode slots
	MaxBytesMB    int    `json:"max_bytes_mb"`
	TTLHours      int    `json:"ttl_hours"`
	PrefetchItems int    `json:"prefetch_items"` // lookahead past the viewport edge
}

// PlayerConfig describes the external video player invocation
type PlayerConfig struct {
	Command []string `json:"command"` // argv; %URL% is replaced with the media URL
	Detach  bool     `json:"detach"`  // fire and forget instead of tracking liveness
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			Source: "reddit",
			Name:   "all",
			Sort:   "hot",
		},
		Feeds: []FeedConfig{
			{Source: "hackernews", Name: "top", Sort: "hot"},
		},
		Cache: CacheConfig{
			MaxPages:            50,
			MaxTrees:            20,
			FeedStaleMinutes:    5,
			CommentStaleMinutes: 15,
			TTLHours:            24,
			DiskMaxMB:           500,
		},
		Media: MediaConfig{
			Protocol:      "auto",
			Workers:       2,
			MaxBytesMB:    500,
			TTLHours:      6,
			PrefetchItems: 5,
		},
		Player: PlayerConfig{
			Command: []string{"mpv", "--fs", "%URL%"},
			Detach:  false,
		},
	}
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "lurker", "config.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lurker", "config.json")
}

// Load reads config from path, or returns defaults. A missing or corrupt
// file is not an error; credentials are then filled from the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.AutoPopulateFromEnv()
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), nil
	}
	cfg.AutoPopulateFromEnv()

	return cfg, nil
}

// Save writes config to disk
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600) // file may contain credentials
}

// AutoPopulateFromEnv fills in credentials from environment variables.
// Values already present in the config file win.
func (c *Config) AutoPopulateFromEnv() {
	if c.Reddit.ClientID == "" {
		c.Reddit.ClientID = os.Getenv("REDDIT_CLIENT_ID")
	}
	if c.Reddit.ClientSecret == "" {
		c.Reddit.ClientSecret = os.Getenv("REDDIT_CLIENT_SECRET")
	}
	if c.Reddit.Username == "" {
		c.Reddit.Username = os.Getenv("REDDIT_USERNAME")
	}
	if c.Reddit.Password == "" {
		c.Reddit.Password = os.Getenv("REDDIT_PASSWORD")
	}
	if c.Reddit.UserAgent == "" {
		c.Reddit.UserAgent = os.Getenv("REDDIT_USER_AGENT")
	}
}

// HasRedditCredentials reports whether the authenticated client can be built
func (c *Config) HasRedditCredentials() bool {
	r := c.Reddit
	return r.ClientID != "" && r.ClientSecret != "" && r.Username != "" && r.Password != ""
}

// CacheDir returns the resolved cache directory
func (c *Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "lurker")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "lurker")
}

// FeedStaleness returns the feed page staleness window
func (c *Config) FeedStaleness() time.Duration {
	return time.Duration(c.Cache.FeedStaleMinutes) * time.Minute
}

// CommentStaleness returns the comment tree staleness window
func (c *Config) CommentStaleness() time.Duration {
	return time.Duration(c.Cache.CommentStaleMinutes) * time.Minute
}

// CacheTTL returns the hard expiry for cached textual entries
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// MediaTTL returns how long cached media stays usable
func (c *Config) MediaTTL() time.Duration {
	return time.Duration(c.Media.TTLHours) * time.Hour
}

// MediaBudget returns the media cache byte budget
func (c *Config) MediaBudget() int64 {
	return int64(c.Media.MaxBytesMB) * 1024 * 1024
}

// DiskBudget returns the textual spill byte budget
func (c *Config) DiskBudget() int64 {
	return int64(c.Cache.DiskMaxMB) * 1024 * 1024
}
