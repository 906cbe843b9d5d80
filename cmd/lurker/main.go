package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/finchtail/lurker/internal/cache"
	"github.com/finchtail/lurker/internal/config"
	"github.com/finchtail/lurker/internal/coord"
	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/graphics"
	"github.com/finchtail/lurker/internal/logging"
	"github.com/finchtail/lurker/internal/media"
	"github.com/finchtail/lurker/internal/mediastore"
	"github.com/finchtail/lurker/internal/store"
	"github.com/finchtail/lurker/internal/ui"
	"github.com/finchtail/lurker/internal/work"
)

// version is stamped by the release build.
var version = "0.4.0-dev"

// Thumbnail cell box for feed cards and thread headers. The pixel box
// handed to the media pipeline is this box times the terminal cell size.
const (
	thumbCols = 9
	thumbRows = 4
)

type rootFlags struct {
	source     string
	sort       string
	configPath string
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "lurker [feed]",
		Short: "Terminal reader for Reddit, Hacker News, and RSS with inline media",
		Long: `Lurker browses link-aggregator feeds from the terminal: paginated
listings, comment threads, and inline thumbnails on terminals that
speak the kitty graphics protocol. Fetched content is cached on disk,
so revisits render instantly and survive restarts.

The positional argument selects the feed to open: a subreddit by
default, an HN listing (top, new, best, ask, show, job) with
--source hackernews, or a feed URL with --source rss.`,
		Example: `  lurker                          # configured default feed
  lurker golang                   # r/golang
  lurker --source hackernews new  # HN new listing
  lurker --sort top golang        # r/golang by top`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd.Context(), flags, args)
		},
	}

	root.Flags().StringVar(&flags.source, "source", "", `feed source: "reddit", "hackernews", or "rss"`)
	root.Flags().StringVar(&flags.sort, "sort", "", "listing sort: hot, new, top, rising, controversial")
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file path")

	root.AddCommand(cacheCmd(flags), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTUI(ctx context.Context, flags *rootFlags, args []string) error {
	// .env first so credentials can live outside the config file.
	_ = godotenv.Load()

	if err := logging.Init(version); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Close()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	feeds, err := startupFeeds(cfg, flags, args)
	if err != nil {
		return err
	}

	cacheDir := cfg.CacheDir()
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	db, err := store.Open(filepath.Join(cacheDir, "lurker.db"))
	if err != nil {
		return fmt.Errorf("open cache database: %w", err)
	}
	defer db.Close()

	ms, err := mediastore.New(filepath.Join(cacheDir, "media"), db, mediastore.Options{
		Budget: cfg.MediaBudget(),
		TTL:    cfg.MediaTTL(),
	})
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}

	capability := graphics.Detect(cfg.Media.Protocol)
	logging.Info("Graphics capability", "graphics", capability.Graphics, "tmux", capability.Tmux)

	// Thumbnail geometry. Cells for the UI layout, pixels for the decoder.
	cols, rows := 0, 0
	pxWidth, pxHeight := 0, 0
	if capability.Graphics {
		cw, ch, err := graphics.CellSize()
		if err != nil {
			logging.Warn("Cell size query failed", "error", err)
			cw, ch = 8, 16
		}
		cols, rows = thumbCols, thumbRows
		pxWidth, pxHeight = cols*cw, rows*ch
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := work.NewPool(cfg.Media.Workers)
	pool.Start(ctx)

	pipe := media.NewPipeline(pool, ms, media.Options{
		Capability:    capability,
		UserAgent:     cfg.Reddit.UserAgent,
		PlayerCommand: cfg.Player.Command,
		PlayerDetach:  cfg.Player.Detach,
	})

	mgr := cache.NewManager(buildClients(cfg), db, cache.Options{
		Staleness:     cfg.FeedStaleness(),
		TreeStaleness: cfg.CommentStaleness(),
		TTL:           cfg.CacheTTL(),
		MaxEntries:    cfg.Cache.MaxPages + cfg.Cache.MaxTrees,
	})
	defer mgr.Close()

	// One serialized stdout stream for graphics escapes, shared by the
	// coordinator goroutines and the UI placement commands.
	out := &syncWriter{w: os.Stdout}

	coordinator := coord.New(mgr, pipe, out, coord.Options{
		Lookahead:   cfg.Media.PrefetchItems,
		ThumbWidth:  pxWidth,
		ThumbHeight: pxHeight,
	})

	app := ui.NewApp(coordinator, out, feeds, ui.ViewOptions{
		Graphics:  capability.Graphics,
		ThumbCols: cols,
		ThumbRows: rows,
	}, pool, backendStats(mgr, db))

	program := tea.NewProgram(app, tea.WithAltScreen())
	pipe.SetNotify(func(u media.Update) { program.Send(ui.MediaUpdated{Update: u}) })
	coordinator.AttachProgram(program)
	coordinator.Start(ctx)

	_, runErr := program.Run()

	// Stop new work, wait for in-flight loads, then release the pool
	// and any tracked players.
	cancel()
	coordinator.Wait()
	pool.Stop()
	pipe.Shutdown()

	if runErr != nil {
		return fmt.Errorf("run ui: %w", runErr)
	}
	return nil
}

// startupFeeds resolves the ordered feed list: flags and the positional
// argument layered over the configured default, then the pinned feeds.
func startupFeeds(cfg *config.Config, flags *rootFlags, args []string) ([]ui.FeedSpec, error) {
	first := feedSpec(cfg.Feed)
	if flags.source != "" {
		// The configured name belongs to the configured source.
		first.Source = feed.SourceKind(flags.source)
		first.Name = ""
	}
	if len(args) == 1 {
		first.Name = args[0]
	}
	if flags.sort != "" {
		first.Sort = feed.Sort(flags.sort)
	}

	switch first.Source {
	case feed.SourceReddit:
		if first.Name == "" {
			first.Name = "all"
		}
	case feed.SourceHackerNews:
		if first.Name == "" {
			first.Name = "top"
		}
	case feed.SourceRSS:
		if first.Name == "" {
			return nil, fmt.Errorf("source rss needs a feed URL")
		}
	default:
		return nil, fmt.Errorf("unknown source %q", first.Source)
	}
	if !validSort(first.Sort) {
		return nil, fmt.Errorf("unknown sort %q", first.Sort)
	}

	specs := []ui.FeedSpec{first}
	for _, fc := range cfg.Feeds {
		spec := feedSpec(fc)
		if spec.Source == first.Source && spec.Name == first.Name {
			continue
		}
		if spec.Name == "" || !validSort(spec.Sort) {
			logging.Warn("Skipping malformed pinned feed",
				"source", fc.Source, "name", fc.Name, "sort", fc.Sort)
			continue
		}
		switch spec.Source {
		case feed.SourceReddit, feed.SourceHackerNews, feed.SourceRSS:
			specs = append(specs, spec)
		default:
			logging.Warn("Skipping pinned feed with unknown source", "source", fc.Source)
		}
	}
	return specs, nil
}

func feedSpec(fc config.FeedConfig) ui.FeedSpec {
	spec := ui.FeedSpec{
		Source: feed.SourceKind(fc.Source),
		Name:   fc.Name,
		Sort:   feed.Sort(fc.Sort),
	}
	if spec.Sort == "" {
		spec.Sort = feed.SortHot
	}
	return spec
}

func validSort(s feed.Sort) bool {
	for _, v := range feed.Sorts() {
		if s == v {
			return true
		}
	}
	return false
}

// buildClients registers every source client. Reddit upgrades to the
// authenticated API when script-app credentials are configured.
func buildClients(cfg *config.Config) []feed.Client {
	clients := []feed.Client{feed.NewHNClient(), feed.NewRSSClient()}
	if cfg.HasRedditCredentials() {
		authed, err := feed.NewAuthRedditClient(feed.RedditCredentials{
			ClientID:     cfg.Reddit.ClientID,
			ClientSecret: cfg.Reddit.ClientSecret,
			Username:     cfg.Reddit.Username,
			Password:     cfg.Reddit.Password,
			UserAgent:    cfg.Reddit.UserAgent,
		})
		if err == nil {
			return append(clients, authed)
		}
		logging.Warn("Reddit auth setup failed, using public API", "error", err)
	}
	return append(clients, feed.NewRedditClient(cfg.Reddit.UserAgent))
}

// backendStats renders the cache counters for the stats overlay.
func backendStats(mgr *cache.Manager, db *store.Store) func() string {
	return func() string {
		cs := mgr.Stat()
		lines := []string{
			fmt.Sprintf("entries %d  hits %d  misses %d", cs.Entries, cs.Hits, cs.Misses),
			fmt.Sprintf("stale serves %d  evictions %d", cs.StaleServes, cs.Evictions),
		}
		if ds, err := db.Stat(); err == nil {
			lines = append(lines, fmt.Sprintf("disk: %d pages (%s), %d blobs (%s)",
				ds.PageCount, humanize.IBytes(uint64(ds.PageBytes)),
				ds.BlobCount, humanize.IBytes(uint64(ds.BlobBytes))))
		}
		return strings.Join(lines, "\n")
	}
}

// syncWriter serializes writes from multiple goroutines onto one stream.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lurker version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lurker " + version)
		},
	}
}
