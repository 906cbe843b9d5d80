package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/finchtail/lurker/internal/config"
	"github.com/finchtail/lurker/internal/mediastore"
	"github.com/finchtail/lurker/internal/store"
)

// cacheCmd groups the offline cache maintenance commands. These run
// against the same database the TUI uses; run them while lurker is closed.
func cacheCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the disk cache",
	}
	cmd.AddCommand(cacheStatsCmd(flags), cachePruneCmd(flags))
	return cmd
}

func openCacheDB(flags *rootFlags) (*config.Config, *store.Store, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	dbPath := filepath.Join(cfg.CacheDir(), "lurker.db")
	if _, err := os.Stat(dbPath); err != nil {
		return nil, nil, fmt.Errorf("no cache database at %s", dbPath)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache database: %w", err)
	}
	return cfg, db, nil
}

func cacheStatsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache entry and byte counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openCacheDB(flags)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := db.Stat()
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}
			fmt.Printf("cache directory  %s\n", cfg.CacheDir())
			fmt.Printf("pages            %d entries, %s\n",
				stats.PageCount, humanize.IBytes(uint64(stats.PageBytes)))
			fmt.Printf("media blobs      %d entries, %s\n",
				stats.BlobCount, humanize.IBytes(uint64(stats.BlobBytes)))
			fmt.Printf("total            %s (budget %s pages, %s media)\n",
				humanize.IBytes(uint64(stats.PageBytes+stats.BlobBytes)),
				humanize.IBytes(uint64(cfg.DiskBudget())),
				humanize.IBytes(uint64(cfg.MediaBudget())))
			return nil
		},
	}
}

func cachePruneCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Expire old entries and enforce the disk budgets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openCacheDB(flags)
			if err != nil {
				return err
			}
			defer db.Close()

			ms, err := mediastore.New(filepath.Join(cfg.CacheDir(), "media"), db, mediastore.Options{
				Budget: cfg.MediaBudget(),
				TTL:    cfg.MediaTTL(),
			})
			if err != nil {
				return fmt.Errorf("open media store: %w", err)
			}

			blobBytes, err := ms.Prune()
			if err != nil {
				return fmt.Errorf("prune media: %w", err)
			}
			expired, err := db.ExpirePages(time.Now().Add(-cfg.CacheTTL()))
			if err != nil {
				return fmt.Errorf("expire pages: %w", err)
			}
			pruned, err := db.PrunePages(cfg.DiskBudget())
			if err != nil {
				return fmt.Errorf("prune pages: %w", err)
			}

			pageBytes := expired + pruned
			fmt.Printf("reclaimed %s (%s media, %s pages)\n",
				humanize.IBytes(uint64(blobBytes+pageBytes)),
				humanize.IBytes(uint64(blobBytes)),
				humanize.IBytes(uint64(pageBytes)))
			return nil
		},
	}
}
