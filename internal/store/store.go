// Package store provides SQLite persistence for lurker's disk caches: an
// index over content-addressed media blobs and a spill table for textual
// feed pages and comment trees.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for keys with no stored entry.
var ErrNotFound = errors.New("store: not found")

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Store struct {
	db *sql.DB
	mu sync.RWMutex // Protects all database operations
}

// BlobInfo is one row of the media blob index. The bytes themselves live in
// a file named by the hash; the index carries what pruning needs.
type BlobInfo struct {
	Hash        string
	Size        int64
	ContentType string
	Created     time.Time
	LastAccess  time.Time
}

// PageInfo describes one spilled textual entry.
type PageInfo struct {
	Key         string
	Kind        string // "page" or "thread"
	Size        int64
	FetchedAt   time.Time
	LastDisplay time.Time
}

// Open creates a new Store with the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	// Build connection string based on database type
	connStr := dbPath
	if dbPath == ":memory:" {
		// For in-memory databases, use shared cache mode so all connections
		// in the pool see the same database
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// For in-memory databases, limit to 1 connection to avoid issues
	// with multiple connections getting different databases
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Enable WAL mode for file-based databases (not :memory:)
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return s, nil
}

// createTables creates the required tables and indexes if they don't exist.
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS media_blobs (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		content_type TEXT,
		created_at DATETIME NOT NULL,
		last_access DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_media_last_access ON media_blobs(last_access);

	CREATE TABLE IF NOT EXISTS media_aliases (
		url_key TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_media_aliases_hash ON media_aliases(hash);

	CREATE TABLE IF NOT EXISTS pages (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		fetched_at DATETIME NOT NULL,
		last_display DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pages_last_display ON pages(last_display);
	CREATE INDEX IF NOT EXISTS idx_pages_kind ON pages(kind);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
// Thread-safe: acquires write lock to prevent closing during in-flight operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PutBlob records a blob in the index, updating last_access on re-insert.
// Thread-safe: acquires write lock.
func (s *Store) PutBlob(info BlobInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO media_blobs (hash, size, content_type, created_at, last_access)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			size = excluded.size,
			content_type = excluded.content_type,
			last_access = excluded.last_access
	`, info.Hash, info.Size, info.ContentType, info.Created, info.LastAccess)
	if err != nil {
		return fmt.Errorf("put blob %s: %w", info.Hash, err)
	}
	return nil
}

// GetBlob looks up a blob index row.
// Thread-safe: acquires read lock.
func (s *Store) GetBlob(hash string) (BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var info BlobInfo
	err := s.db.QueryRow(`
		SELECT hash, size, content_type, created_at, last_access
		FROM media_blobs WHERE hash = ?
	`, hash).Scan(&info.Hash, &info.Size, &info.ContentType, &info.Created, &info.LastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobInfo{}, ErrNotFound
	}
	if err != nil {
		return BlobInfo{}, fmt.Errorf("get blob %s: %w", hash, err)
	}
	return info, nil
}

// TouchBlob bumps a blob's last_access for LRU pruning.
// Thread-safe: acquires write lock.
func (s *Store) TouchBlob(hash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE media_blobs SET last_access = ? WHERE hash = ?`, now, hash)
	if err != nil {
		return fmt.Errorf("touch blob %s: %w", hash, err)
	}
	return nil
}

// DeleteBlob removes a blob index row.
// Thread-safe: acquires write lock.
func (s *Store) DeleteBlob(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM media_blobs WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}

// PutAlias maps a URL key to the content hash its bytes resolved to, so a
// later session can find the blob without re-downloading from a rotated URL.
// Thread-safe: acquires write lock.
func (s *Store) PutAlias(urlKey, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO media_aliases (url_key, hash) VALUES (?, ?)
		ON CONFLICT(url_key) DO UPDATE SET hash = excluded.hash
	`, urlKey, hash)
	if err != nil {
		return fmt.Errorf("put alias %s: %w", urlKey, err)
	}
	return nil
}

// GetAlias resolves a URL key to a content hash.
// Thread-safe: acquires read lock.
func (s *Store) GetAlias(urlKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash string
	err := s.db.QueryRow(`SELECT hash FROM media_aliases WHERE url_key = ?`, urlKey).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get alias %s: %w", urlKey, err)
	}
	return hash, nil
}

// DeleteAliasesFor removes every alias pointing at a content hash; called
// when the blob itself is evicted.
// Thread-safe: acquires write lock.
func (s *Store) DeleteAliasesFor(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM media_aliases WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("delete aliases for %s: %w", hash, err)
	}
	return nil
}

// PruneCandidates returns blob rows to evict: every row last accessed before
// cutoff, plus the least-recently-accessed remainder needed to bring the
// total under maxBytes. Oldest first. The caller removes the files, then the
// rows.
// Thread-safe: acquires read lock.
func (s *Store) PruneCandidates(cutoff time.Time, maxBytes int64) ([]BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT hash, size, content_type, created_at, last_access
		FROM media_blobs ORDER BY last_access ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("scan blobs: %w", err)
	}
	defer rows.Close()

	var all []BlobInfo
	var total int64
	for rows.Next() {
		var info BlobInfo
		if err := rows.Scan(&info.Hash, &info.Size, &info.ContentType, &info.Created, &info.LastAccess); err != nil {
			return nil, fmt.Errorf("scan blob row: %w", err)
		}
		all = append(all, info)
		total += info.Size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan blobs: %w", err)
	}

	var victims []BlobInfo
	for _, info := range all {
		expired := info.LastAccess.Before(cutoff)
		overBudget := maxBytes > 0 && total > maxBytes
		if !expired && !overBudget {
			break
		}
		victims = append(victims, info)
		total -= info.Size
	}
	return victims, nil
}

// PutPage spills one textual entry, replacing any previous payload for the key.
// Thread-safe: acquires write lock.
func (s *Store) PutPage(key, kind string, payload []byte, fetchedAt, lastDisplay time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO pages (key, kind, payload, fetched_at, last_display)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			last_display = excluded.last_display
	`, key, kind, payload, fetchedAt, lastDisplay)
	if err != nil {
		return fmt.Errorf("put page %s: %w", key, err)
	}
	return nil
}

// GetPage reads one spilled entry.
// Thread-safe: acquires read lock.
func (s *Store) GetPage(key string) (payload []byte, fetchedAt time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`SELECT payload, fetched_at FROM pages WHERE key = ?`, key).
		Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get page %s: %w", key, err)
	}
	return payload, fetchedAt, nil
}

// TouchPage bumps a page's last_display for LRU pruning.
// Thread-safe: acquires write lock.
func (s *Store) TouchPage(key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE pages SET last_display = ? WHERE key = ?`, now, key)
	if err != nil {
		return fmt.Errorf("touch page %s: %w", key, err)
	}
	return nil
}

// DeletePage removes one spilled entry.
// Thread-safe: acquires write lock.
func (s *Store) DeletePage(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM pages WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete page %s: %w", key, err)
	}
	return nil
}

// DeletePagesByPrefix removes every spilled entry whose key starts with
// prefix; an empty prefix clears the table. Returns rows removed.
// Thread-safe: acquires write lock.
func (s *Store) DeletePagesByPrefix(prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if prefix == "" {
		res, err = s.db.Exec(`DELETE FROM pages`)
	} else {
		res, err = s.db.Exec(`DELETE FROM pages WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	}
	if err != nil {
		return 0, fmt.Errorf("delete pages %q*: %w", prefix, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpirePages deletes pages fetched before cutoff. Returns reclaimed bytes.
// Thread-safe: acquires write lock.
func (s *Store) ExpirePages(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM pages WHERE fetched_at < ?
	`, cutoff).Scan(&expired)
	if err != nil {
		return 0, fmt.Errorf("sum expired pages: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM pages WHERE fetched_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("expire pages: %w", err)
	}
	return expired, nil
}

// PrunePages deletes the oldest-displayed pages until the stored payload
// total fits maxBytes. Returns reclaimed bytes.
// Thread-safe: acquires write lock.
func (s *Store) PrunePages(maxBytes int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT key, LENGTH(payload) FROM pages ORDER BY last_display ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("scan pages: %w", err)
	}

	type row struct {
		key  string
		size int64
	}
	var all []row
	var total int64
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.size); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan page row: %w", err)
		}
		all = append(all, r)
		total += r.size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("scan pages: %w", err)
	}

	var reclaimed int64
	for _, r := range all {
		if maxBytes <= 0 || total <= maxBytes {
			break
		}
		if _, err := s.db.Exec(`DELETE FROM pages WHERE key = ?`, r.key); err != nil {
			return reclaimed, fmt.Errorf("prune page %s: %w", r.key, err)
		}
		total -= r.size
		reclaimed += r.size
	}
	return reclaimed, nil
}

// Stats summarizes both tables for the cache CLI.
type Stats struct {
	BlobCount int64
	BlobBytes int64
	PageCount int64
	PageBytes int64
}

// Stat reports cache-wide counters.
// Thread-safe: acquires read lock.
func (s *Store) Stat() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM media_blobs`).
		Scan(&stats.BlobCount, &stats.BlobBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("stat blobs: %w", err)
	}
	err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM pages`).
		Scan(&stats.PageCount, &stats.PageBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("stat pages: %w", err)
	}
	return stats, nil
}

// likePrefix escapes LIKE metacharacters so a key prefix matches literally.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+8)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(append(escaped, '%'))
}
