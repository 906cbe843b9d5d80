// Package mediastore is the content-addressed media cache: raw downloaded
// bytes in memory with write-through spill to blob files indexed in SQLite,
// and a small in-memory cache of decoded frames. Keys are SHA-256 hashes of
// the bytes themselves, so identity survives CDN URL rotation; URL aliases
// map request URLs onto content hashes across sessions.
package mediastore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/finchtail/lurker/internal/logging"
	"github.com/finchtail/lurker/internal/store"
)

// Options bound the cache. Zero values pick the defaults.
type Options struct {
	Budget   int64         // disk byte budget for blobs
	TTL      time.Duration // blobs unused this long are pruned
	ByteCap  int           // raw byte entries held in memory
	FrameCap int           // decoded frames held in memory
}

const (
	defaultByteCap  = 32
	defaultFrameCap = 16
)

// Store holds media bytes and decoded frames. Bytes are only ever written
// complete: a download that did not finish never reaches Put, and blob files
// are created by rename so a crash cannot leave a torn entry behind.
type Store struct {
	mu sync.Mutex

	dir string       // blob directory; empty disables the disk tier
	db  *store.Store // blob index + aliases; nil disables the disk tier

	budget   int64
	ttl      time.Duration
	byteCap  int
	frameCap int

	bytes   map[string]*byteEntry
	frames  map[string]*frameEntry
	aliases map[string]string // urlKey -> content hash, session tier

	clock func() time.Time
}

type byteEntry struct {
	data     []byte
	lastUsed time.Time
}

type frameEntry struct {
	img      image.Image
	lastUsed time.Time
}

// New creates a media store. dir and db may both be zero for a memory-only
// store (tests, protocol-disabled sessions).
func New(dir string, db *store.Store, opts Options) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	if opts.ByteCap <= 0 {
		opts.ByteCap = defaultByteCap
	}
	if opts.FrameCap <= 0 {
		opts.FrameCap = defaultFrameCap
	}
	return &Store{
		dir:      dir,
		db:       db,
		budget:   opts.Budget,
		ttl:      opts.TTL,
		byteCap:  opts.ByteCap,
		frameCap: opts.FrameCap,
		bytes:    make(map[string]*byteEntry),
		frames:   make(map[string]*frameEntry),
		aliases:  make(map[string]string),
		clock:    time.Now,
	}, nil
}

// HashBytes returns the content hash for a byte slice.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// URLKey returns the short digest used to alias a request URL.
func URLKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:8])
}

// Resolve maps a URL key to a known content hash, consulting the session
// alias map first and the persisted aliases second.
func (s *Store) Resolve(urlKey string) (string, bool) {
	s.mu.Lock()
	if hash, ok := s.aliases[urlKey]; ok {
		s.mu.Unlock()
		return hash, true
	}
	s.mu.Unlock()

	if s.db == nil {
		return "", false
	}
	hash, err := s.db.GetAlias(urlKey)
	if err != nil {
		return "", false
	}

	s.mu.Lock()
	s.aliases[urlKey] = hash
	s.mu.Unlock()
	return hash, true
}

// Put stores a completed download under its content hash and records the
// URL alias. Returns the hash.
func (s *Store) Put(urlKey string, data []byte, contentType string) (string, error) {
	hash := HashBytes(data)
	now := s.clock()

	s.mu.Lock()
	s.aliases[urlKey] = hash
	s.bytes[hash] = &byteEntry{data: data, lastUsed: now}
	s.evictBytesLocked()
	s.mu.Unlock()

	if s.dir == "" || s.db == nil {
		return hash, nil
	}

	if err := s.writeBlobFile(hash, data); err != nil {
		return hash, err
	}
	info := store.BlobInfo{
		Hash:        hash,
		Size:        int64(len(data)),
		ContentType: contentType,
		Created:     now,
		LastAccess:  now,
	}
	if err := s.db.PutBlob(info); err != nil {
		return hash, err
	}
	if err := s.db.PutAlias(urlKey, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

// GetBytes fetches raw bytes by content hash: memory first, then the blob
// file. A blob whose bytes no longer match their hash is corrupt; it is
// deleted and reported as a miss.
func (s *Store) GetBytes(hash string) ([]byte, bool) {
	now := s.clock()

	s.mu.Lock()
	if entry, ok := s.bytes[hash]; ok {
		entry.lastUsed = now
		data := entry.data
		s.mu.Unlock()
		return data, true
	}
	s.mu.Unlock()

	if s.dir == "" || s.db == nil {
		return nil, false
	}
	if _, err := s.db.GetBlob(hash); err != nil {
		return nil, false
	}

	data, err := os.ReadFile(s.blobPath(hash))
	if err != nil || HashBytes(data) != hash {
		logging.Warn("corrupt media blob dropped", "hash", hash)
		s.removeBlob(hash)
		return nil, false
	}

	_ = s.db.TouchBlob(hash, now)
	s.mu.Lock()
	s.bytes[hash] = &byteEntry{data: data, lastUsed: now}
	s.evictBytesLocked()
	s.mu.Unlock()
	return data, true
}

// GetFrame fetches a decoded frame by content hash.
func (s *Store) GetFrame(hash string) (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.frames[hash]
	if !ok {
		return nil, false
	}
	entry.lastUsed = s.clock()
	return entry.img, true
}

// PutFrame caches a decoded frame. Frames are memory-only; bytes spill to
// disk, frames are re-decoded.
func (s *Store) PutFrame(hash string, img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames[hash] = &frameEntry{img: img, lastUsed: s.clock()}
	for len(s.frames) > s.frameCap {
		oldest, at := "", time.Time{}
		for h, e := range s.frames {
			if oldest == "" || e.lastUsed.Before(at) {
				oldest, at = h, e.lastUsed
			}
		}
		delete(s.frames, oldest)
	}
}

// Contains reports whether bytes for the hash are available without network
// access.
func (s *Store) Contains(hash string) bool {
	s.mu.Lock()
	if _, ok := s.bytes[hash]; ok {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if s.db == nil {
		return false
	}
	_, err := s.db.GetBlob(hash)
	return err == nil
}

// Delete drops a hash from every tier.
func (s *Store) Delete(hash string) {
	s.mu.Lock()
	delete(s.bytes, hash)
	delete(s.frames, hash)
	for key, aliased := range s.aliases {
		if aliased == hash {
			delete(s.aliases, key)
		}
	}
	s.mu.Unlock()

	if s.db != nil {
		s.removeBlob(hash)
	}
}

// Prune applies the TTL and byte budget to the disk tier. Returns bytes
// reclaimed.
func (s *Store) Prune() (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	cutoff := time.Time{}
	if s.ttl > 0 {
		cutoff = s.clock().Add(-s.ttl)
	}

	victims, err := s.db.PruneCandidates(cutoff, s.budget)
	if err != nil {
		return 0, err
	}

	var reclaimed int64
	for _, victim := range victims {
		s.mu.Lock()
		delete(s.bytes, victim.Hash)
		delete(s.frames, victim.Hash)
		s.mu.Unlock()
		s.removeBlob(victim.Hash)
		reclaimed += victim.Size
	}
	if len(victims) > 0 {
		logging.Info("media cache pruned", "blobs", len(victims), "bytes", reclaimed)
	}
	return reclaimed, nil
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.dir, hash)
}

// writeBlobFile writes via temp file + rename so a partial write can never
// be mistaken for a complete blob.
func (s *Store) writeBlobFile(hash string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create blob temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write blob %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close blob %s: %w", hash, err)
	}
	if err := os.Rename(tmpName, s.blobPath(hash)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename blob %s: %w", hash, err)
	}
	return nil
}

func (s *Store) removeBlob(hash string) {
	if err := os.Remove(s.blobPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("remove blob file", "hash", hash, "error", err)
	}
	if err := s.db.DeleteBlob(hash); err != nil {
		logging.Warn("remove blob row", "hash", hash, "error", err)
	}
	if err := s.db.DeleteAliasesFor(hash); err != nil {
		logging.Warn("remove blob aliases", "hash", hash, "error", err)
	}
}

// evictBytesLocked trims the in-memory byte tier to its entry cap, oldest
// first. Evicted entries remain on disk.
func (s *Store) evictBytesLocked() {
	for len(s.bytes) > s.byteCap {
		oldest, at := "", time.Time{}
		for h, e := range s.bytes {
			if oldest == "" || e.lastUsed.Before(at) {
				oldest, at = h, e.lastUsed
			}
		}
		delete(s.bytes, oldest)
	}
}
