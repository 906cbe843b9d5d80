package mediastore

import (
	"bytes"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/finchtail/lurker/internal/store"
)

var msBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fixedClock pins a store's clock to a settable instant.
func fixedClock(s *Store) *time.Time {
	now := msBase
	s.clock = func() time.Time { return now }
	return &now
}

func newMemStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := New("", nil, opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func newDiskStore(t *testing.T, opts Options) (*Store, *store.Store, string) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	dir := t.TempDir()
	s, err := New(dir, db, opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, db, dir
}

func TestHashHelpers(t *testing.T) {
	data := []byte("media bytes")
	if HashBytes(data) != HashBytes(data) {
		t.Error("content hash must be deterministic")
	}
	if len(HashBytes(data)) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(HashBytes(data)))
	}
	if HashBytes(data) == HashBytes([]byte("other")) {
		t.Error("distinct bytes must hash apart")
	}
	if len(URLKey("http://example.com/a.png")) != 16 {
		t.Errorf("url key length = %d, want 16", len(URLKey("http://example.com/a.png")))
	}
	if URLKey("a") == URLKey("b") {
		t.Error("distinct urls must key apart")
	}
}

func TestPutAndGetMemoryOnly(t *testing.T) {
	s := newMemStore(t, Options{})
	data := []byte("png bytes")
	urlKey := URLKey("http://example.com/a.png")

	hash, err := s.Put(urlKey, data, "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if hash != HashBytes(data) {
		t.Errorf("hash = %q, want content hash", hash)
	}

	got, ok := s.GetBytes(hash)
	if !ok || !bytes.Equal(got, data) {
		t.Errorf("GetBytes = %q, %v", got, ok)
	}
	if _, ok := s.GetBytes("absent"); ok {
		t.Error("absent hash must miss")
	}

	resolved, ok := s.Resolve(urlKey)
	if !ok || resolved != hash {
		t.Errorf("Resolve = %q, %v", resolved, ok)
	}
	if _, ok := s.Resolve(URLKey("http://example.com/other")); ok {
		t.Error("unknown url key must miss")
	}

	if !s.Contains(hash) || s.Contains("absent") {
		t.Error("Contains disagrees with stored set")
	}
}

func TestByteCapEviction(t *testing.T) {
	s := newMemStore(t, Options{ByteCap: 2})
	now := fixedClock(s)

	a, _ := s.Put("ka", []byte("aaaa"), "")
	*now = now.Add(time.Minute)
	b, _ := s.Put("kb", []byte("bbbb"), "")

	// Reading a bumps it past b in recency.
	*now = now.Add(time.Minute)
	s.GetBytes(a)

	*now = now.Add(time.Minute)
	c, _ := s.Put("kc", []byte("cccc"), "")

	if _, ok := s.GetBytes(b); ok {
		t.Error("b must be evicted as least recently used")
	}
	for name, hash := range map[string]string{"a": a, "c": c} {
		if _, ok := s.GetBytes(hash); !ok {
			t.Errorf("%s evicted out of LRU order", name)
		}
	}
}

func TestFrameCapEviction(t *testing.T) {
	s := newMemStore(t, Options{FrameCap: 2})
	now := fixedClock(s)

	imgA := image.NewRGBA(image.Rect(0, 0, 1, 1))
	imgB := image.NewRGBA(image.Rect(0, 0, 2, 2))
	imgC := image.NewRGBA(image.Rect(0, 0, 3, 3))

	s.PutFrame("a", imgA)
	*now = now.Add(time.Minute)
	s.PutFrame("b", imgB)
	*now = now.Add(time.Minute)
	if got, ok := s.GetFrame("a"); !ok || got != imgA {
		t.Fatalf("GetFrame(a) = %v, %v", got, ok)
	}
	*now = now.Add(time.Minute)
	s.PutFrame("c", imgC)

	if _, ok := s.GetFrame("b"); ok {
		t.Error("b must be evicted as least recently used")
	}
	if _, ok := s.GetFrame("a"); !ok {
		t.Error("a evicted out of LRU order")
	}
	if _, ok := s.GetFrame("c"); !ok {
		t.Error("c missing right after insert")
	}
}

func TestDiskTierSurvivesSessions(t *testing.T) {
	s, db, dir := newDiskStore(t, Options{})
	data := []byte("spilled image bytes")
	urlKey := URLKey("http://example.com/b.jpg")

	hash, err := s.Put(urlKey, data, "image/jpeg")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, hash))
	if err != nil || !bytes.Equal(onDisk, data) {
		t.Fatalf("blob file = %q, %v", onDisk, err)
	}

	// A fresh store over the same dir and index stands in for the next
	// session: empty memory tiers, everything served from disk.
	next, err := New(dir, db, Options{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	resolved, ok := next.Resolve(urlKey)
	if !ok || resolved != hash {
		t.Fatalf("Resolve across sessions = %q, %v", resolved, ok)
	}
	got, ok := next.GetBytes(hash)
	if !ok || !bytes.Equal(got, data) {
		t.Errorf("GetBytes across sessions = %q, %v", got, ok)
	}
	if !next.Contains(hash) {
		t.Error("Contains must see the disk tier")
	}
}

func TestCorruptBlobDropped(t *testing.T) {
	s, db, dir := newDiskStore(t, Options{})
	data := []byte("original bytes")
	urlKey := URLKey("http://example.com/c.png")

	hash, err := s.Put(urlKey, data, "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, hash), []byte("bit rot"), 0644); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}

	// Next session reads the file, sees the hash mismatch, and drops the
	// whole entry rather than serving garbage.
	next, err := New(dir, db, Options{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	if _, ok := next.GetBytes(hash); ok {
		t.Fatal("corrupt bytes served")
	}
	if _, err := db.GetBlob(hash); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("blob row err = %v, want dropped", err)
	}
	if _, err := db.GetAlias(urlKey); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("alias err = %v, want dropped", err)
	}
	if _, err := os.Stat(filepath.Join(dir, hash)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("blob file err = %v, want removed", err)
	}
}

func TestDelete(t *testing.T) {
	s, db, dir := newDiskStore(t, Options{})
	urlKey := URLKey("http://example.com/d.png")
	hash, err := s.Put(urlKey, []byte("doomed"), "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	s.Delete(hash)

	if _, ok := s.GetBytes(hash); ok {
		t.Error("bytes survived delete")
	}
	if s.Contains(hash) {
		t.Error("Contains true after delete")
	}
	if _, ok := s.Resolve(urlKey); ok {
		t.Error("alias survived delete")
	}
	if _, err := db.GetBlob(hash); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("blob row err = %v, want deleted", err)
	}
	if _, err := os.Stat(filepath.Join(dir, hash)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("blob file err = %v, want removed", err)
	}
}

func TestPruneAppliesTTLThenBudget(t *testing.T) {
	s, db, _ := newDiskStore(t, Options{Budget: 450, TTL: time.Hour})
	now := fixedClock(s)

	d1, _ := s.Put("k1", bytes.Repeat([]byte{1}, 100), "")
	*now = msBase.Add(10 * time.Minute)
	d2, _ := s.Put("k2", bytes.Repeat([]byte{2}, 200), "")
	*now = msBase.Add(20 * time.Minute)
	d3, _ := s.Put("k3", bytes.Repeat([]byte{3}, 300), "")

	// d1 is an hour stale; dropping it leaves 500 bytes, still over the
	// 450 budget, so d2 goes too.
	*now = msBase.Add(70 * time.Minute)
	reclaimed, err := s.Prune()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if reclaimed != 300 {
		t.Errorf("reclaimed = %d, want 300", reclaimed)
	}
	for name, hash := range map[string]string{"d1": d1, "d2": d2} {
		if s.Contains(hash) {
			t.Errorf("%s survived prune", name)
		}
	}
	if !s.Contains(d3) {
		t.Error("d3 pruned inside budget and TTL")
	}
	if _, err := db.GetBlob(d1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("d1 row err = %v, want deleted", err)
	}
}

func TestPruneWithoutDiskTier(t *testing.T) {
	s := newMemStore(t, Options{TTL: time.Nanosecond})
	if _, err := s.Put("k", []byte("x"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	reclaimed, err := s.Prune()
	if err != nil || reclaimed != 0 {
		t.Errorf("prune = %d, %v, want no-op without disk tier", reclaimed, err)
	}
}
