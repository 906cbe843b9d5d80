package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/finchtail/lurker/internal/feed"
	"github.com/finchtail/lurker/internal/logging"
	"github.com/finchtail/lurker/internal/store"
)

// Spill codec: JSON under zstd. EncodeAll/DecodeAll on shared instances are
// safe for concurrent use.
var (
	spillEnc *zstd.Encoder
	spillDec *zstd.Decoder
)

func init() {
	spillEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	spillDec, _ = zstd.NewReader(nil)
}

// persistLocked writes an entry's payload to the disk spill. Caller holds
// m.mu, which also serializes the marshal against concurrent grafts.
func (m *Manager) persistLocked(e *Entry) error {
	if m.db == nil {
		return nil
	}

	var value any
	switch e.Kind {
	case KindPage:
		value = e.page
	case KindThread:
		value = e.thread
	default:
		return fmt.Errorf("spill %s: unknown kind %q", e.Key, e.Kind)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("spill %s: %w", e.Key, err)
	}
	payload := spillEnc.EncodeAll(raw, nil)
	e.size = int64(len(payload))

	return m.db.PutPage(e.Key, string(e.Kind), payload, e.FetchedAt, e.lastDisplay)
}

// restoreLocked loads a spilled entry. Unreadable payloads are deleted and
// reported as a miss; a restored entry is capped at stale (see
// Entry.Freshness). Caller holds m.mu.
func (m *Manager) restoreLocked(key string, kind Kind) *Entry {
	if m.db == nil {
		return nil
	}

	payload, fetchedAt, err := m.db.GetPage(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		logging.Warn("Cache restore failed", "key", key, "error", err)
		return nil
	}

	e, err := m.decodeSpill(key, kind, payload, fetchedAt)
	if err != nil {
		logging.Warn("Corrupt cache entry, dropping", "key", key, "error", err)
		if derr := m.db.DeletePage(key); derr != nil {
			logging.Debug("Drop corrupt entry failed", "key", key, "error", derr)
		}
		return nil
	}
	logging.Debug("Cache restore", "key", key, "fetchedAt", fetchedAt)
	return e
}

func (m *Manager) decodeSpill(key string, kind Kind, payload []byte, fetchedAt time.Time) (*Entry, error) {
	raw, err := spillDec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	e := &Entry{
		Key:         key,
		Kind:        kind,
		FetchedAt:   fetchedAt,
		Staleness:   m.opts.Staleness,
		TTL:         m.opts.TTL,
		size:        int64(len(payload)),
		lastDisplay: m.clock(),
		restored:    true,
	}
	switch kind {
	case KindPage:
		var p feed.Page
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		e.page = &p
	case KindThread:
		var t feed.Thread
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode thread: %w", err)
		}
		if t.Nodes == nil {
			t.Nodes = make(map[string]*feed.Comment)
		}
		e.thread = &t
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return e, nil
}
