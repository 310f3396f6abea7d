// Package horizon implements the schedule authority's execution-window
// store from spec.md §6: a snapshot of upcoming blocks sharing one
// atomic generation_id, with monotonically increasing generation ids
// across publishes and a locked window that rejects non-override
// mutations.
//
// The engine core is stateless across restarts (spec.md §6): this store
// persists the latest published snapshot to an on-disk sqlite database,
// using database/sql against modernc.org/sqlite exactly as the teacher
// does for its own Plex registration database in internal/plex/dvr.go,
// so a restarted control plane can re-serve the same horizon without
// re-deriving it from scratch.
package horizon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/slbailey/retrovue/internal/block"
	"github.com/slbailey/retrovue/internal/httpclient"
)

// LockedWindow is the duration ahead of "now" within which FeedBlock
// mutations are rejected unless operator_override=true (spec.md §8
// property 8).
const LockedWindow = 2 * time.Hour

// Store persists published snapshots of scheduled blocks.
type Store struct {
	db *sql.DB

	generation uint64
}

// Open opens (creating if necessary) a sqlite-backed horizon store at
// path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("horizon: open sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadGeneration(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS horizon_blocks (
	block_id INTEGER PRIMARY KEY,
	generation_id INTEGER NOT NULL,
	start_utc_ms INTEGER NOT NULL,
	end_utc_ms INTEGER NOT NULL,
	segments_json TEXT NOT NULL
)`)
	return err
}

func (s *Store) loadGeneration() error {
	row := s.db.QueryRow(`SELECT COALESCE(MAX(generation_id), 0) FROM horizon_blocks`)
	return row.Scan(&s.generation)
}

// snapshotSegment is the on-disk shape of a block.Segment.
type snapshotSegment struct {
	SegmentUUID string `json:"segment_uuid"`
	Type        int    `json:"type"`
	AssetURI    string `json:"asset_uri"`
	FrameCount  int64  `json:"frame_count"`
}

// Publish atomically replaces the stored snapshot for the given blocks,
// assigning them all the next monotonically increasing generation_id.
// All-or-nothing: wrapped in a single sqlite transaction.
func (s *Store) Publish(blocks []*block.Block) error {
	s.generation++
	gen := s.generation

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("horizon: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, b := range blocks {
		segs := make([]snapshotSegment, 0, len(b.Segments))
		for _, seg := range b.Segments {
			segs = append(segs, snapshotSegment{
				SegmentUUID: seg.SegmentUUID.String(),
				Type:        int(seg.Type),
				AssetURI:    seg.AssetURI,
				FrameCount:  seg.FrameCount,
			})
		}
		payload, err := json.Marshal(segs)
		if err != nil {
			return fmt.Errorf("horizon: marshal segments: %w", err)
		}
		_, err = tx.Exec(`
INSERT INTO horizon_blocks (block_id, generation_id, start_utc_ms, end_utc_ms, segments_json)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(block_id) DO UPDATE SET
	generation_id=excluded.generation_id,
	start_utc_ms=excluded.start_utc_ms,
	end_utc_ms=excluded.end_utc_ms,
	segments_json=excluded.segments_json`,
			uint64(b.ID), gen, b.StartUTCMs, b.EndUTCMs, string(payload))
		if err != nil {
			return fmt.Errorf("horizon: upsert block=%d: %w", b.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("horizon: commit: %w", err)
	}
	return nil
}

// Snapshot returns every stored block whose window overlaps
// [fromMs, toMs), ordered by start_utc_ms, reconstructing each block's
// segment list from its persisted JSON. Used at startup to re-derive
// the current segment and mid-block offset after a restart (spec.md §6
// "Persisted state layout", §8 scenario 3 "Late join").
func (s *Store) Snapshot(fromMs, toMs int64) ([]*block.Block, error) {
	rows, err := s.db.Query(`
SELECT block_id, generation_id, start_utc_ms, end_utc_ms, segments_json
FROM horizon_blocks
WHERE end_utc_ms > ? AND start_utc_ms < ?
ORDER BY start_utc_ms`, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("horizon: snapshot query: %w", err)
	}
	defer rows.Close()

	var out []*block.Block
	for rows.Next() {
		var id uint64
		var gen uint64
		var startMs, endMs int64
		var segJSON string
		if err := rows.Scan(&id, &gen, &startMs, &endMs, &segJSON); err != nil {
			return nil, fmt.Errorf("horizon: scan row: %w", err)
		}
		var segs []snapshotSegment
		if err := json.Unmarshal([]byte(segJSON), &segs); err != nil {
			return nil, fmt.Errorf("horizon: unmarshal segments block=%d: %w", id, err)
		}
		b := &block.Block{ID: block.BlockID(id), StartUTCMs: startMs, EndUTCMs: endMs, GenerationID: gen}
		for _, seg := range segs {
			segUUID, err := uuid.Parse(seg.SegmentUUID)
			if err != nil {
				return nil, fmt.Errorf("horizon: parse segment_uuid block=%d: %w", id, err)
			}
			b.Segments = append(b.Segments, block.Segment{
				SegmentUUID: segUUID,
				Type:        block.SegmentType(seg.Type),
				AssetURI:    seg.AssetURI,
				FrameCount:  seg.FrameCount,
			})
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("horizon: snapshot rows: %w", err)
	}
	return out, nil
}

// ComputePosition finds the block active at nowMs within an ordered,
// gap-free snapshot (as returned by Snapshot) and the offset in
// milliseconds since that block's start, for mid-block rejoin after a
// restart (spec.md §6, §8 scenario 3: "block_index = 0, block_start =
// epoch, offset_ms = 735_000").
func ComputePosition(blocks []*block.Block, nowMs int64) (index int, offsetMs int64, ok bool) {
	for i, b := range blocks {
		if nowMs >= b.StartUTCMs && nowMs < b.EndUTCMs {
			return i, nowMs - b.StartUTCMs, true
		}
	}
	return 0, 0, false
}

// IsLocked reports whether t falls within the locked window ahead of
// now, per spec.md §6/§8 property 8.
func IsLocked(now, t time.Time) bool {
	return t.Before(now.Add(LockedWindow))
}

// Close releases the underlying sqlite handle.
func (s *Store) Close() error { return s.db.Close() }

// CurrentGeneration returns the most recently published generation_id.
func (s *Store) CurrentGeneration() uint64 { return s.generation }

// CheckAuthorityReachable probes the schedule authority's control API
// base URL, adapted from the teacher's health.CheckProvider (which
// fetches an M3U URL to confirm provider reachability): a bounded-timeout
// GET, body discarded, non-200 treated as unreachable. Transient 429/403/
// 5xx responses are retried with backoff through
// httpclient.ScheduleAuthorityRetryPolicy rather than failing on the
// first blip (spec.md §7 "Recoverable planning").
func CheckAuthorityReachable(ctx context.Context, baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("horizon: no schedule authority base URL configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, httpclient.Default(), req, httpclient.ScheduleAuthorityRetryPolicy)
	if err != nil {
		return fmt.Errorf("horizon: schedule authority unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("horizon: schedule authority returned HTTP %d", resp.StatusCode)
	}
	return nil
}
