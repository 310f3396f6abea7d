// Package preload implements the single-threaded preloader/reaper task
// executor described in spec.md §4.5: one in-flight preload at a time,
// and a background reap queue that joins detached fill threads without
// letting any of them outlive their producer by more than a configured
// grace period.
//
// The ticker-driven poll loop and per-key state-tracking map are
// adapted directly from the teacher's plex_session_reaper.go, which
// polls a states map on a ticker to decide when to reap idle Plex
// transcode sessions; here the "sessions" being reaped are detached
// look-ahead fill goroutines instead.
package preload

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/slbailey/retrovue/internal/block"
)

// PreloadRequest asks the preloader to decode the first frame (and
// corresponding audio) of the given block so it can be marked primed
// before its fence tick arrives.
type PreloadRequest struct {
	BlockID block.BlockID
	Start   func(ctx context.Context) error // begins async fill; returns once priming succeeds or fails
}

// ReapRequest asks the reaper to join a detached fill-thread handle.
type ReapRequest struct {
	BlockID   block.BlockID
	Detached  time.Time
	Join      func(ctx context.Context) error
}

// Config controls polling cadence and grace bounds.
type Config struct {
	PollInterval time.Duration
	ReapGrace    time.Duration
}

func DefaultConfig() Config {
	return Config{PollInterval: 500 * time.Millisecond, ReapGrace: 5 * time.Second}
}

// reapState tracks one in-flight reap, mirroring the teacher's
// plexSessionReaperState fields (firstSeen/lastActivity) but scoped to
// a single detached fill-thread handle instead of a Plex session.
type reapState struct {
	firstSeen time.Time
	attempts  int
}

// Manager runs the preload and reap loops. There is exactly one
// in-flight preload at a time; the reap queue drains concurrently in
// the background, matching spec.md §4.5's bounds.
type Manager struct {
	cfg Config
	log *log.Logger

	preloadCh chan PreloadRequest
	reapCh    chan ReapRequest

	mu     sync.Mutex
	states map[block.BlockID]*reapState
}

// New constructs a preload/reap Manager. Call Run in its own goroutine.
func New(cfg Config, logger *log.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       logger,
		preloadCh: make(chan PreloadRequest, 1),
		reapCh:    make(chan ReapRequest, 64),
		states:    make(map[block.BlockID]*reapState),
	}
}

// RequestPreload enqueues a preload. The channel holds one pending
// request, so the caller blocks only while another is already pending;
// the single-in-flight bound comes from runPreloadLoop running each
// Start to completion before taking the next request.
func (m *Manager) RequestPreload(req PreloadRequest) {
	m.preloadCh <- req
}

// RequestReap enqueues a detached fill thread for background joining.
func (m *Manager) RequestReap(req ReapRequest) {
	m.reapCh <- req
}

// Run drives both the preload executor and the reap ticker loop until
// ctx is cancelled. Exactly one preload runs at a time; reaps proceed
// concurrently via their own goroutines, bounded by the configured
// grace period.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.runPreloadLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.runReapLoop(ctx)
	}()
	wg.Wait()
}

func (m *Manager) runPreloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.preloadCh:
			if err := req.Start(ctx); err != nil {
				// Preloader failure: block skipped, next queue item
				// evaluated elsewhere by the pipeline manager; this is
				// non-fatal (spec.md §4.4.7).
				m.log.Printf("preload: block=%d preload failed: %v", req.BlockID, err)
				continue
			}
			m.log.Printf("preload: block=%d primed", req.BlockID)
		}
	}
}

func (m *Manager) runReapLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	inFlight := make(map[block.BlockID]struct{})
	var ifMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.reapCh:
			m.mu.Lock()
			m.states[req.BlockID] = &reapState{firstSeen: time.Now()}
			m.mu.Unlock()

			ifMu.Lock()
			if _, already := inFlight[req.BlockID]; already {
				ifMu.Unlock()
				continue
			}
			inFlight[req.BlockID] = struct{}{}
			ifMu.Unlock()

			go func(req ReapRequest) {
				joinCtx, cancel := context.WithTimeout(ctx, m.cfg.ReapGrace)
				defer cancel()
				if err := req.Join(joinCtx); err != nil {
					m.log.Printf("preload: reap block=%d join failed after grace=%s: %v", req.BlockID, m.cfg.ReapGrace, err)
				}
				m.mu.Lock()
				delete(m.states, req.BlockID)
				m.mu.Unlock()
				ifMu.Lock()
				delete(inFlight, req.BlockID)
				ifMu.Unlock()
			}(req)
		case <-ticker.C:
			m.scanStale()
		}
	}
}

// scanStale logs any reap whose grace window has already elapsed
// without having been joined, for diagnostics; the join itself is
// handled by the per-request goroutine with its own timeout context.
func (m *Manager) scanStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, st := range m.states {
		if now.Sub(st.firstSeen) > m.cfg.ReapGrace {
			st.attempts++
			m.log.Printf("preload: block=%d reap exceeding grace=%s attempts=%d", id, m.cfg.ReapGrace, st.attempts)
		}
	}
}
