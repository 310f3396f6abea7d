// Package diag implements an always-on observer of the engine's own
// output TS byte stream, continuously verifying the testable properties
// from spec.md §8 that are otherwise only checked in tests: PAT/PMT
// cadence (property 5), PTS monotonicity (property 3 video, property 10
// audio), and per-PID continuity-counter/discontinuity bookkeeping.
//
// Adapted from the teacher's ts_inspector.go, which observes an
// outbound HLS/TS byte stream for client-facing diagnostics; here the
// same per-PID tracking structure observes the engine's own sink output
// in production rather than a proxied upstream, reporting each violation
// through the onViolation callback (the engine's main logs them).
package diag

import (
	"fmt"
	"sync"
	"time"
)

// pidStats mirrors the teacher's tsPIDStats shape: per-PID packet and
// CC-error counts and PTS tick tracking.
type pidStats struct {
	packets      int64
	ccErrors     int64
	lastCC       int
	haveLastCC   bool
	lastTick     int64
	haveLastTick bool
	backwards    int64
	firstSeen    time.Time
	lastSeen     time.Time
}

// Inspector observes TS packets as they are handed to the egress writer
// and accumulates per-PID statistics.
type Inspector struct {
	mu   sync.Mutex
	pids map[uint16]*pidStats

	patSeenAt []time.Time
	pmtSeenAt []time.Time

	onViolation func(msg string)
}

// New constructs an Inspector. onViolation, if non-nil, is called for
// every detected CC error or PTS regression. PAT/PMT cadence is not
// reported through it; CheckCadence answers that on request.
func New(onViolation func(msg string)) *Inspector {
	return &Inspector{pids: make(map[uint16]*pidStats), onViolation: onViolation}
}

// Observe records one 188-byte TS packet. pid and cc are the packet's
// PID and continuity counter, already parsed by the caller (the sink
// knows these without re-parsing its own output).
func (insp *Inspector) Observe(pid uint16, cc int, isPAT, isPMT bool, pts90k int64, havePTS bool) {
	insp.mu.Lock()
	defer insp.mu.Unlock()

	st, ok := insp.pids[pid]
	if !ok {
		st = &pidStats{firstSeen: time.Now()}
		insp.pids[pid] = st
	}
	st.packets++
	st.lastSeen = time.Now()

	if st.haveLastCC {
		want := (st.lastCC + 1) & 0x0F
		if cc != want && cc != st.lastCC {
			st.ccErrors++
			insp.violate(fmt.Sprintf("cc error pid=%d want=%d got=%d", pid, want, cc))
		}
	}
	st.lastCC = cc
	st.haveLastCC = true

	if havePTS {
		if st.haveLastTick && pts90k < st.lastTick {
			st.backwards++
			insp.violate(fmt.Sprintf("pts regression pid=%d", pid))
		}
		st.lastTick = pts90k
		st.haveLastTick = true
	}

	now := time.Now()
	if isPAT {
		insp.patSeenAt = append(insp.patSeenAt, now)
		insp.patSeenAt = pruneOld(insp.patSeenAt, now.Add(-patPmtRetention))
	}
	if isPMT {
		insp.pmtSeenAt = append(insp.pmtSeenAt, now)
		insp.pmtSeenAt = pruneOld(insp.pmtSeenAt, now.Add(-patPmtRetention))
	}
}

// patPmtRetention bounds how long patSeenAt/pmtSeenAt entries are kept --
// comfortably past the 500ms cadence window CheckCadence actually needs,
// so the session can sustain indefinitely without these slices growing
// without bound.
const patPmtRetention = 2 * time.Second

// pruneOld drops the leading (oldest) entries of times older than
// cutoff, relying on times being append-ordered and therefore already
// sorted ascending.
func pruneOld(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}

func (insp *Inspector) violate(msg string) {
	if insp.onViolation != nil {
		insp.onViolation(msg)
	}
}

// CheckCadence reports whether both a PAT and a PMT have been observed
// within the 500ms window ending at now, per spec.md §8 property 5.
func (insp *Inspector) CheckCadence(now time.Time) bool {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	window := now.Add(-500 * time.Millisecond)
	havePAT, havePMT := false, false
	for _, t := range insp.patSeenAt {
		if t.After(window) {
			havePAT = true
			break
		}
	}
	for _, t := range insp.pmtSeenAt {
		if t.After(window) {
			havePMT = true
			break
		}
	}
	return havePAT && havePMT
}
