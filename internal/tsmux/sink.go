package tsmux

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/slbailey/retrovue/internal/diag"
	"github.com/slbailey/retrovue/internal/egress"
	"github.com/slbailey/retrovue/internal/encoder"
)

// resendInterval is how often PAT/PMT are re-emitted, chosen well inside
// the 500ms sliding-window requirement of spec.md §8 property 5.
const resendInterval = 200 * time.Millisecond

// bootLivenessWindow is the boot-liveness budget of spec.md §4.7: first
// TS bytes are due within this long of Attach. The sink applies no timer
// of its own against it.
const bootLivenessWindow = 500 * time.Millisecond

// Clock abstracts wall-clock waiting for PCR-paced emission so tests can
// substitute a fake. Production uses time.Now/time.Sleep via
// realClockWait.
type Clock interface {
	Now() time.Time
	SleepUntil(t time.Time)
}

// Sink mux-packs frames into MPEG-TS packets and hands them to an
// egress writer, maintaining PAT/PMT cadence and PCR pacing.
//
// No implicit EOF: once attached, the sink keeps emitting until an
// explicit stop, explicit detach, slow-consumer detach, or fatal socket
// error (spec.md §4.7) -- producer EOF and decode errors never
// terminate it.
type Sink struct {
	mu      sync.Mutex
	writer  egress.Writer
	clock   Clock
	log     *log.Logger

	patCC, pmtCC uint8
	videoCC      uint8
	audioCC      uint8

	attachedAt   time.Time
	firstEmitted bool
	patPmtCount  uint64
	lastPatPmtAt time.Time

	houseSampleRate int64
	samplesEmitted  int64
	audioOrigin     int64
	lastAudioPTS    int64
	haveLastAudioPTS bool

	insp *diag.Inspector
}

// New constructs a Sink writing through writer, pacing via clk.
func New(writer egress.Writer, clk Clock, houseSampleRate int64, logger *log.Logger) *Sink {
	return &Sink{writer: writer, clock: clk, houseSampleRate: houseSampleRate, log: logger}
}

// SetInspector attaches the always-on diagnostic observer (spec.md §8):
// every PAT, PMT and PES this sink emits is fed to insp.Observe (once
// per PES, not per TS packet; null and PCR packets are not fed) so CC/PTS
// regressions and PAT/PMT cadence are checked against real output,
// mirroring the teacher's ts_inspector.go watching its own relayed
// stream rather than a synthetic one.
func (s *Sink) SetInspector(insp *diag.Inspector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insp = insp
}

// Now returns the current time per the sink's own clock, used by the
// pipeline manager to drive MaybeResendPATPMT/WritePCR scheduling
// without each caller needing its own clock reference.
func (s *Sink) Now() time.Time { return s.clock.Now() }

// Attach marks the sink live and starts the boot-liveness timer. It is
// idempotent: calling it twice without a Detach in between is a no-op.
func (s *Sink) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attachedAt.IsZero() {
		return
	}
	s.attachedAt = s.clock.Now()
	s.firstEmitted = false
	s.lastPatPmtAt = time.Time{}
}

// Detach stops emission without ending the owning session; the tick
// loop continues to call EmitVideo/EmitAudio, but the sink becomes a
// NullSink until re-Attach'd (spec.md §4.8 slow-consumer detach
// semantics apply identically to an explicit DetachStream).
func (s *Sink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachedAt = time.Time{}
}

// Attached reports whether the sink currently has a live attach.
func (s *Sink) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.attachedAt.IsZero()
}

// EmitBootFiller sends a null packet if the sink is attached but has not
// yet emitted real media (spec.md §4.7). It keeps doing so on every call
// until the first EmitVideo/EmitAudio, with no time limit.
func (s *Sink) EmitBootFiller() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachedAt.IsZero() || s.firstEmitted {
		return
	}
	pkt := buildNullPacket()
	s.writer.Write(pkt[:])
}

// MaybeResendPATPMT emits PAT+PMT if resendInterval has elapsed since
// the last send, reporting whether it actually emitted so callers can
// drive a metrics counter. The pipeline manager's mux loop calls this
// every tick; control-plane cadence emerges as a consequence of steady
// per-tick calls, not an independent heartbeat timer (spec.md §4.7).
func (s *Sink) MaybeResendPATPMT(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachedAt.IsZero() {
		return false
	}
	if !s.lastPatPmtAt.IsZero() && now.Sub(s.lastPatPmtAt) < resendInterval {
		return false
	}
	patCC, pmtCC := s.patCC, s.pmtCC
	pat := buildPATPacket(patCC)
	pmt := buildPMTPacket(pmtCC)
	s.patCC = (s.patCC + 1) & 0x0F
	s.pmtCC = (s.pmtCC + 1) & 0x0F
	s.writer.Write(pat[:])
	s.writer.Write(pmt[:])
	s.patPmtCount++
	s.lastPatPmtAt = now
	if s.insp != nil {
		s.insp.Observe(0x0000, int(patCC), true, false, 0, false)
		s.insp.Observe(pmtPID, int(pmtCC), false, true, 0, false)
	}
	return true
}

// PatPmtCount returns the number of PAT+PMT resend cycles emitted so
// far, for Health() reporting and tests.
func (s *Sink) PatPmtCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patPmtCount
}

// EmitVideo packs an encoded video packet into TS packets and writes
// them via the egress writer. The first call after Attach marks boot
// liveness satisfied.
func (s *Sink) EmitVideo(pkt encoder.Packet) {
	s.mu.Lock()
	s.firstEmitted = true
	cc := s.videoCC
	s.videoCC = (s.videoCC + 1) & 0x0F
	s.mu.Unlock()
	s.packAndWrite(pkt.Data, videoPID, cc, pkt.PTS90k, pkt.IsIDR)
}

// EmitAudio packs an encoded audio packet and stamps its transport PTS
// from the house sample clock, never from decoder/content PTS
// (spec.md §4.7).
func (s *Sink) EmitAudio(pkt encoder.Packet, sampleCount int64) int64 {
	s.mu.Lock()
	if sampleCount > 0 {
		s.samplesEmitted += sampleCount
	}
	pts := (s.samplesEmitted - s.audioOrigin) * 90000 / s.houseSampleRate
	if s.haveLastAudioPTS && sampleCount > 0 && pts <= s.lastAudioPTS {
		// Monotone strictly-increasing requirement (spec.md §8 property
		// 10): if integer truncation ever yields a non-advancing value
		// for a non-empty frame, force the minimal advance.
		pts = s.lastAudioPTS + 1
	}
	if sampleCount > 0 {
		s.lastAudioPTS = pts
		s.haveLastAudioPTS = true
	}
	s.firstEmitted = true
	cc := s.audioCC
	s.audioCC = (s.audioCC + 1) & 0x0F
	s.mu.Unlock()
	s.packAndWrite(pkt.Data, audioPID, cc, pts, false)
	return pts
}

// packAndWrite splits payload into 188-byte TS packets with PUSI on the
// first packet of the PES and writes them through the egress writer,
// which never blocks the caller (spec.md §4.8).
func (s *Sink) packAndWrite(payload []byte, pid uint16, cc uint8, pts90k int64, isIDR bool) {
	s.mu.Lock()
	insp := s.insp
	attached := !s.attachedAt.IsZero()
	s.mu.Unlock()
	if !attached {
		return
	}
	if insp != nil {
		insp.Observe(pid, int(cc), false, false, pts90k, true)
	}
	// Simplified single-PES-per-call packaging: no PES header (stream id,
	// PTS/DTS flags, stuffing) is built; the encoded payload is copied
	// as-is and pts90k only reaches the inspector. Adaptation-field PCR
	// insertion happens only on the PCR carrier PID at the configured
	// cadence, handled by the caller via WritePCR.
	first := true
	for off := 0; off < len(payload) || first; {
		var pkt [188]byte
		pkt[0] = 0x47
		pusi := byte(0)
		if first {
			pusi = 0x40
		}
		pkt[1] = pusi | byte((pid>>8)&0x1F)
		pkt[2] = byte(pid & 0xFF)
		pkt[3] = 0x10 | (cc & 0x0F)
		n := copy(pkt[4:], payload[off:])
		for i := 4 + n; i < 188; i++ {
			pkt[i] = 0xFF
		}
		s.writer.Write(pkt[:])
		off += n
		first = false
		if n == 0 {
			break
		}
	}
}

// WritePCR inserts a PCR-bearing adaptation-field-only packet on the
// PCR carrier PID. pcr27MHz is the 27MHz program clock reference value.
func (s *Sink) WritePCR(pcr27MHz int64) {
	s.mu.Lock()
	attached := !s.attachedAt.IsZero()
	s.mu.Unlock()
	if !attached {
		return
	}
	var pkt [188]byte
	pkt[0] = 0x47
	pkt[1] = byte((pcrPID >> 8) & 0x1F)
	pkt[2] = byte(pcrPID & 0xFF)
	pkt[3] = 0x20 // adaptation field only, cc not advanced for AF-only packets
	pkt[4] = 183  // adaptation_field_length
	pkt[5] = 0x10 // PCR_flag=1
	base := pcr27MHz / 300
	ext := pcr27MHz % 300
	pkt[6] = byte(base >> 25)
	pkt[7] = byte(base >> 17)
	pkt[8] = byte(base >> 9)
	pkt[9] = byte(base >> 1)
	pkt[10] = byte((base&1)<<7) | 0x7E | byte((ext>>8)&0x01)
	pkt[11] = byte(ext)
	for i := 12; i < 188; i++ {
		pkt[i] = 0xFF
	}
	s.writer.Write(pkt[:])
}

// RunClockPaced waits until wallClockDeadline before returning, matching
// spec.md §4.7's "Mux loop waits for wall_clock >= frame.ct_us before
// dequeue. Never emission-on-availability." The pipeline manager does
// not call it; it paces ticks with its own monotonic sleep.
func (s *Sink) RunClockPaced(ctx context.Context, wallClockDeadline time.Time) {
	s.clock.SleepUntil(wallClockDeadline)
}
