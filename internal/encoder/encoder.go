// Package encoder re-encodes decoded frames to the channel's house
// format and enforces the constraints spec.md §4.6 requires at init:
// no B-frames, fixed GOP, bitrate within +/-10% of target, and an
// IDR-gated first packet per segment.
//
// The teacher's buildFFmpegMPEGTSCodecArgs in gateway.go constructs an
// ffmpeg command line enforcing these same constraints (-bf 0, -g
// <gop>, -b:v/-maxrate/-bufsize); here the constraints are validated
// and enforced natively in Go against an in-process encode backend
// rather than shelling out, since the engine does not spawn
// subprocesses on its tick-critical path.
package encoder

import (
	"fmt"

	"github.com/slbailey/retrovue/internal/block"
	"github.com/slbailey/retrovue/internal/producer"
)

// Constraints mirrors the house encode profile.
type Constraints struct {
	MaxBFrames   int // must be 0
	GOPSize      int // fixed keyframe interval, in frames
	TargetBitrateBPS int64
	BitrateTolerancePct float64 // e.g. 0.10 for +/-10%
}

// Validate rejects a Constraints value that does not satisfy spec.md
// §4.6's hard requirements.
func (c Constraints) Validate() error {
	if c.MaxBFrames != 0 {
		return fmt.Errorf("encoder: max_b_frames must be 0, got %d", c.MaxBFrames)
	}
	if c.GOPSize <= 0 {
		return fmt.Errorf("encoder: gop size must be positive, got %d", c.GOPSize)
	}
	if c.TargetBitrateBPS <= 0 {
		return fmt.Errorf("encoder: target bitrate must be positive")
	}
	return nil
}

// Packet is one access-unit-aligned encoded output packet.
type Packet struct {
	Data      []byte
	IsIDR     bool
	IsVideo   bool
	PTS90k    int64
}

// Backend is the codec implementation the Encoder drives. A production
// backend wraps a real H.264/AAC encoder; tests use a fake that tags
// every Nth frame as an IDR per the configured GOP.
type Backend interface {
	EncodeVideo(f producer.VideoFrame, forceIDR bool) (Packet, error)
	EncodeAudio(f producer.AudioFrame) (Packet, error)
}

// Encoder drives Backend under the house Constraints and enforces the
// IDR gate: no video packet is emitted for a segment until an IDR has
// been produced, and the gate resets on every segment switch.
type Encoder struct {
	c       Constraints
	backend Backend

	idrSeen       bool
	currentSegUUID [16]byte
}

// New validates c and constructs an Encoder.
func New(c Constraints, backend Backend) (*Encoder, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Encoder{c: c, backend: backend}, nil
}

// ResetForSegment clears the IDR gate; called exactly once at every
// segment switch (spec.md §4.6 "The IDR gate resets on segment switch").
func (e *Encoder) ResetForSegment(seg block.Segment) {
	e.idrSeen = false
	e.currentSegUUID = seg.SegmentUUID
}

// EncodeVideo encodes a video frame, forcing an IDR if the GOP boundary
// or the segment-entry gate requires one, and suppresses emission of
// any packet before the first IDR of the segment.
func (e *Encoder) EncodeVideo(frameIndexInSegment int64, f producer.VideoFrame) (Packet, bool, error) {
	if e.backend == nil {
		return Packet{}, false, fmt.Errorf("encoder: no backend configured")
	}
	forceIDR := frameIndexInSegment%int64(e.c.GOPSize) == 0 || !e.idrSeen
	pkt, err := e.backend.EncodeVideo(f, forceIDR)
	if err != nil {
		return Packet{}, false, fmt.Errorf("encoder: encode video: %w", err)
	}
	if !e.idrSeen {
		if !pkt.IsIDR {
			// Gate holds: drop this packet, never emit pre-IDR video for
			// a segment (spec.md §4.6).
			return Packet{}, false, nil
		}
		e.idrSeen = true
	}
	return pkt, true, nil
}

// EncodeAudio encodes an audio frame. Audio is never gated by the IDR
// requirement -- only video packet emission is withheld.
func (e *Encoder) EncodeAudio(f producer.AudioFrame) (Packet, error) {
	if e.backend == nil {
		return Packet{}, fmt.Errorf("encoder: no backend configured")
	}
	pkt, err := e.backend.EncodeAudio(f)
	if err != nil {
		return Packet{}, fmt.Errorf("encoder: encode audio: %w", err)
	}
	return pkt, nil
}

// CheckBitrate reports whether observedBPS is within tolerance of the
// configured target, for diagnostics and Health() reporting.
func (e *Encoder) CheckBitrate(observedBPS int64) bool {
	lo := float64(e.c.TargetBitrateBPS) * (1 - e.c.BitrateTolerancePct)
	hi := float64(e.c.TargetBitrateBPS) * (1 + e.c.BitrateTolerancePct)
	return float64(observedBPS) >= lo && float64(observedBPS) <= hi
}
