// Package producer implements the file producer: demuxing and decoding
// one scheduled asset into house-format frames, pushed into the
// pipeline's look-ahead buffers under the buffer's own back-pressure
// gate (spec.md §4.3).
//
// The producer never drops frames, is "time-blind after lock" (it stamps
// media time only, never output composition time), and tracks progress
// by frame index rather than elapsed wall time to avoid drift -- the
// same shape as the teacher's ffmpeg-subprocess relay idiom in
// gateway.go, re-expressed here as an in-process decode loop instead of
// a subprocess pipe, per SPEC_FULL.md's encoder-pipeline note.
package producer

import (
	"context"
	"fmt"
	"log"

	"github.com/slbailey/retrovue/internal/block"
	"github.com/slbailey/retrovue/internal/lookahead"
)

// VideoFrame is one decoded video frame with its media-time timestamp,
// in the source container's time base, not yet rescaled to output PTS.
type VideoFrame struct {
	Y, Cb, Cr     []byte
	MediaPTSTicks int64
	TimeBaseNum   int64
	TimeBaseDen   int64
	IsIDR         bool
}

// AudioFrame is one decoded PCM audio frame at the house sample rate.
type AudioFrame struct {
	PCM           []byte
	MediaPTSTicks int64
	TimeBaseNum   int64
	TimeBaseDen   int64
	SampleRate    int
	Channels      int
}

// HouseAudioFormat is the single session-wide audio format; any input
// not conforming is rejected at this boundary, per spec.md §4.6 and
// GLOSSARY "House format".
type HouseAudioFormat struct {
	SampleRate int
	Channels   int
}

// Decoder is the minimal contract a container/codec backend must
// satisfy. A real implementation wraps a demux+decode library; tests use
// a fake that replays a fixed frame sequence.
type Decoder interface {
	// NextVideo returns the next decoded video frame, or ok=false at EOF.
	NextVideo(ctx context.Context) (VideoFrame, bool, error)
	// NextAudio returns the next decoded audio frame, or ok=false at EOF.
	NextAudio(ctx context.Context) (AudioFrame, bool, error)
	Close() error
}

// DecoderFactory resolves one Segment's asset_uri to a concrete Decoder.
// The control surface calls this once per non-pad segment of a newly fed
// block, the same per-request construction shape as the teacher's
// gateway.go spinning up one relay goroutine per incoming stream
// request. A nil DecoderFactory leaves CONTENT/FILLER segments unfilled,
// matching encoder.Backend's own deployment-supplied seam.
type DecoderFactory func(ctx context.Context, segment block.Segment) (Decoder, error)

// Producer drives one Decoder for the lifetime of one Segment, pushing
// frames into the supplied look-ahead buffers.
type Producer struct {
	segment block.Segment
	dec     Decoder
	house   HouseAudioFormat
	log     *log.Logger

	videoFramesPushed int64
	eofSignalled      bool
}

// New constructs a producer bound to segment, decoding via dec, rejecting
// audio that does not match house.
func New(segment block.Segment, dec Decoder, house HouseAudioFormat, logger *log.Logger) *Producer {
	return &Producer{segment: segment, dec: dec, house: house, log: logger}
}

// Run decodes and pushes frames until EOF or ctx cancellation. It is
// intended to run on the dedicated fill thread owned by the look-ahead
// buffer pair; StartFilling/StopFilling bracket this call.
func (p *Producer) Run(ctx context.Context, video *lookahead.Buffer[VideoFrame], audio *lookahead.Buffer[AudioFrame]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		vf, ok, err := p.dec.NextVideo(ctx)
		if err != nil {
			return fmt.Errorf("producer: decode video: %w", err)
		}
		if !ok {
			p.signalEOF()
			return nil
		}
		// Push blocks under the buffer's own slot gate; it is never
		// skipped to relieve back-pressure.
		video.Push(vf)
		p.videoFramesPushed++

		af, ok, err := p.dec.NextAudio(ctx)
		if err != nil {
			return fmt.Errorf("producer: decode audio: %w", err)
		}
		if ok {
			if af.SampleRate != p.house.SampleRate || af.Channels != p.house.Channels {
				// Data-contract violation: reject at the boundary, log,
				// drop this frame, keep decoding (spec.md §7).
				p.log.Printf("producer: rejecting non-house audio sample_rate=%d channels=%d want_sample_rate=%d want_channels=%d segment=%s",
					af.SampleRate, af.Channels, p.house.SampleRate, p.house.Channels, p.segment.SegmentUUID)
			} else {
				audio.Push(af)
			}
		}
	}
}

func (p *Producer) signalEOF() {
	if p.eofSignalled {
		return
	}
	p.eofSignalled = true
	p.log.Printf("producer: eof segment=%s frames_pushed=%d budget=%d", p.segment.SegmentUUID, p.videoFramesPushed, p.segment.FrameCount)
}

// FramesPushed reports progress by frame index, the producer's only
// notion of progress (spec.md §4.3 "tracks progress by frame index, not
// elapsed time").
func (p *Producer) FramesPushed() int64 { return p.videoFramesPushed }

// EOFSignalled reports whether EOF has fired, matching the "exactly
// once" contract in spec.md §4.3.
func (p *Producer) EOFSignalled() bool { return p.eofSignalled }
