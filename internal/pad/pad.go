// Package pad provides the session-long source of black video and house
// format silence that the pipeline manager falls back to whenever a real
// frame cannot be retrieved. Pad is a legal, classified first-class
// output per spec.md §7, never an error condition.
package pad

import "github.com/slbailey/retrovue/internal/block"

// VideoFormat describes the house video frame shape pad frames are built
// against.
type VideoFormat struct {
	Width, Height int
}

// AudioFormat describes the house audio format pad silence is built
// against.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// blackY, blackCb, blackCr are BT.601 studio-range black, per spec.md §2.
const (
	blackY  = 16
	blackCb = 128
	blackCr = 128
)

// Frame is a single decoded video frame in planar YCbCr 4:2:0, matching
// the house format the encoder pipeline expects.
type Frame struct {
	Y, Cb, Cr []byte
	Width, Height int
}

// Generator produces black video frames and silent audio buffers for a
// fixed house format. It holds no per-session state beyond the format
// and is safe for concurrent use by multiple callers (all reads).
type Generator struct {
	video VideoFormat
	audio AudioFormat

	blackFrame Frame
	silence    []byte // one house-format silent frame's worth of PCM
}

// NewGenerator precomputes the black frame and silent audio buffer once,
// so the tick path only ever copies or references immutable data --
// never allocates or computes black/silence content per tick.
func NewGenerator(v VideoFormat, a AudioFormat, samplesPerAudioFrame int) *Generator {
	ySize := v.Width * v.Height
	cSize := (v.Width / 2) * (v.Height / 2)
	y := make([]byte, ySize)
	cb := make([]byte, cSize)
	cr := make([]byte, cSize)
	for i := range y {
		y[i] = blackY
	}
	for i := range cb {
		cb[i] = blackCb
		cr[i] = blackCr
	}
	bytesPerSample := 2 * a.Channels // 16-bit PCM
	silence := make([]byte, samplesPerAudioFrame*bytesPerSample)

	return &Generator{
		video: v,
		audio: a,
		blackFrame: Frame{
			Y: y, Cb: cb, Cr: cr,
			Width: v.Width, Height: v.Height,
		},
		silence: silence,
	}
}

// BlackFrame returns the precomputed black video frame. Callers must not
// mutate the returned slices; they are shared across every pad emission
// in the session.
func (g *Generator) BlackFrame() Frame { return g.blackFrame }

// Silence returns the precomputed silent PCM buffer for one audio frame
// worth of house-format samples.
func (g *Generator) Silence() []byte { return g.silence }

// SampleRate returns the house audio sample rate pad silence is built
// against, so callers can stamp a producer.AudioFrame around Silence()
// without duplicating the house format elsewhere.
func (g *Generator) SampleRate() int { return g.audio.SampleRate }

// Channels returns the house audio channel count pad silence is built
// against.
func (g *Generator) Channels() int { return g.audio.Channels }

// SegmentFor builds a synthetic PAD segment carrying frameCount frames
// and a zero SegmentUUID, a sentinel segment for fallback output (spec.md
// §6 frame attribution, §4.4.2 fence swap with an unready block). The
// pipeline manager's emitFallback does not call it.
func SegmentFor(frameCount int64) block.Segment {
	return block.Segment{
		Type:       block.SegmentPad,
		AssetURI:   "",
		FrameCount: frameCount,
	}
}
