// Package clock implements integer rational frame-rate arithmetic and the
// session time anchor used to derive every tick deadline and output PTS.
// No floating point appears on the hot path: every conversion is exact
// integer arithmetic with 128-bit-safe cross-multiplication.
package clock

import (
	"math/bits"
	"time"
)

// Rate is a frame rate expressed as a reduced fraction num/den, e.g.
// 30000/1001 for 29.97, or 30/1 for 30.
type Rate struct {
	Num int64
	Den int64
}

// Reduce returns r in lowest terms. Both Num and Den must be positive.
func (r Rate) Reduce() Rate {
	g := gcd(r.Num, r.Den)
	if g == 0 {
		return r
	}
	return Rate{Num: r.Num / g, Den: r.Den / g}
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

// FrameDurationUS returns the exact frame duration in microseconds,
// rounded down: den*1_000_000/num.
func (r Rate) FrameDurationUS() int64 {
	return mulDiv(r.Den, 1_000_000, r.Num)
}

func (r Rate) FrameDurationNS() int64 {
	return mulDiv(r.Den, 1_000_000_000, r.Num)
}

func (r Rate) FrameDurationMS() int64 {
	return mulDiv(r.Den, 1_000, r.Num)
}

// TickTimeUS returns the elapsed microseconds at tick n: n*1e6*den/num.
// Uses a 128-bit intermediate product so this is exact for n spanning a
// full day at any broadcast rate.
func (r Rate) TickTimeUS(n int64) int64 {
	return mulDiv128(n, r.Den*1_000_000, r.Num)
}

// FrameIndexToPTS90k converts a frame index to a 90kHz PTS tick, the unit
// MPEG-TS uses for presentation timestamps.
func (r Rate) FrameIndexToPTS90k(n int64) int64 {
	return mulDiv128(n, r.Den*90_000, r.Num)
}

// PTSToFrameIndex is the inverse of FrameIndexToPTS90k. Composed together
// they form the identity round-trip required by the testable properties.
func (r Rate) PTSToFrameIndex(pts90k int64) int64 {
	if r.Den == 0 {
		return 0
	}
	// pts90k = n*den*90000/num  =>  n = pts90k*num/(den*90000)
	return mulDiv128(pts90k, r.Num, r.Den*90_000)
}

// mulDiv computes a*b/c using int64 arithmetic, valid while a*b fits in
// int64. Used for the frame-duration helpers where operands are small.
func mulDiv(a, b, c int64) int64 {
	return (a * b) / c
}

// mulDiv128 computes a*b/c without overflow by carrying the product in a
// 128-bit intermediate (hi:lo), then dividing back down to int64. This is
// the "128-bit intermediates" arithmetic spec.md §3 requires for
// cross-multiplication over a day-long session.
func mulDiv128(a, b, c int64) int64 {
	if a < 0 || b < 0 || c <= 0 {
		// Tick math never sees negative ticks or non-positive denominators
		// in practice; guard rather than silently producing garbage.
		if a < 0 {
			return -mulDiv128(-a, b, c)
		}
		if b < 0 {
			return -mulDiv128(a, -b, c)
		}
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	q, _ := bits.Div64(hi, lo, uint64(c))
	return int64(q)
}

// ConversionMode classifies a source→output rate conversion.
type ConversionMode int

const (
	// ModeOff: input and output rates are equal, no conversion needed.
	ModeOff ConversionMode = iota
	// ModeDrop: output rate divides input rate exactly (integer step).
	ModeDrop
	// ModeCadence: non-integer ratio; requires pulldown-style cadence.
	ModeCadence
)

// ClassifyMode is a pure function of the four rate components, matching
// spec.md §4.1's mode classifier and the round-trip law in §8: OFF iff
// in/out == 1, DROP iff the ratio is an integer > 1, else CADENCE.
func ClassifyMode(inNum, inDen, outNum, outDen int64) ConversionMode {
	// in/out == 1  <=>  inNum*outDen == outNum*inDen
	if inNum*outDen == outNum*inDen {
		return ModeOff
	}
	// ratio = (inNum/inDen) / (outNum/outDen) = inNum*outDen / (inDen*outNum)
	num := inNum * outDen
	den := inDen * outNum
	if den != 0 && num%den == 0 && num/den > 1 {
		return ModeDrop
	}
	return ModeCadence
}

// Clock is the explicit time source threaded through every component that
// needs wall-clock or monotonic time, per spec.md §9's "no global
// singletons" design note. Production code uses SystemClock; tests supply
// their own fake Clock that advances deterministically.
type Clock interface {
	NowUTC() time.Time
	NowMonotonicNS() int64
}

// SystemClock is the production Clock backed by the real OS clock.
type SystemClock struct {
	start time.Time
	mono  int64
}

// NewSystemClock anchors a new system clock at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) NowUTC() time.Time { return time.Now().UTC() }

func (c *SystemClock) NowMonotonicNS() int64 { return time.Since(c.start).Nanoseconds() }

// SessionAnchor is the immutable time origin captured once at session
// start (spec.md §3 "Session anchor"). All deadlines and PTS values
// derive from it plus the output Rate.
type SessionAnchor struct {
	EpochUTCMs   int64
	EpochMonoNS  int64
	Rate         Rate
}

// NewSessionAnchor captures the current instant from clk as the session's
// immutable origin.
func NewSessionAnchor(clk Clock, rate Rate) SessionAnchor {
	return SessionAnchor{
		EpochUTCMs:  clk.NowUTC().UnixMilli(),
		EpochMonoNS: clk.NowMonotonicNS(),
		Rate:        rate.Reduce(),
	}
}

// DeadlineMonoNS returns the monotonic deadline for tick n:
// session_epoch_mono_ns + round(n*1e9*den/num).
func (a SessionAnchor) DeadlineMonoNS(n int64) int64 {
	hi, lo := bits.Mul64(uint64(n), uint64(a.Rate.Den*1_000_000_000))
	lo, carry := bits.Add64(lo, uint64(a.Rate.Num/2), 0)
	q, _ := bits.Div64(hi+carry, lo, uint64(a.Rate.Num))
	return a.EpochMonoNS + int64(q)
}

// FenceTick computes the immutable fence tick for a block ending at
// endUTCMs, per spec.md §3: ceil((end-epoch)*num/(den*1000)).
func (a SessionAnchor) FenceTick(endUTCMs int64) int64 {
	deltaMs := endUTCMs - a.EpochUTCMs
	if deltaMs <= 0 {
		return 0
	}
	num := deltaMs * a.Rate.Num
	den := a.Rate.Den * 1000
	q := num / den
	if num%den != 0 {
		q++
	}
	return q
}
