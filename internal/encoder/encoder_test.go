package encoder

import (
	"errors"
	"testing"

	"github.com/slbailey/retrovue/internal/block"
	"github.com/slbailey/retrovue/internal/producer"
)

type fakeBackend struct {
	idrEvery int
	n        int
	failErr  error
}

func (f *fakeBackend) EncodeVideo(vf producer.VideoFrame, forceIDR bool) (Packet, error) {
	if f.failErr != nil {
		return Packet{}, f.failErr
	}
	isIDR := forceIDR || (f.idrEvery > 0 && f.n%f.idrEvery == 0)
	f.n++
	return Packet{IsVideo: true, IsIDR: isIDR, Data: []byte{0x00}}, nil
}

func (f *fakeBackend) EncodeAudio(af producer.AudioFrame) (Packet, error) {
	return Packet{Data: []byte{0x01}}, nil
}

func TestValidateRejectsBFrames(t *testing.T) {
	c := Constraints{MaxBFrames: 1, GOPSize: 30, TargetBitrateBPS: 1000}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for nonzero MaxBFrames")
	}
}

func TestIDRGateForcesIDROnFirstFrame(t *testing.T) {
	be := &fakeBackend{}
	enc, err := New(Constraints{GOPSize: 4, TargetBitrateBPS: 1000}, be)
	if err != nil {
		t.Fatal(err)
	}
	_, emit, err := enc.EncodeVideo(1, producer.VideoFrame{})
	if err != nil {
		t.Fatal(err)
	}
	if !emit {
		t.Fatal("expected the first frame after ResetForSegment-equivalent init to force an IDR and emit")
	}
}

func TestResetForSegmentClearsGate(t *testing.T) {
	be := &fakeBackend{}
	enc, err := New(Constraints{GOPSize: 10, TargetBitrateBPS: 1000}, be)
	if err != nil {
		t.Fatal(err)
	}
	enc.EncodeVideo(0, producer.VideoFrame{})
	if !enc.idrSeen {
		t.Fatal("expected idrSeen after first encode")
	}
	enc.ResetForSegment(block.Segment{})
	if enc.idrSeen {
		t.Fatal("expected ResetForSegment to clear the IDR gate")
	}
}

func TestEncodeVideoPropagatesBackendError(t *testing.T) {
	be := &fakeBackend{failErr: errors.New("boom")}
	enc, err := New(Constraints{GOPSize: 10, TargetBitrateBPS: 1000}, be)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := enc.EncodeVideo(0, producer.VideoFrame{}); err == nil {
		t.Fatal("expected encode error to propagate")
	}
}

func TestCheckBitrateWithinTolerance(t *testing.T) {
	enc, err := New(Constraints{GOPSize: 10, TargetBitrateBPS: 1000, BitrateTolerancePct: 0.10}, &fakeBackend{})
	if err != nil {
		t.Fatal(err)
	}
	if !enc.CheckBitrate(1050) {
		t.Fatal("expected 1050 to be within +/-10% of 1000")
	}
	if enc.CheckBitrate(2000) {
		t.Fatal("expected 2000 to be outside +/-10% of 1000")
	}
}
