package producer

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/slbailey/retrovue/internal/block"
	"github.com/slbailey/retrovue/internal/lookahead"
)

type fakeDecoder struct {
	video []VideoFrame
	audio []AudioFrame
	i     int
}

func (f *fakeDecoder) NextVideo(ctx context.Context) (VideoFrame, bool, error) {
	if f.i >= len(f.video) {
		return VideoFrame{}, false, nil
	}
	vf := f.video[f.i]
	return vf, true, nil
}

func (f *fakeDecoder) NextAudio(ctx context.Context) (AudioFrame, bool, error) {
	if f.i >= len(f.audio) {
		return AudioFrame{}, false, nil
	}
	af := f.audio[f.i]
	f.i++
	return af, true, nil
}

func (f *fakeDecoder) Close() error { return nil }

func testLogger() *log.Logger { return log.New(os.Stdout, "", 0) }

func TestRunPushesFramesAndSignalsEOF(t *testing.T) {
	dec := &fakeDecoder{
		video: []VideoFrame{{}, {}, {}},
		audio: []AudioFrame{{SampleRate: 48000, Channels: 2}, {SampleRate: 48000, Channels: 2}, {SampleRate: 48000, Channels: 2}},
	}
	seg := block.NewSegment(block.SegmentContent, "file:///a.mp4", 3)
	p := New(seg, dec, HouseAudioFormat{SampleRate: 48000, Channels: 2}, testLogger())

	video := lookahead.New[VideoFrame](8, 16)
	audio := lookahead.New[AudioFrame](8, 16)
	video.StartFilling()
	audio.StartFilling()
	defer func() {
		video.StopFilling()
		audio.StopFilling()
		video.Close()
		audio.Close()
	}()

	if err := p.Run(context.Background(), video, audio); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !p.EOFSignalled() {
		t.Fatal("expected EOF to be signalled")
	}
	if p.FramesPushed() != 3 {
		t.Fatalf("FramesPushed = %d, want 3", p.FramesPushed())
	}
	if video.Depth() != 3 {
		t.Fatalf("video depth = %d, want 3", video.Depth())
	}
}

func TestRunRejectsNonHouseAudio(t *testing.T) {
	dec := &fakeDecoder{
		video: []VideoFrame{{}},
		audio: []AudioFrame{{SampleRate: 44100, Channels: 2}},
	}
	seg := block.NewSegment(block.SegmentContent, "file:///a.mp4", 1)
	p := New(seg, dec, HouseAudioFormat{SampleRate: 48000, Channels: 2}, testLogger())

	video := lookahead.New[VideoFrame](8, 16)
	audio := lookahead.New[AudioFrame](8, 16)
	video.StartFilling()
	audio.StartFilling()
	defer func() {
		video.StopFilling()
		audio.StopFilling()
		video.Close()
		audio.Close()
	}()

	if err := p.Run(context.Background(), video, audio); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if audio.Depth() != 0 {
		t.Fatalf("expected non-house audio to be dropped, depth = %d", audio.Depth())
	}
}
