package producer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/slbailey/retrovue/internal/block"
)

// FFmpegHouseFormat is the fixed video geometry FFmpegDecoder decodes
// every asset to, matching the session's house video format.
type FFmpegHouseFormat struct {
	Width, Height int
}

// FFmpegDecoder demuxes and decodes one asset by shelling out to ffmpeg
// and reading raw house-format frames back over its stdout, the same
// subprocess-pipe idiom the retrieval pack's encode/transcode managers
// use (five82-reel's encode pipeline, thewind121212-natashi's ffmpeg
// encoder) -- run here in reverse, as a decoder rather than an encoder,
// since the producer's job is the mirror operation: demux+decode into
// house format rather than encode out of it. Video and audio are
// demuxed by two independent ffmpeg processes so each output stream is a
// simple fixed-size blocking read, with no in-process container/PES
// parsing required.
type FFmpegDecoder struct {
	videoCmd *exec.Cmd
	audioCmd *exec.Cmd
	videoOut *bufio.Reader
	audioOut *bufio.Reader

	video FFmpegHouseFormat
	house HouseAudioFormat

	frameBytes           int
	sampleBytes          int
	samplesPerAudioFrame int

	frameIndex int64
}

// NewFFmpegDecoder starts the two ffmpeg subprocesses for assetURI. The
// caller is responsible for validating assetURI before this is called
// (spec.md §4.3, internal/probe, internal/safeurl).
func NewFFmpegDecoder(ctx context.Context, assetURI string, video FFmpegHouseFormat, house HouseAudioFormat, samplesPerAudioFrame int) (*FFmpegDecoder, error) {
	ySize := video.Width * video.Height
	cSize := (video.Width / 2) * (video.Height / 2)
	frameBytes := ySize + 2*cSize

	videoCmd := exec.CommandContext(ctx, "ffmpeg",
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", assetURI,
		"-map", "0:v:0", "-an",
		"-f", "rawvideo", "-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", video.Width, video.Height),
		"pipe:1")
	videoPipe, err := videoCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("producer: ffmpeg video stdout pipe: %w", err)
	}
	if err := videoCmd.Start(); err != nil {
		return nil, fmt.Errorf("producer: start ffmpeg video decode: %w", err)
	}

	audioCmd := exec.CommandContext(ctx, "ffmpeg",
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", assetURI,
		"-map", "0:a:0", "-vn",
		"-f", "s16le", "-ar", fmt.Sprintf("%d", house.SampleRate),
		"-ac", fmt.Sprintf("%d", house.Channels),
		"pipe:1")
	audioPipe, err := audioCmd.StdoutPipe()
	if err != nil {
		_ = videoCmd.Process.Kill()
		return nil, fmt.Errorf("producer: ffmpeg audio stdout pipe: %w", err)
	}
	if err := audioCmd.Start(); err != nil {
		_ = videoCmd.Process.Kill()
		return nil, fmt.Errorf("producer: start ffmpeg audio decode: %w", err)
	}

	return &FFmpegDecoder{
		videoCmd:             videoCmd,
		audioCmd:             audioCmd,
		videoOut:             bufio.NewReaderSize(videoPipe, frameBytes*2),
		audioOut:             bufio.NewReaderSize(audioPipe, 4096),
		video:                video,
		house:                house,
		frameBytes:           frameBytes,
		sampleBytes:          2 * house.Channels,
		samplesPerAudioFrame: samplesPerAudioFrame,
	}, nil
}

// NextVideo reads one fixed-size planar YCbCr 4:2:0 frame from the video
// ffmpeg process, or ok=false once its stdout is exhausted.
func (d *FFmpegDecoder) NextVideo(ctx context.Context) (VideoFrame, bool, error) {
	ySize := d.video.Width * d.video.Height
	cSize := (d.video.Width / 2) * (d.video.Height / 2)
	buf := make([]byte, d.frameBytes)
	if _, err := io.ReadFull(d.videoOut, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return VideoFrame{}, false, nil
		}
		return VideoFrame{}, false, fmt.Errorf("producer: read video frame: %w", err)
	}
	d.frameIndex++
	return VideoFrame{
		Y:             buf[:ySize:ySize],
		Cb:            buf[ySize : ySize+cSize : ySize+cSize],
		Cr:            buf[ySize+cSize:],
		MediaPTSTicks: d.frameIndex,
		TimeBaseNum:   1,
		TimeBaseDen:   1,
	}, true, nil
}

// NextAudio reads one fixed-size chunk of house-rate/channel s16le PCM
// from the audio ffmpeg process, or ok=false once its stdout is
// exhausted.
func (d *FFmpegDecoder) NextAudio(ctx context.Context) (AudioFrame, bool, error) {
	n := d.samplesPerAudioFrame * d.sampleBytes
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.audioOut, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return AudioFrame{}, false, nil
		}
		return AudioFrame{}, false, fmt.Errorf("producer: read audio frame: %w", err)
	}
	return AudioFrame{
		PCM:        buf,
		SampleRate: d.house.SampleRate,
		Channels:   d.house.Channels,
	}, true, nil
}

// Close terminates both ffmpeg subprocesses and waits for them to exit.
func (d *FFmpegDecoder) Close() error {
	if d.videoCmd.Process != nil {
		_ = d.videoCmd.Process.Kill()
	}
	if d.audioCmd.Process != nil {
		_ = d.audioCmd.Process.Kill()
	}
	videoErr := d.videoCmd.Wait()
	audioErr := d.audioCmd.Wait()
	if videoErr != nil {
		return videoErr
	}
	return audioErr
}

var _ Decoder = (*FFmpegDecoder)(nil)

// NewDefaultDecoderFactory returns the DecoderFactory this engine wires
// by default: one backed by ffmpeg subprocesses (FFmpegDecoder), the
// concrete decode backend matching the pack's own subprocess-relay idiom
// rather than leaving the producer's Decoder seam entirely unfilled. A
// deployment without ffmpeg on PATH can still supply its own
// DecoderFactory to control.NewServer.
func NewDefaultDecoderFactory(video FFmpegHouseFormat, house HouseAudioFormat, samplesPerAudioFrame int) DecoderFactory {
	return func(ctx context.Context, segment block.Segment) (Decoder, error) {
		return NewFFmpegDecoder(ctx, segment.AssetURI, video, house, samplesPerAudioFrame)
	}
}
