// Command retrovue-engine runs the core playout engine for one
// broadcast channel: it anchors a session epoch, opens the schedule
// authority's horizon store, and runs the tick-driven pipeline manager
// until the process receives SIGINT or SIGTERM. A StopChannel request
// runs the lifecycle teardown negotiation but does not end the process.
//
// Wiring follows the teacher's cmd/plex-tuner/main.go shape: flag
// parsing, an HTTP listener started in a goroutine, and a blocking wait
// on SIGINT/SIGTERM before a final graceful-teardown call.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slbailey/retrovue/internal/block"
	"github.com/slbailey/retrovue/internal/clock"
	"github.com/slbailey/retrovue/internal/config"
	"github.com/slbailey/retrovue/internal/control"
	"github.com/slbailey/retrovue/internal/diag"
	"github.com/slbailey/retrovue/internal/egress"
	"github.com/slbailey/retrovue/internal/encoder"
	"github.com/slbailey/retrovue/internal/horizon"
	"github.com/slbailey/retrovue/internal/lifecycle"
	"github.com/slbailey/retrovue/internal/metrics"
	"github.com/slbailey/retrovue/internal/pad"
	"github.com/slbailey/retrovue/internal/pipeline"
	"github.com/slbailey/retrovue/internal/preload"
	"github.com/slbailey/retrovue/internal/producer"
	"github.com/slbailey/retrovue/internal/tsmux"
)

func main() {
	channelID := flag.String("channel-id", "", "channel identifier (overrides RETROVUE_ENGINE_CHANNEL_ID)")
	controlAddr := flag.String("control-addr", "", "control-surface HTTP listen address (overrides RETROVUE_ENGINE_CONTROL_ADDR)")
	horizonDB := flag.String("horizon-db", "", "path to the sqlite horizon store (overrides RETROVUE_ENGINE_HORIZON_DB)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *channelID != "" {
		cfg.ChannelID = *channelID
	}
	if *controlAddr != "" {
		cfg.ControlAddr = *controlAddr
	}
	if *horizonDB != "" {
		cfg.HorizonDBPath = *horizonDB
	}

	logger := log.New(os.Stdout, fmt.Sprintf("engine[%s] ", cfg.ChannelID), log.LstdFlags|log.Lmicroseconds)

	store, err := horizon.Open(cfg.HorizonDBPath)
	if err != nil {
		log.Fatalf("horizon: %v", err)
	}
	defer store.Close()

	startupNowMs := time.Now().UnixMilli()
	if snap, err := store.Snapshot(startupNowMs, startupNowMs+1); err != nil {
		logger.Printf("horizon: startup snapshot read failed (stateless restart continues): %v", err)
	} else if idx, offsetMs, ok := horizon.ComputePosition(snap, startupNowMs); ok {
		logger.Printf("horizon: rejoining mid-block index=%d offset_ms=%d block_id=%d", idx, offsetMs, snap[idx].ID)
	}

	reg := prometheus.NewRegistry()
	mtr := metrics.NewRegistry(reg)

	insp := diag.New(func(msg string) {
		logger.Printf("diag: %s", msg)
	})

	preloadMgr := preload.New(preload.DefaultConfig(), logger)
	preloadCtx, preloadCancel := context.WithCancel(context.Background())
	defer preloadCancel()
	go preloadMgr.Run(preloadCtx)

	sysClock := clock.NewSystemClock()
	anchor := clock.NewSessionAnchor(sysClock, clock.Rate{Num: cfg.OutputRateNum, Den: cfg.OutputRateDen})

	padGen := pad.NewGenerator(
		pad.VideoFormat{Width: cfg.VideoWidth, Height: cfg.VideoHeight},
		pad.AudioFormat{SampleRate: cfg.AudioSampleRate, Channels: cfg.AudioChannels},
		1024,
	)

	enc, err := encoder.New(encoder.Constraints{
		MaxBFrames:          0,
		GOPSize:             cfg.EncoderGOPSize,
		TargetBitrateBPS:    cfg.EncoderTargetBitrateBPS,
		BitrateTolerancePct: cfg.EncoderBitrateTolerance,
	}, passthroughBackend{})
	if err != nil {
		log.Fatalf("encoder: %v", err)
	}

	sink := tsmux.New(egress.NullSink{}, wallClock{}, int64(cfg.AudioSampleRate), logger)
	sink.SetInspector(insp)

	queue := pipeline.NewQueue()
	mgr := pipeline.NewManager(anchor, sysClock, queue, sink, padGen, enc, mtr, logger)
	mgr.OnBlockStarted(func(id block.BlockID) {
		logger.Printf("pipeline: block started block=%d", id)
	})

	sup := lifecycle.New(cfg.GraceTimeout, logger)
	sup.SetState(block.StateLive)

	ctx, cancel := context.WithCancel(context.Background())

	houseAudio := producer.HouseAudioFormat{SampleRate: cfg.AudioSampleRate, Channels: cfg.AudioChannels}
	decoderFactory := producer.NewDefaultDecoderFactory(
		producer.FFmpegHouseFormat{Width: cfg.VideoWidth, Height: cfg.VideoHeight},
		houseAudio,
		1024,
	)
	ctrl := control.NewServer(ctx, cfg.ChannelID, sink, mgr, sup, store, cfg.LookaheadTarget, cfg.LookaheadCap, logger, mtr, houseAudio, decoderFactory)

	mux := http.NewServeMux()
	mux.Handle("/control/", ctrl)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	logger.Printf("control surface listening on %s", cfg.ControlAddr)
	go func() {
		if err := http.ListenAndServe(cfg.ControlAddr, mux); err != nil {
			logger.Fatalf("control http: %v", err)
		}
	}()

	go mgr.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Println("shutting down")
	sup.RequestTeardown(ctx, cancel)
	<-sup.Done()
}

// wallClock adapts the real OS clock to tsmux.Clock's narrower
// Now/SleepUntil interface, used for PCR-paced emission.
type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) SleepUntil(t time.Time) {
	if d := time.Until(t); d > 0 {
		time.Sleep(d)
	}
}

// passthroughBackend is the default encoder.Backend wired by this
// binary: it packages the already-decoded house-format frame bytes as
// an access unit and tags forceIDR frames, so the encoder's GOP/IDR-gate
// bookkeeping still runs against a real, running codec seam rather than
// a nil plug. A deployment that needs a real H.264/AAC bitstream swaps
// this for a codec-backed encoder.Backend.
type passthroughBackend struct{}

func (passthroughBackend) EncodeVideo(f producer.VideoFrame, forceIDR bool) (encoder.Packet, error) {
	data := make([]byte, 0, len(f.Y)+len(f.Cb)+len(f.Cr))
	data = append(data, f.Y...)
	data = append(data, f.Cb...)
	data = append(data, f.Cr...)
	return encoder.Packet{Data: data, IsIDR: forceIDR, IsVideo: true}, nil
}

func (passthroughBackend) EncodeAudio(f producer.AudioFrame) (encoder.Packet, error) {
	return encoder.Packet{Data: f.PCM}, nil
}
