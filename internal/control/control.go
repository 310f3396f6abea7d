// Package control implements the RPC surface from spec.md §6:
// AttachStream, DetachStream, StopChannel, FeedBlock, OverrideBlock, and
// Health, exposed as a small HTTP API.
//
// The handler-dispatch shape is adapted from the teacher's
// server.go/hdhr.go ServeHTTP pattern (path-based dispatch over a
// handful of fixed endpoints), re-targeted from HDHomeRun device
// emulation endpoints to the engine's own control surface.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/slbailey/retrovue/internal/block"
	"github.com/slbailey/retrovue/internal/horizon"
	"github.com/slbailey/retrovue/internal/httpclient"
	"github.com/slbailey/retrovue/internal/lifecycle"
	"github.com/slbailey/retrovue/internal/metrics"
	"github.com/slbailey/retrovue/internal/pipeline"
	"github.com/slbailey/retrovue/internal/probe"
	"github.com/slbailey/retrovue/internal/producer"
	"github.com/slbailey/retrovue/internal/safeurl"
	"github.com/slbailey/retrovue/internal/tsmux"
)

// Server exposes the control surface for a single channel session.
type Server struct {
	channelID  string
	sink       *tsmux.Sink
	pipeline   *pipeline.Manager
	supervisor *lifecycle.Supervisor
	store      *horizon.Store
	log        *log.Logger
	mtr        *metrics.Registry

	lookaheadTarget int
	lookaheadCap    int

	houseAudio     producer.HouseAudioFormat
	decoderFactory producer.DecoderFactory
	httpClient     *http.Client
	ctx            context.Context

	sessionUUID uuid.UUID
}

// NewServer constructs a control Server for one channel. lookaheadTarget
// and lookaheadCap size every look-ahead buffer pair FeedBlock/
// OverrideBlock allocate for a newly accepted block (spec.md §9 Open
// Questions, decided in internal/config). decoderFactory resolves a
// segment's asset_uri to a concrete Decoder for FeedBlock/OverrideBlock
// to drive in the background (spec.md §4.3); a nil decoderFactory leaves
// CONTENT/FILLER segments unfilled, matching encoder.Backend's own
// deployment-supplied seam. ctx bounds the lifetime of every background
// producer goroutine this server starts.
func NewServer(ctx context.Context, channelID string, sink *tsmux.Sink, mgr *pipeline.Manager, sup *lifecycle.Supervisor, store *horizon.Store, lookaheadTarget, lookaheadCap int, logger *log.Logger, mtr *metrics.Registry, houseAudio producer.HouseAudioFormat, decoderFactory producer.DecoderFactory) *Server {
	return &Server{
		channelID:       channelID,
		sink:            sink,
		pipeline:        mgr,
		supervisor:      sup,
		store:           store,
		log:             logger,
		mtr:             mtr,
		lookaheadTarget: lookaheadTarget,
		lookaheadCap:    lookaheadCap,
		houseAudio:      houseAudio,
		decoderFactory:  decoderFactory,
		httpClient:      httpclient.Default(),
		ctx:             ctx,
		sessionUUID:     uuid.New(),
	}
}

// buildBlock constructs a block.Block from a feedBlockRequest, assigning
// a fresh SegmentUUID to every segment (spec.md §3 "execution identity;
// never positional"). AssetURI is validated against the scheme
// allowlist before the block is ever handed to the pipeline.
func buildBlock(req feedBlockRequest) (*block.Block, error) {
	blk := &block.Block{StartUTCMs: req.StartUTCMs, EndUTCMs: req.EndUTCMs}
	for _, s := range req.Segments {
		typ, ok := SegmentTypeFromWire(s.Type)
		if !ok {
			return nil, fmt.Errorf("control: unknown segment type %d", s.Type)
		}
		if typ != block.SegmentPad && s.AssetURI != "" && !safeurl.IsValidAssetURI(s.AssetURI) {
			return nil, fmt.Errorf("control: invalid asset_uri %q", s.AssetURI)
		}
		blk.Segments = append(blk.Segments, block.NewSegment(typ, s.AssetURI, s.FrameCount))
	}
	return blk, nil
}

// ServeHTTP dispatches on the fixed control-surface path set, the same
// shape as the teacher's HDHR ServeHTTP dispatch over a handful of fixed
// JSON endpoints.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/control/attach":
		s.handleAttach(w, r)
	case "/control/detach":
		s.handleDetach(w, r)
	case "/control/stop":
		s.handleStop(w, r)
	case "/control/feed-block":
		s.handleFeedBlock(w, r)
	case "/control/override-block":
		s.handleOverrideBlock(w, r)
	case "/control/health":
		s.handleHealth(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleAttach implements AttachStream(channel_id), idempotent.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	s.sink.Attach()
	w.WriteHeader(http.StatusOK)
}

// handleDetach implements DetachStream(channel_id): closes the sink; the
// tick loop continues until StopChannel.
func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	s.sink.Detach()
	w.WriteHeader(http.StatusOK)
}

// handleStop implements StopChannel(channel_id): begins teardown
// negotiation via the lifecycle supervisor.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	go s.supervisor.RequestTeardown(s.ctx, func() {})
	w.WriteHeader(http.StatusAccepted)
}

// feedBlockRequest is the wire shape for FeedBlock.
type feedBlockRequest struct {
	StartUTCMs int64 `json:"start_utc_ms"`
	EndUTCMs   int64 `json:"end_utc_ms"`
	Segments   []struct {
		Type       int    `json:"type"`
		AssetURI   string `json:"asset_uri"`
		FrameCount int64  `json:"frame_count"`
	} `json:"segments"`
}

// handleFeedBlock implements FeedBlock(channel_id, block): rejected if
// the block's start falls inside the locked window (spec.md §6, §8
// property 8). On acceptance the block is enqueued into the pipeline
// manager (computing its immutable fence tick and allocating its
// look-ahead buffer pair) and persisted to the horizon store under a
// fresh generation_id.
func (s *Server) handleFeedBlock(w http.ResponseWriter, r *http.Request) {
	var req feedBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	startT := time.UnixMilli(req.StartUTCMs)
	if horizon.IsLocked(time.Now(), startT) {
		http.Error(w, "block start falls within the locked window; operator_override required", http.StatusConflict)
		return
	}
	blk, err := buildBlock(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bs := s.pipeline.FeedBlock(blk, s.lookaheadTarget, s.lookaheadCap)
	s.runBlockProducers(bs)
	if s.store != nil {
		if err := s.store.Publish([]*block.Block{blk}); err != nil {
			// Persistence is a restart-recovery convenience, not a
			// correctness requirement for the live session: the block is
			// already queued and will play regardless (spec.md §6 "The
			// engine core is stateless across restarts").
			http.Error(w, fmt.Sprintf("block accepted but not persisted: %v", err), http.StatusAccepted)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// runBlockProducers starts a background goroutine that drives one
// producer.Producer per non-PAD segment of bs, in order, against
// bs.Video/bs.Audio -- the concrete realization of spec.md §4.3's file
// producer for a block the control surface just accepted. It is a no-op
// if no decoderFactory was wired in (the same deployment-supplied seam
// encoder.Backend uses).
func (s *Server) runBlockProducers(bs *pipeline.BlockSource) {
	if s.decoderFactory == nil || bs == nil {
		return
	}
	var segments []block.Segment
	for _, seg := range bs.Blk.Segments {
		if seg.Type != block.SegmentPad && seg.AssetURI != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return
	}
	go func() {
		bs.Video.StartFilling()
		bs.Audio.StartFilling()
		defer bs.Video.StopFilling()
		defer bs.Audio.StopFilling()

		for _, seg := range segments {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if safeurl.IsHTTPOrHTTPS(seg.AssetURI) {
				if st, err := probe.Probe(seg.AssetURI, s.httpClient); err != nil {
					s.log.Printf("control: probe asset_uri=%s segment=%s: %v", seg.AssetURI, seg.SegmentUUID, err)
				} else {
					s.log.Printf("control: probed asset_uri=%s segment=%s stream_type=%s", seg.AssetURI, seg.SegmentUUID, st)
				}
			}
			dec, err := s.decoderFactory(s.ctx, seg)
			if err != nil {
				s.log.Printf("control: decoder factory segment=%s asset_uri=%s: %v", seg.SegmentUUID, seg.AssetURI, err)
				continue
			}
			p := producer.New(seg, dec, s.houseAudio, s.log)
			if err := p.Run(s.ctx, bs.Video, bs.Audio); err != nil {
				s.log.Printf("control: producer run segment=%s: %v", seg.SegmentUUID, err)
			}
			dec.Close()
		}
	}()
}

// overrideBlockRequest is the wire shape for OverrideBlock.
type overrideBlockRequest struct {
	feedBlockRequest
	OperatorOverride bool `json:"operator_override"`
}

// handleOverrideBlock implements OverrideBlock(channel_id, range,
// new_block, operator_override=true): an atomic replace, allowed inside
// the locked window only with an explicit override flag. The replace
// range is the new block's own [start_utc_ms, end_utc_ms) window.
func (s *Server) handleOverrideBlock(w http.ResponseWriter, r *http.Request) {
	var req overrideBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	startT := time.UnixMilli(req.StartUTCMs)
	if horizon.IsLocked(time.Now(), startT) && !req.OperatorOverride {
		http.Error(w, "locked window mutation requires operator_override=true", http.StatusConflict)
		return
	}
	blk, err := buildBlock(req.feedBlockRequest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bs := s.pipeline.OverrideBlock(blk, req.StartUTCMs, req.EndUTCMs, s.lookaheadTarget, s.lookaheadCap)
	s.runBlockProducers(bs)
	if s.store != nil {
		if err := s.store.Publish([]*block.Block{blk}); err != nil {
			http.Error(w, fmt.Sprintf("override accepted but not persisted: %v", err), http.StatusAccepted)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// healthResponse implements Health(): horizon compliance, lateness
// percentiles, detach counts.
type healthResponse struct {
	ChannelID            string  `json:"channel_id"`
	SessionFrameIndex    int64   `json:"session_frame_index"`
	CurrentGeneration    uint64  `json:"current_generation"`
	SinkAttached         bool    `json:"sink_attached"`
	TickLatenessP95MS    float64 `json:"tick_lateness_p95_ms"`
	TickLatenessP99MS    float64 `json:"tick_lateness_p99_ms"`
	SlowConsumerDetaches float64 `json:"slow_consumer_detaches_total"`
	HorizonExhaustions   float64 `json:"horizon_exhaustions_total"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		ChannelID:         s.channelID,
		SessionFrameIndex: s.pipeline.SessionFrameIndex(),
		CurrentGeneration: s.store.CurrentGeneration(),
		SinkAttached:      s.sink.Attached(),
	}
	if s.mtr != nil {
		resp.TickLatenessP95MS = s.mtr.TickLatenessQuantile(0.95)
		resp.TickLatenessP99MS = s.mtr.TickLatenessQuantile(0.99)
		resp.SlowConsumerDetaches = metrics.CounterValue(s.mtr.SlowConsumerDetach)
		resp.HorizonExhaustions = metrics.CounterValue(s.mtr.HorizonExhaustion)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// SegmentTypeFromWire maps the wire integer back to block.SegmentType,
// validating it is one of the three known kinds.
func SegmentTypeFromWire(v int) (block.SegmentType, bool) {
	switch block.SegmentType(v) {
	case block.SegmentContent, block.SegmentFiller, block.SegmentPad:
		return block.SegmentType(v), true
	default:
		return 0, false
	}
}
