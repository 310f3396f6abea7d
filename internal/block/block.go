// Package block models the scheduled execution unit of the pipeline:
// Block and its ordered Segments, plus the arena that owns them.
//
// Following the "arena + indices" design note in spec.md §9, blocks and
// segments never hold back-pointers to each other or to their producers;
// everything is referenced by a monotonic BlockID / index into a flat
// slice. Fill threads and the preloader hold handles (BlockID plus a
// shared *Block pointer obtained through the Arena), never raw pointers
// threaded through closures.
package block

import "github.com/google/uuid"

// SegmentType is a tagged variant distinguishing the three kinds of
// segment content, replacing an inheritance hierarchy per spec.md §9.
type SegmentType int

const (
	SegmentContent SegmentType = iota
	SegmentFiller
	SegmentPad
)

func (t SegmentType) String() string {
	switch t {
	case SegmentContent:
		return "CONTENT"
	case SegmentFiller:
		return "FILLER"
	case SegmentPad:
		return "PAD"
	default:
		return "UNKNOWN"
	}
}

// Segment is one ordered unit within a Block.
type Segment struct {
	// SegmentUUID is the execution identity assigned at feed time. It is
	// never positional: a segment keeps its identity even if blocks
	// ahead of it are replaced by OverrideBlock.
	SegmentUUID uuid.UUID
	Type        SegmentType
	// AssetURI is empty for PAD segments.
	AssetURI string
	// FrameCount is authoritative; durations are always derived from it,
	// never measured from decode progress.
	FrameCount int64
}

// NewSegment assigns a fresh SegmentUUID, matching the teacher's use of
// google/uuid for externally-visible identifiers (session/device ids in
// ssdp.go, dvr_sync.go, epg.go).
func NewSegment(typ SegmentType, assetURI string, frameCount int64) Segment {
	return Segment{
		SegmentUUID: uuid.New(),
		Type:        typ,
		AssetURI:    assetURI,
		FrameCount:  frameCount,
	}
}

// BlockID is a monotonically increasing identifier assigned by the
// Arena at feed time; never reused within a session.
type BlockID uint64

// State is the Core-visible block lifecycle state machine from
// spec.md §4.4.6.
type State int

const (
	StateNone State = iota
	StatePlanned
	StatePreloadIssued
	StateSwitchScheduled
	StateSwitchIssued
	StateLive
	StateCompleted
	StateReaped
	StateFailedTerminal
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StatePlanned:
		return "PLANNED"
	case StatePreloadIssued:
		return "PRELOAD_ISSUED"
	case StateSwitchScheduled:
		return "SWITCH_SCHEDULED"
	case StateSwitchIssued:
		return "SWITCH_ISSUED"
	case StateLive:
		return "LIVE"
	case StateCompleted:
		return "COMPLETED"
	case StateReaped:
		return "REAPED"
	case StateFailedTerminal:
		return "FAILED_TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// IsTransient reports whether teardown must be deferred while in this
// state, per spec.md §4.4.6.
func (s State) IsTransient() bool {
	switch s {
	case StatePlanned, StatePreloadIssued, StateSwitchScheduled, StateSwitchIssued:
		return true
	default:
		return false
	}
}

// Block is a scheduled unit of playout.
type Block struct {
	ID           BlockID
	StartUTCMs   int64
	EndUTCMs     int64
	Segments     []Segment
	GenerationID uint64

	// FenceTick is computed once at load and never changes thereafter
	// (spec.md §3 "Fence immutability").
	FenceTick int64
	// BlockStartTick is the tick at which this block becomes active;
	// set at the moment the fence swap installs it live.
	BlockStartTick int64

	State State

	// RemainingBlockFrames mirrors fence_tick - session_frame_index for
	// the active block; maintained by the pipeline manager only.
	RemainingBlockFrames int64
}

// TotalFrames sums FrameCount across all segments; used to detect
// content exhaustion before the fence (spec.md §8 scenario 2).
func (b *Block) TotalFrames() int64 {
	var total int64
	for _, s := range b.Segments {
		total += s.FrameCount
	}
	return total
}

// Arena owns every Block for the life of a session, keyed by BlockID, so
// that no component needs a back-pointer into another component's
// memory -- everything is an (Arena, BlockID) handle pair.
type Arena struct {
	nextID BlockID
	blocks map[BlockID]*Block
}

// NewArena creates an empty block arena.
func NewArena() *Arena {
	return &Arena{blocks: make(map[BlockID]*Block)}
}

// Insert assigns the next BlockID to b, stores it, and returns the id.
func (a *Arena) Insert(b *Block) BlockID {
	a.nextID++
	id := a.nextID
	b.ID = id
	a.blocks[id] = b
	return id
}

// Get returns the block for id, or nil if it has been reaped or never
// existed.
func (a *Arena) Get(id BlockID) *Block {
	return a.blocks[id]
}

// Reap removes a completed block from the arena. Called only after the
// preloader/reaper has joined every fill thread attached to it.
func (a *Arena) Reap(id BlockID) {
	if b, ok := a.blocks[id]; ok {
		b.State = StateReaped
		delete(a.blocks, id)
	}
}
