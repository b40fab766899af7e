package proto

import (
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// MaxLength is the upper bound of every performance and threshold table.
const MaxLength uint64 = math.MaxUint64

const (
	// MaxLanes bounds the lanes one protocol may stripe over.
	MaxLanes = 8
	// MaxMDs bounds the memory domains of a worker.
	MaxMDs = 16
	// MaxPerfRanges bounds the performance ranges one protocol may report.
	MaxPerfRanges = 16
)

// LaneIndex indexes an endpoint's lanes.
type LaneIndex uint8

// NullLane marks a missing lane.
const NullLane LaneIndex = 0xff

// LaneMap is a set of lanes.
type LaneMap uint64

// Has reports whether lane is in the set.
func (m LaneMap) Has(lane LaneIndex) bool {
	return lane < 64 && m&(1<<lane) != 0
}

// With returns the set with lane added.
func (m LaneMap) With(lane LaneIndex) LaneMap {
	return m | 1<<lane
}

// MDIndex indexes a worker's memory domains.
type MDIndex uint8

// NullMD marks a missing memory domain.
const NullMD MDIndex = 0xff

// MDMap is a set of memory domains.
type MDMap uint64

// Has reports whether md is in the set.
func (m MDMap) Has(md MDIndex) bool {
	return md < 64 && m&(1<<md) != 0
}

// With returns the set with md added.
func (m MDMap) With(md MDIndex) MDMap {
	return m | 1<<md
}

// Count returns the number of domains in the set.
func (m MDMap) Count() int {
	return bits.OnesCount64(uint64(m))
}

// Index returns the position of md among the set members, or -1.
func (m MDMap) Index(md MDIndex) int {
	if !m.Has(md) {
		return -1
	}
	return bits.OnesCount64(uint64(m) & (1<<md - 1))
}

// First returns the lowest member, or NullMD.
func (m MDMap) First() MDIndex {
	if m == 0 {
		return NullMD
	}
	return MDIndex(bits.TrailingZeros64(uint64(m)))
}

// Each calls fn for every member in increasing order.
func (m MDMap) Each(fn func(md MDIndex)) {
	for v := uint64(m); v != 0; v &= v - 1 {
		fn(MDIndex(bits.TrailingZeros64(v)))
	}
}

func (m MDMap) String() string {
	var parts []string
	m.Each(func(md MDIndex) { parts = append(parts, strconv.Itoa(int(md))) })
	return strings.Join(parts, ",")
}

// RscIndex indexes a worker's transport resources.
type RscIndex uint8

// NullResource marks a lane without a resource.
const NullResource RscIndex = 0xff

// LaneType tags what a lane is used for.
type LaneType uint8

const (
	LaneTypeAM LaneType = iota
	LaneTypeAMBW
	LaneTypeRMA
	LaneTypeRMABW
	LaneTypeTag
)

func (t LaneType) String() string {
	switch t {
	case LaneTypeAM:
		return "am"
	case LaneTypeAMBW:
		return "am_bw"
	case LaneTypeRMA:
		return "rma"
	case LaneTypeRMABW:
		return "rma_bw"
	case LaneTypeTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Mask returns the set bit for t.
func (t LaneType) Mask() LaneTypeMask {
	return 1 << t
}

// LaneTypeMask is a set of lane types.
type LaneTypeMask uint8

// Has reports whether t is in the set.
func (m LaneTypeMask) Has(t LaneType) bool {
	return m&t.Mask() != 0
}

// OpID identifies an operation being selected for.
type OpID uint8

const (
	OpTagSend OpID = iota
	OpRndvSend
	OpRndvRecv
)

func (op OpID) String() string {
	switch op {
	case OpTagSend:
		return "tag_send"
	case OpRndvSend:
		return "rndv_send"
	case OpRndvRecv:
		return "rndv_recv"
	default:
		return "op(" + strconv.Itoa(int(op)) + ")"
	}
}
