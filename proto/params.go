package proto

import (
	"fmt"

	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/linear"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// OpFlags modify an operation's selection.
type OpFlags uint8

// SelectParam is the selection key of one operation signature.
type SelectParam struct {
	OpID    OpID
	OpFlags OpFlags
	DtClass dt.Class
	MemType transport.MemoryType
	SysDev  transport.SysDevice
	SGCount uint8
}

// NewSelectParam builds a key with no operation flags.
func NewSelectParam(op OpID, class dt.Class, mem transport.MemoryType, sysDev transport.SysDevice, sgCount uint8) SelectParam {
	return SelectParam{OpID: op, DtClass: class, MemType: mem, SysDev: sysDev, SGCount: sgCount}
}

func (p SelectParam) String() string {
	return fmt.Sprintf("%s(%s,%s,sg:%d)", p.OpID, p.DtClass, p.MemType, p.SGCount)
}

// LaneConfig is one lane of an endpoint configuration.
type LaneConfig struct {
	Rsc   RscIndex
	DstMD MDIndex
	Types LaneTypeMask
}

// EPConfigKey is the immutable lane table of an endpoint.
type EPConfigKey struct {
	Lanes  []LaneConfig
	AMLane LaneIndex
}

// Equal reports whether both keys describe the same lanes.
func (k *EPConfigKey) Equal(o *EPConfigKey) bool {
	if k.AMLane != o.AMLane || len(k.Lanes) != len(o.Lanes) {
		return false
	}
	for i := range k.Lanes {
		if k.Lanes[i] != o.Lanes[i] {
			return false
		}
	}
	return true
}

// RkeyConfigKey identifies the remote-key configuration a protocol targets.
type RkeyConfigKey struct {
	MDMap      MDMap
	EPCfgIndex int
	MemType    transport.MemoryType
	SysDev     transport.SysDevice
}

// RkeyConfig owns the selection table of protocols using a remote key.
type RkeyConfig struct {
	Key    RkeyConfigKey
	Select *Selection
}

// InitFlags describe how a protocol uses the buffer.
type InitFlags uint16

const (
	// FlagSendZcopy means the send buffer is used by zero-copy operations.
	FlagSendZcopy InitFlags = 1 << iota
	// FlagRecvZcopy means the receive side does no memory copy.
	FlagRecvZcopy
	// FlagRemoteAccess means one-sided remote access through a remote key.
	FlagRemoteAccess
	// FlagMemType means non-host buffers are supported.
	FlagMemType
	// FlagResponse means the sender waits for a reply before completing.
	FlagResponse
	// FlagHdrOnly means only a header is sent.
	FlagHdrOnly
)

// Has reports whether every flag in mask is set.
func (f InitFlags) Has(mask InitFlags) bool {
	return f&mask == mask
}

// Any reports whether at least one flag in mask is set.
func (f InitFlags) Any(mask InitFlags) bool {
	return f&mask != 0
}

// InitParams are passed to every protocol init.
type InitParams struct {
	Worker       Worker
	ProtoName    string
	Param        SelectParam
	EPCfgIndex   int
	EPConfig     *EPConfigKey
	RkeyCfgIndex int
	// RkeyConfig is nil when the remote buffer is unknown.
	RkeyConfig *RkeyConfigKey
}

// CommonParams extend InitParams with what the performance model needs.
type CommonParams struct {
	*InitParams
	Latency     float64
	Overhead    float64
	CfgThresh   uint64
	CfgPriority int
	FragField   transport.Field
	HdrSize     uint64
	Flags       InitFlags
}

// ifaceAttr returns the attributes of lane's interface.
func (p *InitParams) ifaceAttr(lane LaneIndex) *transport.IfaceAttr {
	return p.Worker.IfaceAttr(p.EPConfig.Lanes[lane].Rsc)
}

// mdIndex returns the local memory domain of lane.
func (p *InitParams) mdIndex(lane LaneIndex) MDIndex {
	return p.Worker.ResourceMD(p.EPConfig.Lanes[lane].Rsc)
}

// PerfRange is one range of a performance table. It covers lengths from the
// previous range's MaxLength+1 through MaxLength.
type PerfRange struct {
	MaxLength uint64
	Perf      linear.Func
}

// Caps is what init reports about a protocol configuration.
type Caps struct {
	CfgThresh   uint64
	CfgPriority int
	MinLength   uint64
	Ranges      []PerfRange
}

// Valid reports whether the ranges are non-empty, strictly increasing and
// terminated by MaxLength.
func (c *Caps) Valid() bool {
	if len(c.Ranges) == 0 || len(c.Ranges) > MaxPerfRanges {
		return false
	}
	for i := 1; i < len(c.Ranges); i++ {
		if c.Ranges[i].MaxLength <= c.Ranges[i-1].MaxLength {
			return false
		}
	}
	return c.Ranges[len(c.Ranges)-1].MaxLength == MaxLength
}

// rangeAt returns the index of the range containing length.
func (c *Caps) rangeAt(length uint64) int {
	for i, r := range c.Ranges {
		if length <= r.MaxLength {
			return i
		}
	}
	return len(c.Ranges) - 1
}
