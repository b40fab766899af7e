package transport

import (
	"fmt"
	"strings"

	"github.com/rocketbitz/fabricproto-go/linear"
)

// CapFlag is a bitmask of interface capabilities.
type CapFlag uint64

const (
	CapAMShort CapFlag = 1 << iota
	CapAMBcopy
	CapAMZcopy
	CapPutShort
	CapPutBcopy
	CapPutZcopy
	CapGetShort
	CapGetBcopy
	CapGetZcopy
	CapPending
)

var capNames = []string{
	"am_short", "am_bcopy", "am_zcopy",
	"put_short", "put_bcopy", "put_zcopy",
	"get_short", "get_bcopy", "get_zcopy",
	"pending",
}

// Has reports whether every bit of mask is set in f.
func (f CapFlag) Has(mask CapFlag) bool {
	return f&mask == mask
}

func (f CapFlag) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for i, name := range capNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseCapFlag returns the flag named name, as printed by CapFlag.String.
func ParseCapFlag(name string) (CapFlag, error) {
	for i, n := range capNames {
		if n == name {
			return 1 << i, nil
		}
	}
	return 0, fmt.Errorf("%w: capability %q", ErrUnsupported, name)
}

// MemoryType identifies the kind of memory backing a buffer.
type MemoryType uint8

const (
	MemoryHost MemoryType = iota
	MemoryCUDA
	MemoryCUDAManaged
	MemoryROCm
	MemoryUnknown
)

func (m MemoryType) String() string {
	switch m {
	case MemoryHost:
		return "host"
	case MemoryCUDA:
		return "cuda"
	case MemoryCUDAManaged:
		return "cuda-managed"
	case MemoryROCm:
		return "rocm"
	default:
		return "unknown"
	}
}

// ParseMemoryType returns the memory type named name.
func ParseMemoryType(name string) (MemoryType, error) {
	for m := MemoryHost; m < MemoryUnknown; m++ {
		if m.String() == name {
			return m, nil
		}
	}
	return MemoryUnknown, fmt.Errorf("%w: memory type %q", ErrUnsupported, name)
}

// Bit returns the mask bit for m.
func (m MemoryType) Bit() MemoryTypeMask {
	return MemoryTypeMask(1) << m
}

// MemoryTypeMask is a set of memory types.
type MemoryTypeMask uint64

// Has reports whether m is in the set.
func (s MemoryTypeMask) Has(m MemoryType) bool {
	return s&m.Bit() != 0
}

// Latency models per-message latency as C + M*num_endpoints seconds.
type Latency struct {
	C float64
	M float64
}

// Bandwidth holds the dedicated and shared bandwidth of an interface in bytes per second.
type Bandwidth struct {
	Dedicated float64
	Shared    float64
}

// ZcopyCaps describes the zero-copy limits of a one-sided primitive.
type ZcopyCaps struct {
	MinZcopy uint64
	MaxZcopy uint64
	MaxIOV   int
}

// AMCaps describes active-message limits.
type AMCaps struct {
	MaxShort uint64
	MaxBcopy uint64
	MaxZcopy uint64
	MaxHdr   uint64
}

// IfaceAttr is the static capability and performance record of an interface.
type IfaceAttr struct {
	Flags     CapFlag
	Put       ZcopyCaps
	Get       ZcopyCaps
	AM        AMCaps
	Latency   Latency
	Overhead  float64
	Bandwidth Bandwidth
}

// Field selects a numeric limit of IfaceAttr so callers can read different
// fragment-size limits through one accessor.
type Field int

const (
	FieldPutMaxZcopy Field = iota
	FieldGetMaxZcopy
	FieldAMMaxShort
	FieldAMMaxBcopy
	FieldAMMaxZcopy
)

// Field returns the attribute value selected by f. Unknown fields yield zero.
func (a *IfaceAttr) Field(f Field) uint64 {
	switch f {
	case FieldPutMaxZcopy:
		return a.Put.MaxZcopy
	case FieldGetMaxZcopy:
		return a.Get.MaxZcopy
	case FieldAMMaxShort:
		return a.AM.MaxShort
	case FieldAMMaxBcopy:
		return a.AM.MaxBcopy
	case FieldAMMaxZcopy:
		return a.AM.MaxZcopy
	default:
		return 0
	}
}

// MDFlag is a bitmask of memory-domain capabilities.
type MDFlag uint64

const (
	// MDFlagReg means the domain can register memory.
	MDFlagReg MDFlag = 1 << iota
	// MDFlagNeedMemh means local zero-copy requires a registered handle.
	MDFlagNeedMemh
	// MDFlagNeedRkey means remote access requires a packed remote key.
	MDFlagNeedRkey
)

var mdFlagNames = []string{"reg", "need_memh", "need_rkey"}

// ParseMDFlag returns the memory-domain flag named name.
func ParseMDFlag(name string) (MDFlag, error) {
	for i, n := range mdFlagNames {
		if n == name {
			return 1 << i, nil
		}
	}
	return 0, fmt.Errorf("%w: memory domain flag %q", ErrUnsupported, name)
}

// Has reports whether every flag in mask is set.
func (f MDFlag) Has(mask MDFlag) bool {
	return f&mask == mask
}

// MDAttr describes a memory domain.
type MDAttr struct {
	Component      string
	Flags          MDFlag
	RegMemTypes    MemoryTypeMask
	AccessMemTypes MemoryTypeMask
	RegCost        linear.Func
	RkeyPackedSize int
}

// BusID is a PCI bus address of a device.
type BusID struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// SysDevice is a compact system-device index assigned by the topology service.
type SysDevice uint8

// SysDeviceUnknown marks memory or resources without a known device.
const SysDeviceUnknown SysDevice = 0xff
