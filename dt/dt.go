// Package dt implements the datatype iterator used by protocols to walk a
// send or receive buffer fragment by fragment and to register it for
// zero-copy access.
package dt

import (
	"errors"
	"fmt"
	"math/bits"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabricproto-go/transport"
)

// Class identifies the buffer layout.
type Class uint8

const (
	ClassContig Class = iota
	ClassIOV
)

func (c Class) String() string {
	switch c {
	case ClassContig:
		return "contig"
	case ClassIOV:
		return "iov"
	default:
		return "unknown"
	}
}

// Mask returns the set bit for c.
func (c Class) Mask() ClassMask {
	return ClassMask(1) << c
}

// ClassMask is a set of datatype classes.
type ClassMask uint8

// Has reports whether c is in the set.
func (m ClassMask) Has(c Class) bool {
	return m&c.Mask() != 0
}

// ErrUnsupportedClass indicates an operation that the buffer layout cannot serve.
var ErrUnsupportedClass = errors.New("dt: operation not supported for datatype class")

// Reg holds the registrations of a contiguous buffer, one handle per memory
// domain in MDMap, ordered by domain index.
type Reg struct {
	MDMap uint64
	Memh  []transport.MemHandle
}

// Iter walks a buffer. Offset is the first byte not yet handed to a lane.
type Iter struct {
	Class   Class
	MemType transport.MemoryType
	SysDev  transport.SysDevice
	Length  uint64
	Offset  uint64
	Reg     Reg

	contig []byte
	iov    [][]byte
}

// InitContig returns an iterator over buf and its scatter/gather count.
func InitContig(buf []byte, mem transport.MemoryType) (Iter, uint8) {
	return Iter{
		Class:   ClassContig,
		MemType: mem,
		SysDev:  transport.SysDeviceUnknown,
		Length:  uint64(len(buf)),
		contig:  buf,
	}, 1
}

// InitIOV returns an iterator over the concatenation of iov.
func InitIOV(iov [][]byte, mem transport.MemoryType) (Iter, uint8) {
	var length uint64
	for _, b := range iov {
		length += uint64(len(b))
	}
	sg := len(iov)
	if sg > 255 {
		sg = 255
	}
	return Iter{
		Class:   ClassIOV,
		MemType: mem,
		SysDev:  transport.SysDeviceUnknown,
		Length:  length,
		iov:     iov,
	}, uint8(sg)
}

// Finished reports whether every byte was handed out.
func (it *Iter) Finished() bool {
	return it.Offset >= it.Length
}

// Remaining returns the number of bytes after Offset.
func (it *Iter) Remaining() uint64 {
	if it.Offset >= it.Length {
		return 0
	}
	return it.Length - it.Offset
}

// Buffer returns the contiguous buffer or nil for other classes.
func (it *Iter) Buffer() []byte {
	return it.contig
}

// Rewind resets the offset to the start of the buffer.
func (it *Iter) Rewind() {
	it.Offset = 0
}

// NextIOV describes the next fragment of at most max bytes starting at Offset,
// attaching the registration at memhIndex (negative for none). It returns the
// offset following the fragment; the caller commits it once the fragment was
// accepted by the transport.
func (it *Iter) NextIOV(memhIndex int, max uint64) (uint64, transport.IOV) {
	n := min(max, it.Remaining())
	var iov transport.IOV
	switch it.Class {
	case ClassContig:
		iov.Buffer = it.contig[it.Offset : it.Offset+n]
		if memhIndex >= 0 && memhIndex < len(it.Reg.Memh) {
			iov.Memh = it.Reg.Memh[memhIndex]
		}
	case ClassIOV:
		elem, off := it.locate(it.Offset)
		if elem < len(it.iov) {
			n = min(n, uint64(len(it.iov[elem]))-off)
			iov.Buffer = it.iov[elem][off : off+n]
		}
	}
	return it.Offset + n, iov
}

func (it *Iter) locate(offset uint64) (int, uint64) {
	for i, b := range it.iov {
		if offset < uint64(len(b)) {
			return i, offset
		}
		offset -= uint64(len(b))
	}
	return len(it.iov), 0
}

// Pack copies bytes starting at Offset into dst and returns the count. It does
// not advance the iterator.
func (it *Iter) Pack(dst []byte) int {
	want := min(uint64(len(dst)), it.Remaining())
	if it.Class == ClassContig {
		return copy(dst[:want], it.contig[it.Offset:])
	}
	var done uint64
	for done < want {
		elem, off := it.locate(it.Offset + done)
		if elem >= len(it.iov) {
			break
		}
		done += uint64(copy(dst[done:want], it.iov[elem][off:]))
	}
	return int(done)
}

// Unpack copies src into the buffer at offset.
func (it *Iter) Unpack(offset uint64, src []byte) (int, error) {
	if offset+uint64(len(src)) > it.Length {
		return 0, fmt.Errorf("dt: unpack of %d bytes at %d overflows %d byte buffer", len(src), offset, it.Length)
	}
	if it.Class == ClassContig {
		return copy(it.contig[offset:], src), nil
	}
	var done int
	for done < len(src) {
		elem, off := it.locate(offset + uint64(done))
		if elem >= len(it.iov) {
			break
		}
		done += copy(it.iov[elem][off:], src[done:])
	}
	return done, nil
}

// MemhIndex returns the position of md's handle in Reg.Memh, or -1.
func (r *Reg) MemhIndex(md int) int {
	if r.MDMap&(1<<md) == 0 {
		return -1
	}
	return bits.OnesCount64(r.MDMap & (1<<md - 1))
}

// MemReg registers the buffer on every domain in mdMap, keeping handles that
// already exist and releasing handles on domains no longer in the map. On
// failure every registration is released.
func (it *Iter) MemReg(mds []transport.MemoryDomain, mdMap uint64) error {
	if it.Reg.MDMap == mdMap {
		return nil
	}
	if it.Class != ClassContig {
		if mdMap == 0 {
			return nil
		}
		return ErrUnsupportedClass
	}

	old := it.Reg
	var (
		memh []transport.MemHandle
		errs error
	)
	for md := 0; md < 64; md++ {
		bit := uint64(1) << md
		if bit > mdMap && bit > old.MDMap {
			break
		}
		prev := old.MemhIndex(md)
		switch {
		case mdMap&bit == 0 && prev >= 0:
			errs = multierr.Append(errs, mds[md].Deregister(old.Memh[prev]))
		case mdMap&bit != 0 && prev >= 0:
			memh = append(memh, old.Memh[prev])
		case mdMap&bit != 0:
			h, err := mds[md].Register(it.contig, it.MemType)
			if err != nil {
				// Domains below md now hold exactly memh; unvisited domains
				// above md still hold their previous handles.
				it.Reg = Reg{MDMap: mdMap & (bit - 1), Memh: memh}
				for upper := md + 1; upper < 64; upper++ {
					if i := old.MemhIndex(upper); i >= 0 {
						it.Reg.MDMap |= 1 << upper
						it.Reg.Memh = append(it.Reg.Memh, old.Memh[i])
					}
				}
				_ = it.MemDereg(mds)
				return fmt.Errorf("dt: register on md %d: %w", md, err)
			}
			memh = append(memh, h)
		}
	}
	it.Reg = Reg{MDMap: mdMap, Memh: memh}
	return errs
}

// MemDereg releases every registration. It is safe to call more than once.
func (it *Iter) MemDereg(mds []transport.MemoryDomain) error {
	var errs error
	i := 0
	for md := 0; md < 64 && i < len(it.Reg.Memh); md++ {
		if it.Reg.MDMap&(1<<md) == 0 {
			continue
		}
		errs = multierr.Append(errs, mds[md].Deregister(it.Reg.Memh[i]))
		i++
	}
	it.Reg = Reg{}
	return errs
}
