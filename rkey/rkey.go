// Package rkey packs and unpacks remote keys over a memory-domain bitmap.
//
// Packed layout, little-endian:
//
//	md_map   u64
//	mem_type u8
//	per set bit of md_map, lowest first: len u8, len bytes of domain key
package rkey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"go.uber.org/multierr"

	"github.com/rocketbitz/fabricproto-go/transport"
)

const headerSize = 9

var (
	// ErrShortBuffer indicates the destination cannot hold the packed key.
	ErrShortBuffer = errors.New("rkey: buffer too short")
	// ErrMalformed indicates a packed key that cannot be parsed.
	ErrMalformed = errors.New("rkey: malformed packed key")
	// ErrUnknownMD indicates a bitmap naming a domain that is not configured.
	ErrUnknownMD = errors.New("rkey: unknown memory domain")
)

// TLKey is one unpacked domain key.
type TLKey struct {
	MD  int
	Key transport.RemoteKey
}

// Key is an unpacked remote key. It must be released with Destroy.
type Key struct {
	MDMap    uint64
	MemType  transport.MemoryType
	CfgIndex int
	TL       []TLKey

	destroyed bool
}

// Index returns the position of md's key in TL, or -1.
func (k *Key) Index(md int) int {
	if k == nil || k.MDMap&(1<<md) == 0 {
		return -1
	}
	return bits.OnesCount64(k.MDMap & (1<<md - 1))
}

// Lookup returns the domain key for md.
func (k *Key) Lookup(md int) (transport.RemoteKey, bool) {
	i := k.Index(md)
	if i < 0 || i >= len(k.TL) {
		return 0, false
	}
	return k.TL[i].Key, true
}

// Destroyed reports whether Destroy already ran.
func (k *Key) Destroyed() bool {
	return k != nil && k.destroyed
}

// PackedSize returns the number of bytes Pack writes for mdMap.
func PackedSize(mds []transport.MemoryDomain, mdMap uint64) int {
	size := headerSize
	for md := range mdIndices(mdMap) {
		if md < len(mds) {
			size += 1 + mds[md].Attr().RkeyPackedSize
		}
	}
	return size
}

// Pack writes the key for the registrations memh, one per bit of mdMap, into
// dst and returns the packed size.
func Pack(mds []transport.MemoryDomain, mdMap uint64, memh []transport.MemHandle, mem transport.MemoryType, dst []byte) (int, error) {
	if bits.OnesCount64(mdMap) != len(memh) {
		return 0, fmt.Errorf("rkey: %d memory handles for md map 0x%x", len(memh), mdMap)
	}
	if len(dst) < headerSize {
		return 0, ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(dst[0:8], mdMap)
	dst[8] = byte(mem)
	off := headerSize
	i := 0
	for md := range mdIndices(mdMap) {
		if md >= len(mds) {
			return 0, fmt.Errorf("%w: %d", ErrUnknownMD, md)
		}
		size := mds[md].Attr().RkeyPackedSize
		if len(dst) < off+1+size {
			return 0, ErrShortBuffer
		}
		n, err := mds[md].PackRkey(memh[i], dst[off+1:off+1+size])
		if err != nil {
			return 0, fmt.Errorf("rkey: pack md %d: %w", md, err)
		}
		dst[off] = byte(n)
		off += 1 + n
		i++
	}
	return off, nil
}

// Unpack parses a packed key and resolves each domain key. It returns the key
// and the number of bytes consumed.
func Unpack(mds []transport.MemoryDomain, src []byte) (*Key, int, error) {
	if len(src) < headerSize {
		return nil, 0, ErrMalformed
	}
	key := &Key{
		MDMap:   binary.LittleEndian.Uint64(src[0:8]),
		MemType: transport.MemoryType(src[8]),
	}
	off := headerSize
	for md := range mdIndices(key.MDMap) {
		if md >= len(mds) {
			_ = Destroy(mds, key)
			return nil, 0, fmt.Errorf("%w: %d", ErrUnknownMD, md)
		}
		if off >= len(src) || off+1+int(src[off]) > len(src) {
			_ = Destroy(mds, key)
			return nil, 0, ErrMalformed
		}
		n := int(src[off])
		tl, err := mds[md].UnpackRkey(src[off+1 : off+1+n])
		if err != nil {
			_ = Destroy(mds, key)
			return nil, 0, fmt.Errorf("rkey: unpack md %d: %w", md, err)
		}
		key.TL = append(key.TL, TLKey{MD: md, Key: tl})
		off += 1 + n
	}
	return key, off, nil
}

// Destroy releases every domain key. Calling it again is a no-op.
func Destroy(mds []transport.MemoryDomain, key *Key) error {
	if key == nil || key.destroyed {
		return nil
	}
	key.destroyed = true
	var errs error
	for _, tl := range key.TL {
		errs = multierr.Append(errs, mds[tl.MD].ReleaseRkey(tl.Key))
	}
	key.TL = nil
	return errs
}

func mdIndices(m uint64) func(func(int) bool) {
	return func(yield func(int) bool) {
		for m != 0 {
			md := bits.TrailingZeros64(m)
			if !yield(md) {
				return
			}
			m &= m - 1
		}
	}
}
