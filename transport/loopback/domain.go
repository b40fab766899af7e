package loopback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/fabricproto-go/internal/memhook"
	"github.com/rocketbitz/fabricproto-go/transport"
)

var (
	errUnknownHandle = errors.New("loopback: unknown memory handle")
	errUnknownRkey   = errors.New("loopback: release of unknown remote key")
)

// RegisterFunc registers buf on d.
type RegisterFunc func(d *Domain, buf []byte, mem transport.MemoryType) (transport.MemHandle, error)

// DeregisterFunc releases memh on d.
type DeregisterFunc func(d *Domain, memh transport.MemHandle) error

type hooks struct {
	table      *memhook.Table
	register   *memhook.Hook[RegisterFunc]
	deregister *memhook.Hook[DeregisterFunc]
}

func newHooks() hooks {
	t := memhook.NewTable()
	return hooks{
		table: t,
		register: memhook.Register(t, "md_register", func() (RegisterFunc, error) {
			return (*Domain).register, nil
		}),
		deregister: memhook.Register(t, "md_deregister", func() (DeregisterFunc, error) {
			return (*Domain).deregister, nil
		}),
	}
}

// OverrideRegister wraps memory registration on every domain of the fabric.
// A nil wrap restores the original.
func (f *Fabric) OverrideRegister(wrap func(next RegisterFunc) RegisterFunc) {
	f.hooks.register.Override(wrap)
}

// OverrideDeregister wraps memory deregistration on every domain of the
// fabric. A nil wrap restores the original.
func (f *Fabric) OverrideDeregister(wrap func(next DeregisterFunc) DeregisterFunc) {
	f.hooks.deregister.Override(wrap)
}

// HookNames lists the intercepted domain functions.
func (f *Fabric) HookNames() []string {
	return f.hooks.table.Names()
}

// DomainStats counts domain activity.
type DomainStats struct {
	Registered   int
	Deregistered int
	Unpacked     int
	Released     int
}

// Domain is a loopback memory domain.
type Domain struct {
	fabric *Fabric
	index  int
	cfg    MDConfig

	mu       sync.Mutex
	nextKey  uint64
	keys     map[transport.RemoteKey]*memHandle
	unpacked map[transport.RemoteKey]int
	stats    DomainStats
}

type memHandle struct {
	md     *Domain
	key    transport.RemoteKey
	region *region
	length uint64
}

func (h *memHandle) Address() uint64 {
	if h.region == nil {
		return 0
	}
	return h.region.addr
}

func (h *memHandle) Length() uint64 { return h.length }

func newDomain(f *Fabric, index int, cfg MDConfig) *Domain {
	return &Domain{
		fabric:   f,
		index:    index,
		cfg:      cfg,
		keys:     make(map[transport.RemoteKey]*memHandle),
		unpacked: make(map[transport.RemoteKey]int),
	}
}

// Attr implements transport.MemoryDomain.
func (d *Domain) Attr() transport.MDAttr {
	return transport.MDAttr{
		Component:      d.cfg.Name,
		Flags:          d.cfg.Flags,
		RegMemTypes:    d.cfg.RegMemTypes,
		AccessMemTypes: d.cfg.RegMemTypes,
		RegCost:        d.cfg.RegCost,
		RkeyPackedSize: rkeyPackedSize,
	}
}

// Register implements transport.MemoryDomain through the fabric hook table.
func (d *Domain) Register(buf []byte, mem transport.MemoryType) (transport.MemHandle, error) {
	fn, err := d.fabric.hooks.register.Func()
	if err != nil {
		return nil, err
	}
	return fn(d, buf, mem)
}

// Deregister implements transport.MemoryDomain through the fabric hook table.
func (d *Domain) Deregister(memh transport.MemHandle) error {
	fn, err := d.fabric.hooks.deregister.Func()
	if err != nil {
		return err
	}
	return fn(d, memh)
}

func (d *Domain) register(buf []byte, mem transport.MemoryType) (transport.MemHandle, error) {
	if !d.cfg.Flags.Has(transport.MDFlagReg) || !d.cfg.RegMemTypes.Has(mem) {
		return nil, fmt.Errorf("loopback: %s cannot register %s memory: %w", d.cfg.Name, mem, transport.ErrUnsupported)
	}
	h := &memHandle{md: d, length: uint64(len(buf))}
	if len(buf) > 0 {
		h.region = d.fabric.mapRegion(buf)
	}
	d.mu.Lock()
	d.nextKey++
	h.key = transport.RemoteKey(uint64(d.index)<<56 | d.nextKey)
	d.keys[h.key] = h
	d.stats.Registered++
	d.mu.Unlock()
	return h, nil
}

func (d *Domain) deregister(memh transport.MemHandle) error {
	h, ok := memh.(*memHandle)
	if !ok || h.md != d {
		return errUnknownHandle
	}
	d.mu.Lock()
	if _, live := d.keys[h.key]; !live {
		d.mu.Unlock()
		return errUnknownHandle
	}
	delete(d.keys, h.key)
	d.stats.Deregistered++
	d.mu.Unlock()
	if h.region != nil {
		d.fabric.unmapRegion(h.region)
	}
	return nil
}

// PackRkey implements transport.MemoryDomain.
func (d *Domain) PackRkey(memh transport.MemHandle, dst []byte) (int, error) {
	h, ok := memh.(*memHandle)
	if !ok || h.md != d {
		return 0, errUnknownHandle
	}
	if len(dst) < rkeyPackedSize {
		return 0, fmt.Errorf("loopback: rkey buffer of %d bytes", len(dst))
	}
	binary.LittleEndian.PutUint64(dst, uint64(h.key))
	return rkeyPackedSize, nil
}

// UnpackRkey implements transport.MemoryDomain.
func (d *Domain) UnpackRkey(src []byte) (transport.RemoteKey, error) {
	if len(src) != rkeyPackedSize {
		return 0, fmt.Errorf("loopback: packed rkey of %d bytes", len(src))
	}
	key := transport.RemoteKey(binary.LittleEndian.Uint64(src))
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[key]; !ok {
		return 0, transport.ErrInvalidAccess
	}
	d.unpacked[key]++
	d.stats.Unpacked++
	return key, nil
}

// ReleaseRkey implements transport.MemoryDomain.
func (d *Domain) ReleaseRkey(key transport.RemoteKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unpacked[key] == 0 {
		return errUnknownRkey
	}
	d.unpacked[key]--
	if d.unpacked[key] == 0 {
		delete(d.unpacked, key)
	}
	d.stats.Released++
	return nil
}

// Stats returns a snapshot of the domain counters.
func (d *Domain) Stats() DomainStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Registrations reports live registrations.
func (d *Domain) Registrations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

// OutstandingRkeys reports unpacked keys not yet released.
func (d *Domain) OutstandingRkeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.unpacked {
		n += c
	}
	return n
}

// access returns the registered bytes behind [addr, addr+n) for key.
func (d *Domain) access(key transport.RemoteKey, addr, n uint64) ([]byte, error) {
	d.mu.Lock()
	h, ok := d.keys[key]
	d.mu.Unlock()
	if !ok || h.region == nil {
		if ok && n == 0 {
			return nil, nil
		}
		return nil, transport.ErrInvalidAccess
	}
	base := h.region.addr
	if addr < base || addr+n > base+h.length {
		return nil, transport.ErrInvalidAccess
	}
	off := addr - base
	return h.region.buf[off : off+n], nil
}
