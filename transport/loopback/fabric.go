// Package loopback is an in-process fabric. Every interface opened on a
// Fabric can connect to every other, memory "registration" maps buffers into
// a synthetic address space shared by all domains, and zero-copy operations
// copy bytes immediately while their completions are deferred until the
// owning interface is progressed.
package loopback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/fabricproto-go/linear"
	"github.com/rocketbitz/fabricproto-go/transport"
)

const (
	defaultMaxZcopy = 64 << 10
	defaultMaxBcopy = 8 << 10
	defaultMaxShort = 128
	defaultMaxIOV   = 4
	addressStride   = 1 << 40
	rkeyPackedSize  = 8
)

// ResourceConfig describes one transport resource. Zero values pick
// defaults: 64K zero-copy fragments, 8K bcopy messages, 10 GB/s, 1us latency.
type ResourceConfig struct {
	Name      string
	Device    string
	MD        int
	BusID     *transport.BusID
	Flags     transport.CapFlag
	Bandwidth float64
	Shared    float64
	Latency   float64
	Overhead  float64
	MaxPut    uint64
	MaxGet    uint64
	MaxBcopy  uint64
	// Credits bounds outstanding zero-copy operations per interface; zero is
	// unlimited.
	Credits int
	// ReverseCompletions delivers completions newest first.
	ReverseCompletions bool
}

// MDConfig describes one memory domain.
type MDConfig struct {
	Name        string
	Flags       transport.MDFlag
	RegMemTypes transport.MemoryTypeMask
	RegCost     linear.Func
}

// Config lists the resources and memory domains of a fabric.
type Config struct {
	Resources     []ResourceConfig
	MemoryDomains []MDConfig
}

// DefaultFlags is the capability set used when a resource sets none.
const DefaultFlags = transport.CapAMShort | transport.CapAMBcopy |
	transport.CapPutZcopy | transport.CapGetZcopy | transport.CapPending

// DefaultMDFlags is the flag set used when a domain sets none.
const DefaultMDFlags = transport.MDFlagReg | transport.MDFlagNeedMemh | transport.MDFlagNeedRkey

var errNoResources = errors.New("loopback: no resources configured")

// Fabric is an in-process fabric shared by any number of workers.
type Fabric struct {
	cfg   Config
	mds   []*Domain
	hooks hooks

	mu     sync.Mutex
	space  map[regionKey]*region
	next   uint64
	ifaces map[uint64]*Iface
	opened []*Iface
	seq    uint64
}

type regionKey struct {
	base *byte
	n    int
}

type region struct {
	addr uint64
	buf  []byte
	refs int
}

// New validates cfg, fills defaults and returns a fabric.
func New(cfg Config) (*Fabric, error) {
	if len(cfg.Resources) == 0 {
		return nil, errNoResources
	}
	if len(cfg.MemoryDomains) == 0 {
		cfg.MemoryDomains = []MDConfig{{Name: "self"}}
	}
	f := &Fabric{
		cfg:    cfg,
		space:  make(map[regionKey]*region),
		next:   addressStride,
		ifaces: make(map[uint64]*Iface),
		hooks:  newHooks(),
	}
	for i := range cfg.Resources {
		rc := &f.cfg.Resources[i]
		if rc.MD < 0 || rc.MD >= len(cfg.MemoryDomains) {
			return nil, fmt.Errorf("loopback: resource %d uses unknown md %d", i, rc.MD)
		}
		applyResourceDefaults(i, rc)
	}
	for i, mc := range cfg.MemoryDomains {
		if mc.Flags == 0 {
			mc.Flags = DefaultMDFlags
		}
		if mc.RegMemTypes == 0 {
			mc.RegMemTypes = transport.MemoryHost.Bit()
		}
		if mc.Name == "" {
			mc.Name = fmt.Sprintf("md%d", i)
		}
		f.cfg.MemoryDomains[i] = mc
		f.mds = append(f.mds, newDomain(f, i, mc))
	}
	return f, nil
}

func applyResourceDefaults(i int, rc *ResourceConfig) {
	if rc.Name == "" {
		rc.Name = fmt.Sprintf("lo%d", i)
	}
	if rc.Flags == 0 {
		rc.Flags = DefaultFlags
	}
	if rc.Bandwidth == 0 {
		rc.Bandwidth = 10e9
	}
	if rc.Latency == 0 {
		rc.Latency = 1e-6
	}
	if rc.Overhead == 0 {
		rc.Overhead = 10e-9
	}
	if rc.MaxPut == 0 {
		rc.MaxPut = defaultMaxZcopy
	}
	if rc.MaxGet == 0 {
		rc.MaxGet = defaultMaxZcopy
	}
	if rc.MaxBcopy == 0 {
		rc.MaxBcopy = defaultMaxBcopy
	}
}

// Resources implements transport.Fabric.
func (f *Fabric) Resources() []transport.ResourceDesc {
	out := make([]transport.ResourceDesc, len(f.cfg.Resources))
	for i, rc := range f.cfg.Resources {
		out[i] = transport.ResourceDesc{Name: rc.Name, Device: rc.Device, MDIndex: rc.MD, BusID: rc.BusID}
	}
	return out
}

// MemoryDomains implements transport.Fabric.
func (f *Fabric) MemoryDomains() []transport.MemoryDomain {
	out := make([]transport.MemoryDomain, len(f.mds))
	for i, md := range f.mds {
		out[i] = md
	}
	return out
}

// Domain returns the concrete domain at index i.
func (f *Fabric) Domain(i int) *Domain {
	return f.mds[i]
}

// OpenIface implements transport.Fabric.
func (f *Fabric) OpenIface(rsc int) (transport.Iface, error) {
	if rsc < 0 || rsc >= len(f.cfg.Resources) {
		return nil, fmt.Errorf("loopback: unknown resource %d", rsc)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	iface := newIface(f, f.seq, f.cfg.Resources[rsc])
	f.ifaces[f.seq] = iface
	f.opened = append(f.opened, iface)
	return iface, nil
}

// Ifaces returns every interface opened so far, in open order.
func (f *Fabric) Ifaces() []*Iface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Iface(nil), f.opened...)
}

// Regions reports how many buffers are mapped by at least one domain.
func (f *Fabric) Regions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.space)
}

func (f *Fabric) lookupIface(addr []byte) (*Iface, error) {
	if len(addr) != 8 {
		return nil, fmt.Errorf("loopback: malformed address of %d bytes", len(addr))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	iface, ok := f.ifaces[binary.LittleEndian.Uint64(addr)]
	if !ok || iface.closed {
		return nil, transport.ErrClosed
	}
	return iface, nil
}

func (f *Fabric) mapRegion(buf []byte) *region {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := regionKey{base: &buf[0], n: len(buf)}
	r, ok := f.space[key]
	if !ok {
		r = &region{addr: f.next, buf: buf}
		f.next += addressStride
		f.space[key] = r
	}
	r.refs++
	return r
}

func (f *Fabric) unmapRegion(r *region) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.refs--
	if r.refs == 0 {
		delete(f.space, regionKey{base: &r.buf[0], n: len(r.buf)})
	}
}
