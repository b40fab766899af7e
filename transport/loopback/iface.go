package loopback

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rocketbitz/fabricproto-go/transport"
)

// IfaceStats counts interface activity.
type IfaceStats struct {
	Puts          int
	Gets          int
	AMs           int
	BytesPut      uint64
	BytesGot      uint64
	WouldBlock    int
	Completions   int
	Delivered     int
	HandlerErrors int
}

// Iface is a loopback transport interface.
type Iface struct {
	fabric *Fabric
	id     uint64
	cfg    ResourceConfig

	handlers    [256]transport.AMHandler
	pending     []*transport.Completion
	outstanding int
	blockNext   int
	stats       IfaceStats

	inboxMu sync.Mutex
	inbox   []amMessage

	closed bool
}

type amMessage struct {
	id   uint8
	data []byte
}

func newIface(f *Fabric, id uint64, cfg ResourceConfig) *Iface {
	return &Iface{fabric: f, id: id, cfg: cfg}
}

// Attr implements transport.Iface.
func (i *Iface) Attr() transport.IfaceAttr {
	return transport.IfaceAttr{
		Flags: i.cfg.Flags,
		Put:   transport.ZcopyCaps{MaxZcopy: i.cfg.MaxPut, MaxIOV: defaultMaxIOV},
		Get:   transport.ZcopyCaps{MaxZcopy: i.cfg.MaxGet, MaxIOV: defaultMaxIOV},
		AM: transport.AMCaps{
			MaxShort: defaultMaxShort,
			MaxBcopy: i.cfg.MaxBcopy,
			MaxHdr:   defaultMaxShort,
		},
		Latency:   transport.Latency{C: i.cfg.Latency},
		Overhead:  i.cfg.Overhead,
		Bandwidth: transport.Bandwidth{Dedicated: i.cfg.Bandwidth, Shared: i.cfg.Shared},
	}
}

// Address implements transport.Iface.
func (i *Iface) Address() []byte {
	addr := make([]byte, 8)
	binary.LittleEndian.PutUint64(addr, i.id)
	return addr
}

// Name returns the resource name the interface was opened on.
func (i *Iface) Name() string {
	return i.cfg.Name
}

// Connect implements transport.Iface.
func (i *Iface) Connect(addr []byte) (transport.Endpoint, error) {
	if i.closed {
		return nil, transport.ErrClosed
	}
	remote, err := i.fabric.lookupIface(addr)
	if err != nil {
		return nil, err
	}
	return &endpoint{local: i, remote: remote}, nil
}

// SetAMHandler implements transport.Iface.
func (i *Iface) SetAMHandler(id uint8, handler transport.AMHandler) {
	i.handlers[id] = handler
}

// BlockNext makes the next n posted operations return ErrWouldBlock.
func (i *Iface) BlockNext(n int) {
	i.blockNext = n
}

// Stats returns a snapshot of the interface counters.
func (i *Iface) Stats() IfaceStats {
	return i.stats
}

// Outstanding reports accepted zero-copy operations not yet completed.
func (i *Iface) Outstanding() int {
	return i.outstanding
}

// Progress implements transport.Iface. Completions are delivered first, then
// queued active messages.
func (i *Iface) Progress() int {
	events := 0
	if len(i.pending) > 0 {
		done := i.pending
		i.pending = nil
		i.outstanding -= len(done)
		if i.cfg.ReverseCompletions {
			for l, r := 0, len(done)-1; l < r; l, r = l+1, r-1 {
				done[l], done[r] = done[r], done[l]
			}
		}
		for _, comp := range done {
			i.stats.Completions++
			comp.Done(nil)
		}
		events += len(done)
	}

	i.inboxMu.Lock()
	msgs := i.inbox
	i.inbox = nil
	i.inboxMu.Unlock()
	for _, msg := range msgs {
		events++
		i.stats.Delivered++
		handler := i.handlers[msg.id]
		if handler == nil {
			i.stats.HandlerErrors++
			continue
		}
		if err := handler(msg.data); err != nil {
			i.stats.HandlerErrors++
		}
	}
	return events
}

// Close implements transport.Iface.
func (i *Iface) Close() error {
	i.fabric.mu.Lock()
	defer i.fabric.mu.Unlock()
	if i.closed {
		return transport.ErrClosed
	}
	i.closed = true
	delete(i.fabric.ifaces, i.id)
	return nil
}

func (i *Iface) deliver(id uint8, data []byte) {
	i.inboxMu.Lock()
	i.inbox = append(i.inbox, amMessage{id: id, data: data})
	i.inboxMu.Unlock()
}

func (i *Iface) admit(zcopy bool) error {
	if i.closed {
		return transport.ErrClosed
	}
	if i.blockNext > 0 {
		i.blockNext--
		i.stats.WouldBlock++
		return transport.ErrWouldBlock
	}
	if zcopy && i.cfg.Credits > 0 && i.outstanding >= i.cfg.Credits {
		i.stats.WouldBlock++
		return transport.ErrWouldBlock
	}
	return nil
}

type endpoint struct {
	local  *Iface
	remote *Iface
}

func (e *endpoint) PutZcopy(iov []transport.IOV, remoteAddr uint64, rkey transport.RemoteKey, comp *transport.Completion) error {
	total, err := e.checkZcopy(transport.CapPutZcopy, iov, e.local.cfg.MaxPut)
	if err != nil {
		return err
	}
	if err := e.local.admit(true); err != nil {
		return err
	}
	dst, err := e.resolve(rkey, remoteAddr, total)
	if err != nil {
		return err
	}
	off := 0
	for _, v := range iov {
		off += copy(dst[off:], v.Buffer)
	}
	e.local.stats.Puts++
	e.local.stats.BytesPut += total
	e.local.post(comp)
	return nil
}

func (e *endpoint) GetZcopy(iov []transport.IOV, remoteAddr uint64, rkey transport.RemoteKey, comp *transport.Completion) error {
	total, err := e.checkZcopy(transport.CapGetZcopy, iov, e.local.cfg.MaxGet)
	if err != nil {
		return err
	}
	if err := e.local.admit(true); err != nil {
		return err
	}
	src, err := e.resolve(rkey, remoteAddr, total)
	if err != nil {
		return err
	}
	off := 0
	for _, v := range iov {
		off += copy(v.Buffer, src[off:])
	}
	e.local.stats.Gets++
	e.local.stats.BytesGot += total
	e.local.post(comp)
	return nil
}

func (e *endpoint) AMBcopy(id uint8, pack func(dst []byte) int) (int, error) {
	if !e.local.cfg.Flags.Has(transport.CapAMBcopy) {
		return 0, transport.ErrUnsupported
	}
	if err := e.local.admit(false); err != nil {
		return 0, err
	}
	buf := make([]byte, e.local.cfg.MaxBcopy)
	n := pack(buf)
	if n < 0 || uint64(n) > e.local.cfg.MaxBcopy {
		return 0, transport.ErrMessageSize
	}
	e.local.stats.AMs++
	e.remote.deliver(id, buf[:n])
	return n, nil
}

func (e *endpoint) checkZcopy(flag transport.CapFlag, iov []transport.IOV, max uint64) (uint64, error) {
	if !e.local.cfg.Flags.Has(flag) {
		return 0, transport.ErrUnsupported
	}
	if len(iov) > defaultMaxIOV {
		return 0, fmt.Errorf("loopback: %d iov elements: %w", len(iov), transport.ErrMessageSize)
	}
	md := e.local.fabric.mds[e.local.cfg.MD]
	var total uint64
	for _, v := range iov {
		total += v.Length()
		if v.Length() == 0 || !md.cfg.Flags.Has(transport.MDFlagNeedMemh) {
			continue
		}
		h, ok := v.Memh.(*memHandle)
		if !ok || h.md != md {
			return 0, fmt.Errorf("loopback: iov not registered on %s: %w", md.cfg.Name, transport.ErrInvalidAccess)
		}
	}
	if total > max {
		return 0, fmt.Errorf("loopback: %d bytes exceed %d: %w", total, max, transport.ErrMessageSize)
	}
	return total, nil
}

func (e *endpoint) resolve(rkey transport.RemoteKey, addr, n uint64) ([]byte, error) {
	md := int(uint64(rkey) >> 56)
	if md >= len(e.local.fabric.mds) {
		return nil, transport.ErrInvalidAccess
	}
	return e.local.fabric.mds[md].access(rkey, addr, n)
}

func (i *Iface) post(comp *transport.Completion) {
	i.outstanding++
	i.pending = append(i.pending, comp)
}
