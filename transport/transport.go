package transport

// MemHandle is an opaque registration of a buffer on a memory domain.
type MemHandle interface {
	Address() uint64
	Length() uint64
}

// RemoteKey is an unpacked peer capability for one memory domain.
type RemoteKey uint64

// MemoryDomain registers memory and packs or unpacks remote keys.
type MemoryDomain interface {
	Attr() MDAttr
	Register(buf []byte, mem MemoryType) (MemHandle, error)
	Deregister(memh MemHandle) error
	// PackRkey writes the remote key of memh into dst and returns the packed size.
	PackRkey(memh MemHandle, dst []byte) (int, error)
	UnpackRkey(src []byte) (RemoteKey, error)
	ReleaseRkey(key RemoteKey) error
}

// IOV is one scatter/gather element of a zero-copy operation.
type IOV struct {
	Buffer []byte
	Memh   MemHandle
}

// Length returns the byte length of the element.
func (v IOV) Length() uint64 {
	return uint64(len(v.Buffer))
}

// AMHandler consumes an active message. data is only valid during the call.
type AMHandler func(data []byte) error

// Endpoint exposes the non-blocking primitives of one connected lane.
//
// PutZcopy and GetZcopy return nil when the operation was accepted; comp.Done
// is then invoked exactly once from Iface.Progress. ErrWouldBlock means the
// operation was not accepted and comp is untouched. AMBcopy copies the payload
// produced by pack before returning and completes synchronously.
type Endpoint interface {
	PutZcopy(iov []IOV, remoteAddr uint64, rkey RemoteKey, comp *Completion) error
	GetZcopy(iov []IOV, remoteAddr uint64, rkey RemoteKey, comp *Completion) error
	AMBcopy(id uint8, pack func(dst []byte) int) (int, error)
}

// Iface is an opened transport interface on one resource.
type Iface interface {
	Attr() IfaceAttr
	Address() []byte
	Connect(addr []byte) (Endpoint, error)
	SetAMHandler(id uint8, handler AMHandler)
	// Progress delivers pending completions and active messages and reports
	// how many events were processed.
	Progress() int
	Close() error
}

// ResourceDesc names a transport resource and the memory domain it uses.
type ResourceDesc struct {
	Name    string
	Device  string
	MDIndex int
	BusID   *BusID
}

// Fabric enumerates resources and memory domains and opens interfaces.
type Fabric interface {
	Resources() []ResourceDesc
	MemoryDomains() []MemoryDomain
	OpenIface(rsc int) (Iface, error)
}
