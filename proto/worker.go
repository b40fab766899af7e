package proto

import (
	"github.com/rocketbitz/fabricproto-go/internal/topo"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// Worker is everything protocols need from the worker that owns them: static
// configuration at init time and request plumbing at progress time. The
// worker is driven by one goroutine at a time.
type Worker interface {
	Settings() *Settings
	Protocols() []*Protocol

	IfaceAttr(rsc RscIndex) *transport.IfaceAttr
	ResourceMD(rsc RscIndex) MDIndex
	ResourceDevice(rsc RscIndex) transport.SysDevice
	// Distance estimates the path between two devices; ok is false when
	// either device is unknown.
	Distance(from, to transport.SysDevice) (d topo.Distance, ok bool)
	MemoryDomains() []transport.MemoryDomain
	MDAttr(md MDIndex) *transport.MDAttr

	EPConfig(index int) *EPConfigKey
	// RkeyConfig returns the index of key, creating it on first use.
	RkeyConfig(key RkeyConfigKey) (int, *RkeyConfig, error)
	RkeyConfigAt(index int) *RkeyConfig
	EndpointByID(id uint64) (*Endpoint, bool)

	NewRequest(ep *Endpoint) *Request
	AllocRequestID(req *Request) uint64
	RequestByID(id uint64) (*Request, bool)
	ReleaseRequest(req *Request)
	// Schedule queues req to be progressed again on the next Progress.
	Schedule(req *Request)
	// MatchRecv removes and returns the first posted receive matching tag.
	MatchRecv(tag uint64) *Request
	AddUnexpected(u Unexpected)

	Debugf(format string, args ...any)
	Observe(ev Event)
}

// Endpoint is one side of a connection: a lane table and its transport
// endpoints.
type Endpoint struct {
	ID       uint64
	RemoteID uint64
	CfgIndex int
	Lanes    []transport.Endpoint
	Worker   Worker
}

// Lane returns the transport endpoint of lane.
func (ep *Endpoint) Lane(lane LaneIndex) transport.Endpoint {
	return ep.Lanes[lane]
}

// Config returns the endpoint's lane table.
func (ep *Endpoint) Config() *EPConfigKey {
	return ep.Worker.EPConfig(ep.CfgIndex)
}

// Unexpected is a message that arrived before a matching receive was posted.
// Deliver consumes it once a receive matches.
type Unexpected struct {
	Tag     uint64
	Length  uint64
	Deliver func(recv *Request)
}

// EventKind classifies observations reported to the worker.
type EventKind uint8

const (
	EventProtocolSelected EventKind = iota
	EventLaneOpPosted
	EventWouldBlock
	EventCompleted
	// EventMessage is a named protocol milestone, for example "rts-sent".
	EventMessage
)

// Event is one observation reported by a protocol.
type Event struct {
	Kind EventKind
	Req  *Request
	Name string
	Lane LaneIndex
	Size uint64
	Err  error
}
