package proto

import (
	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/rkey"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// RequestFlags track a request's lifecycle.
type RequestFlags uint8

const (
	// FlagProtoInitialized is set once the current protocol finished its
	// lazy setup. Rendezvous chaining clears it when switching protocols.
	FlagProtoInitialized RequestFlags = 1 << iota
	// FlagCompleted is set when the request reported its final status.
	FlagCompleted
	// FlagReceive marks a posted tag receive.
	FlagReceive
)

// Config is a protocol selected for a request.
type Config struct {
	Proto        *Protocol
	Priv         Priv
	Caps         *Caps
	EPCfgIndex   int
	RkeyCfgIndex int
	Param        SelectParam
}

func (c *Config) String() string {
	if c == nil {
		return "none"
	}
	return c.Proto.Describe(c.Priv)
}

// RemoteOp is the state of a request taking part in a remote operation.
type RemoteOp struct {
	RemoteAddress uint64
	RemoteRequest uint64
	Rkey          *rkey.Key
	// RecvReq is the posted receive a receiver-side rendezvous request serves.
	RecvReq *Request
}

type tinyAM struct {
	lane     LaneIndex
	id       uint8
	payload  []byte
	complete func(req *Request, err error)
}

// Request is one in-flight operation. It is owned by the worker goroutine.
type Request struct {
	ID     uint64
	Flags  RequestFlags
	Worker Worker
	EP     *Endpoint
	Config *Config

	Iter dt.Iter
	// Lane is the multi-lane cursor: the position in the configuration's
	// lane list the next fragment goes to.
	Lane int
	// RoundOffset is where the current striping round started.
	RoundOffset uint64
	Comp        transport.Completion

	RemoteOp RemoteOp

	Tag     uint64
	TagMask uint64
	// RecvLength is the number of bytes delivered to a receive.
	RecvLength uint64

	Callback func(req *Request)
	Status   error
	// Meta belongs to the worker.
	Meta any

	progress func(req *Request) ProgressStatus
	tiny     tinyAM
}

// Done reports whether the request completed.
func (req *Request) Done() bool {
	return req.Flags&FlagCompleted != 0
}

// Err returns the completion status.
func (req *Request) Err() error {
	return req.Status
}

// Complete records status and notifies the worker and the callback. Only the
// first call has an effect.
func (req *Request) Complete(status error) {
	if req.Flags&FlagCompleted != 0 {
		return
	}
	req.Flags |= FlagCompleted
	req.Status = status
	req.Worker.Observe(Event{Kind: EventCompleted, Req: req, Err: status})
	req.Worker.ReleaseRequest(req)
	if req.Callback != nil {
		req.Callback(req)
	}
}

// Release returns an internal request to the worker without reporting a
// completion.
func (req *Request) Release() {
	req.Worker.ReleaseRequest(req)
}

// Event reports a named protocol milestone for req.
func (req *Request) Event(name string) {
	req.Worker.Observe(Event{Kind: EventMessage, Req: req, Name: name})
}

// Progress invokes the current progress routine once.
func (req *Request) Progress() ProgressStatus {
	if req.progress != nil {
		return req.progress(req)
	}
	if req.Config == nil {
		req.Complete(ErrNoProtocol)
		return ProgressDone
	}
	return req.Config.Proto.Progress(req)
}

// Send drives req until it is done or the transport would block, in which
// case it is scheduled on the worker.
func (req *Request) Send() {
	for {
		switch req.Progress() {
		case ProgressDone:
			return
		case ProgressBlocked:
			req.Worker.Observe(Event{Kind: EventWouldBlock, Req: req})
			req.Worker.Schedule(req)
			return
		}
	}
}

// SetProto selects the protocol for length bytes of req from sel.
func SetProto(req *Request, sel *Selection, rkeyCfgIndex int, param SelectParam, length uint64) error {
	elem, err := sel.Lookup(req.Worker, req.EP.CfgIndex, rkeyCfgIndex, param)
	if err != nil {
		return err
	}
	cfg := elem.Find(length)
	if cfg == nil {
		return &InitError{Proto: param.String(), Err: ErrNoProtocol}
	}
	req.Config = cfg
	req.Worker.Observe(Event{Kind: EventProtocolSelected, Req: req, Size: length})
	return nil
}
