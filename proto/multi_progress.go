package proto

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// SendFunc posts one fragment of at most max bytes from req.Iter.Offset on
// lane and returns the offset following it. It must not modify req.
type SendFunc func(req *Request, lane *MultiLanePriv, max uint64) (next uint64, err error)

// CompleteFunc finishes a request's posting phase with err.
type CompleteFunc func(req *Request, err error)

type multiConfig interface {
	Multi() *MultiPriv
}

// DropRef releases the initial reference of the request's completion, so it
// fires once every posted operation has completed.
func DropRef(req *Request, err error) {
	req.Comp.Done(err)
}

// MultiRequestInit rewinds the lane cursor and starts a round at the
// iterator's offset.
func MultiRequestInit(req *Request) {
	req.Lane = 0
	req.RoundOffset = req.Iter.Offset
}

// nextLane advances the cursor, starting a new round when it wraps.
func nextLane(req *Request, lanes int) {
	req.Lane = (req.Lane + 1) % lanes
	if req.Lane == 0 {
		req.RoundOffset = req.Iter.Offset
	}
}

// MultiProgress posts the next fragment of req on the lane under the cursor.
// It returns ProgressBlocked without changing any state when the transport
// would block, and calls complete once the iterator is exhausted or a post
// fails.
func MultiProgress(req *Request, send SendFunc, complete CompleteFunc, dtMask dt.ClassMask) ProgressStatus {
	mc, ok := req.Config.Priv.(multiConfig)
	if !ok {
		complete(req, fmt.Errorf("%w: %s is not a multi-lane configuration", ErrInvalidParam, req.Config.Proto.Name))
		return ProgressDone
	}
	mpriv := mc.Multi()
	if !dtMask.Has(req.Iter.Class) {
		complete(req, dt.ErrUnsupportedClass)
		return ProgressDone
	}

	for !req.Iter.Finished() {
		lpriv := &mpriv.Lanes[req.Lane]
		max := mpriv.MaxPayload(req, req.Lane)
		if max == 0 {
			nextLane(req, len(mpriv.Lanes))
			continue
		}

		req.Comp.Add(1)
		next, err := send(req, lpriv, max)
		if err != nil {
			req.Comp.Count--
			if errors.Is(err, transport.ErrWouldBlock) {
				return ProgressBlocked
			}
			complete(req, err)
			return ProgressDone
		}
		req.Worker.Observe(Event{Kind: EventLaneOpPosted, Req: req, Lane: lpriv.Lane, Size: next - req.Iter.Offset})
		req.Iter.Offset = next
		nextLane(req, len(mpriv.Lanes))
		if !req.Iter.Finished() {
			return ProgressAgain
		}
	}

	complete(req, nil)
	return ProgressDone
}

// MultiZcopyProgress registers the buffer on the configuration's domains on
// first invocation and then stripes like MultiProgress. completion runs once
// every operation has completed, or right away with a registration failure
// in req.Comp.Status.
func MultiZcopyProgress(req *Request, send SendFunc, completion func(req *Request)) ProgressStatus {
	if req.Flags&FlagProtoInitialized == 0 {
		mc, ok := req.Config.Priv.(multiConfig)
		if !ok {
			req.Complete(fmt.Errorf("%w: %s is not a multi-lane configuration", ErrInvalidParam, req.Config.Proto.Name))
			return ProgressDone
		}
		if err := ZcopyInit(req, mc.Multi().RegMDMap, completion); err != nil {
			req.Comp.Done(err)
			return ProgressDone
		}
		MultiRequestInit(req)
		req.Flags |= FlagProtoInitialized
	}
	return MultiProgress(req, send, DropRef, dt.ClassContig.Mask())
}
