package worker

import (
	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// Callback is invoked when a user request completes.
type Callback func(req *proto.Request)

type opKind uint8

const (
	opSend opKind = iota
	opReceive
)

func (k opKind) String() string {
	if k == opReceive {
		return "receive"
	}
	return "send"
}

// requestMeta is attached to user requests.
type requestMeta struct {
	kind opKind
	span Span
}

// TagSend sends buf to the peer of ep under tag. The buffer must not be
// modified until the request completes.
func (w *Worker) TagSend(ep *proto.Endpoint, buf []byte, tag uint64, cb Callback) (*proto.Request, error) {
	it, sg := dt.InitContig(buf, transport.MemoryHost)
	return w.tagSend(ep, it, sg, tag, cb)
}

// TagSendIOV sends the concatenation of iov. Scattered buffers are only
// served by protocols that copy, so their size is bounded by the bcopy limit.
func (w *Worker) TagSendIOV(ep *proto.Endpoint, iov [][]byte, tag uint64, cb Callback) (*proto.Request, error) {
	it, sg := dt.InitIOV(iov, transport.MemoryHost)
	return w.tagSend(ep, it, sg, tag, cb)
}

func (w *Worker) tagSend(ep *proto.Endpoint, it dt.Iter, sg uint8, tag uint64, cb Callback) (*proto.Request, error) {
	if w.closed {
		return nil, ErrClosed
	}
	req := w.NewRequest(ep)
	req.Iter = it
	req.Tag = tag
	req.Meta = w.newMeta(opSend, logKV("tag", tag), logKV("length", it.Length))
	req.Callback = cb
	w.stats.sendPosted.Add(1)

	param := proto.NewSelectParam(proto.OpTagSend, it.Class, it.MemType, it.SysDev, sg)
	if err := proto.SetProto(req, w.epConfigs[ep.CfgIndex].sel, -1, param, it.Length); err != nil {
		w.stats.sendErrored.Add(1)
		w.finishSpan(req, err)
		w.logEvent("send_rejected", logKV("tag", tag), logKV("length", it.Length), logKV("error", err))
		return nil, err
	}
	req.Send()
	return req, nil
}

// TagRecv posts a receive into buf for the first message whose tag matches
// tag under mask.
func (w *Worker) TagRecv(buf []byte, tag, mask uint64, cb Callback) (*proto.Request, error) {
	if w.closed {
		return nil, ErrClosed
	}
	req := w.NewRequest(nil)
	req.Flags |= proto.FlagReceive
	req.Iter, _ = dt.InitContig(buf, transport.MemoryHost)
	req.Tag = tag
	req.TagMask = mask
	req.Meta = w.newMeta(opReceive, logKV("tag", tag), logKV("length", len(buf)))
	req.Callback = cb
	w.stats.recvPosted.Add(1)

	for i, u := range w.unexpected {
		if tagMatches(u.Tag, tag, mask) {
			w.unexpected = append(w.unexpected[:i], w.unexpected[i+1:]...)
			w.stats.recvMatched.Add(1)
			w.logEvent("unexpected_matched", logKV("tag", u.Tag), logKV("length", u.Length))
			u.Deliver(req)
			return req, nil
		}
	}
	w.posted = append(w.posted, req)
	return req, nil
}

func tagMatches(msgTag, recvTag, mask uint64) bool {
	return msgTag&mask == recvTag&mask
}

// MatchRecv implements proto.Worker.
func (w *Worker) MatchRecv(tag uint64) *proto.Request {
	for i, req := range w.posted {
		if tagMatches(tag, req.Tag, req.TagMask) {
			w.posted = append(w.posted[:i], w.posted[i+1:]...)
			w.stats.recvMatched.Add(1)
			return req
		}
	}
	return nil
}

// AddUnexpected implements proto.Worker.
func (w *Worker) AddUnexpected(u proto.Unexpected) {
	w.stats.unexpected.Add(1)
	w.logEvent("unexpected_message", logKV("tag", u.Tag), logKV("length", u.Length))
	w.unexpected = append(w.unexpected, u)
}

// CancelRecv removes a posted receive that has not matched yet.
func (w *Worker) CancelRecv(req *proto.Request) bool {
	for i, r := range w.posted {
		if r == req {
			w.posted = append(w.posted[:i], w.posted[i+1:]...)
			req.Complete(proto.ErrCanceled)
			return true
		}
	}
	return false
}
