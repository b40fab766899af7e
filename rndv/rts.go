package rndv

import (
	"fmt"

	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/transport"
)

var rtsProto = &proto.Protocol{
	Name:     NameRTS,
	Init:     rtsInit,
	Progress: rtsProgress,
}

func rtsInit(p *proto.InitParams) (proto.Priv, *proto.Caps, error) {
	if p.Param.OpID != proto.OpTagSend {
		return nil, nil, proto.ErrUnsupported
	}
	if p.Param.DtClass != dt.ClassContig {
		return nil, nil, fmt.Errorf("%w: %s over %s", proto.ErrUnsupported, NameRTS, p.Param.DtClass)
	}
	s := p.Worker.Settings()
	priv, caps, err := proto.InitRemoteOp(&proto.RemoteOpParams{
		CommonParams: proto.CommonParams{
			InitParams:  p,
			Overhead:    handshakeOverhead,
			CfgThresh:   s.RndvThresh,
			CfgPriority: rtsPriority,
			FragField:   transport.FieldAMMaxBcopy,
			HdrSize:     rtsHdrSize,
			Flags:       proto.FlagHdrOnly | proto.FlagResponse,
		},
		RemoteOp: proto.OpRndvRecv,
		PerfBias: s.RndvPerfDiff / 100,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := checkHandshakeFits(p, priv, rtsHdrSize); err != nil {
		return nil, nil, err
	}
	return priv, caps, nil
}

func checkHandshakeFits(p *proto.InitParams, priv *proto.RemoteOpPriv, hdrSize int) error {
	rsc := p.EPConfig.Lanes[priv.Lane].Rsc
	limit := p.Worker.IfaceAttr(rsc).AM.MaxBcopy
	if uint64(hdrSize+priv.PackedRkeySize) > limit {
		return fmt.Errorf("%w: %s handshake of %d bytes exceeds %d", proto.ErrUnsupported, p.ProtoName,
			hdrSize+priv.PackedRkeySize, limit)
	}
	return nil
}

// rtsProgress registers the send buffer and sends the request to send. The
// request then waits for an RTR or an ATS.
func rtsProgress(req *proto.Request) proto.ProgressStatus {
	priv := req.Config.Priv.(*proto.RemoteOpPriv)
	if req.Flags&proto.FlagProtoInitialized == 0 {
		if err := proto.ZcopyInit(req, priv.MDMap, nil); err != nil {
			proto.ZcopyComplete(req, err)
			return proto.ProgressDone
		}
		req.Worker.AllocRequestID(req)
		req.Flags |= proto.FlagProtoInitialized
	}

	msg := make([]byte, rtsHdrSize+priv.PackedRkeySize)
	addr, n, err := proto.PackAM(req, msg[rtsHdrSize:])
	if err != nil {
		proto.ZcopyComplete(req, err)
		return proto.ProgressDone
	}
	hdr := rtsHeader{
		SReqID:  req.ID,
		EPID:    req.EP.RemoteID,
		Address: addr,
		Size:    req.Iter.Length,
		Tag:     req.Tag,
	}
	hdr.encode(msg)

	status, err := proto.BcopySingle(req, priv.Lane, proto.AMRndvRTS, msg[:rtsHdrSize+n])
	if status == proto.ProgressBlocked {
		return status
	}
	if err != nil {
		proto.ZcopyComplete(req, err)
		return proto.ProgressDone
	}
	req.Event("rts-sent")
	return proto.ProgressDone
}

// handleRTS matches an incoming request to send with a posted receive, or
// parks it until one is posted.
func handleRTS(w proto.Worker, data []byte) error {
	var hdr rtsHeader
	if err := hdr.decode(data); err != nil {
		return err
	}
	ep, ok := w.EndpointByID(hdr.EPID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEndpoint, hdr.EPID)
	}
	rkeyBuf := data[rtsHdrSize:]
	if recv := w.MatchRecv(hdr.Tag); recv != nil {
		startRecv(w, ep, recv, &hdr, rkeyBuf)
		return nil
	}
	rkeyBuf = append([]byte(nil), rkeyBuf...)
	w.AddUnexpected(proto.Unexpected{
		Tag:    hdr.Tag,
		Length: hdr.Size,
		Deliver: func(recv *proto.Request) {
			startRecv(w, ep, recv, &hdr, rkeyBuf)
		},
	})
	return nil
}

// startRecv starts the receive side of a rendezvous for recv: a request over
// the receive buffer that selects GET or RTR against the sender's key.
func startRecv(w proto.Worker, ep *proto.Endpoint, recv *proto.Request, hdr *rtsHeader, rkeyBuf []byte) {
	recv.Tag = hdr.Tag
	recv.Event("rts-received")
	if recv.Iter.Class != dt.ClassContig {
		recv.Complete(dt.ErrUnsupportedClass)
		sendAckOn(w, ep, proto.AMRndvATS, hdr.SReqID, dt.ErrUnsupportedClass)
		return
	}
	if hdr.Size > recv.Iter.Length {
		recv.RecvLength = 0
		recv.Complete(fmt.Errorf("%w: %d bytes into %d byte buffer", proto.ErrTruncated, hdr.Size, recv.Iter.Length))
		sendAckOn(w, ep, proto.AMRndvATS, hdr.SReqID, proto.ErrTruncated)
		return
	}

	rreq := w.NewRequest(ep)
	var sg uint8
	rreq.Iter, sg = dt.InitContig(recv.Iter.Buffer()[:hdr.Size], recv.Iter.MemType)
	rreq.Iter.SysDev = recv.Iter.SysDev
	rreq.Tag = hdr.Tag
	rreq.RemoteOp = proto.RemoteOp{
		RemoteAddress: hdr.Address,
		RemoteRequest: hdr.SReqID,
		RecvReq:       recv,
	}
	w.AllocRequestID(rreq)
	recv.RecvLength = hdr.Size

	if err := proto.SendReply(w, rreq, proto.OpRndvRecv, sg, rkeyBuf); err != nil {
		w.Debugf("rndv: receive of %d bytes for tag %#x: %v", hdr.Size, hdr.Tag, err)
		rreq.Release()
		recv.RecvLength = 0
		recv.Complete(err)
		sendAckOn(w, ep, proto.AMRndvATS, hdr.SReqID, err)
	}
}

// handleATS completes the send request a receiver acknowledged.
func handleATS(w proto.Worker, data []byte) error {
	var hdr ackHeader
	if err := hdr.decode(data); err != nil {
		return err
	}
	sreq, ok := w.RequestByID(hdr.ReqID)
	if !ok {
		return fmt.Errorf("%w: ats for %#x", ErrUnknownRequest, hdr.ReqID)
	}
	sreq.Event("ats-received")
	proto.ZcopyComplete(sreq, proto.StatusError(hdr.Status))
	return nil
}
