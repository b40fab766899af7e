package rndv

import (
	"fmt"

	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/internal/units"
	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/transport"
)

var rtrProto = &proto.Protocol{
	Name:     NameRTR,
	Init:     rtrInit,
	Progress: rtrProgress,
}

func rtrInit(p *proto.InitParams) (proto.Priv, *proto.Caps, error) {
	if p.Param.OpID != proto.OpRndvRecv {
		return nil, nil, proto.ErrUnsupported
	}
	if p.Param.DtClass != dt.ClassContig {
		return nil, nil, fmt.Errorf("%w: %s over %s", proto.ErrUnsupported, NameRTR, p.Param.DtClass)
	}
	priv, caps, err := proto.InitRemoteOp(&proto.RemoteOpParams{
		CommonParams: proto.CommonParams{
			InitParams: p,
			Overhead:   handshakeOverhead,
			CfgThresh:  units.Auto,
			FragField:  transport.FieldAMMaxBcopy,
			HdrSize:    rtrHdrSize,
			Flags:      proto.FlagHdrOnly | proto.FlagResponse,
		},
		RemoteOp: proto.OpRndvSend,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := checkHandshakeFits(p, priv, rtrHdrSize); err != nil {
		return nil, nil, err
	}
	return priv, caps, nil
}

// rtrProgress exposes the receive buffer to the sender. The request then
// waits for the ATP.
func rtrProgress(req *proto.Request) proto.ProgressStatus {
	priv := req.Config.Priv.(*proto.RemoteOpPriv)
	if req.Flags&proto.FlagProtoInitialized == 0 {
		if err := proto.ZcopyInit(req, priv.MDMap, nil); err != nil {
			rtrFail(req, err)
			return proto.ProgressDone
		}
		req.Flags |= proto.FlagProtoInitialized
	}

	msg := make([]byte, rtrHdrSize+priv.PackedRkeySize)
	addr, n, err := proto.PackAM(req, msg[rtrHdrSize:])
	if err != nil {
		rtrFail(req, err)
		return proto.ProgressDone
	}
	hdr := rtrHeader{
		SReqID:  req.RemoteOp.RemoteRequest,
		RReqID:  req.ID,
		Address: addr,
		Size:    req.Iter.Length,
	}
	hdr.encode(msg)

	status, err := proto.BcopySingle(req, priv.Lane, proto.AMRndvRTR, msg[:rtrHdrSize+n])
	if status == proto.ProgressBlocked {
		return status
	}
	if err != nil {
		rtrFail(req, err)
		return proto.ProgressDone
	}
	req.Event("rtr-sent")
	return proto.ProgressDone
}

// rtrFail releases everything the request holds, fails the receive and
// tells the sender.
func rtrFail(req *proto.Request, err error) {
	proto.ZcopyCleanup(req)
	proto.DestroyRkey(req.Worker, req.RemoteOp.Rkey)
	recv := req.RemoteOp.RecvReq
	recv.RecvLength = 0
	sendAck(req, req.EP.Config().AMLane, proto.AMRndvATS, req.RemoteOp.RemoteRequest, err, releaseAfterAck)
	recv.Complete(err)
}

// checkRange accepts only an RTR covering the send buffer from its offset to
// the end, since the bulk protocol writes up to the buffer's length.
func (h *rtrHeader) checkRange(length uint64) error {
	if h.Offset > length || h.Size != length-h.Offset {
		return fmt.Errorf("%w: rtr for %d bytes at %d of %d", proto.ErrInvalidParam, h.Size, h.Offset, length)
	}
	return nil
}

// handleRTR switches the send request from the handshake to the protocol
// selected for the receiver's buffer.
func handleRTR(w proto.Worker, data []byte) error {
	var hdr rtrHeader
	if err := hdr.decode(data); err != nil {
		return err
	}
	sreq, ok := w.RequestByID(hdr.SReqID)
	if !ok {
		return fmt.Errorf("%w: rtr for %#x", ErrUnknownRequest, hdr.SReqID)
	}
	sreq.Event("rtr-received")
	if err := hdr.checkRange(sreq.Iter.Length); err != nil {
		proto.ZcopyComplete(sreq, err)
		sendAckOn(w, sreq.EP, proto.AMRndvATP, hdr.RReqID, err)
		return nil
	}

	sreq.Flags &^= proto.FlagProtoInitialized
	sreq.RemoteOp.RemoteAddress = hdr.Address
	sreq.RemoteOp.RemoteRequest = hdr.RReqID
	sreq.Iter.Offset = hdr.Offset
	if err := proto.SendReply(w, sreq, proto.OpRndvSend, 1, data[rtrHdrSize:]); err != nil {
		w.Debugf("rndv: send reply for %#x: %v", sreq.ID, err)
		proto.ZcopyComplete(sreq, err)
		sendAckOn(w, sreq.EP, proto.AMRndvATP, hdr.RReqID, err)
	}
	return nil
}

// handleATP completes the receive a sender finished writing.
func handleATP(w proto.Worker, data []byte) error {
	var hdr ackHeader
	if err := hdr.decode(data); err != nil {
		return err
	}
	rreq, ok := w.RequestByID(hdr.ReqID)
	if !ok {
		return fmt.Errorf("%w: atp for %#x", ErrUnknownRequest, hdr.ReqID)
	}
	status := proto.StatusError(hdr.Status)
	proto.ZcopyCleanup(rreq)
	proto.DestroyRkey(w, rreq.RemoteOp.Rkey)
	recv := rreq.RemoteOp.RecvReq
	rreq.Release()
	recv.Event("atp-received")
	if status != nil {
		recv.RecvLength = 0
	}
	recv.Complete(status)
	return nil
}
