package rndv

import (
	"errors"

	"github.com/rocketbitz/fabricproto-go/proto"
)

// Protocol names.
const (
	NameRTS      = "rndv/rts"
	NameGetZcopy = "rndv/get/zcopy"
	NameRTR      = "rndv/rtr"
	NamePutZcopy = "rndv/put/zcopy"
)

var (
	errShortMessage = errors.New("rndv: short message")
	// ErrUnknownRequest means an acknowledgement names a request this worker
	// does not track.
	ErrUnknownRequest = errors.New("rndv: unknown request")
	// ErrUnknownEndpoint means a request-to-send names an endpoint this
	// worker does not have.
	ErrUnknownEndpoint = errors.New("rndv: unknown endpoint")
)

// handshakeOverhead is the software cost of building a handshake message.
const handshakeOverhead = 40e-9

// rtsPriority makes a configured rendezvous threshold win over other forced
// protocols.
const rtsPriority = 60

// Protocols returns the rendezvous protocols in registration order.
func Protocols() []*proto.Protocol {
	return []*proto.Protocol{rtsProto, getProto, rtrProto, putProto}
}

func init() {
	for _, p := range Protocols() {
		proto.Register(p)
	}
	proto.RegisterAMHandler(proto.AMRndvRTS, "rndv_rts", handleRTS)
	proto.RegisterAMHandler(proto.AMRndvRTR, "rndv_rtr", handleRTR)
	proto.RegisterAMHandler(proto.AMRndvATS, "rndv_ats", handleATS)
	proto.RegisterAMHandler(proto.AMRndvATP, "rndv_atp", handleATP)
}

// sendAck sends an ATS or ATP for the peer request reqID on lane, reusing req
// for the send. done runs once the message left.
func sendAck(req *proto.Request, lane proto.LaneIndex, id uint8, reqID uint64, status error, done func(req *proto.Request, err error)) {
	hdr := ackHeader{ReqID: reqID, Status: proto.StatusCode(status)}
	var buf [ackHdrSize]byte
	hdr.encode(buf[:])
	proto.TinyAMSend(req, lane, id, buf[:], done)
}

// sendAckOn sends an acknowledgement from a fresh internal request on ep's
// active-message lane.
func sendAckOn(w proto.Worker, ep *proto.Endpoint, id uint8, reqID uint64, status error) {
	req := w.NewRequest(ep)
	sendAck(req, ep.Config().AMLane, id, reqID, status, releaseAfterAck)
}

func releaseAfterAck(req *proto.Request, err error) {
	if err != nil {
		req.Worker.Debugf("rndv: acknowledgement for request %#x: %v", req.ID, err)
	}
	req.Release()
}
