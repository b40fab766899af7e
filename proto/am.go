package proto

import (
	"errors"

	"github.com/rocketbitz/fabricproto-go/transport"
)

// maxTinyAM bounds the payload of TinyAMSend.
const maxTinyAM = 32

// TinyAMSend sends a small active message on lane for req, retrying while the
// transport would block, and then calls complete with the send status.
func TinyAMSend(req *Request, lane LaneIndex, id uint8, payload []byte, complete func(req *Request, err error)) {
	if len(payload) > maxTinyAM {
		complete(req, transport.ErrMessageSize)
		return
	}
	req.tiny = tinyAM{
		lane:     lane,
		id:       id,
		payload:  append(req.tiny.payload[:0], payload...),
		complete: complete,
	}
	req.progress = tinyAMProgress
	req.Send()
}

func tinyAMProgress(req *Request) ProgressStatus {
	t := req.tiny
	_, err := req.EP.Lane(t.lane).AMBcopy(t.id, func(dst []byte) int {
		return copy(dst, t.payload)
	})
	if errors.Is(err, transport.ErrWouldBlock) {
		return ProgressBlocked
	}
	req.progress = nil
	req.tiny.complete = nil
	t.complete(req, err)
	return ProgressDone
}

// BcopySingle sends msg as one active message on lane. It is the progress
// step of header-only protocols.
func BcopySingle(req *Request, lane LaneIndex, id uint8, msg []byte) (ProgressStatus, error) {
	_, err := req.EP.Lane(lane).AMBcopy(id, func(dst []byte) int {
		if len(msg) > len(dst) {
			return -1
		}
		return copy(dst, msg)
	})
	if errors.Is(err, transport.ErrWouldBlock) {
		return ProgressBlocked, nil
	}
	if err == nil {
		req.Worker.Observe(Event{Kind: EventLaneOpPosted, Req: req, Lane: lane, Size: uint64(len(msg))})
	}
	return ProgressDone, err
}
