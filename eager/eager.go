// Package eager implements eager/bcopy/single, which copies a tagged message
// and its header into one active message. It serves messages up to the
// active-message lane's bcopy limit; rendezvous takes over above it.
package eager

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rocketbitz/fabricproto-go/internal/units"
	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// Name is the protocol name.
const Name = "eager/bcopy/single"

const (
	hdrSize = 24
	// packOverhead is the software cost of copying into the bounce buffer.
	packOverhead = 10e-9
)

var errShortMessage = errors.New("eager: short message")

// Priv is the configuration of the eager protocol.
type Priv struct {
	proto.SinglePriv
}

// Protocol is the eager protocol descriptor.
var Protocol = &proto.Protocol{
	Name:     Name,
	Init:     initProto,
	Progress: progress,
}

func init() {
	proto.Register(Protocol)
	proto.RegisterAMHandler(proto.AMEager, "eager", handleEager)
}

func initProto(p *proto.InitParams) (proto.Priv, *proto.Caps, error) {
	if p.Param.OpID != proto.OpTagSend {
		return nil, nil, proto.ErrUnsupported
	}
	spriv, caps, err := proto.InitSingle(&proto.SingleParams{
		CommonParams: proto.CommonParams{
			InitParams: p,
			Overhead:   packOverhead,
			CfgThresh:  units.Auto,
			FragField:  transport.FieldAMMaxBcopy,
			HdrSize:    hdrSize,
		},
		LaneType: proto.LaneTypeAM,
		CapFlags: transport.CapAMBcopy,
	})
	if err != nil {
		return nil, nil, err
	}
	return &Priv{SinglePriv: *spriv}, caps, nil
}

type header struct {
	Tag    uint64
	SReqID uint64
	Length uint64
}

func (h *header) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], h.Tag)
	binary.LittleEndian.PutUint64(dst[8:], h.SReqID)
	binary.LittleEndian.PutUint64(dst[16:], h.Length)
}

func (h *header) decode(src []byte) error {
	if len(src) < hdrSize {
		return fmt.Errorf("%w: %d bytes", errShortMessage, len(src))
	}
	h.Tag = binary.LittleEndian.Uint64(src[0:])
	h.SReqID = binary.LittleEndian.Uint64(src[8:])
	h.Length = binary.LittleEndian.Uint64(src[16:])
	if uint64(len(src)-hdrSize) < h.Length {
		return fmt.Errorf("%w: %d of %d payload bytes", errShortMessage, len(src)-hdrSize, h.Length)
	}
	return nil
}

func progress(req *proto.Request) proto.ProgressStatus {
	priv := req.Config.Priv.(*Priv)
	msg := make([]byte, hdrSize+req.Iter.Length)
	hdr := header{Tag: req.Tag, Length: req.Iter.Length}
	hdr.encode(msg)
	req.Iter.Pack(msg[hdrSize:])

	status, err := proto.BcopySingle(req, priv.Lane, proto.AMEager, msg)
	if status == proto.ProgressBlocked {
		return status
	}
	if err == nil {
		req.Iter.Offset = req.Iter.Length
	}
	req.Complete(err)
	return proto.ProgressDone
}

func handleEager(w proto.Worker, data []byte) error {
	var hdr header
	if err := hdr.decode(data); err != nil {
		return err
	}
	payload := data[hdrSize : hdrSize+hdr.Length]
	if recv := w.MatchRecv(hdr.Tag); recv != nil {
		deliver(recv, hdr.Tag, payload)
		return nil
	}
	payload = append([]byte(nil), payload...)
	w.AddUnexpected(proto.Unexpected{
		Tag:    hdr.Tag,
		Length: hdr.Length,
		Deliver: func(recv *proto.Request) {
			deliver(recv, hdr.Tag, payload)
		},
	})
	return nil
}

// deliver copies payload into recv. A payload longer than the buffer fills
// it and completes the receive with proto.ErrTruncated.
func deliver(recv *proto.Request, tag uint64, payload []byte) {
	recv.Tag = tag
	var status error
	if uint64(len(payload)) > recv.Iter.Length {
		status = fmt.Errorf("%w: %d bytes into %d byte buffer", proto.ErrTruncated, len(payload), recv.Iter.Length)
		payload = payload[:recv.Iter.Length]
	}
	n, err := recv.Iter.Unpack(0, payload)
	if err != nil {
		status = err
	}
	recv.RecvLength = uint64(n)
	recv.Complete(status)
}
