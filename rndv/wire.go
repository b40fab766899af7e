package rndv

import (
	"encoding/binary"
	"fmt"
)

const (
	rtsHdrSize = 42
	rtrHdrSize = 40
	ackHdrSize = 9
)

type rtsHeader struct {
	SReqID  uint64
	EPID    uint64
	Address uint64
	Size    uint64
	Tag     uint64
	Flags   uint16
}

func (h *rtsHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], h.SReqID)
	binary.LittleEndian.PutUint64(dst[8:], h.EPID)
	binary.LittleEndian.PutUint64(dst[16:], h.Address)
	binary.LittleEndian.PutUint64(dst[24:], h.Size)
	binary.LittleEndian.PutUint64(dst[32:], h.Tag)
	binary.LittleEndian.PutUint16(dst[40:], h.Flags)
}

func (h *rtsHeader) decode(src []byte) error {
	if len(src) < rtsHdrSize {
		return fmt.Errorf("%w: rts of %d bytes", errShortMessage, len(src))
	}
	h.SReqID = binary.LittleEndian.Uint64(src[0:])
	h.EPID = binary.LittleEndian.Uint64(src[8:])
	h.Address = binary.LittleEndian.Uint64(src[16:])
	h.Size = binary.LittleEndian.Uint64(src[24:])
	h.Tag = binary.LittleEndian.Uint64(src[32:])
	h.Flags = binary.LittleEndian.Uint16(src[40:])
	return nil
}

type rtrHeader struct {
	SReqID  uint64
	RReqID  uint64
	Address uint64
	Size    uint64
	Offset  uint64
}

func (h *rtrHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], h.SReqID)
	binary.LittleEndian.PutUint64(dst[8:], h.RReqID)
	binary.LittleEndian.PutUint64(dst[16:], h.Address)
	binary.LittleEndian.PutUint64(dst[24:], h.Size)
	binary.LittleEndian.PutUint64(dst[32:], h.Offset)
}

func (h *rtrHeader) decode(src []byte) error {
	if len(src) < rtrHdrSize {
		return fmt.Errorf("%w: rtr of %d bytes", errShortMessage, len(src))
	}
	h.SReqID = binary.LittleEndian.Uint64(src[0:])
	h.RReqID = binary.LittleEndian.Uint64(src[8:])
	h.Address = binary.LittleEndian.Uint64(src[16:])
	h.Size = binary.LittleEndian.Uint64(src[24:])
	h.Offset = binary.LittleEndian.Uint64(src[32:])
	return nil
}

// ackHeader is the layout of both ATS and ATP.
type ackHeader struct {
	ReqID  uint64
	Status int8
}

func (h *ackHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], h.ReqID)
	dst[8] = byte(h.Status)
}

func (h *ackHeader) decode(src []byte) error {
	if len(src) < ackHdrSize {
		return fmt.Errorf("%w: ack of %d bytes", errShortMessage, len(src))
	}
	h.ReqID = binary.LittleEndian.Uint64(src[0:])
	h.Status = int8(src[8])
	return nil
}
