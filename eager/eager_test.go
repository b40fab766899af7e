package eager

import (
	"errors"
	"testing"

	"github.com/rocketbitz/fabricproto-go/proto"
)

func TestHeaderRoundTrip(t *testing.T) {
	msg := make([]byte, hdrSize+5)
	in := header{Tag: 0xfeed, SReqID: 3, Length: 5}
	in.encode(msg)

	var out header
	if err := out.decode(msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
}

func TestHeaderRejectsShortMessages(t *testing.T) {
	var h header
	if err := h.decode(make([]byte, hdrSize-1)); !errors.Is(err, errShortMessage) {
		t.Fatalf("expected short header, got %v", err)
	}
	msg := make([]byte, hdrSize+2)
	(&header{Length: 10}).encode(msg)
	if err := h.decode(msg); !errors.Is(err, errShortMessage) {
		t.Fatalf("expected short payload, got %v", err)
	}
	if err := handleEager(nil, msg); !errors.Is(err, errShortMessage) {
		t.Fatalf("handler accepted a short payload: %v", err)
	}
}

func TestInitOnlyServesTagSend(t *testing.T) {
	for _, op := range []proto.OpID{proto.OpRndvSend, proto.OpRndvRecv} {
		p := &proto.InitParams{Param: proto.SelectParam{OpID: op}}
		if _, _, err := initProto(p); !errors.Is(err, proto.ErrUnsupported) {
			t.Fatalf("%s: expected unsupported, got %v", op, err)
		}
	}
}
