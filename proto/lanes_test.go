package proto

import (
	"errors"
	"testing"

	"github.com/rocketbitz/fabricproto-go/transport"
)

func threeLanes() *fakeWorker {
	getless := zcopyAttr(5e9, 64<<10)
	getless.Flags &^= transport.CapGetZcopy
	return newFakeWorker(2,
		fakeLane{attr: zcopyAttr(10e9, 64<<10), md: 0},
		fakeLane{attr: getless, md: 1},
		fakeLane{attr: zcopyAttr(5e9, 64<<10), md: 1},
	)
}

func TestFindLanesOrderAndLimit(t *testing.T) {
	w := threeLanes()
	p := &CommonParams{InitParams: w.initParams(hostParam(OpTagSend)), Flags: FlagSendZcopy}

	lanes, mdMap := FindLanes(p, LaneTypeRMABW, transport.CapPutZcopy, 2, 0)
	if len(lanes) != 2 || lanes[0] != 0 || lanes[1] != 1 {
		t.Fatalf("unexpected lanes %v", lanes)
	}
	if mdMap != MDMap(0).With(0).With(1) {
		t.Fatalf("unexpected registration map %s", mdMap)
	}
}

func TestFindLanesSkipsMissingCapsAndExcluded(t *testing.T) {
	w := threeLanes()
	p := &CommonParams{InitParams: w.initParams(hostParam(OpTagSend))}

	lanes, mdMap := FindLanes(p, LaneTypeRMABW, transport.CapGetZcopy, MaxLanes, 0)
	if len(lanes) != 2 || lanes[0] != 0 || lanes[1] != 2 {
		t.Fatalf("unexpected lanes %v", lanes)
	}
	if mdMap != 0 {
		t.Fatalf("registration map without zero-copy flags: %s", mdMap)
	}

	lanes, _ = FindLanes(p, LaneTypeRMABW, transport.CapGetZcopy, MaxLanes, LaneMap(0).With(0))
	if len(lanes) != 1 || lanes[0] != 2 {
		t.Fatalf("unexpected lanes with exclusion %v", lanes)
	}
}

func TestFindLanesLaneType(t *testing.T) {
	w := newFakeWorker(1,
		fakeLane{attr: zcopyAttr(10e9, 64<<10), types: LaneTypeAM.Mask()},
		fakeLane{attr: zcopyAttr(10e9, 64<<10), types: LaneTypeRMABW.Mask()},
	)
	p := &CommonParams{InitParams: w.initParams(hostParam(OpTagSend))}
	lanes, _ := FindLanes(p, LaneTypeRMABW, transport.CapPutZcopy, MaxLanes, 0)
	if len(lanes) != 1 || lanes[0] != 1 {
		t.Fatalf("unexpected lanes %v", lanes)
	}
}

func TestFindLanesRemoteAccess(t *testing.T) {
	w := threeLanes()
	p := &CommonParams{InitParams: w.initParams(hostParam(OpRndvRecv)), Flags: FlagRemoteAccess}

	if lanes, _ := FindLanes(p, LaneTypeRMABW, transport.CapGetZcopy, MaxLanes, 0); len(lanes) != 0 {
		t.Fatalf("remote access without a key must find nothing, got %v", lanes)
	}

	p.RkeyConfig = &RkeyConfigKey{MDMap: MDMap(0).With(1), MemType: transport.MemoryHost}
	lanes, _ := FindLanes(p, LaneTypeRMABW, transport.CapGetZcopy, MaxLanes, 0)
	if len(lanes) != 1 || lanes[0] != 2 {
		t.Fatalf("unexpected lanes %v", lanes)
	}
}

func TestFindLanesMemoryType(t *testing.T) {
	w := threeLanes()
	param := hostParam(OpTagSend)
	param.MemType = transport.MemoryCUDA
	p := &CommonParams{InitParams: w.initParams(param), Flags: FlagSendZcopy}

	if lanes, _ := FindLanes(p, LaneTypeRMABW, transport.CapPutZcopy, MaxLanes, 0); len(lanes) != 0 {
		t.Fatalf("non-host memory without FlagMemType: %v", lanes)
	}
	p.Flags |= FlagMemType
	if lanes, _ := FindLanes(p, LaneTypeRMABW, transport.CapPutZcopy, MaxLanes, 0); len(lanes) != 0 {
		t.Fatalf("domains cannot register cuda memory, got %v", lanes)
	}
	for i := range w.mdAttrs {
		w.mdAttrs[i].RegMemTypes |= transport.MemoryCUDA.Bit()
	}
	if lanes, _ := FindLanes(p, LaneTypeRMABW, transport.CapPutZcopy, MaxLanes, 0); len(lanes) != 3 {
		t.Fatalf("expected every lane once cuda registers, got %v", lanes)
	}
}

func TestFindLanesNoMatchLeavesOutputsEmpty(t *testing.T) {
	w := threeLanes()
	p := &MultiParams{
		CommonParams: CommonParams{
			InitParams: w.initParams(hostParam(OpTagSend)),
			FragField:  transport.FieldAMMaxZcopy,
			Flags:      FlagSendZcopy,
		},
		MaxLanes: 2,
		First:    LaneSelector{LaneType: LaneTypeAMBW, CapFlags: transport.CapAMZcopy},
		Middle:   LaneSelector{LaneType: LaneTypeAMBW, CapFlags: transport.CapAMZcopy},
	}
	lanes, mdMap := FindLanes(&p.CommonParams, p.First.LaneType, p.First.CapFlags, p.MaxLanes, 0)
	if len(lanes) != 0 || mdMap != 0 {
		t.Fatalf("expected no lanes, got %v map %s", lanes, mdMap)
	}

	priv, caps, err := InitMulti(p)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if priv != nil || caps != nil {
		t.Fatalf("unsupported init produced output priv=%v caps=%v", priv, caps)
	}
}

func TestFindLanesPanicsAboveMaxLanes(t *testing.T) {
	w := threeLanes()
	p := &CommonParams{InitParams: w.initParams(hostParam(OpTagSend))}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	FindLanes(p, LaneTypeRMABW, transport.CapPutZcopy, MaxLanes+1, 0)
}

func TestFindAMBcopyLane(t *testing.T) {
	noAM := zcopyAttr(10e9, 64<<10)
	noAM.Flags &^= transport.CapAMBcopy
	w := newFakeWorker(1, fakeLane{attr: noAM}, fakeLane{attr: zcopyAttr(5e9, 64<<10)})
	if lane := FindAMBcopyLane(w.initParams(hostParam(OpTagSend))); lane != 1 {
		t.Fatalf("expected lane 1, got %d", lane)
	}

	w.epCfgs[0].AMLane = 0
	if lane := FindAMBcopyLane(w.initParams(hostParam(OpTagSend))); lane != NullLane {
		t.Fatalf("lane without bcopy must not qualify, got %d", lane)
	}
}
