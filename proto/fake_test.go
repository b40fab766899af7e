package proto

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/internal/topo"
	"github.com/rocketbitz/fabricproto-go/internal/units"
	"github.com/rocketbitz/fabricproto-go/linear"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// fakeWorker is an in-memory Worker over a fixed resource table.
type fakeWorker struct {
	settings  Settings
	protos    []*Protocol
	attrs     []transport.IfaceAttr
	rscMD     []MDIndex
	mdAttrs   []transport.MDAttr
	mds       []transport.MemoryDomain
	epCfgs    []EPConfigKey
	rkeyCfgs  []*RkeyConfig
	reqs      map[uint64]*Request
	nextReq   uint64
	events    []Event
	scheduled []*Request
	logs      []string
}

type fakeLane struct {
	attr  transport.IfaceAttr
	md    MDIndex
	types LaneTypeMask
}

const allLaneTypes = LaneTypeMask(1<<LaneTypeAM | 1<<LaneTypeAMBW | 1<<LaneTypeRMA | 1<<LaneTypeRMABW | 1<<LaneTypeTag)

func zcopyAttr(bw float64, frag uint64) transport.IfaceAttr {
	return transport.IfaceAttr{
		Flags:     transport.CapAMShort | transport.CapAMBcopy | transport.CapPutZcopy | transport.CapGetZcopy,
		Put:       transport.ZcopyCaps{MaxZcopy: frag, MaxIOV: 4},
		Get:       transport.ZcopyCaps{MaxZcopy: frag, MaxIOV: 4},
		AM:        transport.AMCaps{MaxShort: 128, MaxBcopy: 8 << 10, MaxHdr: 128},
		Latency:   transport.Latency{C: 1e-6},
		Overhead:  10e-9,
		Bandwidth: transport.Bandwidth{Dedicated: bw},
	}
}

func regMDAttr() transport.MDAttr {
	return transport.MDAttr{
		Component:      "fake",
		Flags:          transport.MDFlagReg | transport.MDFlagNeedMemh | transport.MDFlagNeedRkey,
		RegMemTypes:    transport.MemoryHost.Bit(),
		RkeyPackedSize: 8,
	}
}

func newFakeWorker(numMDs int, lanes ...fakeLane) *fakeWorker {
	w := &fakeWorker{
		settings: DefaultSettings(),
		reqs:     make(map[uint64]*Request),
	}
	for i := 0; i < numMDs; i++ {
		w.mdAttrs = append(w.mdAttrs, regMDAttr())
	}
	key := EPConfigKey{AMLane: NullLane}
	for i, l := range lanes {
		w.attrs = append(w.attrs, l.attr)
		w.rscMD = append(w.rscMD, l.md)
		types := l.types
		if types == 0 {
			types = allLaneTypes
		}
		key.Lanes = append(key.Lanes, LaneConfig{Rsc: RscIndex(i), DstMD: l.md, Types: types})
		if key.AMLane == NullLane && l.attr.Flags.Has(transport.CapAMBcopy) {
			key.AMLane = LaneIndex(i)
		}
	}
	w.epCfgs = append(w.epCfgs, key)
	return w
}

func (w *fakeWorker) initParams(param SelectParam) *InitParams {
	return &InitParams{
		Worker:       w,
		ProtoName:    "test",
		Param:        param,
		EPConfig:     &w.epCfgs[0],
		RkeyCfgIndex: -1,
	}
}

func hostParam(op OpID) SelectParam {
	return NewSelectParam(op, dt.ClassContig, transport.MemoryHost, transport.SysDeviceUnknown, 1)
}

func (w *fakeWorker) Settings() *Settings { return &w.settings }
func (w *fakeWorker) Protocols() []*Protocol { return w.protos }
func (w *fakeWorker) IfaceAttr(rsc RscIndex) *transport.IfaceAttr { return &w.attrs[rsc] }
func (w *fakeWorker) ResourceMD(rsc RscIndex) MDIndex { return w.rscMD[rsc] }
func (w *fakeWorker) ResourceDevice(RscIndex) transport.SysDevice { return transport.SysDeviceUnknown }
func (w *fakeWorker) MemoryDomains() []transport.MemoryDomain { return w.mds }
func (w *fakeWorker) MDAttr(md MDIndex) *transport.MDAttr { return &w.mdAttrs[md] }
func (w *fakeWorker) EPConfig(index int) *EPConfigKey { return &w.epCfgs[index] }
func (w *fakeWorker) RkeyConfigAt(index int) *RkeyConfig { return w.rkeyCfgs[index] }
func (w *fakeWorker) EndpointByID(uint64) (*Endpoint, bool) { return nil, false }
func (w *fakeWorker) MatchRecv(uint64) *Request { return nil }
func (w *fakeWorker) AddUnexpected(Unexpected) {}
func (w *fakeWorker) Schedule(req *Request) { w.scheduled = append(w.scheduled, req) }
func (w *fakeWorker) Observe(ev Event) { w.events = append(w.events, ev) }
func (w *fakeWorker) Debugf(format string, args ...any) { w.logs = append(w.logs, fmt.Sprintf(format, args...)) }

func (w *fakeWorker) Distance(_, _ transport.SysDevice) (topo.Distance, bool) {
	return topo.Distance{}, false
}

func (w *fakeWorker) RkeyConfig(key RkeyConfigKey) (int, *RkeyConfig, error) {
	for i, c := range w.rkeyCfgs {
		if c.Key == key {
			return i, c, nil
		}
	}
	sel, err := NewSelection(w.settings.SelectCacheSize)
	if err != nil {
		return 0, nil, err
	}
	w.rkeyCfgs = append(w.rkeyCfgs, &RkeyConfig{Key: key, Select: sel})
	return len(w.rkeyCfgs) - 1, w.rkeyCfgs[len(w.rkeyCfgs)-1], nil
}

func (w *fakeWorker) NewRequest(ep *Endpoint) *Request {
	return &Request{Worker: w, EP: ep}
}

func (w *fakeWorker) AllocRequestID(req *Request) uint64 {
	if req.ID == 0 {
		w.nextReq++
		req.ID = w.nextReq
	}
	w.reqs[req.ID] = req
	return req.ID
}

func (w *fakeWorker) RequestByID(id uint64) (*Request, bool) {
	req, ok := w.reqs[id]
	return req, ok
}

func (w *fakeWorker) ReleaseRequest(req *Request) {
	if w.reqs[req.ID] == req {
		delete(w.reqs, req.ID)
	}
}

func (w *fakeWorker) countEvents(kind EventKind) int {
	n := 0
	for _, ev := range w.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// stubProto reports fixed caps for every selection it is asked about.
func stubProto(name string, caps Caps, inits *int) *Protocol {
	return &Protocol{
		Name: name,
		Init: func(*InitParams) (Priv, *Caps, error) {
			if inits != nil {
				*inits++
			}
			c := caps
			c.Ranges = append([]PerfRange(nil), caps.Ranges...)
			return nil, &c, nil
		},
		Progress: func(*Request) ProgressStatus { return ProgressDone },
	}
}

func autoCaps(ranges ...PerfRange) Caps {
	return Caps{CfgThresh: units.Auto, Ranges: ranges}
}

func flat(c, m float64) PerfRange {
	return PerfRange{MaxLength: MaxLength, Perf: linear.Make(c, m)}
}

var errRegister = errors.New("fake: registration refused")

// refusingMD is a memory domain that cannot register anything.
type refusingMD struct{}

func (refusingMD) Attr() transport.MDAttr { return regMDAttr() }

func (refusingMD) Register([]byte, transport.MemoryType) (transport.MemHandle, error) {
	return nil, errRegister
}

func (refusingMD) Deregister(transport.MemHandle) error { return nil }
func (refusingMD) PackRkey(transport.MemHandle, []byte) (int, error) { return 0, errRegister }
func (refusingMD) UnpackRkey([]byte) (transport.RemoteKey, error) { return 0, errRegister }
func (refusingMD) ReleaseRkey(transport.RemoteKey) error { return nil }
