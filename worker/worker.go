// Package worker owns transport resources and drives protocol requests. A
// Worker opens one interface per fabric resource, keeps the endpoint and
// remote-key configuration tables with their protocol selections, matches
// tagged receives and progresses pending requests. It implements
// proto.Worker and, like the protocols it drives, must be used from one
// goroutine at a time.
package worker

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	// Protocol packages register themselves with proto.Default.
	_ "github.com/rocketbitz/fabricproto-go/eager"
	_ "github.com/rocketbitz/fabricproto-go/rndv"

	"github.com/rocketbitz/fabricproto-go/internal/topo"
	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// ErrClosed indicates the worker has already been closed.
var ErrClosed = errors.New("worker: closed")

// Config controls New.
type Config struct {
	// Name labels logs and metrics. It defaults to a random identifier.
	Name string
	// Settings default to proto.DefaultSettings.
	Settings *proto.Settings
	// Protocols default to every protocol registered with proto.Default.
	Protocols []*proto.Protocol
	// Topology maps resource bus ids to devices. A private service is used
	// when nil.
	Topology *topo.Service

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Stats contains counters for worker operations.
type Stats struct {
	SendPosted     uint64
	SendCompleted  uint64
	SendErrored    uint64
	ReceivePosted  uint64
	ReceiveMatched uint64
	ReceiveErrored uint64
	Unexpected     uint64
	LaneOps        uint64
	WouldBlock     uint64
}

type workerStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
	unexpected    atomic.Uint64
	laneOps       atomic.Uint64
	wouldBlock    atomic.Uint64
}

type resource struct {
	desc  transport.ResourceDesc
	iface transport.Iface
	attr  transport.IfaceAttr
	md    proto.MDIndex
	dev   transport.SysDevice
}

type epConfig struct {
	key proto.EPConfigKey
	sel *proto.Selection
}

// Worker implements proto.Worker over a transport.Fabric.
type Worker struct {
	id       uuid.UUID
	name     string
	cfg      Config
	settings proto.Settings
	protos   []*proto.Protocol

	fabric  transport.Fabric
	mds     []transport.MemoryDomain
	mdAttrs []transport.MDAttr
	rscs    []resource
	topo    *topo.Service
	ownTopo bool

	epConfigs   []*epConfig
	rkeyConfigs []*proto.RkeyConfig
	rkeyIndex   map[proto.RkeyConfigKey]int

	eps    map[uint64]*proto.Endpoint
	nextEP uint64

	reqs    map[uint64]*proto.Request
	nextReq uint64
	pending []*proto.Request

	posted     []*proto.Request
	unexpected []proto.Unexpected

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            workerStats
	closed           bool
}

var _ proto.Worker = (*Worker)(nil)

// New opens every resource of fabric and binds the registered active-message
// handlers to them.
func New(cfg Config, fabric transport.Fabric) (*Worker, error) {
	settings := proto.DefaultSettings()
	if cfg.Settings != nil {
		settings = *cfg.Settings
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	protos := cfg.Protocols
	if protos == nil {
		protos = proto.Default.Protocols()
	}
	if len(protos) == 0 {
		return nil, fmt.Errorf("%w: no protocols", proto.ErrInvalidParam)
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}
	logger := cfg.Logger
	if logger == nil {
		if l, ok := structured.(Logger); ok {
			logger = l
		}
	}

	id := uuid.New()
	name := cfg.Name
	if name == "" {
		name = id.String()[:8]
	}
	w := &Worker{
		id:               id,
		name:             name,
		cfg:              cfg,
		settings:         settings,
		protos:           protos,
		fabric:           fabric,
		topo:             cfg.Topology,
		rkeyIndex:        make(map[proto.RkeyConfigKey]int),
		eps:              make(map[uint64]*proto.Endpoint),
		reqs:             make(map[uint64]*proto.Request),
		logger:           logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	if w.topo == nil {
		w.topo = topo.NewService()
		w.ownTopo = true
	}

	w.mds = fabric.MemoryDomains()
	if len(w.mds) > proto.MaxMDs {
		return nil, fmt.Errorf("%w: %d memory domains, at most %d", proto.ErrInvalidParam, len(w.mds), proto.MaxMDs)
	}
	for _, md := range w.mds {
		w.mdAttrs = append(w.mdAttrs, md.Attr())
	}

	descs := fabric.Resources()
	if len(descs) >= int(proto.NullResource) {
		return nil, fmt.Errorf("%w: %d resources", proto.ErrInvalidParam, len(descs))
	}
	for i, desc := range descs {
		if desc.MDIndex < 0 || desc.MDIndex >= len(w.mds) {
			_ = w.Close()
			return nil, fmt.Errorf("%w: resource %s uses md %d", proto.ErrInvalidParam, desc.Name, desc.MDIndex)
		}
		iface, err := fabric.OpenIface(i)
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("open iface %s: %w", desc.Name, err)
		}
		dev := topo.DeviceUnknown
		if desc.BusID != nil {
			if dev, err = w.topo.FindDevice(*desc.BusID); err != nil {
				w.logf("worker %s: resource %s has no device: %v", w.name, desc.Name, err)
				dev = topo.DeviceUnknown
			}
		}
		w.rscs = append(w.rscs, resource{
			desc:  desc,
			iface: iface,
			attr:  iface.Attr(),
			md:    proto.MDIndex(desc.MDIndex),
			dev:   dev,
		})
	}
	for _, h := range proto.AMHandlers() {
		w.bindAMHandler(h)
	}

	w.logEvent("worker_started",
		logKV("resources", len(w.rscs)),
		logKV("memory_domains", len(w.mds)),
		logKV("protocols", len(w.protos)),
	)
	return w, nil
}

func (w *Worker) bindAMHandler(h proto.AMHandlerEntry) {
	for _, r := range w.rscs {
		r.iface.SetAMHandler(h.ID, func(data []byte) error {
			if err := h.Handler(w, data); err != nil {
				w.logEvent("am_handler_error", logKV("handler", h.Name), logKV("error", err))
				return err
			}
			return nil
		})
	}
}

// ID returns the worker's unique identity.
func (w *Worker) ID() uuid.UUID { return w.id }

// Name returns the label used in logs and metrics.
func (w *Worker) Name() string { return w.name }

// Close releases every interface and cached selection.
func (w *Worker) Close() error {
	if w == nil || w.closed {
		return nil
	}
	w.closed = true
	var errs error
	for _, r := range w.rscs {
		errs = multierr.Append(errs, r.iface.Close())
	}
	for _, c := range w.epConfigs {
		c.sel.Purge()
	}
	for _, c := range w.rkeyConfigs {
		c.Select.Purge()
	}
	if w.ownTopo {
		w.topo.Close()
	}
	w.pending = nil
	w.posted = nil
	w.unexpected = nil
	w.logEvent("worker_closed", logKV("outstanding", len(w.reqs)))
	return errs
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		SendPosted:     w.stats.sendPosted.Load(),
		SendCompleted:  w.stats.sendCompleted.Load(),
		SendErrored:    w.stats.sendErrored.Load(),
		ReceivePosted:  w.stats.recvPosted.Load(),
		ReceiveMatched: w.stats.recvMatched.Load(),
		ReceiveErrored: w.stats.recvErrored.Load(),
		Unexpected:     w.stats.unexpected.Load(),
		LaneOps:        w.stats.laneOps.Load(),
		WouldBlock:     w.stats.wouldBlock.Load(),
	}
}

// Settings implements proto.Worker.
func (w *Worker) Settings() *proto.Settings { return &w.settings }

// Protocols implements proto.Worker.
func (w *Worker) Protocols() []*proto.Protocol { return w.protos }

// IfaceAttr implements proto.Worker.
func (w *Worker) IfaceAttr(rsc proto.RscIndex) *transport.IfaceAttr { return &w.rscs[rsc].attr }

// ResourceMD implements proto.Worker.
func (w *Worker) ResourceMD(rsc proto.RscIndex) proto.MDIndex { return w.rscs[rsc].md }

// ResourceDevice implements proto.Worker.
func (w *Worker) ResourceDevice(rsc proto.RscIndex) transport.SysDevice { return w.rscs[rsc].dev }

// Distance implements proto.Worker.
func (w *Worker) Distance(from, to transport.SysDevice) (topo.Distance, bool) {
	d, err := w.topo.Distance(from, to)
	if err != nil {
		return topo.Distance{}, false
	}
	return d, true
}

// MemoryDomains implements proto.Worker.
func (w *Worker) MemoryDomains() []transport.MemoryDomain { return w.mds }

// MDAttr implements proto.Worker.
func (w *Worker) MDAttr(md proto.MDIndex) *transport.MDAttr { return &w.mdAttrs[md] }

// EPConfig implements proto.Worker.
func (w *Worker) EPConfig(index int) *proto.EPConfigKey { return &w.epConfigs[index].key }

// RkeyConfig implements proto.Worker.
func (w *Worker) RkeyConfig(key proto.RkeyConfigKey) (int, *proto.RkeyConfig, error) {
	if idx, ok := w.rkeyIndex[key]; ok {
		return idx, w.rkeyConfigs[idx], nil
	}
	if key.EPCfgIndex < 0 || key.EPCfgIndex >= len(w.epConfigs) {
		return 0, nil, fmt.Errorf("%w: endpoint configuration %d", proto.ErrInvalidParam, key.EPCfgIndex)
	}
	sel, err := proto.NewSelection(w.settings.SelectCacheSize)
	if err != nil {
		return 0, nil, err
	}
	idx := len(w.rkeyConfigs)
	cfg := &proto.RkeyConfig{Key: key, Select: sel}
	w.rkeyConfigs = append(w.rkeyConfigs, cfg)
	w.rkeyIndex[key] = idx
	w.logEvent("rkey_config_created", logKV("index", idx), logKV("md_map", key.MDMap), logKV("mem_type", key.MemType))
	return idx, cfg, nil
}

// RkeyConfigAt implements proto.Worker.
func (w *Worker) RkeyConfigAt(index int) *proto.RkeyConfig { return w.rkeyConfigs[index] }

// EndpointByID implements proto.Worker.
func (w *Worker) EndpointByID(id uint64) (*proto.Endpoint, bool) {
	ep, ok := w.eps[id]
	return ep, ok
}

// NewRequest implements proto.Worker.
func (w *Worker) NewRequest(ep *proto.Endpoint) *proto.Request {
	return &proto.Request{Worker: w, EP: ep}
}

// AllocRequestID implements proto.Worker.
func (w *Worker) AllocRequestID(req *proto.Request) uint64 {
	if req.ID != 0 {
		if cur, ok := w.reqs[req.ID]; ok && cur == req {
			return req.ID
		}
	}
	w.nextReq++
	req.ID = w.nextReq
	w.reqs[req.ID] = req
	return req.ID
}

// RequestByID implements proto.Worker.
func (w *Worker) RequestByID(id uint64) (*proto.Request, bool) {
	req, ok := w.reqs[id]
	return req, ok
}

// ReleaseRequest implements proto.Worker.
func (w *Worker) ReleaseRequest(req *proto.Request) {
	if cur, ok := w.reqs[req.ID]; ok && cur == req {
		delete(w.reqs, req.ID)
	}
}

// Schedule implements proto.Worker.
func (w *Worker) Schedule(req *proto.Request) {
	w.pending = append(w.pending, req)
}

// Outstanding reports requests holding an id, such as rendezvous transfers
// waiting for their peer.
func (w *Worker) Outstanding() int {
	return len(w.reqs)
}

// Debugf implements proto.Worker.
func (w *Worker) Debugf(format string, args ...any) {
	w.logf(format, args...)
}
