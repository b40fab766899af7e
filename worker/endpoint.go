package worker

import (
	"fmt"

	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/transport"
)

func laneTypes(attr *transport.IfaceAttr) proto.LaneTypeMask {
	var types proto.LaneTypeMask
	if attr.Flags&(transport.CapAMShort|transport.CapAMBcopy|transport.CapAMZcopy) != 0 {
		types |= proto.LaneTypeAM.Mask() | proto.LaneTypeAMBW.Mask() | proto.LaneTypeTag.Mask()
	}
	if attr.Flags&(transport.CapPutZcopy|transport.CapGetZcopy) != 0 {
		types |= proto.LaneTypeRMA.Mask() | proto.LaneTypeRMABW.Mask()
	}
	return types
}

// Connect creates an endpoint on a toward b and one on b toward a. Lane i of
// both endpoints connects resource i of a with resource i of b; the first lane
// capable of bcopy active messages carries the protocol headers.
func Connect(a, b *Worker) (*proto.Endpoint, *proto.Endpoint, error) {
	if a.closed || b.closed {
		return nil, nil, ErrClosed
	}
	n := min(len(a.rscs), len(b.rscs))
	if n == 0 {
		return nil, nil, fmt.Errorf("%w: no common resources", proto.ErrUnsupported)
	}
	if n > 64 {
		n = 64
	}
	epA, err := a.connect(b, n)
	if err != nil {
		return nil, nil, err
	}
	epB, err := b.connect(a, n)
	if err != nil {
		a.disconnect(epA)
		return nil, nil, err
	}
	epA.RemoteID = epB.ID
	epB.RemoteID = epA.ID
	a.logEvent("endpoint_connected", logKV("endpoint", epA.ID), logKV("peer", b.name), logKV("lanes", n))
	b.logEvent("endpoint_connected", logKV("endpoint", epB.ID), logKV("peer", a.name), logKV("lanes", n))
	return epA, epB, nil
}

func (w *Worker) connect(peer *Worker, n int) (*proto.Endpoint, error) {
	key := proto.EPConfigKey{AMLane: proto.NullLane}
	lanes := make([]transport.Endpoint, 0, n)
	for i := 0; i < n; i++ {
		local, remote := &w.rscs[i], &peer.rscs[i]
		tep, err := local.iface.Connect(remote.iface.Address())
		if err != nil {
			return nil, fmt.Errorf("connect %s to %s: %w", local.desc.Name, remote.desc.Name, err)
		}
		lanes = append(lanes, tep)
		key.Lanes = append(key.Lanes, proto.LaneConfig{
			Rsc:   proto.RscIndex(i),
			DstMD: remote.md,
			Types: laneTypes(&local.attr),
		})
		if key.AMLane == proto.NullLane && local.attr.Flags.Has(transport.CapAMBcopy) {
			key.AMLane = proto.LaneIndex(i)
		}
	}
	cfgIndex, err := w.epConfigIndex(key)
	if err != nil {
		return nil, err
	}
	w.nextEP++
	ep := &proto.Endpoint{
		ID:       w.nextEP,
		CfgIndex: cfgIndex,
		Lanes:    lanes,
		Worker:   w,
	}
	w.eps[ep.ID] = ep
	return ep, nil
}

func (w *Worker) disconnect(ep *proto.Endpoint) {
	delete(w.eps, ep.ID)
}

func (w *Worker) epConfigIndex(key proto.EPConfigKey) (int, error) {
	for i, c := range w.epConfigs {
		if c.key.Equal(&key) {
			return i, nil
		}
	}
	sel, err := proto.NewSelection(w.settings.SelectCacheSize)
	if err != nil {
		return 0, err
	}
	w.epConfigs = append(w.epConfigs, &epConfig{key: key, sel: sel})
	return len(w.epConfigs) - 1, nil
}

// Select returns the selection for param on ep, building it on first use.
func (w *Worker) Select(ep *proto.Endpoint, param proto.SelectParam) (*proto.SelectElem, error) {
	return w.epConfigs[ep.CfgIndex].sel.Lookup(w, ep.CfgIndex, -1, param)
}

// DescribeSelection renders which protocol serves which message sizes for
// param on ep.
func (w *Worker) DescribeSelection(ep *proto.Endpoint, param proto.SelectParam) (string, error) {
	elem, err := w.Select(ep, param)
	if err != nil {
		return "", err
	}
	return elem.String(), nil
}
