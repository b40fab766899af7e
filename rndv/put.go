package rndv

import (
	"fmt"

	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/internal/units"
	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/transport"
)

var putProto = &proto.Protocol{
	Name:     NamePutZcopy,
	Init:     putInit,
	Progress: putProgress,
}

// PutPriv stripes puts like MultiPriv and acknowledges on ATPLane.
type PutPriv struct {
	proto.MultiPriv
	ATPLane proto.LaneIndex
}

func (p *PutPriv) String() string {
	return fmt.Sprintf("%s atp-ln:%d", p.MultiPriv.String(), p.ATPLane)
}

func putInit(p *proto.InitParams) (proto.Priv, *proto.Caps, error) {
	if p.Param.OpID != proto.OpRndvSend {
		return nil, nil, proto.ErrUnsupported
	}
	s := p.Worker.Settings()
	if !s.RndvMode.Allows(proto.RndvModePut) {
		return nil, nil, fmt.Errorf("%w: rendezvous mode %s", proto.ErrUnsupported, s.RndvMode)
	}
	if p.Param.DtClass != dt.ClassContig {
		return nil, nil, fmt.Errorf("%w: %s over %s", proto.ErrUnsupported, NamePutZcopy, p.Param.DtClass)
	}
	atpLane := proto.FindAMBcopyLane(p)
	if atpLane == proto.NullLane {
		return nil, nil, fmt.Errorf("%w: %s has no lane for atp", proto.ErrUnsupported, NamePutZcopy)
	}
	lanes := proto.LaneSelector{LaneType: proto.LaneTypeRMABW, CapFlags: transport.CapPutZcopy}
	mpriv, caps, err := proto.InitMulti(&proto.MultiParams{
		CommonParams: proto.CommonParams{
			InitParams: p,
			CfgThresh:  units.Auto,
			FragField:  transport.FieldPutMaxZcopy,
			Flags:      proto.FlagSendZcopy | proto.FlagRemoteAccess | proto.FlagResponse,
		},
		MaxLanes: s.MaxRndvLanes,
		First:    lanes,
		Middle:   lanes,
	})
	if err != nil {
		return nil, nil, err
	}
	return &PutPriv{MultiPriv: *mpriv, ATPLane: atpLane}, caps, nil
}

// putProgress registers the send buffer on the put lanes' domains at first
// invocation, since they may differ from those the RTS exposed, and then
// stripes the puts.
func putProgress(req *proto.Request) proto.ProgressStatus {
	return proto.MultiZcopyProgress(req, putSend, putCompletion)
}

func putSend(req *proto.Request, lane *proto.MultiLanePriv, max uint64) (uint64, error) {
	key, err := laneRkey(req, lane)
	if err != nil {
		return 0, err
	}
	next, iov := req.Iter.NextIOV(lane.MemhIndex, max)
	remote := req.RemoteOp.RemoteAddress + req.Iter.Offset
	return next, req.EP.Lane(lane.Lane).PutZcopy([]transport.IOV{iov}, remote, key, &req.Comp)
}

// putCompletion runs once every put finished. The request completes only
// after the ATP carrying the status has been sent.
func putCompletion(req *proto.Request) {
	status := req.Comp.Status
	priv := req.Config.Priv.(*PutPriv)
	proto.DestroyRkey(req.Worker, req.RemoteOp.Rkey)
	proto.ZcopyCleanup(req)
	sendAck(req, priv.ATPLane, proto.AMRndvATP, req.RemoteOp.RemoteRequest, status,
		func(req *proto.Request, err error) {
			if status != nil {
				err = status
			}
			req.Complete(err)
		})
}
