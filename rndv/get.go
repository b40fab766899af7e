package rndv

import (
	"fmt"

	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/internal/units"
	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/transport"
)

var getProto = &proto.Protocol{
	Name:     NameGetZcopy,
	Init:     getInit,
	Progress: getProgress,
}

func getInit(p *proto.InitParams) (proto.Priv, *proto.Caps, error) {
	if p.Param.OpID != proto.OpRndvRecv {
		return nil, nil, proto.ErrUnsupported
	}
	s := p.Worker.Settings()
	if !s.RndvMode.Allows(proto.RndvModeGet) {
		return nil, nil, fmt.Errorf("%w: rendezvous mode %s", proto.ErrUnsupported, s.RndvMode)
	}
	if p.Param.DtClass != dt.ClassContig {
		return nil, nil, fmt.Errorf("%w: %s over %s", proto.ErrUnsupported, NameGetZcopy, p.Param.DtClass)
	}
	lanes := proto.LaneSelector{LaneType: proto.LaneTypeRMABW, CapFlags: transport.CapGetZcopy}
	priv, caps, err := proto.InitMulti(&proto.MultiParams{
		CommonParams: proto.CommonParams{
			InitParams: p,
			CfgThresh:  units.Auto,
			FragField:  transport.FieldGetMaxZcopy,
			Flags: proto.FlagSendZcopy | proto.FlagRecvZcopy |
				proto.FlagRemoteAccess | proto.FlagResponse,
		},
		MaxLanes: s.MaxRndvLanes,
		First:    lanes,
		Middle:   lanes,
	})
	if err != nil {
		return nil, nil, err
	}
	return priv, caps, nil
}

func getProgress(req *proto.Request) proto.ProgressStatus {
	return proto.MultiZcopyProgress(req, getSend, getCompletion)
}

func getSend(req *proto.Request, lane *proto.MultiLanePriv, max uint64) (uint64, error) {
	key, err := laneRkey(req, lane)
	if err != nil {
		return 0, err
	}
	next, iov := req.Iter.NextIOV(lane.MemhIndex, max)
	remote := req.RemoteOp.RemoteAddress + req.Iter.Offset
	return next, req.EP.Lane(lane.Lane).GetZcopy([]transport.IOV{iov}, remote, key, &req.Comp)
}

func laneRkey(req *proto.Request, lane *proto.MultiLanePriv) (transport.RemoteKey, error) {
	rk := req.RemoteOp.Rkey
	if rk == nil || lane.RkeyIndex < 0 || lane.RkeyIndex >= len(rk.TL) {
		return 0, fmt.Errorf("%w: lane %d has no remote key", proto.ErrInvalidParam, lane.Lane)
	}
	return rk.TL[lane.RkeyIndex].Key, nil
}

// getCompletion runs once every get finished: the sender's key and the
// receive registrations are released, the sender is acknowledged and the
// receive completes.
func getCompletion(req *proto.Request) {
	status := req.Comp.Status
	proto.DestroyRkey(req.Worker, req.RemoteOp.Rkey)
	proto.ZcopyCleanup(req)
	recv := req.RemoteOp.RecvReq
	if status != nil {
		recv.RecvLength = 0
	}
	sendAck(req, req.EP.Config().AMLane, proto.AMRndvATS, req.RemoteOp.RemoteRequest, status, releaseAfterAck)
	recv.Complete(status)
}
