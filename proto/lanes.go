package proto

import (
	"fmt"

	"github.com/rocketbitz/fabricproto-go/transport"
)

// LanePriv is the per-lane part of a private configuration.
type LanePriv struct {
	Lane LaneIndex
	// MemhIndex is the position of the lane's memory handle in the
	// registration, or -1.
	MemhIndex int
	// RkeyIndex is the position of the lane's remote key, or -1.
	RkeyIndex int
}

func (lp LanePriv) String() string {
	s := fmt.Sprintf("ln:%d", lp.Lane)
	if lp.MemhIndex >= 0 {
		s += fmt.Sprintf(",md:%d", lp.MemhIndex)
	}
	if lp.RkeyIndex >= 0 {
		s += fmt.Sprintf(",rk:%d", lp.RkeyIndex)
	}
	return s
}

func (p *CommonParams) lanePriv(regMDMap MDMap, lane LaneIndex) LanePriv {
	lp := LanePriv{
		Lane:      lane,
		MemhIndex: regMDMap.Index(p.mdIndex(lane)),
		RkeyIndex: -1,
	}
	if p.RkeyConfig != nil {
		lp.RkeyIndex = p.RkeyConfig.MDMap.Index(p.EPConfig.Lanes[lane].DstMD)
	}
	return lp
}

// FindLanes scans the endpoint lanes in index order and returns up to
// maxLanes lanes of laneType whose interface supports capFlags, skipping
// exclude. The returned map holds the memory domains a zero-copy protocol
// must register the buffer on.
func FindLanes(p *CommonParams, laneType LaneType, capFlags transport.CapFlag, maxLanes int, exclude LaneMap) ([]LaneIndex, MDMap) {
	if maxLanes > MaxLanes {
		panic(fmt.Sprintf("proto: %s asks for %d lanes, at most %d are supported", p.ProtoName, maxLanes, MaxLanes))
	}
	if maxLanes <= 0 {
		return nil, 0
	}
	mem := p.Param.MemType
	if !p.Flags.Has(FlagMemType) && mem != transport.MemoryHost {
		return nil, 0
	}

	var (
		lanes    []LaneIndex
		regMDMap MDMap
	)
	for i, lc := range p.EPConfig.Lanes {
		if len(lanes) >= maxLanes {
			break
		}
		lane := LaneIndex(i)
		if lc.Rsc == NullResource || !lc.Types.Has(laneType) || exclude.Has(lane) {
			continue
		}
		if !p.Worker.IfaceAttr(lc.Rsc).Flags.Has(capFlags) {
			continue
		}
		if p.Flags.Has(FlagRemoteAccess) {
			if p.RkeyConfig == nil || !p.RkeyConfig.MDMap.Has(lc.DstMD) {
				continue
			}
		}

		md := p.Worker.ResourceMD(lc.Rsc)
		if p.Flags.Any(FlagSendZcopy | FlagRecvZcopy) {
			attr := p.Worker.MDAttr(md)
			if attr.Flags&(transport.MDFlagNeedMemh|transport.MDFlagNeedRkey) != 0 {
				if !attr.Flags.Has(transport.MDFlagReg) || !attr.RegMemTypes.Has(mem) {
					continue
				}
				regMDMap = regMDMap.With(md)
			} else if !attr.AccessMemTypes.Has(mem) {
				continue
			}
		}
		lanes = append(lanes, lane)
	}
	return lanes, regMDMap
}

// FindAMBcopyLane returns the endpoint's active-message lane when it supports
// bcopy, or NullLane.
func FindAMBcopyLane(p *InitParams) LaneIndex {
	lane := p.EPConfig.AMLane
	if lane == NullLane || int(lane) >= len(p.EPConfig.Lanes) {
		return NullLane
	}
	rsc := p.EPConfig.Lanes[lane].Rsc
	if rsc == NullResource || !p.Worker.IfaceAttr(rsc).Flags.Has(transport.CapAMBcopy) {
		return NullLane
	}
	return lane
}
