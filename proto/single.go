package proto

import (
	"fmt"

	"github.com/rocketbitz/fabricproto-go/transport"
)

// SinglePriv is the configuration of a single-lane protocol.
type SinglePriv struct {
	LanePriv
	// RegMD is the domain to register on, or NullMD.
	RegMD MDIndex
}

// SingleParams select the lane of a single-lane protocol.
type SingleParams struct {
	CommonParams
	LaneType LaneType
	CapFlags transport.CapFlag
}

// InitSingle finds one lane and estimates the protocol's performance on it.
func InitSingle(p *SingleParams) (*SinglePriv, *Caps, error) {
	lanes, regMDMap := FindLanes(&p.CommonParams, p.LaneType, p.CapFlags, 1, 0)
	if len(lanes) == 0 {
		return nil, nil, fmt.Errorf("%w: no %s lane for %s", ErrUnsupported, p.LaneType, p.ProtoName)
	}
	if regMDMap.Count() > 1 {
		return nil, nil, fmt.Errorf("%w: %s registers on md %s", ErrInvalidParam, p.ProtoName, regMDMap)
	}

	caps, err := CalcPerf(&p.CommonParams, &PerfParams{Lanes: lanes, RegMDMap: regMDMap})
	if err != nil {
		return nil, nil, err
	}
	priv := &SinglePriv{
		LanePriv: p.lanePriv(regMDMap, lanes[0]),
		RegMD:    regMDMap.First(),
	}
	return priv, caps, nil
}
