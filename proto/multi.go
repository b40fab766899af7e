package proto

import (
	"fmt"
	"strings"

	"github.com/rocketbitz/fabricproto-go/transport"
)

// MultiLanePriv is one lane of a multi-lane configuration.
type MultiLanePriv struct {
	LanePriv
	Weight  uint32
	MaxFrag uint64
}

// MultiPriv is the configuration of a protocol striping over several lanes.
type MultiPriv struct {
	Lanes    []MultiLanePriv
	RegMDMap MDMap
	// RoundLength is the largest length one pass over all lanes carries.
	RoundLength uint64
}

// Multi returns m. Configurations embedding a MultiPriv inherit it, which is
// how MultiProgress finds the lanes.
func (m *MultiPriv) Multi() *MultiPriv { return m }

// Weights returns the lane weights in lane order.
func (m *MultiPriv) Weights() []uint32 {
	w := make([]uint32, len(m.Lanes))
	for i, l := range m.Lanes {
		w[i] = l.Weight
	}
	return w
}

// share is lane i's part of a round carrying budget bytes.
func (m *MultiPriv) share(budget uint64, i int) uint64 {
	if i > 0 {
		return scale(budget, m.Lanes[i].Weight)
	}
	rest := uint64(0)
	for j := 1; j < len(m.Lanes); j++ {
		rest += scale(budget, m.Lanes[j].Weight)
	}
	return budget - rest
}

// MaxPayload is the most lane i may carry in one operation of req. The round
// budget is what remained when the round started, so a short last round is
// still split by weight.
func (m *MultiPriv) MaxPayload(req *Request, i int) uint64 {
	budget := min(req.Iter.Length-min(req.RoundOffset, req.Iter.Length), m.RoundLength)
	return min(m.share(budget, i), m.Lanes[i].MaxFrag)
}

func (m *MultiPriv) String() string {
	var b strings.Builder
	remaining := uint64(100)
	for i, l := range m.Lanes {
		if i > 0 {
			b.WriteByte(' ')
		}
		percent := min(remaining, (uint64(l.Weight)*100+WeightMax-1)>>WeightShift)
		remaining -= percent
		fmt.Fprintf(&b, "%d%% %s", percent, l.LanePriv)
	}
	return b.String()
}

// LaneSelector picks lanes by type and capability.
type LaneSelector struct {
	LaneType LaneType
	CapFlags transport.CapFlag
}

// MultiParams configure a multi-lane protocol.
type MultiParams struct {
	CommonParams
	MaxLanes int
	First    LaneSelector
	Middle   LaneSelector
}

// InitMulti finds the first lane and up to MaxLanes-1 more, weighs them by
// bandwidth and estimates the striped performance.
func InitMulti(p *MultiParams) (*MultiPriv, *Caps, error) {
	if p.MaxLanes < 1 || p.MaxLanes > MaxLanes {
		panic(fmt.Sprintf("proto: %s configured with %d lanes", p.ProtoName, p.MaxLanes))
	}

	first, regMDMap := FindLanes(&p.CommonParams, p.First.LaneType, p.First.CapFlags, 1, 0)
	if len(first) == 0 {
		return nil, nil, fmt.Errorf("%w: no first lane for %s", ErrUnsupported, p.ProtoName)
	}
	middle, middleMDMap := FindLanes(&p.CommonParams, p.Middle.LaneType, p.Middle.CapFlags,
		p.MaxLanes-1, LaneMap(0).With(first[0]))

	lanes := first
	bws := []float64{p.LaneBandwidth(first[0])}
	frags := []uint64{p.laneMaxFrag(first[0], true)}
	if frags[0] == 0 {
		return nil, nil, fmt.Errorf("%w: %s first lane carries no payload", ErrUnsupported, p.ProtoName)
	}
	regMDMap |= middleMDMap
	for _, lane := range middle {
		frag := p.laneMaxFrag(lane, false)
		if frag == 0 {
			continue
		}
		lanes = append(lanes, lane)
		bws = append(bws, p.LaneBandwidth(lane))
		frags = append(frags, frag)
	}

	weights := CalcWeights(bws)
	priv := &MultiPriv{
		Lanes:       make([]MultiLanePriv, len(lanes)),
		RegMDMap:    regMDMap,
		RoundLength: RoundLength(weights, frags),
	}
	for i, lane := range lanes {
		priv.Lanes[i] = MultiLanePriv{
			LanePriv: p.lanePriv(regMDMap, lane),
			Weight:   weights[i],
			MaxFrag:  frags[i],
		}
	}

	caps, err := CalcPerf(&p.CommonParams, &PerfParams{
		Lanes:    lanes,
		RegMDMap: regMDMap,
		IsMulti:  true,
		Weights:  weights,
		MaxFrags: frags,
	})
	if err != nil {
		return nil, nil, err
	}
	return priv, caps, nil
}
