package proto

import (
	"math"
	"math/bits"

	"github.com/rocketbitz/fabricproto-go/internal/topo"
	"github.com/rocketbitz/fabricproto-go/linear"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// IfaceBandwidth is the usable bandwidth of an interface: its dedicated
// bandwidth plus this process's share of the shared bandwidth, scaled by the
// configured efficiency.
func IfaceBandwidth(s *Settings, attr *transport.IfaceAttr) float64 {
	return (attr.Bandwidth.Dedicated + attr.Bandwidth.Shared/s.EstNumPPN) * s.BandwidthEfficiency
}

// IfaceLatency is the interface latency at the estimated endpoint count.
func IfaceLatency(s *Settings, attr *transport.IfaceAttr) float64 {
	return attr.Latency.C + attr.Latency.M*s.EstNumEPs
}

func (p *InitParams) laneDistance(lane LaneIndex) (topo.Distance, bool) {
	memDev := p.Param.SysDev
	rscDev := p.Worker.ResourceDevice(p.EPConfig.Lanes[lane].Rsc)
	if memDev == transport.SysDeviceUnknown || rscDev == transport.SysDeviceUnknown || memDev == rscDev {
		return topo.Distance{}, false
	}
	return p.Worker.Distance(memDev, rscDev)
}

// LaneBandwidth is the bandwidth of lane, capped by the distance between the
// buffer's device and the lane's device.
func (p *InitParams) LaneBandwidth(lane LaneIndex) float64 {
	bw := IfaceBandwidth(p.Worker.Settings(), p.ifaceAttr(lane))
	if d, ok := p.laneDistance(lane); ok && d.Bandwidth < bw {
		bw = d.Bandwidth
	}
	return bw
}

// LaneLatency is the latency of lane including the device distance.
func (p *InitParams) LaneLatency(lane LaneIndex) float64 {
	lat := IfaceLatency(p.Worker.Settings(), p.ifaceAttr(lane))
	if d, ok := p.laneDistance(lane); ok {
		lat += d.Latency
	}
	return lat
}

// laneMaxFrag is the largest fragment lane carries; the header is taken
// from the first lane only.
func (p *CommonParams) laneMaxFrag(lane LaneIndex, first bool) uint64 {
	frag := p.ifaceAttr(lane).Field(p.FragField)
	if !first {
		return frag
	}
	if frag <= p.HdrSize {
		return 0
	}
	return frag - p.HdrSize
}

// RegCost sums the registration cost of every domain in mdMap.
func RegCost(w Worker, mdMap MDMap) linear.Func {
	var cost linear.Func
	mdMap.Each(func(md MDIndex) {
		cost = cost.Add(w.MDAttr(md).RegCost)
	})
	return cost
}

// PerfParams select the lanes a performance estimate covers. Lanes[0] sends
// the first fragment. Weights and MaxFrags are only read when IsMulti is set.
type PerfParams struct {
	Lanes    []LaneIndex
	RegMDMap MDMap
	IsMulti  bool
	Weights  []uint32
	MaxFrags []uint64
}

// CalcPerf builds the performance ranges of a protocol sending over pp.Lanes.
func CalcPerf(p *CommonParams, pp *PerfParams) (*Caps, error) {
	if len(pp.Lanes) == 0 {
		return nil, ErrUnsupported
	}
	lane0 := pp.Lanes[0]
	frag0 := p.laneMaxFrag(lane0, true)
	if frag0 == 0 {
		return nil, ErrUnsupported
	}

	var reg linear.Func
	if p.Flags.Any(FlagSendZcopy | FlagRecvZcopy) {
		reg = RegCost(p.Worker, pp.RegMDMap)
	}
	latency := p.LaneLatency(lane0) + p.Latency
	if p.Flags.Has(FlagResponse) {
		latency += p.LaneLatency(lane0)
	}
	overhead := p.ifaceAttr(lane0).Overhead + p.Overhead

	caps := &Caps{CfgThresh: p.CfgThresh, CfgPriority: p.CfgPriority}
	if !pp.IsMulti {
		perf := linear.Make(latency+overhead+reg.C, 1/p.LaneBandwidth(lane0)+reg.M)
		caps.Ranges = append(caps.Ranges, PerfRange{MaxLength: frag0, Perf: perf})
		if frag0 != MaxLength {
			caps.Ranges = append(caps.Ranges, PerfRange{MaxLength: MaxLength, Perf: linear.Infinite()})
		}
		return caps, nil
	}

	n := len(pp.Lanes)
	bws := make([]float64, n)
	ovhs := make([]float64, n)
	act := make([]uint64, n)
	for i, lane := range pp.Lanes {
		bws[i] = p.LaneBandwidth(lane)
		ovhs[i] = p.ifaceAttr(lane).Overhead
		act[i] = activeFrom(pp.Weights[i], i == 0)
	}
	round := RoundLength(pp.Weights, pp.MaxFrags)

	// Range ends: one before each lane activation, the round length, and
	// the sentinel.
	ends := []uint64{MaxLength}
	if round < MaxLength {
		ends = append(ends, round)
	}
	for i := 1; i < n; i++ {
		if act[i] > 1 && act[i]-1 < round {
			ends = append(ends, act[i]-1)
		}
	}
	sortUnique(&ends)

	start := uint64(0)
	for _, end := range ends {
		upto := min(end, round)
		var bw, extra, roundOvh float64
		for i := range pp.Lanes {
			if act[i] > upto {
				continue
			}
			bw += bws[i]
			roundOvh += ovhs[i]
			if i > 0 {
				extra += ovhs[i]
			}
		}
		perf := linear.Make(latency+overhead+extra+reg.C, 1/bw+reg.M)
		if start > round {
			perf.M += roundOvh / float64(round)
		}
		caps.Ranges = append(caps.Ranges, PerfRange{MaxLength: end, Perf: perf})
		if end == MaxLength {
			break
		}
		start = end + 1
	}
	return caps, nil
}

// activeFrom is the smallest length at which a lane of weight w is handed at
// least one byte.
func activeFrom(w uint32, first bool) uint64 {
	if first {
		return 0
	}
	if w == 0 {
		return MaxLength
	}
	return (WeightMax + uint64(w) - 1) / uint64(w)
}

func sortUnique(v *[]uint64) {
	s := *v
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
	out := s[:0]
	for i, x := range s {
		if i == 0 || x != s[i-1] {
			out = append(out, x)
		}
	}
	*v = out
}

// Fixed-point lane weights: a weight of WeightMax carries the whole fragment.
const (
	WeightShift = 16
	WeightMax   = uint64(1) << WeightShift
)

// CalcWeights converts lane bandwidths into fixed-point weights summing to
// WeightMax. Every lane but the first is rounded down and the remainder goes
// to the first lane. Every lane keeps a weight of at least 1, taken from the
// heaviest middle lane when the others would leave the first lane nothing.
func CalcWeights(bws []float64) []uint32 {
	var total float64
	for _, bw := range bws {
		total += bw
	}
	weights := make([]uint32, len(bws))
	if len(bws) == 0 {
		return weights
	}
	var rest uint64
	for i := 1; i < len(bws); i++ {
		w := uint64(math.Floor(bws[i] / total * float64(WeightMax)))
		w = max(w, 1)
		weights[i] = uint32(w)
		rest += w
	}
	for rest > WeightMax-1 {
		heaviest := 1
		for i := 2; i < len(weights); i++ {
			if weights[i] > weights[heaviest] {
				heaviest = i
			}
		}
		take := min(rest-(WeightMax-1), uint64(weights[heaviest])-1)
		weights[heaviest] -= uint32(take)
		rest -= take
	}
	weights[0] = uint32(WeightMax - rest)
	return weights
}

func scale(length uint64, w uint32) uint64 {
	hi, lo := bits.Mul64(length, uint64(w))
	return hi<<(64-WeightShift) | lo>>WeightShift
}

// Apportion splits length across weights exactly: every lane but the first
// gets its scaled share rounded down and the first lane gets the rest.
func Apportion(length uint64, weights []uint32) []uint64 {
	shares := make([]uint64, len(weights))
	var rest uint64
	for i := 1; i < len(weights); i++ {
		shares[i] = scale(length, weights[i])
		rest += shares[i]
	}
	if len(weights) > 0 {
		shares[0] = length - rest
	}
	return shares
}

// RoundLength is the largest length whose apportioned shares all fit within
// their lane's maximum fragment.
func RoundLength(weights []uint32, maxFrags []uint64) uint64 {
	round := MaxLength
	for i, w := range weights {
		if w == 0 {
			continue
		}
		hi, lo := bits.Mul64(maxFrags[i], WeightMax)
		if hi >= uint64(w) {
			continue
		}
		q, _ := bits.Div64(hi, lo, uint64(w))
		round = min(round, q)
	}
	return round
}
