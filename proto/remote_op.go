package proto

import (
	"fmt"
	"strings"

	"github.com/rocketbitz/fabricproto-go/dt"
	"github.com/rocketbitz/fabricproto-go/internal/units"
	"github.com/rocketbitz/fabricproto-go/linear"
	"github.com/rocketbitz/fabricproto-go/rkey"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// RemoteOpPriv configures a handshake protocol whose bulk transfer is
// performed by a protocol the peer selects.
type RemoteOpPriv struct {
	// MDMap is the estimated registration the peer accesses.
	MDMap          MDMap
	PackedRkeySize int
	// Lane sends the handshake message.
	Lane LaneIndex
	// Remote is the selection the peer is expected to make.
	Remote *SelectElem
}

func (p *RemoteOpPriv) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "am-ln:%d md:%s ", p.Lane, p.MDMap)
	for i, t := range p.Remote.Thresholds {
		if i > 0 {
			b.WriteByte('<')
		}
		b.WriteString(t.Config.String())
		if t.MaxLength != MaxLength {
			b.WriteString("<=" + units.Format(t.MaxLength))
		}
	}
	return b.String()
}

// RemoteOpParams configure InitRemoteOp.
type RemoteOpParams struct {
	CommonParams
	// RemoteOp is the operation the peer selects for.
	RemoteOp OpID
	// PerfBias scales the estimate by 1-PerfBias.
	PerfBias float64
}

// remoteRegMDMap returns every domain behind a get or put capable lane that
// requires a remote key and can register the buffer's memory type.
func remoteRegMDMap(p *RemoteOpParams) MDMap {
	var mdMap MDMap
	mem := p.Param.MemType
	for _, lc := range p.EPConfig.Lanes {
		if lc.Rsc == NullResource {
			continue
		}
		flags := p.Worker.IfaceAttr(lc.Rsc).Flags
		if flags&(transport.CapGetZcopy|transport.CapPutZcopy) == 0 {
			continue
		}
		md := p.Worker.ResourceMD(lc.Rsc)
		attr := p.Worker.MDAttr(md)
		if !attr.Flags.Has(transport.MDFlagNeedRkey) || !attr.RegMemTypes.Has(mem) {
			continue
		}
		mdMap = mdMap.With(md)
	}
	return mdMap
}

// InitRemoteOp estimates a handshake followed by the peer's selection for
// p.RemoteOp. The peer is assumed to share this worker's configuration, so
// its selection is looked up in the local remote-key table matching the
// buffer this side exposes.
func InitRemoteOp(p *RemoteOpParams) (*RemoteOpPriv, *Caps, error) {
	lane := FindAMBcopyLane(p.InitParams)
	if lane == NullLane {
		return nil, nil, fmt.Errorf("%w: %s has no active message lane", ErrUnsupported, p.ProtoName)
	}
	w := p.Worker
	mdMap := remoteRegMDMap(p)

	var remoteParam SelectParam
	if p.RkeyConfig == nil {
		remoteParam = NewSelectParam(p.RemoteOp, p.Param.DtClass, p.Param.MemType, p.Param.SysDev, p.Param.SGCount)
	} else {
		remoteParam = NewSelectParam(p.RemoteOp, dt.ClassContig, p.RkeyConfig.MemType, p.RkeyConfig.SysDev, 1)
	}

	rkeyCfgIndex, rkeyCfg, err := w.RkeyConfig(RkeyConfigKey{
		MDMap:      mdMap,
		EPCfgIndex: p.EPCfgIndex,
		MemType:    p.Param.MemType,
		SysDev:     p.Param.SysDev,
	})
	if err != nil {
		return nil, nil, err
	}
	remote, err := rkeyCfg.Select.Lookup(w, p.EPCfgIndex, rkeyCfgIndex, remoteParam)
	if err != nil {
		w.Debugf("%s: no protocol for %s: %v", p.ProtoName, p.RemoteOp, err)
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrRemoteLookup, p.RemoteOp, ErrUnsupported)
	}

	attr := p.ifaceAttr(lane)
	overheads := linear.Make(2*attr.Overhead+IfaceLatency(w.Settings(), attr)+p.Overhead, 0).
		Add(RegCost(w, mdMap))
	bias := linear.Make(0, 1-p.PerfBias)

	caps := &Caps{CfgThresh: p.CfgThresh, CfgPriority: p.CfgPriority}
	for _, r := range remote.PerfRanges {
		caps.Ranges = append(caps.Ranges, PerfRange{
			MaxLength: r.MaxLength,
			Perf:      linear.Compose(bias, r.Perf.Add(overheads)),
		})
		if r.MaxLength == MaxLength {
			break
		}
	}

	priv := &RemoteOpPriv{
		MDMap:          mdMap,
		PackedRkeySize: rkey.PackedSize(w.MemoryDomains(), uint64(mdMap)),
		Lane:           lane,
		Remote:         remote,
	}
	return priv, caps, nil
}

// PackAM writes the remote key of the request's registered buffer into dst
// and returns the buffer address the peer accesses.
func PackAM(req *Request, dst []byte) (addr uint64, n int, err error) {
	if req.Iter.Class != dt.ClassContig {
		return 0, 0, dt.ErrUnsupportedClass
	}
	reg := &req.Iter.Reg
	if len(reg.Memh) > 0 {
		addr = reg.Memh[0].Address()
	}
	n, err = rkey.Pack(req.Worker.MemoryDomains(), reg.MDMap, reg.Memh, req.Iter.MemType, dst)
	if err != nil {
		return 0, 0, err
	}
	return addr, n, nil
}

// SendReply unpacks the peer's key, selects the protocol serving op for req
// in the key's configuration and starts it. On error req is untouched and no
// key is held.
func SendReply(w Worker, req *Request, op OpID, sgCount uint8, rkeyBuf []byte) error {
	key, err := UnpackRkey(req.EP, rkeyBuf)
	if err != nil {
		return err
	}
	param := NewSelectParam(op, req.Iter.Class, req.Iter.MemType, req.Iter.SysDev, sgCount)
	cfg := w.RkeyConfigAt(key.CfgIndex)
	if err := SetProto(req, cfg.Select, key.CfgIndex, param, req.Iter.Length); err != nil {
		DestroyRkey(w, key)
		return err
	}
	req.RemoteOp.Rkey = key
	req.Send()
	return nil
}
