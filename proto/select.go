package proto

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rocketbitz/fabricproto-go/internal/units"
	"github.com/rocketbitz/fabricproto-go/linear"
)

// ThresholdElem selects Config for lengths up to MaxLength. A nil Config is a
// gap no protocol covers.
type ThresholdElem struct {
	MaxLength uint64
	Config    *Config
}

// SelectElem is the selection result for one key: which protocol serves
// which lengths, and the resulting cost envelope.
type SelectElem struct {
	Param        SelectParam
	EPCfgIndex   int
	RkeyCfgIndex int
	Thresholds   []ThresholdElem
	PerfRanges   []PerfRange
	// Configs holds every protocol that initialised, in registration order.
	Configs []*Config
}

// Find returns the configuration serving length, or nil.
func (e *SelectElem) Find(length uint64) *Config {
	i := sort.Search(len(e.Thresholds), func(i int) bool {
		return e.Thresholds[i].MaxLength >= length
	})
	if i == len(e.Thresholds) {
		return nil
	}
	return e.Thresholds[i].Config
}

func (e *SelectElem) String() string {
	var b strings.Builder
	start := uint64(0)
	for _, t := range e.Thresholds {
		end := "inf"
		if t.MaxLength != MaxLength {
			end = units.Format(t.MaxLength)
		}
		fmt.Fprintf(&b, "%s..%s: %s\n", units.Format(start), end, t.Config)
		if t.MaxLength == MaxLength {
			break
		}
		start = t.MaxLength + 1
	}
	return b.String()
}

type selectKey struct {
	epCfg   int
	rkeyCfg int
	param   SelectParam
}

// Selection caches selection elements of one endpoint or remote-key
// configuration table.
type Selection struct {
	cache    *lru.Cache[selectKey, *SelectElem]
	building map[selectKey]struct{}
}

// NewSelection returns a selection table holding up to size elements.
func NewSelection(size int) (*Selection, error) {
	cache, err := lru.New[selectKey, *SelectElem](size)
	if err != nil {
		return nil, fmt.Errorf("%w: select cache: %w", ErrInvalidParam, err)
	}
	return &Selection{cache: cache, building: make(map[selectKey]struct{})}, nil
}

// Len reports the cached elements.
func (s *Selection) Len() int {
	return s.cache.Len()
}

// Purge drops every cached element.
func (s *Selection) Purge() {
	s.cache.Purge()
}

// Lookup returns the element for param, building and caching it on a miss.
func (s *Selection) Lookup(w Worker, epCfg, rkeyCfg int, param SelectParam) (*SelectElem, error) {
	key := selectKey{epCfg: epCfg, rkeyCfg: rkeyCfg, param: param}
	if elem, ok := s.cache.Get(key); ok {
		return elem, nil
	}
	if _, busy := s.building[key]; busy {
		return nil, fmt.Errorf("%w: recursive selection of %s", ErrRemoteLookup, param)
	}
	s.building[key] = struct{}{}
	elem, err := BuildSelectElem(w, epCfg, rkeyCfg, param)
	delete(s.building, key)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, elem)
	return elem, nil
}

type candidate struct {
	order int
	cfg   *Config
}

// BuildSelectElem initialises every protocol of w for param and merges their
// performance ranges into a threshold table over [0, MaxLength].
func BuildSelectElem(w Worker, epCfg, rkeyCfg int, param SelectParam) (*SelectElem, error) {
	init := &InitParams{
		Worker:       w,
		Param:        param,
		EPCfgIndex:   epCfg,
		EPConfig:     w.EPConfig(epCfg),
		RkeyCfgIndex: rkeyCfg,
	}
	if rkeyCfg >= 0 {
		key := w.RkeyConfigAt(rkeyCfg).Key
		init.RkeyConfig = &key
	}

	elem := &SelectElem{Param: param, EPCfgIndex: epCfg, RkeyCfgIndex: rkeyCfg}
	var cands []candidate
	for i, p := range w.Protocols() {
		params := *init
		params.ProtoName = p.Name
		priv, caps, err := p.Init(&params)
		if err != nil {
			if errors.Is(err, ErrUnsupported) {
				w.Debugf("%s: %s not supported: %v", param, p.Name, err)
			} else {
				w.Debugf("%s: %v", param, &InitError{Proto: p.Name, Err: err})
			}
			continue
		}
		if !caps.Valid() {
			w.Debugf("%s: %s reported invalid performance ranges", param, p.Name)
			continue
		}
		cfg := &Config{Proto: p, Priv: priv, Caps: caps, EPCfgIndex: epCfg, RkeyCfgIndex: rkeyCfg, Param: param}
		elem.Configs = append(elem.Configs, cfg)
		cands = append(cands, candidate{order: i, cfg: cfg})
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoProtocol, param)
	}

	start := uint64(0)
	for {
		cfg, perf, end := selectNext(cands, start)
		elem.appendThreshold(end, cfg)
		elem.appendPerf(end, perf)
		if end == MaxLength {
			break
		}
		start = end + 1
	}
	return elem, nil
}

func (e *SelectElem) appendThreshold(end uint64, cfg *Config) {
	if n := len(e.Thresholds); n > 0 && e.Thresholds[n-1].Config == cfg {
		e.Thresholds[n-1].MaxLength = end
		return
	}
	e.Thresholds = append(e.Thresholds, ThresholdElem{MaxLength: end, Config: cfg})
}

func (e *SelectElem) appendPerf(end uint64, perf linear.Func) {
	if n := len(e.PerfRanges); n > 0 && e.PerfRanges[n-1].Perf == perf {
		e.PerfRanges[n-1].MaxLength = end
		return
	}
	e.PerfRanges = append(e.PerfRanges, PerfRange{MaxLength: end, Perf: perf})
}

type liveRange struct {
	cand candidate
	perf linear.Func
	end  uint64
}

// selectNext picks the protocol serving start and the last length it keeps
// serving. A protocol with a configured threshold is forced from that
// threshold on and takes no part in cost selection below it; among forced
// protocols the highest priority wins. Otherwise the cheapest protocol at
// start wins until a competitor's cost line crosses below it. Ties go to the
// earlier registered protocol.
func selectNext(cands []candidate, start uint64) (*Config, linear.Func, uint64) {
	end := MaxLength
	var forced, auto []liveRange
	for _, c := range cands {
		caps := c.cfg.Caps
		if start < caps.MinLength {
			end = min(end, caps.MinLength-1)
			continue
		}
		r := caps.Ranges[caps.rangeAt(start)]
		if r.Perf.IsInfinite() {
			end = min(end, r.MaxLength)
			continue
		}
		live := liveRange{cand: c, perf: r.Perf, end: r.MaxLength}
		switch {
		case caps.CfgThresh == units.Auto:
			auto = append(auto, live)
		case caps.CfgThresh <= start:
			forced = append(forced, live)
		default:
			end = min(end, caps.CfgThresh-1)
		}
	}

	if len(forced) > 0 {
		best := forced[0]
		for _, f := range forced[1:] {
			if f.cand.cfg.Caps.CfgPriority > best.cand.cfg.Caps.CfgPriority {
				best = f
			}
		}
		return best.cand.cfg, best.perf, min(end, best.end)
	}
	if len(auto) == 0 {
		return nil, linear.Infinite(), end
	}

	x0 := float64(start)
	best := auto[0]
	for _, a := range auto[1:] {
		if a.perf.Apply(x0) < best.perf.Apply(x0) {
			best = a
		}
	}
	end = min(end, best.end)
	for _, a := range auto {
		if a.cand.order == best.cand.order {
			continue
		}
		end = min(end, a.end)
		if a.perf.M >= best.perf.M {
			continue
		}
		x, ok := linear.Intersect(best.perf, a.perf)
		if !ok || x >= float64(MaxLength) {
			continue
		}
		limit := start
		if x > x0 {
			xf := math.Floor(x)
			limit = uint64(xf)
			if xf == x && a.cand.order < best.cand.order && limit > start {
				limit--
			}
		}
		end = min(end, limit)
	}
	return best.cand.cfg, best.perf, end
}
