package proto

import (
	"fmt"
	"strings"

	"github.com/rocketbitz/fabricproto-go/internal/units"
)

// RndvMode restricts which bulk rendezvous protocols may be selected.
type RndvMode uint8

const (
	RndvModeAuto RndvMode = iota
	RndvModeGet
	RndvModePut
)

func (m RndvMode) String() string {
	switch m {
	case RndvModeAuto:
		return "auto"
	case RndvModeGet:
		return "get_zcopy"
	case RndvModePut:
		return "put_zcopy"
	default:
		return "unknown"
	}
}

// ParseRndvMode accepts "auto", "get", "get_zcopy", "put" and "put_zcopy".
func ParseRndvMode(s string) (RndvMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return RndvModeAuto, nil
	case "get", "get_zcopy":
		return RndvModeGet, nil
	case "put", "put_zcopy":
		return RndvModePut, nil
	default:
		return RndvModeAuto, fmt.Errorf("%w: rendezvous mode %q", ErrInvalidParam, s)
	}
}

// Allows reports whether mode m permits the protocol implementing want.
func (m RndvMode) Allows(want RndvMode) bool {
	return m == RndvModeAuto || m == want
}

// Settings are the tunables protocols read at init.
type Settings struct {
	// RndvThresh forces rendezvous at and above this size; units.Auto lets
	// the cost model decide.
	RndvThresh uint64
	RndvMode   RndvMode
	// MaxRndvLanes bounds the lanes a bulk rendezvous protocol stripes over.
	MaxRndvLanes int
	// RndvPerfDiff biases the rendezvous handshake, in percent.
	RndvPerfDiff float64
	// EstNumPPN is the estimated number of processes sharing a node.
	EstNumPPN float64
	// EstNumEPs is the estimated number of endpoints per process.
	EstNumEPs float64
	// BandwidthEfficiency scales interface bandwidth.
	BandwidthEfficiency float64
	// SelectCacheSize bounds cached selection elements per table.
	SelectCacheSize int
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		RndvThresh:          units.Auto,
		RndvMode:            RndvModeAuto,
		MaxRndvLanes:        2,
		RndvPerfDiff:        1,
		EstNumPPN:           1,
		EstNumEPs:           1,
		BandwidthEfficiency: 1,
		SelectCacheSize:     128,
	}
}

// Validate rejects settings the performance model cannot use.
func (s *Settings) Validate() error {
	switch {
	case s.MaxRndvLanes < 1 || s.MaxRndvLanes > MaxLanes:
		return fmt.Errorf("%w: max rendezvous lanes %d not in [1,%d]", ErrInvalidParam, s.MaxRndvLanes, MaxLanes)
	case s.EstNumPPN < 1:
		return fmt.Errorf("%w: estimated processes per node %v", ErrInvalidParam, s.EstNumPPN)
	case s.EstNumEPs < 1:
		return fmt.Errorf("%w: estimated endpoints %v", ErrInvalidParam, s.EstNumEPs)
	case s.BandwidthEfficiency <= 0 || s.BandwidthEfficiency > 1:
		return fmt.Errorf("%w: bandwidth efficiency %v not in (0,1]", ErrInvalidParam, s.BandwidthEfficiency)
	case s.RndvPerfDiff <= -100 || s.RndvPerfDiff >= 100:
		return fmt.Errorf("%w: rendezvous perf diff %v%%", ErrInvalidParam, s.RndvPerfDiff)
	case s.SelectCacheSize < 1:
		return fmt.Errorf("%w: select cache size %d", ErrInvalidParam, s.SelectCacheSize)
	}
	return nil
}
