// Package config loads worker settings and a loopback fabric description
// from a TOML file. Keys left out of the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	gounits "github.com/docker/go-units"

	"github.com/rocketbitz/fabricproto-go/internal/units"
	"github.com/rocketbitz/fabricproto-go/linear"
	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/transport"
	"github.com/rocketbitz/fabricproto-go/transport/loopback"
	"github.com/rocketbitz/fabricproto-go/worker"
)

// ErrInvalid indicates a value the loader cannot interpret.
var ErrInvalid = errors.New("config: invalid value")

// Config is a decoded configuration file.
type Config struct {
	Name     string
	Settings proto.Settings
	Fabric   loopback.Config
}

// Default returns the configuration used for an empty file.
func Default() *Config {
	return &Config{Settings: proto.DefaultSettings()}
}

// WorkerConfig returns a worker configuration carrying a copy of the
// settings. Callers attach loggers, tracers and metrics.
func (c *Config) WorkerConfig() worker.Config {
	s := c.Settings
	return worker.Config{Name: c.Name, Settings: &s}
}

// NewFabric builds the loopback fabric the file describes.
func (c *Config) NewFabric() (*loopback.Fabric, error) {
	return loopback.New(c.Fabric)
}

type fileConfig struct {
	Name          string         `toml:"name"`
	Settings      fileSettings   `toml:"settings"`
	Resources     []fileResource `toml:"resource"`
	MemoryDomains []fileDomain   `toml:"memory_domain"`
}

type fileSettings struct {
	RndvThresh          string  `toml:"rndv_thresh"`
	RndvMode            string  `toml:"rndv_mode"`
	MaxRndvLanes        int     `toml:"max_rndv_lanes"`
	RndvPerfDiff        float64 `toml:"rndv_perf_diff"`
	EstNumPPN           float64 `toml:"est_num_ppn"`
	EstNumEPs           float64 `toml:"est_num_eps"`
	BandwidthEfficiency float64 `toml:"bandwidth_efficiency"`
	SelectCacheSize     int     `toml:"select_cache_size"`
}

type fileResource struct {
	Name               string   `toml:"name"`
	Device             string   `toml:"device"`
	MD                 int      `toml:"md"`
	BusID              string   `toml:"bus_id"`
	Flags              []string `toml:"flags"`
	Bandwidth          string   `toml:"bandwidth"`
	Shared             string   `toml:"shared_bandwidth"`
	Latency            string   `toml:"latency"`
	Overhead           string   `toml:"overhead"`
	MaxPut             string   `toml:"max_put"`
	MaxGet             string   `toml:"max_get"`
	MaxBcopy           string   `toml:"max_bcopy"`
	Credits            int      `toml:"credits"`
	ReverseCompletions bool     `toml:"reverse_completions"`
}

type fileDomain struct {
	Name        string   `toml:"name"`
	Flags       []string `toml:"flags"`
	MemoryTypes []string `toml:"memory_types"`
	// RegCost is in seconds and seconds per byte.
	RegCost struct {
		C float64 `toml:"c"`
		M float64 `toml:"m"`
	} `toml:"reg_cost"`
}

// Load decodes the file at path.
func Load(path string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load fabricproto config: %w", err)
	}
	return build(&raw, meta)
}

// Decode decodes TOML text.
func Decode(data string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("decode fabricproto config: %w", err)
	}
	return build(&raw, meta)
}

func build(raw *fileConfig, meta toml.MetaData) (*Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}
	cfg := Default()
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if err := applySettings(&cfg.Settings, &raw.Settings, meta); err != nil {
		return nil, err
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	for i := range raw.Resources {
		rc, err := resourceConfig(&raw.Resources[i])
		if err != nil {
			return nil, fmt.Errorf("resource %d: %w", i, err)
		}
		cfg.Fabric.Resources = append(cfg.Fabric.Resources, rc)
	}
	for i := range raw.MemoryDomains {
		mc, err := domainConfig(&raw.MemoryDomains[i])
		if err != nil {
			return nil, fmt.Errorf("memory domain %d: %w", i, err)
		}
		cfg.Fabric.MemoryDomains = append(cfg.Fabric.MemoryDomains, mc)
	}
	return cfg, nil
}

func applySettings(s *proto.Settings, raw *fileSettings, meta toml.MetaData) error {
	defined := func(key string) bool { return meta.IsDefined("settings", key) }

	if defined("rndv_thresh") {
		v, err := units.Parse(raw.RndvThresh)
		if err != nil {
			return fmt.Errorf("parse rndv_thresh: %w", err)
		}
		s.RndvThresh = v
	}
	if defined("rndv_mode") {
		m, err := proto.ParseRndvMode(strings.TrimSpace(raw.RndvMode))
		if err != nil {
			return fmt.Errorf("parse rndv_mode: %w", err)
		}
		s.RndvMode = m
	}
	if defined("max_rndv_lanes") {
		s.MaxRndvLanes = raw.MaxRndvLanes
	}
	if defined("rndv_perf_diff") {
		s.RndvPerfDiff = raw.RndvPerfDiff
	}
	if defined("est_num_ppn") {
		s.EstNumPPN = raw.EstNumPPN
	}
	if defined("est_num_eps") {
		s.EstNumEPs = raw.EstNumEPs
	}
	if defined("bandwidth_efficiency") {
		s.BandwidthEfficiency = raw.BandwidthEfficiency
	}
	if defined("select_cache_size") {
		s.SelectCacheSize = raw.SelectCacheSize
	}
	return nil
}

func resourceConfig(raw *fileResource) (loopback.ResourceConfig, error) {
	rc := loopback.ResourceConfig{
		Name:               strings.TrimSpace(raw.Name),
		Device:             strings.TrimSpace(raw.Device),
		MD:                 raw.MD,
		Credits:            raw.Credits,
		ReverseCompletions: raw.ReverseCompletions,
	}
	var err error
	if raw.BusID != "" {
		if rc.BusID, err = parseBusID(raw.BusID); err != nil {
			return rc, err
		}
	}
	for _, name := range raw.Flags {
		f, err := transport.ParseCapFlag(strings.TrimSpace(name))
		if err != nil {
			return rc, err
		}
		rc.Flags |= f
	}
	if rc.Bandwidth, err = parseRate("bandwidth", raw.Bandwidth); err != nil {
		return rc, err
	}
	if rc.Shared, err = parseRate("shared_bandwidth", raw.Shared); err != nil {
		return rc, err
	}
	if rc.Latency, err = parseSeconds("latency", raw.Latency); err != nil {
		return rc, err
	}
	if rc.Overhead, err = parseSeconds("overhead", raw.Overhead); err != nil {
		return rc, err
	}
	if rc.MaxPut, err = parseSize("max_put", raw.MaxPut); err != nil {
		return rc, err
	}
	if rc.MaxGet, err = parseSize("max_get", raw.MaxGet); err != nil {
		return rc, err
	}
	if rc.MaxBcopy, err = parseSize("max_bcopy", raw.MaxBcopy); err != nil {
		return rc, err
	}
	return rc, nil
}

func domainConfig(raw *fileDomain) (loopback.MDConfig, error) {
	mc := loopback.MDConfig{Name: strings.TrimSpace(raw.Name)}
	for _, name := range raw.Flags {
		f, err := transport.ParseMDFlag(strings.TrimSpace(name))
		if err != nil {
			return mc, err
		}
		mc.Flags |= f
	}
	for _, name := range raw.MemoryTypes {
		m, err := transport.ParseMemoryType(strings.TrimSpace(name))
		if err != nil {
			return mc, err
		}
		mc.RegMemTypes |= m.Bit()
	}
	if raw.RegCost.C < 0 || raw.RegCost.M < 0 {
		return mc, fmt.Errorf("%w: negative reg_cost", ErrInvalid)
	}
	mc.RegCost = linear.Make(raw.RegCost.C, raw.RegCost.M)
	return mc, nil
}

// parseBusID accepts the "dddd:bb:ss.f" form.
func parseBusID(s string) (*transport.BusID, error) {
	var id transport.BusID
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%x:%x:%x.%x", &id.Domain, &id.Bus, &id.Slot, &id.Function); err != nil {
		return nil, fmt.Errorf("%w: bus id %q", ErrInvalid, s)
	}
	return &id, nil
}

// parseRate reads a decimal byte rate per second such as "12.5GB".
func parseRate(key, s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	v, err := gounits.FromHumanSize(strings.TrimSpace(s))
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalid, key, s)
	}
	return float64(v), nil
}

// parseSeconds reads a duration such as "1us" or "300ns" as seconds.
func parseSeconds(key, s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalid, key, s)
	}
	return d.Seconds(), nil
}

func parseSize(key, s string) (uint64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	v, err := units.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}
