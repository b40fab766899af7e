// Package topo maps device bus identifiers to compact system-device indices
// and estimates the distance between two devices.
package topo

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rocketbitz/fabricproto-go/transport"
)

// Device is a compact index assigned to a bus id in discovery order.
type Device = transport.SysDevice

// DeviceUnknown marks memory or resources without a known device.
const DeviceUnknown = transport.SysDeviceUnknown

const (
	maxDevices     = int(DeviceUnknown)
	hopOverhead    = 1e-7
	hopBWScaling   = 0.33
	pcieBandwidth  = 108e9 / 8.0
	sysfsPCIPrefix = "/sys/class/pci_bus"
)

var (
	// ErrTooManyDevices indicates the device table is full.
	ErrTooManyDevices = errors.New("topo: too many system devices")
	// ErrUnknownDevice indicates a device index that was never assigned.
	ErrUnknownDevice = errors.New("topo: unknown system device")
)

// Distance is the estimated cost of moving data between two devices.
type Distance struct {
	Latency   float64
	Bandwidth float64
}

// Resolver canonicalises a sysfs path. The default follows symlinks so the
// resulting path reflects the PCI hierarchy.
type Resolver func(path string) (string, error)

// Service owns the bus-id to device mapping. It is safe for concurrent use.
type Service struct {
	mu       sync.RWMutex
	byBus    map[uint64]Device
	buses    []transport.BusID
	resolver Resolver
}

// NewService returns an empty topology service.
func NewService() *Service {
	return &Service{
		byBus:    make(map[uint64]Device),
		resolver: filepath.EvalSymlinks,
	}
}

// SetResolver replaces the sysfs path resolver.
func (s *Service) SetResolver(r Resolver) {
	s.mu.Lock()
	s.resolver = r
	s.mu.Unlock()
}

func busKey(id transport.BusID) uint64 {
	return uint64(id.Domain)<<24 | uint64(id.Bus)<<16 | uint64(id.Slot)<<8 | uint64(id.Function)
}

// FindDevice returns the device assigned to id, assigning the next free index
// on first sight.
func (s *Service) FindDevice(id transport.BusID) (Device, error) {
	key := busKey(id)

	s.mu.RLock()
	dev, ok := s.byBus[key]
	s.mu.RUnlock()
	if ok {
		return dev, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if dev, ok := s.byBus[key]; ok {
		return dev, nil
	}
	if len(s.buses) >= maxDevices {
		return DeviceUnknown, ErrTooManyDevices
	}
	dev = Device(len(s.buses))
	s.byBus[key] = dev
	s.buses = append(s.buses, id)
	return dev, nil
}

// Count returns the number of known devices.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buses)
}

// Distance estimates the distance between two devices. Unknown devices and
// identical devices are considered near.
func (s *Service) Distance(d1, d2 Device) (Distance, error) {
	if d1 == DeviceUnknown || d2 == DeviceUnknown || d1 == d2 {
		return Distance{Bandwidth: math.Inf(1)}, nil
	}

	s.mu.RLock()
	if int(d1) >= len(s.buses) || int(d2) >= len(s.buses) {
		s.mu.RUnlock()
		return Distance{}, ErrUnknownDevice
	}
	b1, b2 := s.buses[d1], s.buses[d2]
	resolver := s.resolver
	s.mu.RUnlock()

	hops := pathDistance(resolve(resolver, busPath(b1)), resolve(resolver, busPath(b2)))
	return Distance{
		Latency:   hopOverhead * float64(hops),
		Bandwidth: pcieBandwidth * math.Pow(hopBWScaling, float64(hops)),
	}, nil
}

// DeviceName formats the bus id of dev, or "" when dev is unknown.
func (s *Service) DeviceName(dev Device) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(dev) >= len(s.buses) {
		return ""
	}
	id := s.buses[dev]
	return fmt.Sprintf("%04x:%02x:%02x.%d", id.Domain, id.Bus, id.Slot, id.Function)
}

// Close drops every mapping.
func (s *Service) Close() {
	s.mu.Lock()
	s.byBus = make(map[uint64]Device)
	s.buses = nil
	s.mu.Unlock()
}

func busPath(id transport.BusID) string {
	return fmt.Sprintf("%s/%04x:%02x", sysfsPCIPrefix, id.Domain, id.Bus)
}

func resolve(r Resolver, path string) string {
	if r == nil {
		return path
	}
	real, err := r(path)
	if err != nil || real == "" {
		return path
	}
	return real
}

// pathDistance counts the components of both paths below their common prefix.
func pathDistance(p1, p2 string) int {
	c1 := strings.Split(strings.Trim(p1, "/"), "/")
	c2 := strings.Split(strings.Trim(p2, "/"), "/")
	common := 0
	for common < len(c1) && common < len(c2) && c1[common] == c2[common] {
		common++
	}
	return max(len(c1)-common, len(c2)-common)
}
