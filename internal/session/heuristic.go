package session

import (
	"net/netip"
	"time"

	"admin-security/internal/models"
)

const (
	ReasonSessionBurst     = "session_burst"
	ReasonNewNetworkDevice = "new_network_and_device"
)

type HeuristicConfig struct {
	Window     time.Duration
	IPv4Prefix int
	IPv6Prefix int
	// Burst is the number of sessions tolerated inside Window.
	Burst int
}

func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		Window:     10 * time.Minute,
		IPv4Prefix: 24,
		IPv6Prefix: 48,
		Burst:      3,
	}
}

// Heuristic flags new sessions that look like credential sharing or takeover.
// It only labels sessions; it never blocks them.
type Heuristic struct {
	cfg HeuristicConfig
}

func NewHeuristic(cfg HeuristicConfig) *Heuristic {
	def := DefaultHeuristicConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.IPv4Prefix <= 0 || cfg.IPv4Prefix > 32 {
		cfg.IPv4Prefix = def.IPv4Prefix
	}
	if cfg.IPv6Prefix <= 0 || cfg.IPv6Prefix > 128 {
		cfg.IPv6Prefix = def.IPv6Prefix
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return &Heuristic{cfg: cfg}
}

// Evaluate inspects the identity's existing sessions against the device of a
// session about to be created at now.
func (h *Heuristic) Evaluate(existing []*models.Session, device models.DeviceInfo, now time.Time) (bool, string) {
	since := now.Add(-h.cfg.Window)

	recent := 0
	for _, s := range existing {
		if s.CreatedAt.After(since) {
			recent++
		}
	}
	if recent+1 > h.cfg.Burst {
		return true, ReasonSessionBurst
	}

	for _, s := range existing {
		if !s.Live(now) || !s.CreatedAt.After(since) {
			continue
		}
		if !h.sameNetwork(s.Device.IP, device.IP) && s.Device.Signature() != device.Signature() {
			return true, ReasonNewNetworkDevice
		}
	}
	return false, ""
}

func (h *Heuristic) sameNetwork(a, b string) bool {
	ipA, errA := netip.ParseAddr(a)
	ipB, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return false
	}
	ipA, ipB = ipA.Unmap(), ipB.Unmap()
	if ipA.Is4() != ipB.Is4() {
		return false
	}
	bits := h.cfg.IPv6Prefix
	if ipA.Is4() {
		bits = h.cfg.IPv4Prefix
	}
	pa, errA := ipA.Prefix(bits)
	pb, errB := ipB.Prefix(bits)
	if errA != nil || errB != nil {
		return false
	}
	return pa == pb
}
