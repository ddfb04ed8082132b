package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePortRange parses "lo-hi" (or a single port) into a PortRange.
func ParsePortRange(raw string) (PortRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PortRange{}, fmt.Errorf("empty port range")
	}
	lo, hi, found := strings.Cut(raw, "-")
	loP, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", lo)
	}
	if !found {
		return PortRange{Lo: loP, Hi: loP}, nil
	}
	hiP, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", hi)
	}
	if hiP < loP {
		return PortRange{}, fmt.Errorf("range %d-%d is inverted", loP, hiP)
	}
	return PortRange{Lo: loP, Hi: hiP}, nil
}

// parseVPNs assembles the sidecar list from VPN_MODE, VPN_NAMES,
// VPN_CONTROL_URLS and MAX_ACTIVE_REPLICAS. Names and URLs are
// comma-separated and must pair up. MAX_ACTIVE_REPLICAS accepts either a
// single value applied to every sidecar or a comma-separated per-VPN list.
func parseVPNs(v interface {
	GetString(string) string
	GetInt(string) int
}) ([]VPNSidecar, VPNMode, error) {
	mode := VPNMode(v.GetString("VPN_MODE"))
	if mode == VPNNone || mode == "" {
		return nil, VPNNone, nil
	}

	names := splitList(v.GetString("VPN_NAMES"))
	urls := splitList(v.GetString("VPN_CONTROL_URLS"))
	if len(names) == 0 {
		// Single mode with no explicit name.
		names = []string{"vpn"}
	}
	if len(urls) != len(names) {
		return nil, mode, fmt.Errorf("VPN_NAMES (%d) and VPN_CONTROL_URLS (%d) must pair up", len(names), len(urls))
	}

	caps := splitList(v.GetString("MAX_ACTIVE_REPLICAS"))
	perVPN := v.GetInt("MAX_ACTIVE_REPLICAS")
	vpns := make([]VPNSidecar, 0, len(names))
	for i, name := range names {
		c := perVPN
		if len(caps) == len(names) {
			parsed, err := strconv.Atoi(caps[i])
			if err != nil {
				return nil, mode, fmt.Errorf("MAX_ACTIVE_REPLICAS[%d]: %w", i, err)
			}
			c = parsed
		}
		vpns = append(vpns, VPNSidecar{Name: name, ControlURL: urls[i], MaxActiveReplicas: c})
	}
	return vpns, mode, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
