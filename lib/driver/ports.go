package driver

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"krinkuto11/aceorch/lib/config"
)

// Allocator hands out host/container port pairs for new engines. The
// container-side ports are parsed from the operator-supplied CONF when
// present, so the port the engine actually binds matches the published
// mapping; otherwise they come from the configured engine ranges.
type Allocator struct {
	mu         sync.Mutex
	hostRange  config.PortRange
	httpRange  config.PortRange
	httpsRange config.PortRange
	inUse      map[int]bool // host ports
	engineUse  map[int]bool // container-side ports
}

// NewAllocator builds an allocator over the configured ranges.
func NewAllocator(host, http, https config.PortRange) *Allocator {
	return &Allocator{
		hostRange:  host,
		httpRange:  http,
		httpsRange: https,
		inUse:      make(map[int]bool),
		engineUse:  make(map[int]bool),
	}
}

// Reserve marks ports observed on running containers so a reindex does not
// double-allocate them.
func (a *Allocator) Reserve(hostPort, containerHTTP, containerHTTPS int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hostPort != 0 {
		a.inUse[hostPort] = true
	}
	if containerHTTP != 0 {
		a.engineUse[containerHTTP] = true
	}
	if containerHTTPS != 0 {
		a.engineUse[containerHTTPS] = true
	}
}

// Release returns an engine's ports to the pool.
func (a *Allocator) Release(spec PortSpec) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, spec.HostHTTP)
	delete(a.inUse, spec.HostHTTPS)
	delete(a.engineUse, spec.ContainerHTTP)
	delete(a.engineUse, spec.ContainerHTTPS)
}

// Allocate returns the port pairing for a new engine. CONF-pinned ports
// win; free ports are drawn from the ranges otherwise. Fails with
// ErrPortsExhausted when the host range is spent.
func (a *Allocator) Allocate(conf string) (PortSpec, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var spec PortSpec
	pinnedHTTP, pinnedHTTPS := ParseConfPorts(conf)

	host, err := a.nextFreeLocked(a.hostRange, a.inUse)
	if err != nil {
		return PortSpec{}, err
	}
	spec.HostHTTP = host
	a.inUse[host] = true

	if pinnedHTTP != 0 {
		spec.ContainerHTTP = pinnedHTTP
	} else {
		p, err := a.nextFreeLocked(a.httpRange, a.engineUse)
		if err != nil {
			delete(a.inUse, host)
			return PortSpec{}, err
		}
		spec.ContainerHTTP = p
	}
	a.engineUse[spec.ContainerHTTP] = true

	if pinnedHTTPS != 0 {
		spec.ContainerHTTPS = pinnedHTTPS
	} else {
		p, err := a.nextFreeLocked(a.httpsRange, a.engineUse)
		if err != nil {
			delete(a.inUse, host)
			delete(a.engineUse, spec.ContainerHTTP)
			return PortSpec{}, err
		}
		spec.ContainerHTTPS = p
	}
	a.engineUse[spec.ContainerHTTPS] = true

	return spec, nil
}

func (a *Allocator) nextFreeLocked(r config.PortRange, used map[int]bool) (int, error) {
	for p := r.Lo; p <= r.Hi; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, ErrPortsExhausted
}

// ParseConfPorts extracts --http-port and --https-port from an engine CONF
// blob (newline- or space-separated flags).
func ParseConfPorts(conf string) (httpPort, httpsPort int) {
	for _, field := range strings.Fields(conf) {
		if v, ok := strings.CutPrefix(field, "--http-port="); ok {
			if p, err := strconv.Atoi(v); err == nil {
				httpPort = p
			}
		}
		if v, ok := strings.CutPrefix(field, "--https-port="); ok {
			if p, err := strconv.Atoi(v); err == nil {
				httpsPort = p
			}
		}
	}
	return httpPort, httpsPort
}

// ConfWithPorts rewrites the CONF so the engine binds exactly the ports in
// spec, appending the flags when the operator CONF omitted them.
func ConfWithPorts(conf string, spec PortSpec) string {
	httpPinned, httpsPinned := ParseConfPorts(conf)
	var b strings.Builder
	b.WriteString(strings.TrimSpace(conf))
	if httpPinned == 0 && spec.ContainerHTTP != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "--http-port=%d", spec.ContainerHTTP)
	}
	if httpsPinned == 0 && spec.ContainerHTTPS != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "--https-port=%d", spec.ContainerHTTPS)
	}
	return b.String()
}
