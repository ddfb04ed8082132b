// Package driver is the narrow interface to the container runtime. It is
// intentionally small: the orchestrator needs container lifecycle and
// label-scoped listing, nothing else. Engines carry the owner label so a
// restarted orchestrator can find its fleet again.
package driver

import (
	"context"
	"errors"
	"time"
)

// Labels the orchestrator stamps on every engine container.
const (
	LabelOwner      = "orchestrator.owner"
	LabelForwarded  = "acestream.forwarded"
	LabelTemplateID = "acestream.template_id"
)

var (
	// ErrPortsExhausted is returned when no host port is free in the
	// configured range.
	ErrPortsExhausted = errors.New("no free host port in configured range")
	// ErrNotFound is returned when the container does not exist.
	ErrNotFound = errors.New("container not found")
)

// PortSpec is the host/container port pairing for one engine.
type PortSpec struct {
	HostHTTP       int
	ContainerHTTP  int
	ContainerHTTPS int
	HostHTTPS      int
	HostP2P        int
	ContainerP2P   int
}

// StartSpec describes the engine container to create.
type StartSpec struct {
	Image       string
	Name        string
	Env         []string
	Labels      map[string]string
	Ports       PortSpec
	NetworkMode string // e.g. "container:<vpn>" to join a sidecar namespace
}

// ContainerInfo is the runtime's view of one managed container.
type ContainerInfo struct {
	ID                 string
	Name               string
	Labels             map[string]string
	HostHTTPPort       int
	ContainerHTTPPort  int
	ContainerHTTPSPort int
	Running            bool
	CreatedAt          time.Time
}

// Driver is the subset of runtime operations the orchestrator needs.
type Driver interface {
	// Start creates and starts a container. Fails with ErrPortsExhausted
	// when the spec carries no usable host port.
	Start(ctx context.Context, spec StartSpec) (ContainerInfo, error)
	// Stop stops and removes a container. Idempotent: a container that is
	// already gone is a success.
	Stop(ctx context.Context, id string, grace time.Duration) error
	// Inspect returns the container, or ErrNotFound.
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	// ListManaged returns only containers bearing the owner label.
	ListManaged(ctx context.Context) ([]ContainerInfo, error)
	// Ping verifies the runtime is reachable.
	Ping(ctx context.Context) error
}
