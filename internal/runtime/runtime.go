// Package runtime provisions and supervises the per-worker container
// runtimes. Each registered worker gets exactly one container holding its
// platform session; the supervisor keeps the arena of live handles, heals
// unhealthy runtimes and proxies invocations to the in-container agent.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dgurram/decoy/internal/runtime/containerd"
	"github.com/dgurram/decoy/internal/runtime/docker"
	"github.com/dgurram/decoy/model"
)

// Handle is one live container runtime backing a worker. Addr is set for TCP
// agent transports, Socket for UDS.
type Handle struct {
	WorkerID    uuid.UUID
	ContainerID string
	Addr        string
	Socket      string
	Backend     string
	StartedAt   time.Time
}

// Driver creates and destroys worker containers on one backend.
type Driver interface {
	Launch(ctx context.Context, opts model.LaunchOptions) (string, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
	GetIP(ctx context.Context, containerID string) (string, error)
	Backend() string
}

// Condition is the supervisor's view of one runtime's health, folding the
// container state and the agent's own health report together.
type Condition string

const (
	Healthy     Condition = "healthy"
	Degraded    Condition = "degraded"
	Unreachable Condition = "unreachable"
)

func NewDriver(backend string, runtimeName string, seccompProfile string) (Driver, error) {
	switch backend {
	case "docker":
		return docker.NewDockerDriver(runtimeName, seccompProfile)
	case "containerd":
		return containerd.NewContainerdDriver(runtimeName, seccompProfile)
	default:
		return nil, fmt.Errorf("unsupported runtime backend: %s", backend)
	}
}
