package docker

import (
	"context"
	"fmt"
	"os"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/dgurram/decoy/model"
)

// agentMount is where a worker's run dir lands inside the container. The
// agent binds its unix socket there when the transport is UDS.
const agentMount = "/run/agent"

// Grace period before a stop escalates to SIGKILL.
const stopGraceSeconds = 5

type DockerDriver struct {
	docker  *client.Client
	runtime string
	seccomp string
}

func NewDockerDriver(runtime string, seccompProfile string) (*DockerDriver, error) {
	dc, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker")
	}

	var sec []byte
	if seccompProfile != "" {
		sec, err = os.ReadFile(seccompProfile)
		if err != nil {
			return nil, err
		}
	}

	return &DockerDriver{
		docker:  dc,
		runtime: runtime,
		seccomp: string(sec),
	}, nil
}

func (d *DockerDriver) Backend() string {
	return "docker"
}

func (d *DockerDriver) Launch(ctx context.Context, opts model.LaunchOptions) (string, error) {
	networkMode := container.NetworkMode(network.NetworkDefault)
	if opts.Network != "" {
		networkMode = container.NetworkMode(opts.Network)
	}

	var mounts []mount.Mount
	if opts.RunDir != "" {
		mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: opts.RunDir,
				Target: agentMount,
			},
		}
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	var securityOpt []string
	if d.seccomp != "" {
		securityOpt = []string{"seccomp=" + d.seccomp}
	}

	pl := opts.PidsLimit
	hostCfg := &container.HostConfig{
		Runtime:     d.runtime,
		NetworkMode: networkMode,
		SecurityOpt: securityOpt,
		Resources: container.Resources{
			CPUPeriod: 100000,
			CPUQuota:  opts.CPUQuota,
			Memory:    opts.MemoryLimit,
			PidsLimit: &pl,
		},
		Tmpfs: map[string]string{
			"/tmp":     "rw,exec,nosuid,mode=0777,size=67108864",
			"/var/tmp": "rw,exec,nosuid,mode=0777,size=67108864",
		},
		Mounts: mounts,
	}
	cfg := &container.Config{
		Image:      opts.Image,
		Labels:     opts.Labels,
		User:       "1000:1000",
		Cmd:        []string{"./agent"},
		WorkingDir: "/usr/local/bin",
		Env:        env,
	}
	networkCfg := &network.NetworkingConfig{}

	created, err := d.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: networkCfg,
		Name:             opts.Name,
	})
	if err != nil {
		return "", err
	}

	if _, err := d.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		d.Remove(ctx, created.ID)
		return "", err
	}
	return created.ID, nil
}

func (d *DockerDriver) Stop(ctx context.Context, containerID string) error {
	timeout := stopGraceSeconds
	_, err := d.docker.ContainerStop(ctx, containerID, client.ContainerStopOptions{Timeout: &timeout})
	return err
}

func (d *DockerDriver) Remove(ctx context.Context, containerID string) error {
	_, err := d.docker.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force: true,
	})
	return err
}

func (d *DockerDriver) IsRunning(ctx context.Context, containerID string) (bool, error) {
	ic, err := d.docker.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		return false, err
	}
	return ic.Container.State.Status == container.StateRunning, nil
}

func (d *DockerDriver) GetIP(ctx context.Context, containerID string) (string, error) {
	inspect, err := d.docker.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		return "", err
	}

	for _, endpoint := range inspect.Container.NetworkSettings.Networks {
		return endpoint.IPAddress.String(), nil
	}
	return "", fmt.Errorf("container %s has no network endpoints", containerID)
}
