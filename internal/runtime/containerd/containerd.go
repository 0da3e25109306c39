package containerd

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/dgurram/decoy/internal/util"
	"github.com/dgurram/decoy/model"
)

const agentMount = "/run/agent"

type ContainerdDriver struct {
	containerd *containerd.Client
	runtime    string
	seccomp    *specs.LinuxSeccomp
}

func NewContainerdDriver(runtime string, seccompProfile string) (*ContainerdDriver, error) {
	cc, err := containerd.New(
		"/run/containerd/containerd.sock",
		containerd.WithDefaultNamespace("decoy"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialise containerd: %v", err)
	}

	var sec *specs.LinuxSeccomp
	if seccompProfile != "" {
		sec, err = util.LoadSeccomp(seccompProfile)
		if err != nil {
			return nil, err
		}
	}

	return &ContainerdDriver{
		containerd: cc,
		runtime:    runtime,
		seccomp:    sec,
	}, nil
}

func (d *ContainerdDriver) Backend() string {
	return "containerd"
}

func (d *ContainerdDriver) Launch(ctx context.Context, opts model.LaunchOptions) (string, error) {
	client := d.containerd

	image, err := client.GetImage(ctx, opts.Image)
	if err != nil {
		return "", err
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs("./agent"),
		oci.WithProcessCwd("/usr/local/bin"),
		oci.WithUser("1000:1000"),
		oci.WithCPUCFS(opts.CPUQuota, 100000),
		oci.WithMemoryLimit(uint64(opts.MemoryLimit)),
		oci.WithPidsLimit(opts.PidsLimit),
		oci.WithEnv(env),
	}

	// Sandboxed runtimes like gVisor bring their own syscall filtering; the
	// profile only applies under plain runc.
	if d.seccomp != nil && d.runtime == "io.containerd.runc.v2" {
		specOpts = append(specOpts, WithSeccompProfile(d.seccomp))
	}

	var mounts []specs.Mount
	if opts.RunDir != "" {
		mounts = append(mounts, specs.Mount{
			Type:        "bind",
			Source:      opts.RunDir,
			Destination: agentMount,
			Options:     []string{"rbind", "rw"},
		})
	}
	mounts = append(mounts,
		specs.Mount{
			Type:        "tmpfs",
			Destination: "/tmp",
			Options:     []string{"nosuid", "nodev", "exec", "size=64m", "mode=1777"},
		},
		specs.Mount{
			Type:        "tmpfs",
			Destination: "/var/tmp",
			Options:     []string{"nosuid", "nodev", "exec", "size=64m", "mode=1777"},
		},
	)
	specOpts = append(specOpts, oci.WithMounts(mounts))

	container, err := client.NewContainer(
		ctx,
		opts.Name,
		containerd.WithImage(image),
		containerd.WithSnapshotter("overlayfs"),
		containerd.WithNewSnapshot(opts.Name, image),
		containerd.WithRuntime(d.runtime, nil),
		containerd.WithNewSpec(specOpts...),
		containerd.WithAdditionalContainerLabels(opts.Labels),
	)
	if err != nil {
		return "", err
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", err
	}

	if err := task.Start(ctx); err != nil {
		return "", err
	}
	return container.ID(), nil
}

func (d *ContainerdDriver) Stop(ctx context.Context, containerID string) error {
	container, err := d.containerd.LoadContainer(ctx, containerID)
	if err != nil {
		return err
	}
	return d.stopContainer(ctx, container)
}

func (d *ContainerdDriver) Remove(ctx context.Context, containerID string) error {
	container, err := d.containerd.LoadContainer(ctx, containerID)
	if err != nil {
		return err
	}

	if err := d.stopContainer(ctx, container); err != nil {
		return err
	}

	// Delete container (force)
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return err
	}
	return nil
}

func (d *ContainerdDriver) IsRunning(ctx context.Context, containerID string) (bool, error) {
	container, err := d.containerd.LoadContainer(ctx, containerID)
	if err != nil {
		return false, err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return false, err
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false, err
	}
	return status.Status == containerd.Running, nil
}

// GetIP is unsupported on containerd; worker agents on this backend speak UDS
// over the run dir bind mount instead.
func (d *ContainerdDriver) GetIP(ctx context.Context, containerID string) (string, error) {
	return "", fmt.Errorf("tcp agent transport is not supported on the containerd backend")
}

func (d *ContainerdDriver) stopContainer(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil // container already stopped
		}
		return err
	}

	// Send SIGTERM and wait up to 3s
	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		if errdefs.IsNotFound(err) ||
			strings.Contains(err.Error(), "process already finished") ||
			strings.Contains(err.Error(), "not found") {
			// Task already stopped, nothing to kill
		} else {
			return err
		}
	}
	exitC, err := task.Wait(ctx)
	if err != nil {
		return err
	}
	var status containerd.ExitStatus
	select {
	case status = <-exitC:
	case <-time.After(time.Second * 3):
		status = *containerd.NewExitStatus(1, time.Now().UTC(), fmt.Errorf("could not kill task... timedout"))
	}

	if _, _, err := status.Result(); err != nil {
		return err
	}

	// Delete task after stop
	if _, err := task.Delete(ctx); err != nil {
		return err
	}
	return nil
}

func WithSeccompProfile(sec *specs.LinuxSeccomp) oci.SpecOpts {
	return func(ctx context.Context, client oci.Client, c *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		s.Linux.Seccomp = sec
		return nil
	}
}
