package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/brokerlab/control-plane/internal/errdefs"
)

// Docker implements Runtime against the Docker Engine API.
type Docker struct {
	client    *dockerclient.Client
	host      string
	available bool
}

func NewDocker(host string) *Docker {
	return &Docker{host: host}
}

func (d *Docker) Initialize(ctx context.Context) error {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if d.host != "" {
		opts = append(opts, dockerclient.WithHost(d.host))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *Docker) IsAvailable(ctx context.Context) bool {
	if d.client == nil {
		return false
	}
	_, err := d.client.Ping(ctx)
	d.available = err == nil
	return d.available
}

func (d *Docker) BackendName() string { return "docker" }

// ready guards every API call: after a failed Initialize the control
// plane keeps serving, so individual operations report the engine as
// unavailable instead of panicking on a nil client.
func (d *Docker) ready() error {
	if d.client == nil {
		return errdefs.ErrRuntimeUnavailable
	}
	return nil
}

// mapNotFound translates engine "no such container/network" errors into the
// shared taxonomy so callers can branch with errors.Is.
func mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("%w: %v", errdefs.ErrNotFound, err)
	}
	return err
}

func (d *Docker) EnsureImage(ctx context.Context, img string) error {
	if err := d.ready(); err != nil {
		return err
	}
	if _, _, err := d.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("Image %s pulled", img)
	return nil
}

func (d *Docker) CreateNetwork(ctx context.Context, name string, internal bool, labels map[string]string) error {
	if err := d.ready(); err != nil {
		return err
	}
	if _, err := d.client.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	}
	_, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:   "bridge",
		Internal: internal,
		Labels:   labels,
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	log.Printf("Created Docker network: %s", name)
	return nil
}

func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.client.NetworkRemove(ctx, name); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	if err := d.EnsureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	exposed := nat.PortSet{}
	for _, p := range spec.ExposedPorts {
		port, proto := p, "tcp"
		if i := strings.IndexByte(p, '/'); i >= 0 {
			port, proto = p[:i], p[i+1:]
		}
		np, err := nat.NewPort(proto, port)
		if err != nil {
			return "", fmt.Errorf("exposed port %q: %w", p, err)
		}
		exposed[np] = struct{}{}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		User:         spec.User,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		Tty:          spec.Tty,
		OpenStdin:    spec.OpenStdin,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		AutoRemove:    spec.AutoRemove,
		Binds:         spec.Binds,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			Memory:     spec.Memory,
			MemorySwap: spec.Memory, // ceiling includes swap: no extra swap headroom
			CPUShares:  spec.CPUShares,
		},
	}
	if spec.PidsLimit > 0 {
		limit := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &limit
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}
	if spec.DropAllCaps {
		hostCfg.CapDrop = []string{"ALL"}
		hostCfg.CapAdd = spec.CapAdd
	}
	if spec.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges")
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Do not leave a created-but-dead container behind.
		d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *Docker) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	if err := d.ready(); err != nil {
		return err
	}
	timeout := int(grace.Seconds())
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (d *Docker) ContainerRunning(ctx context.Context, id string) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		// Not-found surfaces as ErrNotFound rather than "not running":
		// a container the engine has never heard of is a divergence the
		// caller may need to report, not a stopped container.
		return false, mapNotFound(err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *Docker) ListByLabel(ctx context.Context, key, value string) ([]ContainerInfo, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		return nil, err
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Labels:  c.Labels,
			Running: c.State == "running",
		})
	}
	return infos, nil
}

func (d *Docker) Exec(ctx context.Context, id string, cmd []string, opts ExecOptions) (ExecResult, error) {
	if err := d.ready(); err != nil {
		return ExecResult{ExitCode: -1}, err
	}
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		User:         opts.User,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := d.client.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return ExecResult{ExitCode: -1}, mapNotFound(fmt.Errorf("exec create: %w", err))
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	output, err := io.ReadAll(resp.Reader)
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{Output: string(output), ExitCode: -1}, fmt.Errorf("exec inspect: %w", err)
	}

	// Non-tty exec output arrives multiplexed; strip the stream headers.
	return ExecResult{Output: stripStreamHeaders(output), ExitCode: inspect.ExitCode}, nil
}

func (d *Docker) ExecStream(ctx context.Context, id string, cmd []string, opts ExecOptions) (*ExecStream, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		User:         opts.User,
		WorkingDir:   opts.WorkingDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          opts.Tty,
		ConsoleSize:  &[2]uint{24, 80},
	}

	execID, err := d.client.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return nil, mapNotFound(fmt.Errorf("exec create: %w", err))
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: opts.Tty})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	out := make(chan []byte, 32)
	go func() {
		defer close(out)
		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return &ExecStream{
		Output: out,
		Resize: func(cols, rows uint16) error {
			return d.client.ContainerExecResize(ctx, execID.ID, container.ResizeOptions{
				Width:  uint(cols),
				Height: uint(rows),
			})
		},
		ExitCode: func(ctx context.Context) (int, error) {
			inspect, err := d.client.ContainerExecInspect(ctx, execID.ID)
			if err != nil {
				return -1, fmt.Errorf("exec inspect: %w", err)
			}
			return inspect.ExitCode, nil
		},
		Close: func() error {
			resp.Close()
			return nil
		},
	}, nil
}

func (d *Docker) Stats(ctx context.Context, id string) (*UsageSnapshot, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	resp, err := d.client.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, mapNotFound(err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	snap := &UsageSnapshot{
		CPUDelta:    int64(stats.CPUStats.CPUUsage.TotalUsage) - int64(stats.PreCPUStats.CPUUsage.TotalUsage),
		SystemDelta: int64(stats.CPUStats.SystemUsage) - int64(stats.PreCPUStats.SystemUsage),
		OnlineCPUs:  stats.CPUStats.OnlineCPUs,
		MemoryUsage: stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
	}
	for _, n := range stats.Networks {
		snap.NetworkRx += n.RxBytes
		snap.NetworkTx += n.TxBytes
	}
	return snap, nil
}

// stripStreamHeaders removes the engine's multiplexed stream framing:
// [stream_type(1)][0(3)][size(4)][payload].
func stripStreamHeaders(data []byte) string {
	var result strings.Builder
	for len(data) > 0 {
		if len(data) >= 8 && (data[0] == 0 || data[0] == 1 || data[0] == 2) {
			size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
			data = data[8:]
			if size > 0 && size <= len(data) {
				result.Write(data[:size])
				data = data[size:]
			} else {
				result.Write(data)
				break
			}
		} else {
			result.Write(data)
			break
		}
	}
	return result.String()
}

// Ensure Docker implements Runtime.
var _ Runtime = (*Docker)(nil)
