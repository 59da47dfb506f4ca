package runtime

import (
	"context"
	"time"
)

// Runtime is a thin abstraction over the container engine providing the
// generic primitives the provisioner and workspace manager need. Consumers
// depend on this interface; tests substitute fakes and spies.
type Runtime interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	EnsureImage(ctx context.Context, image string) error

	// Networks
	CreateNetwork(ctx context.Context, name string, internal bool, labels map[string]string) error
	RemoveNetwork(ctx context.Context, name string) error

	// Container lifecycle. CreateContainer creates and starts.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	ContainerRunning(ctx context.Context, id string) (bool, error)
	ListByLabel(ctx context.Context, key, value string) ([]ContainerInfo, error)

	// Exec runs cmd to completion and returns its combined output.
	Exec(ctx context.Context, id string, cmd []string, opts ExecOptions) (ExecResult, error)
	// ExecStream starts cmd attached to a pty and returns a pull-based
	// stream of output chunks.
	ExecStream(ctx context.Context, id string, cmd []string, opts ExecOptions) (*ExecStream, error)

	// Stats returns one resource-usage snapshot for a container.
	Stats(ctx context.Context, id string) (*UsageSnapshot, error)
}

// ContainerSpec describes a container to create and start.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	User       string
	WorkingDir string
	Labels     map[string]string
	Network    string
	Tty        bool
	OpenStdin  bool
	AutoRemove bool

	// Resource ceilings. Zero means engine default.
	Memory    int64 // bytes
	CPUShares int64
	PidsLimit int64

	// Sandbox hardening
	DropAllCaps     bool
	CapAdd          []string
	NoNewPrivileges bool

	// "containerPort/proto" entries to expose on the container
	ExposedPorts []string
	// host:container bind mounts ("/src:/dst:ro")
	Binds []string
}

type ContainerInfo struct {
	ID      string
	Name    string
	Labels  map[string]string
	Running bool
}

type ExecOptions struct {
	User       string
	WorkingDir string
	Tty        bool
}

type ExecResult struct {
	Output   string
	ExitCode int
}

// ExecStream is a running interactive exec. Output delivers chunks in the
// order the process produced them and is closed when the process exits or
// the stream is torn down. ExitCode is valid once Output has closed.
type ExecStream struct {
	Output   <-chan []byte
	Resize   func(cols, rows uint16) error
	ExitCode func(ctx context.Context) (int, error)
	Close    func() error
}

// UsageSnapshot is one point-in-time resource reading with the previous
// CPU counters needed for the delta formula.
type UsageSnapshot struct {
	CPUDelta    int64 // total usage delta vs previous reading
	SystemDelta int64 // system usage delta vs previous reading
	OnlineCPUs  uint32
	MemoryUsage uint64
	MemoryLimit uint64
	NetworkRx   uint64
	NetworkTx   uint64
}
