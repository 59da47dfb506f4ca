// Package provisioner stands up and tears down per-learner lab
// environments: an isolated bridge network carrying one coordinator and
// one broker container, labeled for later discovery and bounded by
// resource ceilings. Create is idempotent per (owner, envKey) and rolls
// back every partially created resource on failure.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/errdefs"
	"github.com/brokerlab/control-plane/internal/logging"
	"github.com/brokerlab/control-plane/internal/metrics"
	"github.com/brokerlab/control-plane/internal/runtime"
	"github.com/brokerlab/control-plane/internal/store"
)

// Container labels used for discovery and orphan sweeping.
const (
	LabelManagedBy = "brokerlab-managed"
	LabelEnvID     = "brokerlab-env"
	LabelOwner     = "brokerlab-owner"
	LabelEnvKey    = "brokerlab-env-key"
	LabelNetwork   = "brokerlab-network"
	LabelService   = "brokerlab-service"

	managedValueLab = "lab"
)

// Status of an environment as reported by Status(), reconciling the store
// record against actual container liveness.
type Status string

const (
	StatusNotFound     Status = "not_found"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Environment is the stored record of one provisioned lab cluster.
type Environment struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id"`
	EnvKey      string            `json:"env_key"`
	NetworkName string            `json:"network_name"`
	Containers  map[string]string `json:"containers"` // role -> container id
	CreatedAt   time.Time         `json:"created_at"`
	Status      string            `json:"status"`
}

type TopicSpec struct {
	Name       string `json:"name"`
	Partitions int    `json:"partitions"`
}

type TopicResult struct {
	Topic   string `json:"topic"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

type ServiceMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
}

// Store is the slice of the state store the provisioner depends on.
type Store interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error)
	RefreshLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, token string) (bool, error)
}

// AuditSink receives durable audit events. Satisfied by database.Auditor.
type AuditSink interface {
	Record(ownerID, eventType, resource, decision, details string)
}

type Config struct {
	NetworkPrefix     string
	BrokerImage       string
	CoordinatorImage  string
	BrokerMemory      int64
	CoordinatorMemory int64
	BrokerCPUShares   int64
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
	LabTTL            time.Duration
	LockTTL           time.Duration
}

type Provisioner struct {
	rt      runtime.Runtime
	store   Store
	cfg     Config
	metrics *metrics.Collector
	audit   AuditSink
	nowFn   func() time.Time
}

func New(rt runtime.Runtime, st Store, cfg Config) *Provisioner {
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = 2 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	return &Provisioner{rt: rt, store: st, cfg: cfg, nowFn: time.Now}
}

// WithMetrics attaches a collector. Optional.
func (p *Provisioner) WithMetrics(c *metrics.Collector) *Provisioner {
	p.metrics = c
	return p
}

// WithAudit attaches a durable audit sink. Optional.
func (p *Provisioner) WithAudit(a AuditSink) *Provisioner {
	p.audit = a
	return p
}

func (p *Provisioner) record(owner, event, resource, details string) {
	if p.audit != nil {
		p.audit.Record(owner, event, resource, "", details)
	}
}

func lockResource(ownerID, envKey string) string {
	return "lab:" + ownerID + ":" + envKey
}

// holdLock keeps the lock alive while a long operation runs. The TTL only
// guards against crashed holders; provisioning legitimately outlives it
// because the readiness poll may run up to ReadyTimeout. Without the
// periodic extension a concurrent Create would acquire the expired lock
// mid-poll and stand up a second cluster for the same pair.
func (p *Provisioner) holdLock(ctx context.Context, resource, token string) func() {
	interval := p.cfg.LockTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				ok, err := p.store.RefreshLock(ctx, resource, token, p.cfg.LockTTL)
				if err != nil {
					log.Printf("[provisioner] refresh lock %s: %v", resource, err)
					continue
				}
				if !ok {
					log.Printf("[provisioner] lock %s expired mid-operation", resource)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// Create provisions the environment for (ownerID, envKey), or returns the
// existing one unchanged when it is already ready and its broker is still
// alive. Concurrent calls for the same pair are serialized by a store
// lock; losers get ErrBusy and decide for themselves whether to retry.
func (p *Provisioner) Create(ctx context.Context, ownerID, envKey string) (*Environment, error) {
	token, err := p.store.AcquireLock(ctx, lockResource(ownerID, envKey), p.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire provision lock: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("environment %s/%s: %w", ownerID, envKey, errdefs.ErrBusy)
	}
	defer p.store.ReleaseLock(ctx, lockResource(ownerID, envKey), token)
	defer p.holdLock(ctx, lockResource(ownerID, envKey), token)()

	envRecord := store.EnvironmentKey(ownerID, envKey)

	var existing Environment
	if err := p.store.GetJSON(ctx, envRecord, &existing); err == nil {
		running, rerr := p.rt.ContainerRunning(ctx, existing.Containers["broker"])
		if rerr == nil && running {
			return &existing, nil
		}
		// Stale record: the broker vanished behind our back. Clear the
		// remains before provisioning fresh.
		log.Printf("[provisioner] stale environment %s, recreating", existing.ID)
		p.cleanup(ctx, existing.ID, existing.NetworkName)
		p.store.Delete(ctx, envRecord)
		if p.metrics != nil {
			p.metrics.LabsActive.Dec()
		}
	}

	start := p.nowFn()
	envID := fmt.Sprintf("%s-%s-%d", ownerID, envKey, start.UnixMilli())
	networkName := fmt.Sprintf("%s-lab-%s", p.cfg.NetworkPrefix, envID)

	env, err := p.provision(ctx, ownerID, envKey, envID, networkName)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		}
		p.record(ownerID, database.EventLabProvisionFailed, envKey, err.Error())
		return nil, err
	}

	if err := p.store.SetJSON(ctx, envRecord, env, p.cfg.LabTTL); err != nil {
		// The cluster exists but nobody can find it without the record.
		rbErr := p.cleanup(ctx, envID, networkName)
		return nil, &errdefs.ProvisionError{Stage: "persist", Err: err, RollbackErr: rbErr}
	}

	if p.metrics != nil {
		p.metrics.ProvisionsTotal.WithLabelValues("success").Inc()
		p.metrics.ProvisionDuration.Observe(p.nowFn().Sub(start).Seconds())
		p.metrics.LabsActive.Inc()
	}
	p.record(ownerID, database.EventLabProvisioned, envKey, "env="+envID)
	log.Printf("[provisioner] environment %s ready in %s", envID, p.nowFn().Sub(start).Round(time.Millisecond))
	return env, nil
}

func (p *Provisioner) labels(ownerID, envKey, envID, networkName, service string) map[string]string {
	return map[string]string{
		LabelManagedBy: managedValueLab,
		LabelEnvID:     envID,
		LabelOwner:     ownerID,
		LabelEnvKey:    envKey,
		LabelNetwork:   networkName,
		LabelService:   service,
	}
}

func (p *Provisioner) provision(ctx context.Context, ownerID, envKey, envID, networkName string) (*Environment, error) {
	netLabels := map[string]string{
		LabelManagedBy: managedValueLab,
		LabelEnvID:     envID,
		LabelOwner:     ownerID,
		LabelEnvKey:    envKey,
	}
	if err := p.rt.CreateNetwork(ctx, networkName, false, netLabels); err != nil {
		return nil, &errdefs.ProvisionError{Stage: "network", Err: err, RollbackErr: p.cleanup(ctx, envID, networkName)}
	}

	coordinatorName := "coordinator-" + envID
	coordinatorID, err := p.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Name:  coordinatorName,
		Image: p.cfg.CoordinatorImage,
		Env: []string{
			"ZOOKEEPER_CLIENT_PORT=2181",
			"ZOOKEEPER_TICK_TIME=2000",
			"ZOOKEEPER_LOG4J_ROOT_LOGLEVEL=WARN",
		},
		Labels:       p.labels(ownerID, envKey, envID, networkName, "coordinator"),
		Network:      networkName,
		Memory:       p.cfg.CoordinatorMemory,
		CPUShares:    256,
		ExposedPorts: []string{"2181/tcp"},
	})
	if err != nil {
		return nil, &errdefs.ProvisionError{Stage: "coordinator", Err: err, RollbackErr: p.cleanup(ctx, envID, networkName)}
	}

	brokerName := "broker-" + envID
	brokerID, err := p.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Name:  brokerName,
		Image: p.cfg.BrokerImage,
		Env: []string{
			"KAFKA_BROKER_ID=1",
			"KAFKA_ZOOKEEPER_CONNECT=" + coordinatorName + ":2181",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP=PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT",
			fmt.Sprintf("KAFKA_ADVERTISED_LISTENERS=PLAINTEXT://%s:29092,PLAINTEXT_HOST://localhost:9092", brokerName),
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR=1",
			"KAFKA_GROUP_INITIAL_REBALANCE_DELAY_MS=0",
			"KAFKA_LOG4J_ROOT_LOGLEVEL=WARN",
			"KAFKA_TOOLS_LOG4J_LOGLEVEL=ERROR",
		},
		Labels:       p.labels(ownerID, envKey, envID, networkName, "broker"),
		Network:      networkName,
		Memory:       p.cfg.BrokerMemory,
		CPUShares:    p.cfg.BrokerCPUShares,
		ExposedPorts: []string{"9092/tcp", "29092/tcp"},
	})
	if err != nil {
		return nil, &errdefs.ProvisionError{Stage: "broker", Err: err, RollbackErr: p.cleanup(ctx, envID, networkName)}
	}

	if err := p.waitForBroker(ctx, brokerID); err != nil {
		return nil, &errdefs.ProvisionError{Stage: "readiness", Err: err, RollbackErr: p.cleanup(ctx, envID, networkName)}
	}

	return &Environment{
		ID:          envID,
		OwnerID:     ownerID,
		EnvKey:      envKey,
		NetworkName: networkName,
		Containers: map[string]string{
			"coordinator": coordinatorID,
			"broker":      brokerID,
		},
		CreatedAt: p.nowFn(),
		Status:    string(StatusRunning),
	}, nil
}

// waitForBroker polls a lightweight handshake command inside the broker
// until it answers or the hard timeout elapses.
func (p *Provisioner) waitForBroker(ctx context.Context, brokerID string) error {
	deadline := p.nowFn().Add(p.cfg.ReadyTimeout)
	probe := []string{"kafka-broker-api-versions", "--bootstrap-server", "localhost:9092"}

	for p.nowFn().Before(deadline) {
		res, err := p.rt.Exec(ctx, brokerID, probe, runtime.ExecOptions{})
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ReadyPollInterval):
		}
	}
	return fmt.Errorf("broker not ready within %s", p.cfg.ReadyTimeout)
}

// cleanup removes every container labeled with envID, then the network.
// Order-independent: it works on whatever subset actually exists and
// treats not-found as done.
func (p *Provisioner) cleanup(ctx context.Context, envID, networkName string) error {
	var errs []error

	containers, err := p.rt.ListByLabel(ctx, LabelEnvID, envID)
	if err != nil {
		errs = append(errs, fmt.Errorf("list containers: %w", err))
	}
	for _, c := range containers {
		if c.Running {
			if err := p.rt.StopContainer(ctx, c.ID, 5*time.Second); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
				errs = append(errs, fmt.Errorf("stop %s: %w", c.Name, err))
			}
		}
		if err := p.rt.RemoveContainer(ctx, c.ID); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove %s: %w", c.Name, err))
		}
	}

	if networkName != "" {
		if err := p.rt.RemoveNetwork(ctx, networkName); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove network %s: %w", networkName, err))
		}
	}
	return errors.Join(errs...)
}

// EnvStatus couples the reconciled status with the record it was derived
// from, when one exists.
type EnvStatus struct {
	Status      Status       `json:"status"`
	Environment *Environment `json:"environment,omitempty"`
}

// Status reads the store record and cross-checks it against container
// liveness. A record whose broker has vanished reports StatusError, never
// StatusRunning — the store and the engine can disagree after crashes.
func (p *Provisioner) Status(ctx context.Context, ownerID, envKey string) (EnvStatus, error) {
	var env Environment
	err := p.store.GetJSON(ctx, store.EnvironmentKey(ownerID, envKey), &env)
	if errors.Is(err, store.ErrMiss) {
		return EnvStatus{Status: StatusNotFound}, nil
	}
	if err != nil {
		return EnvStatus{}, fmt.Errorf("read environment: %w", err)
	}

	running, err := p.rt.ContainerRunning(ctx, env.Containers["broker"])
	if err != nil {
		// Recorded in the store, unknown to the engine: divergence. A
		// vanished broker is an error, not a stopped one.
		return EnvStatus{Status: StatusError, Environment: &env}, nil
	}
	if !running {
		return EnvStatus{Status: StatusStopped, Environment: &env}, nil
	}
	return EnvStatus{Status: StatusRunning, Environment: &env}, nil
}

func (p *Provisioner) getEnvironment(ctx context.Context, ownerID, envKey string) (*Environment, error) {
	var env Environment
	err := p.store.GetJSON(ctx, store.EnvironmentKey(ownerID, envKey), &env)
	if errors.Is(err, store.ErrMiss) {
		return nil, fmt.Errorf("environment %s/%s: %w", ownerID, envKey, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return &env, nil
}

// CreateTopics runs one creation command per topic inside the broker and
// reports each outcome independently; partial failure is normal and is
// not flattened into a single error.
func (p *Provisioner) CreateTopics(ctx context.Context, ownerID, envKey string, topics []TopicSpec) ([]TopicResult, error) {
	env, err := p.getEnvironment(ctx, ownerID, envKey)
	if err != nil {
		return nil, err
	}
	brokerID := env.Containers["broker"]

	results := make([]TopicResult, 0, len(topics))
	for _, topic := range topics {
		partitions := topic.Partitions
		if partitions <= 0 {
			partitions = 3
		}
		cmd := []string{
			"kafka-topics", "--create",
			"--topic", topic.Name,
			"--partitions", strconv.Itoa(partitions),
			"--replication-factor", "1",
			"--bootstrap-server", "localhost:9092",
		}
		res, err := p.rt.Exec(ctx, brokerID, cmd, runtime.ExecOptions{})
		if err != nil {
			results = append(results, TopicResult{Topic: topic.Name, Success: false, Output: err.Error()})
			continue
		}
		results = append(results, TopicResult{Topic: topic.Name, Success: res.ExitCode == 0, Output: res.Output})
	}
	return results, nil
}

// Execute runs one gate-approved command inside the broker container.
// The caller is responsible for having run the command through the gate.
func (p *Provisioner) Execute(ctx context.Context, ownerID, envKey, command string) (runtime.ExecResult, error) {
	env, err := p.getEnvironment(ctx, ownerID, envKey)
	if err != nil {
		return runtime.ExecResult{ExitCode: -1}, err
	}
	return p.rt.Exec(ctx, env.Containers["broker"], []string{"sh", "-c", command}, runtime.ExecOptions{
		WorkingDir: "/opt/kafka/bin",
	})
}

// Stop tears the environment down: every container tagged with its id,
// then the network, then the store record. Already-gone resources are
// fine; Stop after Stop is a no-op.
func (p *Provisioner) Stop(ctx context.Context, ownerID, envKey string) error {
	token, err := p.store.AcquireLock(ctx, lockResource(ownerID, envKey), p.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire teardown lock: %w", err)
	}
	if token == "" {
		return fmt.Errorf("environment %s/%s: %w", ownerID, envKey, errdefs.ErrBusy)
	}
	defer p.store.ReleaseLock(ctx, lockResource(ownerID, envKey), token)
	// Teardown stops containers with a grace period each and can outlive
	// the lock TTL the same way provisioning does.
	defer p.holdLock(ctx, lockResource(ownerID, envKey), token)()

	env, err := p.getEnvironment(ctx, ownerID, envKey)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.cleanup(ctx, env.ID, env.NetworkName); err != nil {
		return fmt.Errorf("teardown %s: %w", env.ID, err)
	}
	if err := p.store.Delete(ctx, store.EnvironmentKey(ownerID, envKey)); err != nil {
		return fmt.Errorf("clear environment record: %w", err)
	}

	if p.metrics != nil {
		p.metrics.LabsActive.Dec()
	}
	p.record(ownerID, database.EventLabStopped, envKey, "env="+env.ID)
	log.Printf("[provisioner] environment %s stopped", logging.Sanitize(env.ID))
	return nil
}

// Metrics returns a per-service resource snapshot for the environment.
func (p *Provisioner) Metrics(ctx context.Context, ownerID, envKey string) (map[string]ServiceMetrics, error) {
	env, err := p.getEnvironment(ctx, ownerID, envKey)
	if err != nil {
		return nil, err
	}

	out := make(map[string]ServiceMetrics, len(env.Containers))
	for service, id := range env.Containers {
		snap, err := p.rt.Stats(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", service, err)
		}
		out[service] = ServiceMetrics{
			CPUPercent:    runtime.CPUPercent(snap),
			MemoryUsage:   snap.MemoryUsage,
			MemoryLimit:   snap.MemoryLimit,
			MemoryPercent: runtime.MemoryPercent(snap),
			NetworkRx:     snap.NetworkRx,
			NetworkTx:     snap.NetworkTx,
		}
	}
	return out, nil
}
