// Package workspace maintains one long-lived shell sandbox per user and
// binds interactive terminal sessions to it. Workspace containers are
// created lazily on first session, shared by every concurrent session of
// the same owner, and reclaimed after all sessions have been closed for
// longer than the idle timeout.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brokerlab/control-plane/internal/auth"
	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/errdefs"
	"github.com/brokerlab/control-plane/internal/logging"
	"github.com/brokerlab/control-plane/internal/metrics"
	"github.com/brokerlab/control-plane/internal/runtime"
	"github.com/brokerlab/control-plane/internal/secgate"
	"github.com/brokerlab/control-plane/internal/store"
)

// Labels on workspace containers, for discovery and orphan sweeping.
const (
	LabelManagedBy = "brokerlab-managed"
	LabelOwner     = "brokerlab-owner"

	managedValueWorkspace = "workspace"
)

// Workspace is the stored reference to one owner's sandbox container.
type Workspace struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	ContainerID string    `json:"container_id"`
	NetworkName string    `json:"network_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// CommandRecord is one audited command in an owner's capped history.
type CommandRecord struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
	Decision  string    `json:"decision"` // allowed | denied
	Status    string    `json:"status"`   // pending | denied | success | failed
	ExitCode  *int      `json:"exit_code,omitempty"`
	SessionID string    `json:"session_id"`
}

// SessionInfo is the externally visible snapshot of an open session.
type SessionInfo struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	WorkspaceID  string    `json:"workspace_id"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store is the slice of the state store the manager depends on.
type Store interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error)
	RefreshLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, token string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	PushCapped(ctx context.Context, key string, v any, max int64, ttl time.Duration) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// Gate validates commands before execution. Satisfied by secgate.Gate.
type Gate interface {
	Validate(command string, principal *auth.Principal) secgate.Decision
}

// AuditSink receives durable audit events. Satisfied by database.Auditor.
type AuditSink interface {
	Record(ownerID, eventType, resource, decision, details string)
}

type Config struct {
	Image         string
	NetworkPrefix string
	Memory        int64
	CPUShares     int64
	PidsLimit     int64
	User          string
	WorkDir       string
	IdleTimeout   time.Duration // reclaim delay after abrupt disconnect
	CloseTimeout  time.Duration // reclaim delay after explicit close
	LockTTL       time.Duration
	SessionTTL    time.Duration
	HistoryLimit  int64
	HistoryTTL    time.Duration
}

// Manager owns the workspace lifecycle and the set of open sessions in
// this process. Session registration is in-memory; container references,
// session metadata, and history live in the store so other instances can
// see them.
type Manager struct {
	rt      runtime.Runtime
	store   Store
	gate    Gate
	cfg     Config
	sched   Scheduler
	metrics *metrics.Collector
	audit   AuditSink
	nowFn   func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session            // session id -> session
	byOwner  map[string]map[string]*Session // owner id -> session ids
	reclaims map[string]func()              // owner id -> pending reclaim cancel
}

func NewManager(rt runtime.Runtime, st Store, gate Gate, sched Scheduler, cfg Config) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	return &Manager{
		rt:       rt,
		store:    st,
		gate:     gate,
		cfg:      cfg,
		sched:    sched,
		nowFn:    time.Now,
		sessions: make(map[string]*Session),
		byOwner:  make(map[string]map[string]*Session),
		reclaims: make(map[string]func()),
	}
}

func (m *Manager) WithMetrics(c *metrics.Collector) *Manager {
	m.metrics = c
	return m
}

func (m *Manager) WithAudit(a AuditSink) *Manager {
	m.audit = a
	return m
}

func (m *Manager) record(owner, event, resource, decision, details string) {
	if m.audit != nil {
		m.audit.Record(owner, event, resource, decision, details)
	}
}

func workspaceLock(ownerID string) string {
	return "workspace:" + ownerID
}

// acquireWithWait polls the lock for up to one lock TTL. Concurrent
// session opens for one owner all resolve to the same workspace: losers
// wait for the winner instead of failing, within a bounded window.
func (m *Manager) acquireWithWait(ctx context.Context, resource string) (string, error) {
	deadline := m.nowFn().Add(m.cfg.LockTTL)
	for {
		token, err := m.store.AcquireLock(ctx, resource, m.cfg.LockTTL)
		if err != nil {
			return "", fmt.Errorf("acquire workspace lock: %w", err)
		}
		if token != "" {
			return token, nil
		}
		if !m.nowFn().Before(deadline) {
			return "", fmt.Errorf("lock %s: %w", resource, errdefs.ErrBusy)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// holdLock keeps the workspace lock alive while a slow image pull or
// container creation outlives the lock TTL. Without the extension a
// concurrent open would acquire the expired lock and create a second
// container for the same owner.
func (m *Manager) holdLock(ctx context.Context, resource, token string) func() {
	interval := m.cfg.LockTTL / 3
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
				ok, err := m.store.RefreshLock(ctx, resource, token, m.cfg.LockTTL)
				if err != nil {
					log.Printf("[workspace] refresh lock %s: %v", resource, err)
					continue
				}
				if !ok {
					log.Printf("[workspace] lock %s expired mid-operation", resource)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// GetOrCreate returns the owner's workspace, creating it when none exists
// or the stored reference points at a dead container. Serialized per
// owner by a store lock so two simultaneous session opens cannot create
// two containers.
func (m *Manager) GetOrCreate(ctx context.Context, ownerID string) (*Workspace, error) {
	token, err := m.acquireWithWait(ctx, workspaceLock(ownerID))
	if err != nil {
		return nil, err
	}
	defer m.store.ReleaseLock(ctx, workspaceLock(ownerID), token)
	defer m.holdLock(ctx, workspaceLock(ownerID), token)()

	var ws Workspace
	if err := m.store.GetJSON(ctx, store.WorkspaceKey(ownerID), &ws); err == nil {
		running, rerr := m.rt.ContainerRunning(ctx, ws.ContainerID)
		if rerr == nil && running {
			return &ws, nil
		}
		// Stored reference outlived its container. Clear remains first.
		log.Printf("[workspace] stale reference for %s, recreating", logging.Sanitize(ownerID))
		m.removeContainerAndNetwork(ctx, ws.ContainerID, ws.NetworkName)
		m.store.Delete(ctx, store.WorkspaceKey(ownerID))
		if m.metrics != nil {
			m.metrics.WorkspacesActive.Dec()
		}
	}

	created, err := m.createWorkspace(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	// Workspace references do not expire; they live until reclaimed.
	if err := m.store.SetJSON(ctx, store.WorkspaceKey(ownerID), created, 0); err != nil {
		m.removeContainerAndNetwork(ctx, created.ContainerID, created.NetworkName)
		return nil, fmt.Errorf("persist workspace reference: %w", err)
	}

	if m.metrics != nil {
		m.metrics.WorkspacesActive.Inc()
	}
	m.record(ownerID, database.EventWorkspaceCreated, created.ID, "", "container="+created.ContainerID)
	return created, nil
}

func (m *Manager) createWorkspace(ctx context.Context, ownerID string) (*Workspace, error) {
	id := uuid.NewString()
	networkName := fmt.Sprintf("%s-ws-%s", m.cfg.NetworkPrefix, ownerID)

	labels := map[string]string{
		LabelManagedBy: managedValueWorkspace,
		LabelOwner:     ownerID,
	}
	// Internal network: no egress beyond the sandbox's own segment.
	if err := m.rt.CreateNetwork(ctx, networkName, true, labels); err != nil {
		return nil, fmt.Errorf("create workspace network: %w", err)
	}

	containerID, err := m.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Name:  fmt.Sprintf("workspace-%s-%s", ownerID, id[:8]),
		Image: m.cfg.Image,
		Cmd:   []string{"sleep", "infinity"},
		Env: []string{
			"TERM=xterm-256color",
			"HOME=/home/" + m.cfg.User,
		},
		User:            m.cfg.User,
		WorkingDir:      m.cfg.WorkDir,
		Labels:          labels,
		Network:         networkName,
		Memory:          m.cfg.Memory,
		CPUShares:       m.cfg.CPUShares,
		PidsLimit:       m.cfg.PidsLimit,
		DropAllCaps:     true,
		CapAdd:          []string{"CHOWN", "SETUID", "SETGID"},
		NoNewPrivileges: true,
	})
	if err != nil {
		if rerr := m.rt.RemoveNetwork(ctx, networkName); rerr != nil && !errors.Is(rerr, errdefs.ErrNotFound) {
			log.Printf("[workspace] rollback network %s: %v", networkName, rerr)
		}
		return nil, fmt.Errorf("create workspace container: %w", err)
	}

	return &Workspace{
		ID:          id,
		OwnerID:     ownerID,
		ContainerID: containerID,
		NetworkName: networkName,
		CreatedAt:   m.nowFn(),
	}, nil
}

// OpenSession resolves the owner's workspace, registers a session bound
// to the transport, and announces readiness. Any pending idle reclaim for
// the owner is canceled.
func (m *Manager) OpenSession(ctx context.Context, principal *auth.Principal, transport Transport) (*Session, error) {
	ws, err := m.GetOrCreate(ctx, principal.ID)
	if err != nil {
		return nil, err
	}

	now := m.nowFn()
	s := &Session{
		ID:           uuid.NewString(),
		OwnerID:      principal.ID,
		WorkspaceID:  ws.ID,
		containerID:  ws.ContainerID,
		principal:    principal,
		transport:    transport,
		mgr:          m,
		startedAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	if m.byOwner[principal.ID] == nil {
		m.byOwner[principal.ID] = make(map[string]*Session)
	}
	m.byOwner[principal.ID][s.ID] = s
	if cancel, ok := m.reclaims[principal.ID]; ok {
		cancel()
		delete(m.reclaims, principal.ID)
	}
	m.mu.Unlock()

	if err := m.store.SetJSON(ctx, store.SessionKey(s.ID), s.Info(), m.cfg.SessionTTL); err != nil {
		log.Printf("[workspace] persist session %s: %v", s.ID, err)
	}
	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
	m.record(principal.ID, database.EventSessionOpened, s.ID, "", "workspace="+ws.ID)

	if err := transport.Send(ctx, readyFrame(s.ID)); err != nil {
		m.CloseSession(ctx, s.ID, false)
		return nil, fmt.Errorf("announce session: %w", err)
	}
	return s, nil
}

// CloseSession deregisters the session. When it was the owner's last open
// session, an idle-reclaim timer is armed: short after an explicit close,
// long after an abrupt disconnect.
func (m *Manager) CloseSession(ctx context.Context, sessionID string, explicit bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	owner := s.OwnerID
	if peers := m.byOwner[owner]; peers != nil {
		delete(peers, sessionID)
		if len(peers) == 0 {
			delete(m.byOwner, owner)
		}
	}
	last := m.byOwner[owner] == nil
	if last {
		delay := m.cfg.IdleTimeout
		if explicit {
			delay = m.cfg.CloseTimeout
		}
		if prev, ok := m.reclaims[owner]; ok {
			prev()
		}
		m.reclaims[owner] = m.sched.Schedule(delay, func() {
			if err := m.DestroyWorkspace(context.Background(), owner); err != nil {
				log.Printf("[workspace] idle reclaim for %s: %v", logging.Sanitize(owner), err)
			}
		})
	}
	m.mu.Unlock()

	s.cancelExecs()
	if err := m.store.Delete(ctx, store.SessionKey(sessionID)); err != nil {
		log.Printf("[workspace] clear session %s: %v", sessionID, err)
	}
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}
	m.record(owner, database.EventSessionClosed, sessionID, "", fmt.Sprintf("explicit=%t last=%t", explicit, last))
}

// DestroyWorkspace stops and removes the owner's workspace container and
// network and clears the stored reference. It re-checks for open sessions
// right before destruction and backs off when one appeared; also a no-op
// when nothing is left to destroy.
func (m *Manager) DestroyWorkspace(ctx context.Context, ownerID string) error {
	token, err := m.store.AcquireLock(ctx, workspaceLock(ownerID), m.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire workspace lock: %w", err)
	}
	if token == "" {
		return fmt.Errorf("workspace for %s: %w", ownerID, errdefs.ErrBusy)
	}
	defer m.store.ReleaseLock(ctx, workspaceLock(ownerID), token)

	m.mu.Lock()
	if len(m.byOwner[ownerID]) > 0 {
		m.mu.Unlock()
		return nil // a new session opened; reclaim canceled by race check
	}
	delete(m.reclaims, ownerID)
	m.mu.Unlock()

	var ws Workspace
	err = m.store.GetJSON(ctx, store.WorkspaceKey(ownerID), &ws)
	if errors.Is(err, store.ErrMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read workspace reference: %w", err)
	}

	if err := m.removeContainerAndNetwork(ctx, ws.ContainerID, ws.NetworkName); err != nil {
		return fmt.Errorf("destroy workspace %s: %w", ws.ID, err)
	}
	if err := m.store.Delete(ctx, store.WorkspaceKey(ownerID)); err != nil {
		return fmt.Errorf("clear workspace reference: %w", err)
	}

	if m.metrics != nil {
		m.metrics.WorkspacesActive.Dec()
		m.metrics.WorkspacesReclaimed.Inc()
	}
	m.record(ownerID, database.EventWorkspaceReclaimed, ws.ID, "", "container="+ws.ContainerID)
	log.Printf("[workspace] reclaimed workspace for %s", logging.Sanitize(ownerID))
	return nil
}

func (m *Manager) removeContainerAndNetwork(ctx context.Context, containerID, networkName string) error {
	var errs []error
	if containerID != "" {
		if err := m.rt.StopContainer(ctx, containerID, 5*time.Second); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			errs = append(errs, fmt.Errorf("stop container: %w", err))
		}
		if err := m.rt.RemoveContainer(ctx, containerID); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove container: %w", err))
		}
	}
	if networkName != "" {
		if err := m.rt.RemoveNetwork(ctx, networkName); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove network: %w", err))
		}
	}
	return errors.Join(errs...)
}

// History returns the owner's most recent command records, newest first.
func (m *Manager) History(ctx context.Context, ownerID string, limit int64) ([]CommandRecord, error) {
	if limit <= 0 || limit > m.cfg.HistoryLimit {
		limit = m.cfg.HistoryLimit
	}
	raw, err := m.store.ListRange(ctx, store.HistoryKey(ownerID), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("read command history: %w", err)
	}
	records := make([]CommandRecord, 0, len(raw))
	for _, entry := range raw {
		var rec CommandRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			continue // skip unreadable entries rather than failing the page
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *Manager) pushHistory(ctx context.Context, ownerID string, rec CommandRecord) {
	if err := m.store.PushCapped(ctx, store.HistoryKey(ownerID), rec, m.cfg.HistoryLimit, m.cfg.HistoryTTL); err != nil {
		log.Printf("[workspace] append history for %s: %v", logging.Sanitize(ownerID), err)
	}
}

// Sessions snapshots every open session in this process.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// SweepOrphans removes workspace containers whose stored reference has
// been cleared while the containers kept running. Cron-scheduled.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	containers, err := m.rt.ListByLabel(ctx, LabelManagedBy, managedValueWorkspace)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, c := range containers {
		owner := c.Labels[LabelOwner]
		if owner != "" {
			var ws Workspace
			if err := m.store.GetJSON(ctx, store.WorkspaceKey(owner), &ws); err == nil && ws.ContainerID == c.ID {
				continue
			}
		}
		if err := m.removeContainerAndNetwork(ctx, c.ID, ""); err != nil {
			log.Printf("[workspace] sweep %s: %v", c.Name, err)
			continue
		}
		m.record(owner, database.EventOrphanSwept, c.ID, "", "workspace container")
		swept++
	}
	return swept, nil
}
