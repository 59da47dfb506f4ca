package workspace

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/brokerlab/control-plane/internal/auth"
	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/logging"
	"github.com/brokerlab/control-plane/internal/runtime"
	"github.com/brokerlab/control-plane/internal/store"
)

// Session is one terminal connection bound to the owner's workspace
// container. Command submission order equals execution start order: the
// exec is created synchronously, only output pumping runs in the
// background. Concurrent commands from sibling sessions run as separate
// processes in the same container and are not serialized here.
type Session struct {
	ID          string
	OwnerID     string
	WorkspaceID string

	principal   *auth.Principal
	transport   Transport
	mgr         *Manager
	containerID string
	startedAt   time.Time

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
	resize       func(cols, rows uint16) error // most recent exec's pty
	cancels      map[int]context.CancelFunc
	nextExec     int
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		WorkspaceID:  s.WorkspaceID,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) touch(ctx context.Context) {
	s.mu.Lock()
	s.lastActivity = s.mgr.nowFn()
	s.mu.Unlock()
	// Keep the session record alive while the terminal is in use.
	if err := s.mgr.store.Expire(ctx, store.SessionKey(s.ID), s.mgr.cfg.SessionTTL); err != nil {
		log.Printf("[workspace] refresh session %s: %v", s.ID, err)
	}
}

// HandleFrame dispatches one client frame. Unknown types get an error
// frame back; they never terminate the session.
func (s *Session) HandleFrame(ctx context.Context, f Frame) error {
	s.touch(ctx)
	switch f.Type {
	case FrameCommand:
		return s.ExecuteCommand(ctx, f.Command)
	case FrameResize:
		s.Resize(f.Cols, f.Rows)
		return nil
	case FramePing:
		return s.transport.Send(ctx, pongFrame())
	default:
		return s.transport.Send(ctx, errorFrame(fmt.Sprintf("unknown message type %q", f.Type)))
	}
}

// ExecuteCommand records the command, runs it through the gate, and on
// approval execs it in the workspace container attached to a pty,
// streaming output chunks as they arrive. Denials and per-command
// failures are reported in-band; the returned error is reserved for
// transport failures.
func (s *Session) ExecuteCommand(ctx context.Context, raw string) error {
	m := s.mgr
	start := m.nowFn()

	// Record before dispatch so denied and crashed commands still audit.
	rec := CommandRecord{
		Command:   raw,
		Timestamp: start,
		Status:    "pending",
		SessionID: s.ID,
	}

	decision := m.gate.Validate(raw, s.principal)
	if !decision.Allowed {
		rec.Decision = "denied"
		rec.Status = "denied"
		m.pushHistory(ctx, s.OwnerID, rec)
		if m.metrics != nil {
			m.metrics.CommandsTotal.WithLabelValues("denied").Inc()
		}
		m.record(s.OwnerID, database.EventCommandValidated, s.ID, "denied", logging.Sanitize(raw))
		return s.transport.Send(ctx, errorFrame(decision.Reason))
	}
	rec.Decision = "allowed"
	m.pushHistory(ctx, s.OwnerID, rec)
	if m.metrics != nil {
		m.metrics.CommandsTotal.WithLabelValues("allowed").Inc()
	}
	m.record(s.OwnerID, database.EventCommandExecuted, s.ID, "allowed", logging.Sanitize(raw))

	// Never exec into a container whose teardown may have started.
	running, err := m.rt.ContainerRunning(ctx, s.containerID)
	if err != nil || !running {
		rec.Status = "failed"
		m.pushHistory(ctx, s.OwnerID, rec)
		return s.transport.Send(ctx, errorFrame("workspace is not available, reconnect to start a new one"))
	}

	execCtx, cancel := context.WithCancel(context.Background())
	stream, err := m.rt.ExecStream(execCtx, s.containerID, []string{"sh", "-c", raw}, runtime.ExecOptions{
		User:       m.cfg.User,
		WorkingDir: m.cfg.WorkDir,
		Tty:        true,
	})
	if err != nil {
		cancel()
		rec.Status = "failed"
		m.pushHistory(ctx, s.OwnerID, rec)
		log.Printf("[workspace] exec in %s: %v", s.containerID, err)
		return s.transport.Send(ctx, errorFrame("command could not be started"))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		stream.Close()
		return nil
	}
	execID := s.nextExec
	s.nextExec++
	if s.cancels == nil {
		s.cancels = make(map[int]context.CancelFunc)
	}
	s.cancels[execID] = cancel
	s.resize = stream.Resize
	s.mu.Unlock()

	go s.pump(execCtx, execID, stream, rec, start)
	return nil
}

// pump forwards output chunks in process order, then reports the exit
// code and finalizes the history record.
func (s *Session) pump(ctx context.Context, execID int, stream *runtime.ExecStream, rec CommandRecord, start time.Time) {
	m := s.mgr
	defer func() {
		stream.Close()
		s.mu.Lock()
		delete(s.cancels, execID)
		s.mu.Unlock()
	}()

	for chunk := range stream.Output {
		if err := s.transport.Send(ctx, outputFrame(chunk)); err != nil {
			return // transport gone; exec context cancellation stops the pump
		}
	}

	code, err := stream.ExitCode(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[workspace] exit code for session %s: %v", s.ID, err)
		}
		return
	}

	if code == 0 {
		rec.Status = "success"
	} else {
		rec.Status = "failed"
	}
	rec.ExitCode = &code
	m.pushHistory(ctx, s.OwnerID, rec)
	if m.metrics != nil {
		m.metrics.CommandDuration.Observe(m.nowFn().Sub(start).Seconds())
	}
	if err := s.transport.Send(ctx, exitFrame(code)); err != nil {
		log.Printf("[workspace] deliver exit frame for session %s: %v", s.ID, err)
	}
}

// Resize forwards the terminal geometry to the most recent exec's pty.
// Before any command has run there is nothing to resize.
func (s *Session) Resize(cols, rows uint16) {
	s.mu.Lock()
	resize := s.resize
	s.mu.Unlock()
	if resize == nil {
		return
	}
	if err := resize(cols, rows); err != nil {
		log.Printf("[workspace] resize session %s: %v", s.ID, err)
	}
}

// cancelExecs stops output forwarding for every in-flight exec. The
// underlying processes may run a little longer; nothing is delivered.
func (s *Session) cancelExecs() {
	s.mu.Lock()
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
