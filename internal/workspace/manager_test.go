package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/brokerlab/control-plane/internal/auth"
	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/errdefs"
	"github.com/brokerlab/control-plane/internal/metrics"
	"github.com/brokerlab/control-plane/internal/runtime"
	"github.com/brokerlab/control-plane/internal/secgate"
	"github.com/brokerlab/control-plane/internal/store"
)

// fakeRuntime records container operations and serves scripted execs.
type fakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	networks   map[string]bool

	execStarted  int
	execOutput   [][]byte
	execExitCode int
	createDelay  time.Duration
}

type fakeContainer struct {
	id      string
	name    string
	labels  map[string]string
	running bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]bool),
	}
}

func (f *fakeRuntime) Initialize(ctx context.Context) error                { return nil }
func (f *fakeRuntime) IsAvailable(ctx context.Context) bool                { return true }
func (f *fakeRuntime) BackendName() string                                 { return "fake" }
func (f *fakeRuntime) EnsureImage(ctx context.Context, image string) error { return nil }

func (f *fakeRuntime) CreateNetwork(ctx context.Context, name string, internal bool, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *fakeRuntime) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.networks[name] {
		return fmt.Errorf("network %s: %w", name, errdefs.ErrNotFound)
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	delay := f.createDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = &fakeContainer{id: id, name: spec.Name, labels: spec.Labels, running: true}
	return id, nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errdefs.ErrNotFound
	}
	c.running = false
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return errdefs.ErrNotFound
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) ContainerRunning(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return false, errdefs.ErrNotFound
	}
	return c.running, nil
}

func (f *fakeRuntime) ListByLabel(ctx context.Context, key, value string) ([]runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerInfo
	for _, c := range f.containers {
		if c.labels[key] == value {
			out = append(out, runtime.ContainerInfo{ID: c.id, Name: c.name, Labels: c.labels, Running: c.running})
		}
	}
	return out, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, cmd []string, opts runtime.ExecOptions) (runtime.ExecResult, error) {
	return runtime.ExecResult{ExitCode: 0}, nil
}

// ExecStream delivers the scripted output chunks then closes.
func (f *fakeRuntime) ExecStream(ctx context.Context, id string, cmd []string, opts runtime.ExecOptions) (*runtime.ExecStream, error) {
	f.mu.Lock()
	f.execStarted++
	chunks := f.execOutput
	code := f.execExitCode
	f.mu.Unlock()

	out := make(chan []byte, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return &runtime.ExecStream{
		Output: out,
		Resize: func(cols, rows uint16) error { return nil },
		ExitCode: func(ctx context.Context) (int, error) {
			return code, nil
		},
		Close: func() error { return nil },
	}, nil
}

func (f *fakeRuntime) Stats(ctx context.Context, id string) (*runtime.UsageSnapshot, error) {
	return &runtime.UsageSnapshot{}, nil
}

func (f *fakeRuntime) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execStarted
}

func (f *fakeRuntime) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// fakeStore is an in-memory Store with working locks and capped lists.
// With honorTTL set the locks expire like their Redis counterparts.
type fakeStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	lists    map[string][]string
	locks    map[string]fakeLock
	honorTTL bool
	nextTok  int
}

type fakeLock struct {
	token  string
	expiry time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data:  make(map[string][]byte),
		lists: make(map[string][]string),
		locks: make(map[string]fakeLock),
	}
}

func (s *fakeStore) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.data[key] = b
	return nil
}

func (s *fakeStore) GetJSON(ctx context.Context, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	if !ok {
		return store.ErrMiss
	}
	return json.Unmarshal(b, v)
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	delete(s.lists, key)
	return nil
}

func (s *fakeStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (s *fakeStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, held := s.locks[resource]; held {
		if !s.honorTTL || time.Now().Before(l.expiry) {
			return "", nil
		}
	}
	s.nextTok++
	token := fmt.Sprintf("tok-%d", s.nextTok)
	s.locks[resource] = fakeLock{token: token, expiry: time.Now().Add(ttl)}
	return token, nil
}

func (s *fakeStore) RefreshLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, held := s.locks[resource]
	if !held || l.token != token {
		return false, nil
	}
	if s.honorTTL && !time.Now().Before(l.expiry) {
		return false, nil
	}
	l.expiry = time.Now().Add(ttl)
	s.locks[resource] = l
	return true, nil
}

func (s *fakeStore) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[resource].token != token {
		return false, nil
	}
	delete(s.locks, resource)
	return true, nil
}

func (s *fakeStore) PushCapped(ctx context.Context, key string, v any, max int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.lists[key] = append([]string{string(b)}, s.lists[key]...)
	if int64(len(s.lists[key])) > max {
		s.lists[key] = s.lists[key][:max]
	}
	return nil
}

func (s *fakeStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	if start >= int64(len(list)) {
		return nil, nil
	}
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	return append([]string(nil), list[start:stop+1]...), nil
}

// fakeScheduler captures scheduled reclaims for manual firing.
type fakeScheduler struct {
	mu    sync.Mutex
	jobs  []*fakeJob
}

type fakeJob struct {
	delay    time.Duration
	fn       func()
	canceled bool
}

func (f *fakeScheduler) Schedule(d time.Duration, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &fakeJob{delay: d, fn: fn}
	f.jobs = append(f.jobs, job)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		job.canceled = true
	}
}

// fire runs every pending, uncanceled job once.
func (f *fakeScheduler) fire() {
	f.mu.Lock()
	jobs := f.jobs
	f.jobs = nil
	f.mu.Unlock()
	for _, j := range jobs {
		if !j.canceled {
			j.fn()
		}
	}
}

func (f *fakeScheduler) pending() []*fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeJob
	for _, j := range f.jobs {
		if !j.canceled {
			out = append(out, j)
		}
	}
	return out
}

// recorderTransport collects frames delivered to one session.
type recorderTransport struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recorderTransport) Send(ctx context.Context, f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorderTransport) byType(t string) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Frame
	for _, f := range r.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func testManagerConfig() Config {
	return Config{
		Image:         "brokerlab/workspace:latest",
		NetworkPrefix: "brokerlab",
		Memory:        512 << 20,
		CPUShares:     512,
		PidsLimit:     100,
		User:          "learner",
		WorkDir:       "/home/learner/workspace",
		IdleTimeout:   30 * time.Minute,
		CloseTimeout:  5 * time.Minute,
		LockTTL:       2 * time.Second,
		SessionTTL:    time.Hour,
		HistoryLimit:  1000,
		HistoryTTL:    24 * time.Hour,
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, *fakeStore, *fakeScheduler) {
	t.Helper()
	rt := newFakeRuntime()
	st := newFakeStore()
	sched := &fakeScheduler{}
	gate := secgate.New(secgate.DefaultPolicy())
	return NewManager(rt, st, gate, sched, testManagerConfig()), rt, st, sched
}

func student(id string) *auth.Principal {
	return &auth.Principal{ID: id, Role: auth.RoleStudent}
}

func TestGetOrCreateConcurrentYieldsOneContainer(t *testing.T) {
	m, rt, _, _ := newTestManager(t)

	const callers = 10
	var wg sync.WaitGroup
	refs := make([]*Workspace, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = m.GetOrCreate(context.Background(), "alice")
		}(i)
	}
	wg.Wait()

	for i := range refs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if refs[i].ContainerID != refs[0].ContainerID {
			t.Fatalf("caller %d saw container %s, caller 0 saw %s", i, refs[i].ContainerID, refs[0].ContainerID)
		}
	}
	if rt.containerCount() != 1 {
		t.Errorf("runtime has %d containers, want 1", rt.containerCount())
	}
}

func TestGetOrCreateHoldsLockThroughSlowCreation(t *testing.T) {
	rt := newFakeRuntime()
	rt.createDelay = 200 * time.Millisecond
	st := newFakeStore()
	st.honorTTL = true
	cfg := testManagerConfig()
	cfg.LockTTL = 60 * time.Millisecond
	m := NewManager(rt, st, secgate.New(secgate.DefaultPolicy()), &fakeScheduler{}, cfg)

	done := make(chan struct{})
	var first *Workspace
	var firstErr error
	go func() {
		defer close(done)
		first, firstErr = m.GetOrCreate(context.Background(), "alice")
	}()

	// Contend after the original TTL elapsed, while creation is still
	// in flight.
	time.Sleep(100 * time.Millisecond)
	second, err := m.GetOrCreate(context.Background(), "alice")
	<-done

	if firstErr != nil {
		t.Fatalf("GetOrCreate: %v", firstErr)
	}
	switch {
	case err == nil:
		if second.ContainerID != first.ContainerID {
			t.Errorf("second caller got container %s, winner created %s", second.ContainerID, first.ContainerID)
		}
	case errors.Is(err, errdefs.ErrBusy):
	default:
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if rt.containerCount() != 1 {
		t.Errorf("runtime has %d containers, want 1", rt.containerCount())
	}
}

func TestGetOrCreateReusesLiveAndReplacesDead(t *testing.T) {
	ctx := context.Background()
	m, rt, _, _ := newTestManager(t)

	first, err := m.GetOrCreate(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	again, err := m.GetOrCreate(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if again.ContainerID != first.ContainerID {
		t.Error("live workspace not reused")
	}

	rt.RemoveContainer(ctx, first.ContainerID)
	replaced, err := m.GetOrCreate(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOrCreate after death: %v", err)
	}
	if replaced.ContainerID == first.ContainerID {
		t.Error("dead workspace reference was trusted")
	}
}

func TestStaleRecreateKeepsActiveGaugeSteady(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	st := newFakeStore()
	col := metrics.NewCollector()
	m := NewManager(rt, st, secgate.New(secgate.DefaultPolicy()), &fakeScheduler{}, testManagerConfig()).WithMetrics(col)

	first, err := m.GetOrCreate(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	rt.RemoveContainer(ctx, first.ContainerID)
	if _, err := m.GetOrCreate(ctx, "alice"); err != nil {
		t.Fatalf("GetOrCreate after death: %v", err)
	}

	if got := testutil.ToFloat64(col.WorkspacesActive); got != 1 {
		t.Errorf("active gauge = %v after stale recreate, want 1", got)
	}
}

func TestWorkspaceContainerIsHardened(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	st := newFakeStore()
	var captured runtime.ContainerSpec
	hooked := &specCaptureRuntime{fakeRuntime: rt, captured: &captured}
	m := NewManager(hooked, st, secgate.New(secgate.DefaultPolicy()), &fakeScheduler{}, testManagerConfig())

	if _, err := m.GetOrCreate(ctx, "alice"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !captured.DropAllCaps || !captured.NoNewPrivileges {
		t.Error("capability hardening not applied")
	}
	if captured.User != "learner" {
		t.Errorf("user = %q", captured.User)
	}
	if captured.PidsLimit != 100 {
		t.Errorf("pids limit = %d", captured.PidsLimit)
	}
	if captured.Memory != 512<<20 {
		t.Errorf("memory = %d", captured.Memory)
	}
}

type specCaptureRuntime struct {
	*fakeRuntime
	captured *runtime.ContainerSpec
}

func (s *specCaptureRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	*s.captured = spec
	return s.fakeRuntime.CreateContainer(ctx, spec)
}

func TestDeniedCommandNeverStartsExec(t *testing.T) {
	ctx := context.Background()
	m, rt, _, _ := newTestManager(t)
	tr := &recorderTransport{}

	s, err := m.OpenSession(ctx, student("alice"), tr)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := s.ExecuteCommand(ctx, "rm -rf /"); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}

	if rt.execCount() != 0 {
		t.Fatalf("denied command started %d execs", rt.execCount())
	}
	errFrames := tr.byType(FrameError)
	if len(errFrames) != 1 || errFrames[0].Message == "" {
		t.Fatalf("expected one error frame with a reason, got %+v", errFrames)
	}
	if len(tr.byType(FrameExit)) != 0 {
		t.Error("denied command produced an exit frame")
	}

	hist, err := m.History(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Decision != "denied" || hist[0].Status != "denied" {
		t.Errorf("history = %+v, want one denied record", hist)
	}
}

func TestAllowedCommandStreamsOutputThenExit(t *testing.T) {
	ctx := context.Background()
	m, rt, _, _ := newTestManager(t)
	rt.execOutput = [][]byte{[]byte("total 0\n"), []byte("drwxr-xr-x workspace\n")}
	tr := &recorderTransport{}

	s, err := m.OpenSession(ctx, student("alice"), tr)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := s.ExecuteCommand(ctx, "ls -la"); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}

	// Output pumping is asynchronous; wait for the exit frame.
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.byType(FrameExit)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	outs := tr.byType(FrameOutput)
	if len(outs) != 2 {
		t.Fatalf("got %d output frames, want 2", len(outs))
	}
	if outs[0].Data != "total 0\n" || outs[1].Data != "drwxr-xr-x workspace\n" {
		t.Errorf("output frames out of order: %+v", outs)
	}
	exits := tr.byType(FrameExit)
	if len(exits) != 1 || exits[0].ExitCode == nil || *exits[0].ExitCode != 0 {
		t.Fatalf("exit frames = %+v, want one exit:0", exits)
	}

	deadlineHist := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadlineHist) {
		hist, _ := m.History(ctx, "alice", 10)
		if len(hist) > 0 && hist[0].Status == "success" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("history record never finalized as success")
}

func TestFailedCommandFinalizesAsFailed(t *testing.T) {
	ctx := context.Background()
	m, rt, _, _ := newTestManager(t)
	rt.execExitCode = 2
	tr := &recorderTransport{}

	s, err := m.OpenSession(ctx, student("alice"), tr)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := s.ExecuteCommand(ctx, "cat missing.txt"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hist, _ := m.History(ctx, "alice", 10)
		if len(hist) > 0 && hist[0].Status == "failed" && hist[0].ExitCode != nil && *hist[0].ExitCode == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("history record never finalized as failed with exit code 2")
}

func TestSessionFrameDispatch(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)
	tr := &recorderTransport{}

	s, err := m.OpenSession(ctx, student("alice"), tr)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	ready := tr.byType(FrameReady)
	if len(ready) != 1 || ready[0].SessionID != s.ID {
		t.Fatalf("ready frames = %+v", ready)
	}

	if err := s.HandleFrame(ctx, Frame{Type: FramePing}); err != nil {
		t.Fatal(err)
	}
	if len(tr.byType(FramePong)) != 1 {
		t.Error("ping not answered with pong")
	}

	if err := s.HandleFrame(ctx, Frame{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range tr.byType(FrameError) {
		if f.Message != "" {
			found = true
		}
	}
	if !found {
		t.Error("unknown frame type not reported")
	}
}

func TestIdleReclaimDestroysAfterLastClose(t *testing.T) {
	ctx := context.Background()
	m, rt, _, sched := newTestManager(t)

	s, err := m.OpenSession(ctx, student("alice"), &recorderTransport{})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if rt.containerCount() != 1 {
		t.Fatalf("container count = %d", rt.containerCount())
	}

	m.CloseSession(ctx, s.ID, true)

	jobs := sched.pending()
	if len(jobs) != 1 {
		t.Fatalf("pending reclaims = %d, want 1", len(jobs))
	}
	if jobs[0].delay != 5*time.Minute {
		t.Errorf("explicit close delay = %s, want 5m", jobs[0].delay)
	}

	sched.fire()
	if rt.containerCount() != 0 {
		t.Errorf("workspace not reclaimed, %d containers left", rt.containerCount())
	}
}

func TestAbruptDisconnectUsesLongIdleTimeout(t *testing.T) {
	ctx := context.Background()
	m, _, _, sched := newTestManager(t)

	s, err := m.OpenSession(ctx, student("alice"), &recorderTransport{})
	if err != nil {
		t.Fatal(err)
	}
	m.CloseSession(ctx, s.ID, false)

	jobs := sched.pending()
	if len(jobs) != 1 || jobs[0].delay != 30*time.Minute {
		t.Fatalf("abrupt close reclaim jobs = %+v, want one at 30m", jobs)
	}
}

func TestReclaimCanceledWhenNewSessionOpens(t *testing.T) {
	ctx := context.Background()
	m, rt, _, sched := newTestManager(t)

	s1, err := m.OpenSession(ctx, student("alice"), &recorderTransport{})
	if err != nil {
		t.Fatal(err)
	}
	m.CloseSession(ctx, s1.ID, true)

	// A new tab opens before the timer fires.
	if _, err := m.OpenSession(ctx, student("alice"), &recorderTransport{}); err != nil {
		t.Fatal(err)
	}

	sched.fire()
	if rt.containerCount() != 1 {
		t.Errorf("workspace reclaimed despite open session, %d containers", rt.containerCount())
	}
}

func TestReclaimRaceCheckedAtDestroyTime(t *testing.T) {
	ctx := context.Background()
	m, rt, _, _ := newTestManager(t)

	if _, err := m.OpenSession(ctx, student("alice"), &recorderTransport{}); err != nil {
		t.Fatal(err)
	}
	// A stale timer firing while a session is open must back off.
	if err := m.DestroyWorkspace(ctx, "alice"); err != nil {
		t.Fatalf("DestroyWorkspace: %v", err)
	}
	if rt.containerCount() != 1 {
		t.Error("destroy did not re-check open sessions")
	}
}

func TestDestroyWorkspaceToleratesAbsence(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if err := m.DestroyWorkspace(context.Background(), "ghost"); err != nil {
		t.Fatalf("DestroyWorkspace on missing workspace: %v", err)
	}
}

func TestSecondSessionSharesWorkspace(t *testing.T) {
	ctx := context.Background()
	m, rt, _, _ := newTestManager(t)

	s1, err := m.OpenSession(ctx, student("alice"), &recorderTransport{})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.OpenSession(ctx, student("alice"), &recorderTransport{})
	if err != nil {
		t.Fatal(err)
	}
	if s1.WorkspaceID != s2.WorkspaceID {
		t.Error("two sessions of one owner got different workspaces")
	}
	if rt.containerCount() != 1 {
		t.Errorf("container count = %d, want 1", rt.containerCount())
	}
	if got := len(m.Sessions()); got != 2 {
		t.Errorf("open sessions = %d, want 2", got)
	}
}

func TestSweepOrphansRemovesUnreferencedWorkspaces(t *testing.T) {
	ctx := context.Background()
	m, rt, st, _ := newTestManager(t)

	if _, err := m.GetOrCreate(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetOrCreate(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	// Bob's reference vanished while the container kept running.
	st.Delete(ctx, store.WorkspaceKey("bob"))

	swept, err := m.SweepOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}
	if rt.containerCount() != 1 {
		t.Errorf("container count = %d, want 1", rt.containerCount())
	}
}

// auditSpy collects recorded event types.
type auditSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *auditSpy) Record(ownerID, eventType, resource, decision, details string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventType)
}

func (a *auditSpy) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func TestLifecycleAuditsSharedEventVocabulary(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	st := newFakeStore()
	sched := &fakeScheduler{}
	spy := &auditSpy{}
	m := NewManager(rt, st, secgate.New(secgate.DefaultPolicy()), sched, testManagerConfig()).WithAudit(spy)

	s, err := m.OpenSession(ctx, student("alice"), &recorderTransport{})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := s.ExecuteCommand(ctx, "rm -rf /"); err != nil {
		t.Fatal(err)
	}
	m.CloseSession(ctx, s.ID, true)
	sched.fire()

	want := []string{
		database.EventWorkspaceCreated,
		database.EventSessionOpened,
		database.EventCommandValidated,
		database.EventSessionClosed,
		database.EventWorkspaceReclaimed,
	}
	got := spy.recorded()
	if len(got) != len(want) {
		t.Fatalf("recorded events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEndToEndLearnerScenario(t *testing.T) {
	ctx := context.Background()
	m, rt, _, sched := newTestManager(t)
	rt.execOutput = [][]byte{[]byte("lesson.txt\n")}
	tr := &recorderTransport{}

	s, err := m.OpenSession(ctx, student("learner-a"), tr)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if rt.containerCount() != 1 {
		t.Fatal("workspace not created on session open")
	}

	if err := s.HandleFrame(ctx, Frame{Type: FrameCommand, Command: "ls"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.byType(FrameExit)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(tr.byType(FrameOutput)) == 0 {
		t.Error("allowed command produced no output frames")
	}
	exits := tr.byType(FrameExit)
	if len(exits) != 1 || *exits[0].ExitCode != 0 {
		t.Fatalf("exit frames = %+v", exits)
	}

	if err := s.HandleFrame(ctx, Frame{Type: FrameCommand, Command: "rm -rf /"}); err != nil {
		t.Fatal(err)
	}
	if len(tr.byType(FrameError)) == 0 {
		t.Error("denied command produced no error frame")
	}
	if len(tr.byType(FrameExit)) != 1 {
		t.Error("denied command produced an exit frame")
	}

	m.CloseSession(ctx, s.ID, false)
	sched.fire()
	if rt.containerCount() != 0 {
		t.Errorf("workspace count = %d after idle reclaim, want 0", rt.containerCount())
	}
}
