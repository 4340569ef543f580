package master

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/cluster-registry/internal/config"
	"yqhp/cluster-registry/internal/registry"
	"yqhp/cluster-registry/internal/task"
	"yqhp/cluster-registry/pkg/types"
)

const (
	localMaster  = "10.0.0.1:5678"
	remoteMaster = "10.0.0.2:5678"
	deadWorker   = "10.0.0.5:1234"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeStore is an in-memory ProcessService. It hands out copies, so callers
// only change stored state through Save and Reassign.
type fakeStore struct {
	mu         sync.Mutex
	processes  map[int64]*types.ProcessInstance
	tasks      map[int64]*types.TaskInstance
	saved      []int64
	reassigned []int64
	sweeps     map[types.NodeType]int
	hosts      map[types.NodeType][]string
	panicMsg   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		processes: make(map[int64]*types.ProcessInstance),
		tasks:     make(map[int64]*types.TaskInstance),
		sweeps:    make(map[types.NodeType]int),
		hosts:     make(map[types.NodeType][]string),
	}
}

func (s *fakeStore) addProcess(pi types.ProcessInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[pi.ID] = &pi
}

func (s *fakeStore) addTask(ti types.TaskInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[ti.ID] = &ti
}

func (s *fakeStore) task(id int64) types.TaskInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

func (s *fakeStore) process(id int64) types.ProcessInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.processes[id]
}

func (s *fakeStore) savedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.saved...)
}

func (s *fakeStore) reassignedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.reassigned...)
}

func (s *fakeStore) sweepCount(nodeType types.NodeType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps[nodeType]
}

func (s *fakeStore) maybePanic() {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
}

func needsOwner(state types.ExecutionStatus) bool {
	return slice.Contain(types.NeedFailoverStates, state)
}

func (s *fakeStore) FindTaskInstancesNeedingFailover(ctx context.Context, host string) ([]*types.TaskInstance, error) {
	s.maybePanic()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TaskInstance
	for _, ti := range s.tasks {
		if ti.Host == host && ti.Valid && needsOwner(ti.State) {
			c := *ti
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) FindProcessInstancesNeedingFailover(ctx context.Context, host string) ([]*types.ProcessInstance, error) {
	s.maybePanic()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ProcessInstance
	for _, pi := range s.processes {
		if pi.Host == host && needsOwner(pi.State) {
			c := *pi
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetProcessInstance(ctx context.Context, id int64) (*types.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ok := s.processes[id]
	if !ok {
		return nil, nil
	}
	c := *pi
	return &c, nil
}

func (s *fakeStore) GetValidTaskInstances(ctx context.Context, processInstanceID int64) ([]*types.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TaskInstance
	for _, ti := range s.tasks {
		if ti.ProcessInstanceID == processInstanceID && ti.Valid && !ti.State.IsFinished() {
			c := *ti
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) SaveTaskInstance(ctx context.Context, ti *types.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *ti
	s.tasks[ti.ID] = &c
	s.saved = append(s.saved, ti.ID)
	return nil
}

func (s *fakeStore) ReassignOrphanedProcessInstance(ctx context.Context, pi *types.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.processes[pi.ID]; ok {
		stored.Host = types.NullHost
	}
	pi.Host = types.NullHost
	s.reassigned = append(s.reassigned, pi.ID)
	return nil
}

func (s *fakeStore) FindFailoverHosts(ctx context.Context, nodeType types.NodeType) ([]string, error) {
	s.maybePanic()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps[nodeType]++
	return s.hosts[nodeType], nil
}

type eventSink struct {
	mu     sync.Mutex
	events []types.StateEvent
}

func (e *eventSink) SubmitStateEvent(event types.StateEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventSink) all() []types.StateEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.StateEvent(nil), e.events...)
}

type stopRecorder struct {
	mu     sync.Mutex
	causes []string
}

func (s *stopRecorder) Stop(cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.causes = append(s.causes, cause)
}

func (s *stopRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.causes)
}

type killRecorder struct {
	mu    sync.Mutex
	tasks []int64
}

func (k *killRecorder) KillJob(ctx context.Context, ec *task.ExecutionContext) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tasks = append(k.tasks, ec.TaskInstanceID)
	return nil
}

func (k *killRecorder) killed() []int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]int64(nil), k.tasks...)
}

type fixedMetrics struct {
	m   HostMetrics
	err error
}

func (f fixedMetrics) Collect(context.Context) (HostMetrics, error) {
	return f.m, f.err
}

// countingRegistry counts writes to the registry.
type countingRegistry struct {
	*registry.MemoryClient
	mu       sync.Mutex
	persists map[string]int
}

func (c *countingRegistry) PersistEphemeral(ctx context.Context, key, value string) error {
	c.mu.Lock()
	c.persists[key]++
	c.mu.Unlock()
	return c.MemoryClient.PersistEphemeral(ctx, key, value)
}

func (c *countingRegistry) persistCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persists[key]
}

type harness struct {
	clockMu sync.Mutex
	now     time.Time

	mem     *registry.MemoryClient
	peers   *registry.MemoryClient
	store   *fakeStore
	events  *eventSink
	stopper *stopRecorder
	killer  *killRecorder
	client  *RegistryClient
}

type harnessOption func(*harness, *config.MasterConfig, *Dependencies)

func withRegistry(wrap func(*registry.MemoryClient) registry.Client) harnessOption {
	return func(h *harness, _ *config.MasterConfig, deps *Dependencies) {
		deps.Registry = wrap(h.mem)
	}
}

func withMasterConfig(fn func(*config.MasterConfig)) harnessOption {
	return func(_ *harness, cfg *config.MasterConfig, _ *Dependencies) {
		fn(cfg)
	}
}

func newHarness(opts ...harnessOption) *harness {
	h := &harness{
		now:     t0,
		store:   newFakeStore(),
		events:  &eventSink{},
		stopper: &stopRecorder{},
		killer:  &killRecorder{},
	}
	h.mem = registry.NewMemoryClient("/yqhp",
		registry.WithClock(h.clock),
		registry.WithLockWait(time.Second),
	)
	h.peers = h.mem.NewSession()

	cfg := &config.MasterConfig{
		Host:                      "10.0.0.1",
		ListenPort:                5678,
		HeartbeatInterval:         time.Hour,
		MaxCPULoadAvg:             4,
		ReservedMemory:            0.3,
		RegistrationCheckInterval: 10 * time.Millisecond,
		RegistrationCheckRetries:  3,
	}
	deps := Dependencies{
		Registry: h.mem,
		Store:    h.store,
		Events:   h.events,
		Killer:   h.killer,
		Stopper:  h.stopper,
		Metrics:  fixedMetrics{m: HostMetrics{LoadAverage: 1, AvailableMemory: 8}},
	}
	for _, opt := range opts {
		opt(h, cfg, &deps)
	}
	h.client = NewRegistryClient(cfg, deps)
	return h
}

func (h *harness) clock() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.now
}

func (h *harness) setNow(t time.Time) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.now = t
}

// register creates a registration for address whose creation time is
// createdAt, from a session other than the client's.
func (h *harness) register(nodeType types.NodeType, address string, createdAt time.Time) {
	h.registerFrom(h.peers, nodeType, address, createdAt)
}

func (h *harness) registerFrom(session *registry.MemoryClient, nodeType types.NodeType, address string, createdAt time.Time) {
	prev := h.clock()
	h.setNow(createdAt)
	defer h.setNow(prev)
	_ = session.PersistEphemeral(context.Background(), h.mem.Keys().NodePath(nodeType, address), "")
}
