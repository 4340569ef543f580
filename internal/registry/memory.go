package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"yqhp/cluster-registry/pkg/types"
	"yqhp/cluster-registry/pkg/utils"
)

type memoryNode struct {
	data  string
	ctime time.Time
	owner *MemoryClient
}

// memoryStore is the state shared by every session of a MemoryClient.
type memoryStore struct {
	// Node storage
	nodes map[string]*memoryNode
	dead  map[string]struct{}
	mu    sync.RWMutex

	// Event subscribers
	subscribers []*memorySubscription
	subMu       sync.RWMutex

	locks  map[string]chan struct{}
	lockMu sync.Mutex
}

// MemoryClient implements Client in process memory. It backs standalone mode
// and tests; session expiry and connection loss are driven by hand. Each
// client is one session; NewSession opens another over the same store.
type MemoryClient struct {
	*memoryStore

	keys     Keys
	now      func() time.Time
	lockWait time.Duration

	stateListeners []func(types.ConnectionState)
	stateMu        sync.RWMutex

	closed atomic.Bool
}

// MemoryOption configures a MemoryClient.
type MemoryOption func(*MemoryClient)

// WithClock sets the clock used for registration creation times.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryClient) { c.now = now }
}

// WithLockWait bounds how long AcquireLock waits; zero waits for ctx only.
func WithLockWait(d time.Duration) MemoryOption {
	return func(c *MemoryClient) { c.lockWait = d }
}

// NewMemoryClient creates an empty in-memory registry under namespace.
func NewMemoryClient(namespace string, opts ...MemoryOption) *MemoryClient {
	c := &MemoryClient{
		memoryStore: &memoryStore{
			nodes: make(map[string]*memoryNode),
			dead:  make(map[string]struct{}),
			locks: make(map[string]chan struct{}),
		},
		keys: NewKeys(namespace),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewSession opens another session over the same store, as a second process
// connected to the same registry would.
func (c *MemoryClient) NewSession() *MemoryClient {
	return &MemoryClient{
		memoryStore: c.memoryStore,
		keys:        c.keys,
		now:         c.now,
		lockWait:    c.lockWait,
	}
}

func (c *MemoryClient) Keys() Keys {
	return c.keys
}

// AcquireLock implements Client.
func (c *MemoryClient) AcquireLock(ctx context.Context, path string) (Lock, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.lockMu.Lock()
	ch, ok := c.locks[path]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[path] = ch
	}
	c.lockMu.Unlock()

	waitCtx := ctx
	if c.lockWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.lockWait)
		defer cancel()
	}

	select {
	case ch <- struct{}{}:
		return &memoryLock{path: path, ch: ch}, nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
	}
}

// IsLocked reports whether the lock at path is currently held.
func (c *MemoryClient) IsLocked(path string) bool {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	ch, ok := c.locks[path]
	return ok && len(ch) == 1
}

// PersistEphemeral implements Client. Rewriting a key this session created
// keeps its creation time. A key left by another session is removed and
// created again.
func (c *MemoryClient) PersistEphemeral(ctx context.Context, key, value string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctime := c.now()
	if node, exists := c.nodes[key]; exists {
		if node.owner == c {
			node.data = value
			return nil
		}
		delete(c.nodes, key)
		c.notifyEvent(Event{Type: EventRemoved, Path: key})
		if !ctime.After(node.ctime) {
			ctime = node.ctime.Add(time.Millisecond)
		}
	}
	c.nodes[key] = &memoryNode{data: value, ctime: ctime, owner: c}

	c.notifyEvent(Event{Type: EventAdded, Path: key})
	return nil
}

// Remove implements Client. Removing a missing key is not an error.
func (c *MemoryClient) Remove(ctx context.Context, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.remove(key)
	return nil
}

// Expire drops key as if its owner's session had expired.
func (c *MemoryClient) Expire(key string) {
	c.remove(key)
}

func (c *MemoryClient) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.nodes[key]; !exists {
		return
	}
	delete(c.nodes, key)

	c.notifyEvent(Event{Type: EventRemoved, Path: key})
}

// CheckNodeExists implements Client.
func (c *MemoryClient) CheckNodeExists(ctx context.Context, host string, nodeType types.NodeType) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.nodes[c.keys.NodePath(nodeType, host)]
	return exists, nil
}

// GetServerList implements Client.
func (c *MemoryClient) GetServerList(ctx context.Context, nodeType types.NodeType) ([]types.Server, error) {
	root := c.keys.NodeTypeRoot(nodeType)

	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]types.Server, 0, len(c.nodes))
	for key, node := range c.nodes {
		if !isDirectChild(root, key) {
			continue
		}
		if server, ok := serverFromRecord(key, node.data, node.ctime); ok {
			result = append(result, server)
		}
	}
	sortServers(result)
	return result, nil
}

// ActiveMasterCount implements Client.
func (c *MemoryClient) ActiveMasterCount(ctx context.Context) (int, error) {
	servers, err := c.GetServerList(ctx, types.NodeTypeMaster)
	if err != nil {
		return 0, err
	}
	return len(servers), nil
}

// Data returns the payload stored at key.
func (c *MemoryClient) Data(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node, ok := c.nodes[key]
	if !ok {
		return "", false
	}
	return node.data, true
}

// Subscribe implements Client.
func (c *MemoryClient) Subscribe(ctx context.Context, rootPath string, listener Listener) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		client: c,
		root:   strings.TrimRight(rootPath, "/"),
		d:      newDispatcher(listener),
	}

	c.subMu.Lock()
	c.subscribers = append(c.subscribers, sub)
	c.subMu.Unlock()

	// Clean up when context is done
	utils.SafeGoWithName("registry-memory-unsubscribe", func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.d.done():
		}
	})

	return sub, nil
}

// notifyEvent sends an event to all subscribers whose root contains it.
func (c *MemoryClient) notifyEvent(event Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscribers {
		if strings.HasPrefix(event.Path, sub.root+"/") {
			sub.d.push(event)
		}
	}
}

func (c *MemoryClient) removeSubscriber(sub *memorySubscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for i, s := range c.subscribers {
		if s == sub {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			break
		}
	}
}

// GetHostByEventDataPath implements Client.
func (c *MemoryClient) GetHostByEventDataPath(path string) string {
	return HostFromPath(path)
}

// HandleDeadServer implements Client.
func (c *MemoryClient) HandleDeadServer(ctx context.Context, paths []string, nodeType types.NodeType, op DeadServerOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, path := range paths {
		host := HostFromPath(path)
		if host == "" {
			continue
		}
		member := deadServerMember(nodeType, host)
		switch op {
		case DeadServerAdd:
			c.dead[member] = struct{}{}
		case DeadServerDelete:
			delete(c.dead, member)
		}
	}
	return nil
}

// IsDeadServer implements Client.
func (c *MemoryClient) IsDeadServer(ctx context.Context, path string, nodeType types.NodeType) (bool, error) {
	host := HostFromPath(path)
	if host == "" {
		return false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, dead := c.dead[deadServerMember(nodeType, host)]
	return dead, nil
}

// AddConnectionStateListener implements Client.
func (c *MemoryClient) AddConnectionStateListener(listener func(types.ConnectionState)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateListeners = append(c.stateListeners, listener)
}

// SetConnectionState reports state to every connection listener, in registration order.
func (c *MemoryClient) SetConnectionState(state types.ConnectionState) {
	c.stateMu.RLock()
	listeners := append([]func(types.ConnectionState){}, c.stateListeners...)
	c.stateMu.RUnlock()

	for _, l := range listeners {
		l(state)
	}
}

// Close implements Client. It ends this session's subscriptions; stored nodes
// are left in place.
func (c *MemoryClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.subMu.Lock()
	var subs []*memorySubscription
	kept := c.subscribers[:0]
	for _, sub := range c.subscribers {
		if sub.client == c {
			subs = append(subs, sub)
		} else {
			kept = append(kept, sub)
		}
	}
	c.subscribers = kept
	c.subMu.Unlock()

	for _, sub := range subs {
		sub.d.close()
	}
	return nil
}

type memorySubscription struct {
	client *MemoryClient
	root   string
	d      *dispatcher
	once   sync.Once
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.removeSubscriber(s)
		s.d.close()
	})
}

type memoryLock struct {
	path string
	ch   chan struct{}
	once sync.Once
}

func (l *memoryLock) Path() string {
	return l.path
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.once.Do(func() { <-l.ch })
	return nil
}
