package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/cluster-registry/pkg/types"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestMemoryClientPersistKeepsCreateTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewMemoryClient("/yqhp", WithClock(func() time.Time { return now }))
	ctx := context.Background()
	key := c.Keys().NodePath(types.NodeTypeWorker, "10.0.0.5:1234")

	require.NoError(t, c.PersistEphemeral(ctx, key, `{"reportTime":1700000000000}`))
	now = now.Add(time.Minute)
	require.NoError(t, c.PersistEphemeral(ctx, key, `{"reportTime":1700000060000}`))

	servers, err := c.GetServerList(ctx, types.NodeTypeWorker)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "10.0.0.5", servers[0].Host)
	assert.Equal(t, 1234, servers[0].Port)
	assert.Equal(t, time.Unix(1_700_000_000, 0), servers[0].CreateTime)
	require.NotNil(t, servers[0].HeartbeatInfo)
	assert.Equal(t, time.UnixMilli(1_700_000_060_000), servers[0].LastHeartbeatTime)

	data, ok := c.Data(key)
	assert.True(t, ok)
	assert.Contains(t, data, "1700000060000")
}

func TestMemoryClientNewSessionReplacesStaleRecord(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	crashed := NewMemoryClient("/yqhp", WithClock(func() time.Time { return now }))
	restarted := crashed.NewSession()
	observer := crashed.NewSession()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := crashed.Keys().NodePath(types.NodeTypeWorker, "10.0.0.5:1234")

	rec := &eventRecorder{}
	_, err := observer.Subscribe(ctx, crashed.Keys().NodesRoot(), rec.listen)
	require.NoError(t, err)

	require.NoError(t, crashed.PersistEphemeral(ctx, key, "old"))
	now = now.Add(10 * time.Minute)
	require.NoError(t, restarted.PersistEphemeral(ctx, key, "new"))

	servers, err := observer.GetServerList(ctx, types.NodeTypeWorker)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, now, servers[0].CreateTime)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Event{
		{Type: EventAdded, Path: key},
		{Type: EventRemoved, Path: key},
		{Type: EventAdded, Path: key},
	}, rec.snapshot())

	// closing one session leaves the others subscribed
	require.NoError(t, restarted.Close())
	require.NoError(t, observer.Remove(ctx, key))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
}

func TestMemoryClientReplacedRecordIsAlwaysNewer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := NewMemoryClient("/yqhp", WithClock(func() time.Time { return now }))
	b := a.NewSession()
	ctx := context.Background()
	key := a.Keys().NodePath(types.NodeTypeMaster, "10.0.0.1:5678")

	require.NoError(t, a.PersistEphemeral(ctx, key, ""))
	require.NoError(t, b.PersistEphemeral(ctx, key, ""))

	servers, err := b.GetServerList(ctx, types.NodeTypeMaster)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.True(t, servers[0].CreateTime.After(now))
}

func TestMemoryClientMembership(t *testing.T) {
	c := NewMemoryClient("/yqhp")
	ctx := context.Background()
	keys := c.Keys()

	require.NoError(t, c.PersistEphemeral(ctx, keys.NodePath(types.NodeTypeMaster, "10.0.0.1:5678"), ""))
	require.NoError(t, c.PersistEphemeral(ctx, keys.NodePath(types.NodeTypeMaster, "10.0.0.2:5678"), ""))
	require.NoError(t, c.PersistEphemeral(ctx, keys.NodePath(types.NodeTypeWorker, "10.0.0.3:1234"), ""))

	count, err := c.ActiveMasterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	exists, err := c.CheckNodeExists(ctx, "10.0.0.3:1234", types.NodeTypeWorker)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.CheckNodeExists(ctx, "10.0.0.3:1234", types.NodeTypeMaster)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.Remove(ctx, keys.NodePath(types.NodeTypeMaster, "10.0.0.1:5678")))
	masters, err := c.GetServerList(ctx, types.NodeTypeMaster)
	require.NoError(t, err)
	require.Len(t, masters, 1)
	assert.Equal(t, "10.0.0.2:5678", masters[0].Address())
}

func TestMemoryClientSubscribe(t *testing.T) {
	c := NewMemoryClient("/yqhp")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys := c.Keys()

	rec := &eventRecorder{}
	sub, err := c.Subscribe(ctx, keys.NodesRoot(), rec.listen)
	require.NoError(t, err)

	worker := keys.NodePath(types.NodeTypeWorker, "10.0.0.3:1234")
	require.NoError(t, c.PersistEphemeral(ctx, worker, ""))
	require.NoError(t, c.PersistEphemeral(ctx, worker, "again"))
	c.Expire(worker)
	// outside the subscribed root
	require.NoError(t, c.HandleDeadServer(ctx, []string{worker}, types.NodeTypeWorker, DeadServerAdd))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Event{
		{Type: EventAdded, Path: worker},
		{Type: EventRemoved, Path: worker},
	}, rec.snapshot())

	sub.Unsubscribe()
	require.NoError(t, c.PersistEphemeral(ctx, worker, ""))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 2)
}

func TestMemoryClientSubscriptionEndsWithContext(t *testing.T) {
	c := NewMemoryClient("/yqhp")
	ctx, cancel := context.WithCancel(context.Background())
	keys := c.Keys()

	rec := &eventRecorder{}
	_, err := c.Subscribe(ctx, keys.NodesRoot(), rec.listen)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		c.subMu.RLock()
		defer c.subMu.RUnlock()
		return len(c.subscribers) == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, c.PersistEphemeral(context.Background(), keys.NodePath(types.NodeTypeWorker, "10.0.0.3:1234"), ""))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestMemoryClientListenerPanicDoesNotStopDelivery(t *testing.T) {
	c := NewMemoryClient("/yqhp")
	ctx := context.Background()
	keys := c.Keys()

	rec := &eventRecorder{}
	_, err := c.Subscribe(ctx, keys.NodesRoot(), func(ev Event) {
		rec.listen(ev)
		if ev.Type == EventAdded {
			panic("listener failure")
		}
	})
	require.NoError(t, err)

	path := keys.NodePath(types.NodeTypeMaster, "10.0.0.9:5678")
	require.NoError(t, c.PersistEphemeral(ctx, path, ""))
	require.NoError(t, c.Remove(ctx, path))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestMemoryClientDeadServers(t *testing.T) {
	c := NewMemoryClient("/yqhp")
	ctx := context.Background()
	path := c.Keys().NodePath(types.NodeTypeWorker, "10.0.0.3:1234")

	dead, err := c.IsDeadServer(ctx, path, types.NodeTypeWorker)
	require.NoError(t, err)
	assert.False(t, dead)

	require.NoError(t, c.HandleDeadServer(ctx, []string{path, "bogus"}, types.NodeTypeWorker, DeadServerAdd))
	dead, _ = c.IsDeadServer(ctx, path, types.NodeTypeWorker)
	assert.True(t, dead)
	dead, _ = c.IsDeadServer(ctx, path, types.NodeTypeMaster)
	assert.False(t, dead)

	require.NoError(t, c.HandleDeadServer(ctx, []string{path}, types.NodeTypeWorker, DeadServerDelete))
	dead, _ = c.IsDeadServer(ctx, path, types.NodeTypeWorker)
	assert.False(t, dead)
}

func TestMemoryClientLockTimeout(t *testing.T) {
	c := NewMemoryClient("/yqhp", WithLockWait(30*time.Millisecond))
	ctx := context.Background()
	path := c.Keys().FailoverLock(types.NodeTypeWorker)

	lock, err := c.AcquireLock(ctx, path)
	require.NoError(t, err)
	assert.True(t, c.IsLocked(path))

	_, err = c.AcquireLock(ctx, path)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))
	assert.False(t, c.IsLocked(path))

	again, err := c.AcquireLock(ctx, path)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryClientLockHonoursContext(t *testing.T) {
	c := NewMemoryClient("/yqhp")
	path := c.Keys().StartupLock()

	lock, err := c.AcquireLock(context.Background(), path)
	require.NoError(t, err)
	defer lock.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.AcquireLock(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithLockReleasesOnEveryExit(t *testing.T) {
	c := NewMemoryClient("/yqhp", WithLockWait(50*time.Millisecond))
	ctx := context.Background()
	path := c.Keys().StartupLock()

	err := WithLock(ctx, c, path, func(ctx context.Context) error {
		assert.True(t, c.IsLocked(path))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, c.IsLocked(path))

	errBoom := errors.New("boom")
	err = WithLock(ctx, c, path, func(ctx context.Context) error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, c.IsLocked(path))

	assert.Panics(t, func() {
		_ = WithLock(ctx, c, path, func(ctx context.Context) error { panic("boom") })
	})
	assert.False(t, c.IsLocked(path))
}

func TestMemoryClientConnectionListeners(t *testing.T) {
	c := NewMemoryClient("/yqhp")
	var got []types.ConnectionState
	c.AddConnectionStateListener(func(s types.ConnectionState) { got = append(got, s) })
	c.AddConnectionStateListener(func(s types.ConnectionState) { got = append(got, s+"!") })

	c.SetConnectionState(types.ConnectionStateSuspended)
	assert.Equal(t, []types.ConnectionState{"SUSPENDED", "SUSPENDED!"}, got)
}

func TestMemoryClientClosed(t *testing.T) {
	c := NewMemoryClient("/yqhp")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	ctx := context.Background()
	assert.ErrorIs(t, c.PersistEphemeral(ctx, "/yqhp/nodes/master/h:1", ""), ErrClosed)
	_, err := c.AcquireLock(ctx, "/yqhp/lock")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Subscribe(ctx, "/yqhp/nodes", func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}
