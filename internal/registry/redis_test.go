package registry

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/cluster-registry/internal/config"
	"yqhp/cluster-registry/pkg/types"
)

func testRegistryConfig(addr string) *config.RegistryConfig {
	return &config.RegistryConfig{
		Addr:              addr,
		Namespace:         "/yqhp",
		SessionTimeout:    2 * time.Second,
		KeepaliveInterval: 20 * time.Millisecond,
		WatchInterval:     20 * time.Millisecond,
		LockExpiry:        3 * time.Second,
		LockWait:          200 * time.Millisecond,
	}
}

func newTestRedisClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisClient(context.Background(), testRegistryConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisClientConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), testRegistryConfig(addr))
	assert.Error(t, err)
}

func TestRedisClientPersistEphemeral(t *testing.T) {
	c, mr := newTestRedisClient(t)
	ctx := context.Background()
	key := c.Keys().NodePath(types.NodeTypeMaster, "10.0.0.1:5678")

	require.NoError(t, c.PersistEphemeral(ctx, key, `{"reportTime":1700000000000,"serverStatus":"NORMAL"}`))
	ctime := mr.HGet(key, "ctime")
	require.NotEmpty(t, ctime)
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	require.NoError(t, c.PersistEphemeral(ctx, key, `{"reportTime":1700000010000,"serverStatus":"BUSY"}`))
	assert.Equal(t, ctime, mr.HGet(key, "ctime"))

	servers, err := c.GetServerList(ctx, types.NodeTypeMaster)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "10.0.0.1:5678", servers[0].Address())
	require.NotNil(t, servers[0].HeartbeatInfo)
	assert.Equal(t, types.ServerStatusBusy, servers[0].HeartbeatInfo.ServerStatus)
	assert.False(t, servers[0].CreateTime.IsZero())

	exists, err := c.CheckNodeExists(ctx, "10.0.0.1:5678", types.NodeTypeMaster)
	require.NoError(t, err)
	assert.True(t, exists)

	count, err := c.ActiveMasterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, c.Remove(ctx, key))
	assert.False(t, mr.Exists(key))
}

func TestRedisClientKeepaliveRefreshesTTL(t *testing.T) {
	c, mr := newTestRedisClient(t)
	ctx := context.Background()
	key := c.Keys().NodePath(types.NodeTypeWorker, "10.0.0.3:1234")
	require.NoError(t, c.PersistEphemeral(ctx, key, ""))

	mr.FastForward(1500 * time.Millisecond)
	require.True(t, mr.Exists(key))
	require.Eventually(t, func() bool {
		return mr.TTL(key) > time.Second
	}, time.Second, 10*time.Millisecond)
}

func TestRedisClientExpiredKeyIsNotRecreated(t *testing.T) {
	c, mr := newTestRedisClient(t)
	ctx := context.Background()
	key := c.Keys().NodePath(types.NodeTypeWorker, "10.0.0.3:1234")
	require.NoError(t, c.PersistEphemeral(ctx, key, ""))

	mr.FastForward(3 * time.Second)
	require.False(t, mr.Exists(key))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, mr.Exists(key))
}

func TestRedisClientSubscribe(t *testing.T) {
	c, mr := newTestRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys := c.Keys()

	existing := keys.NodePath(types.NodeTypeMaster, "10.0.0.1:5678")
	require.NoError(t, c.PersistEphemeral(ctx, existing, ""))

	rec := &eventRecorder{}
	_, err := c.Subscribe(ctx, keys.NodesRoot(), rec.listen)
	require.NoError(t, err)

	worker := keys.NodePath(types.NodeTypeWorker, "10.0.0.3:1234")
	mr.HSet(worker, "data", "")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	mr.Del(worker)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, []Event{
		{Type: EventAdded, Path: worker},
		{Type: EventRemoved, Path: worker},
	}, rec.snapshot())
}

func TestDiffSnapshots(t *testing.T) {
	prev := map[string]string{"/a/1": "1", "/a/2": "2", "/a/3": "3", "/a/5": "5"}
	current := map[string]string{"/a/2": "2", "/a/4": "4", "/a/5": "6"}

	assert.Equal(t, []Event{
		{Type: EventRemoved, Path: "/a/1"},
		{Type: EventRemoved, Path: "/a/3"},
		{Type: EventRemoved, Path: "/a/5"},
		{Type: EventAdded, Path: "/a/4"},
		{Type: EventAdded, Path: "/a/5"},
	}, diffSnapshots(prev, current))
	assert.Empty(t, diffSnapshots(current, current))
}

func TestRedisClientRestartReplacesStaleRecord(t *testing.T) {
	crashed, mr := newTestRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := crashed.Keys().NodePath(types.NodeTypeWorker, "10.0.0.3:1234")

	observer, err := NewRedisClient(ctx, testRegistryConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = observer.Close() })
	rec := &eventRecorder{}
	_, err = observer.Subscribe(ctx, observer.Keys().NodesRoot(), rec.listen)
	require.NoError(t, err)

	require.NoError(t, crashed.PersistEphemeral(ctx, key, "old"))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	oldCtime, err := strconv.ParseInt(mr.HGet(key, "ctime"), 10, 64)
	require.NoError(t, err)
	require.NoError(t, crashed.Close())
	require.True(t, mr.Exists(key))

	restarted, err := NewRedisClient(ctx, testRegistryConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = restarted.Close() })
	require.NoError(t, restarted.PersistEphemeral(ctx, key, "new"))

	newCtime, err := strconv.ParseInt(mr.HGet(key, "ctime"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, newCtime, oldCtime)
	assert.Equal(t, "new", mr.HGet(key, "data"))
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	// rewrites by the new owner keep its ctime
	require.NoError(t, restarted.PersistEphemeral(ctx, key, "beat"))
	assert.Equal(t, strconv.FormatInt(newCtime, 10), mr.HGet(key, "ctime"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []Event{
		{Type: EventAdded, Path: key},
		{Type: EventRemoved, Path: key},
		{Type: EventAdded, Path: key},
	}, rec.snapshot())
}

func TestRedisClientDeadServers(t *testing.T) {
	c, mr := newTestRedisClient(t)
	ctx := context.Background()
	path := c.Keys().NodePath(types.NodeTypeWorker, "10.0.0.3:1234")

	require.NoError(t, c.HandleDeadServer(ctx, []string{path}, types.NodeTypeWorker, DeadServerAdd))
	ok, err := mr.SIsMember(c.Keys().DeadServers(), "worker_10.0.0.3:1234")
	require.NoError(t, err)
	assert.True(t, ok)

	dead, err := c.IsDeadServer(ctx, path, types.NodeTypeWorker)
	require.NoError(t, err)
	assert.True(t, dead)

	require.NoError(t, c.HandleDeadServer(ctx, []string{path}, types.NodeTypeWorker, DeadServerDelete))
	dead, err = c.IsDeadServer(ctx, path, types.NodeTypeWorker)
	require.NoError(t, err)
	assert.False(t, dead)

	require.NoError(t, c.HandleDeadServer(ctx, nil, types.NodeTypeWorker, DeadServerAdd))
}

func TestRedisClientLock(t *testing.T) {
	c, _ := newTestRedisClient(t)
	ctx := context.Background()
	path := c.Keys().FailoverLock(types.NodeTypeMaster)

	lock, err := c.AcquireLock(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, path, lock.Path())

	_, err = c.AcquireLock(ctx, path)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))

	again, err := c.AcquireLock(ctx, path)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisClientLockIsMutualAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testRegistryConfig(mr.Addr())
	cfg.LockWait = 2 * time.Second

	var holders, maxHolders int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		c, err := NewRedisClient(context.Background(), cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(context.Background(), c, c.Keys().StartupLock(), func(ctx context.Context) error {
				mu.Lock()
				holders++
				maxHolders = max(maxHolders, holders)
				mu.Unlock()

				time.Sleep(30 * time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxHolders)
}

func TestRedisClientConnectionStates(t *testing.T) {
	c, mr := newTestRedisClient(t)

	var mu sync.Mutex
	var states []types.ConnectionState
	c.AddConnectionStateListener(func(s types.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		if s != types.ConnectionStateConnected {
			states = append(states, s)
		}
	})
	seen := func() []types.ConnectionState {
		mu.Lock()
		defer mu.Unlock()
		return append([]types.ConnectionState(nil), states...)
	}

	mr.Close()
	require.Eventually(t, func() bool { return len(seen()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.ConnectionStateSuspended, seen()[0])

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool { return len(seen()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.ConnectionStateReconnected, seen()[1])
}

func TestRedisClientDisconnectedAfterSessionTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testRegistryConfig(mr.Addr())
	cfg.SessionTimeout = 150 * time.Millisecond
	c, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	disconnected := make(chan struct{}, 2)
	c.AddConnectionStateListener(func(s types.ConnectionState) {
		if s == types.ConnectionStateDisconnected {
			disconnected <- struct{}{}
		}
	})

	mr.Close()
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("no DISCONNECTED within timeout")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, disconnected)
}

func TestRedisClientClose(t *testing.T) {
	c, _ := newTestRedisClient(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	ctx := context.Background()
	assert.ErrorIs(t, c.PersistEphemeral(ctx, "/yqhp/nodes/master/h:1", ""), ErrClosed)
	_, err := c.AcquireLock(ctx, "/yqhp/lock")
	assert.ErrorIs(t, err, ErrClosed)
}
