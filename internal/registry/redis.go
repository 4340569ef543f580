package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/duke-git/lancet/v2/slice"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/cluster-registry/internal/config"
	"yqhp/cluster-registry/pkg/logger"
	"yqhp/cluster-registry/pkg/types"
	"yqhp/cluster-registry/pkg/utils"
)

// persistScript rewrites a record this client already owns: ctime is set
// once, data is overwritten and the TTL is refreshed.
var persistScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'ctime', ARGV[2])
redis.call('HSET', KEYS[1], 'data', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

const (
	fieldData  = "data"
	fieldCtime = "ctime"
)

const scanCount = 100

// RedisClient implements Client on Redis. Ephemeral records are hashes with a
// TTL of one session timeout that this client keeps refreshing while it is alive.
type RedisClient struct {
	cfg  config.RegistryConfig
	keys Keys
	rdb  *redis.Client
	rs   *redsync.Redsync
	log  *zap.Logger

	owned   map[string]struct{}
	ownedMu sync.Mutex

	stateListeners []func(types.ConnectionState)
	stateMu        sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewRedisClient connects to Redis and starts the keepalive and connection monitor.
func NewRedisClient(ctx context.Context, cfg *config.RegistryConfig) (*RedisClient, error) {
	timeout := min(cfg.KeepaliveInterval, 5*time.Second)
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	// 测试连接
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect registry %s: %w", cfg.Addr, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &RedisClient{
		cfg:    *cfg,
		keys:   NewKeys(cfg.Namespace),
		rdb:    rdb,
		rs:     redsync.New(goredis.NewPool(rdb)),
		log:    logger.Named("registry"),
		owned:  make(map[string]struct{}),
		ctx:    cctx,
		cancel: cancel,
	}

	c.wg.Add(2)
	utils.SafeGoWithName("registry-keepalive", func() {
		defer c.wg.Done()
		c.keepalive()
	})
	utils.SafeGoWithName("registry-monitor", func() {
		defer c.wg.Done()
		c.monitorConnection()
	})

	return c, nil
}

func (c *RedisClient) Keys() Keys {
	return c.keys
}

// AcquireLock implements Client.
func (c *RedisClient) AcquireLock(ctx context.Context, path string) (Lock, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.LockWait)
	defer cancel()

	mutex := c.rs.NewMutex(path,
		redsync.WithExpiry(c.cfg.LockExpiry),
		redsync.WithTries(math.MaxInt32),
		redsync.WithRetryDelay(lockRetryDelay),
	)
	if err := mutex.LockContext(waitCtx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if waitCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	c.log.Debug("lock acquired", zap.String("path", path))
	return newRedisLock(path, mutex, c.cfg.LockExpiry), nil
}

// PersistEphemeral implements Client. The first write of a key by this client
// replaces whatever record a previous session left behind, so the key gets a
// new creation time. Later writes keep it.
func (c *RedisClient) PersistEphemeral(ctx context.Context, key, value string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.ownedMu.Lock()
	_, owned := c.owned[key]
	c.ownedMu.Unlock()

	if !owned {
		if err := c.recreate(ctx, key, value); err != nil {
			return fmt.Errorf("persist %s: %w", key, err)
		}
	} else {
		now := time.Now().UnixMilli()
		ttl := c.cfg.SessionTimeout.Milliseconds()
		if err := persistScript.Run(ctx, c.rdb, []string{key}, value, now, ttl).Err(); err != nil {
			return fmt.Errorf("persist %s: %w", key, err)
		}
	}

	c.ownedMu.Lock()
	c.owned[key] = struct{}{}
	c.ownedMu.Unlock()
	return nil
}

// recreate deletes key and writes a fresh record whose ctime is strictly later
// than the one it replaces.
func (c *RedisClient) recreate(ctx context.Context, key, value string) error {
	return c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		ctime := time.Now().UnixMilli()
		prev, err := tx.HGet(ctx, key, fieldCtime).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && prev >= ctime {
			ctime = prev + 1
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fieldCtime, ctime, fieldData, value)
			pipe.PExpire(ctx, key, c.cfg.SessionTimeout)
			return nil
		})
		return err
	}, key)
}

// Remove implements Client.
func (c *RedisClient) Remove(ctx context.Context, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.ownedMu.Lock()
	delete(c.owned, key)
	c.ownedMu.Unlock()

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// keepalive refreshes the TTL of owned records. Records that already expired
// are forgotten rather than recreated.
func (c *RedisClient) keepalive() {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.ownedMu.Lock()
		keys := maputil.Keys(c.owned)
		c.ownedMu.Unlock()

		for _, key := range keys {
			ok, err := c.rdb.PExpire(c.ctx, key, c.cfg.SessionTimeout).Result()
			if err != nil {
				c.log.Debug("keepalive failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if !ok {
				c.log.Warn("ephemeral node expired", zap.String("key", key))
				c.ownedMu.Lock()
				delete(c.owned, key)
				c.ownedMu.Unlock()
			}
		}
	}
}

// CheckNodeExists implements Client.
func (c *RedisClient) CheckNodeExists(ctx context.Context, host string, nodeType types.NodeType) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.keys.NodePath(nodeType, host)).Result()
	if err != nil {
		return false, fmt.Errorf("check node %s/%s: %w", nodeType, host, err)
	}
	return n > 0, nil
}

// GetServerList implements Client.
func (c *RedisClient) GetServerList(ctx context.Context, nodeType types.NodeType) ([]types.Server, error) {
	root := c.keys.NodeTypeRoot(nodeType)
	keys, err := c.scan(ctx, root+"/*")
	if err != nil {
		return nil, err
	}
	keys = slice.Filter(keys, func(_ int, key string) bool { return isDirectChild(root, key) })
	if len(keys) == 0 {
		return []types.Server{}, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list %s servers: %w", nodeType, err)
	}

	result := make([]types.Server, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		var ctime time.Time
		if ms, err := strconv.ParseInt(fields[fieldCtime], 10, 64); err == nil {
			ctime = time.UnixMilli(ms)
		}
		if server, ok := serverFromRecord(keys[i], fields[fieldData], ctime); ok {
			result = append(result, server)
		}
	}
	sortServers(result)
	return result, nil
}

// ActiveMasterCount implements Client.
func (c *RedisClient) ActiveMasterCount(ctx context.Context) (int, error) {
	root := c.keys.NodeTypeRoot(types.NodeTypeMaster)
	keys, err := c.scan(ctx, root+"/*")
	if err != nil {
		return 0, err
	}
	return len(slice.Filter(keys, func(_ int, key string) bool { return isDirectChild(root, key) })), nil
}

func (c *RedisClient) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", match, err)
	}
	return slice.Unique(keys), nil
}

// snapshot maps every key below root to its ctime. A key that was replaced
// between two snapshots shows up with a different ctime.
func (c *RedisClient) snapshot(ctx context.Context, root string) (map[string]string, error) {
	keys, err := c.scan(ctx, root+"/*")
	if err != nil {
		return nil, err
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil && !redis.HasErrorPrefix(err, "WRONGTYPE") {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}

	snap := make(map[string]string, len(keys))
	for i, key := range keys {
		fields, err := cmds[i].Result()
		// not a hash, or gone between scan and read
		if err != nil || len(fields) == 0 {
			continue
		}
		snap[key] = fields[fieldCtime]
	}
	return snap, nil
}

// Subscribe implements Client. The records present when Subscribe is called
// form the baseline and produce no events.
func (c *RedisClient) Subscribe(ctx context.Context, rootPath string, listener Listener) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	root := strings.TrimRight(rootPath, "/")
	baseline, err := c.snapshot(ctx, root)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(c.ctx)
	stopOnCtx := context.AfterFunc(ctx, cancel)
	sub := &redisSubscription{cancel: func() { stopOnCtx(); cancel() }, d: newDispatcher(listener)}

	c.wg.Add(1)
	utils.SafeGoWithName("registry-watcher", func() {
		defer c.wg.Done()
		defer sub.d.close()
		c.watch(wctx, root, baseline, sub.d)
	})
	return sub, nil
}

func (c *RedisClient) watch(ctx context.Context, root string, prev map[string]string, d *dispatcher) {
	ticker := time.NewTicker(c.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current, err := c.snapshot(ctx, root)
		if err != nil {
			c.log.Debug("watch scan failed", zap.String("root", root), zap.Error(err))
			continue
		}
		d.push(diffSnapshots(prev, current)...)
		prev = current
	}
}

// diffSnapshots returns removals then additions, each sorted by path. A key
// whose ctime changed was recreated and is reported as both.
func diffSnapshots(prev, current map[string]string) []Event {
	var removed, added []string
	for key, ctime := range prev {
		if cur, ok := current[key]; !ok || cur != ctime {
			removed = append(removed, key)
		}
	}
	for key, ctime := range current {
		if old, ok := prev[key]; !ok || old != ctime {
			added = append(added, key)
		}
	}
	slices.Sort(removed)
	slices.Sort(added)

	events := make([]Event, 0, len(removed)+len(added))
	for _, key := range removed {
		events = append(events, Event{Type: EventRemoved, Path: key})
	}
	for _, key := range added {
		events = append(events, Event{Type: EventAdded, Path: key})
	}
	return events
}

// GetHostByEventDataPath implements Client.
func (c *RedisClient) GetHostByEventDataPath(path string) string {
	return HostFromPath(path)
}

// HandleDeadServer implements Client.
func (c *RedisClient) HandleDeadServer(ctx context.Context, paths []string, nodeType types.NodeType, op DeadServerOp) error {
	members := make([]any, 0, len(paths))
	for _, path := range paths {
		if host := HostFromPath(path); host != "" {
			members = append(members, deadServerMember(nodeType, host))
		}
	}
	if len(members) == 0 {
		return nil
	}

	var err error
	switch op {
	case DeadServerAdd:
		err = c.rdb.SAdd(ctx, c.keys.DeadServers(), members...).Err()
	case DeadServerDelete:
		err = c.rdb.SRem(ctx, c.keys.DeadServers(), members...).Err()
	default:
		return fmt.Errorf("unknown dead server op %d", op)
	}
	if err != nil {
		return fmt.Errorf("update dead servers: %w", err)
	}
	return nil
}

// IsDeadServer implements Client.
func (c *RedisClient) IsDeadServer(ctx context.Context, path string, nodeType types.NodeType) (bool, error) {
	host := HostFromPath(path)
	if host == "" {
		return false, nil
	}
	dead, err := c.rdb.SIsMember(ctx, c.keys.DeadServers(), deadServerMember(nodeType, host)).Result()
	if err != nil {
		return false, fmt.Errorf("check dead server %s: %w", host, err)
	}
	return dead, nil
}

// AddConnectionStateListener implements Client.
func (c *RedisClient) AddConnectionStateListener(listener func(types.ConnectionState)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateListeners = append(c.stateListeners, listener)
}

func (c *RedisClient) monitorConnection() {
	tracker := &connectionTracker{timeout: c.cfg.SessionTimeout}
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		err := c.rdb.Ping(c.ctx).Err()
		if c.ctx.Err() != nil {
			return
		}
		state, changed := tracker.observe(err, time.Now())
		if !changed {
			continue
		}
		c.log.Info("registry connection state changed", zap.String("state", string(state)), zap.Error(err))
		c.publishState(state)
		if state == types.ConnectionStateDisconnected {
			return
		}
	}
}

func (c *RedisClient) publishState(state types.ConnectionState) {
	c.stateMu.RLock()
	listeners := append([]func(types.ConnectionState){}, c.stateListeners...)
	c.stateMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer utils.Recover("registry-state-listener")
			l(state)
		}()
	}
}

// Close implements Client. Records are not deleted; they expire with the session.
func (c *RedisClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return c.rdb.Close()
}

type redisSubscription struct {
	cancel func()
	d      *dispatcher
	once   sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.d.close()
	})
}
