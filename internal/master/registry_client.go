package master

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"yqhp/cluster-registry/internal/config"
	"yqhp/cluster-registry/internal/dao"
	"yqhp/cluster-registry/internal/engine"
	"yqhp/cluster-registry/internal/registry"
	"yqhp/cluster-registry/internal/task"
	"yqhp/cluster-registry/pkg/logger"
	"yqhp/cluster-registry/pkg/types"
	"yqhp/cluster-registry/pkg/utils"
)

// Dependencies are the collaborators of a RegistryClient.
type Dependencies struct {
	Registry registry.Client
	Store    dao.ProcessService
	Events   engine.StateEventSubmitter
	Killer   task.JobKiller
	// Stopper is invoked when this node can no longer be trusted to be alive.
	Stopper types.Stoppable
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Metrics defaults to HostMetricsCollector.
	Metrics MetricsCollector
}

// RegistryClient registers this master, publishes its heartbeat and fails
// over the work of nodes that leave the cluster.
//
// Lifecycle: Init, Start, Deregister.
type RegistryClient struct {
	cfg      config.MasterConfig
	registry registry.Client
	store    dao.ProcessService
	events   engine.StateEventSubmitter
	killer   task.JobKiller
	stopper  types.Stoppable
	clock    clockwork.Clock
	metrics  MetricsCollector
	log      *zap.Logger

	address     string
	masterPath  string
	startupTime time.Time

	// ctx is the context of Start; subscription callbacks run under it.
	ctx          context.Context
	scheduler    gocron.Scheduler
	heartbeat    *HeartbeatTask
	subscription registry.Subscription

	heartbeatOnce sync.Once
	heartbeatErr  error
	stopOnce      sync.Once
	stopping      atomic.Bool
}

// NewRegistryClient creates a RegistryClient for the master configured by cfg.
func NewRegistryClient(cfg *config.MasterConfig, deps Dependencies) *RegistryClient {
	c := &RegistryClient{
		cfg:      *cfg,
		registry: deps.Registry,
		store:    deps.Store,
		events:   deps.Events,
		killer:   deps.Killer,
		stopper:  deps.Stopper,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		log:      logger.Named("master-registry"),
		ctx:      context.Background(),
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.metrics == nil {
		c.metrics = HostMetricsCollector{}
	}
	if c.killer == nil {
		c.killer = task.NopJobKiller{}
	}
	if c.cfg.MaxCPULoadAvg <= 0 {
		c.cfg.MaxCPULoadAvg = float64(runtime.NumCPU() * 2)
	}

	host := c.cfg.Host
	if utils.IsEmpty(host) {
		host = utils.LocalHost()
	}
	c.address = net.JoinHostPort(host, strconv.Itoa(c.cfg.ListenPort))
	c.masterPath = c.registry.Keys().NodePath(types.NodeTypeMaster, c.address)
	return c
}

// LocalAddress returns the host:port this master registers under.
func (c *RegistryClient) LocalAddress() string {
	return c.address
}

// MasterPath returns this master's registration path.
func (c *RegistryClient) MasterPath() string {
	return c.masterPath
}

// Init records the startup time and builds the heartbeat scheduler.
func (c *RegistryClient) Init() error {
	c.startupTime = c.clock.Now()
	s, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(1, gocron.LimitModeWait),
		gocron.WithClock(c.clock),
		gocron.WithLogger(logger.NewGocronLogger("heartbeat-scheduler")),
	)
	if err != nil {
		return fmt.Errorf("create heartbeat scheduler: %w", err)
	}
	c.scheduler = s
	return nil
}

// Start registers this master and begins watching the cluster. It runs under
// the cluster-wide startup lock, which is released on every exit path.
func (c *RegistryClient) Start(ctx context.Context) (err error) {
	if c.scheduler == nil {
		return fmt.Errorf("registry client not initialised")
	}
	c.ctx = ctx
	keys := c.registry.Keys()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("master start up panic: %v", r)
		}
		if err != nil {
			c.log.Error("master start up exception", zap.Error(err))
		}
	}()

	return registry.WithLock(ctx, c.registry, keys.StartupLock(), func(ctx context.Context) error {
		if err := c.Registry(ctx); err != nil {
			return err
		}
		if err := c.registry.HandleDeadServer(ctx, []string{c.masterPath}, types.NodeTypeMaster, registry.DeadServerDelete); err != nil {
			return err
		}
		if err := c.waitRegistered(ctx); err != nil {
			return err
		}

		count, err := c.registry.ActiveMasterCount(ctx)
		if err != nil {
			return err
		}
		if count == 1 {
			c.log.Info("only active master, running self-tolerance sweep")
			c.RemoveNodePath(ctx, "", types.NodeTypeMaster, true)
			c.RemoveNodePath(ctx, "", types.NodeTypeWorker, true)
		}

		sub, err := c.registry.Subscribe(ctx, keys.NodesRoot(), c.dataListener)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", keys.NodesRoot(), err)
		}
		c.subscription = sub
		return nil
	})
}

// waitRegistered polls until this master's registration is visible.
func (c *RegistryClient) waitRegistered(ctx context.Context) error {
	for i := 0; i < c.cfg.RegistrationCheckRetries; i++ {
		exists, err := c.registry.CheckNodeExists(ctx, c.address, types.NodeTypeMaster)
		if err == nil && exists {
			return nil
		}
		if err != nil {
			c.log.Debug("check registration failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.cfg.RegistrationCheckInterval):
		}
	}
	return fmt.Errorf("registration of %s not visible after %d checks", c.address, c.cfg.RegistrationCheckRetries)
}

// Registry writes this master's registration, installs the connection reactor
// and schedules the heartbeat at a fixed rate.
func (c *RegistryClient) Registry(ctx context.Context) error {
	c.heartbeat = &HeartbeatTask{
		startupTime:    c.startupTime,
		maxCPULoadAvg:  c.cfg.MaxCPULoadAvg,
		reservedMemory: c.cfg.ReservedMemory,
		paths:          []string{c.masterPath},
		nodeType:       types.NodeTypeMaster,
		registry:       c.registry,
		metrics:        c.metrics,
		clock:          c.clock,
		onDead:         c.stop,
		log:            logger.Named("heartbeat"),
	}

	payload, err := c.heartbeat.HeartbeatInfo(ctx)
	if err != nil {
		return fmt.Errorf("build heartbeat: %w", err)
	}
	if err := c.registry.PersistEphemeral(ctx, c.masterPath, payload); err != nil {
		return err
	}
	c.registry.AddConnectionStateListener(c.HandleConnectionState)

	_, err = c.scheduler.NewJob(
		gocron.DurationJob(c.cfg.HeartbeatInterval),
		gocron.NewTask(func() {
			if c.stopping.Load() {
				return
			}
			c.heartbeat.Run(ctx)
		}),
		gocron.WithName("master-heartbeat"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	c.scheduler.Start()

	c.log.Info("master registered",
		zap.String("address", c.address),
		zap.Duration("heartbeat_interval", c.cfg.HeartbeatInterval))
	return nil
}

// HandleConnectionState reacts to a registry connection transition.
func (c *RegistryClient) HandleConnectionState(state types.ConnectionState) {
	switch state {
	case types.ConnectionStateConnected:
		c.log.Debug("registry connection state", zap.String("state", string(state)))
	case types.ConnectionStateSuspended:
		c.log.Warn("registry connection suspended, waiting for it to recover")
	case types.ConnectionStateReconnected:
		c.log.Info("registry reconnected, resetting registration payload")
		if err := c.registry.PersistEphemeral(c.ctx, c.masterPath, ""); err != nil {
			c.log.Error("reset registration failed", zap.Error(err))
		}
	case types.ConnectionStateDisconnected:
		c.log.Warn("registry connection lost, stopping this master")
		if err := c.shutdownHeartbeat(); err != nil {
			c.log.Warn("heartbeat shutdown failed", zap.Error(err))
		}
		c.stop("registry connection state is DISCONNECTED, stop myself")
	}
}

// stop invokes the stop hook at most once and silences further heartbeats.
func (c *RegistryClient) stop(cause string) {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		if c.stopper != nil {
			c.stopper.Stop(cause)
		}
	})
}

func (c *RegistryClient) shutdownHeartbeat() error {
	c.heartbeatOnce.Do(func() {
		if c.scheduler != nil {
			c.heartbeatErr = c.scheduler.Shutdown()
			c.log.Info("heartbeat scheduler shutdown")
		}
	})
	return c.heartbeatErr
}

// Deregister removes this master from the cluster and releases the registry.
func (c *RegistryClient) Deregister(ctx context.Context) error {
	var errs error
	if c.subscription != nil {
		c.subscription.Unsubscribe()
	}
	errs = multierr.Append(errs, c.shutdownHeartbeat())
	if err := c.registry.Remove(ctx, c.masterPath); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", c.masterPath, err))
	}
	errs = multierr.Append(errs, c.registry.Close())

	if errs != nil {
		c.log.Error("deregister master failed", zap.Error(errs))
		return errs
	}
	c.log.Info("master deregistered", zap.String("address", c.address))
	return nil
}
