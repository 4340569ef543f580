// Package server assembles a master node from its configuration and owns the
// process lifecycle.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"yqhp/cluster-registry/internal/api"
	"yqhp/cluster-registry/internal/config"
	"yqhp/cluster-registry/internal/dao"
	"yqhp/cluster-registry/internal/engine"
	"yqhp/cluster-registry/internal/master"
	"yqhp/cluster-registry/internal/registry"
	"yqhp/cluster-registry/internal/task"
	"yqhp/cluster-registry/pkg/logger"
	"yqhp/cluster-registry/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

// Option configures a MasterServer.
type Option func(*MasterServer)

// WithStandalone runs the node without external services: an in-process
// registry and an in-memory SQLite store.
func WithStandalone() Option {
	return func(s *MasterServer) {
		s.standalone = true
	}
}

// WithRegistry uses reg instead of connecting to the configured registry.
func WithRegistry(reg registry.Client) Option {
	return func(s *MasterServer) {
		s.registry = reg
	}
}

// WithStore uses store instead of opening the configured database.
func WithStore(store dao.ProcessService) Option {
	return func(s *MasterServer) {
		s.store = store
	}
}

// MasterServer is a running master node. It is the stop hook handed to the
// registry client.
type MasterServer struct {
	cfg        config.Config
	standalone bool
	log        *zap.Logger

	registry registry.Client
	db       *gorm.DB
	store    dao.ProcessService
	events   *engine.WorkflowEventPool
	client   *master.RegistryClient
	api      *api.Server

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	cause    string
}

// NewMasterServer creates a master node. Nothing is connected until Run.
func NewMasterServer(cfg *config.Config, opts ...Option) *MasterServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MasterServer{
		cfg:    *cfg,
		log:    logger.Named("master-server"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.standalone {
		s.cfg.Database.Driver = "sqlite"
		if s.cfg.Database.Database == "" || s.cfg.Database.Database == config.DefaultConfig().Database.Database {
			s.cfg.Database.Database = ":memory:"
		}
		s.cfg.Database.AutoMigrate = true
	}
	return s
}

// Stop asks the node to shut down. Only the first call has an effect; it never
// blocks, so it is safe to call from registry callbacks.
func (s *MasterServer) Stop(cause string) {
	s.stopOnce.Do(func() {
		s.cause = cause
		s.log.Warn("master server stopping", zap.String("cause", cause))
		s.cancel()
	})
}

// Registry returns the registry client of a running node.
func (s *MasterServer) Registry() registry.Client {
	return s.registry
}

// Events returns the state event pool that workflow runners register with.
// Outside standalone mode, events of process instances without a registered
// runner are dropped.
func (s *MasterServer) Events() *engine.WorkflowEventPool {
	return s.events
}

// Run starts the node and blocks until Stop is called or ctx ends, then tears
// everything down.
func (s *MasterServer) Run(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return nil
	}
	stopOnParent := context.AfterFunc(ctx, func() { s.Stop("shutdown requested") })
	defer stopOnParent()

	if err := s.setup(); err != nil {
		return multierr.Append(err, s.teardown())
	}

	if s.api != nil {
		utils.SafeGoWithName("status-api", func() {
			if err := s.api.Listen(); err != nil {
				s.log.Error("status api stopped", zap.Error(err))
				s.Stop("status api failed")
			}
		})
	}

	if err := s.client.Init(); err != nil {
		return multierr.Append(err, s.teardown())
	}
	if err := s.client.Start(s.ctx); err != nil {
		return multierr.Append(fmt.Errorf("start master: %w", err), s.teardown())
	}
	s.log.Info("master server started",
		zap.String("address", s.client.LocalAddress()),
		zap.Bool("standalone", s.standalone))

	<-s.ctx.Done()
	return s.teardown()
}

func (s *MasterServer) setup() error {
	if s.registry == nil {
		if s.standalone {
			s.registry = registry.NewMemoryClient(s.cfg.Registry.Namespace,
				registry.WithLockWait(s.cfg.Registry.LockWait))
		} else {
			reg, err := registry.NewRedisClient(s.ctx, &s.cfg.Registry)
			if err != nil {
				return fmt.Errorf("connect registry: %w", err)
			}
			s.registry = reg
		}
	}

	if s.store == nil {
		db, err := dao.Open(&s.cfg.Database, s.cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		s.db = db
		s.store = dao.NewGormProcessService(db)
	}

	events, err := engine.NewWorkflowEventPool(s.ctx, s.cfg.Master.EventPoolSize)
	if err != nil {
		return err
	}
	s.events = events
	if s.standalone {
		// no workflow runners are embedded in a standalone node
		s.events.SetFallbackHandler(engine.LoggingHandler(logger.Named("standalone-runner")))
	}

	var killer task.JobKiller = task.NopJobKiller{}
	if len(s.cfg.Master.KillCommand) > 0 {
		killer = task.NewYarnJobKiller(s.cfg.Master.KillCommand)
	}

	s.client = master.NewRegistryClient(&s.cfg.Master, master.Dependencies{
		Registry: s.registry,
		Store:    s.store,
		Events:   s.events,
		Killer:   killer,
		Stopper:  s,
	})

	if s.cfg.API.Enabled {
		s.api = api.NewServer(&s.cfg.API, s.registry, s.client.LocalAddress())
	}
	return nil
}

// teardown releases whatever setup created, in reverse order.
func (s *MasterServer) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if s.api != nil {
		errs = multierr.Append(errs, s.api.Shutdown(ctx))
	}
	switch {
	case s.client != nil:
		errs = multierr.Append(errs, s.client.Deregister(ctx))
	case s.registry != nil:
		errs = multierr.Append(errs, s.registry.Close())
	}
	if s.events != nil {
		errs = multierr.Append(errs, s.events.Release(10*time.Second))
	}
	errs = multierr.Append(errs, dao.Close(s.db))

	if errs != nil {
		s.log.Error("master server teardown failed", zap.Error(errs))
	} else {
		s.log.Info("master server stopped", zap.String("cause", s.cause))
	}
	return errs
}
