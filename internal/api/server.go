// Package api serves a read-only view of cluster membership over HTTP.
package api

import (
	"context"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"yqhp/cluster-registry/internal/config"
	"yqhp/cluster-registry/internal/registry"
	"yqhp/cluster-registry/pkg/logger"
	"yqhp/cluster-registry/pkg/types"
)

// NodeView is a live registration as rendered by the API.
type NodeView struct {
	Address           string               `json:"address"`
	Host              string               `json:"host"`
	Port              int                  `json:"port"`
	CreateTime        time.Time            `json:"createTime"`
	LastHeartbeatTime time.Time            `json:"lastHeartbeatTime"`
	Heartbeat         *types.HeartbeatInfo `json:"heartbeat,omitempty"`
}

// NodeCount is the number of live registrations of one node type.
type NodeCount struct {
	Type  types.NodeType `json:"type"`
	Count int            `json:"count"`
}

// Health describes this master.
type Health struct {
	Status  string `json:"status"`
	Address string `json:"address"`
}

// Server is the status API of a master.
type Server struct {
	app      *fiber.App
	cfg      config.APIConfig
	registry registry.Client
	address  string
	log      *zap.Logger
}

// NewServer creates the status API for the master registered as localAddress.
func NewServer(cfg *config.APIConfig, reg registry.Client, localAddress string) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "cluster-registry",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ErrorHandler:          errorHandler,
	})

	s := &Server{
		app:      app,
		cfg:      *cfg,
		registry: reg,
		address:  localAddress,
		log:      logger.Named("api"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) setupMiddleware() {
	s.app.Use(
		fiberrecover.New(fiberrecover.Config{EnableStackTrace: true}),
		requestid.New(),
		s.accessLog,
	)
}

func (s *Server) setupRoutes() {
	v1 := s.app.Group("/api/v1")
	v1.Get("/health", s.health)

	nodes := v1.Group("/nodes")
	nodes.Get("/:type", s.listNodes)
	nodes.Get("/:type/count", s.countNodes)
}

// accessLog writes one line per request.
func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("request",
		zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("latency", time.Since(start)),
	)
	return err
}

// Listen serves on the configured address until Shutdown.
func (s *Server) Listen() error {
	s.log.Info("status api listening", zap.String("address", s.cfg.Address))
	return s.app.Listen(s.cfg.Address)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	return Success(c, Health{Status: "UP", Address: s.address})
}

func (s *Server) listNodes(c *fiber.Ctx) error {
	nodeType, err := types.ParseNodeType(c.Params("type"))
	if err != nil {
		return BadRequest(c, err.Error())
	}

	servers, err := s.registry.GetServerList(c.UserContext(), nodeType)
	if err != nil {
		s.log.Error("list servers failed", zap.String("type", nodeType.String()), zap.Error(err))
		return ServerError(c, err.Error())
	}

	views := make([]NodeView, 0, len(servers))
	for _, srv := range servers {
		views = append(views, NodeView{
			Address:           srv.Address(),
			Host:              srv.Host,
			Port:              srv.Port,
			CreateTime:        srv.CreateTime,
			LastHeartbeatTime: srv.LastHeartbeatTime,
			Heartbeat:         srv.HeartbeatInfo,
		})
	}
	return Success(c, views)
}

func (s *Server) countNodes(c *fiber.Ctx) error {
	nodeType, err := types.ParseNodeType(c.Params("type"))
	if err != nil {
		return BadRequest(c, err.Error())
	}

	servers, err := s.registry.GetServerList(c.UserContext(), nodeType)
	if err != nil {
		return ServerError(c, err.Error())
	}
	return Success(c, NodeCount{Type: nodeType, Count: len(servers)})
}
