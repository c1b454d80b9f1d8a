package config

import (
	"FacePoke/database/postgres"
	reenactHandler "FacePoke/internal/api/reenact/handler"
	reenactRepository "FacePoke/internal/api/reenact/repository"
	reenactService "FacePoke/internal/api/reenact/service"
	"FacePoke/internal/middleware"
	"FacePoke/pkg/metrics"
	"FacePoke/pkg/redis"
	"FacePoke/pkg/s3"
	"FacePoke/pkg/utils"
	websocketPkg "FacePoke/pkg/websocket"
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type ServerOption func(*Server) error

type Server struct {
	engine      *fiber.App
	db          *sqlx.DB
	log         *logrus.Logger
	middleware  middleware.Middleware
	validator   *validator.Validate
	utils       utils.IUtils
	handlers    []handler
	redisServer redis.IRedis
	s3Client    s3.ItfS3
	metrics     *metrics.Metrics
	reenact     ReenactConfig
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.middleware == nil {
		server.middleware = middleware.New(server.log)
	}
	if server.utils == nil {
		server.utils = utils.New()
	}
	if server.metrics == nil {
		server.metrics = metrics.New()
	}
	if server.reenact.Transform.URL == "" {
		server.reenact = NewReenactConfig(server.log)
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

func WithDatabase() ServerOption {
	return func(s *Server) error {
		db, err := postgres.New()
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to connect to database: %v", err)
			}
			return fmt.Errorf("failed to create database connection: %w", err)
		}
		s.db = db
		return nil
	}
}

func WithRedisServer(redisServer redis.IRedis) ServerOption {
	return func(s *Server) error {
		s.redisServer = redisServer
		return nil
	}
}

func WithMiddleware() ServerOption {
	return func(s *Server) error {
		if s.log == nil {
			return fmt.Errorf("logger must be initialized before middleware")
		}
		s.middleware = middleware.New(s.log)
		return nil
	}
}

func WithS3Client() ServerOption {
	return func(s *Server) error {
		client, err := s3.New()
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to initialize S3 client: %v", err)
			}
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		s.s3Client = client
		return nil
	}
}

func WithUtils() ServerOption {
	return func(s *Server) error {
		s.utils = utils.New()
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) error {
		s.metrics = m
		return nil
	}
}

func WithReenactConfig(cfg ReenactConfig) ServerOption {
	return func(s *Server) error {
		s.reenact = cfg
		return nil
	}
}

// transformDialer opens one upstream connection per image epoch.
func (s *Server) transformDialer() reenactService.DialFunc {
	cfg := s.reenact.Transform
	return func(ctx context.Context, onReply websocketPkg.ReplyHandler) (websocketPkg.ITransformClient, error) {
		return websocketPkg.Dial(ctx, cfg, s.log, onReply)
	}
}

func (s *Server) RegisterHandler() {
	// Reenact Domain
	var reenactRepo reenactRepository.Repository
	if s.db != nil {
		reenactRepo = reenactRepository.New(s.db, s.log)
	}
	reenactServices := reenactService.New(
		s.reenact.Service,
		s.transformDialer(),
		s.redisServer,
		s.s3Client,
		reenactRepo,
		s.metrics,
		s.utils,
		s.log,
	)
	reenactHandlers := reenactHandler.New(s.log, s.validator, s.middleware, reenactServices, s.utils)

	s.setupHealthCheck()
	s.setupMetrics()
	s.handlers = append(s.handlers, reenactHandlers)
}

func (s *Server) Run() error {
	s.engine.Use(s.middleware.NewRequestIDMiddleware())
	s.engine.Use(s.middleware.NewLoggingMiddleware())
	router := s.engine.Group("/api/v1")

	for _, h := range s.handlers {
		h.Start(router)
	}

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "3000"
	}

	return s.engine.Listen(fmt.Sprintf(":%s", port))
}

func (s *Server) Shutdown() error {
	err := s.engine.Shutdown()
	if s.db != nil {
		if dbErr := s.db.Close(); dbErr != nil && err == nil {
			err = dbErr
		}
	}
	return err
}

func (s *Server) setupHealthCheck() {
	s.engine.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{
			"message": "Server is Healthy!",
		})
	})
}

func (s *Server) setupMetrics() {
	s.engine.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
}
