package reenactHandler

import (
	reenactService "FacePoke/internal/api/reenact/service"
	"FacePoke/internal/middleware"
	"FacePoke/pkg/utils"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const (
	wsIdleTimeout  = 5 * time.Minute
	wsWriteTimeout = 10 * time.Second
	requestTimeout = 15 * time.Second
)

type ReenactHandler struct {
	log            *logrus.Logger
	validator      *validator.Validate
	middleware     middleware.Middleware
	reenactService reenactService.ReenactService
	utils          utils.IUtils
}

func New(
	log *logrus.Logger,
	validator *validator.Validate,
	middleware middleware.Middleware,
	rs reenactService.ReenactService,
	utils utils.IUtils,
) *ReenactHandler {
	return &ReenactHandler{
		log:            log,
		validator:      validator,
		middleware:     middleware,
		reenactService: rs,
		utils:          utils,
	}
}

func (h *ReenactHandler) Start(srv fiber.Router) {
	wsMiddleware := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	reenact := srv.Group("/reenact")
	reenact.Use("/ws", wsMiddleware)
	reenact.Get("/ws", websocket.New(h.handleWebSocket))

	sessions := reenact.Group("/sessions", h.middleware.NewRateLimiter)
	sessions.Get("/:id", h.GetSession)
	sessions.Post("/:id/image", h.middleware.NewSessionRateLimiter, h.SelectImage)
	sessions.Get("/:id/preview", h.GetPreview)
	sessions.Post("/:id/caption", h.middleware.NewSessionRateLimiter, h.Caption)
	sessions.Post("/:id/export", h.middleware.NewTokenMiddleware, h.Export)
	sessions.Get("/:id/exports", h.middleware.NewTokenMiddleware, h.ListExports)
}
