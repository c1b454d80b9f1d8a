package reenactHandler

import (
	contextPkg "FacePoke/pkg/context"
	"FacePoke/pkg/handlerUtil"
	jwtPkg "FacePoke/pkg/jwt"
	"FacePoke/pkg/log"
	"context"

	"github.com/gofiber/fiber/v2"
)

func (h *ReenactHandler) Export(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), requestTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	subject, err := jwtPkg.GetSubject(ctx)
	if err != nil {
		return errHandler.HandleUnauthorized(ctx, requestID, "Unauthorized")
	}

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"session_id": ctx.Params("id"),
		"subject":    subject,
	}).Debug("Exporting preview")

	res, err := h.reenactService.Export().Create(c, ctx.Params("id"))
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "export_preview")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusCreated, res)
}

func (h *ReenactHandler) ListExports(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), requestTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	res, err := h.reenactService.Export().List(c, ctx.Params("id"))
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "list_exports")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusOK, res)
}
