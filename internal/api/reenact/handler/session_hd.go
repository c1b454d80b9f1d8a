package reenactHandler

import (
	"FacePoke/internal/api/reenact"
	contextPkg "FacePoke/pkg/context"
	"FacePoke/pkg/handlerUtil"
	"FacePoke/pkg/imaging"
	"FacePoke/pkg/log"
	"FacePoke/pkg/utils"
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
)

func (h *ReenactHandler) GetSession(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), requestTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	view, err := h.reenactService.Session().Snapshot(c, ctx.Params("id"))
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "get_session")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusOK, reenact.SessionResponse{Data: view})
}

// SelectImage accepts either a multipart "image" file or a JSON body with a
// base64 image.
func (h *ReenactHandler) SelectImage(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), requestTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	var (
		fileName string
		data     []byte
	)

	if strings.HasPrefix(ctx.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		file, err := ctx.FormFile("image")
		if err != nil {
			return errHandler.Handle(ctx, requestID, reenact.ErrNoImageSelected, ctx.Path(), "form_file")
		}

		h.log.WithFields(log.Fields{
			"request_id": requestID,
			"file_name":  file.Filename,
			"file_size":  file.Size,
		}).Debug("Processing image upload")

		if err := h.utils.ValidateImageFile(file); err != nil {
			return errHandler.Handle(ctx, requestID, err, ctx.Path(), "validate_image_file")
		}

		data, err = h.utils.ReadFile(file)
		if err != nil {
			return errHandler.Handle(ctx, requestID, err, ctx.Path(), "read_file")
		}
		fileName = file.Filename
	} else {
		var req reenact.SelectImageRequest
		if err := ctx.BodyParser(&req); err != nil {
			return errHandler.Handle(ctx, requestID, fiber.ErrUnprocessableEntity, ctx.Path(), "parse_request_body")
		}

		if err := h.validator.Struct(req); err != nil {
			return errHandler.HandleValidationError(ctx, requestID, err, ctx.Path())
		}

		decoded, err := imaging.DecodeBase64(req.ImageBase64)
		if err != nil {
			return errHandler.Handle(ctx, requestID, reenact.ErrInvalidImage, ctx.Path(), "decode_base64")
		}
		if int64(len(decoded)) > h.utils.MaxFileSize() {
			return errHandler.Handle(ctx, requestID, utils.ErrFileTooLarge, ctx.Path(), "decode_base64")
		}
		data = decoded
		fileName = req.FileName
	}

	view, err := h.reenactService.Session().SelectImage(c, ctx.Params("id"), fileName, data)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "select_image")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusAccepted, reenact.SessionResponse{Data: view})
}

func (h *ReenactHandler) GetPreview(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), requestTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	preview, err := h.reenactService.Session().Preview(c, ctx.Params("id"))
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "get_preview")
	}

	extension := "png"
	if preview.MimeType == imaging.MimeJPEG {
		extension = "jpg"
	}

	ctx.Set(fiber.HeaderContentType, preview.MimeType)
	ctx.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="facepoke.%s"`, extension))
	return ctx.Status(fiber.StatusOK).Send(preview.Data)
}

func (h *ReenactHandler) Caption(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), requestTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	var req reenact.CaptionRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return errHandler.Handle(ctx, requestID, fiber.ErrUnprocessableEntity, ctx.Path(), "parse_request_body")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return errHandler.HandleValidationError(ctx, requestID, err, ctx.Path())
	}

	if strings.TrimSpace(req.Text) == "" {
		req.Text = imaging.DefaultCaption
	}

	view, err := h.reenactService.Session().Caption(c, ctx.Params("id"), req.Text)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "caption")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusOK, reenact.SessionResponse{Data: view})
}
