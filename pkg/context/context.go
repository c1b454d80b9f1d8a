package context

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

type key string

const RequestIDKey key = "request_id"

// FiberRequestIDKey is the fiber Locals key set by the request id middleware.
const FiberRequestIDKey = "X-Request-ID"

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	requestID, ok := ctx.Value(RequestIDKey).(string)
	if !ok || requestID == "" {
		return "unknown"
	}
	return requestID
}

func FromFiberCtx(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()

	requestID, ok := c.Locals(FiberRequestIDKey).(string)
	if !ok || requestID == "" {
		requestID = c.Get(FiberRequestIDKey)

		if requestID == "" {
			requestID = "unknown"
		}
	}

	return WithRequestID(ctx, requestID)
}
