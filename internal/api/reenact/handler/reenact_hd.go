package reenactHandler

import (
	"FacePoke/internal/api/reenact"
	reenactService "FacePoke/internal/api/reenact/service"
	"context"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const wsUploadName = "upload"

type wsError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// wsWriter serializes writes; the connection allows one writer at a time.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, data)
}

func (h *ReenactHandler) handleWebSocket(c *websocket.Conn) {
	session, err := h.reenactService.Session().Open(context.Background())
	if err != nil {
		h.log.WithField("error", err.Error()).Error("Failed to open session")
		_ = c.WriteJSON(wsError{Type: "error", Error: err.Error()})
		return
	}
	defer h.reenactService.Session().Close(session.ID())

	logger := h.log.WithField("session_id", session.ID())
	logger.Info("Reenact WebSocket client connected")
	defer logger.Info("Reenact WebSocket client disconnected")

	// binary frames carry a whole image file
	c.SetReadLimit(h.utils.MaxFileSize())

	c.SetPingHandler(func(data string) error {
		if err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second)); err != nil {
			logger.WithField("error", err.Error()).Warn("Error sending pong")
		}
		return nil
	})

	writer := &wsWriter{conn: c}

	hello := session.View()
	hello.Type = reenact.MessageHello
	if err := writer.writeJSON(hello); err != nil {
		logger.WithField("error", err.Error()).Warn("Failed to greet client")
		return
	}

	done := make(chan struct{})
	defer close(done)
	go h.pushUpdates(session, writer, done, logger)

	for {
		if err := c.SetReadDeadline(time.Now().Add(wsIdleTimeout)); err != nil {
			logger.WithField("error", err.Error()).Error("Error setting read deadline")
			return
		}

		messageType, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithField("error", err.Error()).Warn("Reenact WebSocket error")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := session.SelectImage(wsUploadName, message); err != nil {
				logger.WithField("error", err.Error()).Debug("Image selection rejected")
				if writeErr := writer.writeJSON(wsError{Type: "error", Error: err.Error()}); writeErr != nil {
					return
				}
			}
		case websocket.TextMessage:
			if err := h.handleClientMessage(session, message); err != nil {
				if writeErr := writer.writeJSON(wsError{Type: "error", Error: err.Error()}); writeErr != nil {
					return
				}
			}
		}
	}
}

func (h *ReenactHandler) handleClientMessage(session *reenactService.Session, message []byte) error {
	var msg reenact.ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return reenact.ErrInvalidMessage
	}

	if err := h.validator.Struct(msg); err != nil {
		return reenact.ErrInvalidMessage
	}

	switch msg.Type {
	case reenact.MessageGesture:
		if msg.Landmark == nil || msg.Vector == nil {
			return reenact.ErrInvalidMessage
		}

		req := reenact.GestureRequest{
			Landmark: *msg.Landmark,
			Vector:   *msg.Vector,
			Mode:     msg.Mode,
		}
		if err := h.validator.Struct(req); err != nil {
			return reenact.ErrInvalidMessage
		}
		session.Gesture(req)

	case reenact.MessageFlags:
		if msg.Flags == nil {
			return reenact.ErrInvalidMessage
		}
		session.SetFlags(*msg.Flags)

	case reenact.MessageReset:
		session.ResetPreview()
	}

	return nil
}

// pushUpdates sends the session view after every change, followed by the
// preview bytes whenever the preview itself changed.
func (h *ReenactHandler) pushUpdates(session *reenactService.Session, writer *wsWriter, done <-chan struct{}, logger *logrus.Entry) {
	var sentPreview uint64

	for {
		select {
		case <-done:
			return
		case <-session.Done():
			return
		case <-session.Updates():
		}

		if err := writer.writeJSON(session.View()); err != nil {
			logger.WithField("error", err.Error()).Debug("Failed to push session state")
			return
		}

		preview, version := session.Preview()
		if version == sentPreview || preview.IsZero() {
			continue
		}

		if err := writer.write(websocket.BinaryMessage, preview.Data); err != nil {
			logger.WithField("error", err.Error()).Debug("Failed to push preview")
			return
		}
		sentPreview = version
	}
}
