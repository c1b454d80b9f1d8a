package websocketPkg

import (
	"FacePoke/internal/entity"
	"FacePoke/pkg/imaging"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	typeLoadImage   = "load_image"
	typeModifyImage = "modify_image"

	maxPendingTags = 256
	maxFrameSize   = 32 << 20
)

var ErrClientClosed = errors.New("transform client closed")

type ReplyHandler func(reply entity.TransformReply)

// ITransformClient sends requests to the remote reenactment service. Sends
// are fire-and-forget: replies arrive through the ReplyHandler given to Dial,
// and a returned error only means the request never left this process.
type ITransformClient interface {
	LoadImage(tag entity.RequestTag, imageBase64 string) error
	TransformImage(tag entity.RequestTag, sessionID string, params entity.Params) error
	IsConnected() bool
	Close()
}

type Config struct {
	URL              string
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		PingInterval:     30 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

type loadImageRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Image     string `json:"image"`
}

type modifyImageRequest struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id"`
	UUID      string        `json:"uuid"`
	Params    entity.Params `json:"params"`
}

type inboundMessage struct {
	RequestID string                `json:"request_id"`
	Error     *string               `json:"error"`
	Image     *string               `json:"image"`
	Loaded    *entity.LoadedPayload `json:"loaded"`
}

type transformClient struct {
	cfg     Config
	log     *logrus.Logger
	onReply ReplyHandler

	mu           sync.Mutex
	conn         *websocket.Conn
	closed       bool
	seq          uint64
	pending      map[string]entity.RequestTag
	order        []string
	lastTag      entity.RequestTag
	awaitingLoad bool

	// mirrors conn != nil so readers never wait behind a write
	connected atomic.Bool
}

// Dial opens a connection to the transform service and starts delivering
// replies to onReply until Close is called.
func Dial(ctx context.Context, cfg Config, log *logrus.Logger, onReply ReplyHandler) (ITransformClient, error) {
	c := &transformClient{
		cfg:     cfg,
		log:     log,
		onReply: onReply,
		pending: make(map[string]entity.RequestTag),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *transformClient) connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return errors.New("transform service URL not configured")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.cfg.HandshakeTimeout

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
		if err != nil {
			c.log.WithField("error", err.Error()).Warn("Error sending pong")
		}
		return nil
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.setConn(conn)
	c.mu.Unlock()

	c.log.WithField("url", c.cfg.URL).Debug("Connected to transform service")

	go c.readLoop(conn)
	go c.keepAlive(conn)

	return nil
}

// setConn must be called with mu held.
func (c *transformClient) setConn(conn *websocket.Conn) {
	c.conn = conn
	c.connected.Store(conn != nil)
}

func (c *transformClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *transformClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.conn != nil {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout),
		)
		c.conn.Close()
		c.setConn(nil)
	}
}

func (c *transformClient) LoadImage(tag entity.RequestTag, imageBase64 string) error {
	return c.send(tag, true, func(requestID string) any {
		return loadImageRequest{
			Type:      typeLoadImage,
			RequestID: requestID,
			Image:     imageBase64,
		}
	})
}

func (c *transformClient) TransformImage(tag entity.RequestTag, sessionID string, params entity.Params) error {
	return c.send(tag, false, func(requestID string) any {
		return modifyImageRequest{
			Type:      typeModifyImage,
			RequestID: requestID,
			UUID:      sessionID,
			Params:    params,
		}
	})
}

func (c *transformClient) send(tag entity.RequestTag, load bool, build func(requestID string) any) error {
	conn, err := c.getConnection()
	if errors.Is(err, ErrClientClosed) {
		return err
	}
	if err != nil {
		if err := c.connect(context.Background()); err != nil {
			return fmt.Errorf("cannot connect to transform service: %w", err)
		}
		conn, err = c.getConnection()
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	requestID := strconv.FormatUint(tag.Epoch, 10) + "-" + strconv.FormatUint(c.seq, 10)

	payload, err := json.Marshal(build(requestID))
	if err != nil {
		return fmt.Errorf("error encoding transform request: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if c.conn == conn {
			c.setConn(nil)
		}
		conn.Close()
		return fmt.Errorf("error sending transform request: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	c.remember(requestID, tag)
	c.lastTag = tag
	if load {
		c.awaitingLoad = true
	}

	return nil
}

func (c *transformClient) getConnection() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn == nil {
		return nil, errors.New("not connected to transform service")
	}

	return c.conn, nil
}

// remember keeps the tag for a request id, evicting the oldest entries once
// the service stops echoing ids.
func (c *transformClient) remember(requestID string, tag entity.RequestTag) {
	c.pending[requestID] = tag
	c.order = append(c.order, requestID)
	for len(c.order) > maxPendingTags {
		delete(c.pending, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *transformClient) resolve(requestID string) entity.RequestTag {
	c.mu.Lock()
	defer c.mu.Unlock()

	if requestID != "" {
		if tag, ok := c.pending[requestID]; ok {
			delete(c.pending, requestID)
			return tag
		}
	}
	return c.lastTag
}

func (c *transformClient) readLoop(conn *websocket.Conn) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		var reply entity.TransformReply
		switch messageType {
		case websocket.BinaryMessage:
			reply = entity.TransformReply{Image: message}
			reply.Tag = c.resolve("")
		case websocket.TextMessage:
			reply = c.decode(message)
		default:
			continue
		}

		if reply.Kind() == entity.ReplyLoaded || reply.Kind() == entity.ReplyError {
			c.mu.Lock()
			c.awaitingLoad = false
			c.mu.Unlock()
		}

		c.onReply(reply)
	}
}

func (c *transformClient) decode(message []byte) entity.TransformReply {
	var msg inboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.log.WithField("error", err.Error()).Warn("Received undecodable message from transform service")
		return entity.TransformReply{Tag: c.resolve(""), Raw: message}
	}

	reply := entity.TransformReply{Tag: c.resolve(msg.RequestID), Raw: message}
	switch {
	case msg.Error != nil:
		reply.Error = msg.Error
	case msg.Image != nil:
		data, err := imaging.DecodeBase64(*msg.Image)
		if err != nil {
			c.log.WithField("error", err.Error()).Warn("Received image with invalid base64 payload")
			return reply
		}
		reply.Image = data
	case msg.Loaded != nil:
		reply.Loaded = msg.Loaded
		// the upload tag never carries a session id
		reply.Tag.SessionID = ""
	}

	return reply
}

// connectionLost forgets a dead connection. A pending upload can no longer
// be acknowledged, so it is reported as an error reply; transforms reconnect
// on the next send.
func (c *transformClient) connectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.setConn(nil)
	}
	closed := c.closed
	awaiting := c.awaitingLoad
	c.awaitingLoad = false
	tag := c.lastTag
	c.mu.Unlock()

	conn.Close()

	if closed {
		return
	}

	c.log.WithFields(logrus.Fields{
		"error": err.Error(),
		"epoch": tag.Epoch,
	}).Warn("Connection to transform service lost")

	if awaiting {
		message := "transform service connection lost"
		c.onReply(entity.TransformReply{Tag: entity.RequestTag{Epoch: tag.Epoch}, Error: &message})
	}
}

func (c *transformClient) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}

		err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.cfg.WriteTimeout))
		if err != nil {
			c.log.WithField("error", err.Error()).Warn("Ping failed, marking transform connection as dead")
			c.setConn(nil)
			conn.Close()
			c.mu.Unlock()
			return
		}

		c.mu.Unlock()
	}
}
