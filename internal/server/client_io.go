package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8 << 20
)

// Client is one connected editor.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *zap.Logger

	// send is drained by writePump. Buffering keeps broadcasts non-blocking.
	send chan Message

	// done is closed once to signal shutdown. Senders check it instead of the
	// send channel ever being closed.
	done     chan struct{}
	sendOnce sync.Once

	// ctx is cancelled when the client disconnects or the server stops.
	ctx    context.Context
	cancel context.CancelFunc

	commands *rate.Limiter
	focus    *rate.Limiter
}

// handleWebSocket upgrades an HTTP connection and registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	id := uuid.NewString()
	client := &Client{
		id:       id,
		conn:     conn,
		server:   s,
		logger:   s.logger.With(zap.String("client", id)),
		send:     make(chan Message, channelBufferSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		commands: rate.NewLimiter(rate.Limit(s.opts.CommandRate), s.opts.CommandBurst),
		focus:    rate.NewLimiter(rate.Limit(s.opts.FocusRate), 1),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	s.clients[client] = true
	// The snapshot is queued under the lock so no broadcast can overtake it.
	client.send <- NewSnapshotMessage(id, s.editor.Store().Snapshot())
	s.mu.Unlock()

	if s.opts.Preferences != nil {
		if prefs, err := s.opts.Preferences.Preferences(); err != nil {
			s.logger.Warn("load preferences", zap.Error(err))
		} else {
			client.reply(NewPreferencesMessage(prefs))
		}
	}

	client.logger.Info("client connected", zap.Int("clients", s.ClientCount()))

	go client.writePump()
	go client.readPump()
}

// closeSend signals the client to shut down exactly once.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// reply queues msg for this client only.
func (c *Client) reply(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("client send buffer full, dropping reply", zap.String("type", string(msg.Type)))
	}
}

// sendError reports err for the command with id.
func (c *Client) sendError(id, path string, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	c.reply(NewErrorMessage(id, code, message, path))
}

// writePump sends queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("marshal message", zap.String("type", string(msg.Type)), zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.closeSend()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}

// readPump reads commands until the connection fails. Commands from one
// client run in order.
func (c *Client) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()
		c.closeSend()
		c.logger.Info("client disconnected", zap.Int("clients", c.server.ClientCount()))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "", apperrors.InvalidMessage("invalid message format"))
			continue
		}
		if !c.commands.Allow() {
			c.sendError(msg.ID, "", apperrors.RateLimited())
			continue
		}
		c.dispatch(msg)
	}
}
