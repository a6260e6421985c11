// Package transport owns the server side of a single WebSocket
// connection: a read pump feeding inbound frames to a handler and a
// write pump draining a buffered send channel.
package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/cjp0116/discord/pkg/protocol"
)

// MessageHandler is invoked for every inbound text/binary message.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// OnCloseHandler is invoked exactly once when the connection terminates.
type OnCloseHandler func(connID uuid.UUID, err error)

type Config struct {
	ReadTimeout time.Duration
}

// Conn is a single WebSocket connection, safe for concurrent sends.
type Conn struct {
	id     uuid.UUID
	ws     *websocket.Conn
	config Config
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConn(parentCtx context.Context, wg *sync.WaitGroup, ws *websocket.Conn, config Config, logger *slog.Logger) *Conn {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parentCtx)

	// Counted from construction so a connection closed before Run still
	// balances the shutdown wait group.
	wg.Add(1)
	return &Conn{
		id:     id,
		ws:     ws,
		config: config,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		wg:     wg,
		logger: logger.With(slog.String("connID", id.String())),
	}
}

func (c *Conn) ID() uuid.UUID { return c.id }

// Done is closed when the connection is fully terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) SetOnMessage(handler MessageHandler) { c.onMessage = handler }
func (c *Conn) SetOnClose(handler OnCloseHandler)   { c.onClose = handler }

// Run starts the read and write pumps. It returns immediately.
func (c *Conn) Run() {
	go c.readPump()
	go c.writePump()
	c.logger.Debug("Transport connection established")
}

func (c *Conn) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.ws.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		msg, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, msg)
		}
	}
}

func (c *Conn) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.ws.Write(c.ctx, websocket.MessageText, msg); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.ws.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

// Send queues a raw message for delivery. Safe for concurrent use;
// dropped if the connection is already closing.
func (c *Conn) Send(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
		c.logger.Warn("Dropped send on closed connection")
	}
}

// SendEvent encodes an event frame and queues it for delivery.
func (c *Conn) SendEvent(event string, payload any) error {
	msg, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}
	c.Send(msg)
	return nil
}

// Close shuts the connection down exactly once and fires the onClose
// hook with the terminating error, if any.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("Transport connection closing", slog.Any("reason", err))

		// The send channel is never closed; writers race the cancel, so
		// closing it could panic a concurrent Send.
		c.cancel()
		if c.ws != nil {
			c.ws.Close(websocket.StatusNormalClosure, "")
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}
