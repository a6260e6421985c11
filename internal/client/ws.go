package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cjp0116/discord/pkg/protocol"
)

const wsWriteTimeout = 10 * time.Second

// WSDialer produces websocket-backed Conns.
type WSDialer struct {
	Logger *slog.Logger
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &wsConn{
		ws:     ws,
		frames: make(chan protocol.Frame, 32),
		logger: d.Logger,
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	frames    chan protocol.Frame
	logger    *slog.Logger
	closeOnce sync.Once
}

func (c *wsConn) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Dropping malformed frame", slog.Any("error", err))
			continue
		}
		c.frames <- frame
	}
}

func (c *wsConn) Send(event string, payload any) error {
	raw, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, raw)
}

func (c *wsConn) Frames() <-chan protocol.Frame {
	return c.frames
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "client closing")
	})
	return err
}
