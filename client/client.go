package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"isomod/protocol"
)

const writeWait = 5 * time.Second

// Client WebSocket 客户端：读协程把服务器消息应用到镜像，
// OnFrame 在应用之后回调（可为 nil）。
type Client struct {
	conn   *websocket.Conn
	codec  protocol.Codec
	mirror *Mirror
	log    *zap.SugaredLogger

	OnFrame func(protocol.Frame)

	writeMu sync.Mutex
}

// Dial 连接服务器的 /ws 端点，codec 为空时使用 JSON
func Dial(ctx context.Context, wsURL, codec string, log *zap.SugaredLogger) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if codec != "" {
		q := u.Query()
		q.Set("codec", codec)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return &Client{
		conn:   conn,
		codec:  protocol.CodecByName(codec),
		mirror: NewMirror(),
		log:    log.Named("client"),
	}, nil
}

func (c *Client) Mirror() *Mirror { return c.mirror }

// Send 写出一条客户端消息；可被多个协程并发调用
func (c *Client) Send(typ string, payload any) error {
	data, err := c.codec.Encode(protocol.Event{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(frame, data)
}

func (c *Client) Join(roomID string) error {
	return c.Send(protocol.TypeJoinRoom, roomID)
}

// Run 读取服务器消息直到连接关闭或 ctx 取消
func (c *Client) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.writeMu.Unlock()
			return c.conn.Close()
		case <-done:
			return nil
		}
	})
	eg.Go(func() error {
		defer close(done)
		return c.readLoop()
	})
	return eg.Wait()
}

func (c *Client) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		f, err := c.codec.Decode(data)
		if err != nil {
			c.log.Debugf("discarding malformed frame: %v", err)
			continue
		}
		if err := c.mirror.Apply(f); err != nil {
			if errors.Is(err, ErrServer) {
				return err
			}
			c.log.Debugf("%s not applied: %v", f.Type, err)
		}
		if c.OnFrame != nil {
			c.OnFrame(f)
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
