package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"isomod/protocol"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20 // 1MB
	sendQueueSize  = 256
)

// ClientConn 一个 WebSocket 连接：发送经队列由写协程写出，读协程把入站消息路由给注册表
type ClientConn struct {
	id    ConnID
	ws    *websocket.Conn
	codec protocol.Codec
	log   *zap.SugaredLogger

	send      chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewClientConn(id ConnID, ws *websocket.Conn, codec protocol.Codec, log *zap.SugaredLogger) *ClientConn {
	return &ClientConn{
		id:    id,
		ws:    ws,
		codec: codec,
		log:   log.With("conn", id),
		send:  make(chan protocol.Event, sendQueueSize),
		done:  make(chan struct{}),
	}
}

// Send 将要发送的消息压入队列（非阻塞，满则丢弃并返回 false）。
// 连接已关闭时静默忽略。
func (c *ClientConn) Send(ev protocol.Event) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Close 关闭底层连接，结束读写协程
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *ClientConn) frameType() int {
	if c.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump(ctx context.Context) error {
	defer c.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return nil
		case <-c.done:
			return nil
		case ev := <-c.send:
			data, err := c.codec.Encode(ev)
			if err != nil {
				c.log.Errorf("encode %s: %v", ev.Type, err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.frameType(), data); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// readPump 读取客户端消息并路由；格式错误的消息记录后跳过，不影响连接
func (c *ClientConn) readPump(ctx context.Context, rooms *RoomManager) error {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil
		}
		frame, err := c.codec.Decode(payload)
		if err != nil {
			c.log.Debugf("discarding malformed frame: %v", err)
			continue
		}
		c.dispatch(ctx, rooms, frame)
	}
}

func (c *ClientConn) dispatch(ctx context.Context, rooms *RoomManager, f protocol.Frame) {
	var err error
	switch f.Type {
	case protocol.TypeJoinRoom:
		var roomID string
		if err = f.Payload(&roomID); err != nil {
			break
		}
		var s *Session
		s, err = rooms.Join(ctx, c.id, roomID, c)
		if errors.Is(err, ErrRoomNotFound) {
			c.Send(protocol.ErrorEvent(protocol.MsgRoomNotFound))
			c.log.Infof("join rejected: room %q not found", roomID)
			return
		}
		if err == nil {
			c.log.Infof("joined room %s as player %d", s.RoomID, s.PlayerID)
		}
	case protocol.TypePlayerMove:
		var mv protocol.Move
		if err = f.Payload(&mv); err == nil {
			err = rooms.Move(c.id, mv)
		}
	case protocol.TypePlayerInput:
		var in protocol.Input
		if err = f.Payload(&in); err == nil {
			err = rooms.Input(c.id, in)
		}
	case protocol.TypeTileBreak:
		var tb protocol.TileBreak
		if err = f.Payload(&tb); err == nil {
			err = rooms.BreakTile(ctx, c.id, tb)
		}
	case protocol.TypeTilePlace:
		var tp protocol.TilePlace
		if err = f.Payload(&tp); err == nil {
			err = rooms.PlaceTile(ctx, c.id, tp)
		}
	default:
		err = protocol.ErrUnknownMessage
	}
	if err != nil {
		c.log.Debugf("%s ignored: %v", f.Type, err)
	}
}

// WSHandler WebSocket 接入：/ws?codec=json|msgpack，加入房间通过 joinRoom 消息
type WSHandler struct {
	base     context.Context
	rooms    *RoomManager
	log      *zap.SugaredLogger
	nextID   atomic.Uint64
	upgrader websocket.Upgrader
}

// NewWSHandler base 取消时所有连接关闭
func NewWSHandler(base context.Context, rooms *RoomManager, log *zap.SugaredLogger) *WSHandler {
	return &WSHandler{
		base:  base,
		rooms: rooms,
		log:   log.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 演示环境：允许所有来源
				return true
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec := protocol.CodecByName(r.URL.Query().Get("codec"))
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade error: %v", err)
		return
	}

	id := ConnID(h.nextID.Add(1))
	c := NewClientConn(id, ws, codec, h.log)
	c.log.Infof("connected from %s codec=%s", r.RemoteAddr, codec.Name())

	eg, ctx := errgroup.WithContext(h.base)
	eg.Go(func() error { return c.writePump(ctx) })
	eg.Go(func() error { return c.readPump(ctx, h.rooms) })
	if err := eg.Wait(); err != nil {
		c.log.Debugf("connection closed: %v", err)
	}

	// 断开只取消该连接之后的发送；已接受的变更不回滚
	h.rooms.Disconnect(id)
	c.log.Info("disconnected")
}
