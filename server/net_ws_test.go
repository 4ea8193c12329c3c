package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"isomod/protocol"
	"isomod/world"
)

type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
}

func newWSServer(t *testing.T) (*RoomManager, string) {
	t.Helper()
	// 连接协程可能在测试结束后才退出，不使用 zaptest
	log := zap.NewNop().Sugar()
	rooms := NewRoomManager(staticSource{cfg: testConfig()}, log,
		WithRoomIDs(sequentialIDs()), WithTickInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	ws := NewWSHandler(ctx, rooms, log)
	h := NewHTTPHandler(rooms, world.NewLoader(nil), nil, ws, log)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		rooms.Close()
	})
	return rooms, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url, codec string) *wsClient {
	t.Helper()
	if codec != "" {
		url += "?codec=" + codec
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn, codec: protocol.CodecByName(codec)}
}

func (c *wsClient) send(typ string, payload any) {
	c.t.Helper()
	data, err := c.codec.Encode(protocol.Event{Type: typ, Payload: payload})
	if err != nil {
		c.t.Fatal(err)
	}
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	if err := c.conn.WriteMessage(frame, data); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

// waitFor 读取直到出现指定类型且满足条件的消息
func (c *wsClient) waitFor(typ string, match func(protocol.Frame) bool) protocol.Frame {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		f, err := c.codec.Decode(data)
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if f.Type == typ && (match == nil || match(f)) {
			return f
		}
	}
}

func (c *wsClient) join(roomID string) protocol.GameState {
	c.t.Helper()
	c.send(protocol.TypeJoinRoom, roomID)
	var st protocol.GameState
	if err := c.waitFor(protocol.TypeGameState, nil).Payload(&st); err != nil {
		c.t.Fatal(err)
	}
	return st
}

func TestWS_JoinPlaceMoveLeave(t *testing.T) {
	rooms, url := newWSServer(t)
	r, _ := rooms.CreateRoom()

	a := dialWS(t, url, "")
	stA := a.join(r.ID)
	if stA.PlayerID != 1 || len(stA.Players) != 1 {
		t.Fatalf("A snapshot = %+v", stA)
	}

	b := dialWS(t, url, "")
	stB := b.join(r.ID)
	if stB.PlayerID != 2 || len(stB.Players) != 2 {
		t.Fatalf("B snapshot = %+v", stB)
	}
	a.waitFor(protocol.TypePlayerJoined, func(f protocol.Frame) bool {
		var p protocol.Player
		return f.Payload(&p) == nil && p.ID == 2
	})

	a.send(protocol.TypeTilePlace, protocol.TilePlace{X: 5, Y: 5, Layer: 0, SpriteID: 2})
	for _, c := range []*wsClient{a, b} {
		var tc protocol.TileChanged
		if err := c.waitFor(protocol.TypeTileChanged, nil).Payload(&tc); err != nil {
			t.Fatal(err)
		}
		if tc.Action != protocol.ActionPlace || tc.X != 5 || tc.SpriteID != 2 {
			t.Errorf("tileChanged = %+v", tc)
		}
	}

	// 格式错误的消息被跳过，连接继续可用
	if err := a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	a.send(protocol.TypePlayerMove, protocol.Move{X: 6, Y: 5, Z: 1})
	var pm protocol.PlayerMoved
	if err := b.waitFor(protocol.TypePlayerMoved, nil).Payload(&pm); err != nil {
		t.Fatal(err)
	}
	if pm.PlayerID != 1 || pm.X != 6 || pm.Z != 1 {
		t.Errorf("playerMoved = %+v", pm)
	}

	_ = a.conn.Close()
	b.waitFor(protocol.TypePlayerLeft, func(f protocol.Frame) bool {
		var id int
		return f.Payload(&id) == nil && id == 1
	})
}

func TestWS_JoinUnknownRoom(t *testing.T) {
	_, url := newWSServer(t)
	c := dialWS(t, url, "")

	c.send(protocol.TypeJoinRoom, "no-such-room")
	var msg string
	if err := c.waitFor(protocol.TypeError, nil).Payload(&msg); err != nil {
		t.Fatal(err)
	}
	if msg != protocol.MsgRoomNotFound {
		t.Errorf("error = %q", msg)
	}
}

func TestWS_MsgpackCodec(t *testing.T) {
	rooms, url := newWSServer(t)
	r, _ := rooms.CreateRoom()

	bin := dialWS(t, url, "msgpack")
	st := bin.join(r.ID)
	if st.PlayerID != 1 || st.Config.WorldConfig.GridSize.X != 10 {
		t.Fatalf("snapshot = %+v", st)
	}

	text := dialWS(t, url, "")
	text.join(r.ID)

	// 两种编码的连接在同一房间互通
	text.send(protocol.TypeTileBreak, protocol.TileBreak{X: 1, Y: 1})
	text.send(protocol.TypeTilePlace, protocol.TilePlace{X: 1, Y: 1, SpriteID: 1})
	var tc protocol.TileChanged
	if err := bin.waitFor(protocol.TypeTileChanged, nil).Payload(&tc); err != nil {
		t.Fatal(err)
	}
	if tc.Action != protocol.ActionBreak || tc.X != 1 || tc.Y != 1 {
		t.Errorf("first tileChanged = %+v", tc)
	}
	if err := bin.waitFor(protocol.TypeTileChanged, nil).Payload(&tc); err != nil {
		t.Fatal(err)
	}
	if tc.Action != protocol.ActionPlace || tc.SpriteID != 1 {
		t.Errorf("second tileChanged = %+v", tc)
	}
}

func TestWS_InputDrivenMovement(t *testing.T) {
	rooms, url := newWSServer(t)
	r, _ := rooms.CreateRoom()

	a := dialWS(t, url, "")
	a.join(r.ID)
	a.send(protocol.TypePlayerInput, protocol.Input{Intent: world.Intent{Right: true}, Seq: 3})

	// playerInput 的处理与 tick 都在房间协程内按顺序执行
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		driven, _ := request(context.Background(), r, func() bool {
			p := r.players[1]
			return p != nil && p.driven
		})
		if driven {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := request(context.Background(), r, func() struct{} {
		r.tick(0.05)
		return struct{}{}
	}); err != nil {
		t.Fatal(err)
	}

	var pm protocol.PlayerMoved
	if err := a.waitFor(protocol.TypePlayerMoved, nil).Payload(&pm); err != nil {
		t.Fatal(err)
	}
	if pm.Seq != 3 || pm.X <= 5 {
		t.Errorf("playerMoved = %+v", pm)
	}
}
