package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"isomod/protocol"
	"isomod/world"
)

type staticSource struct {
	cfg world.Config
	err error
}

func (s staticSource) Load() (world.Config, error) { return s.cfg, s.err }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("room-%d", n)
	}
}

func newTestManager(t *testing.T) *RoomManager {
	t.Helper()
	m := NewRoomManager(staticSource{cfg: testConfig()}, zaptest.NewLogger(t).Sugar(),
		WithRoomIDs(sequentialIDs()), WithTickInterval(time.Hour))
	t.Cleanup(m.Close)
	return m
}

// waitGone 房间销毁在房间协程内异步完成
func waitGone(t *testing.T, m *RoomManager, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Room(id); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s still registered", id)
}

func TestRoomManager_CreateRoom(t *testing.T) {
	m := newTestManager(t)
	r, err := m.CreateRoom()
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != "room-1" {
		t.Errorf("id = %q", r.ID)
	}
	if got, ok := m.Room("room-1"); !ok || got != r {
		t.Error("room not registered")
	}
	// 空房间在有人加入并离开前一直存在
	if m.Len() != 1 {
		t.Errorf("len = %d", m.Len())
	}
}

func TestRoomManager_CreateRoomConfigError(t *testing.T) {
	m := NewRoomManager(staticSource{err: errors.New("disk gone")}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(m.Close)
	if _, err := m.CreateRoom(); err == nil {
		t.Fatal("expected error")
	}
	if m.Len() != 0 {
		t.Errorf("len = %d", m.Len())
	}
}

func TestRoomManager_JoinUnknownRoom(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Join(context.Background(), 1, "nope", &recordingPeer{}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
	if _, ok := m.Session(1); ok {
		t.Error("session recorded for failed join")
	}
}

func TestRoomManager_RoutesWithoutJoin(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.Move(9, protocol.Move{}); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("move: %v", err)
	}
	if err := m.PlaceTile(ctx, 9, protocol.TilePlace{}); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("place: %v", err)
	}
	if err := m.BreakTile(ctx, 9, protocol.TileBreak{}); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("break: %v", err)
	}
	if err := m.Input(9, protocol.Input{}); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("input: %v", err)
	}
	m.Disconnect(9) // 未加入：no-op
}

func TestRoomManager_LastDisconnectDeletesRoom(t *testing.T) {
	m := newTestManager(t)
	r, _ := m.CreateRoom()
	ctx := context.Background()

	a, b := &recordingPeer{}, &recordingPeer{}
	sa, err := m.Join(ctx, 1, r.ID, a)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := m.Join(ctx, 2, r.ID, b)
	if err != nil {
		t.Fatal(err)
	}
	if sa.PlayerID != 1 || sb.PlayerID != 2 {
		t.Fatalf("player ids = %d, %d", sa.PlayerID, sb.PlayerID)
	}

	m.Disconnect(1)
	m.Disconnect(2)
	waitGone(t, m, r.ID)

	if _, err := m.Join(ctx, 3, r.ID, &recordingPeer{}); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("join destroyed room: %v", err)
	}
}

func TestRoomManager_RejoinLeavesPreviousRoom(t *testing.T) {
	m := newTestManager(t)
	r1, _ := m.CreateRoom()
	r2, _ := m.CreateRoom()
	ctx := context.Background()

	watcher := &recordingPeer{}
	if _, err := m.Join(ctx, 1, r1.ID, watcher); err != nil {
		t.Fatal(err)
	}
	p := &recordingPeer{}
	first, err := m.Join(ctx, 2, r1.ID, p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Join(ctx, 2, r2.ID, p)
	if err != nil {
		t.Fatal(err)
	}
	if second.RoomID != r2.ID || second.PlayerID != 1 {
		t.Errorf("session = %+v", second)
	}

	flush(t, r1)
	if ev := watcher.Last(); ev.Type != protocol.TypePlayerLeft || ev.Payload != int(first.PlayerID) {
		t.Errorf("old room got %+v, want playerLeft", ev)
	}
	if s, _ := m.Session(2); s.RoomID != r2.ID {
		t.Errorf("session bound to %s", s.RoomID)
	}
}

func TestRoomManager_PlaceTileEndToEnd(t *testing.T) {
	m := newTestManager(t)
	r, _ := m.CreateRoom()
	ctx := context.Background()

	p := &recordingPeer{}
	if _, err := m.Join(ctx, 1, r.ID, p); err != nil {
		t.Fatal(err)
	}
	if err := m.PlaceTile(ctx, 1, protocol.TilePlace{X: 5, Y: 5, Layer: 0, SpriteID: 2}); err != nil {
		t.Fatal(err)
	}
	tiles, err := r.Tiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 1 || world.New(world.WorldConfig{
		GridSize:      world.GridSize{X: 10, Y: 10},
		SpriteConfigs: testConfig().WorldConfig.SpriteConfigs,
		Tiles:         tiles,
	}).GroundLevel(5, 5) != 1 {
		t.Errorf("tiles = %+v", tiles)
	}
	if ev := p.Last(); ev.Type != protocol.TypeTileChanged {
		t.Errorf("sender got %+v", ev)
	}
}

func TestRoomManager_CloseStopsRooms(t *testing.T) {
	m := newTestManager(t)
	r, _ := m.CreateRoom()
	m.Close()
	select {
	case <-r.Done():
	default:
		t.Fatal("room still running after Close")
	}
	if m.Len() != 0 {
		t.Errorf("len = %d", m.Len())
	}
}
