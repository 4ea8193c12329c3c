package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"isomod/protocol"
	"isomod/world"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotInRoom    = errors.New("connection has not joined a room")
)

// ConnID 连接标识，由传输层分配
type ConnID uint64

// Session 连接与房间/玩家的绑定记录，由注册表持有
type Session struct {
	ConnID   ConnID
	RoomID   string
	PlayerID PlayerID
	room     *Room
}

// ConfigSource 新房间的默认配置来源
type ConfigSource interface {
	Load() (world.Config, error)
}

// RoomManager 管理多个房间的生命周期，以及连接到房间的路由。
// 每个服务器实例一个，由 main 创建并注入。
type RoomManager struct {
	mu       deadlock.RWMutex
	rooms    map[string]*Room
	sessions map[ConnID]*Session

	source    ConfigSource
	root      *zap.SugaredLogger
	log       *zap.SugaredLogger
	newRoomID func() string
	tickEvery time.Duration
}

type ManagerOption func(*RoomManager)

// WithRoomIDs 替换房间 ID 生成器（测试用）
func WithRoomIDs(fn func() string) ManagerOption {
	return func(m *RoomManager) { m.newRoomID = fn }
}

func WithTickInterval(d time.Duration) ManagerOption {
	return func(m *RoomManager) { m.tickEvery = d }
}

func NewRoomManager(source ConfigSource, log *zap.SugaredLogger, opts ...ManagerOption) *RoomManager {
	m := &RoomManager{
		rooms:     make(map[string]*Room),
		sessions:  make(map[ConnID]*Session),
		source:    source,
		root:      log,
		log:       log.Named("registry"),
		newRoomID: uuid.NewString,
		tickEvery: tickInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRoom 读取默认配置创建新房间，并启动房间协程
func (m *RoomManager) CreateRoom() (*Room, error) {
	cfg, err := m.source.Load()
	if err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}
	id := m.newRoomID()
	r := NewRoom(id, cfg, m.root.Named("room"))
	r.tickEvery = m.tickEvery
	r.onEmpty = m.roomEmptied

	m.mu.Lock()
	if _, exists := m.rooms[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("room id %q already in use", id)
	}
	m.rooms[id] = r
	m.mu.Unlock()

	r.Start()
	m.log.Infof("room %s created", id)
	return r, nil
}

func (m *RoomManager) Room(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Rooms 当前所有房间
func (m *RoomManager) Rooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

func (m *RoomManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *RoomManager) Session(conn ConnID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conn]
	return s, ok
}

// Join 将连接加入房间。房间不存在（或恰好被销毁）时返回 ErrRoomNotFound；
// 已在其他房间的连接先离开原房间。
func (m *RoomManager) Join(ctx context.Context, conn ConnID, roomID string, peer Peer) (*Session, error) {
	m.Disconnect(conn)

	r, ok := m.Room(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	pid, err := r.Join(ctx, peer)
	if errors.Is(err, ErrRoomClosed) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}

	s := &Session{ConnID: conn, RoomID: roomID, PlayerID: pid, room: r}
	m.mu.Lock()
	m.sessions[conn] = s
	m.mu.Unlock()
	return s, nil
}

// Disconnect 解除连接绑定并让玩家离开房间；未加入房间时为 no-op
func (m *RoomManager) Disconnect(conn ConnID) {
	m.mu.Lock()
	s, ok := m.sessions[conn]
	delete(m.sessions, conn)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.room.Leave(s.PlayerID)
}

func (m *RoomManager) session(conn ConnID) (*Session, error) {
	s, ok := m.Session(conn)
	if !ok {
		return nil, ErrNotInRoom
	}
	return s, nil
}

func (m *RoomManager) Move(conn ConnID, body protocol.Move) error {
	s, err := m.session(conn)
	if err != nil {
		return err
	}
	s.room.Move(Move{PlayerID: s.PlayerID, Body: body})
	return nil
}

func (m *RoomManager) Input(conn ConnID, in protocol.Input) error {
	s, err := m.session(conn)
	if err != nil {
		return err
	}
	s.room.OnInput(Input{PlayerID: s.PlayerID, Intent: in.Intent, Seq: in.Seq})
	return nil
}

func (m *RoomManager) BreakTile(ctx context.Context, conn ConnID, tb protocol.TileBreak) error {
	s, err := m.session(conn)
	if err != nil {
		return err
	}
	return s.room.BreakTile(ctx, s.PlayerID, tb)
}

func (m *RoomManager) PlaceTile(ctx context.Context, conn ConnID, tp protocol.TilePlace) error {
	s, err := m.session(conn)
	if err != nil {
		return err
	}
	return s.room.PlaceTile(ctx, s.PlayerID, tp)
}

// Close 停止所有房间并等待房间协程退出（进程退出时调用）
func (m *RoomManager) Close() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.sessions = make(map[ConnID]*Session)
	m.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
	for _, r := range rooms {
		<-r.Done()
	}
}

// roomEmptied 在房间协程内同步调用：此后新的加入请求将看不到该房间
func (m *RoomManager) roomEmptied(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[r.ID]; ok && cur == r {
		delete(m.rooms, r.ID)
	}
}
