package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"isomod/protocol"
	"isomod/world"
)

var ErrRoomClosed = errors.New("room closed")

// Room 房间世界：权威状态维护在内存，由单个协程按到达顺序串行处理所有操作
type Room struct {
	ID string

	log     *zap.SugaredLogger
	metrics *RoomMetrics

	ops       chan func()
	done      chan struct{} // 房间协程退出后关闭
	stop      chan struct{}
	stopOnce  sync.Once
	onEmpty   func(*Room) // 最后一名玩家离开时在房间协程内同步调用
	tickEvery time.Duration
	now       func() time.Time

	// 以下字段只允许在房间协程内访问
	config       world.Config
	world        *world.World
	players      map[PlayerID]*Player
	group        *Group
	nextPlayerID PlayerID
	destroyed    bool
}

// NewRoom 创建房间，初始化数据结构；需调用 Start 启动房间协程
func NewRoom(id string, cfg world.Config, log *zap.SugaredLogger) *Room {
	cfg = cfg.Clone()
	return &Room{
		ID:           id,
		log:          log.With("room", id),
		metrics:      &RoomMetrics{},
		ops:          make(chan func(), 256), // 足够缓冲，避免网络读阻塞
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
		tickEvery:    tickInterval,
		now:          time.Now,
		config:       cfg,
		world:        world.New(cfg.WorldConfig),
		players:      make(map[PlayerID]*Player),
		group:        newGroup(),
		nextPlayerID: 1,
	}
}

func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// Done 房间销毁或关闭后返回的通道被关闭
func (r *Room) Done() <-chan struct{} { return r.done }

// Close 停止房间协程（进程退出时由注册表调用）
func (r *Room) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// submit 将操作排入房间队列；房间已关闭时返回 ErrRoomClosed
func (r *Room) submit(ctx context.Context, op func()) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.ops <- op:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request 在房间协程内执行 fn 并等待结果
func request[T any](ctx context.Context, r *Room, fn func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := r.submit(ctx, func() { reply <- fn() }); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		// 关闭前的最后一个操作可能已经执行
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrRoomClosed
		}
	}
}

// Join 分配玩家 ID 与出生点，只向加入者发送完整快照，并向其他成员广播 playerJoined
func (r *Room) Join(ctx context.Context, peer Peer) (PlayerID, error) {
	return request(ctx, r, func() PlayerID { return r.join(peer) })
}

// Leave 移除玩家；为保证移除一定生效，这里阻塞直到操作入队或房间已关闭
func (r *Room) Leave(id PlayerID) {
	_ = r.submit(context.Background(), func() { r.leave(id) })
}

// Move 采纳客户端上报的状态并转发给其他成员。高频消息：队列满时丢弃
func (r *Room) Move(m Move) {
	op := func() { r.applyMove(m) }
	select {
	case r.ops <- op:
	case <-r.done:
	default:
		r.metrics.IncMovesDropped()
	}
}

// OnInput 入站意图（不立即改变位置），仅记录，等下一次 Tick 处理
func (r *Room) OnInput(in Input) {
	op := func() { r.applyInput(in) }
	select {
	case r.ops <- op:
	case <-r.done:
	default:
		r.metrics.IncMovesDropped()
	}
}

func (r *Room) BreakTile(ctx context.Context, id PlayerID, tb protocol.TileBreak) error {
	return r.submit(ctx, func() { r.breakTile(id, tb) })
}

func (r *Room) PlaceTile(ctx context.Context, id PlayerID, tp protocol.TilePlace) error {
	return r.submit(ctx, func() { r.placeTile(id, tp) })
}

// ReplaceConfig 整体替换玩家模板和/或世界配置，并广播给整个房间
func (r *Room) ReplaceConfig(ctx context.Context, pc *world.PlayerConfig, wc *world.WorldConfig) error {
	_, err := request(ctx, r, func() struct{} {
		r.replaceConfig(pc, wc)
		return struct{}{}
	})
	return err
}

// Config 当前配置的副本
func (r *Room) Config(ctx context.Context) (world.Config, error) {
	return request(ctx, r, func() world.Config { return r.config.Clone() })
}

// Tiles 当前世界状态的副本
func (r *Room) Tiles(ctx context.Context) ([]world.Tile, error) {
	return request(ctx, r, func() []world.Tile { return r.world.Tiles() })
}

// Players 当前玩家状态（按 ID 排序）
func (r *Room) Players(ctx context.Context) ([]protocol.Player, error) {
	return request(ctx, r, r.playerStates)
}

func (r *Room) join(peer Peer) PlayerID {
	id := r.nextPlayerID
	r.nextPlayerID++

	p := newPlayer(id, r.config.WorldConfig.Spawn(), r.config.PlayerConfig, r.now())
	r.players[id] = p

	state := protocol.GameState{
		PlayerID:   int(id),
		Players:    r.playerStates(),
		Config:     r.config.Clone(),
		WorldState: r.world.Tiles(),
	}
	if !peer.Send(protocol.Event{Type: protocol.TypeGameState, Payload: state}) {
		r.metrics.IncSendsDropped()
	}
	r.publish(protocol.Event{Type: protocol.TypePlayerJoined, Payload: p.State()}, nobody)
	r.group.Subscribe(id, peer)

	r.metrics.IncJoins()
	r.log.Infof("player %d joined, %d players", id, len(r.players))
	return id
}

func (r *Room) leave(id PlayerID) {
	if _, ok := r.players[id]; !ok {
		return
	}
	delete(r.players, id)
	r.group.Unsubscribe(id)
	r.publish(protocol.Event{Type: protocol.TypePlayerLeft, Payload: int(id)}, nobody)
	r.metrics.IncLeaves()
	r.log.Infof("player %d left, %d players", id, len(r.players))

	if len(r.players) == 0 {
		r.destroyed = true
		if r.onEmpty != nil {
			r.onEmpty(r)
		}
		r.log.Info("room deleted (empty)")
	}
}

func (r *Room) applyMove(m Move) {
	p, ok := r.players[m.PlayerID]
	if !ok {
		return
	}
	p.Body = m.Body
	p.LastUpdate = r.now()
	p.driven = false
	r.metrics.IncMovesApplied()
	r.publish(p.moved(0), p.ID)
}

func (r *Room) applyInput(in Input) {
	p, ok := r.players[in.PlayerID]
	if !ok {
		return
	}
	p.intent = in.Intent
	p.lastSeq = in.Seq
	p.driven = true
}

func (r *Room) breakTile(id PlayerID, tb protocol.TileBreak) {
	if _, ok := r.players[id]; !ok {
		return
	}
	removed, err := r.world.BreakTile(tb.X, tb.Y, tb.Layer)
	if err != nil {
		r.metrics.IncBreakRejected()
		r.log.Debugf("break rejected from player %d at %d,%d layer %d: %v", id, tb.X, tb.Y, tb.Layer, err)
		return
	}
	// 网格内的破坏都会广播，即使该位置没有方块
	if removed > 0 {
		r.metrics.IncTilesBroken()
	}
	r.publish(protocol.BrokenEvent(tb.X, tb.Y, tb.Layer), nobody)
	r.log.Debugf("break at %d,%d layer %d removed %d tiles", tb.X, tb.Y, tb.Layer, removed)
}

func (r *Room) placeTile(id PlayerID, tp protocol.TilePlace) {
	if _, ok := r.players[id]; !ok {
		return
	}
	t := world.Tile{X: tp.X, Y: tp.Y, Layer: tp.Layer, SpriteID: tp.SpriteID}
	if err := r.world.PlaceTile(t); err != nil {
		r.metrics.IncPlaceRejected()
		r.log.Debugf("place rejected from player %d %+v: %v", id, t, err)
		return
	}
	r.metrics.IncTilesPlaced()
	r.publish(protocol.PlacedEvent(t), nobody)
	r.log.Debugf("tile placed at %d,%d layer %d sprite %d", t.X, t.Y, t.Layer, t.SpriteID)
}

func (r *Room) replaceConfig(pc *world.PlayerConfig, wc *world.WorldConfig) {
	if pc != nil {
		r.config.PlayerConfig = *pc
	}
	if wc != nil {
		r.config.WorldConfig = wc.Clone()
		r.world = world.New(r.config.WorldConfig)
	}
	r.metrics.IncConfigReplaced()
	r.publish(protocol.Event{Type: protocol.TypeConfigUpdated, Payload: r.config.Clone()}, nobody)
	if wc != nil {
		r.publish(protocol.Event{Type: protocol.TypeWorldStateUpdated, Payload: r.world.Tiles()}, nobody)
	}
	r.log.Infof("config replaced: player=%v world=%v tiles=%d", pc != nil, wc != nil, r.world.Len())
}

func (r *Room) publish(ev protocol.Event, except PlayerID) {
	if dropped := r.group.Publish(ev, except); dropped > 0 {
		for i := 0; i < dropped; i++ {
			r.metrics.IncSendsDropped()
		}
		r.log.Warnf("%s dropped for %d slow connections", ev.Type, dropped)
	}
}

func (r *Room) sortedIDs() []PlayerID {
	ids := make([]PlayerID, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Room) playerStates() []protocol.Player {
	out := make([]protocol.Player, 0, len(r.players))
	for _, id := range r.sortedIDs() {
		out = append(out, r.players[id].State())
	}
	return out
}
