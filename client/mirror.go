// Package client 客户端镜像：把服务器下发的事件应用到本地世界副本，
// 并用与服务端相同的物理步进预测本地玩家。
package client

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/sasha-s/go-deadlock"

	"isomod/protocol"
	"isomod/world"
)

var (
	ErrNotJoined = errors.New("not joined")
	// ErrServer 服务器下发的 error 消息
	ErrServer = errors.New("server error")
)

// adminPlayerID 房间创建者（第一个加入的玩家）才显示上传入口
const adminPlayerID = 1

// Mirror 房间状态的本地副本。并发安全：读协程写入，游戏循环读取与预测。
type Mirror struct {
	mu deadlock.Mutex

	joined  bool
	selfID  int
	self    world.Body
	config  world.Config
	world   *world.World
	players map[int]protocol.Player
}

func NewMirror() *Mirror {
	return &Mirror{players: make(map[int]protocol.Player)}
}

// Apply 应用一条服务器消息
func (m *Mirror) Apply(f protocol.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch f.Type {
	case protocol.TypeGameState:
		var st protocol.GameState
		if err := f.Payload(&st); err != nil {
			return err
		}
		m.joined = true
		m.selfID = st.PlayerID
		m.config = st.Config
		m.world = world.New(st.Config.WorldConfig)
		m.world.SetTiles(st.WorldState)
		m.players = make(map[int]protocol.Player, len(st.Players))
		for _, p := range st.Players {
			m.players[p.ID] = p
			if p.ID == st.PlayerID {
				m.self = p.Body
			}
		}
		return nil
	case protocol.TypeError:
		var msg string
		if err := f.Payload(&msg); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrServer, msg)
	}

	if !m.joined {
		return fmt.Errorf("%s before gameState: %w", f.Type, ErrNotJoined)
	}

	switch f.Type {
	case protocol.TypePlayerJoined:
		var p protocol.Player
		if err := f.Payload(&p); err != nil {
			return err
		}
		m.players[p.ID] = p
	case protocol.TypePlayerMoved:
		var pm protocol.PlayerMoved
		if err := f.Payload(&pm); err != nil {
			return err
		}
		if pm.PlayerID == m.selfID {
			// 本地玩家由预测驱动；只接受服务器按意图模拟的确认结果
			if pm.Seq == 0 {
				return nil
			}
			m.self = pm.Body
		}
		p := m.players[pm.PlayerID]
		p.ID = pm.PlayerID
		p.Body = pm.Body
		m.players[pm.PlayerID] = p
	case protocol.TypePlayerLeft:
		var id int
		if err := f.Payload(&id); err != nil {
			return err
		}
		delete(m.players, id)
	case protocol.TypeTileChanged:
		var tc protocol.TileChanged
		if err := f.Payload(&tc); err != nil {
			return err
		}
		switch tc.Action {
		case protocol.ActionPlace:
			return m.world.PlaceTile(tc.Tile())
		case protocol.ActionBreak:
			_, err := m.world.BreakTile(tc.X, tc.Y, tc.Layer)
			return err
		default:
			return fmt.Errorf("tileChanged: unknown action %q", tc.Action)
		}
	case protocol.TypeConfigUpdated:
		var cfg world.Config
		if err := f.Payload(&cfg); err != nil {
			return err
		}
		// 方块集合保持不变，直到 worldStateUpdated 到达
		tiles := m.world.Tiles()
		m.config = cfg
		m.world = world.New(cfg.WorldConfig)
		m.world.SetTiles(tiles)
	case protocol.TypeWorldStateUpdated:
		var tiles []world.Tile
		if err := f.Payload(&tiles); err != nil {
			return err
		}
		m.world.SetTiles(tiles)
	default:
		return protocol.ErrUnknownMessage
	}
	return nil
}

// Predict 用本地输入推进自己的玩家一帧，返回要上报的状态
func (m *Mirror) Predict(in world.Intent, dt float64) (world.Body, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.joined {
		return world.Body{}, ErrNotJoined
	}
	stats := m.config.PlayerConfig.Stats
	if p, ok := m.players[m.selfID]; ok {
		stats = p.Config.Stats
	}
	m.self = world.Step(m.self, in, m.world, stats, m.config.WorldConfig.Physics, dt)
	if p, ok := m.players[m.selfID]; ok {
		p.Body = m.self
		m.players[m.selfID] = p
	}
	return m.self, nil
}

// CanBreak 客户端破坏策略：该位置存在方块且其精灵 toughness 为 0
func (m *Mirror) CanBreak(x, y, layer int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.joined {
		return false
	}
	t, ok := m.world.TileAt(x, y, layer)
	return ok && m.world.Breakable(t)
}

// CanUpload 只有房间创建者可以上传配置（仅客户端限制）
func (m *Mirror) CanUpload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined && m.selfID == adminPlayerID
}

func (m *Mirror) Joined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

func (m *Mirror) SelfID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

func (m *Mirror) Self() world.Body {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

func (m *Mirror) Config() world.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}

// Players 按 ID 排序
func (m *Mirror) Players() []protocol.Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := slices.Sorted(maps.Keys(m.players))
	out := make([]protocol.Player, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.players[id])
	}
	return out
}

func (m *Mirror) Tiles() []world.Tile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.world == nil {
		return nil
	}
	return m.world.Tiles()
}

// GroundLevel 本地世界中该列的地面高度
func (m *Mirror) GroundLevel(x, y int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.world == nil {
		return 0
	}
	return m.world.GroundLevel(x, y)
}
