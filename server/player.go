package server

import (
	"time"

	"isomod/protocol"
	"isomod/world"
)

// PlayerID 房间内唯一，单调递增，房间生命周期内不复用
type PlayerID int

// Peer 房间广播组的订阅端（通常是一个 WebSocket 连接）。
// Send 不得阻塞房间协程：队列满时返回 false。
//
//go:generate go tool mockgen -destination=./mocks/peer_mock.go -package=mocks . Peer
type Peer interface {
	Send(ev protocol.Event) bool
}

// Player 房间内的玩家会话（服务端权威状态）
type Player struct {
	ID         PlayerID
	Body       world.Body
	Config     world.PlayerConfig // 加入时从房间模板复制
	LastUpdate time.Time

	// 按意图驱动时由 Tick 用物理步进推进
	intent   world.Intent
	lastSeq  int64
	ackedSeq int64
	driven   bool
}

func newPlayer(id PlayerID, spawn world.Vec3, cfg world.PlayerConfig, now time.Time) *Player {
	return &Player{
		ID:         id,
		Body:       world.Body{X: spawn.X, Y: spawn.Y, Z: spawn.Z},
		Config:     cfg,
		LastUpdate: now,
	}
}

// State 转换为对外同步结构
func (p *Player) State() protocol.Player {
	return protocol.Player{
		ID:         int(p.ID),
		Body:       p.Body,
		LastUpdate: p.LastUpdate.UnixMilli(),
		Config:     p.Config,
	}
}

func (p *Player) moved(seq int64) protocol.Event {
	return protocol.Event{
		Type:    protocol.TypePlayerMoved,
		Payload: protocol.PlayerMoved{PlayerID: int(p.ID), Body: p.Body, Seq: seq},
	}
}
