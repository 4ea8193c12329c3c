package server

import (
	"slices"

	"isomod/protocol"
)

// nobody 广播时不排除任何成员（玩家 ID 从 1 开始）
const nobody PlayerID = 0

// Group 房间的发布/订阅组。只在房间协程内访问，
// 因此成员变更与广播天然线性化。
type Group struct {
	members map[PlayerID]Peer
}

func newGroup() *Group {
	return &Group{members: make(map[PlayerID]Peer)}
}

func (g *Group) Subscribe(id PlayerID, p Peer) { g.members[id] = p }

func (g *Group) Unsubscribe(id PlayerID) { delete(g.members, id) }

func (g *Group) Len() int { return len(g.members) }

// Publish 发送给除 except 外的所有成员（按 ID 顺序），返回因队列满丢弃的数量
func (g *Group) Publish(ev protocol.Event, except PlayerID) (dropped int) {
	ids := make([]PlayerID, 0, len(g.members))
	for id := range g.members {
		if id != except {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		if !g.members[id].Send(ev) {
			dropped++
		}
	}
	return dropped
}
