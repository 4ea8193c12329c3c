package server

import (
	"isomod/protocol"
	"isomod/world"
)

// Input 客户端意图输入，由服务端在 Tick 中用物理步进解释
type Input struct {
	PlayerID PlayerID
	Intent   world.Intent
	Seq      int64 // 客户端本地序列号，随 playerMoved 回传用于确认
}

// Move 客户端直接上报的运动学状态，原样采纳并转发
type Move struct {
	PlayerID PlayerID
	Body     protocol.Move
}
