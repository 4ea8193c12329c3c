package server

import (
	"sync/atomic"
)

// RoomMetrics 记录房间运行期的关键指标（用于监控与调试）
type RoomMetrics struct {
	Joins          int64 // 加入的玩家数
	Leaves         int64 // 离开的玩家数
	MovesApplied   int64 // 应用的 playerMove / playerInput
	MovesDropped   int64 // 因房间队列满被丢弃的移动
	TilesPlaced    int64
	TilesBroken    int64
	PlaceRejected  int64 // 越界或未知精灵
	BreakRejected  int64 // 越界
	ConfigReplaced int64
	SendsDropped   int64 // 因连接发送队列满被丢弃的消息
	TickCount      int64 // 统计的 Tick 次数
	TotalTickNs    int64 // Tick 累计耗时（纳秒）
}

func (m *RoomMetrics) IncJoins()          { atomic.AddInt64(&m.Joins, 1) }
func (m *RoomMetrics) IncLeaves()         { atomic.AddInt64(&m.Leaves, 1) }
func (m *RoomMetrics) IncMovesApplied()   { atomic.AddInt64(&m.MovesApplied, 1) }
func (m *RoomMetrics) IncMovesDropped()   { atomic.AddInt64(&m.MovesDropped, 1) }
func (m *RoomMetrics) IncTilesPlaced()    { atomic.AddInt64(&m.TilesPlaced, 1) }
func (m *RoomMetrics) IncTilesBroken()    { atomic.AddInt64(&m.TilesBroken, 1) }
func (m *RoomMetrics) IncPlaceRejected()  { atomic.AddInt64(&m.PlaceRejected, 1) }
func (m *RoomMetrics) IncBreakRejected()  { atomic.AddInt64(&m.BreakRejected, 1) }
func (m *RoomMetrics) IncConfigReplaced() { atomic.AddInt64(&m.ConfigReplaced, 1) }
func (m *RoomMetrics) IncSendsDropped()   { atomic.AddInt64(&m.SendsDropped, 1) }
func (m *RoomMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"joins":           atomic.LoadInt64(&m.Joins),
		"leaves":          atomic.LoadInt64(&m.Leaves),
		"moves_applied":   atomic.LoadInt64(&m.MovesApplied),
		"moves_dropped":   atomic.LoadInt64(&m.MovesDropped),
		"tiles_placed":    atomic.LoadInt64(&m.TilesPlaced),
		"tiles_broken":    atomic.LoadInt64(&m.TilesBroken),
		"place_rejected":  atomic.LoadInt64(&m.PlaceRejected),
		"break_rejected":  atomic.LoadInt64(&m.BreakRejected),
		"config_replaced": atomic.LoadInt64(&m.ConfigReplaced),
		"sends_dropped":   atomic.LoadInt64(&m.SendsDropped),
		"tick_count":      tick,
		"avg_tick_ms":     avgMs,
	}
}
