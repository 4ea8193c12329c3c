package server

import (
	"time"

	"isomod/world"
)

const (
	// TicksPerSecond 按意图驱动的玩家的模拟频率（20 TPS）
	TicksPerSecond = 20
)

var tickInterval = time.Second / TicksPerSecond // 50ms

// Start 启动房间协程（单线程推进世界）
func (r *Room) Start() {
	go r.run()
}

func (r *Room) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case op := <-r.ops:
			op()
			if r.destroyed {
				return
			}
		case <-ticker.C:
			start := time.Now()
			r.tick(r.tickEvery.Seconds())
			r.metrics.AddTick(time.Since(start).Nanoseconds())
		case <-r.stop:
			r.log.Info("room stopped")
			return
		}
	}
}

// tick 用固定 dt 推进所有按意图驱动的玩家，并把结果广播给整个房间（包括本人，用于确认）
func (r *Room) tick(dt float64) {
	phys := r.config.WorldConfig.Physics
	for _, id := range r.sortedIDs() {
		p := r.players[id]
		if !p.driven {
			continue
		}
		before := p.Body
		p.Body = world.Step(p.Body, p.intent, r.world, p.Config.Stats, phys, dt)
		if p.Body == before && p.lastSeq == p.ackedSeq {
			continue
		}
		p.ackedSeq = p.lastSeq
		p.LastUpdate = r.now()
		r.metrics.IncMovesApplied()
		r.publish(p.moved(p.lastSeq), nobody)
	}
}
