package world

import "math"

const (
	// diagonalScale 斜向移动时每个轴的缩放（近似 1/√2，不做单位化）
	diagonalScale = 0.707
	// groundEpsilon 判断脚下是否有地面时向下探测的距离
	groundEpsilon = 0.01
	// bounceThreshold 落地下落速度超过该值才会反弹
	bounceThreshold = 0.5
	// restThreshold 反弹后向上速度低于该值视为静止
	restThreshold = 1.0
	// edgeMargin 角色中心与网格边缘的最小距离
	edgeMargin = 0.5
)

// Intent 一帧的输入意图
type Intent struct {
	Up    bool `json:"up"`
	Down  bool `json:"down"`
	Left  bool `json:"left"`
	Right bool `json:"right"`
	Jump  bool `json:"jump"`
}

func (in Intent) Idle() bool {
	return in == Intent{}
}

// Body 玩家运动学状态
type Body struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	VelocityX float64 `json:"velocityX"`
	VelocityY float64 `json:"velocityY"`
	VelocityZ float64 `json:"velocityZ"`
	IsJumping bool    `json:"isJumping"`
}

func floorInt(v float64) int {
	return int(math.Floor(v))
}

// Blocked 该点所在单元是否阻挡移动：网格外一律视为阻挡
func (w *World) Blocked(x, y, z float64) bool {
	gx, gy := floorInt(x), floorInt(y)
	if !w.InBounds(gx, gy) {
		return true
	}
	return w.IsSolidAt(gx, gy, floorInt(z))
}

// OnGround 脚下一个 epsilon 处是否有实心方块
func (w *World) OnGround(x, y, z float64) bool {
	return w.Blocked(x, y, z-groundEpsilon)
}

// Step 推进一帧。纯函数：相同的输入（世界、属性、意图、dt）在任何实现上
// 都必须得到逐位相同的结果，服务端权威模拟与客户端预测共用。
func Step(b Body, in Intent, w *World, stats Stats, phys Physics, dt float64) Body {
	var moveX, moveY float64
	if in.Up {
		moveY -= 1
	}
	if in.Down {
		moveY += 1
	}
	if in.Left {
		moveX -= 1
	}
	if in.Right {
		moveX += 1
	}
	if moveX != 0 && moveY != 0 {
		moveX *= diagonalScale
		moveY *= diagonalScale
	}

	// 先 X 后 Y：Y 轴检测使用已经更新过的 X，被挡住的一轴可以贴墙滑动
	speed := stats.Speed * dt
	newX, newY := b.X, b.Y
	if moveX != 0 {
		testX := b.X + moveX*speed
		if !w.Blocked(testX, b.Y, b.Z) {
			newX = testX
		}
	}
	if moveY != 0 {
		testY := b.Y + moveY*speed
		if !w.Blocked(newX, testY, b.Z) {
			newY = testY
		}
	}
	b.X, b.Y = newX, newY
	b.VelocityX = moveX * stats.Speed
	b.VelocityY = moveY * stats.Speed

	if in.Jump && !b.IsJumping && w.OnGround(b.X, b.Y, b.Z) {
		b.VelocityZ = stats.JumpHeight
		b.IsJumping = true
	}

	if !w.OnGround(b.X, b.Y, b.Z) {
		b.VelocityZ -= phys.Gravity * dt
		b.IsJumping = true
	}

	newZ := b.Z + b.VelocityZ*dt
	groundZ := float64(w.GroundLevel(floorInt(b.X), floorInt(b.Y)))
	if newZ <= groundZ {
		b.Z = groundZ
		surface, ok := w.SurfaceConfig(floorInt(b.X), floorInt(b.Y), groundZ)
		if ok && b.VelocityZ < -bounceThreshold {
			b.VelocityZ = -b.VelocityZ * surface.Bounciness
			if b.VelocityZ < restThreshold {
				b.VelocityZ = 0
				b.IsJumping = false
			}
		} else {
			b.VelocityZ = 0
			b.IsJumping = false
		}
	} else {
		b.Z = newZ
	}

	size := w.Size()
	b.X = clamp(b.X, edgeMargin, float64(size.X)-edgeMargin)
	b.Y = clamp(b.Y, edgeMargin, float64(size.Y)-edgeMargin)
	return b
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
