package world

import (
	"errors"
	"slices"
)

var (
	ErrOutOfBounds   = errors.New("cell outside grid")
	ErrUnknownSprite = errors.New("unknown sprite id")
)

// Tile 放置在网格单元某一层的方块；身份为 (X, Y, Layer)
type Tile struct {
	X        int `json:"x"`
	Y        int `json:"y"`
	Layer    int `json:"layer"`
	SpriteID int `json:"spriteId"`
}

func (t Tile) Is(x, y, layer int) bool {
	return t.X == x && t.Y == y && t.Layer == layer
}

// World 单个房间的方块集合与查询。非并发安全，由所属房间串行访问。
//
// 方块以切片保存而非按身份去重：在已占用的单元上放置会让两个方块共存。
type World struct {
	size    GridSize
	sprites SpriteConfigs
	tiles   []Tile
}

// New 按配置构建世界，复制配置里的初始方块
func New(cfg WorldConfig) *World {
	return &World{
		size:    cfg.GridSize,
		sprites: cfg.SpriteConfigs,
		tiles:   slices.Clone(cfg.Tiles),
	}
}

func (w *World) Size() GridSize { return w.size }

func (w *World) InBounds(x, y int) bool {
	return x >= 0 && x < w.size.X && y >= 0 && y < w.size.Y
}

func (w *World) Sprite(id int) (SpriteConfig, bool) {
	sc, ok := w.sprites[id]
	return sc, ok
}

// IsSolidAt 该单元该层是否存在实心方块
func (w *World) IsSolidAt(x, y, layer int) bool {
	for _, t := range w.tiles {
		if !t.Is(x, y, layer) {
			continue
		}
		if sc, ok := w.sprites[t.SpriteID]; ok && sc.Solid {
			return true
		}
	}
	return false
}

// GroundLevel 该列最高实心层 + 1；空列或越界返回 0
func (w *World) GroundLevel(x, y int) int {
	if !w.InBounds(x, y) {
		return 0
	}
	highest := -1
	for _, t := range w.tiles {
		if t.X != x || t.Y != y || t.Layer <= highest {
			continue
		}
		if sc, ok := w.sprites[t.SpriteID]; ok && sc.Solid {
			highest = t.Layer
		}
	}
	return highest + 1
}

// SurfaceConfig 返回高度 z 正下方那一层方块的精灵配置（取首个匹配的方块）
func (w *World) SurfaceConfig(x, y int, z float64) (SpriteConfig, bool) {
	layer := floorInt(z - groundEpsilon)
	if !w.InBounds(x, y) || layer < 0 {
		return SpriteConfig{}, false
	}
	for _, t := range w.tiles {
		if t.Is(x, y, layer) {
			sc, ok := w.sprites[t.SpriteID]
			return sc, ok
		}
	}
	return SpriteConfig{}, false
}

// TileAt 返回该身份的第一个方块
func (w *World) TileAt(x, y, layer int) (Tile, bool) {
	for _, t := range w.tiles {
		if t.Is(x, y, layer) {
			return t, true
		}
	}
	return Tile{}, false
}

// BreakTile 移除该身份的所有方块，返回移除数量；不存在时为 no-op
func (w *World) BreakTile(x, y, layer int) (int, error) {
	if !w.InBounds(x, y) {
		return 0, ErrOutOfBounds
	}
	before := len(w.tiles)
	w.tiles = slices.DeleteFunc(w.tiles, func(t Tile) bool { return t.Is(x, y, layer) })
	return before - len(w.tiles), nil
}

// PlaceTile 插入方块；不检查该身份是否已被占用
func (w *World) PlaceTile(t Tile) error {
	if !w.InBounds(t.X, t.Y) {
		return ErrOutOfBounds
	}
	if _, ok := w.sprites[t.SpriteID]; !ok {
		return ErrUnknownSprite
	}
	w.tiles = append(w.tiles, t)
	return nil
}

// Tiles 返回方块快照（副本）
func (w *World) Tiles() []Tile {
	return slices.Clone(w.tiles)
}

// SetTiles 整体替换方块集合（镜像端收到 worldStateUpdated 时使用）
func (w *World) SetTiles(tiles []Tile) {
	w.tiles = slices.Clone(tiles)
}

func (w *World) Len() int { return len(w.tiles) }

// Breakable 客户端破坏策略：仅 toughness 为 0 的已知精灵可破坏。
// 服务端不做该检查。
func (w *World) Breakable(t Tile) bool {
	sc, ok := w.sprites[t.SpriteID]
	return ok && sc.Toughness == 0
}
