package world

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
)

// defaultFS 内置的默认配置（player.json / world.json / sprites.json）
//
//go:embed defaults/*.json
var defaultFS embed.FS

// DefaultFS 返回内置默认配置目录，配置目录缺失时使用
func DefaultFS() fs.FS {
	sub, err := fs.Sub(defaultFS, "defaults")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	PlayerFile  = "player.json"
	WorldFile   = "world.json"
	SpritesFile = "sprites.json"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// SpriteConfig 精灵（材质）静态属性，按 spriteId 索引
type SpriteConfig struct {
	Name       string  `json:"name"`
	Solid      bool    `json:"solid"`
	Toughness  int     `json:"toughness"`
	Bounciness float64 `json:"bounciness"`

	// 以下仅供渲染端使用
	SpriteX int    `json:"spriteX"`
	SpriteY int    `json:"spriteY"`
	OffsetX int    `json:"offsetX,omitempty"`
	OffsetY int    `json:"offsetY,omitempty"`
	Color   string `json:"color,omitempty"`
}

// SpriteConfigs JSON 中键为字符串形式的整数
type SpriteConfigs map[int]SpriteConfig

type GridSize struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Physics struct {
	Gravity float64 `json:"gravity"`
}

// WorldConfig 世界配置；整体替换时世界状态按 Tiles 重建
type WorldConfig struct {
	GridSize      GridSize      `json:"gridSize"`
	Spawns        []Vec3        `json:"spawns"`
	Physics       Physics       `json:"physics"`
	SpriteConfigs SpriteConfigs `json:"spriteConfigs,omitempty"`
	Tiles         []Tile        `json:"tiles,omitempty"`

	// Extra 渲染端使用的其他字段，原样转发
	Extra map[string]json.RawMessage `json:"-"`
}

var worldKeys = []string{"gridSize", "spawns", "physics", "spriteConfigs", "tiles"}

func (c *WorldConfig) UnmarshalJSON(data []byte) error {
	type plain WorldConfig
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, worldKeys)
	if err != nil {
		return err
	}
	*c = WorldConfig(p)
	c.Extra = extra
	return nil
}

func (c WorldConfig) MarshalJSON() ([]byte, error) {
	type plain WorldConfig
	return mergeExtra(plain(c), c.Extra)
}

type Stats struct {
	Speed      float64 `json:"speed"`
	JumpHeight float64 `json:"jumpHeight"`
}

// PlayerConfig 玩家属性模板，加入房间时复制一份
type PlayerConfig struct {
	Stats Stats `json:"stats"`

	Extra map[string]json.RawMessage `json:"-"`
}

var playerKeys = []string{"stats"}

func (c *PlayerConfig) UnmarshalJSON(data []byte) error {
	type plain PlayerConfig
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, playerKeys)
	if err != nil {
		return err
	}
	*c = PlayerConfig(p)
	c.Extra = extra
	return nil
}

func (c PlayerConfig) MarshalJSON() ([]byte, error) {
	type plain PlayerConfig
	return mergeExtra(plain(c), c.Extra)
}

// splitExtra 取出对象中不属于 known 的键；json 匹配字段名不区分大小写，这里同样处理
func splitExtra(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k := range all {
		if slices.ContainsFunc(known, func(name string) bool { return strings.EqualFold(name, k) }) {
			delete(all, k)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtra 编码 v 并补上 extra 中的键；已知字段优先
func mergeExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := obj[k]; !ok {
			obj[k] = raw
		}
	}
	return json.Marshal(obj)
}

// Config 房间配置
type Config struct {
	PlayerConfig PlayerConfig `json:"playerConfig"`
	WorldConfig  WorldConfig  `json:"worldConfig"`
}

// Spawn 返回第一个出生点；没有出生点时落在网格中心
func (c WorldConfig) Spawn() Vec3 {
	if len(c.Spawns) > 0 {
		return c.Spawns[0]
	}
	return Vec3{X: float64(c.GridSize.X) / 2, Y: float64(c.GridSize.Y) / 2}
}

func (c WorldConfig) Validate() error {
	if c.GridSize.X <= 0 || c.GridSize.Y <= 0 {
		return fmt.Errorf("%w: gridSize must be positive, got %dx%d", ErrInvalidConfig, c.GridSize.X, c.GridSize.Y)
	}
	if c.Physics.Gravity < 0 {
		return fmt.Errorf("%w: negative gravity %v", ErrInvalidConfig, c.Physics.Gravity)
	}
	for id, sc := range c.SpriteConfigs {
		if sc.Toughness < 0 {
			return fmt.Errorf("%w: sprite %d has negative toughness", ErrInvalidConfig, id)
		}
		if sc.Bounciness < 0 || sc.Bounciness > 1 {
			return fmt.Errorf("%w: sprite %d bounciness %v outside [0,1]", ErrInvalidConfig, id, sc.Bounciness)
		}
	}
	return nil
}

func (c PlayerConfig) Validate() error {
	if c.Stats.Speed < 0 || c.Stats.JumpHeight < 0 {
		return fmt.Errorf("%w: negative player stats", ErrInvalidConfig)
	}
	return nil
}

// Clone 深拷贝，避免房间之间或对外快照共享底层切片/map
func (c WorldConfig) Clone() WorldConfig {
	out := c
	out.Spawns = slices.Clone(c.Spawns)
	out.Tiles = slices.Clone(c.Tiles)
	out.SpriteConfigs = maps.Clone(c.SpriteConfigs)
	out.Extra = maps.Clone(c.Extra)
	return out
}

func (c PlayerConfig) Clone() PlayerConfig {
	out := c
	out.Extra = maps.Clone(c.Extra)
	return out
}

func (c Config) Clone() Config {
	return Config{PlayerConfig: c.PlayerConfig.Clone(), WorldConfig: c.WorldConfig.Clone()}
}

func ParsePlayerConfig(data []byte) (PlayerConfig, error) {
	var pc PlayerConfig
	if err := json.Unmarshal(data, &pc); err != nil {
		return PlayerConfig{}, fmt.Errorf("parse player config: %w", err)
	}
	if err := pc.Validate(); err != nil {
		return PlayerConfig{}, err
	}
	return pc, nil
}

func ParseWorldConfig(data []byte) (WorldConfig, error) {
	var wc WorldConfig
	if err := json.Unmarshal(data, &wc); err != nil {
		return WorldConfig{}, fmt.Errorf("parse world config: %w", err)
	}
	if err := wc.Validate(); err != nil {
		return WorldConfig{}, err
	}
	return wc, nil
}

func ParseSpriteConfigs(data []byte) (SpriteConfigs, error) {
	var sc SpriteConfigs
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse sprite configs: %w", err)
	}
	return sc, nil
}

// Loader 从配置目录读取房间默认配置。每次创建房间都重新读取，
// 这样修改磁盘上的配置文件无需重启即可生效。
type Loader struct {
	FS fs.FS
}

func NewLoader(fsys fs.FS) *Loader {
	if fsys == nil {
		fsys = DefaultFS()
	}
	return &Loader{FS: fsys}
}

// Load 读取三份配置并把精灵目录合并进世界配置
func (l *Loader) Load() (Config, error) {
	raw, err := fs.ReadFile(l.FS, PlayerFile)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", PlayerFile, err)
	}
	pc, err := ParsePlayerConfig(raw)
	if err != nil {
		return Config{}, err
	}
	raw, err = fs.ReadFile(l.FS, WorldFile)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", WorldFile, err)
	}
	wc, err := ParseWorldConfig(raw)
	if err != nil {
		return Config{}, err
	}
	sprites, err := l.Sprites()
	if err != nil {
		return Config{}, err
	}
	wc.SpriteConfigs = sprites
	return Config{PlayerConfig: pc, WorldConfig: wc}, nil
}

// Sprites 读取精灵目录；文件不存在时返回 fs.ErrNotExist
func (l *Loader) Sprites() (SpriteConfigs, error) {
	raw, err := fs.ReadFile(l.FS, SpritesFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", SpritesFile, err)
	}
	return ParseSpriteConfigs(raw)
}
