// Package protocol 定义客户端与服务器之间的消息目录与负载结构。
// 每条消息都是 {type, payload} 信封。
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/vmihailenco/msgpack/v5"

	"isomod/world"
)

// 客户端 -> 服务器
const (
	TypeJoinRoom    = "joinRoom"
	TypePlayerMove  = "playerMove"
	TypePlayerInput = "playerInput"
	TypeTileBreak   = "tileBreak"
	TypeTilePlace   = "tilePlace"
)

// 服务器 -> 客户端
const (
	TypeGameState         = "gameState"
	TypePlayerJoined      = "playerJoined"
	TypePlayerMoved       = "playerMoved"
	TypePlayerLeft        = "playerLeft"
	TypeTileChanged       = "tileChanged"
	TypeConfigUpdated     = "configUpdated"
	TypeWorldStateUpdated = "worldStateUpdated"
	TypeError             = "error"
)

const (
	ActionBreak = "break"
	ActionPlace = "place"
)

// ErrRoomNotFound 的对外文案
const MsgRoomNotFound = "Room not found"

var ErrUnknownMessage = errors.New("unknown message type")

// Event 一条出站消息；Payload 在编码前不得再被修改
type Event struct {
	Type    string
	Payload any
}

// Player 对外同步的玩家状态
type Player struct {
	ID int `json:"id"`
	world.Body
	LastUpdate int64              `json:"lastUpdate"`
	Config     world.PlayerConfig `json:"config"`
}

type GameState struct {
	PlayerID   int          `json:"playerId"`
	Players    []Player     `json:"players"`
	Config     world.Config `json:"config"`
	WorldState []world.Tile `json:"worldState"`
}

// Move 客户端直接上报的运动学状态
type Move = world.Body

type PlayerMoved struct {
	PlayerID int `json:"playerId"`
	world.Body
	// Seq 仅在服务器按意图模拟时回填，对应客户端 playerInput 的序号
	Seq int64 `json:"seq,omitempty"`
}

// Input 意图输入，由服务器 tick 用同一物理步进解释
type Input struct {
	world.Intent
	Seq int64 `json:"seq,omitempty"`
}

type TileBreak struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Layer int `json:"layer"`
}

type TilePlace struct {
	X        int `json:"x"`
	Y        int `json:"y"`
	SpriteID int `json:"spriteId"`
	Layer    int `json:"layer"`
}

// TileChanged 方块增量。place 总是携带 spriteId（0 也是合法的精灵 ID），break 不带
type TileChanged struct {
	Action   string `json:"action"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	SpriteID int    `json:"spriteId"`
	Layer    int    `json:"layer"`
}

type tileBroken struct {
	Action string `json:"action"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Layer  int    `json:"layer"`
}

func (tc TileChanged) wire() any {
	if tc.Action == ActionPlace {
		type tilePlaced TileChanged
		return tilePlaced(tc)
	}
	return tileBroken{Action: tc.Action, X: tc.X, Y: tc.Y, Layer: tc.Layer}
}

func (tc TileChanged) MarshalJSON() ([]byte, error) {
	return json.Marshal(tc.wire())
}

func (tc TileChanged) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(tc.wire())
}

func (tc TileChanged) Tile() world.Tile {
	return world.Tile{X: tc.X, Y: tc.Y, Layer: tc.Layer, SpriteID: tc.SpriteID}
}

func PlacedEvent(t world.Tile) Event {
	return Event{Type: TypeTileChanged, Payload: TileChanged{Action: ActionPlace, X: t.X, Y: t.Y, SpriteID: t.SpriteID, Layer: t.Layer}}
}

func BrokenEvent(x, y, layer int) Event {
	return Event{Type: TypeTileChanged, Payload: TileChanged{Action: ActionBreak, X: x, Y: y, Layer: layer}}
}

func ErrorEvent(msg string) Event {
	return Event{Type: TypeError, Payload: msg}
}
