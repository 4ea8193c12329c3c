package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec 负责信封的编解码。每个连接握手时选定一种。
type Codec interface {
	Name() string
	// Binary 为 true 时使用二进制帧发送
	Binary() bool
	Encode(ev Event) ([]byte, error)
	// Decode 解出消息类型；payload 延迟解码到调用方给出的结构
	Decode(data []byte) (Frame, error)
}

// Frame 一条已解出类型、负载待解码的入站消息
type Frame struct {
	Type   string
	decode func(v any) error
	empty  bool
}

// Payload 把负载解码到 v
func (f Frame) Payload(v any) error {
	if f.empty {
		return fmt.Errorf("%s: missing payload", f.Type)
	}
	if err := f.decode(v); err != nil {
		return fmt.Errorf("%s payload: %w", f.Type, err)
	}
	return nil
}

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// CodecByName 未知名称回退到 JSON
func CodecByName(name string) Codec {
	switch strings.ToLower(name) {
	case CodecMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

type jsonEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return json.Marshal(jsonEnvelope{Type: ev.Type, Payload: payload})
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("decode envelope: %w", ErrUnknownMessage)
	}
	raw := env.Payload
	return Frame{
		Type:   env.Type,
		decode: func(v any) error { return json.Unmarshal(raw, v) },
		empty:  len(raw) == 0 || string(raw) == "null",
	}, nil
}

type msgpackEnvelope struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// MsgpackCodec 二进制信封；负载字段名沿用 json 标签，与 JSON 帧一致
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return CodecMsgpack }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(ev Event) ([]byte, error) {
	payload, err := marshalMsgpack(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return marshalMsgpack(msgpackEnvelope{Type: ev.Type, Payload: payload})
}

func (MsgpackCodec) Decode(data []byte) (Frame, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("decode envelope: %w", ErrUnknownMessage)
	}
	raw := []byte(env.Payload)
	return Frame{
		Type:   env.Type,
		decode: func(v any) error { return unmarshalMsgpack(raw, v) },
		empty:  len(raw) == 0,
	}, nil
}

func marshalMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalMsgpack(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
