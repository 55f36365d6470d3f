package notify

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes events for the wire.
type Codec interface {
	Encode(evt *Event) ([]byte, error)
	Name() string
}

// Codec names for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Unknown or empty names fall back to
// JSON.
func GetCodec(name string) Codec {
	if name == CodecNameMsgpack {
		return &MsgpackCodec{}
	}
	return &JSONCodec{}
}

// JSONCodec encodes events as JSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(evt *Event) ([]byte, error) {
	return json.Marshal(evt)
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes events as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(evt *Event) ([]byte, error) {
	return msgpack.Marshal(evt)
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
