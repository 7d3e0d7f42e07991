package delivery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalsfoundry/fleet-emitter/model"
)

// Codec encodes a record into a request body.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(rec model.Record) ([]byte, error)
}

// Supported codec names.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// JSONCodec encodes records as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return CodecJSON }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Marshal(rec model.Record) ([]byte, error) {
	return json.Marshal(rec)
}

// MsgpackCodec encodes records as MessagePack maps keyed like the JSON form.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string        { return CodecMsgpack }
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

func (MsgpackCodec) Marshal(rec model.Record) ([]byte, error) {
	return msgpack.Marshal(rec)
}

// CodecByName resolves a codec from its configuration name. An empty name
// selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
