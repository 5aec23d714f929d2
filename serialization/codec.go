package serialization

import (
	"fmt"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
)

// Codec converts message values to and from payload bytes
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	ContentType() string
}

// JSONCodec encodes payloads as UTF-8 JSON text
type JSONCodec struct {
	api sonic.API
}

// NewJSONCodec creates a JSON codec compatible with encoding/json
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{api: sonic.ConfigStd}
}

// Marshal implements Codec
func (c *JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return c.api.Marshal(v)
}

// Unmarshal implements Codec
func (c *JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return c.api.Unmarshal(data, v)
}

// ContentType implements Codec
func (c *JSONCodec) ContentType() string {
	return "application/json"
}

// ProtoCodec encodes payloads in protobuf binary format. Only values
// implementing proto.Message are supported.
type ProtoCodec struct {
	marshal   proto.MarshalOptions
	unmarshal proto.UnmarshalOptions
}

// NewProtoCodec creates a protobuf codec with deterministic marshalling
func NewProtoCodec() *ProtoCodec {
	return &ProtoCodec{
		marshal:   proto.MarshalOptions{Deterministic: true},
		unmarshal: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}

// Marshal implements Codec
func (c *ProtoCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T does not implement proto.Message", v)
	}
	return c.marshal.Marshal(msg)
}

// Unmarshal implements Codec
func (c *ProtoCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: %T does not implement proto.Message", v)
	}
	return c.unmarshal.Unmarshal(data, msg)
}

// ContentType implements Codec
func (c *ProtoCodec) ContentType() string {
	return "application/x-protobuf"
}
