// Package wire adapts the pluggable message codec from the teacher's
// pkg/pyproc/codec*.go (a build-tag-selected JSON implementation plus a
// MessagePack alternative) into a codec usable by gRPC's
// encoding.Codec registry, so the gateway (C5) can serve the routing
// envelope without hand-rolled protoc-gen-go types.
package wire

import "fmt"

// Codec defines the interface for encoding/decoding routed messages.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// CodecType names the wire codec to use for request/response bodies.
type CodecType string

const (
	// CodecJSON uses JSON encoding (default, implementation selected at
	// compile time via build tags, mirroring the teacher).
	CodecJSON CodecType = "json"
	// CodecMessagePack uses MessagePack encoding.
	CodecMessagePack CodecType = "msgpack"
)

// NewCodec creates a codec for codecType.
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown wire codec type: %s", codecType)
	}
}
