package wire

import "google.golang.org/grpc/encoding"

// Name is the codec name registered with gRPC's encoding registry, selected
// at connection time via grpc.CallContentSubtype / grpc.ForceCodec so the
// gateway (C5) never needs protoc-generated message types: every routed RPC
// exchanges plain Go structs tagged for JSON (or MessagePack), the same
// "envelope with a raw body" shape the teacher used for its UDS protocol
// (internal/protocol.Request/Response), generalized to a real gRPC
// transport.
const Name = "teiwire"

// grpcCodec adapts a wire.Codec to grpc/encoding.Codec.
type grpcCodec struct {
	codec Codec
}

func (g *grpcCodec) Marshal(v interface{}) ([]byte, error) {
	return g.codec.Marshal(v)
}

func (g *grpcCodec) Unmarshal(data []byte, v interface{}) error {
	return g.codec.Unmarshal(data, v)
}

func (g *grpcCodec) Name() string {
	return Name
}

// RegisterGRPCCodec installs codec as the gRPC wire codec under Name. Call
// once during process init, before any client or server is constructed.
func RegisterGRPCCodec(codec Codec) {
	encoding.RegisterCodec(&grpcCodec{codec: codec})
}

// GRPCCodec adapts codec to encoding.Codec for direct use with
// grpc.ForceCodec / grpc.ForceServerCodec, without relying on global
// registry lookup by content-subtype.
func GRPCCodec(codec Codec) encoding.Codec {
	return &grpcCodec{codec: codec}
}
