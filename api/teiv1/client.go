package teiv1

import (
	"context"

	"google.golang.org/grpc"
)

// WorkerServiceName is the gRPC service name exposed by the worker process
// itself (§6 "the worker exposes a gRPC service on its port"). The
// multiplexer forwards unwrapped requests to this service; it is distinct
// from ServiceName, which is the envelope-wrapped surface the multiplexer
// itself exposes to clients.
const WorkerServiceName = "teiv1.Worker"

// WorkerClient calls a worker's own (unwrapped) gRPC surface. It is a thin,
// hand-written stand-in for a protoc-gen-go-grpc client, built directly on
// grpc.ClientConnInterface.Invoke/NewStream the way the teacher's transport
// layer intended to (transport_grpc.go) before stopping short of a working
// implementation.
type WorkerClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerClient wraps an established connection to one worker.
func NewWorkerClient(cc grpc.ClientConnInterface) *WorkerClient {
	return &WorkerClient{cc: cc}
}

func fullMethod(name string) string {
	return "/" + WorkerServiceName + "/" + name
}

func (c *WorkerClient) Info(ctx context.Context, req *InfoRequest, opts ...grpc.CallOption) (*InfoResponse, error) {
	out := new(InfoResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Info"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WorkerClient) Embed(ctx context.Context, req *EmbedRequest, opts ...grpc.CallOption) (*EmbedResponse, error) {
	out := new(EmbedResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Embed"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WorkerClient) EmbedSparse(ctx context.Context, req *EmbedSparseRequest, opts ...grpc.CallOption) (*EmbedSparseResponse, error) {
	out := new(EmbedSparseResponse)
	if err := c.cc.Invoke(ctx, fullMethod("EmbedSparse"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WorkerClient) EmbedAll(ctx context.Context, req *EmbedAllRequest, opts ...grpc.CallOption) (*EmbedAllResponse, error) {
	out := new(EmbedAllResponse)
	if err := c.cc.Invoke(ctx, fullMethod("EmbedAll"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WorkerClient) Predict(ctx context.Context, req *PredictRequest, opts ...grpc.CallOption) (*PredictResponse, error) {
	out := new(PredictResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Predict"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WorkerClient) PredictPair(ctx context.Context, req *PredictPairRequest, opts ...grpc.CallOption) (*PredictPairResponse, error) {
	out := new(PredictPairResponse)
	if err := c.cc.Invoke(ctx, fullMethod("PredictPair"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WorkerClient) Rerank(ctx context.Context, req *RerankRequest, opts ...grpc.CallOption) (*RerankResponse, error) {
	out := new(RerankResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Rerank"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WorkerClient) Tokenize(ctx context.Context, req *TokenizeRequest, opts ...grpc.CallOption) (*TokenizeResponse, error) {
	out := new(TokenizeResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Tokenize"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WorkerClient) Decode(ctx context.Context, req *DecodeRequest, opts ...grpc.CallOption) (*DecodeResponse, error) {
	out := new(DecodeResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Decode"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// streamDesc describes a worker-side bidirectional stream, used by NewStream
// for every streaming method since the wire shape is identical per call.
var streamDesc = &grpc.StreamDesc{ServerStreams: true, ClientStreams: true}

// OpenStream opens a bidirectional stream to methodName on the worker (one
// of the *Stream RPCs in §4.5); the gateway bridges it to the client-facing
// stream message by message.
func (c *WorkerClient) OpenStream(ctx context.Context, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return c.cc.NewStream(ctx, streamDesc, fullMethod(methodName), opts...)
}
