package teiv1

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service name the multiplexer registers under.
const ServiceName = "teiv1.Multiplexer"

// MultiplexerServer is implemented by the gateway (C5) to serve every RPC
// enumerated in §4.5. Unary methods receive one Envelope and return one
// response; streaming methods receive a bidirectional stream of Envelopes
// and responses, using grpc-go's generic stream helpers in place of
// protoc-gen-go-grpc's per-method stream interfaces.
type MultiplexerServer interface {
	Info(context.Context, *InfoEnvelope) (*InfoResponse, error)
	Embed(context.Context, *EmbedEnvelope) (*EmbedResponse, error)
	EmbedSparse(context.Context, *EmbedSparseEnvelope) (*EmbedSparseResponse, error)
	EmbedAll(context.Context, *EmbedAllEnvelope) (*EmbedAllResponse, error)
	Predict(context.Context, *PredictEnvelope) (*PredictResponse, error)
	PredictPair(context.Context, *PredictPairEnvelope) (*PredictPairResponse, error)
	Rerank(context.Context, *RerankEnvelope) (*RerankResponse, error)
	Tokenize(context.Context, *TokenizeEnvelope) (*TokenizeResponse, error)
	Decode(context.Context, *DecodeEnvelope) (*DecodeResponse, error)
	EmbedArrow(context.Context, *Envelope[EmbedArrowRequest]) (*EmbedArrowResponse, error)
	EmbedSparseArrow(context.Context, *Envelope[EmbedSparseArrowRequest]) (*EmbedSparseArrowResponse, error)

	EmbedStream(grpc.BidiStreamingServer[EmbedEnvelope, EmbedResponse]) error
	EmbedSparseStream(grpc.BidiStreamingServer[EmbedSparseEnvelope, EmbedSparseResponse]) error
	EmbedAllStream(grpc.BidiStreamingServer[EmbedAllEnvelope, EmbedAllResponse]) error
	PredictStream(grpc.BidiStreamingServer[PredictEnvelope, PredictResponse]) error
	PredictPairStream(grpc.BidiStreamingServer[PredictPairEnvelope, PredictPairResponse]) error
	RerankStream(grpc.BidiStreamingServer[RerankEnvelope, RerankResponse]) error
	TokenizeStream(grpc.BidiStreamingServer[TokenizeEnvelope, TokenizeResponse]) error
	DecodeStream(grpc.BidiStreamingServer[DecodeEnvelope, DecodeResponse]) error
}

func unaryHandler[Req any, Resp any](call func(MultiplexerServer, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(MultiplexerServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

func streamHandler[Req any, Resp any](call func(MultiplexerServer, grpc.BidiStreamingServer[Req, Resp]) error) func(interface{}, grpc.ServerStream) error {
	return func(srv interface{}, stream grpc.ServerStream) error {
		return call(srv.(MultiplexerServer), &grpc.GenericServerStream[Req, Resp]{ServerStream: stream})
	}
}

// ServiceDesc is the hand-written equivalent of a protoc-gen-go-grpc
// _ServiceDesc, registered with grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MultiplexerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Info", Handler: unaryHandler(MultiplexerServer.Info)},
		{MethodName: "Embed", Handler: unaryHandler(MultiplexerServer.Embed)},
		{MethodName: "EmbedSparse", Handler: unaryHandler(MultiplexerServer.EmbedSparse)},
		{MethodName: "EmbedAll", Handler: unaryHandler(MultiplexerServer.EmbedAll)},
		{MethodName: "Predict", Handler: unaryHandler(MultiplexerServer.Predict)},
		{MethodName: "PredictPair", Handler: unaryHandler(MultiplexerServer.PredictPair)},
		{MethodName: "Rerank", Handler: unaryHandler(MultiplexerServer.Rerank)},
		{MethodName: "Tokenize", Handler: unaryHandler(MultiplexerServer.Tokenize)},
		{MethodName: "Decode", Handler: unaryHandler(MultiplexerServer.Decode)},
		{MethodName: "EmbedArrow", Handler: unaryHandler(MultiplexerServer.EmbedArrow)},
		{MethodName: "EmbedSparseArrow", Handler: unaryHandler(MultiplexerServer.EmbedSparseArrow)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "EmbedStream", Handler: streamHandler(MultiplexerServer.EmbedStream), ServerStreams: true, ClientStreams: true},
		{StreamName: "EmbedSparseStream", Handler: streamHandler(MultiplexerServer.EmbedSparseStream), ServerStreams: true, ClientStreams: true},
		{StreamName: "EmbedAllStream", Handler: streamHandler(MultiplexerServer.EmbedAllStream), ServerStreams: true, ClientStreams: true},
		{StreamName: "PredictStream", Handler: streamHandler(MultiplexerServer.PredictStream), ServerStreams: true, ClientStreams: true},
		{StreamName: "PredictPairStream", Handler: streamHandler(MultiplexerServer.PredictPairStream), ServerStreams: true, ClientStreams: true},
		{StreamName: "RerankStream", Handler: streamHandler(MultiplexerServer.RerankStream), ServerStreams: true, ClientStreams: true},
		{StreamName: "TokenizeStream", Handler: streamHandler(MultiplexerServer.TokenizeStream), ServerStreams: true, ClientStreams: true},
		{StreamName: "DecodeStream", Handler: streamHandler(MultiplexerServer.DecodeStream), ServerStreams: true, ClientStreams: true},
	},
	Metadata: "teiv1/multiplexer.go",
}

// RegisterMultiplexerServer registers srv with s under ServiceDesc.
func RegisterMultiplexerServer(s grpc.ServiceRegistrar, srv MultiplexerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
