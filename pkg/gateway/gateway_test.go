package gateway

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/teiops/tei-manager/api/teiv1"
	"github.com/teiops/tei-manager/pkg/apierr"
	"github.com/teiops/tei-manager/pkg/backend"
	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/registry"
	"github.com/teiops/tei-manager/pkg/wire"
)

// fakeWorker is a minimal stand-in for a worker's own gRPC surface, enough to
// exercise the gateway's forwarding and streaming bridge without a real
// worker process.
type fakeWorker struct {
	infoResp  *teiv1.InfoResponse
	infoErr   error
	embedResp *teiv1.EmbedResponse
	embedErr  error

	recvCount int32 // number of EmbedStream messages received, for cancellation tests
}

func fakeWorkerUnary[Req any, Resp any](call func(*fakeWorker, context.Context, *Req) (*Resp, error), fw *fakeWorker) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		return call(fw, ctx, in)
	}
}

func startFakeWorker(t *testing.T, fw *fakeWorker, codec wire.Codec) (addr string, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	srv := grpc.NewServer(grpc.ForceServerCodec(wire.GRPCCodec(codec)))
	desc := &grpc.ServiceDesc{
		ServiceName: teiv1.WorkerServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Info",
				Handler: fakeWorkerUnary(func(f *fakeWorker, ctx context.Context, req *teiv1.InfoRequest) (*teiv1.InfoResponse, error) {
					if f.infoErr != nil {
						return nil, f.infoErr
					}
					return f.infoResp, nil
				}, fw),
			},
			{
				MethodName: "Embed",
				Handler: fakeWorkerUnary(func(f *fakeWorker, ctx context.Context, req *teiv1.EmbedRequest) (*teiv1.EmbedResponse, error) {
					if f.embedErr != nil {
						return nil, f.embedErr
					}
					return f.embedResp, nil
				}, fw),
			},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "EmbedStream",
				ServerStreams: true,
				ClientStreams: true,
				Handler: func(srv interface{}, stream grpc.ServerStream) error {
					for {
						env := new(teiv1.EmbedEnvelope)
						if err := stream.RecvMsg(env); err != nil {
							return nil
						}
						atomic.AddInt32(&fw.recvCount, 1)
						resp := &teiv1.EmbedResponse{Embeddings: make([][]float32, len(env.Request.Inputs))}
						for i := range env.Request.Inputs {
							resp.Embeddings[i] = []float32{float32(i)}
						}
						if err := stream.SendMsg(resp); err != nil {
							return err
						}
					}
				},
			},
		},
		Metadata: "test",
	}
	srv.RegisterService(desc, fw)

	go srv.Serve(lis)
	return lis.Addr().String(), srv.Stop
}

func testGatewayWithWorker(t *testing.T, name string, fw *fakeWorker) (*Gateway, func()) {
	t.Helper()
	codec, err := wire.NewCodec(wire.CodecJSON)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	addr, stopWorker := startFakeWorker(t, fw, codec)
	_, portStr, _ := net.SplitHostPort(addr)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse worker port: %v", err)
	}

	reg := registry.New(registry.Options{
		MaxInstances: 10, PortRangeStart: 1, PortRangeEnd: 65535,
		BindProbe: func(int) bool { return true },
	})
	if _, err := reg.Add(registry.WorkerConfig{Name: name, ModelID: "m", Port: port}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) { rt.Status = registry.StatusRunning }); err != nil {
		t.Fatalf("MutateRuntime failed: %v", err)
	}

	logger := logging.New(logging.Config{Level: "error", Format: "text"})
	pool := backend.New(reg, backend.Config{}, codec, logger)
	gw := New(reg, pool, Config{RequestTimeout: 2 * time.Second}, logger)

	return gw, func() {
		pool.Shutdown()
		stopWorker()
	}
}

func TestGatewayForwardsUnaryRequestVerbatim(t *testing.T) {
	fw := &fakeWorker{infoResp: &teiv1.InfoResponse{ModelID: "m", EmbeddingDim: 768}}
	gw, cleanup := testGatewayWithWorker(t, "a", fw)
	defer cleanup()

	resp, err := gw.Info(context.Background(), &teiv1.InfoEnvelope{
		Target:  teiv1.RoutingTarget{Name: "a"},
		Request: teiv1.InfoRequest{},
	})
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if resp.EmbeddingDim != 768 {
		t.Fatalf("expected embedding dim 768, got %d", resp.EmbeddingDim)
	}
}

func TestGatewayUnknownTargetIsNotFoundStatus(t *testing.T) {
	fw := &fakeWorker{infoResp: &teiv1.InfoResponse{}}
	gw, cleanup := testGatewayWithWorker(t, "a", fw)
	defer cleanup()

	_, err := gw.Info(context.Background(), &teiv1.InfoEnvelope{
		Target: teiv1.RoutingTarget{Name: "ghost"},
	})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.NotFound {
		t.Fatalf("expected NotFound status, got %v", err)
	}
}

func TestGatewayEmptyTargetIsInvalidArgument(t *testing.T) {
	fw := &fakeWorker{}
	gw, cleanup := testGatewayWithWorker(t, "a", fw)
	defer cleanup()

	_, err := gw.Embed(context.Background(), &teiv1.EmbedEnvelope{})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument status, got %v", err)
	}
}

func TestGatewayModelIDRoutingIsUnimplemented(t *testing.T) {
	fw := &fakeWorker{}
	gw, cleanup := testGatewayWithWorker(t, "a", fw)
	defer cleanup()

	_, err := gw.Embed(context.Background(), &teiv1.EmbedEnvelope{
		Target: teiv1.RoutingTarget{ModelID: "bge-small"},
	})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unimplemented {
		t.Fatalf("expected Unimplemented status for model_id routing, got %v", err)
	}
}

func TestGatewayPropagatesBackendStatusVerbatim(t *testing.T) {
	fw := &fakeWorker{embedErr: status.Error(codes.ResourceExhausted, "batch too large")}
	gw, cleanup := testGatewayWithWorker(t, "a", fw)
	defer cleanup()

	_, err := gw.Embed(context.Background(), &teiv1.EmbedEnvelope{
		Target:  teiv1.RoutingTarget{Name: "a"},
		Request: teiv1.EmbedRequest{Inputs: []string{"hi"}},
	})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted || st.Message() != "batch too large" {
		t.Fatalf("expected backend status forwarded verbatim, got %v", err)
	}
}

func TestEmbeddingDimFallsBackToConfiguredDefaultWhenUncached(t *testing.T) {
	fw := &fakeWorker{}
	gw, cleanup := testGatewayWithWorker(t, "a", fw)
	gw.cfg.DefaultEmbeddingDim = 512
	defer cleanup()

	if dim := gw.embeddingDim("a"); dim != 512 {
		t.Fatalf("expected fallback default 512, got %d", dim)
	}
}

func TestToStatusErrPassesThroughNonAPIErrors(t *testing.T) {
	raw := errors.New("boom")
	if got := toStatusErr(raw); got != raw {
		t.Fatalf("expected verbatim passthrough for non-apierr errors, got %v", got)
	}
}

func TestToStatusErrMapsAPIErrorKind(t *testing.T) {
	err := toStatusErr(apierr.New(apierr.KindBusy, "worker busy"))
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition for KindBusy, got %v", err)
	}
}
