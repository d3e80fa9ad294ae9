package gateway

import (
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/teiops/tei-manager/api/teiv1"
)

// bridgeStream implements the streaming forwarding algorithm of §4.5: the
// first inbound message resolves the target, every later message must carry
// the same target, and the inbound/outbound streams are bridged with
// back-pressure preserved (a slow backend slows the client, per §5).
func bridgeStream[Req any, Resp any](
	g *Gateway,
	server grpc.BidiStreamingServer[teiv1.Envelope[Req], Resp],
	backendMethod string,
) error {
	ctx := server.Context()

	first, err := server.Recv()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	client, _, err := g.acquireClient(ctx, first.Target)
	if err != nil {
		return toStatusErr(err)
	}

	backendStream, err := client.OpenStream(ctx, backendMethod)
	if err != nil {
		return toStatusErr(err)
	}

	if err := backendStream.SendMsg(&first.Request); err != nil {
		return toStatusErr(err)
	}

	// errCh is buffered for both directions so a goroutine that loses the
	// race never blocks forever trying to report its own termination.
	errCh := make(chan error, 2)

	go forwardClientToBackend(server, backendStream, first.Target, errCh)
	go forwardBackendToClient(backendStream, server, errCh)

	err = <-errCh
	return toStatusErr(err)
}

func forwardClientToBackend[Req any, Resp any](
	server grpc.BidiStreamingServer[teiv1.Envelope[Req], Resp],
	backendStream grpc.ClientStream,
	target teiv1.RoutingTarget,
	errCh chan<- error,
) {
	for {
		env, err := server.Recv()
		if err == io.EOF {
			errCh <- backendStream.CloseSend()
			return
		}
		if err != nil {
			errCh <- err
			return
		}
		if !env.Target.SameTarget(target) {
			errCh <- status.Error(codes.InvalidArgument, "streaming target changed mid-stream")
			return
		}
		if err := backendStream.SendMsg(&env.Request); err != nil {
			errCh <- err
			return
		}
	}
}

func forwardBackendToClient[Resp any, Req any](
	backendStream grpc.ClientStream,
	server grpc.BidiStreamingServer[teiv1.Envelope[Req], Resp],
	errCh chan<- error,
) {
	for {
		resp := new(Resp)
		if err := backendStream.RecvMsg(resp); err != nil {
			if err == io.EOF {
				errCh <- nil
			} else {
				errCh <- err
			}
			return
		}
		if err := server.Send(resp); err != nil {
			errCh <- err
			return
		}
	}
}

func (g *Gateway) EmbedStream(stream grpc.BidiStreamingServer[teiv1.EmbedEnvelope, teiv1.EmbedResponse]) error {
	return bridgeStream[teiv1.EmbedRequest, teiv1.EmbedResponse](g, stream, "EmbedStream")
}

func (g *Gateway) EmbedSparseStream(stream grpc.BidiStreamingServer[teiv1.EmbedSparseEnvelope, teiv1.EmbedSparseResponse]) error {
	return bridgeStream[teiv1.EmbedSparseRequest, teiv1.EmbedSparseResponse](g, stream, "EmbedSparseStream")
}

func (g *Gateway) EmbedAllStream(stream grpc.BidiStreamingServer[teiv1.EmbedAllEnvelope, teiv1.EmbedAllResponse]) error {
	return bridgeStream[teiv1.EmbedAllRequest, teiv1.EmbedAllResponse](g, stream, "EmbedAllStream")
}

func (g *Gateway) PredictStream(stream grpc.BidiStreamingServer[teiv1.PredictEnvelope, teiv1.PredictResponse]) error {
	return bridgeStream[teiv1.PredictRequest, teiv1.PredictResponse](g, stream, "PredictStream")
}

func (g *Gateway) PredictPairStream(stream grpc.BidiStreamingServer[teiv1.PredictPairEnvelope, teiv1.PredictPairResponse]) error {
	return bridgeStream[teiv1.PredictPairRequest, teiv1.PredictPairResponse](g, stream, "PredictPairStream")
}

func (g *Gateway) RerankStream(stream grpc.BidiStreamingServer[teiv1.RerankEnvelope, teiv1.RerankResponse]) error {
	return bridgeStream[teiv1.RerankRequest, teiv1.RerankResponse](g, stream, "RerankStream")
}

func (g *Gateway) TokenizeStream(stream grpc.BidiStreamingServer[teiv1.TokenizeEnvelope, teiv1.TokenizeResponse]) error {
	return bridgeStream[teiv1.TokenizeRequest, teiv1.TokenizeResponse](g, stream, "TokenizeStream")
}

func (g *Gateway) DecodeStream(stream grpc.BidiStreamingServer[teiv1.DecodeEnvelope, teiv1.DecodeResponse]) error {
	return bridgeStream[teiv1.DecodeRequest, teiv1.DecodeResponse](g, stream, "DecodeStream")
}
