package monitor

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/teiops/tei-manager/api/teiv1"
	"github.com/teiops/tei-manager/pkg/wire"
)

// GRPCProber issues the worker's info RPC as the liveness probe (§4.3,
// §6 "the info RPC is used as the liveness probe"). Unlike the backend
// pool, a probe connection is not cached: a stuck worker should not pin a
// dead transport in a long-lived pool entry, so each probe dials fresh and
// tears the connection down afterward.
type GRPCProber struct {
	codec      wire.Codec
	dialTimeout time.Duration
}

// NewGRPCProber creates a Prober that dials addr over plaintext gRPC using
// the same pluggable wire codec as the backend pool.
func NewGRPCProber(codec wire.Codec, dialTimeout time.Duration) *GRPCProber {
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	return &GRPCProber{codec: codec, dialTimeout: dialTimeout}
}

// Probe dials addr, issues one Info RPC, and reports the worker's declared
// embedding dimension.
func (p *GRPCProber) Probe(ctx context.Context, addr string) (int, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.GRPCCodec(p.codec))),
	)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	// grpc.NewClient does not dial eagerly; WaitForStateReady-equivalent
	// behaviour comes from the RPC call itself honoring dialCtx's deadline.
	client := teiv1.NewWorkerClient(conn)
	resp, err := client.Info(dialCtx, &teiv1.InfoRequest{})
	if err != nil {
		return 0, err
	}
	return resp.EmbeddingDim, nil
}
