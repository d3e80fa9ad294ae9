// Package gateway implements the gRPC multiplexer (C5): it resolves the
// routing envelope's target against the registry, acquires a pooled backend
// transport, and forwards the unwrapped request, per §4.5.
//
// The envelope-over-a-single-service-method-set design is the teacher's
// transport_grpc.go taken to its conclusion: that file stopped at "not yet
// implemented" for a real gRPC transport, leaving only a Unix-socket
// connection underneath. This package is the transport_grpc.go the teacher
// never finished, generalized from one fixed worker script to a
// dynamically-routed fleet.
package gateway

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/teiops/tei-manager/api/teiv1"
	"github.com/teiops/tei-manager/pkg/apierr"
	"github.com/teiops/tei-manager/pkg/backend"
	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/registry"
)

// Config tunes the multiplexer's forwarding behaviour (§5 "Timeouts").
type Config struct {
	RequestTimeout      time.Duration
	ArrowMaxFanOut       int
	DefaultEmbeddingDim int
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ArrowMaxFanOut <= 0 {
		c.ArrowMaxFanOut = 32
	}
	if c.DefaultEmbeddingDim <= 0 {
		c.DefaultEmbeddingDim = 384
	}
}

// Gateway implements teiv1.MultiplexerServer, the gRPC-facing half of C5.
type Gateway struct {
	reg    *registry.Registry
	pool   *backend.Pool
	cfg    Config
	logger *logging.Logger
}

// New creates a Gateway bound to reg and pool.
func New(reg *registry.Registry, pool *backend.Pool, cfg Config, logger *logging.Logger) *Gateway {
	cfg.setDefaults()
	return &Gateway{reg: reg, pool: pool, cfg: cfg, logger: logger}
}

// resolveTargetName extracts the worker name from a routing target,
// per §4.5 step 1 and the "only instance_name routing is implemented" rule.
func resolveTargetName(t teiv1.RoutingTarget) (string, error) {
	if t.Empty() {
		return "", apierr.New(apierr.KindInvalidArgument, "routing target is required")
	}
	if t.Name != "" {
		return t.Name, nil
	}
	if t.ModelID != "" {
		return "", apierr.New(apierr.KindUnimplemented, "routing by model_id is not implemented")
	}
	return "", apierr.New(apierr.KindUnimplemented, "routing by index is not implemented")
}

// toStatusErr converts an apierr.Error to its gRPC status, and passes any
// other error (already a gRPC status from a backend Invoke) through
// verbatim, per §8 invariant 7.
func toStatusErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return status.Error(apierr.GRPCCode(apiErr), apiErr.Message)
	}
	return err
}

// acquireClient resolves target, looks up the worker under the pool's
// registry read, and returns a client bound to its pooled transport.
func (g *Gateway) acquireClient(ctx context.Context, target teiv1.RoutingTarget) (*teiv1.WorkerClient, string, error) {
	name, err := resolveTargetName(target)
	if err != nil {
		return nil, "", err
	}
	conn, err := g.pool.Acquire(ctx, name)
	if err != nil {
		return nil, "", err
	}
	return teiv1.NewWorkerClient(conn), name, nil
}

// forwardUnary implements the unary forwarding algorithm of §4.5: resolve,
// acquire, invoke with a bounded deadline, propagate the backend's status
// verbatim, and record the call's latency and outcome against the pool's
// request-level metrics.
func forwardUnary[Req any, Resp any](
	ctx context.Context,
	g *Gateway,
	target teiv1.RoutingTarget,
	req *Req,
	call func(*teiv1.WorkerClient, context.Context, *Req, ...grpc.CallOption) (*Resp, error),
) (*Resp, error) {
	client, _, err := g.acquireClient(ctx, target)
	if err != nil {
		return nil, toStatusErr(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := call(client, callCtx, req)
	g.pool.RecordCall(time.Since(start), err, callCtx.Err() == context.DeadlineExceeded)
	if err != nil {
		return nil, toStatusErr(err)
	}
	return resp, nil
}

func (g *Gateway) Info(ctx context.Context, env *teiv1.InfoEnvelope) (*teiv1.InfoResponse, error) {
	return forwardUnary(ctx, g, env.Target, &env.Request, (*teiv1.WorkerClient).Info)
}

func (g *Gateway) Embed(ctx context.Context, env *teiv1.EmbedEnvelope) (*teiv1.EmbedResponse, error) {
	return forwardUnary(ctx, g, env.Target, &env.Request, (*teiv1.WorkerClient).Embed)
}

func (g *Gateway) EmbedSparse(ctx context.Context, env *teiv1.EmbedSparseEnvelope) (*teiv1.EmbedSparseResponse, error) {
	return forwardUnary(ctx, g, env.Target, &env.Request, (*teiv1.WorkerClient).EmbedSparse)
}

func (g *Gateway) EmbedAll(ctx context.Context, env *teiv1.EmbedAllEnvelope) (*teiv1.EmbedAllResponse, error) {
	return forwardUnary(ctx, g, env.Target, &env.Request, (*teiv1.WorkerClient).EmbedAll)
}

func (g *Gateway) Predict(ctx context.Context, env *teiv1.PredictEnvelope) (*teiv1.PredictResponse, error) {
	return forwardUnary(ctx, g, env.Target, &env.Request, (*teiv1.WorkerClient).Predict)
}

func (g *Gateway) PredictPair(ctx context.Context, env *teiv1.PredictPairEnvelope) (*teiv1.PredictPairResponse, error) {
	return forwardUnary(ctx, g, env.Target, &env.Request, (*teiv1.WorkerClient).PredictPair)
}

func (g *Gateway) Rerank(ctx context.Context, env *teiv1.RerankEnvelope) (*teiv1.RerankResponse, error) {
	return forwardUnary(ctx, g, env.Target, &env.Request, (*teiv1.WorkerClient).Rerank)
}

func (g *Gateway) Tokenize(ctx context.Context, env *teiv1.TokenizeEnvelope) (*teiv1.TokenizeResponse, error) {
	return forwardUnary(ctx, g, env.Target, &env.Request, (*teiv1.WorkerClient).Tokenize)
}

func (g *Gateway) Decode(ctx context.Context, env *teiv1.DecodeEnvelope) (*teiv1.DecodeResponse, error) {
	return forwardUnary(ctx, g, env.Target, &env.Request, (*teiv1.WorkerClient).Decode)
}

// embeddingDim returns the cached embedding dimension for a worker (from its
// last successful Info probe), falling back to the configured default when
// no probe has succeeded yet.
func (g *Gateway) embeddingDim(name string) int {
	if view, ok := g.reg.Get(name); ok && view.Runtime.Health.EmbeddingDim > 0 {
		return view.Runtime.Health.EmbeddingDim
	}
	g.logger.WithTarget(name).Warn("no cached embedding dimension, using configured default",
		"default", g.cfg.DefaultEmbeddingDim)
	return g.cfg.DefaultEmbeddingDim
}
