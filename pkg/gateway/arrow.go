package gateway

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/teiops/tei-manager/api/teiv1"
	"github.com/teiops/tei-manager/pkg/apierr"
	"github.com/teiops/tei-manager/pkg/arrowbatch"
)

// EmbedArrow implements the dense Arrow batch fast path (§4.5 "Arrow batch
// path"): parse the inbound text column, fan out (or skip, under noop) one
// embed call per row with bounded concurrency, and reassemble a dense
// fixed-size-list batch preserving input order.
func (g *Gateway) EmbedArrow(ctx context.Context, env *teiv1.Envelope[teiv1.EmbedArrowRequest]) (*teiv1.EmbedArrowResponse, error) {
	req := env.Request

	texts, err := arrowbatch.ParseTextBatch(req.IPC, req.LZ4Compressed)
	if err != nil {
		return nil, toStatusErr(err)
	}

	name, err := resolveTargetName(env.Target)
	if err != nil {
		return nil, toStatusErr(err)
	}

	if req.Noop {
		dim := g.embeddingDim(name)
		zeros := make([][]float32, len(texts))
		for i := range zeros {
			zeros[i] = make([]float32, dim)
		}
		ipc, err := arrowbatch.BuildDenseEmbeddingBatch(zeros, dim, req.LZ4Compressed)
		if err != nil {
			return nil, toStatusErr(apierr.Wrap(apierr.KindInternal, err, "failed to build noop arrow batch"))
		}
		return &teiv1.EmbedArrowResponse{IPC: ipc, LZ4Compressed: req.LZ4Compressed}, nil
	}

	client, _, err := g.acquireClient(ctx, env.Target)
	if err != nil {
		return nil, toStatusErr(err)
	}

	embeddings, err := g.fanOutDense(ctx, client, texts, req.Truncate, req.Normalize)
	if err != nil {
		return nil, toStatusErr(apierr.Wrap(apierr.KindInternal, err, "arrow embed fan-out failed"))
	}

	dim := g.embeddingDim(name)
	if len(embeddings) > 0 {
		dim = len(embeddings[0])
	}
	ipc, err := arrowbatch.BuildDenseEmbeddingBatch(embeddings, dim, req.LZ4Compressed)
	if err != nil {
		return nil, toStatusErr(apierr.Wrap(apierr.KindInternal, err, "failed to build arrow response batch"))
	}
	return &teiv1.EmbedArrowResponse{IPC: ipc, LZ4Compressed: req.LZ4Compressed}, nil
}

// EmbedSparseArrow is the sparse counterpart of EmbedArrow.
func (g *Gateway) EmbedSparseArrow(ctx context.Context, env *teiv1.Envelope[teiv1.EmbedSparseArrowRequest]) (*teiv1.EmbedSparseArrowResponse, error) {
	req := env.Request

	texts, err := arrowbatch.ParseTextBatch(req.IPC, req.LZ4Compressed)
	if err != nil {
		return nil, toStatusErr(err)
	}

	if _, err := resolveTargetName(env.Target); err != nil {
		return nil, toStatusErr(err)
	}

	if req.Noop {
		rows := make([][]arrowbatch.SparseEntry, len(texts))
		ipc, err := arrowbatch.BuildSparseEmbeddingBatch(rows, req.LZ4Compressed)
		if err != nil {
			return nil, toStatusErr(apierr.Wrap(apierr.KindInternal, err, "failed to build noop sparse arrow batch"))
		}
		return &teiv1.EmbedSparseArrowResponse{IPC: ipc, LZ4Compressed: req.LZ4Compressed}, nil
	}

	client, _, err := g.acquireClient(ctx, env.Target)
	if err != nil {
		return nil, toStatusErr(err)
	}

	rows, err := g.fanOutSparse(ctx, client, texts, req.Truncate)
	if err != nil {
		return nil, toStatusErr(apierr.Wrap(apierr.KindInternal, err, "arrow sparse embed fan-out failed"))
	}

	ipc, err := arrowbatch.BuildSparseEmbeddingBatch(rows, req.LZ4Compressed)
	if err != nil {
		return nil, toStatusErr(apierr.Wrap(apierr.KindInternal, err, "failed to build sparse arrow response batch"))
	}
	return &teiv1.EmbedSparseArrowResponse{IPC: ipc, LZ4Compressed: req.LZ4Compressed}, nil
}

// fanOutDense issues one dense embed RPC per text with bounded concurrency,
// a buffered indexed join so output order matches input order regardless of
// completion order (§9 "a buffered, indexed join, not an unordered
// collector").
func (g *Gateway) fanOutDense(ctx context.Context, client *teiv1.WorkerClient, texts []string, truncate, normalize bool) ([][]float32, error) {
	results := make([][]float32, len(texts))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.cfg.ArrowMaxFanOut)

	for i, text := range texts {
		i, text := i, text
		grp.Go(func() error {
			resp, err := client.Embed(gctx, &teiv1.EmbedRequest{
				Inputs:    []string{text},
				Truncate:  truncate,
				Normalize: normalize,
			})
			if err != nil {
				return err
			}
			if len(resp.Embeddings) == 0 {
				return apierr.New(apierr.KindInternal, "backend returned no embedding for row %d", i)
			}
			results[i] = resp.Embeddings[0]
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fanOutSparse is fanOutDense's sparse-embedding counterpart.
func (g *Gateway) fanOutSparse(ctx context.Context, client *teiv1.WorkerClient, texts []string, truncate bool) ([][]arrowbatch.SparseEntry, error) {
	results := make([][]arrowbatch.SparseEntry, len(texts))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.cfg.ArrowMaxFanOut)

	for i, text := range texts {
		i, text := i, text
		grp.Go(func() error {
			resp, err := client.EmbedSparse(gctx, &teiv1.EmbedSparseRequest{
				Inputs:   []string{text},
				Truncate: truncate,
			})
			if err != nil {
				return err
			}
			if len(resp.Embeddings) == 0 {
				return apierr.New(apierr.KindInternal, "backend returned no sparse embedding for row %d", i)
			}
			row := make([]arrowbatch.SparseEntry, len(resp.Embeddings[0]))
			for j, v := range resp.Embeddings[0] {
				row[j] = arrowbatch.SparseEntry{Index: v.Index, Value: v.Value}
			}
			results[i] = row
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
