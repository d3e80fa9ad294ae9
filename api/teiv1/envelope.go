// Package teiv1 defines the wire messages for the multiplexer's gRPC
// surface (C5, §4.5 and §6). Rather than protoc-generated types — the
// teacher's own transport_grpc.go never got that far, shipping
// `NewGRPCTransport` as a stub returning "not yet implemented" — every
// message here is a plain Go struct tagged for the pluggable codec in
// pkg/wire, registered with gRPC via a custom encoding.Codec so the service
// still speaks real gRPC (HTTP/2 framing, keepalive, per-call deadlines)
// without a protobuf toolchain step.
package teiv1

// RoutingTarget selects which worker a RoutedRequest addresses. Only Name
// routing is implemented; ModelID and Index exist so a caller using them
// receives a typed Unimplemented rather than a silently-ignored field.
type RoutingTarget struct {
	Name    string `json:"instance_name,omitempty" msgpack:"instance_name,omitempty"`
	ModelID string `json:"model_id,omitempty" msgpack:"model_id,omitempty"`
	Index   *uint32 `json:"index,omitempty" msgpack:"index,omitempty"`
}

// Empty reports whether no routing field was set, the InvalidArgument case
// from §4.5 step 1.
func (t RoutingTarget) Empty() bool {
	return t.Name == "" && t.ModelID == "" && t.Index == nil
}

// Envelope wraps one inner request of type T with its routing target. Unary
// RPCs use Envelope directly; streaming RPCs reuse the same shape per
// message, since §4.5 requires every message — not just the first — to
// carry a target field.
type Envelope[T any] struct {
	Target  RoutingTarget `json:"target" msgpack:"target"`
	Request T             `json:"request" msgpack:"request"`
}

// SameTarget reports whether two targets name the same worker, used to
// reject a streaming message whose target drifts from the one that opened
// the stream (§4.5, §8 invariant 6).
func (t RoutingTarget) SameTarget(other RoutingTarget) bool {
	if t.Name != "" || other.Name != "" {
		return t.Name == other.Name
	}
	if t.ModelID != "" || other.ModelID != "" {
		return t.ModelID == other.ModelID
	}
	if t.Index != nil || other.Index != nil {
		return t.Index != nil && other.Index != nil && *t.Index == *other.Index
	}
	return true
}

// InfoRequest carries no fields; Info is the liveness probe RPC (§6
// "the info RPC is used as the liveness probe").
type InfoRequest struct{}

// InfoResponse mirrors the subset of the worker's self-description the
// supervisor needs: its embedding dimension, used to size Arrow noop
// responses (§9 open question 3).
type InfoResponse struct {
	ModelID      string `json:"model_id" msgpack:"model_id"`
	MaxBatchSize int    `json:"max_batch_size" msgpack:"max_batch_size"`
	EmbeddingDim int    `json:"embedding_dim" msgpack:"embedding_dim"`
}

// EmbedRequest is the dense embedding request.
type EmbedRequest struct {
	Inputs    []string `json:"inputs" msgpack:"inputs"`
	Truncate  bool     `json:"truncate,omitempty" msgpack:"truncate,omitempty"`
	Normalize bool     `json:"normalize,omitempty" msgpack:"normalize,omitempty"`
}

// EmbedResponse carries one dense vector per input, in input order.
type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings" msgpack:"embeddings"`
}

// SparseValue is one nonzero entry of a sparse embedding.
type SparseValue struct {
	Index uint32  `json:"index" msgpack:"index"`
	Value float32 `json:"value" msgpack:"value"`
}

// EmbedSparseRequest requests sparse embeddings.
type EmbedSparseRequest struct {
	Inputs   []string `json:"inputs" msgpack:"inputs"`
	Truncate bool     `json:"truncate,omitempty" msgpack:"truncate,omitempty"`
}

// EmbedSparseResponse carries one sparse vector per input.
type EmbedSparseResponse struct {
	Embeddings [][]SparseValue `json:"embeddings" msgpack:"embeddings"`
}

// EmbedAllRequest requests every token's embedding rather than a pooled one.
type EmbedAllRequest struct {
	Inputs   []string `json:"inputs" msgpack:"inputs"`
	Truncate bool     `json:"truncate,omitempty" msgpack:"truncate,omitempty"`
}

// EmbedAllResponse carries per-token embeddings for each input.
type EmbedAllResponse struct {
	Embeddings [][][]float32 `json:"embeddings" msgpack:"embeddings"`
}

// PredictRequest runs a classification/regression head over raw inputs.
type PredictRequest struct {
	Inputs   []string `json:"inputs" msgpack:"inputs"`
	Truncate bool     `json:"truncate,omitempty" msgpack:"truncate,omitempty"`
	RawScores bool    `json:"raw_scores,omitempty" msgpack:"raw_scores,omitempty"`
}

// Prediction is one labeled score.
type Prediction struct {
	Label string  `json:"label" msgpack:"label"`
	Score float32 `json:"score" msgpack:"score"`
}

// PredictResponse carries one set of predictions per input.
type PredictResponse struct {
	Predictions [][]Prediction `json:"predictions" msgpack:"predictions"`
}

// PredictPairRequest runs a cross-encoder style prediction over text pairs.
type PredictPairRequest struct {
	Pairs    [][2]string `json:"pairs" msgpack:"pairs"`
	Truncate bool        `json:"truncate,omitempty" msgpack:"truncate,omitempty"`
}

// PredictPairResponse carries one prediction set per pair.
type PredictPairResponse struct {
	Predictions [][]Prediction `json:"predictions" msgpack:"predictions"`
}

// RerankRequest scores candidate texts against a query.
type RerankRequest struct {
	Query          string   `json:"query" msgpack:"query"`
	Texts          []string `json:"texts" msgpack:"texts"`
	Truncate       bool     `json:"truncate,omitempty" msgpack:"truncate,omitempty"`
	ReturnDocuments bool    `json:"return_documents,omitempty" msgpack:"return_documents,omitempty"`
}

// RankedText is one reranked candidate.
type RankedText struct {
	Index int     `json:"index" msgpack:"index"`
	Score float32 `json:"score" msgpack:"score"`
	Text  string  `json:"text,omitempty" msgpack:"text,omitempty"`
}

// RerankResponse carries candidates sorted by descending score.
type RerankResponse struct {
	Ranked []RankedText `json:"ranked" msgpack:"ranked"`
}

// TokenizeRequest asks the worker to tokenize without embedding.
type TokenizeRequest struct {
	Inputs        []string `json:"inputs" msgpack:"inputs"`
	AddSpecialTokens bool  `json:"add_special_tokens,omitempty" msgpack:"add_special_tokens,omitempty"`
}

// TokenizeResponse carries the token ids for each input.
type TokenizeResponse struct {
	TokenIDs [][]uint32 `json:"token_ids" msgpack:"token_ids"`
}

// DecodeRequest asks the worker to decode token ids back to text.
type DecodeRequest struct {
	TokenIDs             [][]uint32 `json:"token_ids" msgpack:"token_ids"`
	SkipSpecialTokens    bool       `json:"skip_special_tokens,omitempty" msgpack:"skip_special_tokens,omitempty"`
}

// DecodeResponse carries the decoded text for each input.
type DecodeResponse struct {
	Texts []string `json:"texts" msgpack:"texts"`
}

// EmbedArrowRequest is the Arrow batch fast path (§4.5 "Arrow batch path").
type EmbedArrowRequest struct {
	// IPC is an Arrow IPC stream containing a single batch with one string
	// column of input texts, optionally LZ4-compressed.
	IPC          []byte `json:"ipc" msgpack:"ipc"`
	LZ4Compressed bool  `json:"lz4_compressed,omitempty" msgpack:"lz4_compressed,omitempty"`
	Truncate     bool   `json:"truncate,omitempty" msgpack:"truncate,omitempty"`
	Normalize    bool   `json:"normalize,omitempty" msgpack:"normalize,omitempty"`
	Noop         bool   `json:"noop,omitempty" msgpack:"noop,omitempty"`
}

// EmbedArrowResponse carries an Arrow IPC buffer of fixed-size float32 lists.
type EmbedArrowResponse struct {
	IPC           []byte `json:"ipc" msgpack:"ipc"`
	LZ4Compressed bool   `json:"lz4_compressed" msgpack:"lz4_compressed"`
}

// EmbedSparseArrowRequest is the sparse counterpart of EmbedArrowRequest.
type EmbedSparseArrowRequest struct {
	IPC           []byte `json:"ipc" msgpack:"ipc"`
	LZ4Compressed bool   `json:"lz4_compressed,omitempty" msgpack:"lz4_compressed,omitempty"`
	Truncate      bool   `json:"truncate,omitempty" msgpack:"truncate,omitempty"`
	Noop          bool   `json:"noop,omitempty" msgpack:"noop,omitempty"`
}

// EmbedSparseArrowResponse carries an Arrow IPC buffer of variable-length
// lists of {index, value} structs.
type EmbedSparseArrowResponse struct {
	IPC           []byte `json:"ipc" msgpack:"ipc"`
	LZ4Compressed bool   `json:"lz4_compressed" msgpack:"lz4_compressed"`
}
