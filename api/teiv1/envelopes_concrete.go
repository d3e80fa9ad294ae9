package teiv1

// Concrete Envelope instantiations, one per RPC, so gRPC method handlers
// have a fixed message type to hand the codec (the same role
// protoc-gen-go-grpc's per-method Unmarshal target would normally play).

type (
	InfoEnvelope        = Envelope[InfoRequest]
	EmbedEnvelope        = Envelope[EmbedRequest]
	EmbedSparseEnvelope  = Envelope[EmbedSparseRequest]
	EmbedAllEnvelope     = Envelope[EmbedAllRequest]
	PredictEnvelope      = Envelope[PredictRequest]
	PredictPairEnvelope  = Envelope[PredictPairRequest]
	RerankEnvelope       = Envelope[RerankRequest]
	TokenizeEnvelope     = Envelope[TokenizeRequest]
	DecodeEnvelope       = Envelope[DecodeRequest]
)
