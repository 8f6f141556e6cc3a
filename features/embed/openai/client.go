// Package openai provides an embed.Embedder implementation backed by the
// OpenAI Embeddings API. It translates input batches into embedding calls
// using github.com/openai/openai-go and maps responses back to fixed-width
// float32 vectors.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/weftworks/loom/runtime/ingest/embed"
)

const openaiProviderName = "openai"

// defaultDimensions maps known embedding models to their native vector width.
var defaultDimensions = map[string]int{
	string(openai.EmbeddingModelTextEmbedding3Small): 1536,
	string(openai.EmbeddingModelTextEmbedding3Large): 3072,
	string(openai.EmbeddingModelTextEmbeddingAda002): 1536,
}

// EmbeddingsClient captures the subset of the openai-go client used by the
// adapter.
type EmbeddingsClient interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// Options configures the OpenAI embedding adapter.
type Options struct {
	Client EmbeddingsClient

	// Model selects the embedding model. Defaults to text-embedding-3-small.
	Model string

	// Dimensions, when set, requests reduced-width vectors. Only the
	// text-embedding-3 family supports this; leave zero for the model's
	// native width.
	Dimensions int
}

// Client implements embed.Embedder via the OpenAI Embeddings API.
type Client struct {
	embeddings EmbeddingsClient
	model      string
	dims       int
	explicit   bool
}

var _ embed.Embedder = (*Client)(nil)

// New builds an OpenAI-backed embedder from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai embeddings client is required")
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	dims := opts.Dimensions
	explicit := dims > 0
	if dims <= 0 {
		dims = defaultDimensions[modelID]
	}
	if dims <= 0 {
		return nil, fmt.Errorf("openai: dimensions are required for model %q", modelID)
	}
	return &Client{embeddings: opts.Client, model: modelID, dims: dims, explicit: explicit}, nil
}

// NewFromAPIKey constructs an embedder using the default openai-go HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	opts.Client = &client.Embeddings
	return New(opts)
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, errors.New("inputs are required")
	}
	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Model:          openai.EmbeddingModel(c.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if c.explicit {
		params.Dimensions = openai.Int(int64(c.dims))
	}
	resp, err := c.embeddings.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIError("embeddings", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(inputs), len(resp.Data))
	}
	vecs := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vecs) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vecs[d.Index] = vec
	}
	return vecs, nil
}

// Dimensions returns the vector width produced by Embed.
func (c *Client) Dimensions() int { return c.dims }

// Model returns the configured embedding model identifier.
func (c *Client) Model() string { return c.model }

func wrapOpenAIError(operation string, err error) error {
	var (
		status    int
		code      string
		msg       string
		requestID string
	)

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
		code = apiErr.Code
		msg = apiErr.Message
		if apiErr.Response != nil {
			requestID = apiErr.Response.Header.Get("x-request-id")
		}
	}

	if status == http.StatusTooManyRequests {
		pe := embed.NewProviderError(openaiProviderName, operation, status, embed.ProviderErrorKindRateLimited, code, msg, requestID, true, err)
		return errors.Join(embed.ErrRateLimited, pe)
	}

	kind := embed.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		kind = embed.ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = embed.ProviderErrorKindAuth
	case status >= http.StatusInternalServerError && status <= http.StatusNetworkAuthenticationRequired:
		kind = embed.ProviderErrorKindUnavailable
		retryable = true
	}

	return embed.NewProviderError(openaiProviderName, operation, status, kind, code, msg, requestID, retryable, err)
}
