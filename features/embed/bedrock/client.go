// Package bedrock provides an embed.Embedder implementation backed by AWS
// Bedrock Titan text embeddings. It encodes each input into an InvokeModel
// call and decodes the returned vector, classifying provider failures so the
// pipeline can distinguish throttling from hard errors.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/weftworks/loom/runtime/ingest/embed"
)

const (
	defaultModelID      = "amazon.titan-embed-text-v2:0"
	bedrockProviderName = "bedrock"
)

// defaultDimensions maps known Titan embedding models to their native vector
// width.
var defaultDimensions = map[string]int{
	"amazon.titan-embed-text-v2:0": 1024,
	"amazon.titan-embed-text-v1":   1536,
}

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options configures the Bedrock embedding adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// Model is the Titan embedding model identifier. Defaults to
	// amazon.titan-embed-text-v2:0.
	Model string

	// Dimensions, when set, requests reduced-width vectors. Only the v2
	// family supports this; leave zero for the model's native width.
	Dimensions int
}

// Client implements embed.Embedder on top of AWS Bedrock InvokeModel.
type Client struct {
	runtime      RuntimeClient
	model        string
	dims         int
	supportsDims bool
}

var _ embed.Embedder = (*Client)(nil)

// titanRequest is the InvokeModel request body for Titan text embeddings.
// Dimensions and Normalize are only understood by the v2 family and are
// omitted otherwise.
type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions *int   `json:"dimensions,omitempty"`
	Normalize  *bool  `json:"normalize,omitempty"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// New initializes a Bedrock-powered embedder.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = defaultModelID
	}
	supportsDims := strings.HasPrefix(modelID, "amazon.titan-embed-text-v2")
	dims := opts.Dimensions
	if dims > 0 && !supportsDims {
		return nil, fmt.Errorf("bedrock: model %q does not support configurable dimensions", modelID)
	}
	if dims <= 0 {
		dims = defaultDimensions[modelID]
	}
	if dims <= 0 {
		return nil, fmt.Errorf("bedrock: dimensions are required for model %q", modelID)
	}
	return &Client{
		runtime:      opts.Runtime,
		model:        modelID,
		dims:         dims,
		supportsDims: supportsDims,
	}, nil
}

// Embed returns one vector per input, in input order. Titan accepts a single
// text per invocation so the batch is issued as sequential calls.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, errors.New("inputs are required")
	}
	vecs := make([][]float32, len(inputs))
	for i, text := range inputs {
		if text == "" {
			return nil, fmt.Errorf("bedrock: input %d is empty", i)
		}
		vec, err := c.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

func (c *Client) embedOne(ctx context.Context, text string) ([]float32, error) {
	req := titanRequest{InputText: text}
	if c.supportsDims {
		req.Dimensions = aws.Int(c.dims)
		// Unit-length vectors keep cosine scoring consistent across
		// destinations.
		req.Normalize = aws.Bool(true)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: encode request: %w", err)
	}
	out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, wrapBedrockError("invoke_model", err)
	}
	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("bedrock: response carries no embedding")
	}
	return resp.Embedding, nil
}

// Dimensions returns the vector width produced by Embed.
func (c *Client) Dimensions() int { return c.dims }

// Model returns the configured Titan model identifier.
func (c *Client) Model() string { return c.model }

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals and is idempotent when
// ErrRateLimited is already present in the error chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, embed.ErrRateLimited) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}

	return false
}

func wrapBedrockError(operation string, err error) error {
	if isRateLimited(err) {
		pe := embed.NewProviderError(bedrockProviderName, operation, http.StatusTooManyRequests, embed.ProviderErrorKindRateLimited, "rate_limited", "", "", true, err)
		return errors.Join(embed.ErrRateLimited, pe)
	}

	var (
		status int
		code   string
		msg    string
	)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	kind := embed.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusBadRequest:
		kind = embed.ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = embed.ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		kind = embed.ProviderErrorKindRateLimited
		retryable = true
	case status >= http.StatusInternalServerError && status <= http.StatusNetworkAuthenticationRequired:
		kind = embed.ProviderErrorKindUnavailable
		retryable = true
	}

	return embed.NewProviderError(bedrockProviderName, operation, status, kind, code, msg, "", retryable, err)
}
