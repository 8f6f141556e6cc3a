package openai_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	openaiembed "github.com/weftworks/loom/features/embed/openai"
	"github.com/weftworks/loom/runtime/ingest/embed"
)

func TestClientEmbed(t *testing.T) {
	mock := &mockEmbeddingsClient{
		response: &openai.CreateEmbeddingResponse{
			Data: []openai.Embedding{
				{Index: 1, Embedding: []float64{0.4, 0.5, 0.6}},
				{Index: 0, Embedding: []float64{0.1, 0.2, 0.3}},
			},
		},
	}
	client, err := openaiembed.New(openaiembed.Options{Client: mock, Dimensions: 3})
	require.NoError(t, err)

	vecs, err := client.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vecs[0])
	require.Equal(t, []float32{0.4, 0.5, 0.6}, vecs[1])

	req := mock.captured
	require.Equal(t, []string{"first", "second"}, req.Input.OfArrayOfStrings)
	require.Equal(t, openai.EmbeddingModelTextEmbedding3Small, req.Model)
	require.Equal(t, int64(3), req.Dimensions.Value)
}

func TestClientEmbedDefaultsDimensionsFromModel(t *testing.T) {
	client, err := openaiembed.New(openaiembed.Options{
		Client: &mockEmbeddingsClient{},
		Model:  string(openai.EmbeddingModelTextEmbedding3Large),
	})
	require.NoError(t, err)
	require.Equal(t, 3072, client.Dimensions())
	require.Equal(t, string(openai.EmbeddingModelTextEmbedding3Large), client.Model())
}

func TestClientEmbedCountMismatch(t *testing.T) {
	mock := &mockEmbeddingsClient{
		response: &openai.CreateEmbeddingResponse{
			Data: []openai.Embedding{{Index: 0, Embedding: []float64{1}}},
		},
	}
	client, err := openaiembed.New(openaiembed.Options{Client: mock, Dimensions: 1})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected 2 embeddings")
}

func TestClientEmbedClassifiesRateLimit(t *testing.T) {
	mock := &mockEmbeddingsClient{
		err: &openai.Error{StatusCode: http.StatusTooManyRequests, Message: "slow down"},
	}
	client, err := openaiembed.New(openaiembed.Options{Client: mock, Dimensions: 3})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	require.ErrorIs(t, err, embed.ErrRateLimited)

	pe, ok := embed.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, embed.ProviderErrorKindRateLimited, pe.Kind())
	require.True(t, pe.Retryable())
}

func TestClientEmbedClassifiesAuthError(t *testing.T) {
	mock := &mockEmbeddingsClient{
		err: &openai.Error{StatusCode: http.StatusUnauthorized, Message: "bad key"},
	}
	client, err := openaiembed.New(openaiembed.Options{Client: mock, Dimensions: 3})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	require.NotErrorIs(t, err, embed.ErrRateLimited)

	pe, ok := embed.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, embed.ProviderErrorKindAuth, pe.Kind())
	require.False(t, pe.Retryable())
}

// The SDK embedding service satisfies the seam through its pointer
// receiver; NewFromAPIKey must hand New the address, not the value.
var _ openaiembed.EmbeddingsClient = (*openai.EmbeddingService)(nil)

func TestNewFromAPIKey(t *testing.T) {
	client, err := openaiembed.NewFromAPIKey("test-key", openaiembed.Options{Dimensions: 3})
	require.NoError(t, err)
	require.Equal(t, 3, client.Dimensions())
	require.Equal(t, string(openai.EmbeddingModelTextEmbedding3Small), client.Model())
}

func TestNewRequiresClient(t *testing.T) {
	_, err := openaiembed.New(openaiembed.Options{})
	require.Error(t, err)
}

func TestNewRequiresDimensionsForUnknownModel(t *testing.T) {
	_, err := openaiembed.New(openaiembed.Options{
		Client: &mockEmbeddingsClient{},
		Model:  "custom-embedding-model",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "dimensions are required")
}

type mockEmbeddingsClient struct {
	response *openai.CreateEmbeddingResponse
	err      error
	captured openai.EmbeddingNewParams
}

func (m *mockEmbeddingsClient) New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error) {
	m.captured = body
	if m.err != nil {
		return nil, m.err
	}
	if m.response == nil {
		return &openai.CreateEmbeddingResponse{}, nil
	}
	return m.response, nil
}
