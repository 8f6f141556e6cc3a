package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"

	"github.com/weftworks/loom/runtime/ingest/embed"
)

type fakeRuntimeClient struct {
	invokeErr error

	captured []*bedrockruntime.InvokeModelInput
}

func (f *fakeRuntimeClient) InvokeModel(
	_ context.Context,
	params *bedrockruntime.InvokeModelInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.InvokeModelOutput, error) {
	f.captured = append(f.captured, params)
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	var req titanRequest
	if err := json.Unmarshal(params.Body, &req); err != nil {
		return nil, err
	}
	dims := 1024
	if req.Dimensions != nil {
		dims = *req.Dimensions
	}
	vec := make([]float32, dims)
	vec[0] = float32(len(req.InputText))
	body, err := json.Marshal(titanResponse{
		Embedding:           vec,
		InputTextTokenCount: len(req.InputText) / 3,
	})
	if err != nil {
		return nil, err
	}
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func TestEmbedIssuesOneCallPerInput(t *testing.T) {
	rt := &fakeRuntimeClient{}
	client, err := New(Options{Runtime: rt, Dimensions: 256})
	require.NoError(t, err)

	vecs, err := client.Embed(context.Background(), []string{"alpha", "beta cell"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Len(t, vecs[0], 256)
	require.Len(t, vecs[1], 256)
	require.Equal(t, float32(5), vecs[0][0])
	require.Equal(t, float32(9), vecs[1][0])

	require.Len(t, rt.captured, 2)
	require.Equal(t, defaultModelID, *rt.captured[0].ModelId)
	require.Equal(t, "application/json", *rt.captured[0].ContentType)

	var req titanRequest
	require.NoError(t, json.Unmarshal(rt.captured[0].Body, &req))
	require.Equal(t, "alpha", req.InputText)
	require.NotNil(t, req.Dimensions)
	require.Equal(t, 256, *req.Dimensions)
	require.NotNil(t, req.Normalize)
	require.True(t, *req.Normalize)
}

func TestEmbedOmitsDimensionsForV1(t *testing.T) {
	rt := &fakeRuntimeClient{}
	client, err := New(Options{Runtime: rt, Model: "amazon.titan-embed-text-v1"})
	require.NoError(t, err)
	require.Equal(t, 1536, client.Dimensions())

	_, err = client.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	var req titanRequest
	require.NoError(t, json.Unmarshal(rt.captured[0].Body, &req))
	require.Nil(t, req.Dimensions)
	require.Nil(t, req.Normalize)
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	client, err := New(Options{Runtime: &fakeRuntimeClient{}})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"alpha", ""})
	require.Error(t, err)
	require.Contains(t, err.Error(), "input 1 is empty")
}

func TestNewRejectsDimensionsForV1(t *testing.T) {
	_, err := New(Options{
		Runtime:    &fakeRuntimeClient{},
		Model:      "amazon.titan-embed-text-v1",
		Dimensions: 512,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not support configurable dimensions")
}

func TestIsRateLimited_IdempotentOnSentinel(t *testing.T) {
	err := embed.ErrRateLimited
	require.True(t, isRateLimited(err))

	wrapped := fmt.Errorf("provider: %w", err)
	require.True(t, isRateLimited(wrapped))
}

func TestEmbed_WrapsThrottlingErrors(t *testing.T) {
	rt := &fakeRuntimeClient{
		invokeErr: &smithy.GenericAPIError{
			Code:    "ThrottlingException",
			Message: "rate exceeded",
		},
	}
	client, err := New(Options{Runtime: rt})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	require.ErrorIs(t, err, embed.ErrRateLimited)

	pe, ok := embed.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, embed.ProviderErrorKindRateLimited, pe.Kind())
	require.True(t, pe.Retryable())
}

func TestEmbed_ClassifiesValidationErrors(t *testing.T) {
	rt := &fakeRuntimeClient{
		invokeErr: &smithy.GenericAPIError{
			Code:    "ValidationException",
			Message: "malformed input",
		},
	}
	client, err := New(Options{Runtime: rt})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	require.NotErrorIs(t, err, embed.ErrRateLimited)

	pe, ok := embed.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, "ValidationException", pe.Code())
	require.Equal(t, "malformed input", pe.Message())
}
