package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"
)

// InvokeRequest carries one user turn to the agent runtime.
type InvokeRequest struct {
	SessionID string
	UserID    string
	Prompt    string
	Model     string // optional per-request model override

	GuardrailID      string
	GuardrailVersion string
	GuardrailEnabled bool
}

// Invoker opens a streaming invocation against the agent runtime. The
// returned reader carries newline-delimited JSON and must be closed by the
// caller.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (io.ReadCloser, error)
}

// AgentCoreClient invokes a Bedrock AgentCore runtime.
type AgentCoreClient struct {
	client     *bedrockagentcore.Client
	runtimeARN string
}

// NewAgentCoreClient builds a client from the ambient AWS credential chain.
func NewAgentCoreClient(ctx context.Context, region, runtimeARN string) (*AgentCoreClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &AgentCoreClient{
		client:     bedrockagentcore.NewFromConfig(cfg),
		runtimeARN: runtimeARN,
	}, nil
}

// Invoke starts the runtime invocation and returns the raw response stream.
func (c *AgentCoreClient) Invoke(ctx context.Context, req InvokeRequest) (io.ReadCloser, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, fmt.Errorf("building runtime payload: %w", err)
	}

	out, err := c.client.InvokeAgentRuntime(ctx, &bedrockagentcore.InvokeAgentRuntimeInput{
		AgentRuntimeArn:  aws.String(c.runtimeARN),
		RuntimeSessionId: aws.String(req.SessionID),
		Payload:          payload,
	})
	if err != nil {
		return nil, fmt.Errorf("invoking agent runtime: %w", err)
	}

	log.Debug().
		Str("session_id", req.SessionID).
		Str("content_type", aws.ToString(out.ContentType)).
		Msg("Runtime invocation started")

	return out.Response, nil
}

func buildPayload(req InvokeRequest) ([]byte, error) {
	payload := []byte(`{}`)
	var err error

	set := func(path string, value any) {
		if err != nil {
			return
		}
		payload, err = sjson.SetBytes(payload, path, value)
	}

	set("prompt", req.Prompt)
	set("sessionId", req.SessionID)
	set("userId", req.UserID)
	if req.Model != "" {
		set("modelId", req.Model)
	}
	if req.GuardrailEnabled {
		set("guardrailId", req.GuardrailID)
		set("guardrailVersion", req.GuardrailVersion)
		set("guardrailEnabled", true)
	}
	return payload, err
}
