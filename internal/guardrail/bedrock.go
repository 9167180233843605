package guardrail

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BlockedMessage is shown to the user when the policy intervenes.
const BlockedMessage = "Sorry, I can't help with that request."

// applier is the slice of the Bedrock runtime client the gate uses.
type applier interface {
	ApplyGuardrail(ctx context.Context, in *bedrockruntime.ApplyGuardrailInput,
		opts ...func(*bedrockruntime.Options)) (*bedrockruntime.ApplyGuardrailOutput, error)
}

// BedrockGate evaluates content with the Bedrock ApplyGuardrail API.
type BedrockGate struct {
	client  applier
	id      string
	version string
}

// NewBedrockGate builds a gate from the ambient AWS credential chain.
func NewBedrockGate(ctx context.Context, region, id, version string) (*BedrockGate, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &BedrockGate{
		client:  bedrockruntime.NewFromConfig(cfg),
		id:      id,
		version: version,
	}, nil
}

func (g *BedrockGate) Evaluate(ctx context.Context, source, text string) (Decision, error) {
	out, err := g.client.ApplyGuardrail(ctx, &bedrockruntime.ApplyGuardrailInput{
		GuardrailIdentifier: aws.String(g.id),
		GuardrailVersion:    aws.String(g.version),
		Source:              types.GuardrailContentSource(source),
		Content: []types.GuardrailContentBlock{
			&types.GuardrailContentBlockMemberText{
				Value: types.GuardrailTextBlock{Text: aws.String(text)},
			},
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("applying guardrail: %w", err)
	}

	if out.Action != types.GuardrailActionGuardrailIntervened {
		return Decision{Action: ActionAllow}, nil
	}
	return Decision{
		Action:     ActionBlock,
		Message:    BlockedMessage,
		Violations: extractViolations(out.Assessments),
	}, nil
}

func extractViolations(assessments []types.GuardrailAssessment) []Violation {
	var out []Violation
	for _, a := range assessments {
		if a.ContentPolicy != nil {
			for _, f := range a.ContentPolicy.Filters {
				out = append(out, Violation{
					FilterType: string(f.Type),
					Confidence: string(f.Confidence),
				})
			}
		}
		if a.TopicPolicy != nil {
			for _, t := range a.TopicPolicy.Topics {
				out = append(out, Violation{
					FilterType: "TOPIC:" + aws.ToString(t.Name),
					Confidence: "HIGH",
				})
			}
		}
	}
	return out
}
