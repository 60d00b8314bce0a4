package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockScorerConfig holds parameters for scoring via AWS Bedrock.
type BedrockScorerConfig struct {
	Region  string
	ModelID string
	// Static credentials for deployments without an ambient AWS identity.
	// Leave empty to use the default credential chain.
	AccessKeyID     string
	SecretAccessKey string
	MaxTokens       int32
}

// BedrockScorer rates semantic equivalence through the Bedrock Converse API.
type BedrockScorer struct {
	cfg    BedrockScorerConfig
	client *bedrockruntime.Client
}

// NewBedrockScorer resolves AWS configuration and builds the runtime client.
func NewBedrockScorer(ctx context.Context, cfg BedrockScorerConfig) (*BedrockScorer, error) {
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("bedrock scorer: model id required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockScorer{
		cfg:    cfg,
		client: bedrockruntime.NewFromConfig(awsCfg),
	}, nil
}

// Name identifies the scorer in verdicts.
func (s *BedrockScorer) Name() string { return "bedrock/" + s.cfg.ModelID }

// Score submits both statements through Converse and parses the rating.
func (s *BedrockScorer) Score(ctx context.Context, textA, textB string) (float64, error) {
	user := fmt.Sprintf("Statement A:\n%s\n\nStatement B:\n%s", textA, textB)

	out, err := s.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(s.cfg.ModelID),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: scoreSystemPrompt},
		},
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: user},
				},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(s.cfg.MaxTokens),
			Temperature: aws.Float32(0),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("converse request failed: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return 0, fmt.Errorf("empty converse response")
	}

	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	raw := strings.TrimSpace(sb.String())
	if raw == "" {
		return 0, fmt.Errorf("empty converse response")
	}
	return parseScore(raw)
}
