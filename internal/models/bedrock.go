package models

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/pilot/internal/config"
)

const defaultBedrockModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

// NewBedrock creates a Claude ChatModel served through AWS Bedrock.
// Credentials come from options (access_key, secret_access_key, region) or
// the standard AWS environment variables.
func NewBedrock(ctx context.Context, cfg config.ProviderConfig) (model.BaseChatModel, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultBedrockModel
	}

	pick := func(key, env string) string {
		if v := optString(cfg.Options, key); v != "" {
			return v
		}
		return os.Getenv(env)
	}

	accessKey := pick("access_key", "AWS_ACCESS_KEY_ID")
	secretKey := pick("secret_access_key", "AWS_SECRET_ACCESS_KEY")
	region := pick("region", "AWS_REGION")
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("bedrock: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY not set")
	}
	if region == "" {
		region = "us-east-1"
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	modelConfig := &claude.Config{
		ByBedrock:       true,
		AccessKey:       accessKey,
		SecretAccessKey: secretKey,
		Region:          region,
		Model:           modelName,
		MaxTokens:       maxTokens,
	}
	if t, ok := optFloat32(cfg.Options, "temperature"); ok {
		modelConfig.Temperature = t
	}

	return claude.NewChatModel(ctx, modelConfig)
}
