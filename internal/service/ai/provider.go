package ai

import (
	"context"
	"fmt"
	"strings"

	"servicebot/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

const defaultDeepSeekBaseURL = "https://api.deepseek.com"

// NewChatModel builds the chat model for provider. DeepSeek speaks the
// OpenAI-compatible protocol and goes through the openai component.
func NewChatModel(ctx context.Context, provider string, pc config.ProviderConfig) (model.BaseChatModel, error) {
	if pc.Model == "" {
		return nil, fmt.Errorf("model for provider %s is not configured", provider)
	}
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch strings.ToLower(provider) {
	case "deepseek":
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = defaultDeepSeekBaseURL
		}
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: baseURL,
			Model:   pc.Model,
			APIKey:  pc.APIKey,
		})
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			APIKey:  pc.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: pc.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  pc.Model,
		})
	case "claude":
		var baseURLPtr *string
		if pc.BaseURL != "" {
			baseURL := pc.BaseURL
			baseURLPtr = &baseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    pc.APIKey,
			Model:     pc.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}
