// internal/llm/providers/openai/openai.go
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/narrforge/narrforge/internal/llm"
)

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"gpt-4o",
				"gpt-4o-mini",
				"gpt-4.1",
				"gpt-4.1-mini",
			},
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	client            *goopenai.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("openai api密钥未提供")
	}

	p.apiKey = apiKey

	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
		cfg.BaseURL = baseURL
	}
	p.client = goopenai.NewClientWithConfig(cfg)

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gpt-4o-mini"
	}

	// 如果配置中包含自定义模型列表
	if customModels, exists := config["custom_models"]; exists && customModels != "" {
		var models []string
		if err := json.Unmarshal([]byte(customModels), &models); err == nil && len(models) > 0 {
			p.availableModels = models
		}
	}

	return nil
}

func (p *Provider) GetName() string {
	return "OpenAI"
}

func (p *Provider) GetSupportedModels() []string {
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// 尝试获取用户账户可用的模型列表
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	if p.client == nil {
		return errors.New("API密钥未设置，无法获取模型列表")
	}

	list, err := p.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("获取模型列表失败: %w", err)
	}

	p.availableModels = make([]string, 0, len(list.Models))
	for _, model := range list.Models {
		p.availableModels = append(p.availableModels, model.ID)
	}

	return nil
}

func (p *Provider) SetCustomModels(models []string) {
	if len(models) > 0 {
		p.availableModels = models
	}
}

func (p *Provider) buildRequest(req llm.CompletionRequest, stream bool) goopenai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	return goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopWords,
		Stream:      stream,
	}
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.client == nil {
		return nil, errors.New("openai客户端未初始化")
	}

	chatReq := p.buildRequest(req, false)

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai api错误: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("OpenAI未返回文本内容")
	}

	choice := resp.Choices[0]
	return &llm.CompletionResponse{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		TokensUsed:   resp.Usage.TotalTokens,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		ModelName:    chatReq.Model,
		ProviderName: p.GetName(),
	}, nil
}

// StreamCompletion 实现流式响应
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	if p.client == nil {
		return nil, errors.New("openai客户端未初始化")
	}

	chatReq := p.buildRequest(req, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai api错误: %w", err)
	}

	respChan := make(chan llm.StreamResponse)

	go func() {
		defer stream.Close()
		defer close(respChan)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				respChan <- llm.StreamResponse{
					FinishReason: "stop",
					ModelName:    chatReq.Model,
					Done:         true,
				}
				return
			}
			if err != nil {
				return
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				respChan <- llm.StreamResponse{
					Text: choice.Delta.Content,
					Done: false,
				}
			}

			if choice.FinishReason != "" {
				respChan <- llm.StreamResponse{
					FinishReason: string(choice.FinishReason),
					ModelName:    chatReq.Model,
					Done:         true,
				}
				return
			}
		}
	}()

	return respChan, nil
}
