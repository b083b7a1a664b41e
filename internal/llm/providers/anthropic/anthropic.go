// internal/llm/providers/anthropic/anthropic.go
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goanthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/narrforge/narrforge/internal/llm"
)

func init() {
	llm.Register("anthropic", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"claude-3-7-sonnet-latest",
				"claude-3-5-sonnet-latest",
				"claude-3-5-haiku-latest",
			},
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	client            *goanthropic.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("anthropic api密钥未提供")
	}

	p.apiKey = apiKey

	opts := []goanthropic.ClientOption{}
	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
		opts = append(opts, goanthropic.WithBaseURL(baseURL))
	}
	p.client = goanthropic.NewClient(apiKey, opts...)

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "claude-3-5-sonnet-latest"
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
	return "Anthropic Claude"
}

func (p *Provider) GetSupportedModels() []string {
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// Anthropic没有开放模型列表接口，保持推荐列表
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	return nil
}

func (p *Provider) SetCustomModels(models []string) {
	if len(models) > 0 {
		p.availableModels = models
	}
}

func (p *Provider) buildRequest(req llm.CompletionRequest) goanthropic.MessagesRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	mr := goanthropic.MessagesRequest{
		Model: goanthropic.Model(model),
		Messages: []goanthropic.Message{
			goanthropic.NewUserTextMessage(req.Prompt),
		},
		MaxTokens:     maxTokens,
		System:        req.SystemPrompt,
		StopSequences: req.StopWords,
	}

	if req.Temperature > 0 {
		t := req.Temperature
		mr.Temperature = &t
	}
	if req.TopP > 0 {
		tp := req.TopP
		mr.TopP = &tp
	}

	return mr
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.client == nil {
		return nil, errors.New("anthropic客户端未初始化")
	}

	mr := p.buildRequest(req)

	resp, err := p.client.CreateMessages(ctx, mr)
	if err != nil {
		return nil, fmt.Errorf("anthropic api错误: %w", err)
	}

	text := resp.GetFirstContentText()
	if text == "" {
		return nil, errors.New("Anthropic未返回文本内容")
	}

	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: string(resp.StopReason),
		TokensUsed:   resp.Usage.InputTokens + resp.Usage.OutputTokens,
		PromptTokens: resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		ModelName:    string(mr.Model),
		ProviderName: p.GetName(),
	}, nil
}

// StreamCompletion 实现流式响应
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	if p.client == nil {
		return nil, errors.New("anthropic客户端未初始化")
	}

	mr := p.buildRequest(req)
	respChan := make(chan llm.StreamResponse)

	go func() {
		defer close(respChan)

		resp, err := p.client.CreateMessagesStream(ctx, goanthropic.MessagesStreamRequest{
			MessagesRequest: mr,
			OnContentBlockDelta: func(data goanthropic.MessagesEventContentBlockDeltaData) {
				text := data.Delta.GetText()
				if text == "" {
					return
				}
				select {
				case respChan <- llm.StreamResponse{Text: text, Done: false}:
				case <-ctx.Done():
				}
			},
		})
		if err != nil {
			return
		}

		respChan <- llm.StreamResponse{
			FinishReason: string(resp.StopReason),
			ModelName:    string(mr.Model),
			Done:         true,
		}
	}()

	return respChan, nil
}
