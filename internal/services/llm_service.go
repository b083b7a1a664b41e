// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/llm"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrLLMNotReady = errors.New("llm service not ready")

var providerDefaultModels = map[string]string{
	"openai":     "gpt-4o-mini",
	"anthropic":  "claude-3-5-sonnet-latest",
	"openrouter": "google/gemma-3-27b-it:free",
}

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	providerMutex      sync.RWMutex
	provider           llm.Provider
	providerName       string
	cache              *LLMCache
	isReady            bool
	readyState         string
	activeDefaultModel string
}

type LLMCache struct {
	cache      map[string]*CacheEntry
	mutex      sync.RWMutex
	expiration time.Duration
}

type CacheEntry struct {
	Response  interface{}
	CreatedAt time.Time
}

// NewLLMService 从当前配置初始化。
// 配置缺失时返回未就绪服务而不是错误，后续可通过UpdateProvider补全
func NewLLMService() *LLMService {
	service := createBaseLLMService()

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		service.readyState = "无法获取配置"
		return service
	}

	if cfg.LLMProvider == "" || cfg.LLMAPIKey == "" {
		service.readyState = "API密钥未配置"
		return service
	}

	providerConfig := providerConfigFrom(cfg)
	provider, err := llm.GetProvider(cfg.LLMProvider, providerConfig)
	if err != nil {
		service.readyState = fmt.Sprintf("初始化失败: %v", err)
		return service
	}

	service.provider = provider
	service.providerName = cfg.LLMProvider
	service.activeDefaultModel = providerConfig["default_model"]
	service.isReady = true
	service.readyState = "Ready"

	return service
}

func providerConfigFrom(cfg *config.Config) map[string]string {
	pc := map[string]string{
		"api_key": cfg.LLMAPIKey,
	}
	if cfg.LLMModel != "" {
		pc["default_model"] = cfg.LLMModel
	}
	if cfg.BaseURL != "" {
		pc["base_url"] = cfg.BaseURL
	}
	return pc
}

func createBaseLLMService() *LLMService {
	return &LLMService{
		readyState: "Uninitialized",
		cache: &LLMCache{
			cache:      make(map[string]*CacheEntry),
			expiration: 30 * time.Minute,
		},
	}
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// GetProviderName 返回当前提供商名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// GetProvider 返回底层Provider，流式调用使用
func (s *LLMService) GetProvider() llm.Provider {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider
}

// UpdateProvider 切换LLM提供商
func (s *LLMService) UpdateProvider(providerName string, providerConfig map[string]string) error {
	provider, err := llm.GetProvider(providerName, providerConfig)
	if err != nil {
		s.providerMutex.Lock()
		s.isReady = false
		s.readyState = fmt.Sprintf("配置失败: %v", err)
		s.providerMutex.Unlock()
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.activeDefaultModel = providerConfig["default_model"]
	s.isReady = true
	s.readyState = "Ready"

	// 换提供商后旧缓存不再可比
	s.cache = &LLMCache{
		cache:      make(map[string]*CacheEntry),
		expiration: 30 * time.Minute,
	}

	return nil
}

func (s *LLMService) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}

	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	if s.activeDefaultModel != "" {
		return s.activeDefaultModel
	}
	return providerDefaultModels[s.providerName]
}

func (s *LLMService) generateCacheKey(prompt, systemPrompt, model string) string {
	s.providerMutex.RLock()
	providerName := s.providerName
	s.providerMutex.RUnlock()

	h := md5.New()
	fmt.Fprintf(h, "%s:::%s:::%s:::%s", prompt, systemPrompt, model, providerName)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (c *LLMCache) getFromCache(key string) (interface{}, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists {
		return nil, false
	}
	if time.Since(entry.CreatedAt) > c.expiration {
		return nil, false
	}
	return entry.Response, true
}

func (c *LLMCache) saveToCache(key string, response interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &CacheEntry{
		Response:  response,
		CreatedAt: time.Now(),
	}

	if len(c.cache) > 1000 {
		c.cleanupOldest(100)
	}
}

func (c *LLMCache) cleanupOldest(count int) {
	type keyAge struct {
		key string
		age time.Time
	}

	entries := make([]keyAge, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, keyAge{k, v.CreatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].age.Before(entries[j].age)
	})

	for i := 0; i < count && i < len(entries); i++ {
		delete(c.cache, entries[i].key)
	}
}

// Chat 单轮文本生成
func (s *LLMService) Chat(ctx context.Context, prompt, systemPrompt, model string, maxTokens int) (*llm.CompletionResponse, error) {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		s.providerMutex.RUnlock()
		return nil, ErrLLMNotReady
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	resolvedModel := s.resolveModel(model)
	cacheKey := s.generateCacheKey(prompt, systemPrompt, resolvedModel)

	if cached, ok := s.cache.getFromCache(cacheKey); ok {
		if resp, ok := cached.(*llm.CompletionResponse); ok {
			return resp, nil
		}
	}

	resp, err := provider.CompleteText(ctx, llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Model:        resolvedModel,
		MaxTokens:    maxTokens,
		Temperature:  0.7,
	})
	if err != nil {
		return nil, err
	}

	s.cache.saveToCache(cacheKey, resp)
	return resp, nil
}

// StreamChat 流式文本生成，不走缓存
func (s *LLMService) StreamChat(ctx context.Context, prompt, systemPrompt, model string, maxTokens int) (<-chan llm.StreamResponse, error) {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		s.providerMutex.RUnlock()
		return nil, ErrLLMNotReady
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	return provider.StreamCompletion(ctx, llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Model:        s.resolveModel(model),
		MaxTokens:    maxTokens,
		Temperature:  0.7,
		Stream:       true,
	})
}

// CreateStructuredCompletion 请求JSON输出并解析到outputSchema
func (s *LLMService) CreateStructuredCompletion(ctx context.Context, prompt, systemPrompt string, outputSchema interface{}) error {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		s.providerMutex.RUnlock()
		return fmt.Errorf("LLM service not ready: %s", s.readyState)
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	model := s.resolveModel("")
	cacheKey := s.generateCacheKey(prompt, systemPrompt, model)

	if cached, ok := s.cache.getFromCache(cacheKey); ok {
		if text, ok := cached.(string); ok {
			if err := json.Unmarshal([]byte(text), outputSchema); err == nil {
				return nil
			}
		}
	}

	structuredSystemPrompt := systemPrompt
	if structuredSystemPrompt != "" {
		structuredSystemPrompt += "\n\n"
	}
	structuredSystemPrompt += "只返回合法的JSON，不要添加解释、前言或代码块之外的内容。"

	resp, err := provider.CompleteText(ctx, llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: structuredSystemPrompt,
		Temperature:  0.3,
		Model:        model,
	})
	if err != nil {
		return err
	}

	text := CleanJSONString(resp.Text)
	if err := json.Unmarshal([]byte(text), outputSchema); err != nil {
		return fmt.Errorf("解析AI结构化输出失败: %w\n原始返回: %s", err, text)
	}

	s.cache.saveToCache(cacheKey, text)
	return nil
}

// CleanJSONString 去掉AI返回中包裹JSON的代码栅栏与前后噪声
func CleanJSONString(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	// 截取第一个 { 或 [ 到最后一个 } 或 ] 之间的内容
	start := strings.IndexAny(s, "{[")
	end := strings.LastIndexAny(s, "}]")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}
