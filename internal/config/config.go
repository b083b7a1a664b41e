// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// Config 应用配置
type Config struct {
	// 服务配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 存储配置
	DatabasePath string `json:"database_path"`

	// 检索配置文件路径（viper热加载）
	IntentConfigPath string `json:"intent_config_path"`

	// LLM配置
	LLMProvider string `json:"llm_provider"`
	LLMAPIKey   string `json:"-"` // 不持久化密钥
	LLMModel    string `json:"llm_model"`
	BaseURL     string `json:"base_url"`
}

var (
	current *Config
	mu      sync.RWMutex
)

// Load 从环境变量加载配置，.env文件存在时优先加载
func Load() *Config {
	// 忽略.env缺失错误，环境变量可以直接提供
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DataDir:          getEnvPath("DATA_DIR", "data"),
		LogDir:           getEnvPath("LOG_DIR", "logs"),
		DebugMode:        getEnvBool("DEBUG_MODE", false),
		DatabasePath:     getEnv("DATABASE_PATH", ""),
		IntentConfigPath: getEnv("INTENT_CONFIG_PATH", filepath.Join("config", "intent.yaml")),
		LLMProvider:      getEnv("LLM_PROVIDER", "openai"),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		LLMModel:         getEnv("LLM_MODEL", ""),
		BaseURL:          getEnv("LLM_BASE_URL", ""),
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "narrforge.db")
	}
	return cfg
}

// InitConfig 初始化全局配置：环境变量打底，data/config.json覆盖
func InitConfig() error {
	cfg := Load()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	// 合并持久化配置（仅LLM相关字段）
	path := filepath.Join(cfg.DataDir, "config.json")
	if data, err := os.ReadFile(path); err == nil {
		var saved struct {
			LLMProvider string `json:"llm_provider"`
			LLMModel    string `json:"llm_model"`
			BaseURL     string `json:"base_url"`
		}
		if err := json.Unmarshal(data, &saved); err == nil {
			if saved.LLMProvider != "" {
				cfg.LLMProvider = saved.LLMProvider
			}
			if saved.LLMModel != "" {
				cfg.LLMModel = saved.LLMModel
			}
			if saved.BaseURL != "" {
				cfg.BaseURL = saved.BaseURL
			}
		}
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return nil
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Load()
	}
	c := *current
	return &c
}

// UpdateLLMConfig 更新LLM配置并持久化到data/config.json
func UpdateLLMConfig(provider, apiKey, model, baseURL string) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = Load()
	}
	if provider != "" {
		current.LLMProvider = provider
	}
	if apiKey != "" {
		current.LLMAPIKey = apiKey
	}
	if model != "" {
		current.LLMModel = model
	}
	if baseURL != "" {
		current.BaseURL = baseURL
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	path := filepath.Join(current.DataDir, "config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("保存配置失败: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvPath(key, fallback string) string {
	return filepath.Clean(getEnv(key, fallback))
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
