// internal/config/intent.go
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// KeywordConfig 意图关键词及其权重
type KeywordConfig struct {
	Keyword     string `mapstructure:"keyword" json:"keyword"`
	Weight      int    `mapstructure:"weight" json:"weight"`
	Description string `mapstructure:"description" json:"description,omitempty"`
}

// IntentThresholds 规则分类阈值
type IntentThresholds struct {
	ComplexScore   int     `mapstructure:"complex_score" json:"complex_score"`
	SimpleScore    int     `mapstructure:"simple_score" json:"simple_score"`
	HighConfidence float64 `mapstructure:"high_confidence" json:"high_confidence"`
}

// BudgetConfig token预算与各层配比
type BudgetConfig struct {
	Total         int     `mapstructure:"total" json:"total"`
	OutputReserve int     `mapstructure:"output_reserve" json:"output_reserve"`
	Worldbuilding float64 `mapstructure:"worldbuilding" json:"worldbuilding"`
	History       float64 `mapstructure:"history" json:"history"`
	Choice        float64 `mapstructure:"choice" json:"choice"`
}

// IntentConfig 检索与组装行为的可热加载配置
type IntentConfig struct {
	Keywords                 map[string][]KeywordConfig `mapstructure:"keywords" json:"keywords"`
	Thresholds               IntentThresholds           `mapstructure:"thresholds" json:"thresholds"`
	Budget                   BudgetConfig               `mapstructure:"budget" json:"budget"`
	RecentWindow             int                        `mapstructure:"recent_window" json:"recent_window"`
	MaxPrecompressedSegments int                        `mapstructure:"max_precompressed_segments" json:"max_precompressed_segments"`
}

// DefaultIntentConfig 返回内置默认值，配置文件缺失时使用
func DefaultIntentConfig() *IntentConfig {
	return &IntentConfig{
		Keywords: defaultKeywords(),
		Thresholds: IntentThresholds{
			ComplexScore:   3,
			SimpleScore:    2,
			HighConfidence: 0.8,
		},
		Budget: BudgetConfig{
			Total:         8000,
			OutputReserve: 2000,
			Worldbuilding: 0.25,
			History:       0.60,
			Choice:        0.15,
		},
		RecentWindow:             3,
		MaxPrecompressedSegments: 20,
	}
}

func defaultKeywords() map[string][]KeywordConfig {
	return map[string][]KeywordConfig{
		"complex": {
			{Keyword: "为什么", Weight: 1},
			{Keyword: "如何", Weight: 1},
			{Keyword: "关系", Weight: 1},
			{Keyword: "之前", Weight: 1},
			{Keyword: "回忆", Weight: 1},
			{Keyword: "历史", Weight: 1},
			{Keyword: "背景", Weight: 1},
			{Keyword: "原因", Weight: 1},
			{Keyword: "伏笔", Weight: 1},
			{Keyword: "秘密", Weight: 1},
		},
		"simple": {
			{Keyword: "继续", Weight: 1},
			{Keyword: "然后", Weight: 1},
			{Keyword: "接下来", Weight: 1},
			{Keyword: "攻击", Weight: 1},
			{Keyword: "敌人", Weight: 1},
			{Keyword: "前进", Weight: 1},
			{Keyword: "离开", Weight: 1},
			{Keyword: "进入", Weight: 1},
			{Keyword: "拿起", Weight: 1},
		},
		"time_recent": {
			{Keyword: "刚才", Weight: 1},
			{Keyword: "现在", Weight: 1},
			{Keyword: "当前", Weight: 1},
			{Keyword: "立刻", Weight: 1},
		},
		"time_medium": {
			{Keyword: "最近", Weight: 1},
			{Keyword: "上次", Weight: 1},
			{Keyword: "前几章", Weight: 1},
		},
		"time_long": {
			{Keyword: "很久", Weight: 1},
			{Keyword: "当年", Weight: 1},
			{Keyword: "从前", Weight: 1},
			{Keyword: "一直", Weight: 1},
			{Keyword: "始终", Weight: 1},
		},
		"entity_character": {
			{Keyword: "他", Weight: 1},
			{Keyword: "她", Weight: 1},
			{Keyword: "角色", Weight: 1},
			{Keyword: "人物", Weight: 1},
		},
		"entity_location": {
			{Keyword: "地方", Weight: 1},
			{Keyword: "地点", Weight: 1},
			{Keyword: "城", Weight: 1},
		},
		"entity_item": {
			{Keyword: "物品", Weight: 1},
			{Keyword: "武器", Weight: 1},
			{Keyword: "道具", Weight: 1},
		},
		"entity_organization": {
			{Keyword: "组织", Weight: 1},
			{Keyword: "门派", Weight: 1},
			{Keyword: "势力", Weight: 1},
		},
	}
}

// IntentConfigStore 基于viper的热加载配置仓库。
// WatchConfig在后台监听文件变化，读取方拿到的永远是完整快照
type IntentConfigStore struct {
	mu   sync.RWMutex
	cfg  *IntentConfig
	v    *viper.Viper
	path string

	onReload func(*IntentConfig)
}

// NewIntentConfigStore 加载配置文件并开始监听变更。
// 文件不存在时使用内置默认值，不算错误
func NewIntentConfigStore(path string, onReload func(*IntentConfig)) (*IntentConfigStore, error) {
	s := &IntentConfigStore{
		cfg:      DefaultIntentConfig(),
		path:     path,
		onReload: onReload,
	}

	v := viper.New()
	v.SetConfigFile(path)
	s.v = v

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺失或不可读时回退默认值，不监听
		return s, nil
	}

	if err := s.reload(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		// 解析失败保留旧配置
		_ = s.reload()
	})
	v.WatchConfig()

	return s, nil
}

func (s *IntentConfigStore) reload() error {
	cfg := DefaultIntentConfig()
	if err := s.v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析检索配置失败: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if s.onReload != nil {
		s.onReload(cfg)
	}
	return nil
}

// Get 返回当前配置快照
func (s *IntentConfigStore) Get() *IntentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}
