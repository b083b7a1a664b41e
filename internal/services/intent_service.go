// internal/services/intent_service.go
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/utils"
)

// 复杂度档位
const (
	ComplexitySimple  = "simple"
	ComplexityMedium  = "medium"
	ComplexityComplex = "complex"
)

// 时间范围档位
const (
	TimeRangeRecent = "recent"
	TimeRangeMedium = "medium"
	TimeRangeLong   = "long"
)

// QueryIntent 读者选择的意图画像，只在一次组装中存活，不持久化
type QueryIntent struct {
	Complexity             string   `json:"complexity"`
	RequiresPreciseDetails bool     `json:"requires_precise_details"`
	TimeRange              string   `json:"time_range"`
	EntityTypes            []string `json:"entity_types"`
	Confidence             float64  `json:"confidence"`
	Reasoning              string   `json:"reasoning"`
}

// StoryKeywords 故事自带的意图关键词，分简单/复杂两侧
type StoryKeywords struct {
	Simple  []string `json:"simple,omitempty"`
	Complex []string `json:"complex,omitempty"`
}

// ShouldUsePrecompressed 判断该意图是否走预压缩历史
func (q QueryIntent) ShouldUsePrecompressed() bool {
	if q.Complexity == ComplexitySimple {
		return true
	}
	return q.Complexity == ComplexityMedium && !q.RequiresPreciseDetails
}

// IntentService 两段式意图分类器：规则打分优先，低置信时回落到AI
type IntentService struct {
	intentConfig *config.IntentConfigStore
	llm          *LLMService
	logger       *utils.Logger
}

func NewIntentService(intentConfig *config.IntentConfigStore, llm *LLMService) *IntentService {
	return &IntentService{
		intentConfig: intentConfig,
		llm:          llm,
		logger:       utils.GetLogger(),
	}
}

// Classify 对读者选择做意图分类。
// storyKeywords是故事自带的意图关键词：复杂侧命中按双倍权重计入，
// 简单侧命中按单倍权重计入简单侧；storySummary与recentDigest只在AI回落阶段使用。
// 分类绝不向调用方报错，最坏情况返回规则阶段结果
func (s *IntentService) Classify(ctx context.Context, choiceText string, storyKeywords StoryKeywords, storySummary, recentDigest string) QueryIntent {
	cfg := s.intentConfig.Get()
	intent := s.classifyByRules(choiceText, storyKeywords, cfg)

	if intent.Confidence <= cfg.Thresholds.HighConfidence && s.llm != nil && s.llm.IsReady() {
		if refined, ok := s.classifyByAI(ctx, choiceText, storySummary, recentDigest); ok {
			return refined
		}
	}

	return intent
}

func (s *IntentService) classifyByRules(choiceText string, storyKeywords StoryKeywords, cfg *config.IntentConfig) QueryIntent {
	text := strings.ToLower(choiceText)

	complexScore := scoreBucket(text, cfg.Keywords["complex"])
	simpleScore := scoreBucket(text, cfg.Keywords["simple"])

	// 故事自带的复杂侧关键词特异性更高，双倍计入复杂侧
	for _, kw := range storyKeywords.Complex {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			complexScore += 2
		}
	}
	for _, kw := range storyKeywords.Simple {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			simpleScore++
		}
	}

	var intent QueryIntent
	switch {
	case complexScore >= cfg.Thresholds.ComplexScore:
		intent.Complexity = ComplexityComplex
		intent.RequiresPreciseDetails = true
		intent.Confidence = 0.70 + minFloat(float64(complexScore)*0.05, 0.25)
		intent.Reasoning = fmt.Sprintf("规则命中复杂关键词，得分%d", complexScore)
	case complexScore > 0 || simpleScore < cfg.Thresholds.SimpleScore:
		intent.Complexity = ComplexityMedium
		intent.RequiresPreciseDetails = complexScore > simpleScore
		intent.Confidence = 0.60 + absFloat(float64(complexScore-simpleScore))*0.05
		intent.Reasoning = fmt.Sprintf("规则判定中等复杂度，复杂%d/简单%d", complexScore, simpleScore)
	default:
		intent.Complexity = ComplexitySimple
		intent.Confidence = 0.80 + float64(simpleScore)*0.03
		intent.Reasoning = fmt.Sprintf("规则命中简单关键词，得分%d", simpleScore)
	}

	if intent.Confidence > 0.95 {
		intent.Confidence = 0.95
	}

	intent.TimeRange = s.deriveTimeRange(text, cfg)
	intent.EntityTypes = s.deriveEntityTypes(text, cfg)

	return intent
}

func scoreBucket(text string, keywords []config.KeywordConfig) int {
	score := 0
	for _, kc := range keywords {
		if kc.Keyword != "" && strings.Contains(text, strings.ToLower(kc.Keyword)) {
			w := kc.Weight
			if w == 0 {
				w = 1
			}
			score += w
		}
	}
	return score
}

func (s *IntentService) deriveTimeRange(text string, cfg *config.IntentConfig) string {
	recent := scoreBucket(text, cfg.Keywords["time_recent"])
	medium := scoreBucket(text, cfg.Keywords["time_medium"])
	long := scoreBucket(text, cfg.Keywords["time_long"])

	switch {
	case long > recent && long > medium:
		return TimeRangeLong
	case medium > recent:
		return TimeRangeMedium
	default:
		return TimeRangeRecent
	}
}

func (s *IntentService) deriveEntityTypes(text string, cfg *config.IntentConfig) []string {
	buckets := map[string]string{
		"entity_character":    "character",
		"entity_location":     "location",
		"entity_item":         "item",
		"entity_organization": "organization",
	}

	var types []string
	// 固定遍历顺序保证可复现
	for _, bucket := range []string{"entity_character", "entity_location", "entity_item", "entity_organization"} {
		if scoreBucket(text, cfg.Keywords[bucket]) > 0 {
			types = append(types, buckets[bucket])
		}
	}

	if len(types) == 0 {
		return []string{"all"}
	}
	return types
}

// aiIntentResult 是AI回落阶段要求的输出模式
type aiIntentResult struct {
	Complexity             string   `json:"complexity"`
	RequiresPreciseDetails bool     `json:"requires_precise_details"`
	TimeRange              string   `json:"time_range"`
	EntityTypes            []string `json:"entity_types"`
	Confidence             float64  `json:"confidence"`
	Reasoning              string   `json:"reasoning"`
}

func (s *IntentService) classifyByAI(ctx context.Context, choiceText, storySummary, recentDigest string) (QueryIntent, bool) {
	var sb strings.Builder
	sb.WriteString("分析读者在交互小说中的选择意图。\n\n")
	if storySummary != "" {
		fmt.Fprintf(&sb, "故事概要：%s\n\n", storySummary)
	}
	if recentDigest != "" {
		fmt.Fprintf(&sb, "最近剧情：%s\n\n", recentDigest)
	}
	fmt.Fprintf(&sb, "读者选择：%s\n\n", choiceText)
	sb.WriteString(`按以下JSON格式输出：
{
  "complexity": "simple|medium|complex",
  "requires_precise_details": true或false,
  "time_range": "recent|medium|long",
  "entity_types": ["character","location","item","organization"]中相关的子集,
  "confidence": 0到1之间的数值,
  "reasoning": "一句话理由"
}`)

	var result aiIntentResult
	if err := s.llm.CreateStructuredCompletion(ctx, sb.String(), "你是交互小说的意图分析器。", &result); err != nil {
		s.logger.Warn("AI意图分析失败，沿用规则结果", map[string]interface{}{"error": err.Error()})
		return QueryIntent{}, false
	}

	intent := QueryIntent{
		Complexity:             normalizeComplexity(result.Complexity),
		RequiresPreciseDetails: result.RequiresPreciseDetails,
		TimeRange:              normalizeTimeRange(result.TimeRange),
		EntityTypes:            result.EntityTypes,
		Confidence:             result.Confidence,
		Reasoning:              result.Reasoning,
	}
	if intent.EntityTypes == nil {
		intent.EntityTypes = []string{}
	}
	if intent.Confidence <= 0 || intent.Confidence > 1 {
		intent.Confidence = 0.5
	}
	return intent, true
}

func normalizeComplexity(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case ComplexitySimple:
		return ComplexitySimple
	case ComplexityComplex:
		return ComplexityComplex
	default:
		return ComplexityMedium
	}
}

func normalizeTimeRange(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case TimeRangeMedium:
		return TimeRangeMedium
	case TimeRangeLong:
		return TimeRangeLong
	default:
		return TimeRangeRecent
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absFloat(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
