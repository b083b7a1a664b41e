// internal/services/prompt_builder_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/utils"
)

// 组装策略
const (
	StrategyPrecompressed = "PRECOMPRESSED"
	StrategyHybrid        = "HYBRID"
	StrategyFull          = "FULL"
)

// ChooseStrategy 由意图决定组装策略，纯函数
func ChooseStrategy(intent QueryIntent) string {
	if intent.ShouldUsePrecompressed() {
		return StrategyPrecompressed
	}
	if intent.Complexity == ComplexityMedium {
		return StrategyHybrid
	}
	return StrategyFull
}

// 意图复杂度对应的压缩粒度
func compressionLevelFor(intent QueryIntent) string {
	switch intent.Complexity {
	case ComplexitySimple:
		return CompressionUltraShort
	case ComplexityComplex:
		return CompressionMedium
	default:
		return CompressionShort
	}
}

// PromptInput 是一次提示组装需要的全部素材
type PromptInput struct {
	Story       *models.Story
	Characters  []models.StoryCharacter
	Terms       []models.StoryTerm
	Segments    []models.Segment
	Summaries   map[int64]models.SegmentSummary
	Entities    []models.Entity
	ChoiceLabel string
	ChoiceNotes string
}

// PromptResult 是组装产出与遥测
type PromptResult struct {
	Prompt        string           `json:"prompt"`
	Strategy      string           `json:"strategy"`
	Intent        QueryIntent      `json:"intent"`
	Allocation    BudgetAllocation `json:"allocation"`
	TokensUsed    int              `json:"tokens_used"`
	BuildDuration time.Duration    `json:"build_duration"`
}

// PromptBuilderService 按意图选择策略，把各层拼成最终提示
type PromptBuilderService struct {
	intentConfig  *config.IntentConfigStore
	budget        *TokenBudgetService
	intent        *IntentService
	worldbuilding *WorldbuildingService
	history       *HistoryService
	metrics       *utils.AppMetrics
	logger        *utils.Logger
}

func NewPromptBuilderService(
	intentConfig *config.IntentConfigStore,
	budget *TokenBudgetService,
	intent *IntentService,
	worldbuilding *WorldbuildingService,
	history *HistoryService,
) *PromptBuilderService {
	return &PromptBuilderService{
		intentConfig:  intentConfig,
		budget:        budget,
		intent:        intent,
		worldbuilding: worldbuilding,
		history:       history,
		metrics:       utils.NewAppMetrics(),
		logger:        utils.GetLogger(),
	}
}

// Build 组装下一章生成所需的完整提示
func (s *PromptBuilderService) Build(ctx context.Context, in PromptInput) PromptResult {
	start := time.Now()
	cfg := s.intentConfig.Get()

	choiceText := in.ChoiceLabel
	if in.ChoiceNotes != "" {
		choiceText += " " + in.ChoiceNotes
	}

	storyKeywords := parseStoryKeywords(in.Story)
	recentDigest := s.recentDigest(in.Segments, in.Summaries, cfg.RecentWindow)
	intent := s.intent.Classify(ctx, choiceText, storyKeywords, in.Story.StorySummary, recentDigest)

	strategy := ChooseStrategy(intent)

	alloc := s.budget.AllocateBudget(cfg.Budget.Total, cfg.Budget.OutputReserve,
		cfg.Budget.Worldbuilding, cfg.Budget.History, cfg.Budget.Choice)

	var sb strings.Builder

	// 各层顺序固定，三种策略只在历史层有差异
	s.writeSystemLayer(&sb)
	s.writeStorySummaryLayer(&sb, in.Story)
	s.writeWorldbuildingLayer(&sb, in, cfg, alloc.Worldbuilding)
	s.writeHistoryLayer(&sb, in, intent, strategy, alloc.History)
	s.writeChoiceLayer(&sb, in)

	prompt := sb.String()
	tokens := s.budget.CountTokens(prompt)

	available := cfg.Budget.Total - cfg.Budget.OutputReserve
	if tokens > available {
		s.logger.Warn("组装结果超出预算，强制截断", map[string]interface{}{
			"tokens": tokens,
			"budget": available,
		})
		prompt = s.budget.TruncateToBudget(prompt, available)
		tokens = s.budget.CountTokens(prompt)
	}

	duration := time.Since(start)
	s.metrics.RecordContextBuild(strategy, tokens, duration)

	return PromptResult{
		Prompt:        prompt,
		Strategy:      strategy,
		Intent:        intent,
		Allocation:    alloc,
		TokensUsed:    tokens,
		BuildDuration: duration,
	}
}

func (s *PromptBuilderService) writeSystemLayer(sb *strings.Builder) {
	sb.WriteString("【系统指令】\n")
	sb.WriteString("你是一位续写交互式分支小说的作家。根据以下设定与历史剧情，续写读者选择之后的下一章。保持文风一致、情节连贯，不要改写已发生的事件。\n\n")
}

func (s *PromptBuilderService) writeStorySummaryLayer(sb *strings.Builder, story *models.Story) {
	sb.WriteString("【故事概要】\n")
	if story.StorySummary != "" {
		sb.WriteString(story.StorySummary)
		sb.WriteString("\n")
	}
	if story.OpeningMarkdown != "" {
		sb.WriteString("开篇节选：")
		sb.WriteString(truncateRunes(story.OpeningMarkdown, 500))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func (s *PromptBuilderService) writeWorldbuildingLayer(sb *strings.Builder, in PromptInput, cfg *config.IntentConfig, budget int) {
	recent := recentWindow(in.Segments, cfg.RecentWindow)
	selection := s.worldbuilding.Select(in.Characters, in.Terms, recent, in.Summaries,
		in.Story.ReadmeMarkdown, budget)

	sb.WriteString("【世界观设定】\n")
	for _, c := range selection.Characters {
		fmt.Fprintf(sb, "角色 %s：%s\n", c.Name, c.Description)
	}
	for _, t := range selection.Terms {
		fmt.Fprintf(sb, "%s：%s\n", t.Name, t.Definition)
	}
	if selection.SettingExcerpt != "" {
		sb.WriteString(selection.SettingExcerpt)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func (s *PromptBuilderService) writeHistoryLayer(sb *strings.Builder, in PromptInput, intent QueryIntent, strategy string, budget int) {
	switch strategy {
	case StrategyPrecompressed:
		result := s.history.BuildPrecompressed(in.Segments, in.Summaries, compressionLevelFor(intent), budget)
		sb.WriteString(result.Content)
	case StrategyHybrid:
		targets := s.targetEntityNames(in.Entities, intent.EntityTypes)
		result := s.history.BuildEnhanced(in.Segments, in.Summaries, targets, budget)
		sb.WriteString(result.Content)
	default:
		s.writeFullHistory(sb, in.Segments, intent.TimeRange, budget)
	}
	sb.WriteString("\n")
}

// writeFullHistory 不走压缩缓存的完整分层历史，
// 时间范围决定多少章保留原文
func (s *PromptBuilderService) writeFullHistory(sb *strings.Builder, segments []models.Segment, timeRange string, budget int) {
	sb.WriteString("【历史剧情】\n")

	verbatim := 2
	oneLiners := true
	switch timeRange {
	case TimeRangeRecent:
		verbatim = 3
		oneLiners = false
	case TimeRangeMedium:
		// 默认值即可
	default:
		if len(segments) <= 2 {
			verbatim = len(segments)
			oneLiners = false
		}
	}

	cut := len(segments) - verbatim
	if cut < 0 {
		cut = 0
	}

	var body strings.Builder
	if oneLiners && cut > 0 {
		body.WriteString("（前期概要）\n")
		for _, seg := range segments[:cut] {
			fmt.Fprintf(&body, "第%d章：%s\n", seg.SortOrder, truncateRunes(seg.Content, 100))
		}
	}
	for _, seg := range segments[cut:] {
		fmt.Fprintf(&body, "第%d章：\n%s\n", seg.SortOrder, seg.Content)
	}

	sb.WriteString(s.budget.TruncateToBudget(body.String(), budget))
}

func (s *PromptBuilderService) writeChoiceLayer(sb *strings.Builder, in PromptInput) {
	sb.WriteString("【读者选择】\n")
	sb.WriteString(in.ChoiceLabel)
	sb.WriteString("\n")
	if in.ChoiceNotes != "" {
		fmt.Fprintf(sb, "选项影响：%s\n", in.ChoiceNotes)
	}
	sb.WriteString("\n请续写下一段剧情（800-1200字），只输出小说正文，不要任何解释或标注。")
}

// targetEntityNames 按意图的实体类型过滤实体索引，取出场最多的前5个名字
func (s *PromptBuilderService) targetEntityNames(entities []models.Entity, entityTypes []string) []string {
	wanted := make(map[string]bool, len(entityTypes))
	all := false
	for _, t := range entityTypes {
		if t == "all" {
			all = true
		}
		wanted[t] = true
	}

	var names []string
	for _, e := range entities {
		if !all && !wanted[e.EntityType] {
			continue
		}
		names = append(names, e.EntityName)
		if len(names) >= 5 {
			break
		}
	}
	return names
}

// recentDigest 把最近窗口的超短摘要拼成一段，AI回落分类使用
func (s *PromptBuilderService) recentDigest(segments []models.Segment, summaries map[int64]models.SegmentSummary, window int) string {
	recent := recentWindow(segments, window)

	var parts []string
	for _, seg := range recent {
		if sum, ok := summaries[seg.ID]; ok && sum.UltraShortSummary != "" {
			parts = append(parts, sum.UltraShortSummary)
		}
	}
	return strings.Join(parts, "；")
}

func recentWindow(segments []models.Segment, window int) []models.Segment {
	if window <= 0 {
		window = 3
	}
	if len(segments) <= window {
		return segments
	}
	return segments[len(segments)-window:]
}

// parseStoryKeywords 解析故事自带的意图关键词。
// 规范形态是 {"simple": [...], "complex": [...]}，
// 旧档案里的扁平数组整体视为复杂侧
func parseStoryKeywords(story *models.Story) StoryKeywords {
	var kw StoryKeywords
	if story == nil || story.IntentKeywords == "" {
		return kw
	}
	if err := json.Unmarshal([]byte(story.IntentKeywords), &kw); err == nil {
		if len(kw.Simple) > 0 || len(kw.Complex) > 0 {
			return kw
		}
	}
	return StoryKeywords{Complex: decodeStringList(story.IntentKeywords)}
}

// decodeStringList 解析JSON字符串数组，解析失败返回nil
func decodeStringList(raw string) []string {
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}
