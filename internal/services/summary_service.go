// internal/services/summary_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
	"github.com/narrforge/narrforge/internal/utils"
)

// SummaryService 为章节生成并缓存三级摘要与结构化信息
type SummaryService struct {
	store  *store.Store
	llm    *LLMService
	budget *TokenBudgetService
	logger *utils.Logger
}

func NewSummaryService(st *store.Store, llm *LLMService, budget *TokenBudgetService) *SummaryService {
	return &SummaryService{
		store:  st,
		llm:    llm,
		budget: budget,
		logger: utils.GetLogger(),
	}
}

// GenerateSummary 为单个章节生成摘要并落库。
// 已有摘要时直接返回旧值，force为true时重新生成覆盖。
func (s *SummaryService) GenerateSummary(ctx context.Context, segment *models.Segment, force bool) (*models.SegmentSummary, error) {
	if segment == nil {
		return nil, fmt.Errorf("段落为空")
	}

	existing, err := s.store.GetSummaryBySegmentID(segment.ID)
	if err != nil {
		return nil, fmt.Errorf("查询已有摘要失败: %w", err)
	}
	if existing != nil && !force {
		return existing, nil
	}

	var facts models.SummaryFacts
	if err := s.llm.CreateStructuredCompletion(ctx,
		s.buildSummaryPrompt(segment),
		"你是小说编辑，负责为章节提炼多粒度摘要与结构化信息。", &facts); err != nil {
		s.logger.Warn("摘要生成失败，落盘降级摘要", map[string]interface{}{
			"segment_id": segment.ID,
			"error":      err.Error(),
		})
		facts = models.SummaryFacts{}
	}

	var sum *models.SegmentSummary
	if strings.TrimSpace(facts.ShortSummary) == "" {
		// 输出为空时用正文前缀兜底，保证每章都有可用摘要
		sum = s.fallbackSummary(segment)
	} else {
		sum = s.factsToSummary(segment, facts)
	}
	if err := s.store.UpsertSummary(sum); err != nil {
		return nil, fmt.Errorf("保存摘要失败: %w", err)
	}

	s.logger.Info("章节摘要已生成", map[string]interface{}{
		"segment_id":     segment.ID,
		"token_estimate": sum.TokenEstimate,
	})
	return sum, nil
}

// fallbackSummary 用正文前缀构造降级摘要
func (s *SummaryService) fallbackSummary(segment *models.Segment) *models.SegmentSummary {
	runes := []rune(segment.Content)
	prefix := func(n int) string {
		if len(runes) <= n {
			return segment.Content
		}
		return string(runes[:n])
	}

	sum := &models.SegmentSummary{
		SegmentID:         segment.ID,
		UltraShortSummary: prefix(50),
		ShortSummary:      prefix(200),
		MediumSummary:     segment.Content,
		CreatedAt:         time.Now(),
	}
	sum.TokenEstimate = s.budget.CountTokens(segment.Content)
	sum.SummaryTokenEstimate = s.budget.CountTokens(sum.ShortSummary)
	return sum
}

// Backfill 为分支里所有缺摘要的章节补生成，返回成功数量。
// 单章失败记日志继续，不中断整体补齐。
func (s *SummaryService) Backfill(ctx context.Context, forkID int64) (int, error) {
	missing, err := s.store.ListSegmentsMissingSummary(forkID)
	if err != nil {
		return 0, fmt.Errorf("查询缺摘要章节失败: %w", err)
	}

	done := 0
	for _, segID := range missing {
		seg, err := s.store.GetSegment(segID)
		if err != nil || seg == nil {
			s.logger.Warn("补摘要时章节读取失败", map[string]interface{}{
				"segment_id": segID,
			})
			continue
		}
		if _, err := s.GenerateSummary(ctx, seg, false); err != nil {
			s.logger.Warn("补摘要失败", map[string]interface{}{
				"segment_id": segID,
				"error":      err.Error(),
			})
			continue
		}
		done++
	}
	return done, nil
}

// CacheStatus 报告分支的摘要覆盖情况
func (s *SummaryService) CacheStatus(forkID int64) (*CacheStatus, error) {
	total, err := s.store.CountSegments(forkID)
	if err != nil {
		return nil, err
	}
	missing, err := s.store.ListSegmentsMissingSummary(forkID)
	if err != nil {
		return nil, err
	}

	summarized := total - len(missing)
	status := &CacheStatus{
		TotalSegments:      total,
		SummarizedSegments: summarized,
	}
	if total > 0 {
		status.Coverage = float64(summarized) / float64(total)
	}
	return status, nil
}

func (s *SummaryService) buildSummaryPrompt(segment *models.Segment) string {
	var sb strings.Builder
	sb.WriteString("请为以下章节生成三级摘要与结构化信息。\n")
	sb.WriteString("要求：ultra_short_summary不超过50字；short_summary不超过200字；medium_summary不超过500字。\n")
	sb.WriteString("key_events按重要度1-10打分；characters_involved列出角色的行动与情绪；locations_involved和items_involved只列名称与场景类型。\n")

	s.writeStoryRoster(&sb, segment.ForkID)

	fmt.Fprintf(&sb, "\n【第%d章正文】\n%s", segment.SortOrder, segment.Content)
	return sb.String()
}

// writeStoryRoster 把故事的角色与术语设定写进提示，帮助摘要沿用既定名称。
// 读取失败时跳过设定层，不影响摘要生成
func (s *SummaryService) writeStoryRoster(sb *strings.Builder, forkID int64) {
	fork, err := s.store.GetFork(forkID)
	if err != nil || fork == nil {
		return
	}
	characters, err := s.store.GetCharacters(fork.StoryID)
	if err != nil {
		return
	}
	terms, err := s.store.GetTerms(fork.StoryID)
	if err != nil {
		return
	}

	if len(characters) > 0 {
		sb.WriteString("\n【人物设定】\n")
		for _, c := range characters {
			fmt.Fprintf(sb, "- %s：%s\n", c.Name, c.Description)
		}
	}
	if len(terms) > 0 {
		sb.WriteString("\n【术语设定】\n")
		for _, t := range terms {
			fmt.Fprintf(sb, "- %s：%s\n", t.Name, t.Definition)
		}
	}
}

func (s *SummaryService) factsToSummary(segment *models.Segment, facts models.SummaryFacts) *models.SegmentSummary {
	sum := &models.SegmentSummary{
		SegmentID:         segment.ID,
		UltraShortSummary: facts.UltraShortSummary,
		ShortSummary:      facts.ShortSummary,
		MediumSummary:     facts.MediumSummary,
		EmotionalTone:     facts.EmotionalTone,
		ChapterFunction:   facts.ChapterFunction,
		CreatedAt:         time.Now(),
	}

	sum.KeyEvents = marshalList(facts.KeyEvents)
	sum.CharactersInvolved = marshalList(facts.CharactersInvolved)
	sum.LocationsInvolved = marshalList(facts.LocationsInvolved)
	sum.ItemsInvolved = marshalList(facts.ItemsInvolved)

	sum.TokenEstimate = s.budget.CountTokens(segment.Content)
	sum.SummaryTokenEstimate = s.budget.CountTokens(facts.ShortSummary)
	return sum
}

// marshalList 把结构化列表编成JSON文本，空列表存空串
func marshalList(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return ""
	}
	return string(data)
}
