// internal/services/history_service.go
package services

import (
	"fmt"
	"strings"

	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/utils"
)

// 压缩粒度
const (
	CompressionUltraShort = "ultra_short"
	CompressionShort      = "short"
	CompressionMedium     = "medium"
)

// 摘要缺失时按粒度截断原文的字符上限
var fallbackCharCaps = map[string]int{
	CompressionUltraShort: 50,
	CompressionShort:      200,
	CompressionMedium:     500,
}

const (
	historyHeader      = "【历史剧情概要】"
	omittedMarker      = "...（更早章节已省略）"
	keyDetailHeader    = "【关键细节补充】"
	snippetWindowRunes = 50
)

// HistoryResult 是一次历史压缩的产出
type HistoryResult struct {
	Content      string `json:"content"`
	SegmentsUsed int    `json:"segments_used"`
	TokensUsed   int    `json:"tokens_used"`
}

// CacheStatus 描述摘要覆盖情况，调用方据此决定是否补偿生成
type CacheStatus struct {
	TotalSegments      int     `json:"total_segments"`
	SummarizedSegments int     `json:"summarized_segments"`
	Coverage           float64 `json:"coverage"`
}

// HistoryService 基于预生成摘要在预算内压缩叙事历史
type HistoryService struct {
	budget      *TokenBudgetService
	maxSegments int
	logger      *utils.Logger
}

func NewHistoryService(budget *TokenBudgetService, maxSegments int) *HistoryService {
	if maxSegments <= 0 {
		maxSegments = 20
	}
	return &HistoryService{
		budget:      budget,
		maxSegments: maxSegments,
		logger:      utils.GetLogger(),
	}
}

// BuildPrecompressed 按指定粒度顺序组装历史概要。
// 超过硬上限的更早章节以省略标记替代；
// 预算内贪心填充，放不下的条目直接停止
func (s *HistoryService) BuildPrecompressed(segments []models.Segment, summaries map[int64]models.SegmentSummary, level string, budget int) HistoryResult {
	var sb strings.Builder
	sb.WriteString(historyHeader)
	sb.WriteString("\n")

	startIdx := 0
	if len(segments) > s.maxSegments {
		startIdx = len(segments) - s.maxSegments
		sb.WriteString(omittedMarker)
		sb.WriteString("\n")
	}

	used := s.budget.CountTokens(sb.String())
	count := 0

	for _, seg := range segments[startIdx:] {
		entry := fmt.Sprintf("第%d章：%s\n", seg.SortOrder, s.summaryAtLevel(seg, summaries, level))
		cost := s.budget.CountTokens(entry)
		if used+cost > budget {
			break
		}
		sb.WriteString(entry)
		used += cost
		count++
	}

	return HistoryResult{
		Content:      sb.String(),
		SegmentsUsed: count,
		TokensUsed:   used,
	}
}

// BuildEnhanced 在SHORT粒度概要之外补充实体相关的原文细节。
// 概要占六成预算，剩余额度逐条塞入细节片段，放不下的片段跳过
func (s *HistoryService) BuildEnhanced(segments []models.Segment, summaries map[int64]models.SegmentSummary, targetEntities []string, budget int) HistoryResult {
	baseBudget := budget * 60 / 100
	base := s.BuildPrecompressed(segments, summaries, CompressionShort, baseBudget)

	var sb strings.Builder
	sb.WriteString(base.Content)

	remaining := budget - base.TokensUsed
	headerWritten := false

	for _, entity := range targetEntities {
		if entity == "" || entity == "all" {
			continue
		}
		for _, seg := range segments {
			idx := strings.Index(seg.Content, entity)
			if idx < 0 {
				continue
			}

			snippet := clipAround(seg.Content, idx, snippetWindowRunes)
			line := fmt.Sprintf("第%d章: ...%s...\n", seg.SortOrder, snippet)

			cost := s.budget.CountTokens(line)
			if !headerWritten {
				cost += s.budget.CountTokens(keyDetailHeader + "\n")
			}
			if cost > remaining {
				continue
			}

			if !headerWritten {
				sb.WriteString(keyDetailHeader)
				sb.WriteString("\n")
				remaining -= s.budget.CountTokens(keyDetailHeader + "\n")
				headerWritten = true
			}
			sb.WriteString(line)
			remaining -= s.budget.CountTokens(line)
			break // 每个实体取第一处出现
		}
	}

	content := sb.String()
	return HistoryResult{
		Content:      content,
		SegmentsUsed: base.SegmentsUsed,
		TokensUsed:   s.budget.CountTokens(content),
	}
}

// CheckCacheStatus 统计摘要覆盖率
func (s *HistoryService) CheckCacheStatus(segments []models.Segment, summaries map[int64]models.SegmentSummary) CacheStatus {
	status := CacheStatus{TotalSegments: len(segments)}
	for _, seg := range segments {
		if _, ok := summaries[seg.ID]; ok {
			status.SummarizedSegments++
		}
	}
	if status.TotalSegments > 0 {
		status.Coverage = float64(status.SummarizedSegments) / float64(status.TotalSegments)
	}
	return status
}

// summaryAtLevel 取指定粒度的摘要文本，缺失时逐级回退，
// 连摘要都没有时截断原文兜底
func (s *HistoryService) summaryAtLevel(seg models.Segment, summaries map[int64]models.SegmentSummary, level string) string {
	sum, ok := summaries[seg.ID]
	if ok {
		switch level {
		case CompressionUltraShort:
			if sum.UltraShortSummary != "" {
				return sum.UltraShortSummary
			}
		case CompressionMedium:
			if sum.MediumSummary != "" {
				return sum.MediumSummary
			}
			if sum.ShortSummary != "" {
				return sum.ShortSummary
			}
		default:
			if sum.ShortSummary != "" {
				return sum.ShortSummary
			}
		}
	}

	limit := fallbackCharCaps[level]
	if limit == 0 {
		limit = fallbackCharCaps[CompressionShort]
	}
	return truncateRunes(seg.Content, limit)
}

func truncateRunes(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

// clipAround 以字节位置idx为中心裁剪对称窗口，按rune边界对齐
func clipAround(text string, idx, window int) string {
	runes := []rune(text)

	// 把字节偏移换算成rune偏移
	runeIdx := len([]rune(text[:idx]))

	start := runeIdx - window
	if start < 0 {
		start = 0
	}
	end := runeIdx + window
	if end > len(runes) {
		end = len(runes)
	}

	return strings.TrimSpace(string(runes[start:end]))
}
