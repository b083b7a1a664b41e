// internal/services/timeline_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
	"github.com/narrforge/narrforge/internal/utils"
)

// TimelineService 维护故事的主时间线与分叉时间线
type TimelineService struct {
	store  *store.Store
	llm    *LLMService
	logger *utils.Logger
}

func NewTimelineService(st *store.Store, llm *LLMService) *TimelineService {
	return &TimelineService{
		store:  st,
		llm:    llm,
		logger: utils.GetLogger(),
	}
}

// EnsureMainTimeline 返回主时间线，不存在时创建。
// 主时间线概率100、稳定度10。
func (s *TimelineService) EnsureMainTimeline(storyID int64) (*models.Timeline, error) {
	main, err := s.store.GetMainTimeline(storyID)
	if err != nil {
		return nil, fmt.Errorf("查询主时间线失败: %w", err)
	}
	if main != nil {
		return main, nil
	}

	main = &models.Timeline{
		StoryID:        storyID,
		Name:           "主时间线",
		Description:    "故事的原始时间线",
		IsMainTimeline: true,
		Probability:    100,
		StabilityScore: 10,
		IsActive:       true,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateTimeline(main); err != nil {
		return nil, fmt.Errorf("创建主时间线失败: %w", err)
	}
	return main, nil
}

// TrackSegment 把新章节挂到时间线末尾并做影响分析。
// 分析失败退回中性结果，不会阻塞章节写入。
func (s *TimelineService) TrackSegment(ctx context.Context, storyID int64, segment *models.Segment) (*models.TimelineMapping, error) {
	timeline, err := s.EnsureMainTimeline(storyID)
	if err != nil {
		return nil, err
	}

	analysis := s.AnalyzeSegment(ctx, segment)

	mapping := &models.TimelineMapping{
		TimelineID:            timeline.ID,
		SegmentID:             segment.ID,
		IsDivergencePoint:     analysis.IsDivergencePoint,
		DivergenceDescription: analysis.DivergenceDescription,
		ProbabilityAtPoint:    clampInt(timeline.Probability+analysis.ProbabilityShift, 0, 100),
		CreatedAt:             time.Now(),
	}
	if err := s.store.AppendTimelineMapping(mapping); err != nil {
		return nil, fmt.Errorf("时间线挂载失败: %w", err)
	}

	if analysis.StabilityImpact != 5 || analysis.ProbabilityShift != 0 {
		stability := clampInt(timeline.StabilityScore+(analysis.StabilityImpact-5), 1, 10)
		probability := clampInt(timeline.Probability+analysis.ProbabilityShift, 0, 100)
		if err := s.store.UpdateTimelineStability(timeline.ID, probability, stability); err != nil {
			s.logger.Warn("时间线稳定度更新失败", map[string]interface{}{
				"timeline_id": timeline.ID,
				"error":       err.Error(),
			})
		}
	}
	return mapping, nil
}

// AnalyzeSegment 评估章节对时间线的影响，永不失败
func (s *TimelineService) AnalyzeSegment(ctx context.Context, segment *models.Segment) models.TimelineAnalysis {
	if segment == nil || strings.TrimSpace(segment.Content) == "" {
		return models.NeutralTimelineAnalysis()
	}

	var analysis models.TimelineAnalysis
	if err := s.llm.CreateStructuredCompletion(ctx,
		s.buildAnalysisPrompt(segment),
		"你是剧情分析器，评估章节对故事时间线的影响。", &analysis); err != nil {
		s.logger.Warn("时间线分析失败，使用中性结果", map[string]interface{}{
			"segment_id": segment.ID,
			"error":      err.Error(),
		})
		return models.NeutralTimelineAnalysis()
	}

	analysis.ProbabilityShift = clampInt(analysis.ProbabilityShift, -100, 100)
	analysis.StabilityImpact = clampInt(analysis.StabilityImpact, 1, 10)
	if analysis.AffectedEntities == nil {
		analysis.AffectedEntities = []string{}
	}
	return analysis
}

// CreateBranchTimeline 在指定章节处分叉出新时间线，
// 复制分叉点（含）之前的所有章节映射并把分叉点标记出来。
func (s *TimelineService) CreateBranchTimeline(storyID, divergenceSegmentID int64, name, description, branchPoint string, probability int) (*models.Timeline, error) {
	main, err := s.EnsureMainTimeline(storyID)
	if err != nil {
		return nil, err
	}

	divergence, err := s.store.GetMappingForSegment(main.ID, divergenceSegmentID)
	if err != nil {
		return nil, fmt.Errorf("查询分叉点失败: %w", err)
	}
	if divergence == nil {
		return nil, errors.NewValidationError(fmt.Sprintf("章节 %d 不在主时间线上", divergenceSegmentID), nil)
	}

	branch := &models.Timeline{
		StoryID:             storyID,
		Name:                name,
		Description:         description,
		IsMainTimeline:      false,
		DivergenceSegmentID: divergenceSegmentID,
		BranchPoint:         branchPoint,
		Probability:         clampInt(probability, 0, 100),
		StabilityScore:      5,
		IsActive:            true,
		CreatedAt:           time.Now(),
	}
	if err := s.store.CreateTimeline(branch); err != nil {
		return nil, fmt.Errorf("创建分叉时间线失败: %w", err)
	}

	if err := s.store.CopyTimelineMappings(main.ID, branch.ID, divergence.TimelineOrder); err != nil {
		return nil, fmt.Errorf("复制时间线映射失败: %w", err)
	}
	if err := s.store.MarkDivergencePoint(branch.ID, divergenceSegmentID, branchPoint); err != nil {
		return nil, fmt.Errorf("标记分叉点失败: %w", err)
	}

	s.logger.Info("分叉时间线已创建", map[string]interface{}{
		"story_id":    storyID,
		"timeline_id": branch.ID,
		"divergence":  divergenceSegmentID,
	})
	return branch, nil
}

// MergeTimelines 把源时间线并入目标时间线。
// 源时间线的映射补入目标后被标记为不活跃，主时间线不可作为源。
func (s *TimelineService) MergeTimelines(sourceID, targetID int64) (*models.Timeline, error) {
	if sourceID == targetID {
		return nil, errors.NewValidationError("不能把时间线并入自身", nil)
	}

	source, err := s.store.GetTimeline(sourceID)
	if err != nil {
		return nil, fmt.Errorf("读取源时间线失败: %w", err)
	}
	if source == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("时间线 %d 不存在", sourceID), nil)
	}
	if source.IsMainTimeline {
		return nil, errors.NewValidationError("主时间线不能作为合并来源", nil)
	}

	target, err := s.store.GetTimeline(targetID)
	if err != nil {
		return nil, fmt.Errorf("读取目标时间线失败: %w", err)
	}
	if target == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("时间线 %d 不存在", targetID), nil)
	}
	if source.StoryID != target.StoryID {
		return nil, errors.NewValidationError("只能合并同一故事下的时间线", nil)
	}

	merged, err := s.store.MergeTimelineMappings(sourceID, targetID)
	if err != nil {
		return nil, fmt.Errorf("合并时间线映射失败: %w", err)
	}

	if err := s.store.DeactivateTimeline(sourceID); err != nil {
		return nil, fmt.Errorf("停用源时间线失败: %w", err)
	}

	s.logger.Info("时间线已合并", map[string]interface{}{
		"source_id": sourceID,
		"target_id": targetID,
		"merged":    merged,
	})
	return target, nil
}

// GetTimelineView 返回时间线及其全部章节映射
func (s *TimelineService) GetTimelineView(timelineID int64) (*models.Timeline, []models.TimelineMapping, error) {
	timeline, err := s.store.GetTimeline(timelineID)
	if err != nil {
		return nil, nil, fmt.Errorf("读取时间线失败: %w", err)
	}
	if timeline == nil {
		return nil, nil, errors.NewNotFoundError(fmt.Sprintf("时间线 %d 不存在", timelineID), nil)
	}
	mappings, err := s.store.GetTimelineMappings(timelineID)
	if err != nil {
		return nil, nil, fmt.Errorf("读取时间线映射失败: %w", err)
	}
	return timeline, mappings, nil
}

// ListTimelines 列出故事的全部时间线
func (s *TimelineService) ListTimelines(storyID int64) ([]models.Timeline, error) {
	return s.store.ListTimelines(storyID)
}

func (s *TimelineService) buildAnalysisPrompt(segment *models.Segment) string {
	var sb strings.Builder
	sb.WriteString("请评估以下章节对故事时间线的影响。\n")
	sb.WriteString("is_divergence_point表示本章是否构成剧情分叉点；probability_shift为-100到100的概率变化；\n")
	sb.WriteString("stability_impact为1-10（5为中性）；affected_entities列出受影响的实体名。\n\n")
	fmt.Fprintf(&sb, "【第%d章正文】\n%s", segment.SortOrder, segment.Content)
	return sb.String()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
