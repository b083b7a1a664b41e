// internal/services/fork_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/llm"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
	"github.com/narrforge/narrforge/internal/utils"
)

// 生成为空时的兜底正文
const emptyGenerationPlaceholder = "*（生成内容为空，请重试或检查 AI 配置）*"

// 续写生成的输出上限
const continuationMaxTokens = 2000

// ForkService 管理读者的阅读分支：创建、选择续写、回滚
type ForkService struct {
	store    *store.Store
	llm      *LLMService
	builder  *PromptBuilderService
	summary  *SummaryService
	entity   *EntityService
	timeline *TimelineService
	locks    *LockManager
	metrics  *utils.AppMetrics
	logger   *utils.Logger
}

func NewForkService(
	st *store.Store,
	llmService *LLMService,
	builder *PromptBuilderService,
	summary *SummaryService,
	entity *EntityService,
	timeline *TimelineService,
) *ForkService {
	return &ForkService{
		store:    st,
		llm:      llmService,
		builder:  builder,
		summary:  summary,
		entity:   entity,
		timeline: timeline,
		locks:    NewLockManager(),
		metrics:  utils.NewAppMetrics(),
		logger:   utils.GetLogger(),
	}
}

// CreateFork 为读者开一条新的阅读分支。
// 故事有开篇时把开篇作为第一章写入，读者从开篇之后开始做选择。
func (s *ForkService) CreateFork(storyID int64, reader string) (*models.Fork, error) {
	story, err := s.store.GetStory(storyID)
	if err != nil {
		return nil, fmt.Errorf("读取故事失败: %w", err)
	}
	if story == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("故事 %d 不存在", storyID), nil)
	}

	fork := &models.Fork{
		PublicID: uuid.NewString(),
		StoryID:  storyID,
		Reader:   reader,
	}
	if err := s.store.CreateFork(fork); err != nil {
		return nil, fmt.Errorf("创建分支失败: %w", err)
	}

	if strings.TrimSpace(story.OpeningMarkdown) != "" {
		opening := &models.Segment{
			ForkID:  fork.ID,
			Content: story.OpeningMarkdown,
		}
		if err := s.store.CreateSegment(opening); err != nil {
			return nil, fmt.Errorf("写入开篇失败: %w", err)
		}
		if err := s.store.UpdateForkLastRead(fork.ID, opening.ID); err != nil {
			return nil, err
		}
		fork.LastReadSegmentID = opening.ID
	}
	return fork, nil
}

// GetFork 按公开ID查询分支
func (s *ForkService) GetFork(publicID string) (*models.Fork, error) {
	fork, err := s.store.GetForkByPublicID(publicID)
	if err != nil {
		return nil, fmt.Errorf("读取分支失败: %w", err)
	}
	if fork == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("分支 %s 不存在", publicID), nil)
	}
	return fork, nil
}

// GetSegments 返回分支的全部章节
func (s *ForkService) GetSegments(publicID string) ([]models.Segment, error) {
	fork, err := s.GetFork(publicID)
	if err != nil {
		return nil, err
	}
	return s.store.GetSegments(fork.ID)
}

// NextBranchPoint 返回分支下一个待选择的分叉点及其选项。
// 分叉点按sort_order依次消费，全部用完时返回nil。
func (s *ForkService) NextBranchPoint(publicID string) (*models.BranchPoint, []models.StoryOption, error) {
	fork, err := s.GetFork(publicID)
	if err != nil {
		return nil, nil, err
	}
	bp, err := s.nextBranchPoint(fork)
	if err != nil {
		return nil, nil, err
	}
	if bp == nil {
		return nil, nil, nil
	}
	options, err := s.store.GetOptions(bp.ID)
	if err != nil {
		return nil, nil, err
	}
	return bp, options, nil
}

// choicePreparation 聚合一次选择续写需要的全部状态
type choicePreparation struct {
	fork        *models.Fork
	story       *models.Story
	branchPoint *models.BranchPoint
	option      *models.StoryOption
	lastSegment *models.Segment
	prompt      PromptResult
}

// ChoiceResult 是一次选择续写的产出
type ChoiceResult struct {
	Segment    *models.Segment `json:"segment"`
	Strategy   string          `json:"strategy"`
	TokensUsed int             `json:"tokens_used"`
}

// Choose 执行读者选择：校验、组装提示、生成并落库新章节。
// 摘要、实体、时间线的抽取在后台异步进行。
func (s *ForkService) Choose(ctx context.Context, publicID string, optionID int64) (*ChoiceResult, error) {
	// 同一分支的选择必须串行，避免同一分叉点被消费两次
	lock := s.locks.GetForkLock(publicID)
	lock.Lock()
	defer lock.Unlock()

	prep, err := s.prepareChoice(ctx, publicID, optionID)
	if err != nil {
		return nil, err
	}

	resp, err := s.llm.Chat(ctx, prep.prompt.Prompt, "", "", continuationMaxTokens)
	if err != nil {
		return nil, errors.NewUnavailableError("续写生成失败", err)
	}

	return s.commitChoice(prep, resp.Text)
}

// StreamChoose 流式执行读者选择。
// 调用方消费完流后必须调用返回的commit函数落库，分支锁在commit时释放。
func (s *ForkService) StreamChoose(ctx context.Context, publicID string, optionID int64) (<-chan llm.StreamResponse, func(content string) (*ChoiceResult, error), error) {
	lock := s.locks.GetForkLock(publicID)
	lock.Lock()

	prep, err := s.prepareChoice(ctx, publicID, optionID)
	if err != nil {
		lock.Unlock()
		return nil, nil, err
	}

	stream, err := s.llm.StreamChat(ctx, prep.prompt.Prompt, "", "", continuationMaxTokens)
	if err != nil {
		lock.Unlock()
		return nil, nil, errors.NewUnavailableError("续写生成失败", err)
	}

	var once sync.Once
	commit := func(content string) (*ChoiceResult, error) {
		defer once.Do(lock.Unlock)
		return s.commitChoice(prep, content)
	}
	return stream, commit, nil
}

// Rollback 把分支回滚到指定章节，之后的章节与摘要全部删除
func (s *ForkService) Rollback(publicID string, segmentID int64) error {
	lock := s.locks.GetForkLock(publicID)
	lock.Lock()
	defer lock.Unlock()

	fork, err := s.GetFork(publicID)
	if err != nil {
		return err
	}

	segment, err := s.store.GetSegment(segmentID)
	if err != nil {
		return fmt.Errorf("读取章节失败: %w", err)
	}
	if segment == nil || segment.ForkID != fork.ID {
		return errors.NewValidationError(fmt.Sprintf("章节 %d 不属于该分支", segmentID), nil)
	}

	if err := s.store.DeleteSegmentsAfter(fork.ID, segment.SortOrder); err != nil {
		return fmt.Errorf("回滚失败: %w", err)
	}
	if err := s.store.UpdateForkLastRead(fork.ID, segment.ID); err != nil {
		return err
	}

	s.logger.Info("分支已回滚", map[string]interface{}{
		"fork_id":    fork.ID,
		"segment_id": segmentID,
	})
	return nil
}

// prepareChoice 做校验并组装提示，校验顺序：分支、分叉点、选项归属
func (s *ForkService) prepareChoice(ctx context.Context, publicID string, optionID int64) (*choicePreparation, error) {
	fork, err := s.GetFork(publicID)
	if err != nil {
		return nil, err
	}

	bp, err := s.nextBranchPoint(fork)
	if err != nil {
		return nil, err
	}
	if bp == nil {
		return nil, errors.NewValidationError("该分支的分叉点已全部消费完", nil)
	}

	option, err := s.store.GetOption(optionID)
	if err != nil {
		return nil, fmt.Errorf("读取选项失败: %w", err)
	}
	if option == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("选项 %d 不存在", optionID), nil)
	}
	if option.BranchPointID != bp.ID {
		return nil, errors.NewValidationError(
			fmt.Sprintf("选项 %d 不属于当前分叉点「%s」", optionID, bp.Title), nil)
	}

	story, err := s.store.GetStory(fork.StoryID)
	if err != nil {
		return nil, fmt.Errorf("读取故事失败: %w", err)
	}
	characters, err := s.store.GetCharacters(fork.StoryID)
	if err != nil {
		return nil, err
	}
	terms, err := s.store.GetTerms(fork.StoryID)
	if err != nil {
		return nil, err
	}
	segments, err := s.store.GetSegments(fork.ID)
	if err != nil {
		return nil, err
	}
	summaries, err := s.summariesFor(segments)
	if err != nil {
		return nil, err
	}
	entities, err := s.store.ListEntities(fork.StoryID)
	if err != nil {
		return nil, err
	}

	prompt := s.builder.Build(ctx, PromptInput{
		Story:       story,
		Characters:  characters,
		Terms:       terms,
		Segments:    segments,
		Summaries:   summaries,
		Entities:    entities,
		ChoiceLabel: option.Label,
		ChoiceNotes: option.InfluenceNotes,
	})

	prep := &choicePreparation{
		fork:        fork,
		story:       story,
		branchPoint: bp,
		option:      option,
		prompt:      prompt,
	}
	if len(segments) > 0 {
		prep.lastSegment = &segments[len(segments)-1]
	}
	return prep, nil
}

// commitChoice 落库新章节并触发后台抽取
func (s *ForkService) commitChoice(prep *choicePreparation, content string) (*ChoiceResult, error) {
	if strings.TrimSpace(content) == "" {
		content = emptyGenerationPlaceholder
	}

	segment := &models.Segment{
		ForkID:        prep.fork.ID,
		BranchPointID: prep.branchPoint.ID,
		OptionID:      prep.option.ID,
		Content:       content,
	}
	if prep.lastSegment != nil {
		segment.ParentID = prep.lastSegment.ID
	}
	if err := s.store.CreateSegment(segment); err != nil {
		return nil, fmt.Errorf("写入章节失败: %w", err)
	}

	if err := s.store.IncrementOptionSelection(prep.option.ID); err != nil {
		s.logger.Warn("选项计数更新失败", map[string]interface{}{
			"option_id": prep.option.ID,
			"error":     err.Error(),
		})
	}
	if err := s.store.UpdateForkLastRead(prep.fork.ID, segment.ID); err != nil {
		s.logger.Warn("阅读进度更新失败", map[string]interface{}{
			"fork_id": prep.fork.ID,
			"error":   err.Error(),
		})
	}

	s.metrics.RecordChoice(prep.fork.StoryID, false)
	s.dispatchExtraction(prep.fork.StoryID, segment)

	return &ChoiceResult{
		Segment:    segment,
		Strategy:   prep.prompt.Strategy,
		TokensUsed: prep.prompt.TokensUsed,
	}, nil
}

// dispatchExtraction 异步执行摘要、实体、关系与时间线抽取。
// 任何失败只记日志，不影响已写入的章节。
func (s *ForkService) dispatchExtraction(storyID int64, segment *models.Segment) {
	seg := *segment
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("后台抽取崩溃", map[string]interface{}{
					"segment_id": seg.ID,
					"panic":      fmt.Sprintf("%v", r),
				})
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		start := time.Now()
		if _, err := s.summary.GenerateSummary(ctx, &seg, false); err != nil {
			s.logger.Warn("摘要抽取失败", map[string]interface{}{
				"segment_id": seg.ID, "error": err.Error(),
			})
			s.metrics.RecordExtraction("summary", false, time.Since(start))
		} else {
			s.metrics.RecordExtraction("summary", true, time.Since(start))
		}

		start = time.Now()
		if _, err := s.entity.ExtractEntities(ctx, storyID, &seg); err != nil {
			s.logger.Warn("实体抽取失败", map[string]interface{}{
				"segment_id": seg.ID, "error": err.Error(),
			})
			s.metrics.RecordExtraction("entity", false, time.Since(start))
		} else {
			s.metrics.RecordExtraction("entity", true, time.Since(start))
		}

		start = time.Now()
		if _, err := s.entity.ExtractRelationships(ctx, storyID, &seg); err != nil {
			s.logger.Warn("关系抽取失败", map[string]interface{}{
				"segment_id": seg.ID, "error": err.Error(),
			})
			s.metrics.RecordExtraction("relationship", false, time.Since(start))
		} else {
			s.metrics.RecordExtraction("relationship", true, time.Since(start))
		}

		start = time.Now()
		if _, err := s.timeline.TrackSegment(ctx, storyID, &seg); err != nil {
			s.logger.Warn("时间线挂载失败", map[string]interface{}{
				"segment_id": seg.ID, "error": err.Error(),
			})
			s.metrics.RecordExtraction("timeline", false, time.Since(start))
		} else {
			s.metrics.RecordExtraction("timeline", true, time.Since(start))
		}
	}()
}

// nextBranchPoint 数已消费的选择次数，定位下一个分叉点
func (s *ForkService) nextBranchPoint(fork *models.Fork) (*models.BranchPoint, error) {
	branchPoints, err := s.store.GetBranchPoints(fork.StoryID)
	if err != nil {
		return nil, fmt.Errorf("读取分叉点失败: %w", err)
	}

	segments, err := s.store.GetSegments(fork.ID)
	if err != nil {
		return nil, err
	}
	consumed := 0
	for _, seg := range segments {
		if seg.BranchPointID != 0 {
			consumed++
		}
	}

	if consumed >= len(branchPoints) {
		return nil, nil
	}
	return &branchPoints[consumed], nil
}

func (s *ForkService) summariesFor(segments []models.Segment) (map[int64]models.SegmentSummary, error) {
	ids := make([]int64, 0, len(segments))
	for _, seg := range segments {
		ids = append(ids, seg.ID)
	}
	return s.store.GetSummariesForSegments(ids)
}
