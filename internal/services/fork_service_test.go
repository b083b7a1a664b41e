// internal/services/fork_service_test.go
package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrforge/narrforge/internal/config"
	apperrors "github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
)

func newTestForkService(t *testing.T) (*ForkService, *store.Store) {
	t.Helper()
	t.Setenv("LLM_API_KEY", "")
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	intentStore, err := config.NewIntentConfigStore("testdata/nonexistent.yaml", nil)
	require.NoError(t, err)

	budget := NewTokenBudgetService()
	llm := NewLLMService()
	builder := NewPromptBuilderService(
		intentStore,
		budget,
		NewIntentService(intentStore, llm),
		NewWorldbuildingService(budget),
		NewHistoryService(budget, intentStore.Get().MaxPrecompressedSegments),
	)

	fs := NewForkService(
		st,
		llm,
		builder,
		NewSummaryService(st, llm, budget),
		NewEntityService(st, llm),
		NewTimelineService(st, llm),
	)
	return fs, st
}

func seedChoosableStory(t *testing.T, st *store.Store) (*models.Story, *models.BranchPoint, *models.StoryOption) {
	t.Helper()
	story := &models.Story{
		Title:           "雾都孤影",
		StorySummary:    "侦探沈默调查钟楼停摆背后的失踪案",
		OpeningMarkdown: "雾在凌晨三点漫过河岸，钟楼的指针停在了那一刻。",
	}
	require.NoError(t, st.CreateStory(story))

	bp := &models.BranchPoint{StoryID: story.ID, Title: "敲门还是绕开", SortOrder: 1}
	require.NoError(t, st.CreateBranchPoint(bp))
	opt := &models.StoryOption{BranchPointID: bp.ID, Label: "敲响钟楼的门"}
	require.NoError(t, st.CreateOption(opt))
	other := &models.StoryOption{BranchPointID: bp.ID, Label: "绕到钟楼背面"}
	require.NoError(t, st.CreateOption(other))

	return story, bp, opt
}

func TestCreateFork_WritesOpeningSegment(t *testing.T) {
	fs, st := newTestForkService(t)
	story, _, _ := seedChoosableStory(t, st)

	fork, err := fs.CreateFork(story.ID, "测试读者")
	require.NoError(t, err)
	assert.NotEmpty(t, fork.PublicID)

	segs, err := fs.GetSegments(fork.PublicID)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, story.OpeningMarkdown, segs[0].Content)
	// 开篇不占用分叉点
	assert.Zero(t, segs[0].BranchPointID)
	assert.Equal(t, segs[0].ID, fork.LastReadSegmentID)
}

func TestCreateFork_StoryMissing(t *testing.T) {
	fs, _ := newTestForkService(t)

	_, err := fs.CreateFork(999, "测试读者")
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestGetFork_Missing(t *testing.T) {
	fs, _ := newTestForkService(t)

	_, err := fs.GetFork("no-such-fork")
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestNextBranchPoint_Sequence(t *testing.T) {
	fs, st := newTestForkService(t)
	story, bp, _ := seedChoosableStory(t, st)
	fork, err := fs.CreateFork(story.ID, "测试读者")
	require.NoError(t, err)

	got, options, err := fs.NextBranchPoint(fork.PublicID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, bp.ID, got.ID)
	assert.Len(t, options, 2)

	// 手工写入一章消费掉该分叉点
	require.NoError(t, st.CreateSegment(&models.Segment{
		ForkID:        fork.ID,
		BranchPointID: bp.ID,
		OptionID:      options[0].ID,
		Content:       "沈默敲响了门。",
	}))

	got, _, err = fs.NextBranchPoint(fork.PublicID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChoose_ExhaustedBranchPoints(t *testing.T) {
	fs, st := newTestForkService(t)

	story := &models.Story{Title: "没有分叉点的故事"}
	require.NoError(t, st.CreateStory(story))
	fork, err := fs.CreateFork(story.ID, "测试读者")
	require.NoError(t, err)

	_, err = fs.Choose(context.Background(), fork.PublicID, 1)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestChoose_OptionMissing(t *testing.T) {
	fs, st := newTestForkService(t)
	story, _, _ := seedChoosableStory(t, st)
	fork, err := fs.CreateFork(story.ID, "测试读者")
	require.NoError(t, err)

	_, err = fs.Choose(context.Background(), fork.PublicID, 999)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestChoose_OptionFromOtherBranchPoint(t *testing.T) {
	fs, st := newTestForkService(t)
	story, _, _ := seedChoosableStory(t, st)

	later := &models.BranchPoint{StoryID: story.ID, Title: "后续的分叉", SortOrder: 2}
	require.NoError(t, st.CreateBranchPoint(later))
	stray := &models.StoryOption{BranchPointID: later.ID, Label: "越过当前分叉的选项"}
	require.NoError(t, st.CreateOption(stray))

	fork, err := fs.CreateFork(story.ID, "测试读者")
	require.NoError(t, err)

	_, err = fs.Choose(context.Background(), fork.PublicID, stray.ID)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestChoose_LLMNotReady(t *testing.T) {
	fs, st := newTestForkService(t)
	story, _, opt := seedChoosableStory(t, st)
	fork, err := fs.CreateFork(story.ID, "测试读者")
	require.NoError(t, err)

	// 未配置任何提供商时生成不可用，校验已通过所以报服务不可用
	_, err = fs.Choose(context.Background(), fork.PublicID, opt.ID)
	assert.True(t, apperrors.IsUnavailableError(err))

	// 失败的选择不写章节
	segs, err := fs.GetSegments(fork.PublicID)
	require.NoError(t, err)
	assert.Len(t, segs, 1)
}

func TestRollback(t *testing.T) {
	fs, st := newTestForkService(t)
	story, bp, opt := seedChoosableStory(t, st)
	fork, err := fs.CreateFork(story.ID, "测试读者")
	require.NoError(t, err)

	segs, err := fs.GetSegments(fork.PublicID)
	require.NoError(t, err)
	opening := segs[0]

	require.NoError(t, st.CreateSegment(&models.Segment{
		ForkID:        fork.ID,
		ParentID:      opening.ID,
		BranchPointID: bp.ID,
		OptionID:      opt.ID,
		Content:       "沈默敲响了门。",
	}))

	require.NoError(t, fs.Rollback(fork.PublicID, opening.ID))

	segs, err = fs.GetSegments(fork.PublicID)
	require.NoError(t, err)
	assert.Len(t, segs, 1)

	// 回滚释放了分叉点，可以重新选择
	got, _, err := fs.NextBranchPoint(fork.PublicID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, bp.ID, got.ID)
}

func TestRollback_SegmentFromOtherFork(t *testing.T) {
	fs, st := newTestForkService(t)
	story, _, _ := seedChoosableStory(t, st)

	fork, err := fs.CreateFork(story.ID, "读者甲")
	require.NoError(t, err)
	other, err := fs.CreateFork(story.ID, "读者乙")
	require.NoError(t, err)

	otherSegs, err := fs.GetSegments(other.PublicID)
	require.NoError(t, err)
	require.NotEmpty(t, otherSegs)

	err = fs.Rollback(fork.PublicID, otherSegs[0].ID)
	assert.True(t, apperrors.IsValidationError(err))
}
