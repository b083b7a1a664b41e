// internal/services/timeline_service_test.go
package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
)

func newTestTimelineService(t *testing.T) (*TimelineService, *store.Store) {
	t.Helper()
	t.Setenv("LLM_API_KEY", "")
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewTimelineService(st, NewLLMService()), st
}

func seedTimelineFixture(t *testing.T, st *store.Store) (int64, []int64) {
	t.Helper()
	story := &models.Story{Title: "雾都孤影"}
	require.NoError(t, st.CreateStory(story))
	fork := &models.Fork{PublicID: "timeline-test-001", StoryID: story.ID}
	require.NoError(t, st.CreateFork(fork))

	segIDs := make([]int64, 0, 4)
	for i := 0; i < 4; i++ {
		seg := &models.Segment{ForkID: fork.ID, Content: "正文"}
		require.NoError(t, st.CreateSegment(seg))
		segIDs = append(segIDs, seg.ID)
	}
	return story.ID, segIDs
}

func TestEnsureMainTimeline_Idempotent(t *testing.T) {
	ts, st := newTestTimelineService(t)
	storyID, _ := seedTimelineFixture(t, st)

	first, err := ts.EnsureMainTimeline(storyID)
	require.NoError(t, err)
	assert.True(t, first.IsMainTimeline)
	assert.Equal(t, 100, first.Probability)
	assert.Equal(t, 10, first.StabilityScore)

	second, err := ts.EnsureMainTimeline(storyID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateBranchTimeline(t *testing.T) {
	ts, st := newTestTimelineService(t)
	storyID, segIDs := seedTimelineFixture(t, st)

	main, err := ts.EnsureMainTimeline(storyID)
	require.NoError(t, err)
	for _, id := range segIDs {
		require.NoError(t, st.AppendTimelineMapping(&models.TimelineMapping{
			TimelineID: main.ID, SegmentID: id, ProbabilityAtPoint: 100,
		}))
	}

	branch, err := ts.CreateBranchTimeline(storyID, segIDs[3], "假如老周开了门", "守夜人让侦探进了钟楼", "老周开了门", 40)
	require.NoError(t, err)
	assert.False(t, branch.IsMainTimeline)
	assert.Equal(t, 5, branch.StabilityScore)
	assert.Equal(t, "守夜人让侦探进了钟楼", branch.Description)

	mappings, err := st.GetTimelineMappings(branch.ID)
	require.NoError(t, err)
	require.Len(t, mappings, 4)
	// 分叉点被标记，且只在分叉时间线上
	assert.True(t, mappings[3].IsDivergencePoint)
	assert.Equal(t, "老周开了门", mappings[3].DivergenceDescription)
}

func TestCreateBranchTimeline_UnmappedSegment(t *testing.T) {
	ts, st := newTestTimelineService(t)
	storyID, segIDs := seedTimelineFixture(t, st)

	_, err := ts.EnsureMainTimeline(storyID)
	require.NoError(t, err)

	_, err = ts.CreateBranchTimeline(storyID, segIDs[0], "无效分叉", "", "", 50)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestMergeTimelines(t *testing.T) {
	ts, st := newTestTimelineService(t)
	storyID, segIDs := seedTimelineFixture(t, st)

	main, err := ts.EnsureMainTimeline(storyID)
	require.NoError(t, err)
	for _, id := range segIDs[:2] {
		require.NoError(t, st.AppendTimelineMapping(&models.TimelineMapping{
			TimelineID: main.ID, SegmentID: id, ProbabilityAtPoint: 100,
		}))
	}

	branch, err := ts.CreateBranchTimeline(storyID, segIDs[1], "旁支", "", "分歧", 30)
	require.NoError(t, err)
	require.NoError(t, st.AppendTimelineMapping(&models.TimelineMapping{
		TimelineID: branch.ID, SegmentID: segIDs[2], ProbabilityAtPoint: 30,
	}))

	target, err := ts.MergeTimelines(branch.ID, main.ID)
	require.NoError(t, err)
	assert.Equal(t, main.ID, target.ID)

	// 旁支独有的章节并入主时间线，顺序编在主线末尾
	merged, err := st.GetTimelineMappings(main.ID)
	require.NoError(t, err)
	require.Len(t, merged, 3)
	assert.Equal(t, segIDs[2], merged[2].SegmentID)
	assert.Equal(t, 3, merged[2].TimelineOrder)

	// 源时间线被停用
	source, err := st.GetTimeline(branch.ID)
	require.NoError(t, err)
	assert.False(t, source.IsActive)
}

func TestMergeTimelines_MainAsSourceRejected(t *testing.T) {
	ts, st := newTestTimelineService(t)
	storyID, _ := seedTimelineFixture(t, st)

	main, err := ts.EnsureMainTimeline(storyID)
	require.NoError(t, err)
	other := &models.Timeline{StoryID: storyID, Name: "旁支", Probability: 50, StabilityScore: 5, IsActive: true}
	require.NoError(t, st.CreateTimeline(other))

	_, err = ts.MergeTimelines(main.ID, other.ID)
	assert.True(t, apperrors.IsValidationError(err))

	_, err = ts.MergeTimelines(other.ID, other.ID)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestAnalyzeSegment_NeutralFallback(t *testing.T) {
	ts, _ := newTestTimelineService(t)

	// LLM未就绪时回退中性结果
	analysis := ts.AnalyzeSegment(t.Context(), &models.Segment{ID: 1, Content: "正文"})
	assert.False(t, analysis.IsDivergencePoint)
	assert.Zero(t, analysis.ProbabilityShift)
	assert.Equal(t, 5, analysis.StabilityImpact)
	assert.NotNil(t, analysis.AffectedEntities)
}
