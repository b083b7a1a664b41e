// internal/services/summary_service_test.go
package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
)

func newTestSummaryService(t *testing.T) (*SummaryService, *store.Store) {
	t.Helper()
	t.Setenv("LLM_API_KEY", "")
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewSummaryService(st, NewLLMService(), NewTokenBudgetService()), st
}

func seedSummaryFixture(t *testing.T, st *store.Store) (*models.Story, *models.Fork) {
	t.Helper()
	story := &models.Story{Title: "雾都孤影"}
	require.NoError(t, st.CreateStory(story))
	fork := &models.Fork{PublicID: "summary-test-001", StoryID: story.ID}
	require.NoError(t, st.CreateFork(fork))
	return story, fork
}

func TestGenerateSummary_FallbackWhenModelUnavailable(t *testing.T) {
	ss, st := newTestSummaryService(t)
	_, fork := seedSummaryFixture(t, st)

	seg := &models.Segment{ForkID: fork.ID, Content: strings.Repeat("雾", 300)}
	require.NoError(t, st.CreateSegment(seg))

	// LLM未就绪时仍落盘降级摘要，正文前缀兜底
	sum, err := ss.GenerateSummary(context.Background(), seg, false)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("雾", 50), sum.UltraShortSummary)
	assert.Equal(t, strings.Repeat("雾", 200), sum.ShortSummary)
	assert.Equal(t, seg.Content, sum.MediumSummary)
	assert.Greater(t, sum.TokenEstimate, 0)

	persisted, err := st.GetSummaryBySegmentID(seg.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, sum.ShortSummary, persisted.ShortSummary)
}

func TestGenerateSummary_FallbackKeepsShortContentWhole(t *testing.T) {
	ss, st := newTestSummaryService(t)
	_, fork := seedSummaryFixture(t, st)

	seg := &models.Segment{ForkID: fork.ID, Content: "短章节正文"}
	require.NoError(t, st.CreateSegment(seg))

	sum, err := ss.GenerateSummary(context.Background(), seg, false)
	require.NoError(t, err)
	assert.Equal(t, "短章节正文", sum.UltraShortSummary)
	assert.Equal(t, "短章节正文", sum.ShortSummary)
}

func TestGenerateSummary_ExistingReturnedWithoutForce(t *testing.T) {
	ss, st := newTestSummaryService(t)
	_, fork := seedSummaryFixture(t, st)

	seg := &models.Segment{ForkID: fork.ID, Content: "正文"}
	require.NoError(t, st.CreateSegment(seg))
	require.NoError(t, st.UpsertSummary(&models.SegmentSummary{
		SegmentID:    seg.ID,
		ShortSummary: "既有摘要",
	}))

	sum, err := ss.GenerateSummary(context.Background(), seg, false)
	require.NoError(t, err)
	assert.Equal(t, "既有摘要", sum.ShortSummary)
}

func TestBackfill_FillsAllMissing(t *testing.T) {
	ss, st := newTestSummaryService(t)
	_, fork := seedSummaryFixture(t, st)

	for i := 0; i < 3; i++ {
		seg := &models.Segment{ForkID: fork.ID, Content: "正文"}
		require.NoError(t, st.CreateSegment(seg))
	}

	done, err := ss.Backfill(context.Background(), fork.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, done)

	missing, err := st.ListSegmentsMissingSummary(fork.ID)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestBuildSummaryPrompt_PrimedWithStoryRoster(t *testing.T) {
	ss, st := newTestSummaryService(t)
	story, fork := seedSummaryFixture(t, st)

	require.NoError(t, st.CreateCharacter(&models.StoryCharacter{
		StoryID: story.ID, Name: "沈默", Description: "私家侦探", SortOrder: 1,
	}))
	require.NoError(t, st.CreateTerm(&models.StoryTerm{
		StoryID: story.ID, Name: "钟楼", Definition: "城中最高的建筑", TermType: "place", SortOrder: 1,
	}))

	seg := &models.Segment{ForkID: fork.ID, Content: "沈默走向钟楼。"}
	require.NoError(t, st.CreateSegment(seg))

	prompt := ss.buildSummaryPrompt(seg)
	assert.Contains(t, prompt, "【人物设定】")
	assert.Contains(t, prompt, "沈默：私家侦探")
	assert.Contains(t, prompt, "【术语设定】")
	assert.Contains(t, prompt, "钟楼：城中最高的建筑")
	assert.Contains(t, prompt, "【第1章正文】")
}
