// internal/services/story_service_test.go
package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/store"
)

func newTestStoryService(t *testing.T) *StoryService {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewStoryService(st)
}

func TestCreateStory_WithCharactersAndTerms(t *testing.T) {
	ss := newTestStoryService(t)

	story, err := ss.CreateStory(StoryInput{
		Title:          "雾都孤影",
		StorySummary:   "侦探调查钟楼停摆案",
		IntentKeywords: StoryKeywords{Simple: []string{"巡街"}, Complex: []string{"钟楼", "守夜人"}},
		Characters: []CharacterInput{
			{Name: "沈默", Description: "私家侦探"},
			{Name: "老周", Description: "钟楼守夜人", SortOrder: 7},
		},
		Terms: []TermInput{
			{Name: "钟楼", Definition: "城中最高的建筑", TermType: "place"},
			{Name: "守夜人", Definition: "世代看守钟楼的职位", TermType: "未知类型"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"simple":["巡街"],"complex":["钟楼","守夜人"]}`, story.IntentKeywords)

	detail, err := ss.GetStoryDetail(story.ID)
	require.NoError(t, err)
	require.Len(t, detail.Characters, 2)
	// 未指定排序时按出现顺序补位，指定的保留原值
	assert.Equal(t, 1, detail.Characters[0].SortOrder)
	assert.Equal(t, 7, detail.Characters[1].SortOrder)

	require.Len(t, detail.Terms, 2)
	assert.Equal(t, "place", detail.Terms[0].TermType)
	assert.Equal(t, "concept", detail.Terms[1].TermType)
}

func TestCreateStory_TitleRequired(t *testing.T) {
	ss := newTestStoryService(t)

	_, err := ss.CreateStory(StoryInput{Title: "   "})
	assert.True(t, apperrors.IsValidationError(err))
}

func TestAddBranchPoint(t *testing.T) {
	ss := newTestStoryService(t)
	story, err := ss.CreateStory(StoryInput{Title: "雾都孤影"})
	require.NoError(t, err)

	bp, err := ss.AddBranchPoint(story.ID, BranchPointInput{
		Title: "敲门还是绕开",
		Options: []OptionInput{
			{Label: "敲响钟楼的门"},
			{Label: "绕到钟楼背面", InfluenceNotes: "老周不会察觉来访"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, bp.SortOrder)

	got, options, err := ss.GetBranchPointOptions(bp.ID)
	require.NoError(t, err)
	assert.Equal(t, bp.ID, got.ID)
	require.Len(t, options, 2)
	assert.Equal(t, "老周不会察觉来访", options[1].InfluenceNotes)
}

func TestAddBranchPoint_RequiresTwoOptions(t *testing.T) {
	ss := newTestStoryService(t)
	story, err := ss.CreateStory(StoryInput{Title: "雾都孤影"})
	require.NoError(t, err)

	_, err = ss.AddBranchPoint(story.ID, BranchPointInput{
		Title:   "只有一个选项的分叉",
		Options: []OptionInput{{Label: "唯一的路"}},
	})
	assert.True(t, apperrors.IsValidationError(err))
}

func TestAddBranchPoint_StoryMissing(t *testing.T) {
	ss := newTestStoryService(t)

	_, err := ss.AddBranchPoint(404, BranchPointInput{
		Title:   "不存在的故事",
		Options: []OptionInput{{Label: "甲"}, {Label: "乙"}},
	})
	assert.True(t, apperrors.IsNotFoundError(err))
}
