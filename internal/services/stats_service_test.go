// internal/services/stats_service_test.go
package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
)

func TestGetStoryStats(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	story := &models.Story{Title: "雾都孤影"}
	require.NoError(t, st.CreateStory(story))

	for _, publicID := range []string{"stats-fork-1", "stats-fork-2"} {
		require.NoError(t, st.CreateFork(&models.Fork{PublicID: publicID, StoryID: story.ID}))
	}
	require.NoError(t, st.UpsertEntity(&models.Entity{
		StoryID: story.ID, EntityType: models.EntityTypeCharacter, EntityName: "沈默",
	}))

	bp := &models.BranchPoint{StoryID: story.ID, Title: "敲门还是绕开", SortOrder: 1}
	require.NoError(t, st.CreateBranchPoint(bp))
	opt := &models.StoryOption{BranchPointID: bp.ID, Label: "敲响钟楼的门"}
	require.NoError(t, st.CreateOption(opt))
	require.NoError(t, st.IncrementOptionSelection(opt.ID))

	stats, err := NewStatsService(st).GetStoryStats(story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ForkCount)
	assert.Equal(t, 1, stats.EntityCount)
	require.Len(t, stats.BranchPoints, 1)
	require.Len(t, stats.BranchPoints[0].Options, 1)
	assert.Equal(t, 1, stats.BranchPoints[0].Options[0].SelectionCount)
}

func TestGetStoryStats_StoryMissing(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = NewStatsService(st).GetStoryStats(404)
	assert.True(t, apperrors.IsNotFoundError(err))
}
