// internal/services/entity_graph_service_test.go
package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
)

// 三个实体：沈默-老周强关系，沈默-艾琳弱关系；只有前两者在第一章出场
func seedGraphFixture(t *testing.T, st *store.Store) (storyID int64, segmentID int64, ids map[string]int64) {
	t.Helper()
	story := &models.Story{Title: "雾都孤影"}
	require.NoError(t, st.CreateStory(story))
	fork := &models.Fork{PublicID: "graph-test-001", StoryID: story.ID}
	require.NoError(t, st.CreateFork(fork))
	seg := &models.Segment{ForkID: fork.ID, Content: "正文"}
	require.NoError(t, st.CreateSegment(seg))

	ids = make(map[string]int64)
	for _, name := range []string{"沈默", "老周", "艾琳"} {
		e := &models.Entity{StoryID: story.ID, EntityType: models.EntityTypeCharacter, EntityName: name}
		require.NoError(t, st.UpsertEntity(e))
		ids[name] = e.ID
	}
	for _, name := range []string{"沈默", "老周"} {
		require.NoError(t, st.CreateAppearance(&models.EntityAppearance{
			EntityID:  ids[name],
			SegmentID: seg.ID,
		}))
	}

	strong := &models.EntityRelationship{
		SourceEntityID: ids["沈默"], TargetEntityID: ids["老周"], RelationshipType: "ally",
	}
	require.NoError(t, st.UpsertRelationship(strong))
	require.NoError(t, st.UpsertRelationship(strong)) // 强度升到2
	weak := &models.EntityRelationship{
		SourceEntityID: ids["沈默"], TargetEntityID: ids["艾琳"], RelationshipType: "acquaintance",
	}
	require.NoError(t, st.UpsertRelationship(weak))

	return story.ID, seg.ID, ids
}

func TestBuildGraph(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	storyID, _, _ := seedGraphFixture(t, st)

	graph, err := NewEntityGraphService(st).BuildGraph(storyID)
	require.NoError(t, err)
	assert.Len(t, graph.Nodes, 3)
	assert.Len(t, graph.Edges, 2)
}

func TestBuildGraphForSegment(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	storyID, segmentID, ids := seedGraphFixture(t, st)

	graph, err := NewEntityGraphService(st).BuildGraphForSegment(storyID, segmentID)
	require.NoError(t, err)
	// 艾琳未在本章出场，节点和涉及她的边都被排除
	assert.Len(t, graph.Nodes, 2)
	require.Len(t, graph.Edges, 1)
	assert.Equal(t, ids["老周"], graph.Edges[0].TargetID)
}

func TestRelatedEntities_MinStrength(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	_, _, ids := seedGraphFixture(t, st)

	gs := NewEntityGraphService(st)

	all, err := gs.RelatedEntities(ids["沈默"], 1)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	strong, err := gs.RelatedEntities(ids["沈默"], 2)
	require.NoError(t, err)
	require.Len(t, strong, 1)
	assert.Equal(t, "老周", strong[0].Entity.EntityName)
	assert.Equal(t, 2, strong[0].Relationship.StrengthScore)
}

func TestGetEntityDetail_Missing(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = NewEntityGraphService(st).GetEntityDetail(404)
	assert.True(t, apperrors.IsNotFoundError(err))
}
