// internal/store/store_test.go
package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrforge/narrforge/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedStoryAndFork(t *testing.T, s *Store) (*models.Story, *models.Fork) {
	t.Helper()
	story := &models.Story{Title: "雾都孤影", StorySummary: "侦探调查钟楼停摆案"}
	require.NoError(t, s.CreateStory(story))

	fork := &models.Fork{PublicID: "fork-test-001", StoryID: story.ID, Reader: "测试读者"}
	require.NoError(t, s.CreateFork(fork))
	return story, fork
}

func TestCreateSegment_SortOrderIncrements(t *testing.T) {
	s := newTestStore(t)
	_, fork := seedStoryAndFork(t, s)

	first := &models.Segment{ForkID: fork.ID, Content: "第一章正文"}
	require.NoError(t, s.CreateSegment(first))
	assert.Equal(t, 1, first.SortOrder)

	second := &models.Segment{ForkID: fork.ID, ParentID: first.ID, Content: "第二章正文"}
	require.NoError(t, s.CreateSegment(second))
	assert.Equal(t, 2, second.SortOrder)

	segs, err := s.GetSegments(fork.ID)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, first.ID, segs[0].ID)
	assert.Equal(t, first.ID, segs[1].ParentID)
}

func TestDeleteSegmentsAfter(t *testing.T) {
	s := newTestStore(t)
	_, fork := seedStoryAndFork(t, s)

	var keep *models.Segment
	for i := 0; i < 4; i++ {
		seg := &models.Segment{ForkID: fork.ID, Content: "正文"}
		require.NoError(t, s.CreateSegment(seg))
		if i == 1 {
			keep = seg
		}
		require.NoError(t, s.UpsertSummary(&models.SegmentSummary{
			SegmentID:    seg.ID,
			ShortSummary: "摘要",
		}))
	}

	require.NoError(t, s.DeleteSegmentsAfter(fork.ID, keep.SortOrder))

	segs, err := s.GetSegments(fork.ID)
	require.NoError(t, err)
	assert.Len(t, segs, 2)

	// 被删章节的摘要一并清理
	missing, err := s.ListSegmentsMissingSummary(fork.ID)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestUpsertSummary_Idempotent(t *testing.T) {
	s := newTestStore(t)
	_, fork := seedStoryAndFork(t, s)
	seg := &models.Segment{ForkID: fork.ID, Content: "正文"}
	require.NoError(t, s.CreateSegment(seg))

	first := &models.SegmentSummary{SegmentID: seg.ID, ShortSummary: "初版摘要"}
	require.NoError(t, s.UpsertSummary(first))

	second := &models.SegmentSummary{SegmentID: seg.ID, ShortSummary: "重生成摘要"}
	require.NoError(t, s.UpsertSummary(second))

	got, err := s.GetSummaryBySegmentID(seg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "重生成摘要", got.ShortSummary)
	assert.Equal(t, first.ID, got.ID)
}

func TestUpsertEntity_AppearanceCount(t *testing.T) {
	s := newTestStore(t)
	story, _ := seedStoryAndFork(t, s)

	e := &models.Entity{
		StoryID:                  story.ID,
		EntityType:               models.EntityTypeCharacter,
		EntityName:               "沈默",
		FirstAppearanceSegmentID: 1,
		LastAppearanceSegmentID:  1,
	}
	require.NoError(t, s.UpsertEntity(e))
	assert.Equal(t, 1, e.AppearanceCount)

	again := &models.Entity{
		StoryID:                 story.ID,
		EntityType:              models.EntityTypeCharacter,
		EntityName:              "沈默",
		LastAppearanceSegmentID: 2,
	}
	require.NoError(t, s.UpsertEntity(again))
	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, 2, again.AppearanceCount)

	got, err := s.GetEntityByName(story.ID, models.EntityTypeCharacter, "沈默")
	require.NoError(t, err)
	require.NotNil(t, got)
	// 首次出场章节不被后续更新覆盖
	assert.Equal(t, int64(1), got.FirstAppearanceSegmentID)
	assert.Equal(t, int64(2), got.LastAppearanceSegmentID)
}

func TestGetEntityByName_Missing(t *testing.T) {
	s := newTestStore(t)
	story, _ := seedStoryAndFork(t, s)

	got, err := s.GetEntityByName(story.ID, models.EntityTypeCharacter, "不存在的人")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateAppearance_DuplicateIgnored(t *testing.T) {
	s := newTestStore(t)
	story, fork := seedStoryAndFork(t, s)
	seg := &models.Segment{ForkID: fork.ID, Content: "正文"}
	require.NoError(t, s.CreateSegment(seg))

	e := &models.Entity{StoryID: story.ID, EntityType: models.EntityTypeCharacter, EntityName: "老周"}
	require.NoError(t, s.UpsertEntity(e))

	require.NoError(t, s.CreateAppearance(&models.EntityAppearance{EntityID: e.ID, SegmentID: seg.ID}))
	require.NoError(t, s.CreateAppearance(&models.EntityAppearance{EntityID: e.ID, SegmentID: seg.ID}))

	apps, err := s.GetAppearances(e.ID)
	require.NoError(t, err)
	assert.Len(t, apps, 1)
	assert.Equal(t, 5, apps[0].SignificanceScore)

	has, err := s.HasAppearance(e.ID, seg.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestUpsertRelationship_StrengthGrows(t *testing.T) {
	s := newTestStore(t)
	story, _ := seedStoryAndFork(t, s)

	src := &models.Entity{StoryID: story.ID, EntityType: models.EntityTypeCharacter, EntityName: "沈默"}
	dst := &models.Entity{StoryID: story.ID, EntityType: models.EntityTypeCharacter, EntityName: "老周"}
	require.NoError(t, s.UpsertEntity(src))
	require.NoError(t, s.UpsertEntity(dst))

	r := &models.EntityRelationship{
		SourceEntityID:   src.ID,
		TargetEntityID:   dst.ID,
		RelationshipType: "ally",
	}
	require.NoError(t, s.UpsertRelationship(r))
	assert.Equal(t, 1, r.StrengthScore)

	again := &models.EntityRelationship{
		SourceEntityID:   src.ID,
		TargetEntityID:   dst.ID,
		RelationshipType: "mentor",
	}
	require.NoError(t, s.UpsertRelationship(again))
	assert.Equal(t, 2, again.StrengthScore)

	got, err := s.GetRelationship(src.ID, dst.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	// 类型记录最新观察值
	assert.Equal(t, "mentor", got.RelationshipType)

	rels, err := s.GetRelationshipsForStory(story.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestCreateFork_ZeroLastReadStoredAsNull(t *testing.T) {
	s := newTestStore(t)
	story := &models.Story{Title: "雾都孤影"}
	require.NoError(t, s.CreateStory(story))

	fork := &models.Fork{PublicID: "fork-null-001", StoryID: story.ID}
	require.NoError(t, s.CreateFork(fork))

	got, err := s.GetFork(fork.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(0), got.LastReadSegmentID)
}

func TestUpsertEntity_DescriptionRefreshed(t *testing.T) {
	s := newTestStore(t)
	story, _ := seedStoryAndFork(t, s)

	e := &models.Entity{
		StoryID:     story.ID,
		EntityType:  models.EntityTypeCharacter,
		EntityName:  "艾琳",
		Description: "失踪修表匠的女儿",
	}
	require.NoError(t, s.UpsertEntity(e))

	// 空描述不覆盖已有值
	require.NoError(t, s.UpsertEntity(&models.Entity{
		StoryID: story.ID, EntityType: models.EntityTypeCharacter, EntityName: "艾琳",
	}))
	got, err := s.GetEntityByName(story.ID, models.EntityTypeCharacter, "艾琳")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "失踪修表匠的女儿", got.Description)

	// 新描述覆盖旧值
	require.NoError(t, s.UpsertEntity(&models.Entity{
		StoryID: story.ID, EntityType: models.EntityTypeCharacter, EntityName: "艾琳",
		Description: "委托人，开始怀疑父亲并未失踪",
	}))
	got, err = s.GetEntityByName(story.ID, models.EntityTypeCharacter, "艾琳")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "委托人，开始怀疑父亲并未失踪", got.Description)
}

func TestUpsertRelationship_ExtractedStrengthAndDescription(t *testing.T) {
	s := newTestStore(t)
	story, _ := seedStoryAndFork(t, s)

	src := &models.Entity{StoryID: story.ID, EntityType: models.EntityTypeCharacter, EntityName: "沈默"}
	dst := &models.Entity{StoryID: story.ID, EntityType: models.EntityTypeCharacter, EntityName: "老周"}
	require.NoError(t, s.UpsertEntity(src))
	require.NoError(t, s.UpsertEntity(dst))

	r := &models.EntityRelationship{
		SourceEntityID:   src.ID,
		TargetEntityID:   dst.ID,
		RelationshipType: "enemy",
		Description:      "十年前的旧怨",
		StrengthScore:    9,
	}
	require.NoError(t, s.UpsertRelationship(r))
	// 新关系按给定强度建立
	assert.Equal(t, 9, r.StrengthScore)

	got, err := s.GetRelationship(src.ID, dst.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 9, got.StrengthScore)
	assert.Equal(t, "十年前的旧怨", got.Description)

	// 再次观察强度加一，空描述不抹掉旧描述
	again := &models.EntityRelationship{
		SourceEntityID:   src.ID,
		TargetEntityID:   dst.ID,
		RelationshipType: "enemy",
	}
	require.NoError(t, s.UpsertRelationship(again))
	assert.Equal(t, 10, again.StrengthScore)
	assert.Equal(t, "十年前的旧怨", again.Description)

	// 新描述刷新为最新观察值
	require.NoError(t, s.UpsertRelationship(&models.EntityRelationship{
		SourceEntityID:   src.ID,
		TargetEntityID:   dst.ID,
		RelationshipType: "ally",
		Description:      "旧怨化解，结成同盟",
	}))
	got, err = s.GetRelationship(src.ID, dst.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 11, got.StrengthScore)
	assert.Equal(t, "旧怨化解，结成同盟", got.Description)
}

func TestMergeTimelineMappings_RenumbersPastTargetMax(t *testing.T) {
	s := newTestStore(t)
	story, fork := seedStoryAndFork(t, s)

	main := &models.Timeline{StoryID: story.ID, Name: "主时间线", IsMainTimeline: true,
		Probability: 100, StabilityScore: 10, IsActive: true}
	branch := &models.Timeline{StoryID: story.ID, Name: "旁支",
		Probability: 40, StabilityScore: 5, IsActive: true}
	require.NoError(t, s.CreateTimeline(main))
	require.NoError(t, s.CreateTimeline(branch))

	segIDs := make([]int64, 0, 4)
	for i := 0; i < 4; i++ {
		seg := &models.Segment{ForkID: fork.ID, Content: "正文"}
		require.NoError(t, s.CreateSegment(seg))
		segIDs = append(segIDs, seg.ID)
	}

	// 主线持有前两章（顺序1、2），旁支持有共享的第1章及独有的第3、4章
	for _, id := range segIDs[:2] {
		require.NoError(t, s.AppendTimelineMapping(&models.TimelineMapping{
			TimelineID: main.ID, SegmentID: id, ProbabilityAtPoint: 100,
		}))
	}
	for _, id := range []int64{segIDs[0], segIDs[2], segIDs[3]} {
		require.NoError(t, s.AppendTimelineMapping(&models.TimelineMapping{
			TimelineID: branch.ID, SegmentID: id, ProbabilityAtPoint: 40,
		}))
	}

	merged, err := s.MergeTimelineMappings(branch.ID, main.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, merged)

	mappings, err := s.GetTimelineMappings(main.ID)
	require.NoError(t, err)
	require.Len(t, mappings, 4)
	// 并入的章节编在主线最大顺序之后，顺序号不重复
	seen := map[int]bool{}
	for i, m := range mappings {
		assert.False(t, seen[m.TimelineOrder])
		seen[m.TimelineOrder] = true
		assert.Equal(t, i+1, m.TimelineOrder)
	}
	assert.Equal(t, segIDs[2], mappings[2].SegmentID)
	assert.Equal(t, segIDs[3], mappings[3].SegmentID)
}

func TestTimelineBranchCopy(t *testing.T) {
	s := newTestStore(t)
	story, fork := seedStoryAndFork(t, s)

	main := &models.Timeline{StoryID: story.ID, Name: "主时间线", IsMainTimeline: true,
		Probability: 100, StabilityScore: 10, IsActive: true}
	require.NoError(t, s.CreateTimeline(main))

	segIDs := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		seg := &models.Segment{ForkID: fork.ID, Content: "正文"}
		require.NoError(t, s.CreateSegment(seg))
		segIDs = append(segIDs, seg.ID)
		require.NoError(t, s.AppendTimelineMapping(&models.TimelineMapping{
			TimelineID:         main.ID,
			SegmentID:          seg.ID,
			ProbabilityAtPoint: 100,
		}))
	}

	branch := &models.Timeline{StoryID: story.ID, Name: "假如老周开了门",
		DivergenceSegmentID: segIDs[1], Probability: 40, StabilityScore: 5, IsActive: true}
	require.NoError(t, s.CreateTimeline(branch))

	// 只继承分叉点（第2章，顺序2）之前的历史
	require.NoError(t, s.CopyTimelineMappings(main.ID, branch.ID, 2))
	require.NoError(t, s.MarkDivergencePoint(main.ID, segIDs[1], "老周开了门"))

	copied, err := s.GetTimelineMappings(branch.ID)
	require.NoError(t, err)
	require.Len(t, copied, 2)
	assert.Equal(t, segIDs[0], copied[0].SegmentID)
	assert.Equal(t, segIDs[1], copied[1].SegmentID)

	mapping, err := s.GetMappingForSegment(main.ID, segIDs[1])
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.True(t, mapping.IsDivergencePoint)
	assert.Equal(t, "老周开了门", mapping.DivergenceDescription)
}

func TestIncrementOptionSelection(t *testing.T) {
	s := newTestStore(t)
	story, _ := seedStoryAndFork(t, s)

	bp := &models.BranchPoint{StoryID: story.ID, Title: "敲门还是绕开", SortOrder: 1}
	require.NoError(t, s.CreateBranchPoint(bp))
	opt := &models.StoryOption{BranchPointID: bp.ID, Label: "敲响钟楼的门"}
	require.NoError(t, s.CreateOption(opt))

	require.NoError(t, s.IncrementOptionSelection(opt.ID))
	require.NoError(t, s.IncrementOptionSelection(opt.ID))

	got, err := s.GetOption(opt.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SelectionCount)
}
