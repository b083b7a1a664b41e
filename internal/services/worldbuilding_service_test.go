// internal/services/worldbuilding_service_test.go
package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/narrforge/narrforge/internal/models"
)

func newWorldbuildingFixture() ([]models.StoryCharacter, []models.StoryTerm) {
	characters := []models.StoryCharacter{
		{ID: 1, Name: "沈默", Description: "私家侦探，习惯在雾夜出门", SortOrder: 1},
		{ID: 2, Name: "老周", Description: "钟楼守夜人，知道停摆的真相", SortOrder: 2},
		{ID: 3, Name: "艾琳", Description: "报社记者，总在案发现场出现", SortOrder: 5},
	}
	terms := []models.StoryTerm{
		{ID: 1, Name: "钟楼", Definition: "城中最高的建筑，十年前停摆", TermType: "place"},
		{ID: 2, Name: "停摆怀表", Definition: "死者手中的怀表，指针停在凌晨三点", TermType: "item"},
		{ID: 3, Name: "守夜人", Definition: "世代看守钟楼的职位", TermType: "concept"},
	}
	return characters, terms
}

func TestWorldbuildingSelect_BudgetNeverExceeded(t *testing.T) {
	s := NewWorldbuildingService(NewTokenBudgetService())
	characters, terms := newWorldbuildingFixture()

	readme := strings.Repeat("这座城市常年被雾气笼罩。", 40)
	for _, budget := range []int{50, 200, 500, 2000} {
		sel := s.Select(characters, terms, nil, nil, readme, budget)
		assert.LessOrEqual(t, sel.TokensUsed, budget, "budget=%d", budget)
	}
}

func TestWorldbuildingSelect_ProtagonistBonus(t *testing.T) {
	s := NewWorldbuildingService(NewTokenBudgetService())
	characters := []models.StoryCharacter{
		{ID: 1, Name: "路人甲", Description: "偶尔出场的配角", SortOrder: 9},
		{ID: 2, Name: "沈默", Description: "私家侦探，故事的主角", SortOrder: 1},
	}

	// 预算只够放一个角色，排序前3的主角应当胜出
	sel := s.Select(characters, nil, nil, nil, "", 30)
	assert.Len(t, sel.Characters, 1)
	assert.Equal(t, "沈默", sel.Characters[0].Name)
}

func TestWorldbuildingSelect_RecentMentionOutweighsProtagonist(t *testing.T) {
	s := NewWorldbuildingService(NewTokenBudgetService())
	characters := []models.StoryCharacter{
		{ID: 1, Name: "沈默", Description: "私家侦探", SortOrder: 1},
		{ID: 2, Name: "艾琳", Description: "报社记者", SortOrder: 5},
	}
	segments := []models.Segment{{ID: 10, SortOrder: 4, Content: "雨夜里脚步声渐近。"}}
	summaries := map[int64]models.SegmentSummary{
		10: {SegmentID: 10, CharactersInvolved: `[{"name":"艾琳"}]`},
	}

	sel := s.Select(characters, nil, segments, summaries, "", 25)
	assert.Len(t, sel.Characters, 1)
	assert.Equal(t, "艾琳", sel.Characters[0].Name)
}

func TestWorldbuildingSelect_MentionCountFromWindow(t *testing.T) {
	s := NewWorldbuildingService(NewTokenBudgetService())
	terms := []models.StoryTerm{
		{ID: 1, Name: "怀表", Definition: "停摆的怀表", TermType: "item"},
		{ID: 2, Name: "日记", Definition: "死者的日记", TermType: "item"},
	}
	segments := []models.Segment{
		{ID: 1, SortOrder: 1, Content: "怀表在掌心发凉，怀表的指针纹丝不动。"},
	}

	// 预算只够放一个名词，窗口内出现两次的怀表应当胜出
	sel := s.Select(nil, terms, segments, nil, "", 12)
	assert.Len(t, sel.Terms, 1)
	assert.Equal(t, "怀表", sel.Terms[0].Name)
}

func TestWorldbuildingSelect_Deterministic(t *testing.T) {
	s := NewWorldbuildingService(NewTokenBudgetService())
	characters, terms := newWorldbuildingFixture()
	segments := []models.Segment{{ID: 1, SortOrder: 1, Content: "沈默推开钟楼的门。"}}

	first := s.Select(characters, terms, segments, nil, "设定说明", 400)
	second := s.Select(characters, terms, segments, nil, "设定说明", 400)
	assert.Equal(t, first, second)
}

func TestWorldbuildingSelect_SettingExcerptRequiresHeadroom(t *testing.T) {
	s := NewWorldbuildingService(NewTokenBudgetService())
	characters, terms := newWorldbuildingFixture()
	readme := strings.Repeat("雾都的历史可以追溯到三百年前。", 30)

	generous := s.Select(characters, terms, nil, nil, readme, 2000)
	assert.NotEmpty(t, generous.SettingExcerpt)

	// 剩余额度不足200时不放设定文档
	tight := s.Select(characters, terms, nil, nil, readme, 150)
	assert.Empty(t, tight.SettingExcerpt)
}
