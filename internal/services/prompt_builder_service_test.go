// internal/services/prompt_builder_service_test.go
package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/models"
)

func newTestPromptBuilder(t *testing.T) (*PromptBuilderService, *config.IntentConfigStore) {
	t.Helper()
	t.Setenv("LLM_API_KEY", "")
	store, err := config.NewIntentConfigStore("testdata/nonexistent.yaml", nil)
	require.NoError(t, err)

	budget := NewTokenBudgetService()
	llm := NewLLMService()
	builder := NewPromptBuilderService(
		store,
		budget,
		NewIntentService(store, llm),
		NewWorldbuildingService(budget),
		NewHistoryService(budget, store.Get().MaxPrecompressedSegments),
	)
	return builder, store
}

func newPromptInput() PromptInput {
	story := &models.Story{
		ID:              1,
		Title:           "雾都孤影",
		StorySummary:    "侦探沈默调查钟楼停摆背后的失踪案",
		OpeningMarkdown: "雾在凌晨三点漫过河岸，钟楼的指针停在了那一刻。",
		ReadmeMarkdown:  "这座城市被永不散去的雾气笼罩，钟楼是唯一的制高点。",
	}
	segments := []models.Segment{
		{ID: 1, ForkID: 1, SortOrder: 1, Content: "沈默接到匿名委托，信封里只有一张钟楼的照片。"},
		{ID: 2, ForkID: 1, SortOrder: 2, Content: "守夜人老周拒绝开门，却在窗后留下了一盏灯。"},
		{ID: 3, ForkID: 1, SortOrder: 3, Content: "沈默在钟楼脚下发现了一块停摆的怀表。"},
	}
	summaries := map[int64]models.SegmentSummary{
		1: {SegmentID: 1, UltraShortSummary: "沈默接到匿名委托", ShortSummary: "沈默收到匿名委托与钟楼照片"},
		2: {SegmentID: 2, UltraShortSummary: "老周留灯拒客", ShortSummary: "守夜人老周拒绝开门但留下一盏灯"},
		3: {SegmentID: 3, UltraShortSummary: "发现停摆怀表", ShortSummary: "沈默在钟楼脚下捡到停摆的怀表"},
	}
	return PromptInput{
		Story: story,
		Characters: []models.StoryCharacter{
			{ID: 1, Name: "沈默", Description: "私家侦探", SortOrder: 1},
			{ID: 2, Name: "老周", Description: "钟楼守夜人", SortOrder: 2},
		},
		Terms: []models.StoryTerm{
			{ID: 1, Name: "钟楼", Definition: "城中最高的建筑，十年前停摆", TermType: "place"},
		},
		Segments:    segments,
		Summaries:   summaries,
		ChoiceLabel: "继续前进，敲响钟楼的门",
	}
}

func TestChooseStrategy(t *testing.T) {
	cases := []struct {
		intent QueryIntent
		want   string
	}{
		{QueryIntent{Complexity: ComplexitySimple}, StrategyPrecompressed},
		{QueryIntent{Complexity: ComplexityMedium}, StrategyPrecompressed},
		{QueryIntent{Complexity: ComplexityMedium, RequiresPreciseDetails: true}, StrategyHybrid},
		{QueryIntent{Complexity: ComplexityComplex, RequiresPreciseDetails: true}, StrategyFull},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ChooseStrategy(tc.intent), "complexity=%s precise=%v",
			tc.intent.Complexity, tc.intent.RequiresPreciseDetails)
	}
}

func TestCompressionLevelFor(t *testing.T) {
	assert.Equal(t, CompressionUltraShort, compressionLevelFor(QueryIntent{Complexity: ComplexitySimple}))
	assert.Equal(t, CompressionShort, compressionLevelFor(QueryIntent{Complexity: ComplexityMedium}))
	assert.Equal(t, CompressionMedium, compressionLevelFor(QueryIntent{Complexity: ComplexityComplex}))
}

func TestBuild_LayerOrderAndEnding(t *testing.T) {
	builder, _ := newTestPromptBuilder(t)
	in := newPromptInput()

	res := builder.Build(context.Background(), in)
	require.NotEmpty(t, res.Prompt)

	markers := []string{"【系统指令】", "【故事概要】", "【世界观设定】", "【读者选择】"}
	last := -1
	for _, m := range markers {
		idx := strings.Index(res.Prompt, m)
		assert.Greater(t, idx, last, "层 %s 顺序错误", m)
		last = idx
	}
	assert.True(t, strings.HasSuffix(res.Prompt,
		"请续写下一段剧情（800-1200字），只输出小说正文，不要任何解释或标注。"))
}

func TestBuild_SimpleChoiceUsesPrecompressed(t *testing.T) {
	builder, _ := newTestPromptBuilder(t)
	in := newPromptInput()

	res := builder.Build(context.Background(), in)
	assert.Equal(t, StrategyPrecompressed, res.Strategy)
	assert.Contains(t, res.Prompt, "【历史剧情概要】")
}

func TestBuild_ComplexChoiceUsesFullHistory(t *testing.T) {
	builder, _ := newTestPromptBuilder(t)
	in := newPromptInput()
	in.ChoiceLabel = "回忆线索，为什么怀表藏着这个秘密"

	res := builder.Build(context.Background(), in)
	assert.Equal(t, StrategyFull, res.Strategy)
	assert.Contains(t, res.Prompt, "【历史剧情】")
}

func TestBuild_WithinAvailableBudget(t *testing.T) {
	builder, store := newTestPromptBuilder(t)
	in := newPromptInput()

	res := builder.Build(context.Background(), in)
	cfg := store.Get()
	assert.LessOrEqual(t, res.TokensUsed, cfg.Budget.Total-cfg.Budget.OutputReserve)
}

func TestBuild_ChoiceNotesAppear(t *testing.T) {
	builder, _ := newTestPromptBuilder(t)
	in := newPromptInput()
	in.ChoiceNotes = "老周会对来访者产生戒心"

	res := builder.Build(context.Background(), in)
	assert.Contains(t, res.Prompt, "选项影响：老周会对来访者产生戒心")
}

func TestBuild_OpeningExcerptTruncated(t *testing.T) {
	builder, _ := newTestPromptBuilder(t)
	in := newPromptInput()
	in.Story.OpeningMarkdown = strings.Repeat("雾", 600)

	res := builder.Build(context.Background(), in)
	assert.Contains(t, res.Prompt, "开篇节选："+strings.Repeat("雾", 500)+"...")
	assert.NotContains(t, res.Prompt, strings.Repeat("雾", 501))
}

func TestTargetEntityNames(t *testing.T) {
	builder, _ := newTestPromptBuilder(t)
	entities := []models.Entity{
		{EntityName: "沈默", EntityType: "character"},
		{EntityName: "钟楼", EntityType: "location"},
		{EntityName: "怀表", EntityType: "item"},
	}

	assert.Equal(t, []string{"沈默"}, builder.targetEntityNames(entities, []string{"character"}))
	assert.Equal(t, []string{"沈默", "钟楼", "怀表"}, builder.targetEntityNames(entities, []string{"all"}))
	assert.Empty(t, builder.targetEntityNames(entities, []string{"organization"}))
}
