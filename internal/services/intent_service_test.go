// internal/services/intent_service_test.go
package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrforge/narrforge/internal/config"
)

func newRuleOnlyIntentService(t *testing.T) *IntentService {
	t.Helper()
	t.Setenv("LLM_API_KEY", "")
	store, err := config.NewIntentConfigStore("testdata/nonexistent.yaml", nil)
	require.NoError(t, err)
	// LLM未就绪时分类只走规则阶段
	return NewIntentService(store, NewLLMService())
}

func TestClassify_SimpleAction(t *testing.T) {
	s := newRuleOnlyIntentService(t)

	intent := s.Classify(context.Background(), "攻击敌人", StoryKeywords{}, "", "")
	assert.Equal(t, ComplexitySimple, intent.Complexity)
	assert.GreaterOrEqual(t, intent.Confidence, 0.8)
	assert.True(t, intent.ShouldUsePrecompressed())
}

func TestClassify_ComplexRecall(t *testing.T) {
	s := newRuleOnlyIntentService(t)

	intent := s.Classify(context.Background(), "回忆当年的约定，为什么要隐藏这个秘密", StoryKeywords{}, "", "")
	assert.Equal(t, ComplexityComplex, intent.Complexity)
	assert.True(t, intent.RequiresPreciseDetails)
	assert.False(t, intent.ShouldUsePrecompressed())
}

func TestClassify_StoryKeywordsDoubleWeight(t *testing.T) {
	s := newRuleOnlyIntentService(t)

	// 两个故事关键词各计2分，复杂得分达到阈值
	intent := s.Classify(context.Background(), "去钟楼找守夜人", StoryKeywords{Complex: []string{"钟楼", "守夜人"}}, "", "")
	assert.Equal(t, ComplexityComplex, intent.Complexity)
}

func TestClassify_StorySimpleKeywordsStaySimple(t *testing.T) {
	s := newRuleOnlyIntentService(t)

	// 简单侧的故事关键词计入简单得分，不能把选择推向复杂
	kw := StoryKeywords{Simple: []string{"小路"}}
	intent := s.Classify(context.Background(), "继续沿着小路前进", kw, "", "")
	assert.Equal(t, ComplexitySimple, intent.Complexity)
	assert.True(t, intent.ShouldUsePrecompressed())

	without := s.Classify(context.Background(), "沿着小路走", StoryKeywords{}, "", "")
	with := s.Classify(context.Background(), "沿着小路走", kw, "", "")
	assert.Equal(t, ComplexityMedium, without.Complexity)
	assert.Equal(t, ComplexityMedium, with.Complexity)
	assert.False(t, with.RequiresPreciseDetails)
}

func TestClassify_Deterministic(t *testing.T) {
	s := newRuleOnlyIntentService(t)

	first := s.Classify(context.Background(), "打开门走进去", StoryKeywords{}, "", "")
	second := s.Classify(context.Background(), "打开门走进去", StoryKeywords{}, "", "")
	assert.Equal(t, first, second)
}

func TestClassify_ConfidenceClamped(t *testing.T) {
	s := newRuleOnlyIntentService(t)

	intent := s.Classify(context.Background(),
		"回忆过去，分析原因，解释真相，揭示秘密，为什么当初会这样", StoryKeywords{}, "", "")
	assert.LessOrEqual(t, intent.Confidence, 0.95)
}

func TestClassify_EntityTypesDefaultAll(t *testing.T) {
	s := newRuleOnlyIntentService(t)

	intent := s.Classify(context.Background(), "继续前行", StoryKeywords{}, "", "")
	assert.Equal(t, []string{"all"}, intent.EntityTypes)
}

func TestClassify_TimeRangeDerivation(t *testing.T) {
	s := newRuleOnlyIntentService(t)

	cases := []struct {
		text string
		want string
	}{
		{"刚才发生了什么", TimeRangeRecent},
		{"最近他说过的那句话", TimeRangeMedium},
		{"回忆起当年一切的起因", TimeRangeLong},
	}
	for _, tc := range cases {
		intent := s.Classify(context.Background(), tc.text, StoryKeywords{}, "", "")
		assert.Equal(t, tc.want, intent.TimeRange, "text=%s", tc.text)
	}
}

func TestShouldUsePrecompressed(t *testing.T) {
	assert.True(t, QueryIntent{Complexity: ComplexitySimple}.ShouldUsePrecompressed())
	assert.True(t, QueryIntent{Complexity: ComplexityMedium}.ShouldUsePrecompressed())
	assert.False(t, QueryIntent{Complexity: ComplexityMedium, RequiresPreciseDetails: true}.ShouldUsePrecompressed())
	assert.False(t, QueryIntent{Complexity: ComplexityComplex}.ShouldUsePrecompressed())
}
