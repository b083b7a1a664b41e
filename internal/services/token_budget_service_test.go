// internal/services/token_budget_service_test.go
package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountTokens_Empty(t *testing.T) {
	s := NewTokenBudgetService()
	assert.Equal(t, 0, s.CountTokens(""))
}

func TestCountTokens_Monotonic(t *testing.T) {
	s := NewTokenBudgetService()

	short := s.CountTokens("主角推开了门")
	long := s.CountTokens("主角推开了门，门后是一条望不到头的长廊，墙上挂着褪色的画像")
	assert.Greater(t, long, short)
}

func TestAllocateBudget_DefaultRatios(t *testing.T) {
	s := NewTokenBudgetService()

	alloc := s.AllocateBudget(8000, 2000, 0.25, 0.60, 0.15)
	assert.Equal(t, 1500, alloc.Worldbuilding)
	assert.Equal(t, 3600, alloc.History)
	assert.Equal(t, 900, alloc.Choice)
	assert.Equal(t, 2000, alloc.OutputReserve)

	// 三份之和绝不超过可用额度
	assert.LessOrEqual(t, alloc.Worldbuilding+alloc.History+alloc.Choice, 8000-2000)
}

func TestAllocateBudget_ReserveExceedsTotal(t *testing.T) {
	s := NewTokenBudgetService()

	alloc := s.AllocateBudget(1000, 2000, 0.25, 0.60, 0.15)
	assert.Equal(t, 0, alloc.Worldbuilding)
	assert.Equal(t, 0, alloc.History)
	assert.Equal(t, 0, alloc.Choice)
}

func TestTruncateToBudget_WithinBudgetUnchanged(t *testing.T) {
	s := NewTokenBudgetService()

	text := "短文本"
	assert.Equal(t, text, s.TruncateToBudget(text, 1000))
}

func TestTruncateToBudget_NeverExceedsBudget(t *testing.T) {
	s := NewTokenBudgetService()
	text := strings.Repeat("这是一段很长的剧情描述。", 200)

	for _, budget := range []int{0, 1, 5, 20, 100, 500} {
		result := s.TruncateToBudget(text, budget)
		assert.LessOrEqual(t, s.CountTokens(result), budget,
			"budget=%d 时截断结果超出预算", budget)
	}
}

func TestTruncateToBudget_AppendsMarker(t *testing.T) {
	s := NewTokenBudgetService()
	text := strings.Repeat("剧情内容", 500)

	result := s.TruncateToBudget(text, 100)
	assert.True(t, strings.HasSuffix(result, TruncationMarker))
}

func TestTruncateToBudget_ZeroBudget(t *testing.T) {
	s := NewTokenBudgetService()
	assert.Equal(t, "", s.TruncateToBudget("任何内容", 0))
}

func TestCalculateUsage(t *testing.T) {
	s := NewTokenBudgetService()

	assert.Equal(t, 0.0, s.CalculateUsage("内容", 0))
	usage := s.CalculateUsage("一些内容", 100)
	assert.Greater(t, usage, 0.0)
	assert.Less(t, usage, 1.0)
}
