// internal/services/token_budget_service.go
package services

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/narrforge/narrforge/internal/utils"
)

// TruncationMarker 追加在被截断文本末尾
const TruncationMarker = "...（已截断）"

// BudgetAllocation 各提示层的token配额
type BudgetAllocation struct {
	Worldbuilding int `json:"worldbuilding"`
	History       int `json:"history"`
	Choice        int `json:"choice"`
	OutputReserve int `json:"output_reserve"`
}

// TokenBudgetService 负责token计数、预算切分与按预算截断
type TokenBudgetService struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	encErr error
}

func NewTokenBudgetService() *TokenBudgetService {
	return &TokenBudgetService{}
}

func (s *TokenBudgetService) encoding() *tiktoken.Tiktoken {
	s.once.Do(func() {
		s.enc, s.encErr = tiktoken.GetEncoding("cl100k_base")
		if s.encErr != nil {
			utils.GetLogger().Warn("tokenizer不可用，退化为字符数估算", map[string]interface{}{
				"error": s.encErr.Error(),
			})
		}
	})
	return s.enc
}

// CountTokens 统计文本token数。
// tokenizer不可用时退化为字符数的一半，保持单调可比
func (s *TokenBudgetService) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := s.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len([]rune(text)) / 2
}

// AllocateBudget 把总预算扣除输出保留后按比例切分。
// 向下取整，三份之和允许小于可用额度，绝不超过
func (s *TokenBudgetService) AllocateBudget(total, outputReserve int, worldbuilding, history, choice float64) BudgetAllocation {
	available := total - outputReserve
	if available < 0 {
		available = 0
	}
	return BudgetAllocation{
		Worldbuilding: int(float64(available) * worldbuilding),
		History:       int(float64(available) * history),
		Choice:        int(float64(available) * choice),
		OutputReserve: outputReserve,
	}
}

// TruncateToBudget 把文本截断到预算以内。
// 已在预算内时原样返回；否则二分查找最长的合规前缀并追加截断标记
func (s *TokenBudgetService) TruncateToBudget(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if s.CountTokens(text) <= budget {
		return text
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.CountTokens(string(runes[:mid])+TruncationMarker) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	if lo == 0 {
		// 连截断标记都放不下
		return ""
	}
	return string(runes[:lo]) + TruncationMarker
}

// IsWithinBudget 检查文本是否在预算以内
func (s *TokenBudgetService) IsWithinBudget(text string, budget int) bool {
	return s.CountTokens(text) <= budget
}

// CalculateUsage 返回预算使用率
func (s *TokenBudgetService) CalculateUsage(text string, budget int) float64 {
	if budget <= 0 {
		return 0
	}
	return float64(s.CountTokens(text)) / float64(budget)
}
