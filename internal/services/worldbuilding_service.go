// internal/services/worldbuilding_service.go
package services

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/utils"
)

// WorldbuildingSelection 是筛选结果
type WorldbuildingSelection struct {
	Characters     []models.StoryCharacter `json:"characters"`
	Terms          []models.StoryTerm      `json:"terms"`
	SettingExcerpt string                  `json:"setting_excerpt"`
	TokensUsed     int                     `json:"tokens_used"`
}

// recentMentions 从最近摘要的结构化信息里提取的名称集合
type recentMentions struct {
	characters map[string]bool
	locations  map[string]bool
	items      map[string]bool
}

// WorldbuildingService 按相关性打分并在预算内筛选进入提示的世界观设定
type WorldbuildingService struct {
	budget *TokenBudgetService
	logger *utils.Logger
}

func NewWorldbuildingService(budget *TokenBudgetService) *WorldbuildingService {
	return &WorldbuildingService{
		budget: budget,
		logger: utils.GetLogger(),
	}
}

// Select 在预算内挑选角色、名词与设定文档片段。
// recentSegments是最近窗口的章节原文，summaries是对应摘要（可缺失）
func (s *WorldbuildingService) Select(
	characters []models.StoryCharacter,
	terms []models.StoryTerm,
	recentSegments []models.Segment,
	summaries map[int64]models.SegmentSummary,
	readmeMarkdown string,
	budget int,
) WorldbuildingSelection {
	mentions := extractRecentMentions(recentSegments, summaries)

	var windowText strings.Builder
	for _, seg := range recentSegments {
		windowText.WriteString(seg.Content)
		windowText.WriteString("\n")
	}
	window := windowText.String()

	type scoredCharacter struct {
		c     models.StoryCharacter
		score int
	}
	scoredChars := make([]scoredCharacter, 0, len(characters))
	for _, c := range characters {
		score := 0
		if mentions.characters[c.Name] {
			score += 50
		}
		score += 5 * strings.Count(window, c.Name)
		// 作者排序前3位视为主角
		if c.SortOrder > 0 && c.SortOrder <= 3 {
			score += 20
		}
		scoredChars = append(scoredChars, scoredCharacter{c, score})
	}

	type scoredTerm struct {
		t     models.StoryTerm
		score int
	}
	scoredTerms := make([]scoredTerm, 0, len(terms))
	for _, t := range terms {
		score := 0
		if mentions.locations[t.Name] || mentions.items[t.Name] {
			score += 40
		}
		score += 3 * strings.Count(window, t.Name)
		if t.TermType == "place" || t.TermType == "item" {
			score += 10
		}
		scoredTerms = append(scoredTerms, scoredTerm{t, score})
	}

	// 稳定排序保证相同输入产出相同结果
	sort.SliceStable(scoredChars, func(i, j int) bool {
		return scoredChars[i].score > scoredChars[j].score
	})
	sort.SliceStable(scoredTerms, func(i, j int) bool {
		return scoredTerms[i].score > scoredTerms[j].score
	})

	var selection WorldbuildingSelection
	used := 0

	// 角色优先，占到预算的60%为止
	charCeiling := budget * 60 / 100
	for _, sc := range scoredChars {
		cost := estimateEntryTokens(sc.c.Name, sc.c.Description, 10)
		if used+cost > charCeiling {
			continue
		}
		selection.Characters = append(selection.Characters, sc.c)
		used += cost
	}

	// 名词补到预算的90%为止
	termCeiling := budget * 90 / 100
	for _, st := range scoredTerms {
		cost := estimateEntryTokens(st.t.Name, st.t.Definition, 8)
		if used+cost > termCeiling {
			continue
		}
		selection.Terms = append(selection.Terms, st.t)
		used += cost
	}

	// 剩余预算足够时附上设定文档片段
	remaining := budget - used
	if remaining > 200 && readmeMarkdown != "" {
		selection.SettingExcerpt = s.budget.TruncateToBudget(readmeMarkdown, remaining)
		used += s.budget.CountTokens(selection.SettingExcerpt)
	}

	selection.TokensUsed = used
	return selection
}

// estimateEntryTokens 粗估一条设定在提示中的token成本
func estimateEntryTokens(name, description string, overhead int) int {
	return (len([]rune(name))+len([]rune(description)))/4 + overhead
}

func extractRecentMentions(recentSegments []models.Segment, summaries map[int64]models.SegmentSummary) recentMentions {
	m := recentMentions{
		characters: make(map[string]bool),
		locations:  make(map[string]bool),
		items:      make(map[string]bool),
	}

	for _, seg := range recentSegments {
		sum, ok := summaries[seg.ID]
		if !ok {
			// 摘要还没生成，跳过即可
			continue
		}

		var chars []models.InvolvedCharacter
		if sum.CharactersInvolved != "" {
			if err := json.Unmarshal([]byte(sum.CharactersInvolved), &chars); err == nil {
				for _, c := range chars {
					if c.Name != "" {
						m.characters[c.Name] = true
					}
				}
			}
		}

		collectNames(sum.LocationsInvolved, m.locations)
		collectNames(sum.ItemsInvolved, m.items)
	}

	return m
}

func collectNames(raw string, into map[string]bool) {
	if raw == "" {
		return
	}
	var entries []models.InvolvedEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return
	}
	for _, e := range entries {
		if e.Name != "" {
			into[e.Name] = true
		}
	}
}
