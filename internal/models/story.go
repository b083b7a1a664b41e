// internal/models/story.go
package models

import (
	"time"
)

// Story 表示一部可交互分支小说的设定与元数据
type Story struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	StorySummary    string    `json:"story_summary"`    // 小说概述
	OpeningMarkdown string    `json:"opening_markdown"` // 故事开头
	ReadmeMarkdown  string    `json:"readme_markdown"`  // 故事设定文档
	StyleParams     string    `json:"style_params"`     // 风格要求
	IntentKeywords  string    `json:"intent_keywords"`  // 故事特定意图关键字(JSON)
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StoryCharacter 表示作者预设的角色
type StoryCharacter struct {
	ID          int64  `json:"id"`
	StoryID     int64  `json:"story_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SortOrder   int    `json:"sort_order"` // 作者排序，前3位视为主角
}

// StoryTerm 表示作者预设的专有名词
type StoryTerm struct {
	ID         int64  `json:"id"`
	StoryID    int64  `json:"story_id"`
	Name       string `json:"name"`
	Definition string `json:"definition"`
	TermType   string `json:"term_type"` // place/item/concept/other
	SortOrder  int    `json:"sort_order"`
}

// BranchPoint 表示作者预设的分支决策点
type BranchPoint struct {
	ID        int64  `json:"id"`
	StoryID   int64  `json:"story_id"`
	Title     string `json:"title"`
	SortOrder int    `json:"sort_order"` // 分支点顺序，读者必须按序选择
}

// StoryOption 表示分支点下的一个可选项
type StoryOption struct {
	ID             int64  `json:"id"`
	BranchPointID  int64  `json:"branch_point_id"`
	Label          string `json:"label"`
	InfluenceNotes string `json:"influence_notes"` // 选项对剧情的影响说明
	SelectionCount int    `json:"selection_count"`
}
