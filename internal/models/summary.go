// internal/models/summary.go
package models

import (
	"encoding/json"
	"time"
)

// SegmentSummary 表示章节的三级摘要与结构化信息，与章节一一对应
type SegmentSummary struct {
	ID        int64 `json:"id"`
	SegmentID int64 `json:"segment_id"`

	UltraShortSummary string `json:"ultra_short_summary"` // 50字以内
	ShortSummary      string `json:"short_summary"`       // 200字以内
	MediumSummary     string `json:"medium_summary"`      // 500字以内

	// 结构化信息，均为JSON文本
	KeyEvents          string `json:"key_events,omitempty"`
	CharactersInvolved string `json:"characters_involved,omitempty"`
	LocationsInvolved  string `json:"locations_involved,omitempty"`
	ItemsInvolved      string `json:"items_involved,omitempty"`

	EmotionalTone   string `json:"emotional_tone,omitempty"`
	ChapterFunction string `json:"chapter_function,omitempty"`

	TokenEstimate        int `json:"token_estimate"`
	SummaryTokenEstimate int `json:"summary_token_estimate"`

	CreatedAt time.Time `json:"created_at"`
}

// InvolvedCharacter 是 characters_involved 中的一项
type InvolvedCharacter struct {
	Name           string `json:"name"`
	Action         string `json:"action,omitempty"`
	EmotionalState string `json:"emotional_state,omitempty"`
}

// InvolvedEntry 兼容对象与裸字符串两种形态的名称项。
// 摘要里角色以对象数组出现，地点/物品可能是对象也可能是裸字符串，
// 解码时缺失字段取零值而不是报错。
type InvolvedEntry struct {
	Name      string `json:"name"`
	SceneType string `json:"scene_type,omitempty"`
}

// UnmarshalJSON 同时接受 "名字" 和 {"name": "名字", ...} 两种写法
func (e *InvolvedEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Name = s
		return nil
	}

	type plain InvolvedEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = InvolvedEntry(p)
	return nil
}

// SummaryFacts 是摘要生成的结构化输出模式
type SummaryFacts struct {
	UltraShortSummary  string              `json:"ultra_short_summary"`
	ShortSummary       string              `json:"short_summary"`
	MediumSummary      string              `json:"medium_summary"`
	KeyEvents          []KeyEvent          `json:"key_events,omitempty"`
	CharactersInvolved []InvolvedCharacter `json:"characters_involved,omitempty"`
	LocationsInvolved  []InvolvedEntry     `json:"locations_involved,omitempty"`
	ItemsInvolved      []InvolvedEntry     `json:"items_involved,omitempty"`
	EmotionalTone      string              `json:"emotional_tone,omitempty"`
	ChapterFunction    string              `json:"chapter_function,omitempty"`
}

// KeyEvent 表示章节中的一个关键事件
type KeyEvent struct {
	Event      string `json:"event"`
	Type       string `json:"type"`
	Importance int    `json:"importance"`
}
