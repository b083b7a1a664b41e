// internal/models/timeline.go
package models

import "time"

// Timeline 表示故事的一条时间线。每个故事有且仅有一条主时间线，
// 分支时间线记录自己从哪个章节分叉
type Timeline struct {
	ID          int64  `json:"id"`
	StoryID     int64  `json:"story_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	IsMainTimeline       bool   `json:"is_main_timeline"`
	DivergenceSegmentID  int64  `json:"divergence_segment_id,omitempty"`
	BranchPoint          string `json:"branch_point,omitempty"` // 分叉事件的文字描述
	Probability          int    `json:"probability"`            // 0-100
	StabilityScore       int    `json:"stability_score"`        // 1-10
	IsActive             bool   `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimelineMapping 把章节挂到时间线上，timeline_order 显式维护顺序
type TimelineMapping struct {
	ID         int64 `json:"id"`
	TimelineID int64 `json:"timeline_id"`
	SegmentID  int64 `json:"segment_id"`

	TimelineOrder         int    `json:"timeline_order"`
	IsDivergencePoint     bool   `json:"is_divergence_point"`
	DivergenceDescription string `json:"divergence_description,omitempty"`
	ProbabilityAtPoint    int    `json:"probability_at_point"`

	CreatedAt time.Time `json:"created_at"`
}

// TimelineAnalysis 是时间线影响分析的结构化输出
type TimelineAnalysis struct {
	IsDivergencePoint     bool     `json:"is_divergence_point"`
	DivergenceDescription string   `json:"divergence_description"`
	ProbabilityShift      int      `json:"probability_shift"`
	StabilityImpact       int      `json:"stability_impact"`
	AffectedEntities      []string `json:"affected_entities"`
}

// NeutralTimelineAnalysis 返回分析失败时使用的中性结果
func NeutralTimelineAnalysis() TimelineAnalysis {
	return TimelineAnalysis{
		IsDivergencePoint:     false,
		DivergenceDescription: "",
		ProbabilityShift:      0,
		StabilityImpact:       5,
		AffectedEntities:      []string{},
	}
}
