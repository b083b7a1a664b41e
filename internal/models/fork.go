// internal/models/fork.go
package models

import (
	"time"
)

// Fork 表示读者的个人阅读副本，持有自己的章节序列
type Fork struct {
	ID                int64     `json:"id"`
	PublicID          string    `json:"public_id"` // 对外暴露的UUID
	StoryID           int64     `json:"story_id"`
	Reader            string    `json:"reader"` // 读者用户名
	LastReadSegmentID int64     `json:"last_read_segment_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Segment 表示一次选择产生的章节（"commit"），创建后不可变
type Segment struct {
	ID            int64     `json:"id"`
	ForkID        int64     `json:"fork_id"`
	ParentID      int64     `json:"parent_id,omitempty"` // 上一章节，首章为0
	BranchPointID int64     `json:"branch_point_id"`
	OptionID      int64     `json:"option_id"`
	Content       string    `json:"content"`
	SortOrder     int       `json:"sort_order"` // 在副本内严格递增
	CreatedAt     time.Time `json:"created_at"`
}
