// internal/services/stats_service.go
package services

import (
	"fmt"

	"github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/store"
)

// OptionStats 是单个选项的选择统计
type OptionStats struct {
	OptionID       int64  `json:"option_id"`
	Label          string `json:"label"`
	SelectionCount int    `json:"selection_count"`
}

// BranchPointStats 是单个分叉点上的选项分布
type BranchPointStats struct {
	BranchPointID int64         `json:"branch_point_id"`
	Title         string        `json:"title"`
	Options       []OptionStats `json:"options"`
}

// StoryStats 汇总故事的阅读数据
type StoryStats struct {
	StoryID      int64              `json:"story_id"`
	ForkCount    int                `json:"fork_count"`
	EntityCount  int                `json:"entity_count"`
	BranchPoints []BranchPointStats `json:"branch_points"`
}

// StatsService 汇总故事维度的阅读与选择统计
type StatsService struct {
	store *store.Store
}

func NewStatsService(st *store.Store) *StatsService {
	return &StatsService{store: st}
}

// GetStoryStats 统计故事的分支数、实体数与各分叉点的选项分布
func (s *StatsService) GetStoryStats(storyID int64) (*StoryStats, error) {
	story, err := s.store.GetStory(storyID)
	if err != nil {
		return nil, fmt.Errorf("读取故事失败: %w", err)
	}
	if story == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("故事 %d 不存在", storyID), nil)
	}

	forks, err := s.store.ListForks(storyID)
	if err != nil {
		return nil, err
	}
	entities, err := s.store.ListEntities(storyID)
	if err != nil {
		return nil, err
	}
	branchPoints, err := s.store.GetBranchPoints(storyID)
	if err != nil {
		return nil, err
	}

	stats := &StoryStats{
		StoryID:      storyID,
		ForkCount:    len(forks),
		EntityCount:  len(entities),
		BranchPoints: make([]BranchPointStats, 0, len(branchPoints)),
	}

	for _, bp := range branchPoints {
		options, err := s.store.GetOptions(bp.ID)
		if err != nil {
			return nil, err
		}
		bpStats := BranchPointStats{
			BranchPointID: bp.ID,
			Title:         bp.Title,
			Options:       make([]OptionStats, 0, len(options)),
		}
		for _, o := range options {
			bpStats.Options = append(bpStats.Options, OptionStats{
				OptionID:       o.ID,
				Label:          o.Label,
				SelectionCount: o.SelectionCount,
			})
		}
		stats.BranchPoints = append(stats.BranchPoints, bpStats)
	}
	return stats, nil
}
