// internal/services/story_service.go
package services

import (
	"fmt"
	"strings"

	"github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
	"github.com/narrforge/narrforge/internal/utils"
)

// StoryInput 是作者建档的完整输入
type StoryInput struct {
	Title           string        `json:"title" binding:"required"`
	StorySummary    string        `json:"story_summary"`
	OpeningMarkdown string        `json:"opening_markdown"`
	ReadmeMarkdown  string        `json:"readme_markdown"`
	StyleParams     string        `json:"style_params"`
	IntentKeywords  StoryKeywords `json:"intent_keywords"`

	Characters []CharacterInput `json:"characters"`
	Terms      []TermInput      `json:"terms"`
}

type CharacterInput struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	SortOrder   int    `json:"sort_order"`
}

type TermInput struct {
	Name       string `json:"name" binding:"required"`
	Definition string `json:"definition"`
	TermType   string `json:"term_type"`
	SortOrder  int    `json:"sort_order"`
}

// BranchPointInput 是一个分叉点及其选项
type BranchPointInput struct {
	Title     string        `json:"title" binding:"required"`
	SortOrder int           `json:"sort_order"`
	Options   []OptionInput `json:"options" binding:"required"`
}

type OptionInput struct {
	Label          string `json:"label" binding:"required"`
	InfluenceNotes string `json:"influence_notes"`
}

// StoryDetail 聚合故事的全部设定
type StoryDetail struct {
	Story        models.Story            `json:"story"`
	Characters   []models.StoryCharacter `json:"characters"`
	Terms        []models.StoryTerm      `json:"terms"`
	BranchPoints []models.BranchPoint    `json:"branch_points"`
}

// StoryService 负责故事建档：正文设定、角色、术语、分叉点
type StoryService struct {
	store  *store.Store
	logger *utils.Logger
}

func NewStoryService(st *store.Store) *StoryService {
	return &StoryService{
		store:  st,
		logger: utils.GetLogger(),
	}
}

// CreateStory 建立故事档案，角色与术语一并写入
func (s *StoryService) CreateStory(in StoryInput) (*models.Story, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errors.NewValidationError("故事标题不能为空", nil)
	}

	story := &models.Story{
		Title:           in.Title,
		StorySummary:    in.StorySummary,
		OpeningMarkdown: in.OpeningMarkdown,
		ReadmeMarkdown:  in.ReadmeMarkdown,
		StyleParams:     in.StyleParams,
		IntentKeywords:  marshalStoryKeywords(in.IntentKeywords),
	}
	if err := s.store.CreateStory(story); err != nil {
		return nil, fmt.Errorf("创建故事失败: %w", err)
	}

	for i, c := range in.Characters {
		character := &models.StoryCharacter{
			StoryID:     story.ID,
			Name:        c.Name,
			Description: c.Description,
			SortOrder:   sortOrderOr(c.SortOrder, i+1),
		}
		if err := s.store.CreateCharacter(character); err != nil {
			return nil, fmt.Errorf("写入角色失败: %w", err)
		}
	}
	for i, t := range in.Terms {
		term := &models.StoryTerm{
			StoryID:    story.ID,
			Name:       t.Name,
			Definition: t.Definition,
			TermType:   normalizeTermType(t.TermType),
			SortOrder:  sortOrderOr(t.SortOrder, i+1),
		}
		if err := s.store.CreateTerm(term); err != nil {
			return nil, fmt.Errorf("写入术语失败: %w", err)
		}
	}

	s.logger.Info("故事已建档", map[string]interface{}{
		"story_id":   story.ID,
		"title":      story.Title,
		"characters": len(in.Characters),
		"terms":      len(in.Terms),
	})
	return story, nil
}

// GetStoryDetail 返回故事及其全部设定
func (s *StoryService) GetStoryDetail(storyID int64) (*StoryDetail, error) {
	story, err := s.store.GetStory(storyID)
	if err != nil {
		return nil, fmt.Errorf("读取故事失败: %w", err)
	}
	if story == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("故事 %d 不存在", storyID), nil)
	}

	characters, err := s.store.GetCharacters(storyID)
	if err != nil {
		return nil, err
	}
	terms, err := s.store.GetTerms(storyID)
	if err != nil {
		return nil, err
	}
	branchPoints, err := s.store.GetBranchPoints(storyID)
	if err != nil {
		return nil, err
	}

	return &StoryDetail{
		Story:        *story,
		Characters:   characters,
		Terms:        terms,
		BranchPoints: branchPoints,
	}, nil
}

// ListStories 返回全部故事
func (s *StoryService) ListStories() ([]models.Story, error) {
	return s.store.ListStories()
}

// AddBranchPoint 追加一个分叉点及其选项，选项至少两个
func (s *StoryService) AddBranchPoint(storyID int64, in BranchPointInput) (*models.BranchPoint, error) {
	story, err := s.store.GetStory(storyID)
	if err != nil {
		return nil, fmt.Errorf("读取故事失败: %w", err)
	}
	if story == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("故事 %d 不存在", storyID), nil)
	}
	if len(in.Options) < 2 {
		return nil, errors.NewValidationError("分叉点至少需要两个选项", nil)
	}

	existing, err := s.store.GetBranchPoints(storyID)
	if err != nil {
		return nil, err
	}

	bp := &models.BranchPoint{
		StoryID:   storyID,
		Title:     in.Title,
		SortOrder: sortOrderOr(in.SortOrder, len(existing)+1),
	}
	if err := s.store.CreateBranchPoint(bp); err != nil {
		return nil, fmt.Errorf("创建分叉点失败: %w", err)
	}

	for _, o := range in.Options {
		option := &models.StoryOption{
			BranchPointID:  bp.ID,
			Label:          o.Label,
			InfluenceNotes: o.InfluenceNotes,
		}
		if err := s.store.CreateOption(option); err != nil {
			return nil, fmt.Errorf("写入选项失败: %w", err)
		}
	}
	return bp, nil
}

// GetBranchPointOptions 返回分叉点的全部选项
func (s *StoryService) GetBranchPointOptions(branchPointID int64) (*models.BranchPoint, []models.StoryOption, error) {
	bp, err := s.store.GetBranchPoint(branchPointID)
	if err != nil {
		return nil, nil, err
	}
	if bp == nil {
		return nil, nil, errors.NewNotFoundError(fmt.Sprintf("分叉点 %d 不存在", branchPointID), nil)
	}
	options, err := s.store.GetOptions(branchPointID)
	if err != nil {
		return nil, nil, err
	}
	return bp, options, nil
}

// marshalStoryKeywords 把分类关键词编成JSON，两侧都为空时存空串
func marshalStoryKeywords(kw StoryKeywords) string {
	if len(kw.Simple) == 0 && len(kw.Complex) == 0 {
		return ""
	}
	return marshalList(kw)
}

func sortOrderOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// normalizeTermType 收敛术语类型，未知归为concept
func normalizeTermType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "place":
		return "place"
	case "item":
		return "item"
	case "other":
		return "other"
	default:
		return "concept"
	}
}
