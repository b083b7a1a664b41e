// internal/services/entity_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
	"github.com/narrforge/narrforge/internal/utils"
)

// extractedEntity 是实体识别的结构化输出项
type extractedEntity struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Description       string   `json:"description,omitempty"`
	Aliases           []string `json:"aliases,omitempty"`
	AppearanceType    string   `json:"appearance_type,omitempty"`
	ContextSnippet    string   `json:"context_snippet,omitempty"`
	EmotionalState    string   `json:"emotional_state,omitempty"`
	SignificanceScore int      `json:"significance_score,omitempty"`
	KeyMoment         bool     `json:"key_moment,omitempty"`
	CurrentStatus     string   `json:"current_status,omitempty"`
}

type entityExtractionResult struct {
	Entities []extractedEntity `json:"entities"`
}

// extractedRelationship 是关系识别的结构化输出项
type extractedRelationship struct {
	Source           string `json:"source"`
	Target           string `json:"target"`
	RelationshipType string `json:"relationship_type"`
	Description      string `json:"description,omitempty"`
	Strength         int    `json:"strength,omitempty"`
	IsActive         *bool  `json:"is_active,omitempty"`
}

type relationshipExtractionResult struct {
	Relationships []extractedRelationship `json:"relationships"`
}

// EntityService 从章节正文中识别实体与关系并维护索引
type EntityService struct {
	store  *store.Store
	llm    *LLMService
	logger *utils.Logger
}

func NewEntityService(st *store.Store, llm *LLMService) *EntityService {
	return &EntityService{
		store:  st,
		llm:    llm,
		logger: utils.GetLogger(),
	}
}

// ExtractEntities 识别章节里出现的实体并入库。
// 同一章节重复抽取不会重复计数，返回本章涉及的实体数。
func (s *EntityService) ExtractEntities(ctx context.Context, storyID int64, segment *models.Segment) (int, error) {
	if segment == nil || strings.TrimSpace(segment.Content) == "" {
		return 0, nil
	}

	known, err := s.store.ListEntities(storyID)
	if err != nil {
		return 0, fmt.Errorf("读取已知实体失败: %w", err)
	}

	var result entityExtractionResult
	if err := s.llm.CreateStructuredCompletion(ctx,
		s.buildEntityPrompt(segment, known),
		"你是小说文本分析器，负责识别章节中出现的角色、地点、物品和组织。", &result); err != nil {
		return 0, fmt.Errorf("实体识别失败: %w", err)
	}

	count := 0
	for _, ex := range result.Entities {
		if err := s.recordEntity(storyID, segment, ex); err != nil {
			s.logger.Warn("实体入库失败", map[string]interface{}{
				"story_id": storyID,
				"entity":   ex.Name,
				"error":    err.Error(),
			})
			continue
		}
		count++
	}
	return count, nil
}

// recordEntity 按出场去重写入单个实体。
// 同一 (实体, 章节) 只计一次出场，冲突时静默跳过。
func (s *EntityService) recordEntity(storyID int64, segment *models.Segment, ex extractedEntity) error {
	name := strings.TrimSpace(ex.Name)
	if name == "" {
		return fmt.Errorf("实体名为空")
	}
	entityType := normalizeEntityType(ex.Type)

	existing, err := s.store.GetEntityByName(storyID, entityType, name)
	if err != nil {
		return err
	}
	if existing != nil {
		seen, err := s.store.HasAppearance(existing.ID, segment.ID)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
	}

	entity := &models.Entity{
		StoryID:                  storyID,
		EntityType:               entityType,
		EntityName:               name,
		Description:              ex.Description,
		EntityAlias:              marshalList(ex.Aliases),
		FirstAppearanceSegmentID: segment.ID,
		LastAppearanceSegmentID:  segment.ID,
		CurrentStatus:            ex.CurrentStatus,
	}
	if err := s.store.UpsertEntity(entity); err != nil {
		return err
	}

	appearance := &models.EntityAppearance{
		EntityID:          entity.ID,
		SegmentID:         segment.ID,
		AppearanceType:    ex.AppearanceType,
		ContextSnippet:    ex.ContextSnippet,
		EmotionalState:    ex.EmotionalState,
		SignificanceScore: ex.SignificanceScore,
		KeyMoment:         ex.KeyMoment,
		CreatedAt:         time.Now(),
	}
	return s.store.CreateAppearance(appearance)
}

// ExtractRelationships 识别章节中体现的实体关系并入库。
// 实体少于两个时直接跳过；同一对实体再次出现时强度加一。
func (s *EntityService) ExtractRelationships(ctx context.Context, storyID int64, segment *models.Segment) (int, error) {
	entities, err := s.store.ListEntities(storyID)
	if err != nil {
		return 0, fmt.Errorf("读取实体索引失败: %w", err)
	}
	if len(entities) < 2 {
		return 0, nil
	}

	byName := make(map[string]*models.Entity, len(entities))
	for i := range entities {
		byName[entities[i].EntityName] = &entities[i]
		for _, alias := range unmarshalEntityAlias(entities[i].EntityAlias) {
			if _, taken := byName[alias]; !taken {
				byName[alias] = &entities[i]
			}
		}
	}

	var result relationshipExtractionResult
	if err := s.llm.CreateStructuredCompletion(ctx,
		s.buildRelationshipPrompt(segment, entities),
		"你是小说文本分析器，负责识别本章中体现出的实体间关系。", &result); err != nil {
		return 0, fmt.Errorf("关系识别失败: %w", err)
	}

	count := 0
	for _, ex := range result.Relationships {
		source := byName[strings.TrimSpace(ex.Source)]
		target := byName[strings.TrimSpace(ex.Target)]
		// 未命中索引或自指关系一律丢弃
		if source == nil || target == nil || source.ID == target.ID {
			continue
		}
		relType := ex.RelationshipType
		if !models.ValidRelationType(relType) {
			relType = models.RelationOther
		}
		// 新关系用识别出的强度建立，缺省为5
		strength := ex.Strength
		if strength <= 0 {
			strength = 5
		}
		if strength > 10 {
			strength = 10
		}

		rel := &models.EntityRelationship{
			SourceEntityID:            source.ID,
			TargetEntityID:            target.ID,
			RelationshipType:          relType,
			Description:               ex.Description,
			StrengthScore:             strength,
			IsActive:                  ex.IsActive == nil || *ex.IsActive,
			FirstEstablishedSegmentID: segment.ID,
			LastUpdatedSegmentID:      segment.ID,
		}
		if err := s.store.UpsertRelationship(rel); err != nil {
			s.logger.Warn("关系入库失败", map[string]interface{}{
				"source": ex.Source,
				"target": ex.Target,
				"error":  err.Error(),
			})
			continue
		}
		count++
	}
	return count, nil
}

func (s *EntityService) buildEntityPrompt(segment *models.Segment, known []models.Entity) string {
	var sb strings.Builder
	sb.WriteString("请从以下章节正文中识别出现的实体。\n")
	sb.WriteString("type取值：character、location、item、organization。\n")
	sb.WriteString("appearance_type取值：main、mentioned、background。significance_score为1-10。\n")
	sb.WriteString("description为实体的一句话描述，按本章最新信息给出。\n")
	sb.WriteString("已知实体请沿用原名，不要创造同义新名。\n")

	if len(known) > 0 {
		sb.WriteString("\n【已知实体】\n")
		for _, e := range known {
			if e.Description != "" {
				fmt.Fprintf(&sb, "- %s（%s）：%s\n", e.EntityName, e.EntityType, e.Description)
			} else {
				fmt.Fprintf(&sb, "- %s（%s）\n", e.EntityName, e.EntityType)
			}
		}
	}

	fmt.Fprintf(&sb, "\n【第%d章正文】\n%s", segment.SortOrder, segment.Content)
	sb.WriteString("\n\n输出 {\"entities\": [...]} 格式。")
	return sb.String()
}

func (s *EntityService) buildRelationshipPrompt(segment *models.Segment, entities []models.Entity) string {
	grouped := make(map[string][]string)
	for _, e := range entities {
		grouped[e.EntityType] = append(grouped[e.EntityType], e.EntityName)
	}

	var sb strings.Builder
	sb.WriteString("请基于以下章节正文，识别实体名册中成员之间体现出的关系。\n")
	sb.WriteString("relationship_type取值：family、friend、enemy、ally、master_servant、romantic、ownership、location、membership、other。\n")
	sb.WriteString("description为一句话关系描述；strength为1-10的关系强度。\n")
	sb.WriteString("source和target必须使用名册里的原名，名册之外的名字不要输出。\n\n")

	sb.WriteString("【实体名册】\n")
	for _, t := range []string{models.EntityTypeCharacter, models.EntityTypeLocation, models.EntityTypeItem, models.EntityTypeOrganization} {
		if names, ok := grouped[t]; ok {
			fmt.Fprintf(&sb, "%s: %s\n", t, strings.Join(names, "、"))
		}
	}

	fmt.Fprintf(&sb, "\n【第%d章正文】\n%s", segment.SortOrder, segment.Content)
	sb.WriteString("\n\n输出 {\"relationships\": [...]} 格式。")
	return sb.String()
}

// normalizeEntityType 把模型输出的类型收敛到允许集合，未知归为character
func normalizeEntityType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case models.EntityTypeLocation:
		return models.EntityTypeLocation
	case models.EntityTypeItem:
		return models.EntityTypeItem
	case models.EntityTypeOrganization:
		return models.EntityTypeOrganization
	default:
		return models.EntityTypeCharacter
	}
}

func unmarshalEntityAlias(raw string) []string {
	var aliases []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &aliases); err != nil {
		return nil
	}
	return aliases
}
