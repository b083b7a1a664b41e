// internal/services/entity_graph_service.go
package services

import (
	"fmt"

	"github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
)

// EntityGraphService 把实体索引组装成可视化用的关系图
type EntityGraphService struct {
	store *store.Store
}

func NewEntityGraphService(st *store.Store) *EntityGraphService {
	return &EntityGraphService{store: st}
}

// BuildGraph 构建故事的完整实体关系图
func (s *EntityGraphService) BuildGraph(storyID int64) (*models.EntityGraph, error) {
	entities, err := s.store.ListEntities(storyID)
	if err != nil {
		return nil, fmt.Errorf("读取实体失败: %w", err)
	}
	relationships, err := s.store.GetRelationshipsForStory(storyID)
	if err != nil {
		return nil, fmt.Errorf("读取关系失败: %w", err)
	}

	graph := &models.EntityGraph{
		StoryID: storyID,
		Nodes:   make([]models.EntityNode, 0, len(entities)),
		Edges:   make([]models.RelationshipEdge, 0, len(relationships)),
	}

	for _, e := range entities {
		graph.Nodes = append(graph.Nodes, models.EntityNode{
			ID:              e.ID,
			Name:            e.EntityName,
			Type:            e.EntityType,
			Description:     e.Description,
			AppearanceCount: e.AppearanceCount,
			CurrentStatus:   e.CurrentStatus,
		})
	}
	for _, r := range relationships {
		graph.Edges = append(graph.Edges, models.RelationshipEdge{
			SourceID:         r.SourceEntityID,
			TargetID:         r.TargetEntityID,
			RelationshipType: r.RelationshipType,
			Description:      r.Description,
			StrengthScore:    r.StrengthScore,
			IsActive:         r.IsActive,
		})
	}
	return graph, nil
}

// BuildGraphForSegment 构建只含某章节出场实体的子图
func (s *EntityGraphService) BuildGraphForSegment(storyID, segmentID int64) (*models.EntityGraph, error) {
	entities, err := s.store.ListEntitiesForSegment(segmentID)
	if err != nil {
		return nil, fmt.Errorf("读取章节实体失败: %w", err)
	}
	relationships, err := s.store.GetRelationshipsForStory(storyID)
	if err != nil {
		return nil, fmt.Errorf("读取关系失败: %w", err)
	}

	inSegment := make(map[int64]bool, len(entities))
	graph := &models.EntityGraph{
		StoryID: storyID,
		Nodes:   make([]models.EntityNode, 0, len(entities)),
		Edges:   []models.RelationshipEdge{},
	}
	for _, e := range entities {
		inSegment[e.ID] = true
		graph.Nodes = append(graph.Nodes, models.EntityNode{
			ID:              e.ID,
			Name:            e.EntityName,
			Type:            e.EntityType,
			Description:     e.Description,
			AppearanceCount: e.AppearanceCount,
			CurrentStatus:   e.CurrentStatus,
		})
	}
	// 只保留两端都在本章出场的边
	for _, r := range relationships {
		if !inSegment[r.SourceEntityID] || !inSegment[r.TargetEntityID] {
			continue
		}
		graph.Edges = append(graph.Edges, models.RelationshipEdge{
			SourceID:         r.SourceEntityID,
			TargetID:         r.TargetEntityID,
			RelationshipType: r.RelationshipType,
			Description:      r.Description,
			StrengthScore:    r.StrengthScore,
			IsActive:         r.IsActive,
		})
	}
	return graph, nil
}

// RelatedEntity 是与查询实体存在关系的实体及连接它们的边
type RelatedEntity struct {
	Entity       models.Entity             `json:"entity"`
	Relationship models.EntityRelationship `json:"relationship"`
}

// RelatedEntities 返回与实体有活跃关系且强度不低于minStrength的实体
func (s *EntityGraphService) RelatedEntities(entityID int64, minStrength int) ([]RelatedEntity, error) {
	entity, err := s.store.GetEntity(entityID)
	if err != nil {
		return nil, fmt.Errorf("读取实体失败: %w", err)
	}
	if entity == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("实体 %d 不存在", entityID), nil)
	}

	relationships, err := s.store.GetRelationshipsForEntity(entityID)
	if err != nil {
		return nil, fmt.Errorf("读取关系失败: %w", err)
	}

	related := []RelatedEntity{}
	for _, r := range relationships {
		if !r.IsActive || r.StrengthScore < minStrength {
			continue
		}
		otherID := r.SourceEntityID
		if otherID == entityID {
			otherID = r.TargetEntityID
		}
		other, err := s.store.GetEntity(otherID)
		if err != nil {
			return nil, fmt.Errorf("读取关联实体失败: %w", err)
		}
		if other == nil {
			continue
		}
		related = append(related, RelatedEntity{Entity: *other, Relationship: r})
	}
	return related, nil
}

// EntityDetail 是单个实体的出场轨迹与关系
type EntityDetail struct {
	Entity        models.Entity               `json:"entity"`
	Appearances   []models.EntityAppearance   `json:"appearances"`
	Relationships []models.EntityRelationship `json:"relationships"`
}

// GetEntityDetail 查询实体的完整轨迹
func (s *EntityGraphService) GetEntityDetail(entityID int64) (*EntityDetail, error) {
	entity, err := s.store.GetEntity(entityID)
	if err != nil {
		return nil, fmt.Errorf("读取实体失败: %w", err)
	}
	if entity == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("实体 %d 不存在", entityID), nil)
	}

	appearances, err := s.store.GetAppearances(entityID)
	if err != nil {
		return nil, fmt.Errorf("读取出场记录失败: %w", err)
	}
	relationships, err := s.store.GetRelationshipsForEntity(entityID)
	if err != nil {
		return nil, fmt.Errorf("读取关系失败: %w", err)
	}

	return &EntityDetail{
		Entity:        *entity,
		Appearances:   appearances,
		Relationships: relationships,
	}, nil
}
