// internal/models/entity.go
package models

import "time"

// 实体类型
const (
	EntityTypeCharacter    = "character"
	EntityTypeLocation     = "location"
	EntityTypeItem         = "item"
	EntityTypeOrganization = "organization"
)

// 关系类型
const (
	RelationFamily       = "family"
	RelationFriend       = "friend"
	RelationEnemy        = "enemy"
	RelationAlly         = "ally"
	RelationMasterServant = "master_servant"
	RelationRomantic     = "romantic"
	RelationOwnership    = "ownership"
	RelationLocation     = "location"
	RelationMembership   = "membership"
	RelationOther        = "other"
)

// ValidRelationType 检查关系类型是否在允许集合内
func ValidRelationType(t string) bool {
	switch t {
	case RelationFamily, RelationFriend, RelationEnemy, RelationAlly,
		RelationMasterServant, RelationRomantic, RelationOwnership,
		RelationLocation, RelationMembership, RelationOther:
		return true
	}
	return false
}

// Entity 表示故事中被识别出的持久实体，
// (story_id, entity_type, entity_name) 唯一
type Entity struct {
	ID         int64  `json:"id"`
	StoryID    int64  `json:"story_id"`
	EntityType string `json:"entity_type"`
	EntityName string `json:"entity_name"`

	EntityAlias string `json:"entity_alias,omitempty"` // JSON字符串数组
	Description string `json:"description,omitempty"`  // 自由文本，每次识别刷新

	FirstAppearanceSegmentID int64 `json:"first_appearance_segment_id"`
	LastAppearanceSegmentID  int64 `json:"last_appearance_segment_id"`
	AppearanceCount          int   `json:"appearance_count"`

	CurrentStatus string `json:"current_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityAppearance 记录实体在某一章节中的一次出场，
// (entity_id, segment_id) 唯一
type EntityAppearance struct {
	ID        int64 `json:"id"`
	EntityID  int64 `json:"entity_id"`
	SegmentID int64 `json:"segment_id"`

	AppearanceType    string `json:"appearance_type,omitempty"` // main/mentioned/background
	ContextSnippet    string `json:"context_snippet,omitempty"`
	EmotionalState    string `json:"emotional_state,omitempty"`
	SignificanceScore int    `json:"significance_score"` // 1-10，默认5
	KeyMoment         bool   `json:"key_moment"`

	CreatedAt time.Time `json:"created_at"`
}

// EntityRelationship 表示两个实体之间的有向关系，
// (source_entity_id, target_entity_id) 唯一
type EntityRelationship struct {
	ID             int64 `json:"id"`
	SourceEntityID int64 `json:"source_entity_id"`
	TargetEntityID int64 `json:"target_entity_id"`

	RelationshipType string `json:"relationship_type"`
	Description      string `json:"description,omitempty"`
	StrengthScore    int    `json:"strength_score"` // 只增不减
	IsActive         bool   `json:"is_active"`

	FirstEstablishedSegmentID int64 `json:"first_established_segment_id"`
	LastUpdatedSegmentID      int64 `json:"last_updated_segment_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityNode 是关系图中的节点
type EntityNode struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	Description     string `json:"description,omitempty"`
	AppearanceCount int    `json:"appearance_count"`
	CurrentStatus   string `json:"current_status,omitempty"`
}

// RelationshipEdge 是关系图中的边
type RelationshipEdge struct {
	SourceID         int64  `json:"source_id"`
	TargetID         int64  `json:"target_id"`
	RelationshipType string `json:"relationship_type"`
	Description      string `json:"description,omitempty"`
	StrengthScore    int    `json:"strength_score"`
	IsActive         bool   `json:"is_active"`
}

// EntityGraph 是某个故事的完整实体关系图
type EntityGraph struct {
	StoryID int64              `json:"story_id"`
	Nodes   []EntityNode       `json:"nodes"`
	Edges   []RelationshipEdge `json:"edges"`
}
