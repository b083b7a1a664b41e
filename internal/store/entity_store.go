// internal/store/entity_store.go
package store

import (
	"database/sql"
	"time"

	"github.com/narrforge/narrforge/internal/models"
)

// UpsertEntity 新建或更新实体。
// 已存在时出场计数加一并推进最后出场章节，首次出场信息不变
func (s *Store) UpsertEntity(e *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	_, err := s.db.Exec(`
		INSERT INTO entities (story_id, entity_type, entity_name, entity_alias, description,
			first_appearance_segment_id, last_appearance_segment_id, appearance_count,
			current_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(story_id, entity_type, entity_name) DO UPDATE SET
			appearance_count = appearance_count + 1,
			last_appearance_segment_id = excluded.last_appearance_segment_id,
			description = CASE WHEN excluded.description != ''
				THEN excluded.description ELSE description END,
			current_status = CASE WHEN excluded.current_status != ''
				THEN excluded.current_status ELSE current_status END,
			updated_at = excluded.updated_at
	`, e.StoryID, e.EntityType, e.EntityName, e.EntityAlias, e.Description,
		nullableID(e.FirstAppearanceSegmentID), nullableID(e.LastAppearanceSegmentID),
		e.CurrentStatus, now.Unix(), now.Unix())
	if err != nil {
		return err
	}

	// 回填行状态
	return s.db.QueryRow(`
		SELECT id, appearance_count FROM entities
		WHERE story_id = ? AND entity_type = ? AND entity_name = ?
	`, e.StoryID, e.EntityType, e.EntityName).Scan(&e.ID, &e.AppearanceCount)
}

func scanEntityRows(rows *sql.Rows) ([]models.Entity, error) {
	defer rows.Close()

	var ents []models.Entity
	for rows.Next() {
		var e models.Entity
		var alias, desc, status sql.NullString
		var firstSeg, lastSeg sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&e.ID, &e.StoryID, &e.EntityType, &e.EntityName, &alias, &desc,
			&firstSeg, &lastSeg, &e.AppearanceCount, &status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		e.EntityAlias = alias.String
		e.Description = desc.String
		e.FirstAppearanceSegmentID = firstSeg.Int64
		e.LastAppearanceSegmentID = lastSeg.Int64
		e.CurrentStatus = status.String
		e.CreatedAt = time.Unix(createdAt, 0)
		e.UpdatedAt = time.Unix(updatedAt, 0)
		ents = append(ents, e)
	}
	return ents, rows.Err()
}

const entityColumns = `id, story_id, entity_type, entity_name, entity_alias, description,
	first_appearance_segment_id, last_appearance_segment_id, appearance_count,
	current_status, created_at, updated_at`

// GetEntityByName 按名称查找实体，不存在时返回 (nil, nil)
func (s *Store) GetEntityByName(storyID int64, entityType, name string) (*models.Entity, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT `+entityColumns+` FROM entities
		WHERE story_id = ? AND entity_type = ? AND entity_name = ?
	`, storyID, entityType, name)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	ents, err := scanEntityRows(rows)
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return nil, nil
	}
	return &ents[0], nil
}

// GetEntity 按ID获取实体
func (s *Store) GetEntity(id int64) (*models.Entity, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	ents, err := scanEntityRows(rows)
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return nil, nil
	}
	return &ents[0], nil
}

// ListEntities 返回故事下的全部实体，按出场次数倒序
func (s *Store) ListEntities(storyID int64) ([]models.Entity, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT `+entityColumns+` FROM entities
		WHERE story_id = ? ORDER BY appearance_count DESC, id ASC
	`, storyID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return scanEntityRows(rows)
}

// ListEntitiesForSegment 返回在某章节出场过的全部实体
func (s *Store) ListEntitiesForSegment(segmentID int64) ([]models.Entity, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT e.id, e.story_id, e.entity_type, e.entity_name, e.entity_alias, e.description,
			e.first_appearance_segment_id, e.last_appearance_segment_id, e.appearance_count,
			e.current_status, e.created_at, e.updated_at
		FROM entities e
		JOIN entity_appearances a ON a.entity_id = e.id
		WHERE a.segment_id = ?
		ORDER BY a.significance_score DESC, e.id ASC
	`, segmentID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return scanEntityRows(rows)
}

// HasAppearance 检查实体在某章节是否已有出场记录
func (s *Store) HasAppearance(entityID, segmentID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM entity_appearances WHERE entity_id = ? AND segment_id = ? LIMIT 1
	`, entityID, segmentID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateAppearance 记录一次出场，同章重复记录静默忽略
func (s *Store) CreateAppearance(a *models.EntityAppearance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	a.CreatedAt = now
	if a.SignificanceScore == 0 {
		a.SignificanceScore = 5
	}

	_, err := s.db.Exec(`
		INSERT INTO entity_appearances (entity_id, segment_id, appearance_type,
			context_snippet, emotional_state, significance_score, key_moment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, segment_id) DO NOTHING
	`, a.EntityID, a.SegmentID, a.AppearanceType, a.ContextSnippet,
		a.EmotionalState, a.SignificanceScore, boolToInt(a.KeyMoment), now.Unix())
	return err
}

// GetAppearances 返回实体的全部出场记录
func (s *Store) GetAppearances(entityID int64) ([]models.EntityAppearance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, entity_id, segment_id, appearance_type, context_snippet,
			emotional_state, significance_score, key_moment, created_at
		FROM entity_appearances WHERE entity_id = ? ORDER BY segment_id ASC
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []models.EntityAppearance
	for rows.Next() {
		var a models.EntityAppearance
		var aType, snippet, state sql.NullString
		var keyMoment int
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.EntityID, &a.SegmentID, &aType, &snippet,
			&state, &a.SignificanceScore, &keyMoment, &createdAt); err != nil {
			return nil, err
		}
		a.AppearanceType = aType.String
		a.ContextSnippet = snippet.String
		a.EmotionalState = state.String
		a.KeyMoment = keyMoment != 0
		a.CreatedAt = time.Unix(createdAt, 0)
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// GetRelationship 获取两个实体间的有向关系，不存在时返回 (nil, nil)
func (s *Store) GetRelationship(sourceID, targetID int64) (*models.EntityRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r models.EntityRelationship
	var desc sql.NullString
	var firstSeg, lastSeg sql.NullInt64
	var isActive int
	var createdAt, updatedAt int64

	err := s.db.QueryRow(`
		SELECT id, source_entity_id, target_entity_id, relationship_type, description, strength_score,
			is_active, first_established_segment_id, last_updated_segment_id, created_at, updated_at
		FROM entity_relationships WHERE source_entity_id = ? AND target_entity_id = ?
	`, sourceID, targetID).Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID,
		&r.RelationshipType, &desc, &r.StrengthScore, &isActive, &firstSeg, &lastSeg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.Description = desc.String
	r.IsActive = isActive != 0
	r.FirstEstablishedSegmentID = firstSeg.Int64
	r.LastUpdatedSegmentID = lastSeg.Int64
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return &r, nil
}

// UpsertRelationship 建立或强化关系。
// 新关系按给定强度建立（未给定时为1），已存在时强度加一、
// 类型与描述更新为最新观察值，首次建立章节不变
func (s *Store) UpsertRelationship(r *models.EntityRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	initialStrength := r.StrengthScore
	if initialStrength <= 0 {
		initialStrength = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO entity_relationships (source_entity_id, target_entity_id, relationship_type,
			description, strength_score, is_active, first_established_segment_id,
			last_updated_segment_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(source_entity_id, target_entity_id) DO UPDATE SET
			strength_score = strength_score + 1,
			relationship_type = excluded.relationship_type,
			description = CASE WHEN excluded.description != ''
				THEN excluded.description ELSE description END,
			is_active = 1,
			last_updated_segment_id = excluded.last_updated_segment_id,
			updated_at = excluded.updated_at
	`, r.SourceEntityID, r.TargetEntityID, r.RelationshipType, r.Description, initialStrength,
		nullableID(r.FirstEstablishedSegmentID), nullableID(r.LastUpdatedSegmentID),
		now.Unix(), now.Unix())
	if err != nil {
		return err
	}

	var desc sql.NullString
	if err := s.db.QueryRow(`
		SELECT id, strength_score, description FROM entity_relationships
		WHERE source_entity_id = ? AND target_entity_id = ?
	`, r.SourceEntityID, r.TargetEntityID).Scan(&r.ID, &r.StrengthScore, &desc); err != nil {
		return err
	}
	r.Description = desc.String
	return nil
}

// GetRelationshipsForStory 返回故事下全部关系边
func (s *Store) GetRelationshipsForStory(storyID int64) ([]models.EntityRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT r.id, r.source_entity_id, r.target_entity_id, r.relationship_type, r.description,
			r.strength_score, r.is_active, r.first_established_segment_id,
			r.last_updated_segment_id, r.created_at, r.updated_at
		FROM entity_relationships r
		JOIN entities e ON e.id = r.source_entity_id
		WHERE e.story_id = ?
		ORDER BY r.strength_score DESC, r.id ASC
	`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []models.EntityRelationship
	for rows.Next() {
		var r models.EntityRelationship
		var desc sql.NullString
		var firstSeg, lastSeg sql.NullInt64
		var isActive int
		var createdAt, updatedAt int64
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.RelationshipType,
			&desc, &r.StrengthScore, &isActive, &firstSeg, &lastSeg, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.Description = desc.String
		r.IsActive = isActive != 0
		r.FirstEstablishedSegmentID = firstSeg.Int64
		r.LastUpdatedSegmentID = lastSeg.Int64
		r.CreatedAt = time.Unix(createdAt, 0)
		r.UpdatedAt = time.Unix(updatedAt, 0)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// GetRelationshipsForEntity 返回某实体参与的全部关系（双向）
func (s *Store) GetRelationshipsForEntity(entityID int64) ([]models.EntityRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, source_entity_id, target_entity_id, relationship_type, description, strength_score,
			is_active, first_established_segment_id, last_updated_segment_id, created_at, updated_at
		FROM entity_relationships
		WHERE source_entity_id = ? OR target_entity_id = ?
		ORDER BY strength_score DESC, id ASC
	`, entityID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []models.EntityRelationship
	for rows.Next() {
		var r models.EntityRelationship
		var desc sql.NullString
		var firstSeg, lastSeg sql.NullInt64
		var isActive int
		var createdAt, updatedAt int64
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.RelationshipType,
			&desc, &r.StrengthScore, &isActive, &firstSeg, &lastSeg, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.Description = desc.String
		r.IsActive = isActive != 0
		r.FirstEstablishedSegmentID = firstSeg.Int64
		r.LastUpdatedSegmentID = lastSeg.Int64
		r.CreatedAt = time.Unix(createdAt, 0)
		r.UpdatedAt = time.Unix(updatedAt, 0)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
