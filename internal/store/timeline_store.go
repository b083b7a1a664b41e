// internal/store/timeline_store.go
package store

import (
	"database/sql"
	"time"

	"github.com/narrforge/narrforge/internal/models"
)

// CreateTimeline 保存时间线
func (s *Store) CreateTimeline(t *models.Timeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO timelines (story_id, name, description, is_main_timeline, divergence_segment_id,
			branch_point, probability, stability_score, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.StoryID, t.Name, t.Description, boolToInt(t.IsMainTimeline), nullableID(t.DivergenceSegmentID),
		t.BranchPoint, t.Probability, t.StabilityScore, boolToInt(t.IsActive),
		now.Unix(), now.Unix())
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

func scanTimelineRows(rows *sql.Rows) ([]models.Timeline, error) {
	defer rows.Close()

	var tls []models.Timeline
	for rows.Next() {
		var t models.Timeline
		var divergenceSeg sql.NullInt64
		var desc, branchPoint sql.NullString
		var isMain, isActive int
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.ID, &t.StoryID, &t.Name, &desc, &isMain, &divergenceSeg,
			&branchPoint, &t.Probability, &t.StabilityScore, &isActive, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		t.IsMainTimeline = isMain != 0
		t.DivergenceSegmentID = divergenceSeg.Int64
		t.BranchPoint = branchPoint.String
		t.IsActive = isActive != 0
		t.CreatedAt = time.Unix(createdAt, 0)
		t.UpdatedAt = time.Unix(updatedAt, 0)
		tls = append(tls, t)
	}
	return tls, rows.Err()
}

const timelineColumns = `id, story_id, name, description, is_main_timeline, divergence_segment_id,
	branch_point, probability, stability_score, is_active, created_at, updated_at`

// GetTimeline 按ID获取时间线
func (s *Store) GetTimeline(id int64) (*models.Timeline, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`SELECT `+timelineColumns+` FROM timelines WHERE id = ?`, id)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	tls, err := scanTimelineRows(rows)
	if err != nil {
		return nil, err
	}
	if len(tls) == 0 {
		return nil, nil
	}
	return &tls[0], nil
}

// GetMainTimeline 获取故事主时间线，不存在时返回 (nil, nil)
func (s *Store) GetMainTimeline(storyID int64) (*models.Timeline, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT `+timelineColumns+` FROM timelines
		WHERE story_id = ? AND is_main_timeline = 1 LIMIT 1
	`, storyID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	tls, err := scanTimelineRows(rows)
	if err != nil {
		return nil, err
	}
	if len(tls) == 0 {
		return nil, nil
	}
	return &tls[0], nil
}

// ListTimelines 返回故事下的全部时间线
func (s *Store) ListTimelines(storyID int64) ([]models.Timeline, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT `+timelineColumns+` FROM timelines WHERE story_id = ? ORDER BY id ASC
	`, storyID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return scanTimelineRows(rows)
}

// UpdateTimelineStability 更新时间线的概率与稳定度
func (s *Store) UpdateTimelineStability(timelineID int64, probability, stabilityScore int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE timelines SET probability = ?, stability_score = ?, updated_at = ?
		WHERE id = ?
	`, probability, stabilityScore, time.Now().Unix(), timelineID)
	return err
}

// AppendTimelineMapping 把章节挂到时间线末尾，
// timeline_order在事务内取当前最大值加一
func (s *Store) AppendTimelineMapping(m *models.TimelineMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxOrder sql.NullInt64
	if err := tx.QueryRow(`
		SELECT MAX(timeline_order) FROM timeline_mappings WHERE timeline_id = ?
	`, m.TimelineID).Scan(&maxOrder); err != nil {
		return err
	}
	m.TimelineOrder = int(maxOrder.Int64) + 1

	now := time.Now()
	m.CreatedAt = now

	res, err := tx.Exec(`
		INSERT INTO timeline_mappings (timeline_id, segment_id, timeline_order,
			is_divergence_point, divergence_description, probability_at_point, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timeline_id, segment_id) DO NOTHING
	`, m.TimelineID, m.SegmentID, m.TimelineOrder, boolToInt(m.IsDivergencePoint),
		m.DivergenceDescription, m.ProbabilityAtPoint, now.Unix())
	if err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()

	return tx.Commit()
}

// CopyTimelineMappings 把源时间线上顺序不超过upToOrder的映射复制到目标时间线，
// 分支时间线继承分叉点之前的历史
func (s *Store) CopyTimelineMappings(sourceTimelineID, targetTimelineID int64, upToOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO timeline_mappings (timeline_id, segment_id, timeline_order,
			is_divergence_point, divergence_description, probability_at_point, created_at)
		SELECT ?, segment_id, timeline_order, is_divergence_point,
			divergence_description, probability_at_point, ?
		FROM timeline_mappings
		WHERE timeline_id = ? AND timeline_order <= ?
		ON CONFLICT(timeline_id, segment_id) DO NOTHING
	`, targetTimelineID, time.Now().Unix(), sourceTimelineID, upToOrder)
	return err
}

// MergeTimelineMappings 把源时间线上目标没有的章节映射追加到目标末尾。
// 追加的映射在目标当前最大顺序之后重新编号，保持源内相对顺序，返回追加数量
func (s *Store) MergeTimelineMappings(sourceTimelineID, targetTimelineID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxOrder sql.NullInt64
	if err := tx.QueryRow(`
		SELECT MAX(timeline_order) FROM timeline_mappings WHERE timeline_id = ?
	`, targetTimelineID).Scan(&maxOrder); err != nil {
		return 0, err
	}

	rows, err := tx.Query(`
		SELECT segment_id, is_divergence_point, divergence_description, probability_at_point
		FROM timeline_mappings WHERE timeline_id = ? ORDER BY timeline_order ASC
	`, sourceTimelineID)
	if err != nil {
		return 0, err
	}

	type pending struct {
		segmentID   int64
		isDiv       int
		description sql.NullString
		probability int
	}
	var src []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.segmentID, &p.isDiv, &p.description, &p.probability); err != nil {
			rows.Close()
			return 0, err
		}
		src = append(src, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	nextOrder := int(maxOrder.Int64)
	inserted := 0
	for _, p := range src {
		res, err := tx.Exec(`
			INSERT INTO timeline_mappings (timeline_id, segment_id, timeline_order,
				is_divergence_point, divergence_description, probability_at_point, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(timeline_id, segment_id) DO NOTHING
		`, targetTimelineID, p.segmentID, nextOrder+1, p.isDiv, p.description.String, p.probability, now)
		if err != nil {
			return 0, err
		}
		// 目标已有的章节被冲突跳过，不消耗顺序号
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			nextOrder++
			inserted++
		}
	}

	return inserted, tx.Commit()
}

// DeactivateTimeline 把时间线标记为不活跃，合并后的源时间线使用
func (s *Store) DeactivateTimeline(timelineID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE timelines SET is_active = 0, updated_at = ? WHERE id = ?
	`, time.Now().Unix(), timelineID)
	return err
}

// MarkDivergencePoint 把时间线上某章节的映射标记为分叉点
func (s *Store) MarkDivergencePoint(timelineID, segmentID int64, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE timeline_mappings
		SET is_divergence_point = 1, divergence_description = ?
		WHERE timeline_id = ? AND segment_id = ?
	`, description, timelineID, segmentID)
	return err
}

// GetTimelineMappings 返回时间线上的全部映射，按顺序升序
func (s *Store) GetTimelineMappings(timelineID int64) ([]models.TimelineMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, timeline_id, segment_id, timeline_order, is_divergence_point,
			divergence_description, probability_at_point, created_at
		FROM timeline_mappings WHERE timeline_id = ? ORDER BY timeline_order ASC
	`, timelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ms []models.TimelineMapping
	for rows.Next() {
		var m models.TimelineMapping
		var desc sql.NullString
		var isDiv int
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.TimelineID, &m.SegmentID, &m.TimelineOrder,
			&isDiv, &desc, &m.ProbabilityAtPoint, &createdAt); err != nil {
			return nil, err
		}
		m.IsDivergencePoint = isDiv != 0
		m.DivergenceDescription = desc.String
		m.CreatedAt = time.Unix(createdAt, 0)
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

// GetMappingForSegment 返回章节在某时间线上的映射，不存在时返回 (nil, nil)
func (s *Store) GetMappingForSegment(timelineID, segmentID int64) (*models.TimelineMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m models.TimelineMapping
	var desc sql.NullString
	var isDiv int
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, timeline_id, segment_id, timeline_order, is_divergence_point,
			divergence_description, probability_at_point, created_at
		FROM timeline_mappings WHERE timeline_id = ? AND segment_id = ?
	`, timelineID, segmentID).Scan(&m.ID, &m.TimelineID, &m.SegmentID, &m.TimelineOrder,
		&isDiv, &desc, &m.ProbabilityAtPoint, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.IsDivergencePoint = isDiv != 0
	m.DivergenceDescription = desc.String
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}
