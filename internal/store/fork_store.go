// internal/store/fork_store.go
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/narrforge/narrforge/internal/models"
)

// CreateFork 保存读者副本
func (s *Store) CreateFork(f *models.Fork) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO forks (public_id, story_id, reader, last_read_segment_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.PublicID, f.StoryID, f.Reader, nullableID(f.LastReadSegmentID), now.Unix(), now.Unix())
	if err != nil {
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

func scanFork(row *sql.Row) (*models.Fork, error) {
	var f models.Fork
	var reader sql.NullString
	var lastRead sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&f.ID, &f.PublicID, &f.StoryID, &reader, &lastRead, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	f.Reader = reader.String
	f.LastReadSegmentID = lastRead.Int64
	f.CreatedAt = time.Unix(createdAt, 0)
	f.UpdatedAt = time.Unix(updatedAt, 0)
	return &f, nil
}

// GetFork 按内部ID获取副本
func (s *Store) GetFork(id int64) (*models.Fork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanFork(s.db.QueryRow(`
		SELECT id, public_id, story_id, reader, last_read_segment_id, created_at, updated_at
		FROM forks WHERE id = ?
	`, id))
}

// GetForkByPublicID 按对外UUID获取副本
func (s *Store) GetForkByPublicID(publicID string) (*models.Fork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanFork(s.db.QueryRow(`
		SELECT id, public_id, story_id, reader, last_read_segment_id, created_at, updated_at
		FROM forks WHERE public_id = ?
	`, publicID))
}

// ListForks 返回故事下的全部副本
func (s *Store) ListForks(storyID int64) ([]models.Fork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, public_id, story_id, reader, last_read_segment_id, created_at, updated_at
		FROM forks WHERE story_id = ? ORDER BY id ASC
	`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forks []models.Fork
	for rows.Next() {
		var f models.Fork
		var reader sql.NullString
		var lastRead sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&f.ID, &f.PublicID, &f.StoryID, &reader, &lastRead, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		f.Reader = reader.String
		f.LastReadSegmentID = lastRead.Int64
		f.CreatedAt = time.Unix(createdAt, 0)
		f.UpdatedAt = time.Unix(updatedAt, 0)
		forks = append(forks, f)
	}
	return forks, rows.Err()
}

// UpdateForkLastRead 更新副本的阅读进度
func (s *Store) UpdateForkLastRead(forkID, segmentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE forks SET last_read_segment_id = ?, updated_at = ? WHERE id = ?
	`, nullableID(segmentID), time.Now().Unix(), forkID)
	return err
}

// CreateSegment 在副本末尾追加一章。
// sort_order在事务内取当前最大值加一，保证副本内严格递增
func (s *Store) CreateSegment(seg *models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxOrder sql.NullInt64
	if err := tx.QueryRow(`
		SELECT MAX(sort_order) FROM segments WHERE fork_id = ?
	`, seg.ForkID).Scan(&maxOrder); err != nil {
		return err
	}
	seg.SortOrder = int(maxOrder.Int64) + 1

	now := time.Now()
	seg.CreatedAt = now

	res, err := tx.Exec(`
		INSERT INTO segments (fork_id, parent_id, branch_point_id, option_id, content, sort_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, seg.ForkID, nullableID(seg.ParentID), nullableID(seg.BranchPointID),
		nullableID(seg.OptionID), seg.Content, seg.SortOrder, now.Unix())
	if err != nil {
		return err
	}

	seg.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanSegmentRows(rows *sql.Rows) ([]models.Segment, error) {
	defer rows.Close()

	var segs []models.Segment
	for rows.Next() {
		var seg models.Segment
		var parentID, branchPointID, optionID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&seg.ID, &seg.ForkID, &parentID, &branchPointID, &optionID,
			&seg.Content, &seg.SortOrder, &createdAt); err != nil {
			return nil, err
		}
		seg.ParentID = parentID.Int64
		seg.BranchPointID = branchPointID.Int64
		seg.OptionID = optionID.Int64
		seg.CreatedAt = time.Unix(createdAt, 0)
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// GetSegment 按ID获取章节
func (s *Store) GetSegment(id int64) (*models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seg models.Segment
	var parentID, branchPointID, optionID sql.NullInt64
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, fork_id, parent_id, branch_point_id, option_id, content, sort_order, created_at
		FROM segments WHERE id = ?
	`, id).Scan(&seg.ID, &seg.ForkID, &parentID, &branchPointID, &optionID,
		&seg.Content, &seg.SortOrder, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seg.ParentID = parentID.Int64
	seg.BranchPointID = branchPointID.Int64
	seg.OptionID = optionID.Int64
	seg.CreatedAt = time.Unix(createdAt, 0)
	return &seg, nil
}

// GetSegments 返回副本的全部章节，按sort_order升序
func (s *Store) GetSegments(forkID int64) ([]models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, fork_id, parent_id, branch_point_id, option_id, content, sort_order, created_at
		FROM segments WHERE fork_id = ? ORDER BY sort_order ASC
	`, forkID)
	if err != nil {
		return nil, err
	}
	return scanSegmentRows(rows)
}

// CountSegments 返回副本的章节数
func (s *Store) CountSegments(forkID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM segments WHERE fork_id = ?`, forkID).Scan(&n)
	return n, err
}

// GetLastSegment 返回副本最新的一章，空副本返回 (nil, nil)
func (s *Store) GetLastSegment(forkID int64) (*models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seg models.Segment
	var parentID, branchPointID, optionID sql.NullInt64
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, fork_id, parent_id, branch_point_id, option_id, content, sort_order, created_at
		FROM segments WHERE fork_id = ? ORDER BY sort_order DESC LIMIT 1
	`, forkID).Scan(&seg.ID, &seg.ForkID, &parentID, &branchPointID, &optionID,
		&seg.Content, &seg.SortOrder, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seg.ParentID = parentID.Int64
	seg.BranchPointID = branchPointID.Int64
	seg.OptionID = optionID.Int64
	seg.CreatedAt = time.Unix(createdAt, 0)
	return &seg, nil
}

// DeleteSegmentsAfter 删除副本中排序在给定章节之后的全部章节及其摘要，
// 回滚操作使用
func (s *Store) DeleteSegmentsAfter(forkID int64, sortOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM segment_summaries WHERE segment_id IN (
			SELECT id FROM segments WHERE fork_id = ? AND sort_order > ?
		)
	`, forkID, sortOrder); err != nil {
		return fmt.Errorf("删除摘要失败: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM segments WHERE fork_id = ? AND sort_order > ?
	`, forkID, sortOrder); err != nil {
		return fmt.Errorf("删除章节失败: %w", err)
	}

	return tx.Commit()
}
