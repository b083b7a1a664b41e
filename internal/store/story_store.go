// internal/store/story_store.go
package store

import (
	"database/sql"
	"time"

	"github.com/narrforge/narrforge/internal/models"
)

// CreateStory 保存新故事并回填ID
func (s *Store) CreateStory(story *models.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	story.CreatedAt = now
	story.UpdatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO stories (title, story_summary, opening_markdown, readme_markdown,
			style_params, intent_keywords, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, story.Title, story.StorySummary, story.OpeningMarkdown, story.ReadmeMarkdown,
		story.StyleParams, story.IntentKeywords, now.Unix(), now.Unix())
	if err != nil {
		return err
	}

	story.ID, err = res.LastInsertId()
	return err
}

// GetStory 按ID获取故事，不存在时返回 (nil, nil)
func (s *Store) GetStory(id int64) (*models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var story models.Story
	var summary, opening, readme, style, keywords sql.NullString
	var createdAt, updatedAt int64

	err := s.db.QueryRow(`
		SELECT id, title, story_summary, opening_markdown, readme_markdown,
			style_params, intent_keywords, created_at, updated_at
		FROM stories WHERE id = ?
	`, id).Scan(&story.ID, &story.Title, &summary, &opening, &readme,
		&style, &keywords, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	story.StorySummary = summary.String
	story.OpeningMarkdown = opening.String
	story.ReadmeMarkdown = readme.String
	story.StyleParams = style.String
	story.IntentKeywords = keywords.String
	story.CreatedAt = time.Unix(createdAt, 0)
	story.UpdatedAt = time.Unix(updatedAt, 0)
	return &story, nil
}

// ListStories 返回全部故事，按创建时间倒序
func (s *Store) ListStories() ([]models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, title, story_summary, created_at, updated_at
		FROM stories ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []models.Story
	for rows.Next() {
		var story models.Story
		var summary sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&story.ID, &story.Title, &summary, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		story.StorySummary = summary.String
		story.CreatedAt = time.Unix(createdAt, 0)
		story.UpdatedAt = time.Unix(updatedAt, 0)
		stories = append(stories, story)
	}
	return stories, rows.Err()
}

// CreateCharacter 保存角色设定
func (s *Store) CreateCharacter(c *models.StoryCharacter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO story_characters (story_id, name, description, sort_order)
		VALUES (?, ?, ?, ?)
	`, c.StoryID, c.Name, c.Description, c.SortOrder)
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// GetCharacters 返回故事的全部角色，按sort_order升序
func (s *Store) GetCharacters(storyID int64) ([]models.StoryCharacter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, story_id, name, description, sort_order
		FROM story_characters WHERE story_id = ? ORDER BY sort_order ASC, id ASC
	`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chars []models.StoryCharacter
	for rows.Next() {
		var c models.StoryCharacter
		var desc sql.NullString
		if err := rows.Scan(&c.ID, &c.StoryID, &c.Name, &desc, &c.SortOrder); err != nil {
			return nil, err
		}
		c.Description = desc.String
		chars = append(chars, c)
	}
	return chars, rows.Err()
}

// CreateTerm 保存世界观名词
func (s *Store) CreateTerm(t *models.StoryTerm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO story_terms (story_id, name, definition, term_type, sort_order)
		VALUES (?, ?, ?, ?, ?)
	`, t.StoryID, t.Name, t.Definition, t.TermType, t.SortOrder)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

// GetTerms 返回故事的全部世界观名词
func (s *Store) GetTerms(storyID int64) ([]models.StoryTerm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, story_id, name, definition, term_type, sort_order
		FROM story_terms WHERE story_id = ? ORDER BY sort_order ASC, id ASC
	`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var terms []models.StoryTerm
	for rows.Next() {
		var t models.StoryTerm
		var def sql.NullString
		if err := rows.Scan(&t.ID, &t.StoryID, &t.Name, &def, &t.TermType, &t.SortOrder); err != nil {
			return nil, err
		}
		t.Definition = def.String
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

// CreateBranchPoint 保存分支点
func (s *Store) CreateBranchPoint(bp *models.BranchPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO branch_points (story_id, title, sort_order)
		VALUES (?, ?, ?)
	`, bp.StoryID, bp.Title, bp.SortOrder)
	if err != nil {
		return err
	}
	bp.ID, err = res.LastInsertId()
	return err
}

// GetBranchPoint 按ID获取分支点
func (s *Store) GetBranchPoint(id int64) (*models.BranchPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bp models.BranchPoint
	var title sql.NullString

	err := s.db.QueryRow(`
		SELECT id, story_id, title, sort_order
		FROM branch_points WHERE id = ?
	`, id).Scan(&bp.ID, &bp.StoryID, &title, &bp.SortOrder)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	bp.Title = title.String
	return &bp, nil
}

// GetBranchPoints 返回故事的全部分支点，按sort_order升序
func (s *Store) GetBranchPoints(storyID int64) ([]models.BranchPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, story_id, title, sort_order
		FROM branch_points WHERE story_id = ? ORDER BY sort_order ASC, id ASC
	`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bps []models.BranchPoint
	for rows.Next() {
		var bp models.BranchPoint
		var title sql.NullString
		if err := rows.Scan(&bp.ID, &bp.StoryID, &title, &bp.SortOrder); err != nil {
			return nil, err
		}
		bp.Title = title.String
		bps = append(bps, bp)
	}
	return bps, rows.Err()
}

// CreateOption 保存分支选项
func (s *Store) CreateOption(o *models.StoryOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO story_options (branch_point_id, label, influence_notes, selection_count)
		VALUES (?, ?, ?, ?)
	`, o.BranchPointID, o.Label, o.InfluenceNotes, o.SelectionCount)
	if err != nil {
		return err
	}
	o.ID, err = res.LastInsertId()
	return err
}

// GetOption 按ID获取选项
func (s *Store) GetOption(id int64) (*models.StoryOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o models.StoryOption
	var notes sql.NullString

	err := s.db.QueryRow(`
		SELECT id, branch_point_id, label, influence_notes, selection_count
		FROM story_options WHERE id = ?
	`, id).Scan(&o.ID, &o.BranchPointID, &o.Label, &notes, &o.SelectionCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	o.InfluenceNotes = notes.String
	return &o, nil
}

// GetOptions 返回分支点下的全部选项
func (s *Store) GetOptions(branchPointID int64) ([]models.StoryOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, branch_point_id, label, influence_notes, selection_count
		FROM story_options WHERE branch_point_id = ? ORDER BY id ASC
	`, branchPointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var opts []models.StoryOption
	for rows.Next() {
		var o models.StoryOption
		var notes sql.NullString
		if err := rows.Scan(&o.ID, &o.BranchPointID, &o.Label, &notes, &o.SelectionCount); err != nil {
			return nil, err
		}
		o.InfluenceNotes = notes.String
		opts = append(opts, o)
	}
	return opts, rows.Err()
}

// IncrementOptionSelection 把选项的被选次数加一
func (s *Store) IncrementOptionSelection(optionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE story_options SET selection_count = selection_count + 1 WHERE id = ?
	`, optionID)
	return err
}
