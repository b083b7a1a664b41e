// internal/store/summary_store.go
package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/narrforge/narrforge/internal/models"
)

// UpsertSummary 保存章节摘要，已存在时整行覆盖，天然幂等
func (s *Store) UpsertSummary(sum *models.SegmentSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sum.CreatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO segment_summaries (segment_id, ultra_short_summary, short_summary, medium_summary,
			key_events, characters_involved, locations_involved, items_involved,
			emotional_tone, chapter_function, token_estimate, summary_token_estimate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(segment_id) DO UPDATE SET
			ultra_short_summary = excluded.ultra_short_summary,
			short_summary = excluded.short_summary,
			medium_summary = excluded.medium_summary,
			key_events = excluded.key_events,
			characters_involved = excluded.characters_involved,
			locations_involved = excluded.locations_involved,
			items_involved = excluded.items_involved,
			emotional_tone = excluded.emotional_tone,
			chapter_function = excluded.chapter_function,
			token_estimate = excluded.token_estimate,
			summary_token_estimate = excluded.summary_token_estimate
	`, sum.SegmentID, sum.UltraShortSummary, sum.ShortSummary, sum.MediumSummary,
		sum.KeyEvents, sum.CharactersInvolved, sum.LocationsInvolved, sum.ItemsInvolved,
		sum.EmotionalTone, sum.ChapterFunction, sum.TokenEstimate, sum.SummaryTokenEstimate, now.Unix())
	if err != nil {
		return err
	}

	if sum.ID == 0 {
		sum.ID, _ = res.LastInsertId()
	}
	return nil
}

func scanSummaryRows(rows *sql.Rows) ([]models.SegmentSummary, error) {
	defer rows.Close()

	var sums []models.SegmentSummary
	for rows.Next() {
		var sum models.SegmentSummary
		var ultraShort, short, medium sql.NullString
		var keyEvents, chars, locs, items, tone, fn sql.NullString
		var createdAt int64
		if err := rows.Scan(&sum.ID, &sum.SegmentID, &ultraShort, &short, &medium,
			&keyEvents, &chars, &locs, &items, &tone, &fn,
			&sum.TokenEstimate, &sum.SummaryTokenEstimate, &createdAt); err != nil {
			return nil, err
		}
		sum.UltraShortSummary = ultraShort.String
		sum.ShortSummary = short.String
		sum.MediumSummary = medium.String
		sum.KeyEvents = keyEvents.String
		sum.CharactersInvolved = chars.String
		sum.LocationsInvolved = locs.String
		sum.ItemsInvolved = items.String
		sum.EmotionalTone = tone.String
		sum.ChapterFunction = fn.String
		sum.CreatedAt = time.Unix(createdAt, 0)
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

const summaryColumns = `id, segment_id, ultra_short_summary, short_summary, medium_summary,
	key_events, characters_involved, locations_involved, items_involved,
	emotional_tone, chapter_function, token_estimate, summary_token_estimate, created_at`

// GetSummaryBySegmentID 获取单章摘要，不存在时返回 (nil, nil)
func (s *Store) GetSummaryBySegmentID(segmentID int64) (*models.SegmentSummary, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT `+summaryColumns+` FROM segment_summaries WHERE segment_id = ?
	`, segmentID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sums, err := scanSummaryRows(rows)
	if err != nil {
		return nil, err
	}
	if len(sums) == 0 {
		return nil, nil
	}
	return &sums[0], nil
}

// GetSummariesForSegments 批量获取摘要，返回 segment_id 到摘要的映射
func (s *Store) GetSummariesForSegments(segmentIDs []int64) (map[int64]models.SegmentSummary, error) {
	result := make(map[int64]models.SegmentSummary, len(segmentIDs))
	if len(segmentIDs) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?,", len(segmentIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(segmentIDs))
	for i, id := range segmentIDs {
		args[i] = id
	}

	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT `+summaryColumns+` FROM segment_summaries WHERE segment_id IN (`+placeholders+`)
	`, args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sums, err := scanSummaryRows(rows)
	if err != nil {
		return nil, err
	}
	for _, sum := range sums {
		result[sum.SegmentID] = sum
	}
	return result, nil
}

// ListSegmentsMissingSummary 返回副本中尚无摘要的章节ID，补偿任务使用
func (s *Store) ListSegmentsMissingSummary(forkID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT seg.id FROM segments seg
		LEFT JOIN segment_summaries sum ON sum.segment_id = seg.id
		WHERE seg.fork_id = ? AND sum.id IS NULL
		ORDER BY seg.sort_order ASC
	`, forkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
