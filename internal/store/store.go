// Package store provides SQLite-backed persistence for NarrForge.
// Uses modernc.org/sqlite which provides a pure-Go database/sql driver.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed data store.
// 读写通过RWMutex串行化，SQLite单写者模型下足够
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// schema defines all tables.
const schema = `
-- 故事与静态世界观
CREATE TABLE IF NOT EXISTS stories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    story_summary TEXT,
    opening_markdown TEXT,
    readme_markdown TEXT,
    style_params TEXT,
    intent_keywords TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS story_characters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    sort_order INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_story_characters_story ON story_characters(story_id, sort_order);

CREATE TABLE IF NOT EXISTS story_terms (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    definition TEXT,
    term_type TEXT NOT NULL DEFAULT 'other',
    sort_order INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_story_terms_story ON story_terms(story_id);

-- 分支点与选项，读者按sort_order顺序消费分支点
CREATE TABLE IF NOT EXISTS branch_points (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id INTEGER NOT NULL,
    title TEXT,
    sort_order INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_branch_points_story ON branch_points(story_id, sort_order);

CREATE TABLE IF NOT EXISTS story_options (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    branch_point_id INTEGER NOT NULL,
    label TEXT NOT NULL,
    influence_notes TEXT,
    selection_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_story_options_branch ON story_options(branch_point_id);

-- 读者分支与章节
CREATE TABLE IF NOT EXISTS forks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    public_id TEXT NOT NULL UNIQUE,
    story_id INTEGER NOT NULL,
    reader TEXT,
    last_read_segment_id INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_forks_story ON forks(story_id);

CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fork_id INTEGER NOT NULL,
    parent_id INTEGER,
    branch_point_id INTEGER,
    option_id INTEGER,
    content TEXT NOT NULL,
    sort_order INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_fork ON segments(fork_id, sort_order);

-- 章节摘要，一章一条
CREATE TABLE IF NOT EXISTS segment_summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    segment_id INTEGER NOT NULL UNIQUE,
    ultra_short_summary TEXT,
    short_summary TEXT,
    medium_summary TEXT,
    key_events TEXT,
    characters_involved TEXT,
    locations_involved TEXT,
    items_involved TEXT,
    emotional_tone TEXT,
    chapter_function TEXT,
    token_estimate INTEGER NOT NULL DEFAULT 0,
    summary_token_estimate INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

-- 实体索引
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id INTEGER NOT NULL,
    entity_type TEXT NOT NULL,
    entity_name TEXT NOT NULL,
    entity_alias TEXT,
    description TEXT,
    first_appearance_segment_id INTEGER,
    last_appearance_segment_id INTEGER,
    appearance_count INTEGER NOT NULL DEFAULT 1,
    current_status TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(story_id, entity_type, entity_name)
);

CREATE INDEX IF NOT EXISTS idx_entities_story ON entities(story_id);

CREATE TABLE IF NOT EXISTS entity_appearances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id INTEGER NOT NULL,
    segment_id INTEGER NOT NULL,
    appearance_type TEXT,
    context_snippet TEXT,
    emotional_state TEXT,
    significance_score INTEGER NOT NULL DEFAULT 5,
    key_moment INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    UNIQUE(entity_id, segment_id)
);

CREATE INDEX IF NOT EXISTS idx_entity_appearances_segment ON entity_appearances(segment_id);

CREATE TABLE IF NOT EXISTS entity_relationships (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_entity_id INTEGER NOT NULL,
    target_entity_id INTEGER NOT NULL,
    relationship_type TEXT NOT NULL,
    description TEXT,
    strength_score INTEGER NOT NULL DEFAULT 1,
    is_active INTEGER NOT NULL DEFAULT 1,
    first_established_segment_id INTEGER,
    last_updated_segment_id INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(source_entity_id, target_entity_id)
);

CREATE INDEX IF NOT EXISTS idx_entity_relationships_source ON entity_relationships(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_entity_relationships_target ON entity_relationships(target_entity_id);

-- 时间线
CREATE TABLE IF NOT EXISTS timelines (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    is_main_timeline INTEGER NOT NULL DEFAULT 0,
    divergence_segment_id INTEGER,
    branch_point TEXT,
    probability INTEGER NOT NULL DEFAULT 100,
    stability_score INTEGER NOT NULL DEFAULT 10,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_timelines_story ON timelines(story_id);

CREATE TABLE IF NOT EXISTS timeline_mappings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timeline_id INTEGER NOT NULL,
    segment_id INTEGER NOT NULL,
    timeline_order INTEGER NOT NULL,
    is_divergence_point INTEGER NOT NULL DEFAULT 0,
    divergence_description TEXT,
    probability_at_point INTEGER NOT NULL DEFAULT 100,
    created_at INTEGER NOT NULL,
    UNIQUE(timeline_id, segment_id)
);

CREATE INDEX IF NOT EXISTS idx_timeline_mappings_timeline ON timeline_mappings(timeline_id, timeline_order);
`

// Open opens (or creates) the database at the given path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 单连接避免并发写冲突
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置pragma失败: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建表结构失败: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableID 把零值外键写成NULL
func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
