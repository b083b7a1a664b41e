// internal/services/export_service.go
package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
	"github.com/narrforge/narrforge/internal/utils"
)

// ExportResult 是一次导出的产出
type ExportResult struct {
	Title     string    `json:"title"`
	Format    string    `json:"format"`
	Content   string    `json:"content"`
	FilePath  string    `json:"file_path,omitempty"`
	Segments  int       `json:"segments"`
	CreatedAt time.Time `json:"created_at"`
}

// ExportService 把阅读分支导出为可下载的文档
type ExportService struct {
	store  *store.Store
	logger *utils.Logger
}

func NewExportService(st *store.Store) *ExportService {
	return &ExportService{
		store:  st,
		logger: utils.GetLogger(),
	}
}

// ExportFork 导出分支的全部章节，format支持markdown和json
func (s *ExportService) ExportFork(publicID, format string) (*ExportResult, error) {
	fork, err := s.store.GetForkByPublicID(publicID)
	if err != nil {
		return nil, fmt.Errorf("读取分支失败: %w", err)
	}
	if fork == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("分支 %s 不存在", publicID), nil)
	}

	story, err := s.store.GetStory(fork.StoryID)
	if err != nil {
		return nil, fmt.Errorf("读取故事失败: %w", err)
	}
	segments, err := s.store.GetSegments(fork.ID)
	if err != nil {
		return nil, fmt.Errorf("读取章节失败: %w", err)
	}

	result := &ExportResult{
		Title:     story.Title,
		Segments:  len(segments),
		CreatedAt: time.Now(),
	}

	switch strings.ToLower(format) {
	case "json":
		result.Format = "json"
		result.Content, err = s.formatAsJSON(story, fork, segments)
	case "", "markdown", "md":
		result.Format = "markdown"
		result.Content = s.formatAsMarkdown(story, fork, segments)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("不支持的导出格式: %s", format), nil)
	}
	if err != nil {
		return nil, err
	}

	path, err := s.saveExportToDataDir(publicID, result)
	if err != nil {
		// 落盘失败不影响内容返回
		s.logger.Warn("导出文件保存失败", map[string]interface{}{
			"fork":  publicID,
			"error": err.Error(),
		})
	} else {
		result.FilePath = path
	}
	return result, nil
}

func (s *ExportService) formatAsMarkdown(story *models.Story, fork *models.Fork, segments []models.Segment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", story.Title)
	if story.StorySummary != "" {
		fmt.Fprintf(&sb, "> %s\n\n", story.StorySummary)
	}
	if fork.Reader != "" {
		fmt.Fprintf(&sb, "读者：%s\n\n", fork.Reader)
	}
	fmt.Fprintf(&sb, "导出时间：%s\n\n---\n\n", time.Now().Format("2006-01-02 15:04"))

	for _, seg := range segments {
		fmt.Fprintf(&sb, "## 第%d章\n\n%s\n\n", seg.SortOrder, seg.Content)
	}
	return sb.String()
}

func (s *ExportService) formatAsJSON(story *models.Story, fork *models.Fork, segments []models.Segment) (string, error) {
	payload := map[string]interface{}{
		"story": map[string]interface{}{
			"id":      story.ID,
			"title":   story.Title,
			"summary": story.StorySummary,
		},
		"fork": map[string]interface{}{
			"public_id": fork.PublicID,
			"reader":    fork.Reader,
		},
		"segments":    segments,
		"exported_at": time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("导出序列化失败: %w", err)
	}
	return string(data), nil
}

// saveExportToDataDir 把导出内容写到数据目录下的exports子目录
func (s *ExportService) saveExportToDataDir(publicID string, result *ExportResult) (string, error) {
	cfg := config.GetCurrentConfig()
	dir := filepath.Join(cfg.DataDir, "exports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	ext := "md"
	if result.Format == "json" {
		ext = "json"
	}
	filename := fmt.Sprintf("%s_%s.%s", publicID, time.Now().Format("20060102_150405"), ext)
	path := filepath.Join(dir, filename)

	if err := os.WriteFile(path, []byte(result.Content), 0644); err != nil {
		return "", err
	}
	return path, nil
}
