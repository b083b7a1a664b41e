// internal/services/export_service_test.go
package services

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/narrforge/narrforge/internal/errors"
	"github.com/narrforge/narrforge/internal/models"
	"github.com/narrforge/narrforge/internal/store"
)

func newTestExportService(t *testing.T) (*ExportService, *store.Store) {
	t.Helper()
	t.Setenv("DATA_DIR", t.TempDir())

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewExportService(st), st
}

func seedExportFixture(t *testing.T, st *store.Store) *models.Fork {
	t.Helper()
	story := &models.Story{Title: "雾都孤影", StorySummary: "侦探调查钟楼停摆案"}
	require.NoError(t, st.CreateStory(story))

	fork := &models.Fork{PublicID: "export-test-001", StoryID: story.ID, Reader: "测试读者"}
	require.NoError(t, st.CreateFork(fork))

	for _, content := range []string{"雾在凌晨三点漫过河岸。", "沈默敲响了钟楼的门。"} {
		require.NoError(t, st.CreateSegment(&models.Segment{ForkID: fork.ID, Content: content}))
	}
	return fork
}

func TestExportFork_Markdown(t *testing.T) {
	es, st := newTestExportService(t)
	fork := seedExportFixture(t, st)

	res, err := es.ExportFork(fork.PublicID, "markdown")
	require.NoError(t, err)
	assert.Equal(t, "markdown", res.Format)
	assert.Equal(t, 2, res.Segments)
	assert.Contains(t, res.Content, "# 雾都孤影")
	assert.Contains(t, res.Content, "> 侦探调查钟楼停摆案")
	assert.Contains(t, res.Content, "## 第1章")
	assert.Contains(t, res.Content, "## 第2章")

	// 导出内容同步落盘
	require.NotEmpty(t, res.FilePath)
	data, err := os.ReadFile(res.FilePath)
	require.NoError(t, err)
	assert.Equal(t, res.Content, string(data))
}

func TestExportFork_DefaultFormatIsMarkdown(t *testing.T) {
	es, st := newTestExportService(t)
	fork := seedExportFixture(t, st)

	res, err := es.ExportFork(fork.PublicID, "")
	require.NoError(t, err)
	assert.Equal(t, "markdown", res.Format)
}

func TestExportFork_JSON(t *testing.T) {
	es, st := newTestExportService(t)
	fork := seedExportFixture(t, st)

	res, err := es.ExportFork(fork.PublicID, "json")
	require.NoError(t, err)
	assert.Equal(t, "json", res.Format)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.Content), &payload))
	assert.Contains(t, payload, "story")
	assert.Contains(t, payload, "segments")
}

func TestExportFork_UnsupportedFormat(t *testing.T) {
	es, st := newTestExportService(t)
	fork := seedExportFixture(t, st)

	_, err := es.ExportFork(fork.PublicID, "pdf")
	assert.True(t, apperrors.IsValidationError(err))
}

func TestExportFork_ForkMissing(t *testing.T) {
	es, _ := newTestExportService(t)

	_, err := es.ExportFork("no-such-fork", "markdown")
	assert.True(t, apperrors.IsNotFoundError(err))
}
