// internal/config/intent_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIntentConfig(t *testing.T) {
	cfg := DefaultIntentConfig()

	assert.Equal(t, 3, cfg.Thresholds.ComplexScore)
	assert.Equal(t, 2, cfg.Thresholds.SimpleScore)
	assert.InDelta(t, 0.8, cfg.Thresholds.HighConfidence, 1e-9)

	assert.Equal(t, 8000, cfg.Budget.Total)
	assert.Equal(t, 2000, cfg.Budget.OutputReserve)
	assert.InDelta(t, 1.0, cfg.Budget.Worldbuilding+cfg.Budget.History+cfg.Budget.Choice, 1e-9)

	assert.Equal(t, 3, cfg.RecentWindow)
	assert.Equal(t, 20, cfg.MaxPrecompressedSegments)

	found := false
	for _, kc := range cfg.Keywords["simple"] {
		if kc.Keyword == "敌人" {
			found = true
		}
	}
	assert.True(t, found, "simple关键词缺少\"敌人\"")
}

func TestNewIntentConfigStore_MissingFileUsesDefaults(t *testing.T) {
	store, err := NewIntentConfigStore(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)

	cfg := store.Get()
	assert.Equal(t, 8000, cfg.Budget.Total)
	assert.NotEmpty(t, cfg.Keywords["complex"])
}

func TestNewIntentConfigStore_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent.yaml")
	content := `
thresholds:
  complex_score: 5
budget:
  total: 4000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var reloaded *IntentConfig
	store, err := NewIntentConfigStore(path, func(cfg *IntentConfig) {
		reloaded = cfg
	})
	require.NoError(t, err)

	cfg := store.Get()
	assert.Equal(t, 5, cfg.Thresholds.ComplexScore)
	assert.Equal(t, 4000, cfg.Budget.Total)
	// 未覆盖的字段保留默认值
	assert.Equal(t, 2000, cfg.Budget.OutputReserve)
	assert.NotNil(t, reloaded)
}
