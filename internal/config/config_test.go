package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "storyloom", cfg.Name)
	assert.Equal(t, 5, cfg.Story.MaxRolesPerWorld)
	assert.Equal(t, 20, cfg.Story.ChapterTurnCap)
	assert.Equal(t, 10, cfg.Story.TurnWindow)
	assert.Equal(t, 0.8, cfg.Story.ConfidenceThreshold)
	assert.Equal(t, 3, cfg.Memory.TopK)
	assert.True(t, cfg.Safety.CheckOutput)
	assert.NotEmpty(t, cfg.LLM.Providers)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Story.ChapterTurnCap, cfg.Story.ChapterTurnCap)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
story:
  max_roles_per_world: 8
  chapter_turn_cap: 12
memory:
  top_k: 5
logging:
  debug_mode: true
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Story.MaxRolesPerWorld)
	assert.Equal(t, 12, cfg.Story.ChapterTurnCap)
	assert.Equal(t, 5, cfg.Memory.TopK)
	assert.True(t, cfg.Logging.DebugMode)
	// Untouched sections keep defaults
	assert.Equal(t, 10, cfg.Story.TurnWindow)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".loom", "config.yaml")

	cfg := DefaultConfig()
	cfg.Story.ChapterTurnCap = 15
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, loaded.Story.ChapterTurnCap)
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "sk-test-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	var found bool
	for _, p := range cfg.LLM.Providers {
		if p.Name == "deepseek" {
			found = true
			assert.Equal(t, "sk-test-env", p.APIKey)
		}
	}
	assert.True(t, found)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	for i := range cfg.LLM.Providers {
		cfg.LLM.Providers[i].APIKey = "sk-x"
	}
	require.NoError(t, cfg.Validate())

	cfg.LLM.Providers[0].Name = "bogus"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	for i := range cfg.LLM.Providers {
		cfg.LLM.Providers[i].APIKey = "sk-x"
	}
	cfg.Story.ConfidenceThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing API keys must fail validation")
}

func TestGetCallTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "30s", cfg.LLM.CallTimeout)
	assert.Equal(t, float64(30), cfg.GetCallTimeout().Seconds())

	cfg.LLM.CallTimeout = "garbage"
	assert.Equal(t, float64(30), cfg.GetCallTimeout().Seconds())
}
