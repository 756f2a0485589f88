package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "toolhub" {
		t.Errorf("expected Name=toolhub, got %s", cfg.Name)
	}
	if cfg.Plan.StepLimit != 5 {
		t.Errorf("expected StepLimit=5, got %d", cfg.Plan.StepLimit)
	}
	if cfg.Plan.TotalIterationLimit != 20 {
		t.Errorf("expected TotalIterationLimit=20, got %d", cfg.Plan.TotalIterationLimit)
	}
	if cfg.GetCallTimeout() != 30*time.Second {
		t.Errorf("expected 30s call timeout, got %v", cfg.GetCallTimeout())
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	// Ensure no env vars interfere
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("TOOLHUB_PROVIDER", "")
	t.Setenv("TOOLHUB_BASE_URL", "")
	t.Setenv("TOOLHUB_MODEL", "")
	t.Setenv("TOOLHUB_DB", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Inference.Provider = "anthropic"
	cfg.Inference.APIKey = "sk-test"
	cfg.Servers = map[string]ServerConfig{
		"search": {
			Enabled:     true,
			Command:     "search-server",
			Args:        []string{"--stdio"},
			ReadyMarker: "search index ready",
			InitTimeout: "45s",
		},
		"docs": {
			Enabled: false,
			Command: "docs-server",
		},
	}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Inference.Provider != "anthropic" {
		t.Errorf("expected Provider=anthropic, got %s", loaded.Inference.Provider)
	}
	if loaded.Inference.APIKey != "sk-test" {
		t.Errorf("expected APIKey=sk-test, got %s", loaded.Inference.APIKey)
	}
	search, ok := loaded.Servers["search"]
	if !ok {
		t.Fatal("search server missing after reload")
	}
	if search.ReadyMarker != "search index ready" {
		t.Errorf("expected ready marker to round-trip, got %q", search.ReadyMarker)
	}
	if search.GetInitTimeout() != 45*time.Second {
		t.Errorf("expected 45s init timeout, got %v", search.GetInitTimeout())
	}
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("TOOLHUB_PROVIDER", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file should not error: %v", err)
	}
	if cfg.Plan.StepIterationLimit != 5 {
		t.Errorf("expected default StepIterationLimit=5, got %d", cfg.Plan.StepIterationLimit)
	}
}

func TestConfig_EnabledServers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers = map[string]ServerConfig{
		"zeta":  {Enabled: true, Command: "zeta"},
		"alpha": {Enabled: true, Command: "alpha"},
		"off":   {Enabled: false, Command: "off"},
	}

	names := cfg.EnabledServers()
	if len(names) != 2 {
		t.Fatalf("expected 2 enabled servers, got %v", names)
	}
	// Stable alphabetical order
	if names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("expected [alpha zeta], got %v", names)
	}
}

func TestConfig_BadDurationFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallTimeout = "soon"
	if cfg.GetCallTimeout() != 30*time.Second {
		t.Errorf("expected fallback 30s, got %v", cfg.GetCallTimeout())
	}

	sc := ServerConfig{InitTimeout: ""}
	if sc.GetInitTimeout() != 60*time.Second {
		t.Errorf("expected fallback 60s, got %v", sc.GetInitTimeout())
	}
}
