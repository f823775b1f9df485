package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/jordanhubbard/councilhub/internal/store"
	"github.com/jordanhubbard/councilhub/internal/vault"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestManager(t *testing.T, v *vault.Vault) (*SettingsManager, *store.SQLiteStore) {
	t.Helper()
	st := newTestStore(t)
	if v == nil {
		var err error
		v, err = vault.New("", nil)
		if err != nil {
			t.Fatalf("vault.New: %v", err)
		}
	}
	m := NewSettingsManager(st, v, newTestConfig().Defaults, slog.Default())
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, st
}

func TestSettingsManagerLoadMergesOverrides(t *testing.T) {
	m, st := newTestManager(t, nil)

	err := st.SaveSettings(context.Background(), map[string]string{
		"chairman_model": `"deepseek/deepseek-r1"`,
	})
	if err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := m.Current()
	if got.ChairmanModel != "deepseek/deepseek-r1" {
		t.Errorf("ChairmanModel = %q, want the stored override", got.ChairmanModel)
	}
	// Untouched fields keep the defaults.
	if got.LLMProvider != "openrouter" {
		t.Errorf("LLMProvider = %q, want the default", got.LLMProvider)
	}
}

func TestSettingsManagerApplyIgnoresUnknownNames(t *testing.T) {
	m, st := newTestManager(t, nil)

	before := m.Current()
	after, err := m.Apply(context.Background(), map[string]json.RawMessage{
		"no_such_setting": json.RawMessage(`"x"`),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if after.ChairmanModel != before.ChairmanModel {
		t.Error("Apply with only unknown names changed the snapshot")
	}

	stored, err := st.LoadSettings(context.Background())
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if _, ok := stored["no_such_setting"]; ok {
		t.Error("unknown setting name was persisted")
	}
}

func TestSettingsManagerSealsAPIKeys(t *testing.T) {
	salt, err := vault.NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	v, err := vault.New("test-master-key", salt)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	m, st := newTestManager(t, v)

	_, err = m.Apply(context.Background(), map[string]json.RawMessage{
		"openai_api_key": json.RawMessage(`"sk-live-secret"`),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	stored, err := st.LoadSettings(context.Background())
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	raw, ok := stored["openai_api_key"]
	if !ok {
		t.Fatal("openai_api_key was not persisted")
	}
	if !vault.IsSealed(raw) {
		t.Errorf("stored key %q is not sealed", raw)
	}

	// The resolved snapshot carries the plaintext.
	if got := m.Current().OpenAIAPIKey; got != "sk-live-secret" {
		t.Errorf("Current().OpenAIAPIKey = %q, want the plaintext", got)
	}
}

func TestSettingsManagerKeepsDefaultOnBadStoredValue(t *testing.T) {
	m, st := newTestManager(t, nil)

	err := st.SaveSettings(context.Background(), map[string]string{
		"chairman_model": `not json at all`,
	})
	if err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Current().ChairmanModel; got != "google/gemini-2.5-pro" {
		t.Errorf("ChairmanModel = %q, want the default after a bad override", got)
	}
}

func TestEffectiveCouncilModeVariants(t *testing.T) {
	s := Settings{
		LLMProvider:   "openrouter",
		CouncilModels: []string{"a/one", "b/two"},
		ChairmanModel: "b/two",

		OllamaCouncilModels: []string{"ollama:llama3.1"},
		OllamaChairmanModel: "ollama:llama3.1",
	}

	models, chairman := s.EffectiveCouncil()
	if len(models) != 2 || chairman != "b/two" {
		t.Errorf("openrouter mode resolved %v/%q, want primary list", models, chairman)
	}

	s.LLMProvider = "ollama"
	models, chairman = s.EffectiveCouncil()
	if len(models) != 1 || models[0] != "ollama:llama3.1" || chairman != "ollama:llama3.1" {
		t.Errorf("ollama mode resolved %v/%q, want the ollama variant", models, chairman)
	}

	// Empty variant lists fall back to the primary ones.
	s.LLMProvider = "direct"
	models, chairman = s.EffectiveCouncil()
	if len(models) != 2 || chairman != "b/two" {
		t.Errorf("direct mode with no variant resolved %v/%q, want primary list", models, chairman)
	}
}
