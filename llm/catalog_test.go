package llm

import "testing"

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("gpt-4o")
	if info == nil {
		t.Fatal("expected to find gpt-4o")
	}
	if info.Provider != "openai" {
		t.Errorf("expected provider openai, got %q", info.Provider)
	}
	if !info.SupportsTools {
		t.Error("expected gpt-4o to support tools")
	}
}

func TestGetModelInfoByAlias(t *testing.T) {
	info := GetModelInfo("gemini-flash")
	if info == nil {
		t.Fatal("expected alias lookup to succeed")
	}
	if info.ID != "gemini-1.5-flash" {
		t.Errorf("expected gemini-1.5-flash, got %q", info.ID)
	}
}

func TestGetModelInfoUnknown(t *testing.T) {
	if info := GetModelInfo("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %+v", info)
	}
}

func TestListModels(t *testing.T) {
	if len(ListModels("")) != len(Models) {
		t.Error("expected unfiltered list to contain every model")
	}
	for _, m := range ListModels("gemini") {
		if m.Provider != "gemini" {
			t.Errorf("expected only gemini models, got %q", m.Provider)
		}
	}
	if got := ListModels("nobody"); len(got) != 0 {
		t.Errorf("expected no models, got %d", len(got))
	}
}

func TestDefaultModel(t *testing.T) {
	tests := map[string]string{
		"openai":    "gpt-4o",
		"gemini":    "gemini-1.5-pro",
		"anthropic": "claude-3-5-sonnet-latest",
		"nobody":    "",
	}
	for provider, want := range tests {
		if got := DefaultModel(provider); got != want {
			t.Errorf("DefaultModel(%q) = %q, want %q", provider, got, want)
		}
	}
}
