package modelmap

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	models []string
	calls  int
}

func (f *fakeCatalog) Models(context.Context, bool) []string {
	f.calls++
	return f.models
}

var testCatalog = []string{
	"meta.llama3-8b-instruct-v1:0",
	"meta.llama3-70b-instruct-v1:0",
	"anthropic.claude-3-haiku-20240307-v1:0",
	"amazon.titan-text-express-v1",
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"meta-llama/Meta-Llama-3-8B-Instruct", "llamametallama38binstruct"},
		{"meta.llama3-8b-instruct-v1:0", "llama38binstruct"},
		{"anthropic.claude-3-haiku-20240307-v1:0", "claude3haiku20240307"},
		{"amazon.titan-text-express-v1", "titantextexpress"},
		{"Claude_Haiku", "claudehaiku"},
		{"gpt-4 v2", "gpt4"},
		{"", ""},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestNormalize_VendorAndBareFormsAgree(t *testing.T) {
	hf := Normalize("meta-llama/Meta-Llama-3-8B-Instruct")
	br := Normalize("meta.llama3-8b-instruct-v1:0")
	assert.Contains(t, hf, "llama38binstruct")
	assert.Equal(t, "llama38binstruct", br)

	id1, ok1 := NewAliasTable(nil).Lookup(hf)
	id2, ok2 := NewAliasTable(nil).Lookup(br)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, id1, id2)
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, FamilyLlama, FamilyOf("meta.llama3-8b-instruct-v1:0"))
	assert.Equal(t, FamilyClaude, FamilyOf("anthropic.claude-v2"))
	assert.Equal(t, FamilyTitan, FamilyOf("amazon.titan-embed-text-v1"))
	assert.Equal(t, FamilyUnknown, FamilyOf("cohere.command-text-v14"))
	assert.Equal(t, "unknown", FamilyUnknown.String())
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 1.0, Ratio("abc", "abc"))
	assert.Equal(t, 1.0, Ratio("", ""))
	assert.Equal(t, 0.0, Ratio("abc", ""))
	assert.InDelta(t, 0.75, Ratio("abcd", "bcde"), 1e-9)
}

func TestScore_FamilyBoostNeverLowers(t *testing.T) {
	inputs := []string{"llama3", "llama38binstruct", "claudehaiku", "titantextlite", "llama", ""}
	for _, a := range inputs {
		for _, b := range inputs {
			base := Ratio(a, b)
			got := Score(a, b)
			assert.GreaterOrEqual(t, got, base, "%q vs %q", a, b)
			if sharedFamily(a, b) {
				assert.InDelta(t, base*FamilyBoost, got, 1e-9)
			} else {
				assert.Equal(t, base, got)
			}
		}
	}
}

func TestResolve_EmbeddingShortcutSkipsCatalog(t *testing.T) {
	cat := &fakeCatalog{models: testCatalog}
	r := NewResolver(cat)

	for _, id := range []string{"text-embedding-3-small", "Amazon.Titan-EMBED-text", "intfloat/e5-mistral-7b-embedding"} {
		res, ok := r.Resolve(context.Background(), id)
		require.True(t, ok, id)
		assert.Equal(t, DefaultEmbeddingModel, res.BackendID)
		assert.Equal(t, StrategyEmbedding, res.Strategy)
	}
	assert.Zero(t, cat.calls)
}

func TestResolve_EmptyCatalog(t *testing.T) {
	r := NewResolver(&fakeCatalog{})

	tests := []struct {
		in, fallback string
	}{
		{"meta-llama/Meta-Llama-3-8B-Instruct", DefaultLlamaModel},
		{"anthropic/claude-3-sonnet", DefaultClaudeModel},
		{"mistralai/Mistral-7B-Instruct-v0.2", DefaultLlamaModel},
		{"", DefaultLlamaModel},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			_, ok := r.Resolve(context.Background(), tc.in)
			assert.False(t, ok)

			res := r.ResolveOrFallback(context.Background(), tc.in)
			assert.Equal(t, tc.fallback, res.BackendID)
			assert.Equal(t, StrategyFallback, res.Strategy)
		})
	}
}

func TestResolve_Alias(t *testing.T) {
	r := NewResolver(&fakeCatalog{models: testCatalog})

	tests := []struct {
		in, want string
	}{
		{"meta-llama/Meta-Llama-3-8B-Instruct", "meta.llama3-8b-instruct-v1:0"},
		{"meta-llama/Meta-Llama-3-70B-Instruct", "meta.llama3-70b-instruct-v1:0"},
		{"claude-haiku", "anthropic.claude-3-haiku-20240307-v1:0"},
		{"anthropic/claude-3-haiku", "anthropic.claude-3-haiku-20240307-v1:0"},
		{"titan-text-lite", "amazon.titan-text-lite-v1"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			res, ok := r.Resolve(context.Background(), tc.in)
			require.True(t, ok)
			assert.Equal(t, StrategyAlias, res.Strategy)
			assert.Equal(t, tc.want, res.BackendID)
		})
	}
}

func TestResolve_Fuzzy(t *testing.T) {
	r := NewResolver(&fakeCatalog{models: testCatalog})

	res, ok := r.Resolve(context.Background(), "meta-llama/Llama-2-70b-chat-hf")
	require.True(t, ok)
	assert.Equal(t, StrategyFuzzy, res.Strategy)
	assert.Equal(t, "meta.llama3-70b-instruct-v1:0", res.BackendID)
	assert.Greater(t, res.Score, DefaultThreshold)
}

func TestResolve_BelowThreshold(t *testing.T) {
	r := NewResolver(&fakeCatalog{models: []string{"amazon.titan-text-express-v1"}})

	_, ok := r.Resolve(context.Background(), "gpt-4o")
	assert.False(t, ok)

	res := r.ResolveOrFallback(context.Background(), "gpt-4o")
	assert.Equal(t, DefaultLlamaModel, res.BackendID)
}

func TestResolve_ThresholdOption(t *testing.T) {
	r := NewResolver(&fakeCatalog{models: testCatalog}, WithThreshold(5))

	_, ok := r.Resolve(context.Background(), "meta-llama/Llama-2-70b-chat-hf")
	assert.False(t, ok)
}

func TestFamilyFallback(t *testing.T) {
	assert.Equal(t, DefaultLlamaModel, FamilyFallback("some-llama-model"))
	assert.Equal(t, DefaultClaudeModel, FamilyFallback("Claude-Instant"))
	assert.Equal(t, DefaultLlamaModel, FamilyFallback("gpt-4o"))
}

func TestAliasTable_Overrides(t *testing.T) {
	tbl := NewAliasTable(map[string]string{
		"mistral-7b-instruct": "mistral.mistral-7b-instruct-v0:2",
		"":                    "ignored",
	})

	id, ok := tbl.Lookup(Normalize("Mistral_7B-Instruct"))
	require.True(t, ok)
	assert.Equal(t, "mistral.mistral-7b-instruct-v0:2", id)
	assert.Equal(t, len(BuiltinAliases())+1, tbl.Len())

	tbl.Replace(nil)
	_, ok = tbl.Lookup("mistral7binstruct")
	assert.False(t, ok)
}

func TestLoadAliasFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases:\n  llama-guard: meta.llama-guard-v1:0\n"), 0o600))

	got, err := LoadAliasFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"llama-guard": "meta.llama-guard-v1:0"}, got)

	require.NoError(t, os.WriteFile(path, []byte("aliases: [unterminated"), 0o600))
	_, err = LoadAliasFile(path)
	assert.Error(t, err)

	_, err = LoadAliasFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAliasTable_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases: {}\n"), 0o600))

	tbl := NewAliasTable(nil)
	var reloads atomic.Int32
	tbl.OnReload(func(err error) {
		if err == nil {
			reloads.Add(1)
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tbl.Watch(ctx, path, nil) }()

	content := []byte("aliases:\n  my-llama: meta.llama3-70b-instruct-v1:0\n")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, content, 0o600)
		id, ok := tbl.Lookup(Normalize("my-llama"))
		return ok && id == "meta.llama3-70b-instruct-v1:0"
	}, 5*time.Second, 50*time.Millisecond)

	assert.Positive(t, reloads.Load())

	cancel()
	require.NoError(t, <-done)
}
