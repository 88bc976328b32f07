package modelmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// builtinAliases maps normalized tokens to backend identifiers for the
// commonly requested Llama 3, Claude 3 and Titan names.
var builtinAliases = map[string]string{
	// Llama 3
	"llamametallama38binstruct":  "meta.llama3-8b-instruct-v1:0",
	"llamallama38binstruct":      "meta.llama3-8b-instruct-v1:0",
	"llama38binstruct":           "meta.llama3-8b-instruct-v1:0",
	"llamametallama370binstruct": "meta.llama3-70b-instruct-v1:0",
	"llamallama370binstruct":     "meta.llama3-70b-instruct-v1:0",
	"llama370binstruct":          "meta.llama3-70b-instruct-v1:0",

	// Claude 3
	"claudeanthropicclaudesonetv2": "anthropic.claude-3-sonnet-20240229-v1:0",
	"claudeclaudesonetv2":          "anthropic.claude-3-sonnet-20240229-v1:0",
	"claudesonetv2":                "anthropic.claude-3-sonnet-20240229-v1:0",
	"claudesonet":                  "anthropic.claude-3-sonnet-20240229-v1:0",
	"claudeanthropicclaudehaiku":   "anthropic.claude-3-haiku-20240307-v1:0",
	"claudeclaudehaiku":            "anthropic.claude-3-haiku-20240307-v1:0",
	"claudehaiku":                  "anthropic.claude-3-haiku-20240307-v1:0",
	"claudeanthropicclaude3opus":   "anthropic.claude-3-opus-20240229-v1:0",
	"claudeclaude3opus":            "anthropic.claude-3-opus-20240229-v1:0",
	"claudeopus":                   "anthropic.claude-3-opus-20240229-v1:0",
	"claude3sonnet":                "anthropic.claude-3-sonnet-20240229-v1:0",
	"claude3haiku":                 "anthropic.claude-3-haiku-20240307-v1:0",
	"claude3opus":                  "anthropic.claude-3-opus-20240229-v1:0",

	// Titan text
	"titantextlite":    "amazon.titan-text-lite-v1",
	"titantextexpress": "amazon.titan-text-express-v1",
}

// BuiltinAliases returns a copy of the compiled-in alias table.
func BuiltinAliases() map[string]string {
	return maps.Clone(builtinAliases)
}

// AliasTable is the exact-match lookup used before fuzzy scoring. It holds
// the built-in entries merged with optional overrides; the merged map is
// swapped as a whole on reload.
type AliasTable struct {
	entries  atomic.Pointer[map[string]string]
	onReload func(err error)
}

// NewAliasTable builds a table from the built-in entries plus overrides.
// Override keys are client ids in any spelling; they are normalized here.
func NewAliasTable(overrides map[string]string) *AliasTable {
	t := &AliasTable{}
	t.Replace(overrides)
	return t
}

// Lookup returns the backend identifier for a normalized token.
func (t *AliasTable) Lookup(token string) (string, bool) {
	m := t.entries.Load()
	if m == nil {
		return "", false
	}
	id, ok := (*m)[token]
	return id, ok
}

// Len returns the number of entries, built-ins included.
func (t *AliasTable) Len() int {
	m := t.entries.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Replace rebuilds the table from the built-ins and the given overrides.
func (t *AliasTable) Replace(overrides map[string]string) {
	merged := maps.Clone(builtinAliases)
	for k, v := range overrides {
		if k == "" || v == "" {
			continue
		}
		merged[Normalize(k)] = v
	}
	t.entries.Store(&merged)
}

// OnReload registers fn to be told about every reload attempt made by
// Watch; err is nil on success. Call it before Watch.
func (t *AliasTable) OnReload(fn func(err error)) { t.onReload = fn }

// aliasFile is the on-disk layout of an alias override file:
//
//	aliases:
//	  mistral-7b-instruct: mistral.mistral-7b-instruct-v0:2
type aliasFile struct {
	Aliases map[string]string `yaml:"aliases"`
}

// LoadAliasFile reads override entries from a YAML file.
func LoadAliasFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelmap: read aliases: %w", err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("modelmap: parse aliases %s: %w", path, err)
	}
	return f.Aliases, nil
}

// Watch reloads the table whenever path changes and blocks until ctx is
// done. A file that fails to parse leaves the previous entries in place.
func (t *AliasTable) Watch(ctx context.Context, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("modelmap: watcher: %w", err)
	}
	defer w.Close()

	// Editors replace files by rename, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("modelmap: watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			overrides, err := LoadAliasFile(path)
			if t.onReload != nil {
				t.onReload(err)
			}
			if err != nil {
				log.Warn("alias reload failed", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			t.Replace(overrides)
			log.Info("aliases reloaded", slog.String("path", path), slog.Int("entries", t.Len()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				continue
			}
			log.Warn("alias watcher error", slog.String("error", err.Error()))
		}
	}
}
