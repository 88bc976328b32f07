package payload

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/bedrock-gateway/internal/modelmap"
)

// Source tells which stage of extraction produced the content.
type Source string

const (
	SourceFamily    Source = "family"
	SourceUniversal Source = "universal"
	SourceRaw       Source = "raw"
	SourceError     Source = "error"
)

// extractor returns ok=false when its field is absent.
type extractor func(out gjson.Result) (string, bool)

var familyExtractors = map[modelmap.Family][]extractor{
	modelmap.FamilyLlama:  {field("generation"), field("completion")},
	modelmap.FamilyClaude: {field("completion"), contentTextBlocks, field("content")},
	modelmap.FamilyTitan:  {titanResults, field("outputText")},
}

var universalExtractors = []extractor{
	field("generation"),
	firstOutput,
	contentParts,
	field("text"),
}

// ExtractContent returns the completion text from an InvokeModel response.
// It never fails: an unreadable response yields a descriptive error string
// in place of the content.
func ExtractContent(output []byte, backendID string) string {
	s, _ := Extract(output, backendID)
	return s
}

// Extract is ExtractContent that also reports which stage matched.
func Extract(output []byte, backendID string) (content string, src Source) {
	defer func() {
		if r := recover(); r != nil {
			content = fmt.Sprintf("Error extracting response content: %v", r)
			src = SourceError
		}
	}()

	if !gjson.ValidBytes(output) {
		return "Error extracting response content: response is not valid JSON", SourceError
	}
	root := gjson.ParseBytes(output)

	for _, fn := range familyExtractors[modelmap.FamilyOf(backendID)] {
		if s, ok := fn(root); ok {
			return s, SourceFamily
		}
	}
	for _, fn := range universalExtractors {
		if s, ok := fn(root); ok {
			return s, SourceUniversal
		}
	}
	return scalar(root), SourceRaw
}

// ExtractEmbedding returns the vector from an embedding response, trying
// "embedding", "embeddings" and "data.0.embedding" in turn. Anything
// unreadable yields an empty vector.
func ExtractEmbedding(output []byte) []float64 {
	if !gjson.ValidBytes(output) {
		return []float64{}
	}
	root := gjson.ParseBytes(output)
	for _, p := range []string{"embedding", "embeddings", "data.0.embedding"} {
		if v := root.Get(p); v.Exists() {
			return floats(v)
		}
	}
	return []float64{}
}

// ── Extractors ───────────────────────────────────────────────────────────────

func field(path string) extractor {
	return func(out gjson.Result) (string, bool) {
		v := out.Get(path)
		if !v.Exists() {
			return "", false
		}
		return scalar(v), true
	}
}

// contentTextBlocks joins the "text" of every {"type":"text"} block in a
// content list.
func contentTextBlocks(out gjson.Result) (string, bool) {
	content := out.Get("content")
	if !content.IsArray() {
		return "", false
	}
	var sb strings.Builder
	for _, block := range content.Array() {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
	}
	return sb.String(), true
}

func titanResults(out gjson.Result) (string, bool) {
	results := out.Get("results")
	if !results.IsArray() || len(results.Array()) == 0 {
		return "", false
	}
	return results.Get("0.outputText").String(), true
}

func firstOutput(out gjson.Result) (string, bool) {
	outputs := out.Get("outputs")
	if !outputs.IsArray() || len(outputs.Array()) == 0 {
		return "", false
	}
	first := outputs.Get("0")
	if first.IsObject() {
		return first.Get("text").String(), true
	}
	return scalar(first), true
}

// contentParts joins text parts and bare strings of a content list, or
// returns a non-list content value as is.
func contentParts(out gjson.Result) (string, bool) {
	content := out.Get("content")
	if !content.Exists() {
		return "", false
	}
	if !content.IsArray() {
		return scalar(content), true
	}
	var sb strings.Builder
	for _, part := range content.Array() {
		switch {
		case part.IsObject() && part.Get("text").Exists():
			sb.WriteString(scalar(part.Get("text")))
		case part.Type == gjson.String:
			sb.WriteString(part.Str)
		}
	}
	return sb.String(), true
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// scalar renders a value as text: strings unquoted, null empty, anything
// else as its JSON.
func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Null:
		return ""
	default:
		return v.Raw
	}
}

// floats reads a numeric array. A list of vectors yields its first vector.
func floats(v gjson.Result) []float64 {
	if !v.IsArray() {
		return []float64{}
	}
	items := v.Array()
	if len(items) > 0 && items[0].IsArray() {
		items = items[0].Array()
	}
	vec := make([]float64, 0, len(items))
	for _, it := range items {
		if it.Type == gjson.Number {
			vec = append(vec, it.Num)
		}
	}
	return vec
}
