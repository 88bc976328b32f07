package main

// Bedrock mock.
//
// Runtime:
//   POST /model/{modelId}/invoke
//
// Control plane:
//   GET  /foundation-models
//
// The response body of InvokeModel depends on the model family, matching
// what the real service returns for each vendor's native schema.

import (
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// mockModels is the catalog advertised by the control plane.
var mockModels = []string{
	"meta.llama3-8b-instruct-v1:0",
	"meta.llama3-70b-instruct-v1:0",
	"meta.llama3-1-8b-instruct-v1:0",
	"anthropic.claude-3-haiku-20240307-v1:0",
	"anthropic.claude-3-sonnet-20240229-v1:0",
	"anthropic.claude-v2:1",
	"amazon.titan-text-express-v1",
	"amazon.titan-embed-text-v1",
	"amazon.titan-embed-text-v2:0",
	"cohere.command-r-v1:0",
	"cohere.embed-english-v3",
	"mistral.mistral-7b-instruct-v0:2",
}

func newBedrockHandler(f *faker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /foundation-models", func(w http.ResponseWriter, r *http.Request) {
		f.stall(r)
		summaries := make([]map[string]any, 0, len(mockModels))
		for _, id := range mockModels {
			summaries = append(summaries, map[string]any{
				"modelId":                 id,
				"providerName":            providerName(id),
				"inferenceTypesSupported": []string{"ON_DEMAND"},
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"modelSummaries": summaries})
	})

	mux.HandleFunc("POST /model/{modelId}/invoke", func(w http.ResponseWriter, r *http.Request) {
		f.stall(r)

		modelID := r.PathValue("modelId")
		if !knownModel(modelID) {
			writeBedrockError(w, http.StatusNotFound,
				"ResourceNotFoundException", "The provided model identifier is invalid.")
			return
		}
		if f.fail() {
			writeBedrockError(w, http.StatusInternalServerError,
				"InternalServerException", "mock: simulated internal error")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil || !gjson.ValidBytes(body) {
			writeBedrockError(w, http.StatusBadRequest, "ValidationException", "Malformed input request")
			return
		}

		writeJSON(w, http.StatusOK, invokeOutput(f, modelID, body))
	})

	return mux
}

// invokeOutput builds the family-specific InvokeModel response.
func invokeOutput(f *faker, modelID string, body []byte) any {
	text := f.sentence()
	words := f.cfg.Words
	promptTokens := len(strings.Fields(promptOf(body)))

	switch {
	case strings.Contains(modelID, "embed"):
		if strings.HasPrefix(modelID, "cohere.") {
			return map[string]any{"embeddings": [][]float64{f.vector()}}
		}
		return map[string]any{
			"embedding":           f.vector(),
			"inputTextTokenCount": promptTokens,
		}
	case strings.HasPrefix(modelID, "meta."):
		return map[string]any{
			"generation":             text,
			"prompt_token_count":     promptTokens,
			"generation_token_count": words,
			"stop_reason":            "stop",
		}
	case strings.HasPrefix(modelID, "anthropic."):
		if gjson.GetBytes(body, "messages").Exists() {
			return map[string]any{
				"id":          "msg_mock",
				"type":        "message",
				"role":        "assistant",
				"content":     []map[string]any{{"type": "text", "text": text}},
				"stop_reason": "end_turn",
				"usage":       map[string]int{"input_tokens": promptTokens, "output_tokens": words},
			}
		}
		return map[string]any{"completion": " " + text, "stop_reason": "stop_sequence"}
	case strings.HasPrefix(modelID, "amazon.titan"):
		return map[string]any{
			"inputTextTokenCount": promptTokens,
			"results": []map[string]any{{
				"tokenCount":       words,
				"outputText":       text,
				"completionReason": "FINISH",
			}},
		}
	case strings.HasPrefix(modelID, "cohere."):
		return map[string]any{"text": text, "finish_reason": "COMPLETE"}
	case strings.HasPrefix(modelID, "mistral."):
		return map[string]any{"outputs": []map[string]any{{"text": text, "stop_reason": "stop"}}}
	}
	return map[string]any{"output": text}
}

// promptOf pulls the prompt text out of any of the native request shapes.
func promptOf(body []byte) string {
	for _, path := range []string{"prompt", "inputText", "message", "messages.0.content", "texts.0"} {
		r := gjson.GetBytes(body, path)
		if r.Type == gjson.String {
			return r.String()
		}
		if r.IsArray() {
			return r.Get("0.text").String()
		}
	}
	return ""
}

func knownModel(id string) bool {
	for _, m := range mockModels {
		if m == id {
			return true
		}
	}
	return false
}

func providerName(id string) string {
	switch {
	case strings.HasPrefix(id, "meta."):
		return "Meta"
	case strings.HasPrefix(id, "anthropic."):
		return "Anthropic"
	case strings.HasPrefix(id, "amazon."):
		return "Amazon"
	case strings.HasPrefix(id, "cohere."):
		return "Cohere"
	case strings.HasPrefix(id, "mistral."):
		return "Mistral AI"
	}
	return ""
}
