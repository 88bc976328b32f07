// Package payload converts between client request bodies, Bedrock
// InvokeModel bodies and the gateway's normalized responses.
//
// All inspection is done with gjson on the raw bytes; nothing here
// unmarshals into fixed structs because clients and models disagree about
// field layout.
package payload

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Client-visible validation errors. The messages are part of the API.
var (
	ErrMissingPrompt = errors.New("Missing prompt in request") //nolint:staticcheck // exact API message
	ErrMissingInput  = errors.New("Missing input in request")  //nolint:staticcheck // exact API message
)

// Shape identifies which request layout a body arrived in.
type Shape string

const (
	ShapeMessages Shape = "messages"
	ShapeBinding  Shape = "binding"
	ShapeDirect   Shape = "direct"
)

// ChatRequest is the prompt and model id pulled out of a chat body.
type ChatRequest struct {
	Prompt string
	Model  string
	Shape  Shape
}

// EmbedRequest is the input text and model id pulled out of an embed body.
type EmbedRequest struct {
	Input string
	Model string
	Shape Shape
}

// A chat matcher reports ok when the body has its shape, even if the
// prompt it finds is empty.
type chatMatcher func(root gjson.Result) (ChatRequest, bool)

type embedMatcher func(root gjson.Result) (EmbedRequest, bool)

var chatShapes = []chatMatcher{
	matchMessagesChat,
	matchBindingChat,
	matchDirectChat,
}

var embedShapes = []embedMatcher{
	matchBindingEmbed,
	matchDirectEmbed,
}

// DetectChat extracts the prompt and model id from a chat body. The first
// matching shape wins:
//
//	{"messages":[{"content":...}], "model":...}
//	{"operation":..., "data":{"messages":[{"content":...}], "model":...}}
//	{"prompt":..., "model_id":...}
//
// A missing model falls back to defaultModel. No match or an empty prompt
// returns ErrMissingPrompt.
func DetectChat(body []byte, defaultModel string) (ChatRequest, error) {
	if !gjson.ValidBytes(body) {
		return ChatRequest{}, ErrMissingPrompt
	}
	root := gjson.ParseBytes(body)
	for _, match := range chatShapes {
		req, ok := match(root)
		if !ok {
			continue
		}
		if req.Prompt == "" {
			return ChatRequest{}, ErrMissingPrompt
		}
		if req.Model == "" {
			req.Model = defaultModel
		}
		return req, nil
	}
	return ChatRequest{}, ErrMissingPrompt
}

// DetectEmbed extracts the input text and model id from an embed body:
//
//	{"operation":..., "data":{"input"|"text"|"inputText":..., "model":...}}
//	{"input":..., "model_id":...}
//
// For binding envelopes without a text field the whole data object is
// embedded as JSON. An empty input returns ErrMissingInput.
func DetectEmbed(body []byte, defaultModel string) (EmbedRequest, error) {
	if !gjson.ValidBytes(body) {
		return EmbedRequest{}, ErrMissingInput
	}
	root := gjson.ParseBytes(body)
	for _, match := range embedShapes {
		req, ok := match(root)
		if !ok {
			continue
		}
		if req.Input == "" {
			return EmbedRequest{}, ErrMissingInput
		}
		if req.Model == "" {
			req.Model = defaultModel
		}
		return req, nil
	}
	return EmbedRequest{}, ErrMissingInput
}

// ── Chat shapes ──────────────────────────────────────────────────────────────

func matchMessagesChat(root gjson.Result) (ChatRequest, bool) {
	msgs := root.Get("messages")
	if !msgs.IsArray() {
		return ChatRequest{}, false
	}
	content := msgs.Get("0.content")
	if !content.Exists() {
		return ChatRequest{}, false
	}
	return ChatRequest{
		Prompt: text(content),
		Model:  firstString(root, "model"),
		Shape:  ShapeMessages,
	}, true
}

func matchBindingChat(root gjson.Result) (ChatRequest, bool) {
	if !isBinding(root) {
		return ChatRequest{}, false
	}
	data := root.Get("data")
	return ChatRequest{
		Prompt: text(data.Get("messages.0.content")),
		Model:  firstString(data, "model"),
		Shape:  ShapeBinding,
	}, true
}

func matchDirectChat(root gjson.Result) (ChatRequest, bool) {
	prompt := root.Get("prompt")
	if !prompt.Exists() {
		return ChatRequest{}, false
	}
	return ChatRequest{
		Prompt: text(prompt),
		Model:  firstString(root, "model_id", "model"),
		Shape:  ShapeDirect,
	}, true
}

// ── Embed shapes ─────────────────────────────────────────────────────────────

func matchBindingEmbed(root gjson.Result) (EmbedRequest, bool) {
	if !isBinding(root) {
		return EmbedRequest{}, false
	}
	data := root.Get("data")
	var input string
	for _, p := range []string{"input", "text", "inputText"} {
		if input = inputText(data.Get(p)); input != "" {
			break
		}
	}
	if input == "" {
		input = data.Raw
	}
	return EmbedRequest{
		Input: input,
		Model: firstString(data, "model", "model_id"),
		Shape: ShapeBinding,
	}, true
}

func matchDirectEmbed(root gjson.Result) (EmbedRequest, bool) {
	input := root.Get("input")
	if !input.Exists() {
		return EmbedRequest{}, false
	}
	return EmbedRequest{
		Input: inputText(input),
		Model: firstString(root, "model_id", "model"),
		Shape: ShapeDirect,
	}, true
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func isBinding(root gjson.Result) bool {
	return root.Get("operation").Exists() && root.Get("data").Exists()
}

// text flattens a JSON value into prompt text. Arrays are OpenAI content
// parts: text parts and bare strings are concatenated.
func text(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var sb strings.Builder
	for _, part := range v.Array() {
		switch {
		case part.Type == gjson.String:
			sb.WriteString(part.Str)
		case part.IsObject() && part.Get("text").Exists():
			sb.WriteString(part.Get("text").String())
		}
	}
	return sb.String()
}

// inputText reads an embedding input. A batch input embeds its first
// element only; InvokeModel takes one text per call.
func inputText(v gjson.Result) string {
	if v.IsArray() {
		return v.Get("0").String()
	}
	return v.String()
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}
