package payload

import (
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/bedrock-gateway/internal/modelmap"
)

// Temperature is sent with every chat invocation.
const Temperature = 0.7

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildChatBody builds the InvokeModel body for a chat prompt.
//
//	meta.llama*   → {"prompt": ..., "temperature": 0.7}
//	anything else → {"messages": [{"role": "user", "content": ...}], "temperature": 0.7}
func BuildChatBody(backendID, prompt string) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	if strings.HasPrefix(backendID, modelmap.PrefixLlama) {
		body, err = sjson.SetBytes([]byte(`{}`), "prompt", prompt)
	} else {
		body, err = sjson.SetBytes([]byte(`{}`), "messages", []message{{Role: "user", Content: prompt}})
	}
	if err != nil {
		return nil, fmt.Errorf("payload: build chat body: %w", err)
	}
	body, err = sjson.SetBytes(body, "temperature", Temperature)
	if err != nil {
		return nil, fmt.Errorf("payload: build chat body: %w", err)
	}
	return body, nil
}

// BuildEmbedBody builds the InvokeModel body for an embedding, which is
// {"inputText": ...} for every family.
func BuildEmbedBody(input string) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "inputText", input)
	if err != nil {
		return nil, fmt.Errorf("payload: build embed body: %w", err)
	}
	return body, nil
}
