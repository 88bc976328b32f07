package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeGateway answers the gateway routes the CLI calls. It records the last
// request body per path.
func fakeGateway(t *testing.T) (*httptest.Server, map[string]string) {
	t.Helper()
	seen := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen[r.URL.Path] = string(body)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			if gjson.GetBytes(body, "model").String() == "broken" {
				_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"Error"}}],"model":"broken","error":"access denied"}`)
				return
			}
			_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"llama3-8b","choices":[{"index":0,"message":{"role":"assistant","content":"Paris."},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`)
		case "/v1/embeddings":
			_, _ = io.WriteString(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"titan-embed-text","usage":{"prompt_tokens":1,"total_tokens":1}}`)
		case "/v1/resolve":
			m := r.URL.Query().Get("model")
			_, _ = io.WriteString(w, `{"model":"`+m+`","backend_model":"meta.llama3-8b-instruct-v1:0","normalized":"llama3-8b","strategy":"fuzzy","score":0.91}`)
		case "/v1/models":
			_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"meta.llama3-8b-instruct-v1:0","object":"model","owned_by":"llama"},{"id":"amazon.titan-embed-text-v1","object":"model","owned_by":"titan"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestChat(t *testing.T) {
	srv, seen := fakeGateway(t)

	out, err := run(t, "chat", "--gateway", srv.URL, "-m", "llama3-8b", "capital", "of", "France?")
	require.NoError(t, err)
	assert.Contains(t, out, "Paris.")
	assert.Contains(t, out, "prompt_tokens=7")

	body := seen["/v1/chat/completions"]
	assert.Equal(t, "llama3-8b", gjson.Get(body, "model").String())
	assert.Equal(t, "capital of France?", gjson.Get(body, "messages.0.content").String())
}

func TestChat_SystemTextTravelsWithPrompt(t *testing.T) {
	srv, seen := fakeGateway(t)

	_, err := run(t, "chat", "--gateway", srv.URL, "-s", "You are terse.", "What is 2+2?")
	require.NoError(t, err)

	body := seen["/v1/chat/completions"]
	msgs := gjson.Get(body, "messages").Array()
	require.Len(t, msgs, 1, "the gateway reads only the first message")
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "You are terse.\n\nWhat is 2+2?", msgs[0].Get("content").String())
}

func TestChat_InBandError(t *testing.T) {
	srv, _ := fakeGateway(t)

	_, err := run(t, "chat", "--gateway", srv.URL, "-m", "broken", "hi")
	require.Error(t, err)
	assert.Equal(t, "access denied", err.Error())
}

func TestEmbed(t *testing.T) {
	srv, seen := fakeGateway(t)

	out, err := run(t, "embed", "--gateway", srv.URL, "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "3 dimensions")
	assert.Equal(t, "hello", gjson.Get(seen["/v1/embeddings"], "input").String())
}

func TestResolve_ViaGateway(t *testing.T) {
	srv, _ := fakeGateway(t)

	out, err := run(t, "resolve", "--gateway", srv.URL, "llama3-8b", "llama-3-8b")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "meta.llama3-8b-instruct-v1:0"))
	assert.Contains(t, out, "[fuzzy 0.91]")
}

func TestModels_ViaGateway(t *testing.T) {
	srv, _ := fakeGateway(t)

	out, err := run(t, "models", "--via-gateway", "--gateway", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "llama\n  meta.llama3-8b-instruct-v1:0")
	assert.Contains(t, out, "2 models")
}

func TestModels_Direct(t *testing.T) {
	bedrock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/foundation-models", r.URL.Path)
		_, _ = io.WriteString(w, `{"modelSummaries":[{"modelId":"anthropic.claude-3-haiku-20240307-v1:0"}]}`)
	}))
	defer bedrock.Close()

	t.Chdir(t.TempDir())
	t.Setenv("BEDROCK_RUNTIME_URL", bedrock.URL)
	t.Setenv("BEDROCK_CONTROL_URL", bedrock.URL)

	out, err := run(t, "models")
	require.NoError(t, err)
	assert.Contains(t, out, "claude\n  anthropic.claude-3-haiku-20240307-v1:0")
	assert.Contains(t, out, "1 models")
}

func TestResolve_RequiresArgs(t *testing.T) {
	_, err := run(t, "resolve")
	assert.Error(t, err)
}
