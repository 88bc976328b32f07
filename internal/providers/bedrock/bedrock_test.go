package bedrock

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/nulpointcorp/bedrock-gateway/internal/providers"
)

var _ providers.Backend = (*Client)(nil)

func newTestClient(srv *httptest.Server, opts ...Option) *Client {
	opts = append([]Option{WithRuntimeURL(srv.URL), WithControlURL(srv.URL)}, opts...)
	return New("AKIDEXAMPLE", "secret", "us-east-1", opts...)
}

func fixedClock(t *testing.T) {
	t.Helper()
	prev := now
	now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	t.Cleanup(func() { now = prev })
}

func TestClient_Name(t *testing.T) {
	c := New("a", "b", "eu-west-1")
	if c.Name() != "bedrock" {
		t.Fatalf("expected 'bedrock', got %q", c.Name())
	}
	if c.Region() != "eu-west-1" {
		t.Fatalf("expected region eu-west-1, got %q", c.Region())
	}
}

func TestClient_DefaultEndpoints(t *testing.T) {
	c := New("a", "b", "us-west-2")
	if got := c.runtimeBase(); got != "https://bedrock-runtime.us-west-2.amazonaws.com" {
		t.Errorf("runtime base: %q", got)
	}
	if got := c.controlBase(); got != "https://bedrock.us-west-2.amazonaws.com" {
		t.Errorf("control base: %q", got)
	}
}

func TestInvokeModel_Success(t *testing.T) {
	fixedClock(t)

	var gotURI, gotAuth, gotDate, gotCT, gotAccept string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotURI = r.RequestURI
		gotAuth = r.Header.Get("Authorization")
		gotDate = r.Header.Get("X-Amz-Date")
		gotCT = r.Header.Get("Content-Type")
		gotAccept = r.Header.Get("Accept")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"generation":"Hi there"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	out, err := c.InvokeModel(context.Background(), "meta.llama3-8b-instruct-v1:0", []byte(`{"prompt":"Hello","temperature":0.7}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"generation":"Hi there"}` {
		t.Fatalf("unexpected body %s", out)
	}

	if gotURI != "/model/meta.llama3-8b-instruct-v1%3A0/invoke" {
		t.Errorf("model id not encoded in path: %q", gotURI)
	}
	if string(gotBody) != `{"prompt":"Hello","temperature":0.7}` {
		t.Errorf("body not forwarded verbatim: %s", gotBody)
	}
	if gotCT != "application/json" || gotAccept != "application/json" {
		t.Errorf("content-type=%q accept=%q", gotCT, gotAccept)
	}
	if gotDate != "20240102T030405Z" {
		t.Errorf("x-amz-date = %q", gotDate)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240102/us-east-1/bedrock/aws4_request, ") {
		t.Errorf("unexpected credential scope: %q", gotAuth)
	}
	if !strings.Contains(gotAuth, "SignedHeaders=content-type;host;x-amz-date,") {
		t.Errorf("unexpected signed headers: %q", gotAuth)
	}
	sig := gotAuth[strings.LastIndex(gotAuth, "Signature=")+len("Signature="):]
	if _, err := hex.DecodeString(sig); err != nil || len(sig) != 64 {
		t.Errorf("signature is not 32 hex bytes: %q", sig)
	}
}

func TestInvokeModel_SessionTokenSigned(t *testing.T) {
	var gotAuth, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.Header.Get("X-Amz-Security-Token")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, WithSessionToken("tok"))
	if _, err := c.InvokeModel(context.Background(), "m", []byte(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotToken != "tok" {
		t.Errorf("session token header = %q", gotToken)
	}
	if !strings.Contains(gotAuth, "SignedHeaders=content-type;host;x-amz-date;x-amz-security-token,") {
		t.Errorf("session token not signed: %q", gotAuth)
	}
}

func TestInvokeModel_NoCredentialsUnsigned(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New("", "", "us-east-1", WithRuntimeURL(srv.URL))
	if _, err := c.InvokeModel(context.Background(), "m", []byte(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("expected no Authorization header, got %q", gotAuth)
	}
}

func TestInvokeModel_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Amzn-ErrorType", "ValidationException:http://internal.amazon.com/coral/com.amazon.bedrock/")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Malformed input request"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).InvokeModel(context.Background(), "m", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T", err)
	}
	if pe.StatusCode != 400 || pe.Type != "ValidationException" || pe.Message != "Malformed input request" {
		t.Errorf("unexpected error fields: %+v", pe)
	}
	var sc providers.StatusCoder
	if !errors.As(err, &sc) || sc.HTTPStatus() != 400 {
		t.Errorf("error does not expose HTTP status")
	}
}

func TestInvokeModel_ErrorTypeFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"__type":"com.amazon.coral#ThrottlingException","Message":"slow down"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).InvokeModel(context.Background(), "m", []byte(`{}`))
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if pe.Type != "ThrottlingException" || pe.Message != "slow down" || pe.StatusCode != 429 {
		t.Errorf("unexpected error fields: %+v", pe)
	}
	if !strings.Contains(pe.Error(), "ThrottlingException") {
		t.Errorf("error string missing type: %s", pe.Error())
	}
}

func TestInvokeModel_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).InvokeModel(context.Background(), "m", []byte(`{}`))
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if pe.Message != "unexpected status 502" {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestInvokeModel_CompressedResponses(t *testing.T) {
	const payload = `{"completion":"compressed"}`

	tests := []struct {
		name     string
		encoding string
		encode   func([]byte) []byte
	}{
		{"gzip", "gzip", func(b []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(b)
			_ = zw.Close()
			return buf.Bytes()
		}},
		{"brotli", "br", func(b []byte) []byte {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(b)
			_ = bw.Close()
			return buf.Bytes()
		}},
		{"identity", "", func(b []byte) []byte { return b }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if ae := r.Header.Get("Accept-Encoding"); ae != "gzip, br" {
					t.Errorf("accept-encoding = %q", ae)
				}
				if tc.encoding != "" {
					w.Header().Set("Content-Encoding", tc.encoding)
				}
				_, _ = w.Write(tc.encode([]byte(payload)))
			}))
			defer srv.Close()

			out, err := newTestClient(srv).InvokeModel(context.Background(), "m", []byte(`{}`))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(out) != payload {
				t.Fatalf("got %q", out)
			}
		})
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/foundation-models" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("byInferenceType") != "ON_DEMAND" {
			t.Errorf("missing inference type filter: %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("listing request is not signed")
		}
		_, _ = w.Write([]byte(`{"modelSummaries":[
			{"modelId":"meta.llama3-8b-instruct-v1:0","providerName":"Meta"},
			{"modelId":""},
			{"modelId":"amazon.titan-embed-text-v1"}
		]}`))
	}))
	defer srv.Close()

	ids, err := newTestClient(srv).ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"meta.llama3-8b-instruct-v1:0", "amazon.titan-embed-text-v1"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestListModels_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"denied"}`))
		}))
		defer srv.Close()
		c := newTestClient(srv)
		if _, err := c.ListModels(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if err := c.HealthCheck(context.Background()); err == nil {
			t.Fatal("expected health check to fail")
		}
	})
	t.Run("bad json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"modelSummaries":`))
		}))
		defer srv.Close()
		if _, err := newTestClient(srv).ListModels(context.Background()); err == nil {
			t.Fatal("expected decode error")
		}
	})
}

func TestHealthCheck_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"modelSummaries":[]}`))
	}))
	defer srv.Close()
	if err := newTestClient(srv).HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInvokeModel_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv).InvokeModel(ctx, "m", []byte(`{}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// ─── SigV4 helpers ────────────────────────────────────────────────────────────

func TestURIEncode(t *testing.T) {
	tests := map[string]string{
		"meta.llama3-8b-instruct-v1:0": "meta.llama3-8b-instruct-v1%3A0",
		"a b/c":                        "a%20b%2Fc",
		"A-Z_a~z.0":                    "A-Z_a~z.0",
		"%3A":                          "%253A",
	}
	for in, want := range tests {
		if got := uriEncode(in); got != want {
			t.Errorf("uriEncode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCanonicalURI_DoubleEncodes(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://x/model/"+uriEncode("anthropic.claude-v2:1")+"/invoke", nil)
	if got := canonicalURI(req.URL); got != "/model/anthropic.claude-v2%253A1/invoke" {
		t.Fatalf("canonicalURI = %q", got)
	}
}

func TestCanonicalQuery_Sorted(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://x/foundation-models?byProvider=meta&byInferenceType=ON_DEMAND", nil)
	if got := canonicalQuery(req.URL.Query()); got != "byInferenceType=ON_DEMAND&byProvider=meta" {
		t.Fatalf("canonicalQuery = %q", got)
	}
}

// Signing key derivation example published in the AWS SigV4 documentation.
func TestDeriveSigningKey_KnownVector(t *testing.T) {
	key := deriveSigningKey("wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", "20120215", "us-east-1", "iam")
	const want = "f4780e2d9f65fa895f9c67b32ce1baf0b0d8a43505a000a1a9e090d414db404d"
	if got := hex.EncodeToString(key); got != want {
		t.Fatalf("signing key = %s, want %s", got, want)
	}
}

func TestSign_Deterministic(t *testing.T) {
	fixedClock(t)
	c := New("AKID", "secret", "us-east-1")

	sign := func(body string) string {
		req, _ := http.NewRequest(http.MethodPost, "https://bedrock-runtime.us-east-1.amazonaws.com/model/m/invoke", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if err := c.sign(req, []byte(body)); err != nil {
			t.Fatal(err)
		}
		return req.Header.Get("Authorization")
	}

	a1, a2, b := sign(`{"a":1}`), sign(`{"a":1}`), sign(`{"a":2}`)
	if a1 != a2 {
		t.Error("signature is not deterministic for identical requests")
	}
	if a1 == b {
		t.Error("signature does not cover the payload")
	}
}
