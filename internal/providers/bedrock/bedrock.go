// Package bedrock is a minimal AWS Bedrock REST client: InvokeModel on the
// runtime endpoint and ListFoundationModels on the control plane, both
// signed with AWS SigV4.
//
// Required configuration:
//   - AWS_ACCESS_KEY_ID
//   - AWS_SECRET_ACCESS_KEY
//   - AWS_REGION (e.g. "us-east-1")
//
// Optional:
//   - AWS_SESSION_TOKEN — for temporary credentials (IAM roles, STS).
package bedrock

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/nulpointcorp/bedrock-gateway/internal/providers"
)

const (
	providerName = "bedrock"
	service      = "bedrock"

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 32 << 20
)

// Client talks to the Bedrock runtime and control plane.
type Client struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	runtimeURL   string // optional override for bedrock-runtime (testing, VPC endpoints)
	controlURL   string // optional override for the bedrock control plane
	client       *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(c *Client) { c.sessionToken = token }
}

// WithRuntimeURL overrides the bedrock-runtime base URL used by InvokeModel.
func WithRuntimeURL(u string) Option {
	return func(c *Client) { c.runtimeURL = strings.TrimRight(u, "/") }
}

// WithControlURL overrides the bedrock control-plane base URL used by
// ListModels and HealthCheck.
func WithControlURL(u string) Option {
	return func(c *Client) { c.controlURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a Bedrock client for region.
func New(accessKey, secretKey, region string, opts ...Option) *Client {
	c := &Client{
		accessKey: accessKey,
		secretKey: secretKey,
		region:    region,
		client:    &http.Client{Timeout: providers.InvokeTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return providerName }

// Region returns the signing region.
func (c *Client) Region() string { return c.region }

// HealthCheck verifies that the control plane answers a signed listing.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.ListModels(ctx); err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	return nil
}

// InvokeModel posts body to /model/{modelID}/invoke and returns the raw
// response body. Non-2xx responses become *ProviderError.
func (c *Client) InvokeModel(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	endpoint := c.runtimeBase() + "/model/" + uriEncode(modelID) + "/invoke"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("bedrock: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseError(resp, data)
	}
	return data, nil
}

type listResponse struct {
	ModelSummaries []struct {
		ModelID string `json:"modelId"`
	} `json:"modelSummaries"`
}

// ListModels returns the identifiers of all ON_DEMAND foundation models in
// listing order.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	endpoint := c.controlBase() + "/foundation-models?byInferenceType=ON_DEMAND"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("bedrock: read listing: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp, data)
	}

	var lr listResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return nil, fmt.Errorf("bedrock: decode listing: %w", err)
	}
	ids := make([]string, 0, len(lr.ModelSummaries))
	for _, m := range lr.ModelSummaries {
		if m.ModelID != "" {
			ids = append(ids, m.ModelID)
		}
	}
	return ids, nil
}

func (c *Client) do(req *http.Request, payload []byte) (*http.Response, error) {
	req.Header.Set("Accept-Encoding", "gzip, br")
	if err := c.sign(req, payload); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	return resp, nil
}

// ─── Endpoints ───────────────────────────────────────────────────────────────

func (c *Client) runtimeBase() string {
	if c.runtimeURL != "" {
		return c.runtimeURL
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", c.region)
}

func (c *Client) controlBase() string {
	if c.controlURL != "" {
		return c.controlURL
	}
	return fmt.Sprintf("https://bedrock.%s.amazonaws.com", c.region)
}

// ─── Response decoding ───────────────────────────────────────────────────────

// readBody reads a possibly compressed response body. Setting
// Accept-Encoding by hand disables net/http's transparent gzip, so both
// encodings are handled here.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "br":
		r = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(io.LimitReader(r, maxResponseBytes))
}

// ─── Error handling ───────────────────────────────────────────────────────────

type bedrockError struct {
	Message      string `json:"message"`
	MessageUpper string `json:"Message"`
	Type         string `json:"__type"`
}

// ProviderError is a structured error returned by the Bedrock API.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("bedrock: %s: %s (status=%d)", e.Type, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("bedrock: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func parseError(resp *http.Response, body []byte) error {
	pe := &ProviderError{
		StatusCode: resp.StatusCode,
		Type:       errorType(resp.Header.Get("X-Amzn-ErrorType")),
	}

	var be bedrockError
	if json.Unmarshal(body, &be) == nil {
		pe.Message = be.Message
		if pe.Message == "" {
			pe.Message = be.MessageUpper
		}
		if pe.Type == "" {
			pe.Type = errorType(be.Type)
		}
	}
	if pe.Message == "" {
		pe.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return pe
}

// errorType trims the ":http://..." suffix and namespace prefix AWS adds
// to error type names.
func errorType(s string) string {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
