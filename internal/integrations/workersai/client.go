package workersai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avkus/openai-cf/internal/domain"
)

// runRequest is the request shape for the Workers AI run endpoint.
type runRequest struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// runResponse is the minimal response envelope returned by the Cloudflare
// API: a result object plus a success flag and an errors array.
type runResponse struct {
	Result struct {
		Response string `json:"response"`
	} `json:"result"`
	Success bool       `json:"success"`
	Errors  []apiIssue `json:"errors"`
}

type apiIssue struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// APIError is a failure the Workers AI API reported in its response
// envelope, as opposed to a transport-level failure. Consumers detect it via
// BackendMessage.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("workersai: api error %d: %s", e.Code, e.Message)
}

func (e *APIError) BackendMessage() string {
	return e.Message
}

// HTTPStatusError captures non-2xx upstream responses that did not carry a
// decodable error envelope.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("workersai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Cloudflare Workers AI REST API for text generation.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	accountID   string

	tokenOnce sync.Once
	apiToken  string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore Getter for API
// token retrieval. The token is fetched from SSM on the first Generate call
// and reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix, accountID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("workersai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("workersai: parameter prefix must not be empty")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("workersai: account id must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.cloudflare.com/client/v4",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		accountID:   accountID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.apiToken, c.tokenErr = fetchAPITokenFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiToken, c.tokenErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/workers-ai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func runURL(baseURL, accountID, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.cloudflare.com/client/v4"
	}
	return base + "/accounts/" + accountID + "/ai/run/" + model
}

// Generate invokes the given model with the message list and returns the
// generated text. Failures the API reports in its envelope surface as
// *APIError; transport and decode failures surface as ordinary errors.
func (c *Client) Generate(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("workersai: model must not be empty")
	}

	apiToken, err := c.resolveAPIToken(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(runRequest{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("workersai: marshal request: %w", err)
	}

	url := runURL(c.baseURL, c.accountID, model)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("workersai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiToken)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", err
	}

	var payload runResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("workersai: decode response: %w", decErr)
	}
	if apiErr := payload.apiError(); apiErr != nil {
		return "", apiErr
	}

	return payload.Result.Response, nil
}

// apiError converts a failed response envelope into *APIError, or nil when
// the envelope reports success.
func (r *runResponse) apiError() *APIError {
	if len(r.Errors) > 0 {
		return &APIError{Code: r.Errors[0].Code, Message: r.Errors[0].Message}
	}
	if !r.Success {
		return &APIError{Message: "request was not successful"}
	}
	return nil
}

// doJSONRequest performs the request and returns the raw body. Non-2xx
// responses that carry the usual error envelope are decoded into *APIError
// so callers see the API's own message rather than a bare status line.
func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("workersai: request failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		var payload runResponse
		if err := json.Unmarshal(buf, &payload); err == nil && len(payload.Errors) > 0 {
			return nil, payload.apiError()
		}
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("workersai: read response body: %w", err)
	}
	return buf, nil
}

func fetchAPITokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("workersai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("workersai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("workersai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("workersai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("workersai: API token is empty")
	}
	return tp.Token, nil
}
