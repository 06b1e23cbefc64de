package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aide-ai/aide/internal/server"
	"github.com/aide-ai/aide/pkg/types"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithHeader adds a header to the request
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithQuery adds query parameters
func WithQuery(params map[string]string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Get looks up a gjson path in the body.
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts...)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts...)
}

func (c *TestClient) do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

func expectOK(resp *Response, err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return resp, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, resp.String())
	}
	return resp, nil
}

// ---- Session Helpers ----

// CreateSession creates a session and returns its id.
func (c *TestClient) CreateSession(ctx context.Context, title string) (string, error) {
	resp, err := expectOK(c.Post(ctx, "/session", server.CreateSessionRequest{Title: title}))
	if err != nil {
		return "", err
	}
	return resp.Get("sessionId").String(), nil
}

// GetSession returns the serialized session.
func (c *TestClient) GetSession(ctx context.Context, sessionID string) (*Response, error) {
	return expectOK(c.Get(ctx, "/session/"+sessionID))
}

// DeleteSession deletes a session.
func (c *TestClient) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := expectOK(c.Delete(ctx, "/session/"+sessionID))
	return err
}

// SendRequest starts an exchange.
func (c *TestClient) SendRequest(ctx context.Context, sessionID, message string) (*server.SendRequestResponse, error) {
	resp, err := expectOK(c.Post(ctx, "/session/"+sessionID+"/request", server.SendRequestBody{Message: message}))
	if err != nil {
		return nil, err
	}
	var out server.SendRequestResponse
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelExchange cancels a running exchange.
func (c *TestClient) CancelExchange(ctx context.Context, sessionID, exchangeID string) error {
	_, err := expectOK(c.Post(ctx, "/session/"+sessionID+"/exchange/"+exchangeID+"/cancel", nil))
	return err
}

// ResendExchange replaces an exchange and every later one with a new attempt
// of its request.
func (c *TestClient) ResendExchange(ctx context.Context, sessionID, exchangeID string) (*server.SendRequestResponse, error) {
	resp, err := expectOK(c.Post(ctx, "/session/"+sessionID+"/exchange/"+exchangeID+"/resend", nil))
	if err != nil {
		return nil, err
	}
	var out server.SendRequestResponse
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteExchange removes an exchange and every later one.
func (c *TestClient) DeleteExchange(ctx context.Context, sessionID, exchangeID string) (*Response, error) {
	return expectOK(c.Delete(ctx, "/session/"+sessionID+"/exchange/"+exchangeID))
}

// GetView returns the render projection of a session.
func (c *TestClient) GetView(ctx context.Context, sessionID string) (*Response, error) {
	return expectOK(c.Get(ctx, "/session/"+sessionID+"/view"))
}

// ResponseMarkdown returns the markdown of the response row for responseID.
func (c *TestClient) ResponseMarkdown(ctx context.Context, sessionID, responseID string) (string, error) {
	resp, err := c.GetView(ctx, sessionID)
	if err != nil {
		return "", err
	}
	row := resp.Get(fmt.Sprintf(`items.#(response.id==%q).response`, responseID))
	if !row.Exists() {
		return "", fmt.Errorf("response %s not in view", responseID)
	}
	return row.Get("markdown").String(), nil
}

// ---- Working Set Helpers ----

// ApplyEdits posts streamed edit requests.
func (c *TestClient) ApplyEdits(ctx context.Context, sessionID string, edits ...types.EditStreamRequest) (*Response, error) {
	return c.Post(ctx, "/session/"+sessionID+"/edits", edits)
}

// StreamFile streams text as the new content of path in one edit.
func (c *TestClient) StreamFile(ctx context.Context, sessionID, editID, path, text string) error {
	_, err := expectOK(c.ApplyEdits(ctx, sessionID,
		types.EditStreamRequest{Event: types.EditStreamStart, EditRequestID: editID, FsFilePath: path, SessionID: sessionID},
		types.EditStreamRequest{Event: types.EditStreamDelta, EditRequestID: editID, Delta: text},
		types.EditStreamRequest{Event: types.EditStreamEnd, EditRequestID: editID},
	))
	return err
}

// GetWorkingSet returns the working set of a session.
func (c *TestClient) GetWorkingSet(ctx context.Context, sessionID string) (*server.WorkingSetResponse, error) {
	resp, err := expectOK(c.Get(ctx, "/session/"+sessionID+"/working-set"))
	if err != nil {
		return nil, err
	}
	var out server.WorkingSetResponse
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Accept accepts the edits of uris, or all undecided edits.
func (c *TestClient) Accept(ctx context.Context, sessionID string, uris ...string) error {
	_, err := expectOK(c.Post(ctx, "/session/"+sessionID+"/working-set/accept", server.DecisionRequest{URIs: uris}))
	return err
}

// Reject rejects the edits of uris, or all undecided edits.
func (c *TestClient) Reject(ctx context.Context, sessionID string, uris ...string) error {
	_, err := expectOK(c.Post(ctx, "/session/"+sessionID+"/working-set/reject", server.DecisionRequest{URIs: uris}))
	return err
}
