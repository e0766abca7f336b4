package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

// IdempotencyHeader carries the queue item id so replays are deduplicated
const IdempotencyHeader = "Idempotency-Key"

// TokenSource supplies the bearer token for a request. Refresh and expiry
// live behind it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client is an HTTP client for the price API.
type Client struct {
	BaseURL   string
	Tokens    TokenSource
	UserAgent string
	HTTP      *http.Client
}

// New creates a new API client.
func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		BaseURL:   baseURL,
		Tokens:    tokens,
		UserAgent: "pricetrack",
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

// PriceResponse is a price as stored by the server.
type PriceResponse struct {
	ID            string `json:"id"`
	models.PricePayload
	UserID        string `json:"user_id,omitempty"`
	Locale        string `json:"locale,omitempty"`
	Confirmations int    `json:"confirmations"`
	Disputes      int    `json:"disputes"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// UploadResponse describes a stored attachment.
type UploadResponse struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreatePriceRequest is the body of POST /v1/prices.
type CreatePriceRequest struct {
	models.PricePayload
	UserID string `json:"user_id,omitempty"`
	Locale string `json:"locale,omitempty"`
}

// HealthCheck hits /healthz. Used as the connection quality probe.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, "health check", http.MethodGet, "/healthz", "", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreatePrice submits a new price and returns the server's copy.
func (c *Client) CreatePrice(ctx context.Context, idemKey string, req CreatePriceRequest) (*PriceResponse, error) {
	var resp PriceResponse
	if err := c.doJSON(ctx, "create price", http.MethodPost, "/v1/prices", idemKey, req, &resp, true); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &NetworkError{Op: "create price", Err: errors.New("response missing id")}
	}
	return &resp, nil
}

// UpdatePrice applies a partial update.
func (c *Client) UpdatePrice(ctx context.Context, idemKey, id string, u models.PriceUpdate) (*PriceResponse, error) {
	var resp PriceResponse
	if err := c.doJSON(ctx, "update price", http.MethodPatch, "/v1/prices/"+url.PathEscape(id), idemKey, u, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeletePrice removes a price. reason is optional.
func (c *Client) DeletePrice(ctx context.Context, idemKey, id, reason string) error {
	path := "/v1/prices/" + url.PathEscape(id)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.doJSON(ctx, "delete price", http.MethodDelete, path, idemKey, nil, nil, true)
}

// VerifyPrice confirms or disputes a price.
func (c *Client) VerifyPrice(ctx context.Context, idemKey, id string, v models.VerifyPayload) (*PriceResponse, error) {
	var resp PriceResponse
	if err := c.doJSON(ctx, "verify price", http.MethodPost, "/v1/prices/"+url.PathEscape(id)+"/verify", idemKey, v, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPrice fetches one price.
func (c *Client) GetPrice(ctx context.Context, id string) (*PriceResponse, error) {
	var resp PriceResponse
	if err := c.doJSON(ctx, "get price", http.MethodGet, "/v1/prices/"+url.PathEscape(id), "", nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPrices lists prices, optionally filtered by region.
func (c *Client) ListPrices(ctx context.Context, region string) ([]PriceResponse, error) {
	path := "/v1/prices"
	if region != "" {
		path += "?region=" + url.QueryEscape(region)
	}
	var resp []PriceResponse
	if err := c.doJSON(ctx, "list prices", http.MethodGet, path, "", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp, nil
}

// Upload sends attachment bytes as multipart/form-data.
func (c *Client) Upload(ctx context.Context, idemKey string, meta models.UploadPayload, r io.Reader) (*UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, meta.Filename))
	ct := meta.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	var resp UploadResponse
	if err := c.doRequest(ctx, "upload", http.MethodPost, "/v1/uploads", idemKey, mw.FormDataContentType(), &buf, &resp, true); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &NetworkError{Op: "upload", Err: errors.New("response missing id")}
	}
	return &resp, nil
}

// --- HTTP helpers ---

func (c *Client) doJSON(ctx context.Context, op, method, path, idemKey string, body, result any, auth bool) error {
	var r io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.doRequest(ctx, op, method, path, idemKey, contentType, r, result, auth)
}

func (c *Client) doRequest(ctx context.Context, op, method, path, idemKey, contentType string, body io.Reader, result any, auth bool) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if idemKey != "" {
		req.Header.Set(IdempotencyHeader, idemKey)
	}
	if auth && c.Tokens != nil {
		token, err := c.Tokens.Token(ctx)
		if err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("get token: %w", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return classify(op, resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unmarshal response: %w", err)}
		}
	}
	return nil
}

func classify(op string, status int, body []byte) error {
	var env errorEnvelope
	apiErr := apiError{}
	if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
		apiErr = env.Error
	} else if json.Unmarshal(body, &apiErr) != nil || apiErr.Code == "" {
		apiErr = apiError{Message: string(bytes.TrimSpace(body))}
	}

	sentinel := sentinelFor(status)
	if isTransientStatus(status) {
		cause := sentinel
		if cause == nil {
			cause = errors.New(http.StatusText(status))
		}
		if apiErr.Message != "" {
			cause = fmt.Errorf("%w: %s", cause, apiErr.Message)
		}
		return &NetworkError{Op: op, StatusCode: status, Err: cause}
	}
	return &RejectionError{
		Op:         op,
		StatusCode: status,
		Code:       apiErr.Code,
		Message:    apiErr.Message,
		Err:        sentinel,
	}
}
