package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/syncerr"
	"golang.org/x/oauth2"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// Client is an HTTP client for the kept row store.
type Client struct {
	BaseURL  string
	DeviceID string
	HTTP     *http.Client
	Tokens   oauth2.TokenSource
}

var _ Store = (*Client)(nil)

// New creates a client authenticating with a static API key.
func New(baseURL, apiKey, deviceID string) *Client {
	return NewWithTokens(baseURL, deviceID, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: apiKey,
		TokenType:   "Bearer",
	}))
}

// NewWithTokens creates a client that asks ts for a session token on every
// request.
func NewWithTokens(baseURL, deviceID string, ts oauth2.TokenSource) *Client {
	return &Client{
		BaseURL:  baseURL,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		Tokens:   ts,
	}
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// Ping hits /healthz.
func (c *Client) Ping(ctx context.Context) error {
	var resp HealthResponse
	return c.doRequest(ctx, "ping", "", "GET", "/healthz", nil, &resp, false)
}

// Apply sends one mutation.
func (c *Client) Apply(ctx context.Context, collection string, req MutationRequest) (schema.Row, error) {
	var resp MutationResponse
	path := "/v1/collections/" + url.PathEscape(collection) + "/mutations"
	if err := c.doRequest(ctx, "apply", collection, "POST", path, req, &resp, true); err != nil {
		return nil, syncerr.Scope(err, collection, req.ID)
	}
	if resp.Row == nil {
		return nil, nil
	}
	return schema.Row(resp.Row), nil
}

// List fetches a collection.
func (c *Client) List(ctx context.Context, collection, since string) ([]schema.Row, error) {
	path := "/v1/collections/" + url.PathEscape(collection) + "/rows"
	if since != "" {
		path += "?" + url.Values{"since": {since}}.Encode()
	}
	var resp RowsResponse
	if err := c.doRequest(ctx, "list", collection, "GET", path, nil, &resp, true); err != nil {
		return nil, syncerr.Scope(err, collection, "")
	}
	rows := make([]schema.Row, len(resp.Rows))
	for i, r := range resp.Rows {
		rows[i] = schema.Row(r)
	}
	return rows, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

type errorBody struct {
	Error apiError       `json:"error"`
	Row   map[string]any `json:"row"`
}

func (c *Client) authorize(h http.Header) error {
	if c.Tokens == nil {
		return syncerr.New(syncerr.KindAuth, "token", ErrUnauthorized)
	}
	tok, err := c.Tokens.Token()
	if err != nil {
		return syncerr.New(syncerr.KindAuth, "token", err)
	}
	if !tok.Valid() {
		return syncerr.New(syncerr.KindAuth, "token", ErrUnauthorized)
	}
	h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return nil
}

func (c *Client) doRequest(ctx context.Context, op, collection, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return syncerr.Translation(op, "marshal request: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}
	if auth {
		if err := c.authorize(req.Header); err != nil {
			return err
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return statusError(op, resp.StatusCode, respBody)
	}
	if result != nil && len(respBody) > 0 {
		dec := json.NewDecoder(bytes.NewReader(respBody))
		dec.UseNumber()
		if err := dec.Decode(result); err != nil {
			// The request succeeded; a resend under the same idempotency key
			// returns the stored response.
			return syncerr.New(syncerr.KindNetwork, op, fmt.Errorf("unmarshal response: %w", err))
		}
	}
	return nil
}

// transportError classifies a failure where no HTTP response arrived. A
// cancelled caller context is returned unclassified so the engine can tell a
// shutdown from a network problem.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	se := syncerr.New(syncerr.KindNetwork, op, err)
	var nerr net.Error
	if ctx.Err() == nil && !(errors.As(err, &nerr) && nerr.Timeout()) {
		se.Unreachable = true
	}
	return se
}

func statusError(op string, status int, body []byte) error {
	var eb errorBody
	msg := string(body)
	if json.Unmarshal(body, &eb) == nil && eb.Error.Code != "" {
		msg = eb.Error.Error()
	}
	switch {
	case status == http.StatusUnauthorized:
		return syncerr.New(syncerr.KindAuth, op, fmt.Errorf("%w: %s", ErrUnauthorized, msg))
	case status == http.StatusForbidden:
		return syncerr.New(syncerr.KindValidation, op, fmt.Errorf("%w: %s", ErrForbidden, msg))
	case status == http.StatusNotFound:
		return syncerr.New(syncerr.KindValidation, op, fmt.Errorf("%w: %s", ErrNotFound, msg))
	case status == http.StatusConflict:
		se := syncerr.New(syncerr.KindConflict, op, fmt.Errorf("%w: %s", ErrConflict, msg))
		se.Current = eb.Row
		return se
	case status == http.StatusTooManyRequests, status >= 500:
		return syncerr.New(syncerr.KindNetwork, op, fmt.Errorf("HTTP %d: %s", status, msg))
	default:
		return syncerr.New(syncerr.KindValidation, op, fmt.Errorf("HTTP %d: %s", status, msg))
	}
}
