package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenProvider supplies the bearer token for outbound remote calls.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider for a fixed token, e.g. the one
// carried by a pull trigger event.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// HTTPClientOptions configures an HTTPClient.
type HTTPClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	// CallTimeout bounds every single remote call. Exceeding it yields a
	// *TimeoutError rather than a generic transport error.
	CallTimeout time.Duration
}

// HTTPClient talks to the remote system over its HTTP capability API.
type HTTPClient struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	callTimeout   time.Duration
}

// NewHTTPClient builds a client from options, applying defaults.
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		callTimeout:   callTimeout,
	}
}

// Connection implements Client.
func (c *HTTPClient) Connection(instanceKey string) Connection {
	return &httpConnection{client: c, instanceKey: instanceKey}
}

type httpConnection struct {
	client      *HTTPClient
	instanceKey string
}

func (conn *httpConnection) Action(key string) Action {
	return &httpAction{conn: conn, key: key}
}

func (conn *httpConnection) Get(ctx context.Context, opts GetOptions) error {
	path := fmt.Sprintf("/v1/connections/%s", url.PathEscape(conn.instanceKey))
	if opts.AutoCreate {
		path += "?autoCreate=true"
	}
	_, err := conn.client.do(ctx, http.MethodGet, path, "connection.get", nil)
	return err
}

func (conn *httpConnection) Create(ctx context.Context) error {
	path := fmt.Sprintf("/v1/connections/%s", url.PathEscape(conn.instanceKey))
	_, err := conn.client.do(ctx, http.MethodPost, path, "connection.create", struct{}{})
	return err
}

func (conn *httpConnection) Archive(ctx context.Context) error {
	path := fmt.Sprintf("/v1/connections/%s/archive", url.PathEscape(conn.instanceKey))
	_, err := conn.client.do(ctx, http.MethodPost, path, "connection.archive", struct{}{})
	return err
}

type httpAction struct {
	conn *httpConnection
	key  string
}

// runEnvelope is the wire shape of an action result: { "output": {...} }.
type runEnvelope struct {
	Output Output `json:"output"`
}

func (a *httpAction) Run(ctx context.Context, req RunRequest) (*Output, error) {
	path := fmt.Sprintf("/v1/connections/%s/actions/%s/run",
		url.PathEscape(a.conn.instanceKey), url.PathEscape(a.key))

	body, err := a.conn.client.do(ctx, http.MethodPost, path, a.key, req)
	if err != nil {
		return nil, err
	}

	var envelope runEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode remote output: %w", err)
	}
	return &envelope.Output, nil
}

// do performs one bounded remote call. operation names the call for
// timeout error messages.
func (c *HTTPClient) do(ctx context.Context, method, path, operation string, payload any) ([]byte, error) {
	if c.tokenProvider == nil {
		return nil, fmt.Errorf("remote token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve remote token: %w", err)
	}

	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode remote request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Distinguish the bounded-deadline case from generic transport
		// failures; only our own deadline counts as a remote timeout.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Operation: operation, Timeout: c.callTimeout}
		}
		return nil, fmt.Errorf("remote call %s: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read remote response: %w", err)
	}

	if resp.StatusCode >= 400 {
		opErr := &OperationError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, opErr); err != nil || opErr.Data.Message == "" {
			opErr.Data.Message = strings.TrimSpace(string(body))
		}
		return nil, opErr
	}

	return body, nil
}
