package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shiftboard/shiftsync/internal/version"
)

const (
	// HeaderETagRequest asks the store to return an ETag for the value read.
	HeaderETagRequest = "X-Firebase-ETag"
	// HeaderClientVersion carries the client protocol version.
	HeaderClientVersion = "X-Shiftsync-Version"
)

// StatusError is returned for non-2xx responses the adapter does not map to a
// sentinel.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("store %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("store %s %s: status %d", e.Method, e.Path, e.Code)
}

// HTTPConfig configures an HTTPStore.
type HTTPConfig struct {
	// BaseURL of the store, e.g. https://example-default-rtdb.firebaseio.com
	BaseURL string

	// AuthToken is appended as ?auth= when set.
	AuthToken string

	// Timeout bounds every request made with the default client.
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// StreamBackoffMin/Max bound reconnect delays of the change stream.
	StreamBackoffMin time.Duration
	StreamBackoffMax time.Duration

	// OnStreamState is called when the change stream connects or drops.
	OnStreamState func(connected bool)

	Logger *slog.Logger
}

// DefaultHTTPConfig returns sensible defaults for baseURL.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:          baseURL,
		Timeout:          15 * time.Second,
		StreamBackoffMin: 500 * time.Millisecond,
		StreamBackoffMax: 30 * time.Second,
	}
}

// HTTPStore talks to the backing store over its REST interface.
type HTTPStore struct {
	base   *url.URL
	token  string
	client *http.Client
	cfg    HTTPConfig
	logger *slog.Logger
}

// NewHTTPStore validates cfg and returns an adapter. A missing or unparsable
// endpoint fails with ErrMisconfigured.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrMisconfigured)
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMisconfigured, base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("%w: base URL has no host", ErrMisconfigured)
	}

	defaults := DefaultHTTPConfig(raw)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.StreamBackoffMin <= 0 {
		cfg.StreamBackoffMin = defaults.StreamBackoffMin
	}
	if cfg.StreamBackoffMax < cfg.StreamBackoffMin {
		cfg.StreamBackoffMax = defaults.StreamBackoffMax
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPStore{
		base:   base,
		token:  strings.TrimSpace(cfg.AuthToken),
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "store"),
	}, nil
}

// Get implements Store.
func (s *HTTPStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	body, _, err := s.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	return nullToNil(body), nil
}

// GetVersioned implements ConditionalStore.
func (s *HTTPStore) GetVersioned(ctx context.Context, path string) (json.RawMessage, string, error) {
	body, header, err := s.do(ctx, http.MethodGet, path, nil, map[string]string{HeaderETagRequest: "true"})
	if err != nil {
		return nil, "", err
	}
	etag := header.Get("ETag")
	if etag == "" {
		etag = ETagOf(body)
	}
	return nullToNil(body), etag, nil
}

// Put implements Store.
func (s *HTTPStore) Put(ctx context.Context, path string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("put %s: invalid JSON payload", path)
	}
	_, _, err := s.do(ctx, http.MethodPut, path, value, nil)
	return err
}

// PutIfMatch implements ConditionalStore.
func (s *HTTPStore) PutIfMatch(ctx context.Context, path string, value json.RawMessage, etag string) error {
	if !json.Valid(value) {
		return fmt.Errorf("put %s: invalid JSON payload", path)
	}
	_, _, err := s.do(ctx, http.MethodPut, path, value, map[string]string{"if-match": etag})
	return err
}

// Delete implements Store.
func (s *HTTPStore) Delete(ctx context.Context, path string) error {
	_, _, err := s.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

func (s *HTTPStore) endpoint(path string) (string, error) {
	p, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + p + ".json"
	if s.token != "" {
		q := u.Query()
		q.Set("auth", s.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, http.Header, error) {
	target, err := s.endpoint(path)
	if err != nil {
		return nil, nil, err
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderClientVersion, version.Protocol)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, nil, ctxErr
		}
		return nil, nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, path, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, resp.Header, nil
	case resp.StatusCode == http.StatusPreconditionFailed:
		return nil, resp.Header, ErrPreconditionFailed
	}

	se := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: errorMessage(data)}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnavailable, se)
	}
	return nil, nil, se
}

func errorMessage(body []byte) string {
	var eb struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	return strings.TrimSpace(string(body))
}

func nullToNil(body []byte) json.RawMessage {
	if IsNull(body) {
		return nil
	}
	return json.RawMessage(body)
}

var _ ConditionalStore = (*HTTPStore)(nil)
