package inkrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AccessTokenProvider supplies the bearer token for each remote call.
type AccessTokenProvider func(ctx context.Context) (string, error)

type HTTPRemoteClientOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPRemoteClient talks to the document repository's HTTP API.
// Transient failures (network errors, 429, 5xx) are retried a bounded
// number of times with exponential backoff; Retry-After is honored.
type HTTPRemoteClient struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPRemoteClient(opts HTTPRemoteClientOptions) *HTTPRemoteClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://cloud.inkrelay.dev"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPRemoteClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *HTTPRemoteClient) EnsureFolder(ctx context.Context, folderName string) error {
	path := "/v1/folders/" + url.PathEscape(folderName)
	return c.do(ctx, "ensure folder", http.MethodPut, path, map[string]string{"name": folderName}, nil, nil)
}

func (c *HTTPRemoteClient) ListDocuments(ctx context.Context, folderName string) ([]RemoteDocument, error) {
	path := "/v1/folders/" + url.PathEscape(folderName) + "/documents"
	var out struct {
		Documents []RemoteDocument `json:"documents"`
	}
	missing := false
	err := c.do(ctx, "list documents", http.MethodGet, path, nil, &out, &missing)
	if err != nil {
		return nil, err
	}
	if missing || out.Documents == nil {
		return []RemoteDocument{}, nil
	}
	return out.Documents, nil
}

func (c *HTTPRemoteClient) UploadDocument(ctx context.Context, folderName, displayName string, payload []byte) (RemoteDocument, error) {
	path := "/v1/folders/" + url.PathEscape(folderName) + "/documents"
	body := struct {
		DisplayName string `json:"displayName"`
		Content     []byte `json:"content"`
	}{DisplayName: displayName, Content: payload}
	var doc RemoteDocument
	if err := c.do(ctx, "upload document", http.MethodPost, path, body, &doc, nil); err != nil {
		return RemoteDocument{}, err
	}
	if strings.TrimSpace(doc.ID) == "" {
		return RemoteDocument{}, &RemoteOperationError{Op: "upload document", Message: "response missing document id"}
	}
	return doc, nil
}

func (c *HTTPRemoteClient) DeleteDocument(ctx context.Context, doc RemoteDocument) error {
	if strings.TrimSpace(doc.ID) == "" {
		return ErrInvalidInput
	}
	path := "/v1/documents/" + url.PathEscape(doc.ID)
	return c.do(ctx, "delete document", http.MethodDelete, path, nil, nil, nil)
}

// do runs one request with retries. When notFound is non-nil, a 404
// response sets *notFound and returns nil instead of an error; the
// core treats a missing folder as an empty listing.
func (c *HTTPRemoteClient) do(ctx context.Context, op, method, path string, payload, out any, notFound *bool) error {
	if c == nil {
		return fmt.Errorf("remote http client is nil")
	}
	var token string
	if c.tokenProvider != nil {
		var err error
		token, err = c.tokenProvider(ctx)
		if err != nil {
			return err
		}
		token = strings.TrimSpace(token)
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	fullURL := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("decode %s response: %w", op, err)
				}
			}
			return nil
		}
		if resp.StatusCode == http.StatusNotFound && notFound != nil {
			*notFound = true
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return remoteErrorFromResponse(op, resp.StatusCode, respBody)
	}
}

func remoteErrorFromResponse(op string, status int, body []byte) error {
	errCode := ""
	errMessage := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
	}
	return &RemoteOperationError{Op: op, StatusCode: status, Code: errCode, Message: errMessage}
}

func (c *HTTPRemoteClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
