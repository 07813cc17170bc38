// Package api talks to the fleet management REST backend. Only the
// two credential endpoints live here; every other backend call goes
// through the authenticated transport with its caller-owned paths.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	apperrors "github.com/fleetsys/fleetgate/internal/errors"
	"github.com/fleetsys/fleetgate/internal/session"
)

// Credential exchange endpoints, relative to the backend base URL.
const (
	LoginPath   = "/api/auth/login/"
	RefreshPath = "/api/auth/refresh/"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client
	// used when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the backend's auth endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// LoginResult is the payload of a successful credential exchange.
type LoginResult struct {
	Access  string                `json:"access"`
	Refresh string                `json:"refresh"`
	User    *session.UserIdentity `json:"user"`
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents credentials from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a backend client for the given base URL. If
// httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// Login exchanges credentials for a token pair and user profile.
// Backend rejections surface the detail/non_field_errors message
// wrapped over ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body := map[string]string{"username": username, "password": password}

	respBody, status, err := c.post(ctx, LoginPath, body)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		if msg := errorMessage(respBody); msg != "" {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidCredentials, msg)
		}

		return nil, fmt.Errorf("%w: login returned status %d", apperrors.ErrInvalidCredentials, status)
	}

	var result LoginResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding login response: %v", apperrors.ErrAPIResponse, err)
	}

	if result.Access == "" || result.Refresh == "" {
		return nil, fmt.Errorf("%w: login response missing tokens", apperrors.ErrAPIResponse)
	}

	return &result, nil
}

// Refresh exchanges a refresh token for a new access token. Any
// non-2xx status or network failure is an error; retry policy, if
// any, belongs to the caller.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	body := map[string]string{"refresh": refreshToken}

	respBody, status, err := c.post(ctx, RefreshPath, body)
	if err != nil {
		return "", err
	}

	if status < 200 || status > 299 {
		return "", fmt.Errorf("%w: refresh returned status %d", apperrors.ErrInvalidToken, status)
	}

	access := gjson.GetBytes(respBody, "access").Str
	if access == "" {
		return "", fmt.Errorf("%w: refresh response missing access token", apperrors.ErrAPIResponse)
	}

	return access, nil
}

// post sends a JSON POST and returns the capped response body and
// status. Transport-level failures wrap ErrAPIRequest.
func (c *Client) post(ctx context.Context, path string, body any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: sending request to %s: %v", apperrors.ErrAPIRequest, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response from %s: %v", apperrors.ErrAPIRequest, path, err)
	}

	return respBody, resp.StatusCode, nil
}

// errorMessage extracts the backend's error description from a
// rejection body. The backend is not consistent: sometimes "detail",
// sometimes a "non_field_errors" array.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "detail").Str; msg != "" {
		return sanitize(msg)
	}

	if first := gjson.GetBytes(body, "non_field_errors.0").Str; first != "" {
		return sanitize(first)
	}

	return ""
}

// sanitize truncates and cleans a backend-provided string for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitize(s string) string {
	const maxLen = 256

	body := []byte(s)
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
