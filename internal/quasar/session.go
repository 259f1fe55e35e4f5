package quasar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/vthunder/quasar-intents/internal/logging"
)

const userAgent = "com.yandex.mobile.auth.sdk/7.15.0.715001762"

var csrfRe = regexp.MustCompile(`"csrfToken2":"(.+?)"`)

// Endpoints are the account URLs a Session talks to
type Endpoints struct {
	Passport      string // mobile passport proxy
	AccountConfig string // cheap authenticated GET used to probe cookies
	CSRFPage      string // page carrying the csrf token
	Retpath       string
}

// DefaultEndpoints returns the production endpoints
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Passport:      "https://mobileproxy.passport.yandex.net",
		AccountConfig: "https://quasar.yandex.ru/get_account_config",
		CSRFPage:      "https://yandex.ru/quasar/iot",
		Retpath:       "https://www.yandex.ru",
	}
}

// AuthError means the account is no longer authorized. The caller must stop
// its batch; re-authentication is up to the operator.
type AuthError struct {
	URL    string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: not authorized (HTTP %d)", e.URL, e.Status)
}

// IsAuthError reports whether err is or wraps an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// HTTPError is a non-success HTTP status that survived all retries
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Session is an authenticated cookie session for one account.
// Mutating requests carry a csrf token that is fetched lazily and dropped on 403;
// a 401 triggers a cookie refresh through the account's x-token.
type Session struct {
	xToken     string
	endpoints  Endpoints
	jar        http.CookieJar
	httpClient *http.Client
	noRedirect *http.Client
	retries    int

	mu        sync.Mutex
	csrfToken string
}

// NewSession creates a session for the given x-token
func NewSession(xToken string, endpoints Endpoints) *Session {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New never fails with a non-nil options value
		panic(err)
	}
	return &Session{
		xToken:    xToken,
		endpoints: endpoints,
		jar:       jar,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		noRedirect: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retries: 2,
	}
}

// Jar returns the cookie jar shared with websocket connections
func (s *Session) Jar() http.CookieJar {
	return s.jar
}

// --- Authentication ---

// Refresh checks that the cookies are still accepted and logs in again with the
// x-token when they are not. Returns false when the token is rejected.
func (s *Session) Refresh(ctx context.Context) (bool, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := s.rawJSON(ctx, http.MethodGet, s.endpoints.AccountConfig, nil, &resp); err == nil && resp.Status == "ok" {
		return true, nil
	}
	return s.LoginToken(ctx)
}

// LoginToken exchanges the x-token for session cookies
func (s *Session) LoginToken(ctx context.Context) (bool, error) {
	if s.xToken == "" {
		return false, errors.New("no x-token configured")
	}
	logging.Debug("quasar", "Logging in with x-token")

	form := url.Values{}
	form.Set("type", "x-token")
	form.Set("retpath", s.endpoints.Retpath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.endpoints.Passport+"/1/bundle/auth/x_token/", strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Ya-Consumer-Authorization", "OAuth "+s.xToken)
	req.Header.Set("User-Agent", userAgent)

	res, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("x-token login: %w", err)
	}
	defer res.Body.Close()

	var login struct {
		Status       string   `json:"status"`
		PassportHost string   `json:"passport_host"`
		TrackID      string   `json:"track_id"`
		Errors       []string `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&login); err != nil {
		return false, fmt.Errorf("x-token login: decode: %w", err)
	}
	if login.Status != "ok" {
		logging.Error("quasar", "Authorization failed: %s %v", login.Status, login.Errors)
		return false, nil
	}

	params := url.Values{}
	params.Set("track_id", login.TrackID)
	sreq, err := http.NewRequestWithContext(ctx, http.MethodGet, login.PassportHost+"/auth/session/?"+params.Encode(), nil)
	if err != nil {
		return false, err
	}
	sres, err := s.noRedirect.Do(sreq)
	if err != nil {
		return false, fmt.Errorf("session cookies: %w", err)
	}
	defer sres.Body.Close()
	if sres.StatusCode != http.StatusFound {
		body, _ := io.ReadAll(io.LimitReader(sres.Body, 1024))
		return false, fmt.Errorf("session cookies: expected 302, got %d: %s", sres.StatusCode, body)
	}

	s.mu.Lock()
	s.csrfToken = ""
	s.mu.Unlock()
	return true, nil
}

func (s *Session) csrf(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := s.csrfToken
	s.mu.Unlock()
	if token != "" {
		return token, nil
	}

	logging.Debug("quasar", "Refreshing csrf token")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoints.CSRFPage, nil)
	if err != nil {
		return "", err
	}
	res, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("csrf page: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("csrf page: %w", err)
	}
	m := csrfRe.FindSubmatch(raw)
	if m == nil {
		return "", errors.New("csrf token not found")
	}

	s.mu.Lock()
	s.csrfToken = string(m[1])
	s.mu.Unlock()
	return string(m[1]), nil
}

func (s *Session) dropCSRF() {
	s.mu.Lock()
	s.csrfToken = ""
	s.mu.Unlock()
}

// --- Requests ---

// Get fetches url and decodes the JSON response into out
func (s *Session) Get(ctx context.Context, url string, out any) error {
	return s.request(ctx, http.MethodGet, url, nil, out)
}

// Post sends body as JSON and decodes the response into out
func (s *Session) Post(ctx context.Context, url string, body, out any) error {
	return s.request(ctx, http.MethodPost, url, body, out)
}

// Put sends body as JSON and decodes the response into out
func (s *Session) Put(ctx context.Context, url string, body, out any) error {
	return s.request(ctx, http.MethodPut, url, body, out)
}

// Delete deletes url and decodes the response into out
func (s *Session) Delete(ctx context.Context, url string, out any) error {
	return s.request(ctx, http.MethodDelete, url, nil, out)
}

func (s *Session) request(ctx context.Context, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	retry := s.retries
	for {
		status, respBody, err := s.do(ctx, method, url, payload)
		if err != nil {
			return err
		}
		if status == http.StatusOK {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode %s: %w", url, err)
			}
			return nil
		}

		text := logging.Truncate(string(respBody), 1024)
		switch status {
		case http.StatusBadRequest:
			retry = 0
		case http.StatusUnauthorized:
			if _, err := s.Refresh(ctx); err != nil {
				logging.Warn("quasar", "Cookie refresh failed: %v", err)
			}
		case http.StatusForbidden:
			s.dropCSRF()
		default:
			logging.Warn("quasar", "%s returned %d: %s", url, status, text)
		}

		if retry <= 0 {
			if status == http.StatusUnauthorized {
				return &AuthError{URL: url, Status: status}
			}
			return &HTTPError{Method: method, URL: url, Status: status, Body: text}
		}
		retry--
		logging.Debug("quasar", "Retrying %s %s", method, url)
	}
}

func (s *Session) do(ctx context.Context, method, url string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		token, err := s.csrf(ctx)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("x-csrf-token", token)
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: read body: %w", method, url, err)
	}
	return res.StatusCode, data, nil
}

// rawJSON performs one request outside the retry policy
func (s *Session) rawJSON(ctx context.Context, method, url string, payload []byte, out any) error {
	status, body, err := s.do(ctx, method, url, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &HTTPError{Method: method, URL: url, Status: status}
	}
	return json.Unmarshal(body, out)
}
