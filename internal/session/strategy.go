package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Strategy names, used in logs, metrics, and config.
const (
	StrategyPassword     = "password"
	StrategyConnectToken = "connect_token"
)

// DefaultUserAgent identifies handshake requests when none is configured.
const DefaultUserAgent = "mieapi-go"

// DefaultRefreshLayout is the layout that validates a connect token.
const DefaultRefreshLayout = "BlueHive_Refresh_Session"

// dbNameHeader carries the database discriminator on wcrelease responses.
const dbNameHeader = "x-db_name"

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// AuthStrategy performs a backend-specific handshake and returns the value
// to send in the Cookie header of subsequent requests.
type AuthStrategy interface {
	Name() string
	Identity() Identity
	Authenticate(ctx context.Context) (string, error)
}

// QueryAuthenticator is implemented by strategies whose credentials can also
// travel as query parameters (layout fetches need this).
type QueryAuthenticator interface {
	AuthQuery() url.Values
}

// PasswordStrategy logs in with a username and password and uses the
// cookies the backend sets as the credential.
type PasswordStrategy struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPasswordStrategy creates a PasswordStrategy. The base URL is the CGI
// entry point, e.g. "https://example.webchart.app/webchart.cgi".
func NewPasswordStrategy(baseURL, username, password string, httpClient *http.Client, logger *slog.Logger) *PasswordStrategy {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PasswordStrategy{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name implements AuthStrategy.
func (s *PasswordStrategy) Name() string { return StrategyPassword }

// Identity implements AuthStrategy.
func (s *PasswordStrategy) Identity() Identity {
	return Identity{BaseURL: s.baseURL, Principal: s.username}
}

// Authenticate posts the login form and collects the session cookies.
func (s *PasswordStrategy) Authenticate(ctx context.Context) (string, error) {
	form := url.Values{
		"login_user":   {s.username},
		"login_passwd": {s.password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", s.fail("login", 0, err.Error(), ErrAuthentication)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", s.fail("login", 0, err.Error(), ErrAuthentication)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", s.fail("login", resp.StatusCode, readMessage(resp), ErrAuthentication)
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	cookie := cookieHeader(resp.Cookies())
	if cookie == "" {
		return "", s.fail("login", resp.StatusCode, "no Set-Cookie header in login response", ErrSessionDiscovery)
	}

	s.logger.Debug("login succeeded",
		slog.String("principal", s.username),
		slog.Int("cookies", len(resp.Cookies())),
	)

	return cookie, nil
}

func (s *PasswordStrategy) fail(step string, status int, msg string, sentinel error) error {
	return &AuthError{Strategy: StrategyPassword, Step: step, StatusCode: status, Message: msg, Err: sentinel}
}

// ConnectTokenConfig holds the parameters of a connect-token session.
type ConnectTokenConfig struct {
	BaseURL       string
	UserID        string
	ConnectToken  string
	IPAddress     string
	RefreshLayout string // defaults to DefaultRefreshLayout
	UserAgent     string // defaults to DefaultUserAgent
}

// ConnectTokenStrategy validates a pre-shared connect token through the
// refresh layout, discovers the database name, and derives the session
// cookie "<db>_session_id=<token>".
type ConnectTokenStrategy struct {
	cfg        ConnectTokenConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewConnectTokenStrategy creates a ConnectTokenStrategy.
func NewConnectTokenStrategy(cfg ConnectTokenConfig, httpClient *http.Client, logger *slog.Logger) *ConnectTokenStrategy {
	if cfg.RefreshLayout == "" {
		cfg.RefreshLayout = DefaultRefreshLayout
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ConnectTokenStrategy{cfg: cfg, httpClient: httpClient, logger: logger}
}

// Name implements AuthStrategy.
func (s *ConnectTokenStrategy) Name() string { return StrategyConnectToken }

// Identity implements AuthStrategy.
func (s *ConnectTokenStrategy) Identity() Identity {
	return Identity{BaseURL: s.cfg.BaseURL, Principal: s.cfg.UserID}
}

// AuthQuery implements QueryAuthenticator.
func (s *ConnectTokenStrategy) AuthQuery() url.Values {
	return url.Values{
		"user_id":      {s.cfg.UserID},
		"connectToken": {s.cfg.ConnectToken},
	}
}

// refreshResponse is the JSON body of the refresh layout.
type refreshResponse struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
}

// Authenticate runs the two-step connect-token handshake.
func (s *ConnectTokenStrategy) Authenticate(ctx context.Context) (string, error) {
	if err := s.validateToken(ctx); err != nil {
		return "", err
	}

	dbName, err := s.discoverDBName(ctx)
	if err != nil {
		return "", err
	}

	s.logger.Debug("connect token validated",
		slog.String("principal", s.cfg.UserID),
		slog.String("db", dbName),
	)

	return dbName + "_session_id=" + s.cfg.ConnectToken, nil
}

// validateToken calls the refresh layout, which answers {"status":200} when
// the token is good for this user and address.
func (s *ConnectTokenStrategy) validateToken(ctx context.Context) error {
	const step = "refresh"

	q := url.Values{
		"f":            {"layoutnouser"},
		"name":         {s.cfg.RefreshLayout},
		"user_id":      {s.cfg.UserID},
		"connectToken": {s.cfg.ConnectToken},
		"ip_address":   {s.cfg.IPAddress},
	}

	resp, err := s.get(ctx, withQuery(s.cfg.BaseURL, q.Encode()+"&raw&json"), "Refresh Connection")
	if err != nil {
		return s.fail(step, 0, err.Error(), ErrAuthentication)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return s.fail(step, resp.StatusCode, readMessage(resp), ErrAuthentication)
	}

	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return s.fail(step, resp.StatusCode, "malformed refresh response: "+err.Error(), ErrAuthentication)
	}

	if !StatusOK(body.Status) {
		msg := body.Message
		if msg == "" {
			msg = "error connecting to WebChart"
		}

		return s.fail(step, resp.StatusCode, msg, ErrAuthentication)
	}

	return nil
}

// discoverDBName reads the database discriminator from the wcrelease
// response headers.
func (s *ConnectTokenStrategy) discoverDBName(ctx context.Context) (string, error) {
	const step = "wcrelease"

	resp, err := s.get(ctx, withQuery(s.cfg.BaseURL, "f=wcrelease&json"), "Get x-db_name")
	if err != nil {
		return "", s.fail(step, 0, err.Error(), ErrAuthentication)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if !isSuccess(resp.StatusCode) {
		return "", s.fail(step, resp.StatusCode, http.StatusText(resp.StatusCode), ErrAuthentication)
	}

	dbName := resp.Header.Get(dbNameHeader)
	if dbName == "" {
		return "", s.fail(step, resp.StatusCode, "db name not found in response", ErrSessionDiscovery)
	}

	return dbName, nil
}

func (s *ConnectTokenStrategy) get(ctx context.Context, rawURL, purpose string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", fmt.Sprintf("%s (%s)", s.cfg.UserAgent, purpose))

	return s.httpClient.Do(req)
}

func (s *ConnectTokenStrategy) fail(step string, status int, msg string, sentinel error) error {
	return &AuthError{Strategy: StrategyConnectToken, Step: step, StatusCode: status, Message: msg, Err: sentinel}
}

// StatusOK reports whether a JSON status field holds the 200 sentinel,
// either as a number or as a string.
func StatusOK(raw json.RawMessage) bool {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`) == "200"
}

// withQuery appends a pre-encoded query to a URL that may already have one.
func withQuery(base, query string) string {
	if strings.Contains(base, "?") {
		return base + "&" + query
	}

	return base + "?" + query
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

// cookieHeader renders response cookies as a Cookie request header value.
func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}

		parts = append(parts, c.Name+"="+c.Value)
	}

	return strings.Join(parts, "; ")
}

// readMessage returns a short description of an error response.
func readMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		return http.StatusText(resp.StatusCode)
	}

	return strings.TrimSpace(string(body))
}
