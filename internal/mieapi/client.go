package mieapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mieweb/mieapi-go/internal/metrics"
)

// DefaultUserAgent is sent when Options.UserAgent is empty.
const DefaultUserAgent = "mieapi-go"

// Content types by request kind.
const (
	contentTypeForm = "application/x-www-form-urlencoded"
	contentTypeJSON = "application/json"
)

// requestIDHeader carries the per-call request id.
const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID returns a context whose calls carry id in X-Request-ID
// instead of a generated one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// Session supplies the credential for each call. *session.Manager
// implements it.
type Session interface {
	EnsureValid(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Resolver maps logical endpoint names to physical paths. *endpoint.Table
// implements it.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// ParamEncoding selects where call parameters go.
type ParamEncoding int

const (
	// ParamsInPath encodes base64("METHOD/endpoint/params") as one segment.
	ParamsInPath ParamEncoding = iota
	// ParamsInQuery encodes base64("METHOD/endpoint") and sends params as
	// the query string.
	ParamsInQuery
)

// ParseParamEncoding maps the config spelling to a ParamEncoding.
func ParseParamEncoding(s string) (ParamEncoding, error) {
	switch s {
	case "", "path":
		return ParamsInPath, nil
	case "query":
		return ParamsInQuery, nil
	default:
		return ParamsInPath, fmt.Errorf("mieapi: unknown param encoding %q", s)
	}
}

// Options tunes the wire encoding. The zero value is valid.
type Options struct {
	// PathPrefix is inserted between the base URL and the encoded segment,
	// e.g. "/json" for connect-token deployments.
	PathPrefix    string
	ParamEncoding ParamEncoding
	UserAgent     string
	Metrics       *metrics.Metrics
}

// Client calls the WebChart JSON API on behalf of one session.
// Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    Session
	resolver   Resolver
	opts       Options
	logger     *slog.Logger

	// newRequestID generates per-call ids. Tests override it.
	newRequestID func() string
}

// NewClient creates a Client. baseURL is the CGI entry point, e.g.
// "https://example.webchart.app/webchart.cgi". A nil resolver passes every
// endpoint name through unchanged.
func NewClient(baseURL string, httpClient *http.Client, sess Session, resolver Resolver, logger *slog.Logger, opts Options) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	opts.PathPrefix = normalizePrefix(opts.PathPrefix)

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		session:      sess,
		resolver:     resolver,
		opts:         opts,
		logger:       logger,
		newRequestID: uuid.NewString,
	}
}

// Get reads a resource.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodGet, endpoint, params, nil)
}

// Post creates a resource.
func (c *Client) Post(ctx context.Context, endpoint string, params url.Values, body any) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodPost, endpoint, params, body)
}

// Put updates resources. The backend requires PUT bodies to be JSON arrays,
// so a single value is wrapped in a one-element array.
func (c *Client) Put(ctx context.Context, endpoint string, params url.Values, body any) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodPut, endpoint, params, NormalizePutBody(body))
}

// Call performs one logical API call. On a transport or application failure
// it forces a session refresh and retries exactly once; a second failure is
// returned as is.
func (c *Client) Call(ctx context.Context, method, endpoint string, params url.Values, body any) (json.RawMessage, error) {
	start := time.Now()
	method = strings.ToUpper(method)

	payload, err := c.call(ctx, method, endpoint, params, body)
	c.opts.Metrics.ObserveRequest(method, time.Since(start), err)

	return payload, err
}

func (c *Client) call(ctx context.Context, method, endpoint string, params url.Values, body any) (json.RawMessage, error) {
	var data []byte

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("mieapi: encoding %s %s body: %w", method, endpoint, err)
		}

		data = encoded
	}

	path := c.resolve(endpoint)
	target := c.buildURL(method, path, params)
	reqID := c.requestID(ctx)

	return c.withRetry(ctx, reqID, method, endpoint, func(ctx context.Context, cookie string) (json.RawMessage, error) {
		return c.execute(ctx, reqID, method, endpoint, target, data, cookie, true)
	})
}

func (c *Client) requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}

	return c.newRequestID()
}

// attemptFunc runs one request with the given session cookie.
type attemptFunc func(ctx context.Context, cookie string) (json.RawMessage, error)

// withRetry runs attempt with a valid session and, on a retryable failure,
// once more after a forced refresh.
func (c *Client) withRetry(ctx context.Context, reqID, method, endpoint string, attempt attemptFunc) (json.RawMessage, error) {
	cookie, err := c.session.EnsureValid(ctx)
	if err != nil {
		c.logger.Error("no valid session",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	payload, err := attempt(ctx, cookie)
	if err == nil {
		return payload, nil
	}

	if !IsRetryable(err) || ctx.Err() != nil {
		c.logger.Error("request failed",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	c.logger.Warn("request failed, refreshing session and retrying",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
	)
	c.opts.Metrics.IncRetry()

	cookie, err = c.session.Refresh(ctx)
	if err != nil {
		c.logger.Error("session refresh before retry failed",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	payload, err = attempt(ctx, cookie)
	if err != nil {
		c.logger.Error("request failed after retry",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	return payload, nil
}

// execute sends one HTTP request and classifies the response.
func (c *Client) execute(
	ctx context.Context,
	reqID, method, endpoint, target string,
	data []byte,
	cookie string,
	wantJSON bool,
) (json.RawMessage, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("mieapi: creating request: %w", err)
	}

	if method == http.MethodGet {
		req.Header.Set("Content-Type", contentTypeForm)
	} else {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("Cookie", cookie)
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set(requestIDHeader, reqID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("mieapi: request canceled: %w", ctx.Err())
		}

		return nil, &APIError{Method: method, Endpoint: endpoint, Message: err.Error(), RequestID: reqID, Err: ErrTransport}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{
			Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode,
			Message: "reading response: " + err.Error(), RequestID: reqID, Err: ErrTransport,
		}
	}

	payload, apiErr := classify(resp.StatusCode, raw, wantJSON)
	if apiErr != nil {
		apiErr.Method = method
		apiErr.Endpoint = endpoint
		apiErr.RequestID = reqID

		return nil, apiErr
	}

	c.logger.Debug("request succeeded",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.String("request_id", reqID),
		slog.Int("status", resp.StatusCode),
	)

	return payload, nil
}

// resolve maps a logical endpoint to its physical path, passing unknown
// names through unchanged.
func (c *Client) resolve(endpoint string) string {
	if c.resolver == nil {
		return endpoint
	}

	if path, ok := c.resolver.Resolve(endpoint); ok {
		return path
	}

	return endpoint
}

// buildURL embeds the verb, path, and (by default) the params in one
// base64 path segment. The credential is never part of the URL.
func (c *Client) buildURL(method, path string, params url.Values) string {
	segment, query := EncodeSegment(method, path, params, c.opts.ParamEncoding)

	u := c.baseURL + c.opts.PathPrefix + "/" + segment
	if query != "" {
		u += "?" + query
	}

	return u
}

// EncodeSegment returns the base64 path segment for a call and, for
// ParamsInQuery, the query string to send alongside it.
func EncodeSegment(method, path string, params url.Values, enc ParamEncoding) (string, string) {
	plain := method + "/" + strings.Trim(path, "/")
	encodedParams := params.Encode()

	var query string

	switch enc {
	case ParamsInQuery:
		query = encodedParams
	default:
		if encodedParams != "" {
			plain += "/" + encodedParams
		}
	}

	return base64.StdEncoding.EncodeToString([]byte(plain)), query
}

// NormalizePutBody wraps body in a one-element array unless it already is a
// slice, array, or raw JSON array. nil becomes an empty array.
func NormalizePutBody(body any) any {
	switch v := body.(type) {
	case nil:
		return []any{}
	case json.RawMessage:
		trimmed := bytes.TrimSpace(v)

		switch {
		case len(trimmed) == 0:
			return json.RawMessage("[]")
		case trimmed[0] == '[':
			return v
		default:
			wrapped := make([]byte, 0, len(trimmed)+2)
			wrapped = append(wrapped, '[')
			wrapped = append(wrapped, trimmed...)
			wrapped = append(wrapped, ']')

			return json.RawMessage(wrapped)
		}
	}

	switch reflect.ValueOf(body).Kind() {
	case reflect.Slice, reflect.Array:
		return body
	default:
		return []any{body}
	}
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}

	return "/" + p
}
