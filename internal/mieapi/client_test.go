package mieapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mieweb/mieapi-go/internal/endpoint"
	"github.com/mieweb/mieapi-go/internal/metrics"
	"github.com/mieweb/mieapi-go/internal/session"
)

// fakeSession hands out "cookie-N" where N-1 is the number of refreshes.
type fakeSession struct {
	ensures    atomic.Int32
	refreshes  atomic.Int32
	ensureErr  error
	refreshErr error
}

func (f *fakeSession) EnsureValid(context.Context) (string, error) {
	f.ensures.Add(1)

	if f.ensureErr != nil {
		return "", f.ensureErr
	}

	return fmt.Sprintf("cookie-%d", f.refreshes.Load()+1), nil
}

func (f *fakeSession) Refresh(context.Context) (string, error) {
	n := f.refreshes.Add(1)

	if f.refreshErr != nil {
		return "", f.refreshErr
	}

	return fmt.Sprintf("cookie-%d", n+1), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestClient(t *testing.T, srv *httptest.Server, sess Session, opts Options) *Client {
	t.Helper()

	c := NewClient(srv.URL+"/webchart.cgi", srv.Client(), sess, endpoint.DefaultTable(), testLogger(t), opts)
	c.newRequestID = func() string { return "req-1" }

	return c
}

// decodeSegment returns the plain text of the encoded path segment.
func decodeSegment(t *testing.T, r *http.Request, prefix string) string {
	t.Helper()

	seg := strings.TrimPrefix(r.URL.Path, prefix+"/")
	plain, err := base64.StdEncoding.DecodeString(seg)
	require.NoError(t, err)

	return string(plain)
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestEncodeSegment(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		path      string
		params    url.Values
		enc       ParamEncoding
		wantPlain string
		wantQuery string
	}{
		{"params in path", "GET", "patients", url.Values{"id": {"42"}}, ParamsInPath, "GET/patients/id=42", ""},
		{"no params", "GET", "patients", nil, ParamsInPath, "GET/patients", ""},
		{"slashes trimmed", "POST", "/db/patients/", nil, ParamsInPath, "POST/db/patients", ""},
		{"sorted params", "GET", "patients", url.Values{"b": {"2"}, "a": {"1"}}, ParamsInPath, "GET/patients/a=1&b=2", ""},
		{"params in query", "GET", "patients", url.Values{"id": {"42"}}, ParamsInQuery, "GET/patients", "id=42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg, query := EncodeSegment(tt.method, tt.path, tt.params, tt.enc)
			assert.Equal(t, b64(tt.wantPlain), seg)
			assert.Equal(t, tt.wantQuery, query)
		})
	}
}

func TestCall_PatientScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "GET/patients/id=42", decodeSegment(t, r, "/webchart.cgi"))
		assert.Equal(t, "cookie-1", r.Header.Get("Cookie"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Empty(t, r.URL.RawQuery, "credential and params must not leak into the query")

		_, _ = w.Write([]byte(`{"id":42,"first_name":"Ada"}`))
	}))
	defer srv.Close()

	sess := &fakeSession{}
	c := newTestClient(t, srv, sess, Options{})

	payload, err := c.Call(context.Background(), "GET", "Patient", url.Values{"id": {"42"}}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"first_name":"Ada"}`, string(payload))
	assert.Equal(t, int32(1), sess.ensures.Load())
	assert.Equal(t, int32(0), sess.refreshes.Load())
}

func TestCall_UnresolvedEndpointPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET/db/custom_table", decodeSegment(t, r, "/webchart.cgi"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeSession{}, Options{})

	payload, err := c.Get(context.Background(), "db/custom_table", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(payload))
}

func TestCall_LowercaseMethodNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "GET/patients", decodeSegment(t, r, "/webchart.cgi"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, &fakeSession{}, Options{}).Call(context.Background(), "get", "patient", nil, nil)
	require.NoError(t, err)
}

func TestCall_RetryAfterTransportFailure(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			assert.Equal(t, "cookie-1", r.Header.Get("Cookie"))
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		assert.Equal(t, "cookie-2", r.Header.Get("Cookie"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sess := &fakeSession{}
	c := newTestClient(t, srv, sess, Options{})

	payload, err := c.Get(context.Background(), "Patient", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(payload))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), sess.refreshes.Load())
}

func TestCall_RetryAfterApplicationFailure(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"meta":{"status":"401","message":"Session expired"}}`))

			return
		}

		_, _ = w.Write([]byte(`{"meta":{"status":"200"},"db":[{"pat_id":"42"}]}`))
	}))
	defer srv.Close()

	sess := &fakeSession{}
	c := newTestClient(t, srv, sess, Options{})

	payload, err := c.Get(context.Background(), "Patient", url.Values{"pat_id": {"42"}})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"pat_id":"42"`)
	assert.Equal(t, int32(1), sess.refreshes.Load())
}

func TestCall_RetryAfterEmptyBody(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)

			return
		}

		assert.Equal(t, "cookie-2", r.Header.Get("Cookie"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sess := &fakeSession{}
	c := newTestClient(t, srv, sess, Options{})

	payload, err := c.Get(context.Background(), "Patient", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(payload))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), sess.refreshes.Load())
}

func TestCall_EmptyBodyTwiceIsApplicationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sess := &fakeSession{}
	c := newTestClient(t, srv, sess, Options{})

	_, err := c.Get(context.Background(), "Patient", nil)
	require.ErrorIs(t, err, ErrApplication)
	assert.Equal(t, int32(1), sess.refreshes.Load())
}

// slowFirst delays its first n responses past the client timeout.
func slowFirst(n int32, calls *atomic.Int32, cookies chan<- string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookies <- r.Header.Get("Cookie")

		if calls.Add(1) <= n {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-r.Context().Done():
			}

			return
		}

		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

func TestCall_RetryAfterClientTimeout(t *testing.T) {
	var calls atomic.Int32

	cookies := make(chan string, 2)

	srv := httptest.NewServer(slowFirst(1, &calls, cookies))
	defer srv.Close()

	srv.Client().Timeout = 50 * time.Millisecond

	sess := &fakeSession{}
	c := newTestClient(t, srv, sess, Options{})

	payload, err := c.Get(context.Background(), "Patient", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(payload))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), sess.refreshes.Load())
	assert.Equal(t, "cookie-1", <-cookies)
	assert.Equal(t, "cookie-2", <-cookies)
}

func TestCall_ClientTimeoutTwiceSurfacesTransportError(t *testing.T) {
	var calls atomic.Int32

	cookies := make(chan string, 2)

	srv := httptest.NewServer(slowFirst(2, &calls, cookies))
	defer srv.Close()

	srv.Client().Timeout = 50 * time.Millisecond

	sess := &fakeSession{}
	c := newTestClient(t, srv, sess, Options{})

	_, err := c.Get(context.Background(), "Patient", nil)
	require.ErrorIs(t, err, ErrTransport)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Zero(t, apiErr.StatusCode)
	assert.Equal(t, "GET", apiErr.Method)
	assert.Equal(t, "Patient", apiErr.Endpoint)
	assert.Contains(t, apiErr.Message, "Client.Timeout")

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), sess.refreshes.Load())
	assert.Equal(t, "cookie-1", <-cookies)
	assert.Equal(t, "cookie-2", <-cookies)
}

func TestCall_FailsTwiceSurfacesSecondError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("first failure"))

			return
		}

		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("second failure"))
	}))
	defer srv.Close()

	sess := &fakeSession{}
	c := newTestClient(t, srv, sess, Options{})

	_, err := c.Get(context.Background(), "Patient", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "second failure", apiErr.Message)
	assert.Equal(t, "GET", apiErr.Method)
	assert.Equal(t, "Patient", apiErr.Endpoint)
	assert.Equal(t, "req-1", apiErr.RequestID)

	// Exactly one retry.
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), sess.refreshes.Load())
}

func TestCall_SessionFailureNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	authErr := &session.AuthError{Strategy: "password", Step: "login", StatusCode: 401, Message: "denied", Err: session.ErrAuthentication}
	sess := &fakeSession{ensureErr: authErr}
	c := newTestClient(t, srv, sess, Options{})

	_, err := c.Get(context.Background(), "Patient", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrAuthentication)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int32(0), sess.refreshes.Load())
}

func TestCall_RefreshFailureOnRetrySurfaces(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sess := &fakeSession{refreshErr: &session.AuthError{Strategy: "password", Step: "login", Message: "no cookie", Err: session.ErrSessionDiscovery}}
	c := newTestClient(t, srv, sess, Options{})

	_, err := c.Get(context.Background(), "Patient", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionDiscovery)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCall_ContextCanceledNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sess := &fakeSession{}
	c := newTestClient(t, srv, sess, Options{})

	_, err := c.Get(ctx, "Patient", nil)
	require.Error(t, err)
	assert.Equal(t, int32(0), sess.refreshes.Load())
}

func TestCall_NonJSONIsApplicationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>Please log in</html>"))
	}))
	defer srv.Close()

	sess := &fakeSession{}
	_, err := newTestClient(t, srv, sess, Options{}).Get(context.Background(), "Patient", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApplication)
	assert.Equal(t, int32(1), sess.refreshes.Load())
}

func TestPost_SendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "POST/patients", decodeSegment(t, r, "/webchart.cgi"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"first_name":"Ada"}`, string(body))

		_, _ = w.Write([]byte(`{"pat_id":"1"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, &fakeSession{}, Options{}).
		Post(context.Background(), "patient", nil, map[string]string{"first_name": "Ada"})
	require.NoError(t, err)
}

func TestPost_RetryResendsBody(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(body))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)

			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, &fakeSession{}, Options{}).
		Post(context.Background(), "patient", nil, map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPut_NormalizesBody(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"single object", map[string]int{"a": 1}, `[{"a":1}]`},
		{"already array", []map[string]int{{"a": 1}, {"a": 2}}, `[{"a":1},{"a":2}]`},
		{"raw object", json.RawMessage(`{"a":1}`), `[{"a":1}]`},
		{"raw array", json.RawMessage(`[{"a":1}]`), `[{"a":1}]`},
		{"nil", nil, `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPut, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				body, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				assert.JSONEq(t, tt.want, string(body))

				_, _ = w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv, &fakeSession{}, Options{}).Put(context.Background(), "Patient", nil, tt.body)
			require.NoError(t, err)
		})
	}
}

func TestNormalizePutBody(t *testing.T) {
	obj := map[string]any{"a": 1}
	assert.Equal(t, []any{obj}, NormalizePutBody(obj))

	seq := []any{obj, obj}
	assert.Equal(t, seq, NormalizePutBody(seq))

	arr := [2]int{1, 2}
	assert.Equal(t, arr, NormalizePutBody(arr))

	assert.Equal(t, []any{"x"}, NormalizePutBody("x"))
	assert.Equal(t, []any{}, NormalizePutBody(nil))
	assert.Equal(t, json.RawMessage("[]"), NormalizePutBody(json.RawMessage("  ")))
}

func TestCall_PathPrefixAndQueryEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/webchart.cgi/json/"))
		assert.Equal(t, "GET/patients", decodeSegment(t, r, "/webchart.cgi/json"))
		assert.Equal(t, "limit=10", r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"meta":{"status":200}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeSession{}, Options{PathPrefix: "json/", ParamEncoding: ParamsInQuery})

	_, err := c.Get(context.Background(), "Patient", url.Values{"limit": {"10"}})
	require.NoError(t, err)
}

func TestCall_RecordsMetrics(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	mx := metrics.New(prometheus.NewRegistry())
	c := newTestClient(t, srv, &fakeSession{}, Options{Metrics: mx})

	_, err := c.Get(context.Background(), "Patient", nil)
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(mx.RetriesTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(mx.RequestsTotal.WithLabelValues("GET", metrics.ResultOK)), 0)
}

func TestParseParamEncoding(t *testing.T) {
	enc, err := ParseParamEncoding("")
	require.NoError(t, err)
	assert.Equal(t, ParamsInPath, enc)

	enc, err = ParseParamEncoding("query")
	require.NoError(t, err)
	assert.Equal(t, ParamsInQuery, enc)

	_, err = ParseParamEncoding("body")
	require.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&APIError{Err: ErrTransport}))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &APIError{Err: ErrApplication})))
	assert.False(t, IsRetryable(session.ErrAuthentication))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(errors.New("other")))
}

// TestCall_ExpiredSessionEndToEnd drives a real Manager and PasswordStrategy
// against a backend that reports the first session as expired inside a 200.
func TestCall_ExpiredSessionEndToEnd(t *testing.T) {
	var logins atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webchart.cgi", func(w http.ResponseWriter, _ *http.Request) {
		n := logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "wc_session", Value: fmt.Sprintf("s%d", n)})
	})
	mux.HandleFunc("GET /webchart.cgi/{segment}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, b64("GET/patients/id=42"), r.PathValue("segment"))

		if r.Header.Get("Cookie") != "wc_session=s2" {
			_, _ = w.Write([]byte(`{"meta":{"status":"401","message":"Session expired"}}`))

			return
		}

		_, _ = w.Write([]byte(`{"meta":{"status":"200"},"id":42}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	base := srv.URL + "/webchart.cgi"
	logger := testLogger(t)
	strategy := session.NewPasswordStrategy(base, "alice", "pw", srv.Client(), logger)
	mgr := session.NewManager(strategy, session.NewMemoryStore(), 0, nil, logger)
	c := NewClient(base, srv.Client(), mgr, endpoint.DefaultTable(), logger, Options{})

	payload, err := c.Get(context.Background(), "Patient", url.Values{"id": {"42"}})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"id":42`)
	assert.Equal(t, int32(2), logins.Load(), "exactly one additional authentication")

	// The refreshed session is cached: no further logins.
	_, err = c.Get(context.Background(), "Patient", url.Values{"id": {"42"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), logins.Load())
}

func TestCall_RequestIDFromContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "inbound-7", r.Header.Get("X-Request-ID"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx := WithRequestID(context.Background(), "inbound-7")

	_, err := newTestClient(t, srv, &fakeSession{}, Options{}).Get(ctx, "Patient", nil)
	require.NoError(t, err)
}
