package mieapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LayoutRequest names a WebChart layout and its CGI parameters.
type LayoutRequest struct {
	Module string
	Name   string
	Params url.Values

	// The backend is asked for raw JSON output unless these are set.
	OmitRaw  bool
	OmitJSON bool
}

// queryAuthenticator is implemented by sessions whose credentials can also
// travel as query parameters.
type queryAuthenticator interface {
	AuthQuery() url.Values
}

// FetchLayout runs a layout through the f=layout CGI entry point with the
// session cookie attached. It follows the same refresh-and-retry-once policy
// as Call. With OmitJSON the body is returned as is, JSON or not.
func (c *Client) FetchLayout(ctx context.Context, lr LayoutRequest) (json.RawMessage, error) {
	start := time.Now()
	target := c.layoutURL(lr)
	label := "layout:" + lr.Module + "/" + lr.Name
	reqID := c.requestID(ctx)

	payload, err := c.withRetry(ctx, reqID, http.MethodGet, label, func(ctx context.Context, cookie string) (json.RawMessage, error) {
		return c.execute(ctx, reqID, http.MethodGet, label, target, nil, cookie, !lr.OmitJSON)
	})
	c.opts.Metrics.ObserveRequest("LAYOUT", time.Since(start), err)

	return payload, err
}

func (c *Client) layoutURL(lr LayoutRequest) string {
	q := url.Values{
		"f":      {"layout"},
		"module": {lr.Module},
		"name":   {lr.Name},
	}

	if qa, ok := c.session.(queryAuthenticator); ok {
		for k, vs := range qa.AuthQuery() {
			q[k] = append(q[k], vs...)
		}
	}

	for k, vs := range lr.Params {
		q[k] = append(q[k], vs...)
	}

	var sb strings.Builder

	sb.WriteString(c.baseURL)

	if strings.Contains(c.baseURL, "?") {
		sb.WriteByte('&')
	} else {
		sb.WriteByte('?')
	}

	sb.WriteString(q.Encode())

	if !lr.OmitRaw {
		sb.WriteString("&raw")
	}

	if !lr.OmitJSON {
		sb.WriteString("&json")
	}

	return sb.String()
}
