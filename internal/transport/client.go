// Package transport performs the REST side of the chat protocol:
// cookie-authenticated requests, bracket-notation query encoding, JSON
// body handling, pagination and typed HTTP errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teamchat/teamchat-go/pkg/logger"
	"github.com/teamchat/teamchat-go/pkg/metrics"
)

// Client issues REST requests against one installation.
type Client struct {
	base   *url.URL
	token  *Token
	http   *http.Client
	log    *logger.Logger
	tracer trace.Tracer
}

// New creates a transport bound to the installation base URL. The token
// holder is shared with the socket dialer.
func New(base *url.URL, token *Token, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log,
		tracer: otel.Tracer("teamchat/transport"),
	}
}

// SetHTTPClient overrides the underlying http.Client (tests, custom
// transports).
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// Token returns the shared cookie holder.
func (c *Client) Token() *Token { return c.token }

// Base returns the installation base URL.
func (c *Client) Base() *url.URL { return c.base }

// Options configures a single request.
type Options struct {
	// Method defaults to GET.
	Method string
	// Body is serialized as JSON unless it is a string or []byte, which
	// pass through verbatim.
	Body any
	// Query is encoded with bracket notation. The path must not already
	// contain a query string when Query is set.
	Query Query
	// Headers are merged over the defaults.
	Headers map[string]string
	// NoAuth skips the tw-auth cookie (login).
	NoAuth bool
}

// Do sends the request and returns the raw response without status
// checking. The caller owns the response body.
func (c *Client) Do(ctx context.Context, path string, opts Options) (*http.Response, error) {
	req, err := c.build(ctx, path, &opts)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(req, opts.Method)
}

// Request sends the request, fails non-2xx responses with *HTTPError,
// and decodes the JSON body into out when out is non-nil. An empty
// response (Content-Length 0 or 204) leaves out untouched.
func (c *Client) Request(ctx context.Context, path string, opts Options, out any) error {
	resp, err := c.Do(ctx, path, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &HTTPError{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Method:     methodOf(opts.Method),
			URL:        resp.Request.URL.String(),
			body:       body,
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || resp.ContentLength == 0 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Page annotates a list response with the server's paging window.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

// ListOptions configures a paginated list request. Offset and limit are
// injected as page[offset] and page[limit] only when set.
type ListOptions struct {
	Offset *int
	Limit  *int
	Query  Query
}

// RequestList performs a paginated GET, decodes the body into out and
// returns the paging metadata when the server supplied any.
func (c *Client) RequestList(ctx context.Context, path string, lo ListOptions, out any) (*Page, error) {
	q := Query{}
	for k, v := range lo.Query {
		q[k] = v
	}
	page := map[string]any{}
	if lo.Offset != nil {
		page["offset"] = *lo.Offset
	}
	if lo.Limit != nil {
		page["limit"] = *lo.Limit
	}
	if len(page) > 0 {
		q["page"] = page
	}

	resp, err := c.Do(ctx, path, Options{Query: q})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Method:     http.MethodGet,
			URL:        resp.Request.URL.String(),
			body:       body,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, err
		}
	}

	var meta struct {
		Page *Page `json:"page"`
		Meta *struct {
			Page *Page `json:"page"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &meta); err == nil {
		if meta.Page != nil {
			return meta.Page, nil
		}
		if meta.Meta != nil && meta.Meta.Page != nil {
			return meta.Meta.Page, nil
		}
	}
	return nil, nil
}

func (c *Client) build(ctx context.Context, path string, opts *Options) (*http.Request, error) {
	if len(opts.Query) > 0 && strings.Contains(path, "?") {
		return nil, &ValidationError{Reason: "target already contains a query string; pass parameters via Query"}
	}

	target := c.base.ResolveReference(&url.URL{Path: joinPath(c.base.Path, path)})
	if len(opts.Query) > 0 {
		target.RawQuery = opts.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch b := opts.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	case []byte:
		body = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, methodOf(opts.Method), target.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if !opts.NoAuth && c.token != nil {
		req.Header.Set("Cookie", c.token.Cookie())
	}
	req.Header.Set("X-Correlation-ID", uuid.NewString())
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) roundTrip(req *http.Request, method string) (*http.Response, error) {
	ctx, span := c.tracer.Start(req.Context(), "chat.request",
		trace.WithAttributes(
			attribute.String("http.method", methodOf(method)),
			attribute.String("url.path", req.URL.Path),
		))
	defer span.End()

	start := time.Now()
	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordRequest(methodOf(method), req.URL.Path, "error", elapsed.Seconds())
		c.log.Warn("request failed",
			zap.String("method", methodOf(method)),
			zap.String("path", req.URL.Path),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	metrics.RecordRequest(methodOf(method), req.URL.Path, resp.Status, elapsed.Seconds())
	c.log.Debug("request",
		zap.String("method", methodOf(method)),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))
	return resp, nil
}

func methodOf(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m)
}

func joinPath(base, path string) string {
	if path == "" {
		return base
	}
	if strings.HasSuffix(base, "/") {
		base = strings.TrimSuffix(base, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
