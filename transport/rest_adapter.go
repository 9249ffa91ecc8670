package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-multibank/core"
)

const KindREST = "rest"

const defaultRESTClientTimeout = 30 * time.Second
const defaultRESTResponseBodyLimit int64 = 4 << 20 // 4 MiB

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallPolicy gates outbound calls that carry a LimitKey. BeforeCall may
// block or refuse; AfterCall sees every response for that key.
type CallPolicy interface {
	BeforeCall(ctx context.Context, key string) error
	AfterCall(ctx context.Context, key string, res core.TransportResponse) error
}

type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
	Policy               CallPolicy
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTAdapter{
		Client: client,
		DefaultHeaders: map[string]string{
			"Accept":     "application/json",
			"User-Agent": "go-multibank",
		},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
	}
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

func (a *RESTAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, misconfigured.new("transport: rest adapter requires an http client", map[string]any{"adapter": KindREST})
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return core.TransportResponse{}, badRequest.wrap(err, "transport: invalid request url", map[string]any{"adapter": KindREST, "url": strings.TrimSpace(req.URL)})
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return core.TransportResponse{}, badRequest.new("transport: absolute request url is required", map[string]any{"adapter": KindREST, "url": parsedURL.String()})
	}

	query := parsedURL.Query()
	for key, value := range req.Query {
		if strings.TrimSpace(key) == "" {
			continue
		}
		query.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	parsedURL.RawQuery = query.Encode()

	limitKey := strings.TrimSpace(req.LimitKey)
	if a.Policy != nil && limitKey != "" {
		if err := a.Policy.BeforeCall(ctx, limitKey); err != nil {
			return core.TransportResponse{}, err
		}
	}

	requestCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return core.TransportResponse{}, badRequest.wrap(err, "transport: create http request", map[string]any{"adapter": KindREST, "method": method, "url": parsedURL.String()})
	}
	for key, value := range a.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	for key, value := range req.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	startedAt := time.Now().UTC()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return core.TransportResponse{}, upstream.wrap(err, "transport: execute http request", map[string]any{"adapter": KindREST, "method": method, "url": redactedURL(parsedURL)})
	}
	defer httpRes.Body.Close()

	maxBodyBytes := resolveResponseBodyLimit(req.MaxResponseBodyBytes, a.MaxResponseBodyBytes)
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return core.TransportResponse{}, upstream.wrap(err, "transport: read response body", map[string]any{"adapter": KindREST, "status_code": httpRes.StatusCode})
	}
	if int64(len(body)) > maxBodyBytes {
		return core.TransportResponse{}, upstream.new(fmt.Sprintf("transport: response body exceeds limit of %d bytes", maxBodyBytes), map[string]any{
			"adapter":          KindREST,
			"status_code":      httpRes.StatusCode,
			"response_limit_b": maxBodyBytes,
		})
	}

	response := core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Metadata: map[string]any{
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"kind":        KindREST,
		},
	}
	if a.Policy != nil && limitKey != "" {
		if err := a.Policy.AfterCall(ctx, limitKey, response); err != nil {
			return response, err
		}
	}
	return response, nil
}

// redactedURL drops the query so credentials sent as parameters never reach
// error metadata.
func redactedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.RawQuery = ""
	return clean.String()
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			flat[key] = ""
			continue
		}
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func resolveResponseBodyLimit(requestLimit int64, adapterLimit int64) int64 {
	if requestLimit > 0 {
		return requestLimit
	}
	if adapterLimit > 0 {
		return adapterLimit
	}
	return defaultRESTResponseBodyLimit
}

// IsSuccess reports a 2xx status.
func IsSuccess(res core.TransportResponse) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

var _ core.TransportAdapter = (*RESTAdapter)(nil)
