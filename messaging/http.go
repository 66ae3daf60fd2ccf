package messaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

func encodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64 body. The empty string is an empty body.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decoding base64 body")
	}
	return b, nil
}

// EncodeBody is the inverse of DecodeBody.
func EncodeBody(b []byte) string {
	return encodeBody(b)
}

// RequestURL reconstructs the absolute URL a request was made to.
func RequestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	return u.String()
}

// NewHTTPRequest buffers r into a message. The whole body is read; callers
// bound it with http.MaxBytesReader. Go does not keep the order header
// names arrived in, so names are sorted while the values of one name keep
// their order.
func NewHTTPRequest(id uint64, r *http.Request) (*HTTPRequest, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading request body")
		}
		body = b
	}
	return &HTTPRequest{
		ID:      id,
		Method:  r.Method,
		URL:     RequestURL(r),
		Headers: HeadersFrom(r.Header),
		Body:    encodeBody(body),
	}, nil
}

// Build turns the message back into an outgoing request. When target is not
// nil the scheme and host are rewritten to it, keeping path and query.
func (m *HTTPRequest) Build(ctx context.Context, target *url.URL) (*http.Request, error) {
	u, err := url.Parse(m.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing request url")
	}
	if target != nil {
		u.Scheme = target.Scheme
		u.Host = target.Host
		if target.Path != "" && target.Path != "/" {
			u.Path = strings.TrimSuffix(target.Path, "/") + u.Path
			u.RawPath = ""
		}
	}
	body, err := DecodeBody(m.Body)
	if err != nil {
		return nil, err
	}
	method := m.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header = m.Headers.HTTP()
	req.ContentLength = int64(len(body))
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	return req, nil
}

// NewHTTPResponse buffers resp into a message answering id.
func NewHTTPResponse(id uint64, resp *http.Response) (*HTTPResponse, error) {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading response body")
		}
		body = b
	}
	return &HTTPResponse{
		ID:         id,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    HeadersFrom(resp.Header),
		Body:       encodeBody(body),
	}, nil
}

// ErrorResponse synthesizes a plain text response.
func ErrorResponse(id uint64, status int, text string) *HTTPResponse {
	return &HTTPResponse{
		ID:         id,
		Status:     status,
		StatusText: http.StatusText(status),
		Headers:    Headers{{"Content-Type", "text/plain; charset=utf-8"}},
		Body:       encodeBody([]byte(text)),
	}
}

// Write replays the response on w. Duplicate headers are kept.
func (m *HTTPResponse) Write(w http.ResponseWriter) error {
	body, err := DecodeBody(m.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		return err
	}
	h := w.Header()
	for _, p := range m.Headers {
		if strings.EqualFold(p[0], "Content-Length") {
			continue
		}
		h.Add(p[0], p[1])
	}
	status := m.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "writing response body")
	}
	return nil
}

// Value converts the request into the map handed to a fetch handler.
func (m *HTTPRequest) Value() Value {
	return Map{
		"method":  String(m.Method),
		"url":     String(m.URL),
		"headers": m.Headers.Value(),
		"body":    String(m.Body),
	}
}

// HTTPRequestOf is the inverse of HTTPRequest.Value.
func HTTPRequestOf(v Value) (*HTTPRequest, error) {
	m, ok := v.(Map)
	if !ok {
		return nil, errors.Errorf("request must be a map, got %T", v)
	}
	method, _ := StringOf(m["method"])
	u, ok := StringOf(m["url"])
	if !ok {
		return nil, errors.New("request is missing url")
	}
	headers, err := HeadersOf(m["headers"])
	if err != nil {
		return nil, err
	}
	body, _ := StringOf(m["body"])
	return &HTTPRequest{Method: method, URL: u, Headers: headers, Body: body}, nil
}

// Value converts the response into the map returned by a fetch handler.
func (m *HTTPResponse) Value() Value {
	return Map{
		"status":     Number(m.Status),
		"statusText": String(m.StatusText),
		"headers":    m.Headers.Value(),
		"body":       String(m.Body),
	}
}

// HTTPResponseOf is the inverse of HTTPResponse.Value.
func HTTPResponseOf(v Value) (*HTTPResponse, error) {
	m, ok := v.(Map)
	if !ok {
		return nil, errors.Errorf("response must be a map, got %T", v)
	}
	status, ok := NumberOf(m["status"])
	if !ok {
		return nil, errors.New("response is missing status")
	}
	text, _ := StringOf(m["statusText"])
	headers, err := HeadersOf(m["headers"])
	if err != nil {
		return nil, err
	}
	body, _ := StringOf(m["body"])
	return &HTTPResponse{Status: int(status), StatusText: text, Headers: headers, Body: body}, nil
}
