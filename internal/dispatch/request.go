package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Request describes one outbound call. It carries no retry state.
type Request struct {
	ID                 string
	URL                string
	Method             string
	ContentType        string
	Headers            map[string]string
	Body               []byte
	MuteHTTPExceptions bool
}

// RequestOption customises a Request at construction time.
type RequestOption func(*Request)

// NewRequest builds a GET request with a JSON content type and muted HTTP exceptions.
func NewRequest(url string, opts ...RequestOption) Request {
	r := Request{
		ID:                 uuid.New().String(),
		URL:                url,
		Method:             http.MethodGet,
		ContentType:        "application/json",
		MuteHTTPExceptions: true,
	}
	for _, o := range opts {
		o(&r)
	}
	return r
}

// WithID overrides the generated request id.
func WithID(id string) RequestOption {
	return func(r *Request) { r.ID = id }
}

// WithMethod sets the HTTP method.
func WithMethod(method string) RequestOption {
	return func(r *Request) { r.Method = strings.ToUpper(method) }
}

// WithBody sets a raw payload and its content type.
func WithBody(contentType string, body []byte) RequestOption {
	return func(r *Request) {
		r.ContentType = contentType
		r.Body = body
	}
}

// WithHeader adds a header.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Headers == nil {
			r.Headers = map[string]string{}
		}
		r.Headers[key] = value
	}
}

// Unmuted makes non-2xx statuses surface as errors instead of responses.
func Unmuted() RequestOption {
	return func(r *Request) { r.MuteHTTPExceptions = false }
}

// NewJSONRequest builds a POST request with v encoded as the body.
func NewJSONRequest(url string, v any, opts ...RequestOption) (Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("encode request body: %w", err)
	}
	opts = append([]RequestOption{WithMethod(http.MethodPost), WithBody("application/json", body)}, opts...)
	return NewRequest(url, opts...), nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status counts as success.
func (r *Response) OK() bool {
	return r != nil && (r.StatusCode == http.StatusOK || r.StatusCode == http.StatusCreated)
}

// Outcome is the terminal result of one request in a batch. Response holds the
// last reply received, so a request that exhausted its retries on 5xx still
// carries the final status.
type Outcome struct {
	Index    int
	Request  Request
	Response *Response
	Attempts int
	Err      error
}

// OK reports whether the request ended in success.
func (o Outcome) OK() bool {
	return o.Response.OK()
}
