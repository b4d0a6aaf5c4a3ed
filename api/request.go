package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Backend paths reachable without an access credential.
const (
	LoginPath    = "/member/login"
	JoinPath     = "/member/join"
	RegisterPath = "/member/register"
	RenewalPath  = "/member/member/refresh-token"
)

var publicPaths = []string{LoginPath, JoinPath, RegisterPath, RenewalPath}

// IsPublicPath reports whether path is on the unauthenticated allow-list.
// Matching is by substring so query-suffixed or prefixed paths still match.
func IsPublicPath(path string) bool {
	for _, p := range publicPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// Request describes one outbound REST call relative to the API base URL.
// The body is held in memory so the call can be replayed after renewal.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// NewJSONRequest builds a request whose body is v encoded as JSON.
func NewJSONRequest(method, path string, v any) (Request, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s %s body: %w", method, path, err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return Request{Method: method, Path: path, Header: h, Body: b}, nil
}

// Response is a fully read REST response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Err returns a *StatusError for non-2xx responses and nil otherwise.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return newStatusError(r.StatusCode, r.Body)
}

// DecodeJSON checks the status and unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
