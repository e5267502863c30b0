package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
)

const (
	fetchTimeout      = 15 * time.Second
	fetchMaxRedirects = 5
	fetchMaxBody      = 8 << 20 // 8 MiB response cap
)

// FetchOptions mirrors the options object handlers pass to fetch.
type FetchOptions struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// FetchResponse is a completed HTTP exchange.
type FetchResponse struct {
	OK     bool // 2xx
	Status int
	body   []byte
}

// JSON decodes the response body into v.
func (r *FetchResponse) JSON(v any) error {
	if len(r.body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.body, v)
}

// Body returns the raw response bytes.
func (r *FetchResponse) Body() []byte { return r.body }

// Fetch is the HTTP client the executor injects into handlers. Timeout,
// redirect policy and body caps are governed here, not by the pack.
type Fetch func(ctx context.Context, url string, opts FetchOptions) (*FetchResponse, error)

// NewFetch builds the default bounded fetch over an http.Client.
// A nil client gets the package defaults.
func NewFetch(client *http.Client) Fetch {
	if client == nil {
		client = &http.Client{
			Timeout: fetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= fetchMaxRedirects {
					return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
				}
				return nil
			},
		}
	}

	return func(ctx context.Context, url string, opts FetchOptions) (*FetchResponse, error) {
		method := opts.Method
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if len(opts.Body) > 0 {
			body = bytes.NewReader(opts.Body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, huberr.Wrap(huberr.Validation, "build request", err)
		}
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
		if len(opts.Body) > 0 && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, huberr.Wrap(huberr.Timeout, "fetch "+url, err)
			}
			return nil, huberr.Wrap(huberr.Unreachable, "fetch "+url, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBody))
		if err != nil {
			return nil, huberr.Wrap(huberr.Unreachable, "read response from "+url, err)
		}

		return &FetchResponse{
			OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
			Status: resp.StatusCode,
			body:   data,
		}, nil
	}
}
