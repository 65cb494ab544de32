// Package fetch performs HTTP requests with the client of a lease and turns transport failures and HTTP statuses
// into retry kinds.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/willx33/sol-tools/lib/retry"
)

// MaxBody bounds the size of a reply body.
const MaxBody = 32 << 20

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Request describes one call.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	// Body is marshalled as JSON when not nil.
	Body interface{}
}

// Bytes performs r and returns the reply body of a 2xx reply.
func Bytes(ctx context.Context, c Doer, r Request) ([]byte, error) {
	u := r.URL
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if r.Body != nil {
		buf, err := json.Marshal(r.Body)
		if err != nil {
			return nil, retry.Permanent(retry.ClientError, fmt.Errorf("cannot encode request: %w", err))
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, retry.Permanent(retry.ClientError, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, retry.Transient(err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("cannot read reply: %w", err))
	}
	if err = retry.FromStatus(resp.StatusCode, resp.Header); err != nil {
		return nil, err
	}
	return buf, nil
}

// JSON performs r and decodes the reply into out. An undecodable 2xx reply is a transient failure, providers send
// truncated or HTML pages when overloaded.
func JSON(ctx context.Context, c Doer, r Request, out interface{}) error {
	buf, err := Bytes(ctx, c, r)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(buf, out); err != nil {
		return retry.Transient(fmt.Errorf("cannot decode reply from %s: %w", r.URL, err))
	}
	return nil
}
