package pool

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Lease is the right to make requests to one endpoint, through one proxy or directly.
type Lease struct {
	pool     *Pool
	endpoint string
	proxy    *Proxy
	client   *http.Client
	acquired time.Time
	released atomic.Bool
}

// Client returns the HTTP client of the lease.
func (l *Lease) Client() *http.Client { return l.client }

// Endpoint returns the endpoint the lease was acquired for.
func (l *Lease) Endpoint() string { return l.endpoint }

// Proxy returns the proxy of the lease, nil for direct connections.
func (l *Lease) Proxy() *Proxy { return l.proxy }

// Dialer returns a websocket dialer going through the lease proxy.
func (l *Lease) Dialer() *websocket.Dialer {
	d := &websocket.Dialer{HandshakeTimeout: l.pool.opts.RequestTimeout}
	if l.proxy != nil {
		d.Proxy = http.ProxyURL(l.proxy.URL)
	}
	return d
}

// Release records o and gives the lease back.
func (l *Lease) Release(o Outcome) error {
	return l.pool.Release(l, o)
}

// Done releases the lease with the outcome matching err.
func (l *Lease) Done(err error) error {
	return l.pool.Release(l, OutcomeFor(err))
}
