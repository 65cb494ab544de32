// Package gmgn is the GMGN module: token market cap charts and Solana wallet statistics from the public GMGN
// quotation API. It needs no credentials; a random device id is sent with every request instead.
package gmgn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/lib/chain/solana"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/fetch"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// Module name, pool endpoint and API defaults.
const (
	Name       = "gmgn"
	Endpoint   = "gmgn"
	DefaultAPI = "https://gmgn.ai/defi/quotation/v1"
	// ProbeToken is charted over a minute by Validate.
	ProbeToken = "So11111111111111111111111111111111111111112"

	clientID = "gmgn_web_2025.0214.180010"
	appVer   = "2025.0214.180010"
	agent    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/122.0.0.0 Safari/537.36"
)

// Adapter of the GMGN module.
type Adapter struct {
	*adapter.Base
	API string
	now func() time.Time
}

// New returns the GMGN adapter.
func New(conf config.ServiceConfig, p *pool.Pool) *Adapter {
	return &Adapter{Base: adapter.NewBase(Name, conf, p), API: DefaultAPI, now: time.Now}
}

// Initialize moves the adapter to READY, GMGN needs no keys.
func (a *Adapter) Initialize(context.Context) bool { return a.Init(nil) }

// Validate charts the probe token over the last minute.
func (a *Adapter) Validate(ctx context.Context) bool {
	return a.Check(func() error {
		return a.Probe(ctx, Endpoint, func(ctx context.Context, l *pool.Lease) error {
			to := a.now().Unix()
			_, err := a.candles(ctx, l, ProbeToken, to-60, to)
			return err
		})
	})
}

// Cleanup stops the monitors.
func (a *Adapter) Cleanup() { a.Teardown(nil) }

// reply is the envelope of GMGN replies.
type reply struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// get calls path with the browser identity GMGN expects and decodes the data of the reply into out.
func (a *Adapter) get(ctx context.Context, l *pool.Lease, path string, q url.Values, out interface{}) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("device_id", uuid.NewString())
	q.Set("client_id", clientID)
	q.Set("from_app", "gmgn")
	q.Set("app_ver", appVer)
	q.Set("tz_name", "UTC")
	q.Set("tz_offset", "0")
	q.Set("app_lang", "en-US")

	var r reply
	err := fetch.JSON(ctx, l.Client(), fetch.Request{
		URL:   a.API + path,
		Query: q,
		Header: http.Header{
			"User-Agent":      {agent},
			"Accept-Language": {"en-US,en;q=0.9"},
			"Referer":         {"https://gmgn.ai/"},
			"Origin":          {"https://gmgn.ai"},
		},
	}, &r)
	if err != nil {
		return err
	}
	if r.Code != 0 {
		msg := strings.ToLower(r.Msg)
		if strings.Contains(msg, "rate") || strings.Contains(msg, "limit") {
			return &retry.TransientFetchError{Kind: retry.RateLimited, Err: fmt.Errorf("gmgn: %s", r.Msg)}
		}
		return retry.Permanent(retry.ClientError, fmt.Errorf("gmgn: code %d %s", r.Code, r.Msg))
	}
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err = json.Unmarshal(r.Data, out); err != nil {
		return retry.Transient(fmt.Errorf("cannot decode gmgn data: %w", err))
	}
	return nil
}

// Watch starts a poll monitor of the market cap of a token.
func (a *Adapter) Watch(ctx context.Context, kind, target string, sink monitor.Sink, store monitor.CursorStore) (
	*monitor.Session, error) {
	if err := a.Require(); err != nil {
		return nil, err
	}
	if kind != "token" {
		return nil, retry.Permanent(retry.ClientError, fmt.Errorf("gmgn cannot watch a %q", kind))
	}
	if !solana.ValidAddress(target) {
		return nil, retry.Permanent(retry.ClientError, errors.New("bad token address "+target))
	}
	s := monitor.NewPoll(a.Pool, a.TokenPoller(target), a.SessionOptions(kind, target, Endpoint, store))
	return a.StartSession(ctx, s, sink)
}
