package gmgn

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/willx33/sol-tools/lib/chain/solana"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// Window is the span of one market cap request in seconds.
const Window = 3000

// Millis is a unix time in milliseconds, sent by GMGN either as a number or a string.
type Millis int64

// UnmarshalJSON accepts quoted and bare numbers.
func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("bad time %q: %w", b, err)
	}
	*m = Millis(v)
	return nil
}

// Time returns m as a UTC time.
func (m Millis) Time() time.Time { return time.UnixMilli(int64(m)).UTC() }

// Candle is one second of market cap.
type Candle struct {
	Time   Millis          `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Chart is the market cap history of a token.
type Chart struct {
	Token   string   `json:"token"`
	From    int64    `json:"from"`
	To      int64    `json:"to"`
	Candles []Candle `json:"candles"`
	Windows int      `json:"windows"`
	// Failed windows are missing from Candles.
	Failed int `json:"failedWindows"`
}

func (a *Adapter) candles(ctx context.Context, l *pool.Lease, token string, from, to int64) ([]Candle, error) {
	var cs []Candle
	q := url.Values{"resolution": {"1s"}, "from": {strconv.FormatInt(from, 10)}, "to": {strconv.FormatInt(to, 10)}}
	if err := a.get(ctx, l, "/tokens/mcapkline/sol/"+token, q, &cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// Windows splits [from, to) in spans of Window seconds.
func Windows(from, to int64) [][2]int64 {
	var ws [][2]int64
	for s := from; s < to; s += Window {
		e := s + Window
		if e > to {
			e = to
		}
		ws = append(ws, [2]int64{s, e})
	}
	return ws
}

// MarketCaps returns the market cap candles of token between from and to, sorted by time. Windows are fetched
// concurrently, each with its own lease and retries; a window that keeps failing is logged and left out unless every
// window fails.
func (a *Adapter) MarketCaps(ctx context.Context, token string, from, to time.Time, concurrency int) (Chart, error) {
	c := Chart{Token: token, From: from.Unix(), To: to.Unix()}
	if err := a.Require(); err != nil {
		return c, err
	}
	if !solana.ValidAddress(token) {
		return c, retry.Permanent(retry.ClientError, fmt.Errorf("bad token address %q", token))
	}
	ws := Windows(c.From, c.To)
	c.Windows = len(ws)
	if len(ws) == 0 {
		return c, nil
	}

	var (
		mu   sync.Mutex
		last error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.Engine.Concurrency(concurrency))
	for _, w := range ws {
		w := w
		g.Go(func() error {
			var cs []Candle
			_, err := retry.Do(gctx, a.Policy, func(ctx context.Context) error {
				return a.Probe(ctx, Endpoint, func(ctx context.Context, l *pool.Lease) (err error) {
					cs, err = a.candles(ctx, l, token, w[0], w[1])
					return
				})
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if kind, _ := retry.Classify(err); kind == retry.AuthError || gctx.Err() != nil {
					return err
				}
				log.Warn().Err(err).Str("module", Name).Str("token", token).Int64("from", w[0]).Msg("window failed")
				c.Failed++
				last = err
				return nil
			}
			c.Candles = append(c.Candles, cs...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return c, err
	}
	sort.SliceStable(c.Candles, func(i, j int) bool { return c.Candles[i].Time < c.Candles[j].Time })
	log.Info().Str("module", Name).Str("token", token).Int("candles", len(c.Candles)).Int("windows", c.Windows).
		Int("failed", c.Failed).Msg("market caps fetched")
	if c.Failed == c.Windows {
		return c, fmt.Errorf("%w: %v", engine.ErrAllFailed, last)
	}
	return c, nil
}

// TokenPoller returns the poller of the market cap of token. The cursor is the time of the last candle in
// milliseconds; polls catch up at most one window at a time.
func (a *Adapter) TokenPoller(token string) monitor.PollFunc {
	return func(ctx context.Context, lease *pool.Lease, cursor string) ([]monitor.Event, error) {
		now := a.now()
		if cursor == "" {
			return []monitor.Event{{Cursor: strconv.FormatInt(now.UnixMilli(), 10)}}, nil
		}
		last, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, retry.Permanent(retry.ClientError, fmt.Errorf("bad cursor %q", cursor))
		}
		from := last / 1000
		to := now.Unix()
		if to-from > Window {
			to = from + Window
		}
		if to <= from {
			return nil, nil
		}
		cs, err := a.candles(ctx, lease, token, from, to)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].Time < cs[j].Time })

		var evs []monitor.Event
		for _, c := range cs {
			if int64(c.Time) <= last {
				continue
			}
			ms := strconv.FormatInt(int64(c.Time), 10)
			evs = append(evs, monitor.Event{
				ID: token + ":" + ms, Cursor: ms, Module: Name, Target: token, Kind: "token", Time: c.Time.Time(),
				Data: map[string]interface{}{"mcap": c.Close.String(), "high": c.High.String(),
					"low": c.Low.String(), "volume": c.Volume.String()},
			})
		}
		if len(evs) == 0 && to < now.Unix() {
			// nothing traded in the window, move past it
			evs = append(evs, monitor.Event{Cursor: strconv.FormatInt(to*1000, 10)})
		}
		return evs, nil
	}
}
