package telegram

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/chain/solana"
	"github.com/willx33/sol-tools/lib/fetch"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
	"github.com/willx33/sol-tools/lib/util"
)

// Message filters.
const (
	FilterAll    = "all"
	FilterTokens = "tokens"
	FilterLinks  = "links"
)

// DefaultLimit is the number of messages Scrape reads when no limit is given. CatchUpPages bounds the pages a poll
// reads to reach its cursor.
const (
	DefaultLimit = 100
	CatchUpPages = 5
)

var (
	channelExpr = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)
	base58Expr  = regexp.MustCompile(`[1-9A-HJ-NP-Za-km-z]{32,44}`)
	linkExpr    = regexp.MustCompile(`https?://[^\s<>"']+`)
)

// CSVHeader is the header of the scraped messages CSV.
var CSVHeader = []string{"timestamp", "message_id", "text", "tokens", "links"}

// Message is a post of a public channel.
type Message struct {
	ID      int       `json:"id"`
	Channel string    `json:"channel"`
	Time    time.Time `json:"time"`
	Text    string    `json:"text"`
	Tokens  []string  `json:"tokens"`
	Links   []string  `json:"links"`
}

// Match tells whether m passes filter.
func (m Message) Match(filter string) bool {
	switch filter {
	case FilterTokens:
		return len(m.Tokens) > 0
	case FilterLinks:
		return len(m.Links) > 0
	}
	return true
}

// ChannelName returns the channel of a name, @name or t.me link.
func ChannelName(s string) (string, error) {
	c := strings.TrimSpace(s)
	c = strings.TrimPrefix(c, "@")
	for _, p := range []string{"https://", "http://", "t.me/s/", "t.me/"} {
		c = strings.TrimPrefix(c, p)
	}
	c = strings.Trim(c, "/")
	if !channelExpr.MatchString(c) {
		return "", fmt.Errorf("bad channel %q", s)
	}
	return c, nil
}

// Tokens returns the distinct Solana addresses found in text.
func Tokens(text string) []string {
	var ts []string
	for _, m := range base58Expr.FindAllString(text, -1) {
		if solana.ValidAddress(m) {
			ts = append(ts, m)
		}
	}
	return util.Dedupe(ts)
}

// page fetches the messages of channel before the message id before, 0 for the newest ones, sorted by id.
func (a *Adapter) page(ctx context.Context, l *pool.Lease, channel string, before int) ([]Message, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.Itoa(before))
	}
	buf, err := fetch.Bytes(ctx, l.Client(), fetch.Request{
		URL:    a.WebURL + "/" + channel,
		Query:  q,
		Header: http.Header{"Accept": {"text/html"}},
	})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(buf))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("parse channel page: %w", err))
	}
	return parsePage(doc, channel), nil
}

func parsePage(doc *goquery.Document, channel string) []Message {
	var ms []Message
	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, s *goquery.Selection) {
		post, _ := s.Attr("data-post")
		i := strings.LastIndex(post, "/")
		id, err := strconv.Atoi(post[i+1:])
		if err != nil {
			return
		}
		m := Message{ID: id, Channel: channel}
		if dt, ok := s.Find(".tgme_widget_message_date time").First().Attr("datetime"); ok {
			m.Time, _ = time.Parse(time.RFC3339, dt)
		}
		body := s.Find(".tgme_widget_message_text").First()
		body.Find("br").ReplaceWithHtml("\n")
		m.Text = strings.TrimSpace(body.Text())

		var links []string
		body.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			if href, _ := a.Attr("href"); strings.HasPrefix(href, "http") {
				links = append(links, href)
			}
		})
		links = append(links, linkExpr.FindAllString(m.Text, -1)...)
		m.Links = util.Dedupe(links)
		m.Tokens = Tokens(m.Text + " " + strings.Join(m.Links, " "))
		ms = append(ms, m)
	})
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
	return ms
}

// ScrapeOptions of Scrape.
type ScrapeOptions struct {
	// Limit is the number of messages read, DefaultLimit when unset.
	Limit  int
	Filter string
	// Before starts the scrape before this message id instead of at the newest message.
	Before int
}

// Scrape reads the newest messages of a public channel, walking back page by page, and returns those passing the
// filter, newest first.
func (a *Adapter) Scrape(ctx context.Context, target string, opts ScrapeOptions) ([]Message, error) {
	if err := a.Require(); err != nil {
		return nil, err
	}
	channel, err := ChannelName(target)
	if err != nil {
		return nil, retry.Permanent(retry.ClientError, err)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	var out []Message
	read, before := 0, opts.Before
	for read < opts.Limit {
		var ms []Message
		if _, err = retry.Do(ctx, a.Policy, func(ctx context.Context) error {
			return a.Probe(ctx, WebEndpoint, func(ctx context.Context, l *pool.Lease) (err error) {
				ms, err = a.page(ctx, l, channel, before)
				return
			})
		}); err != nil {
			return out, err
		}
		if len(ms) == 0 || (before > 0 && ms[0].ID >= before) {
			break
		}
		for i := len(ms) - 1; i >= 0 && read < opts.Limit; i-- {
			read++
			if ms[i].Match(opts.Filter) {
				out = append(out, ms[i])
			}
		}
		before = ms[0].ID
		if before <= 1 {
			break
		}
	}
	log.Info().Str("module", Name).Str("channel", channel).Int("read", read).Int("kept", len(out)).
		Msg("channel scraped")
	return out, nil
}

// WriteCSV writes messages with CSVHeader. Tokens and links are joined by spaces.
func WriteCSV(w io.Writer, ms []Message) error {
	cw := csv.NewWriter(w)
	_ = cw.Write(CSVHeader)
	for _, m := range ms {
		_ = cw.Write([]string{m.Time.UTC().Format(time.RFC3339), strconv.Itoa(m.ID), m.Text,
			strings.Join(m.Tokens, " "), strings.Join(m.Links, " ")})
	}
	cw.Flush()
	return cw.Error()
}

// ChannelPoller returns the poller of the messages of channel passing filter. The cursor is the last message id.
func (a *Adapter) ChannelPoller(channel, filter string) monitor.PollFunc {
	return func(ctx context.Context, lease *pool.Lease, cursor string) ([]monitor.Event, error) {
		ms, err := a.page(ctx, lease, channel, 0)
		if err != nil || len(ms) == 0 {
			return nil, err
		}
		newest := strconv.Itoa(ms[len(ms)-1].ID)
		if cursor == "" {
			return []monitor.Event{{Cursor: newest}}, nil
		}
		last, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, retry.Permanent(retry.ClientError, fmt.Errorf("bad cursor %q", cursor))
		}
		// walk back until the page reaches the cursor
		for n := 1; n < CatchUpPages && ms[0].ID > last+1; n++ {
			older, err := a.page(ctx, lease, channel, ms[0].ID)
			if err != nil {
				return nil, err
			}
			if len(older) == 0 || older[0].ID >= ms[0].ID {
				break
			}
			ms = append(older, ms...)
		}

		var evs []monitor.Event
		for _, m := range ms {
			if m.ID <= last {
				continue
			}
			id := strconv.Itoa(m.ID)
			if !m.Match(filter) {
				evs = append(evs, monitor.Event{Cursor: id})
				continue
			}
			evs = append(evs, monitor.Event{
				ID: channel + "/" + id, Cursor: id, Module: Name, Target: channel, Kind: "channel", Time: m.Time,
				Data: map[string]interface{}{"text": m.Text, "tokens": m.Tokens, "links": m.Links},
			})
		}
		return evs, nil
	}
}
