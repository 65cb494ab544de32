// Package telegram is the Telegram module: a bot notifier used as an alert sink, a scraper of public channels that
// extracts Solana token addresses and links, and channel poll monitors.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
	"github.com/willx33/sol-tools/lib/util"
)

// Module name and pool endpoints of the bot API and the channel previews.
const (
	Name          = "telegram"
	BotEndpoint   = "telegram"
	WebEndpoint   = "tme"
	DefaultWebURL = "https://t.me/s"
)

// Adapter of the Telegram module.
type Adapter struct {
	*adapter.Base
	Bot *bot.Bot
	// BotAPI overrides the bot API server.
	BotAPI string
	WebURL string
	strict *bluemonday.Policy
}

// New returns the Telegram adapter.
func New(conf config.ServiceConfig, p *pool.Pool) *Adapter {
	return &Adapter{Base: adapter.NewBase(Name, conf, p), WebURL: DefaultWebURL, strict: bluemonday.StrictPolicy()}
}

// Initialize checks the bot token and chat id and builds the bot client.
func (a *Adapter) Initialize(context.Context) bool {
	return a.Init(func() (err error) {
		opts := []bot.Option{bot.WithSkipGetMe(),
			bot.WithHTTPClient(time.Minute, &http.Client{Timeout: time.Duration(a.Conf.Pool.RequestTimeoutMs) *
				time.Millisecond})}
		if a.BotAPI != "" {
			opts = append(opts, bot.WithServerURL(a.BotAPI))
		}
		a.Bot, err = bot.New(a.Conf.Keys.TelegramBotToken, opts...)
		return err
	})
}

// Validate checks the bot token with getMe.
func (a *Adapter) Validate(ctx context.Context) bool {
	return a.Check(func() error {
		return a.Probe(ctx, BotEndpoint, func(ctx context.Context, _ *pool.Lease) error {
			u, err := a.Bot.GetMe(ctx)
			if err != nil {
				return botError(err)
			}
			log.Debug().Str("module", Name).Str("bot", u.Username).Msg("bot reachable")
			return nil
		})
	})
}

// Cleanup stops the monitors.
func (a *Adapter) Cleanup() { a.Teardown(nil) }

// botError maps bot API failures to retry kinds.
func botError(err error) error {
	var tmr *bot.TooManyRequestsError
	switch {
	case errors.As(err, &tmr):
		return &retry.TransientFetchError{Kind: retry.RateLimited, RetryAfter: time.Duration(tmr.RetryAfter) *
			time.Second, Err: err}
	case errors.Is(err, bot.ErrorUnauthorized), errors.Is(err, bot.ErrorForbidden):
		return retry.Permanent(retry.AuthError, err)
	case errors.Is(err, bot.ErrorBadRequest), errors.Is(err, bot.ErrorNotFound):
		return retry.Permanent(retry.ClientError, err)
	}
	return retry.Transient(err)
}

// Notify sends an HTML message to the configured chat, retrying according to the policy.
func (a *Adapter) Notify(ctx context.Context, html string) error {
	if err := a.Require(); err != nil {
		return err
	}
	_, err := retry.Do(ctx, a.Policy, func(ctx context.Context) error {
		return a.Probe(ctx, BotEndpoint, func(ctx context.Context, _ *pool.Lease) error {
			_, err := a.Bot.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:    a.Conf.Keys.TelegramChatID,
				Text:      html,
				ParseMode: models.ParseModeHTML,
			})
			if err != nil {
				return botError(err)
			}
			return nil
		})
	})
	return err
}

// Format renders an event as an HTML message. Every value is escaped.
func (a *Adapter) Format(ev monitor.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s %s</b> <code>%s</code>\n", a.strict.Sanitize(ev.Module), a.strict.Sanitize(ev.Kind),
		a.strict.Sanitize(util.Shorten(ev.Target)))
	if !ev.Time.IsZero() {
		fmt.Fprintf(&b, "%s\n", ev.Time.UTC().Format(time.RFC3339))
	}
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", a.strict.Sanitize(k), a.strict.Sanitize(fmt.Sprint(ev.Data[k])))
	}
	fmt.Fprintf(&b, "<i>%s</i>", a.strict.Sanitize(ev.ID))
	return b.String()
}

// Sink returns a sink that notifies every event.
func (a *Adapter) Sink() monitor.Sink {
	return monitor.SinkFunc(func(ctx context.Context, ev monitor.Event) error {
		return a.Notify(ctx, a.Format(ev))
	})
}

// Watch starts a poll monitor of the messages of a public channel.
func (a *Adapter) Watch(ctx context.Context, kind, target string, sink monitor.Sink, store monitor.CursorStore) (
	*monitor.Session, error) {
	if err := a.Require(); err != nil {
		return nil, err
	}
	if kind != "channel" {
		return nil, retry.Permanent(retry.ClientError, fmt.Errorf("telegram cannot watch a %q", kind))
	}
	channel, err := ChannelName(target)
	if err != nil {
		return nil, retry.Permanent(retry.ClientError, err)
	}
	s := monitor.NewPoll(a.Pool, a.ChannelPoller(channel, FilterAll),
		a.SessionOptions(kind, channel, WebEndpoint, store))
	return a.StartSession(ctx, s, sink)
}
