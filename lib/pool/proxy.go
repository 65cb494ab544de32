package pool

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/util"
)

// ErrBadProxy is returned for proxy entries that are not scheme://host:port.
var ErrBadProxy = errors.New("invalid proxy entry")

var schemes = []string{"http", "https", "socks5", "socks5h"}

// Proxy is one entry of the proxy list with its health counters. Counters are guarded by the pool lock.
type Proxy struct {
	URL *url.URL

	successes   int
	failures    int
	streak      int
	streakStart time.Time
	coolUntil   time.Time
	demotions   int
	evicted     bool
	lastUsed    time.Time

	client *http.Client
}

// ProxyStats is a snapshot of a proxy health.
type ProxyStats struct {
	Address   string    `json:"address"`
	Scheme    string    `json:"scheme"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	Demotions int       `json:"demotions"`
	Cooling   bool      `json:"cooling"`
	Evicted   bool      `json:"evicted"`
	LastUsed  time.Time `json:"lastUsed"`
}

// String returns the proxy address with any password redacted.
func (p *Proxy) String() string {
	return p.URL.Redacted()
}

// ParseProxy parses a scheme://[user:pass@]host:port entry. Entries without a scheme are taken as http.
func ParseProxy(s string) (*Proxy, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrBadProxy, s, err)
	}
	if !util.In(schemes, strings.ToLower(u.Scheme)) {
		return nil, fmt.Errorf("%w %q: unsupported scheme %s", ErrBadProxy, s, u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("%w %q: host and port required", ErrBadProxy, s)
	}
	return &Proxy{URL: u}, nil
}

// LoadProxies reads one proxy per line. Blank lines and # comments are ignored and invalid entries are logged and
// skipped.
func LoadProxies(r io.Reader) ([]*Proxy, error) {
	lines, err := util.ReadLines(r)
	if err != nil {
		return nil, fmt.Errorf("cannot read proxy list: %w", err)
	}
	proxies := make([]*Proxy, 0, len(lines))
	for _, l := range lines {
		p, err := ParseProxy(l)
		if err != nil {
			log.Warn().Err(err).Msg("skipping proxy")
			continue
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

// LoadProxyFile is LoadProxies over the named file.
func LoadProxyFile(name string) ([]*Proxy, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("cannot open proxy file %s: %w", name, err)
	}
	defer f.Close()

	return LoadProxies(f)
}
