package analyzer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/willx33/sol-tools/lib/chain/types"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

var now = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// fake has a record for every address starting with "w", the rest fail with a client error.
type fake struct{}

func (fake) Name() string     { return "fake" }
func (fake) Endpoint() string { return "fake" }

func (fake) ValidAddress(addr string) bool { return !strings.HasPrefix(addr, "bad") }

func (fake) FetchAddressData(_ context.Context, _ *pool.Lease, addr string) (types.WalletRecord, error) {
	if !strings.HasPrefix(addr, "w") {
		return types.WalletRecord{}, retry.Permanent(retry.ClientError, errors.New("unknown wallet"))
	}
	bal, _ := decimal.NewFromString(strings.TrimPrefix(addr, "w"))
	w := types.WalletRecord{Chain: "fake", Address: addr, Balance: bal, Symbol: "SOL", TxCount: 1}
	if bal.GreaterThan(decimal.NewFromInt(1)) {
		w.LastActivity = now.Add(-time.Hour)
	} else {
		w.LastActivity = now.Add(-90 * 24 * time.Hour)
	}
	return w, nil
}

func newAnalyzer() *Analyzer {
	a := New(engine.New(pool.New(pool.Options{}), 0, retry.Policy{MaxAttempts: 1}))
	a.now = func() time.Time { return now }
	return a
}

func TestAnalyze(t *testing.T) {
	addrs := []string{"w0.5", "bad1", "w2", "x3", "w150"}

	rep, err := newAnalyzer().Analyze(context.Background(), fake{}, addrs, Options{Concurrency: 2})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	cases := []struct {
		name      string
		got, want interface{}
	}{
		{"chain", rep.Chain, "fake"},
		{"entries", len(rep.Entries), 5},
		{"order", rep.Entries[4].Address, "w150"},
		{"invalid status", rep.Entries[1].Status, engine.Failed},
		{"invalid not attempted", rep.Entries[1].Attempts, 0},
		{"failed fetch", rep.Entries[3].Status, engine.Failed},
		{"wallets", rep.Totals.Wallets, 5},
		{"succeeded", rep.Totals.Succeeded, 3},
		{"failed includes invalid", rep.Totals.Failed, 2},
		{"invalid", rep.Totals.Invalid, 1},
		{"active", rep.Totals.Active, 2},
		{"balance", rep.Totals.Balance.String(), "152.5"},
		{"buckets", len(rep.Distribution), 5},
		{"bucket 0.1-1", rep.Distribution[1].Count, 1},
		{"bucket 1-10", rep.Distribution[2].Count, 1},
		{"bucket >=100", rep.Distribution[4].Count, 1},
		{"bucket label", rep.Distribution[4].Label, ">=100"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: got %v want %v", c.name, c.got, c.want)
		}
	}

	var buf bytes.Buffer
	if err = rep.WriteCSV(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 6 || !strings.HasPrefix(lines[3], "w2,SUCCEEDED,2,SOL,1,") {
		t.Errorf("unexpected csv:\n%s", buf.String())
	}
}

func TestDistribution(t *testing.T) {
	values := []decimal.Decimal{decimal.NewFromInt(-5), decimal.Zero, decimal.NewFromInt(50), decimal.NewFromInt(200)}
	edges := []decimal.Decimal{decimal.Zero, decimal.NewFromInt(200)}

	b := Distribution(values, edges)
	cases := []struct {
		label   string
		count   int
		percent string
	}{
		{"<0", 1, "25"},
		{"0-200", 2, "50"},
		{">=200", 1, "25"},
	}
	for i, c := range cases {
		if b[i].Label != c.label || b[i].Count != c.count || b[i].Percent.String() != c.percent {
			t.Errorf("bucket %d got %+v want %+v", i, b[i], c)
		}
	}

	if b = Distribution(nil, nil); len(b) != 1 || b[0].Label != "all" || b[0].Count != 0 {
		t.Errorf("unexpected empty distribution %+v", b)
	}
}
