package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/willx33/sol-tools/analyzer"
	ethchain "github.com/willx33/sol-tools/lib/chain/ethereum"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/lifecycle"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

const (
	wallet = "0x357dd3856d856197c1a000bbab4abcb97dfc92c4"
	other  = "0xa34de7bd2b4270c0b12d5fd7a0c219a4d68d732f"
)

type call struct {
	action, start, end, sort string
}

// etherscan answers balance, txlist and getblocknobytime and records the txlist calls.
func etherscan(t *testing.T, calls *[]call) *httptest.Server {
	t.Helper()

	ok := func(w http.ResponseWriter, result interface{}) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "1", "message": "OK", "result": result})
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("apikey") != "key" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "0", "message": "NOTOK",
				"result": "Invalid API Key"})
			return
		}
		switch q.Get("action") {
		case "balance":
			ok(w, "2000000000000000000")
		case "getblocknobytime":
			if q.Get("closest") == "after" {
				ok(w, "100")
			} else {
				ok(w, "200")
			}
		case "txlist":
			if calls != nil {
				*calls = append(*calls, call{"txlist", q.Get("startblock"), q.Get("endblock"), q.Get("sort")})
			}
			if q.Get("address") == other {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "0",
					"message": "No transactions found", "result": []string{}})
				return
			}
			txs := []ethchain.Tx{
				{BlockNumber: "150", TimeStamp: "1700000000", Hash: "0x01", From: other, To: wallet, Value: "1",
					Input: "0x"},
				{BlockNumber: "160", TimeStamp: "1700000100", Hash: "0x02", From: wallet, To: other, Value: "2",
					Input: "0x"},
			}
			if q.Get("sort") == "desc" {
				txs[0], txs[1] = txs[1], txs[0]
			}
			ok(w, txs)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func newAdapter(t *testing.T, url string) *Adapter {
	t.Helper()

	conf := config.Default()
	conf.DataDir = t.TempDir()
	conf.Keys.EtherscanAPIKey = "key"
	a := New(conf, nil)
	a.API = url
	t.Cleanup(a.Cleanup)
	if !a.Initialize(context.Background()) {
		t.Fatal(a.LastError())
	}
	return a
}

func TestLifecycle(t *testing.T) {
	a := New(config.Default(), nil)
	defer a.Cleanup()
	if a.Initialize(context.Background()) {
		t.Errorf("initialize without ETHERSCAN_API_KEY should fail")
	}
	var cerr *lifecycle.ConfigError
	if !errors.As(a.LastError(), &cerr) || len(cerr.Missing) != 1 || cerr.Missing[0] != "ETHERSCAN_API_KEY" {
		t.Errorf("unexpected error %v", a.LastError())
	}
	if _, _, err := a.NodeBalance(wallet, ""); !errors.Is(err, lifecycle.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestValidateBadKey(t *testing.T) {
	srv := etherscan(t, nil)
	defer srv.Close()

	conf := config.Default()
	conf.Keys.EtherscanAPIKey = "wrong"
	a := New(conf, nil)
	a.API = srv.URL
	defer a.Cleanup()

	if !a.Initialize(context.Background()) {
		t.Fatal(a.LastError())
	}
	if a.Validate(context.Background()) {
		t.Errorf("validate should fail with a rejected key")
	}
}

func TestAnalyzeWallets(t *testing.T) {
	srv := etherscan(t, nil)
	defer srv.Close()
	a := newAdapter(t, srv.URL)

	if !a.Validate(context.Background()) {
		t.Fatal(a.LastError())
	}
	rep, err := a.AnalyzeWallets(context.Background(), []string{wallet, "nope"}, analyzer.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Totals.Succeeded != 1 || rep.Totals.Invalid != 1 || rep.Totals.Balance.String() != "2" {
		t.Errorf("unexpected totals %+v", rep.Totals)
	}
}

func TestFindByTime(t *testing.T) {
	var calls []call
	srv := etherscan(t, &calls)
	defer srv.Close()
	a := newAdapter(t, srv.URL)

	from := time.Unix(1700000000, 0)
	res, err := a.FindByTime(context.Background(), []string{wallet, other, "bad"}, from, from.Add(time.Hour),
		engine.Options{Concurrency: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	win := res.Jobs[0].Result.(Window)
	if win.From != 100 || win.To != 200 || len(win.Txs) != 2 || win.Txs[0].Hash != "0x01" {
		t.Errorf("unexpected window %+v", win)
	}
	if w := res.Jobs[1].Result.(Window); len(w.Txs) != 0 {
		t.Errorf("expected no transactions, got %+v", w)
	}
	if k := res.Jobs[2].LastKind; k != retry.ClientError {
		t.Errorf("bad address should be a client error, got %v", k)
	}
	for _, c := range calls {
		if c.start != "100" || c.end != "200" || c.sort != "asc" {
			t.Errorf("unexpected txlist call %+v", c)
		}
	}

	if _, err = a.FindByTime(context.Background(), []string{wallet}, from, from, engine.Options{}); err == nil {
		t.Errorf("an empty window should be rejected")
	}
}

func TestWalletPoller(t *testing.T) {
	var calls []call
	srv := etherscan(t, &calls)
	defer srv.Close()
	a := newAdapter(t, srv.URL)

	l, err := pool.New(pool.Options{}).Acquire(context.Background(), ethchain.Endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Done(nil)

	poll := a.WalletPoller(wallet)
	evs, err := poll(context.Background(), l, "")
	if err != nil || len(evs) != 1 || evs[0].ID != "" || evs[0].Cursor != "160" {
		t.Fatalf("first poll should only mark the latest block, got %+v %v", evs, err)
	}

	evs, err = poll(context.Background(), l, "150")
	if err != nil || len(evs) != 2 {
		t.Fatalf("unexpected poll %+v %v", evs, err)
	}
	if evs[0].ID != "0x01" || evs[1].Cursor != "160" || evs[1].Data["to"] != other {
		t.Errorf("unexpected events %+v", evs)
	}
	if last := calls[len(calls)-1]; last.start != "150" || last.sort != "asc" {
		t.Errorf("poll should start at the cursor block, got %+v", last)
	}

	if _, err = poll(context.Background(), l, "x"); err == nil {
		t.Errorf("expected an error for a bad cursor")
	}
}

func TestWatchRejects(t *testing.T) {
	srv := etherscan(t, nil)
	defer srv.Close()
	a := newAdapter(t, srv.URL)

	cases := []struct {
		kind, target string
	}{
		{"token", wallet},
		{"wallet", "nope"},
	}
	for _, c := range cases {
		if _, err := a.Watch(context.Background(), c.kind, c.target, nil, nil); err == nil {
			t.Errorf("watch %s %s should fail", c.kind, c.target)
		}
	}
}
