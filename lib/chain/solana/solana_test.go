package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/willx33/sol-tools/lib/chain/types"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

const (
	wallet = "So11111111111111111111111111111111111111112"
	sig1   = "4gXrHw1dqafC4Vo2RTmHpRK3d3x8aYXLg81BtsMBWrWgQu9n45JWDMTM5yGhR1Ug1Reo4sFi4apJe9Zmoexx9Tc9"
	sig2   = "3U1tFA9PdfkqMUAM3bDBW7stNbRSUFmxuc4LBu2chsgaGHSafbB1i3oLREKrtbGRTRH9YeDrV2GnbhYLofE6rW3S"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// node answers getBalance and getSignaturesForAddress, recording the options of the latter.
func node(t *testing.T, status int, opts *[]map[string]interface{}) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("slow down"))
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var result interface{}
		switch req.Method {
		case "getBalance":
			result = map[string]interface{}{"context": map[string]int{"slot": 1}, "value": 1500000000}
		case "getSignaturesForAddress":
			if len(req.Params) > 1 && opts != nil {
				var o map[string]interface{}
				_ = json.Unmarshal(req.Params[1], &o)
				*opts = append(*opts, o)
			}
			result = []map[string]interface{}{
				{"signature": sig2, "slot": 200, "err": nil, "blockTime": 1700000200},
				{"signature": sig1, "slot": 100, "err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}, "blockTime": 1700000100},
			}
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "Method not found"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func lease(t *testing.T) *pool.Lease {
	t.Helper()

	l, err := pool.New(pool.Options{}).Acquire(context.Background(), Endpoint)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Done(nil) })
	return l
}

func TestFetchAddressData(t *testing.T) {
	srv := node(t, http.StatusOK, nil)
	defer srv.Close()

	w, err := Init(srv.URL).FetchAddressData(context.Background(), lease(t), wallet)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	cases := []struct {
		name      string
		got, want interface{}
	}{
		{"balance", w.Balance.String(), "1.5"},
		{"symbol", w.Symbol, "SOL"},
		{"tx count", w.TxCount, 2},
		{"last activity", w.LastActivity.Unix(), int64(1700000200)},
		{"newest first", w.Txs[0].Hash, sig2},
		{"failed tx", w.Txs[1].Status, types.TrxFailed},
		{"slot", w.Txs[1].Block, "100"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: got %v want %v", c.name, c.got, c.want)
		}
	}
}

func TestFetchErrors(t *testing.T) {
	limited := node(t, http.StatusTooManyRequests, nil)
	defer limited.Close()
	ok := node(t, http.StatusOK, nil)
	defer ok.Close()

	cases := []struct {
		name string
		url  string
		addr string
		kind retry.Kind
	}{
		{"short address", ok.URL, "abc", retry.ClientError},
		{"not base58", ok.URL, "0x357dd3856d856197c1a000bbab4abcb97dfc92c4", retry.ClientError},
		{"rate limited", limited.URL, wallet, retry.RateLimited},
	}
	for _, c := range cases {
		_, err := Init(c.url).FetchAddressData(context.Background(), lease(t), c.addr)
		if k, _ := retry.Classify(err); k != c.kind {
			t.Errorf("[%s] got kind %v (%v) want %v", c.name, k, err, c.kind)
		}
	}
}

func TestBackfill(t *testing.T) {
	var opts []map[string]interface{}
	srv := node(t, http.StatusOK, &opts)
	defer srv.Close()

	stream := Init(srv.URL).WalletStream(wallet)
	evs, err := stream.Backfill(context.Background(), lease(t), sig1)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(evs) != 2 || evs[0].Cursor != sig1 || evs[1].Cursor != sig2 {
		t.Errorf("backfill should be oldest first: %+v", evs)
	}
	if len(opts) != 1 || opts[0]["until"] != sig1 {
		t.Errorf("backfill should stop at the cursor: %+v", opts)
	}

	if _, err = stream.Backfill(context.Background(), lease(t), "not-a-signature"); err == nil {
		t.Errorf("expected an error for a bad cursor")
	}
}

func TestDecodeLogs(t *testing.T) {
	cases := []struct {
		name   string
		msg    string
		events int
		err    bool
	}{
		{"ack", `{"jsonrpc":"2.0","result":23784,"id":1}`, 0, false},
		{"notification", `{"jsonrpc":"2.0","method":"logsNotification","params":{"result":{"context":{"slot":5208469},"value":{"signature":"` + sig1 + `","err":null,"logs":["Program log: hi"]}},"subscription":23784}}`, 1, false},
		{"error", `{"jsonrpc":"2.0","error":{"code":-32602,"message":"Invalid params"},"id":1}`, 0, true},
		{"garbage", `<html>`, 0, true},
	}
	for _, c := range cases {
		evs, err := DecodeLogs(wallet, []byte(c.msg))
		if (err != nil) != c.err || len(evs) != c.events {
			t.Errorf("[%s] got %d events, err %v", c.name, len(evs), err)
		}
		if c.events == 1 && (evs[0].Cursor != sig1 || evs[0].Target != wallet) {
			t.Errorf("[%s] unexpected event %+v", c.name, evs[0])
		}
	}
}

func TestValidAddress(t *testing.T) {
	cases := []struct {
		addr  string
		valid bool
	}{
		{wallet, true},
		{"11111111111111111111111111111111", true},
		{"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", true},
		{"0x357dd3856d856197c1a000bbab4abcb97dfc92c4", false},
		{"So1111111111111111111111111111111111111111O", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ValidAddress(c.addr); got != c.valid {
			t.Errorf("[%s] got %v want %v", c.addr, got, c.valid)
		}
	}
}
