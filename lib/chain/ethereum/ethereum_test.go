package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/willx33/sol-tools/lib/chain/types"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

const (
	wallet = "0x357dd3856d856197c1a000bbab4abcb97dfc92c4"
	token  = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	dest   = "0xa34de7bd2b4270c0b12d5fd7a0c219a4d68d732f"
)

// transferInput is an ERC20 transfer of 1e18 units to dest.
var transferInput = "0x" + ERC20transfer256 + strings.Repeat("0", 24) + dest[2:] + strings.Repeat("0", 48) +
	"0de0b6b3a7640000"

func etherscan(t *testing.T, balance interface{}, txs interface{}) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "key" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "0", "message": "NOTOK", "result": "Invalid API Key"})
			return
		}
		switch r.URL.Query().Get("action") {
		case "balance":
			_ = json.NewEncoder(w).Encode(balance)
		case "txlist":
			_ = json.NewEncoder(w).Encode(txs)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
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
	txs := map[string]interface{}{"status": "1", "message": "OK", "result": []Tx{
		{BlockNumber: "17000001", TimeStamp: "1700000100", Hash: "0x02", From: wallet, To: token, Value: "0",
			Input: transferInput, GasPrice: "10", GasUsed: "21000"},
		{BlockNumber: "17000000", TimeStamp: "1700000000", Hash: "0x01", From: dest, To: wallet,
			Value: "500000000000000000", Input: "0x", IsError: "1"},
	}}
	srv := etherscan(t, map[string]interface{}{"status": "1", "message": "OK", "result": "1500000000000000000"}, txs)
	defer srv.Close()

	e, err := Init(srv.URL, "key", "", "")
	if err != nil {
		t.Fatal(err)
	}
	w, err := e.FetchAddressData(context.Background(), lease(t), wallet)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	cases := []struct {
		name      string
		got, want interface{}
	}{
		{"balance", w.Balance.String(), "1.5"},
		{"tx count", w.TxCount, 2},
		{"last activity", w.LastActivity.Unix(), int64(1700000100)},
		{"token", w.Txs[0].Token, token},
		{"token recipient", w.Txs[0].To, dest},
		{"token amount", w.Txs[0].Value, "1000000000000000000"},
		{"fee", w.Txs[0].Fee, "210000"},
		{"failed status", w.Txs[1].Status, types.TrxFailed},
		{"ether value", w.Txs[1].Value, "500000000000000000"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: got %v want %v", c.name, c.got, c.want)
		}
	}
}

func TestFetchNoTransactions(t *testing.T) {
	srv := etherscan(t, map[string]interface{}{"status": "1", "message": "OK", "result": "0"},
		map[string]interface{}{"status": "0", "message": "No transactions found", "result": []interface{}{}})
	defer srv.Close()

	e, _ := Init(srv.URL, "key", "", "")
	w, err := e.FetchAddressData(context.Background(), lease(t), wallet)
	if err != nil || w.TxCount != 0 || !w.Balance.IsZero() || !w.LastActivity.IsZero() {
		t.Errorf("unexpected record %+v %v", w, err)
	}
}

func TestFetchErrors(t *testing.T) {
	srv := etherscan(t, map[string]interface{}{"status": "0", "message": "NOTOK", "result": "Max rate limit reached"}, nil)
	defer srv.Close()

	cases := []struct {
		name string
		key  string
		addr string
		kind retry.Kind
	}{
		{"bad address", "key", "0x1234", retry.ClientError},
		{"bad key", "nokey", wallet, retry.AuthError},
		{"rate limited", "key", wallet, retry.RateLimited},
	}
	for _, c := range cases {
		e, _ := Init(srv.URL, c.key, "", "")
		_, err := e.FetchAddressData(context.Background(), lease(t), c.addr)
		if k, _ := retry.Classify(err); k != c.kind {
			t.Errorf("[%s] got kind %v (%v) want %v", c.name, k, err, c.kind)
		}
	}
}

func TestDecodeTxs(t *testing.T) {
	cases := []struct {
		name  string
		input string
		err   error
		to    string
		data  string
	}{
		{"ether", "0x", nil, wallet, ""},
		{"contract call", "0x4bdb8ab50804004410241002", nil, wallet, "0x4bdb8ab50804004410241002"},
		{"short transfer", "0x" + ERC20transfer256 + "00", types.ErrTrxWrongLen, "", ""},
		{"transfer", transferInput, nil, dest, ""},
	}
	for _, c := range cases {
		txs, err := DecodeTxs([]Tx{{Hash: "0x01", To: wallet, Input: c.input}})
		if !errors.Is(err, c.err) {
			t.Errorf("[%s] got error %v want %v", c.name, err, c.err)
			continue
		}
		if err == nil && (txs[0].To != c.to || txs[0].Data != c.data) {
			t.Errorf("[%s] unexpected tx %+v", c.name, txs[0])
		}
	}

	if _, err := DecodeTxs([]Tx{{}}); !errors.Is(err, types.ErrNoTrxHash) {
		t.Errorf("expected ErrNoTrxHash, got %v", err)
	}
}

func TestValidAddress(t *testing.T) {
	e := &Ethereum{}
	if !e.ValidAddress(wallet) || e.ValidAddress("So11111111111111111111111111111111111111112") {
		t.Errorf("address validation mismatch")
	}
	if _, _, err := e.NodeBalance(wallet, ""); !errors.Is(err, types.ErrNoNode) {
		t.Errorf("expected ErrNoNode, got %v", err)
	}
}

func TestNodeBalance(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request: %v", err)
			return
		}
		res := "0xde0b6b3a7640000"
		if req.Method == "eth_call" {
			res = "0x2710"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": res})
	}))
	defer node.Close()

	e, err := Init("", "key", node.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	eth, tok, err := e.NodeBalance(wallet, token)
	if err != nil {
		t.Fatal(err)
	}
	if eth.String() != "1000000000000000000" || tok.String() != "10000" {
		t.Errorf("unexpected balances %s %s", eth, tok)
	}
}
