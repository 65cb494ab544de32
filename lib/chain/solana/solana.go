// Implements the chain interface for Solana over JSON-RPC (ie. Helius).
package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"

	"github.com/willx33/sol-tools/lib/chain/types"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// Name of the chain and the pool endpoint of the RPC provider.
const (
	Name     = "solana"
	Endpoint = "helius"
	// RecentSigs is the number of signatures fetched per wallet.
	RecentSigs = 10
	// MaxBackfill bounds the signatures replayed after a reconnect.
	MaxBackfill = 1000
)

// Solana implements a connection to a Solana RPC provider.
type Solana struct {
	rpcURL string
	wsURL  string
}

// Init returns a client of the RPC at rpcURL. The websocket url is derived from it.
func Init(rpcURL string) *Solana {
	ws := rpcURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return &Solana{rpcURL: rpcURL, wsURL: ws}
}

// WithWS sets the websocket url.
func (s *Solana) WithWS(url string) *Solana {
	if url != "" {
		s.wsURL = url
	}
	return s
}

// Name returns "solana".
func (s *Solana) Name() string { return Name }

// Endpoint returns the pool endpoint of the RPC.
func (s *Solana) Endpoint() string { return Endpoint }

// Close does nothing, clients live as long as their lease.
func (s *Solana) Close() {}

// ValidAddress checks for a base58 encoded 32 byte public key.
func (s *Solana) ValidAddress(addr string) bool {
	return ValidAddress(addr)
}

// ValidAddress checks for a base58 encoded 32 byte public key.
func ValidAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	_, err := solana.PublicKeyFromBase58(addr)
	return err == nil
}

// client returns an RPC client sending through the HTTP client of lease.
func (s *Solana) client(lease *pool.Lease) *rpc.Client {
	return rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(s.rpcURL, &jsonrpc.RPCClientOpts{
		HTTPClient: lease.Client(),
	}))
}

// classify attaches a retry kind to RPC errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var he *jsonrpc.HTTPError
	if errors.As(err, &he) {
		if serr := retry.FromStatus(he.Code, nil); serr != nil {
			return serr
		}
	}
	var re *jsonrpc.RPCError
	if errors.As(err, &re) {
		switch re.Code {
		case 429, -32429:
			return &retry.TransientFetchError{Kind: retry.RateLimited, Err: err}
		case -32600, -32601, -32602:
			return retry.Permanent(retry.ClientError, err)
		case 401, 403:
			return retry.Permanent(retry.AuthError, err)
		}
		return &retry.TransientFetchError{Kind: retry.ServerError, Err: err}
	}
	if k, _ := retry.Classify(err); k == retry.TransientNetwork {
		return retry.Transient(err)
	}
	return err
}

// Health checks the RPC node answers getHealth.
func (s *Solana) Health(ctx context.Context, lease *pool.Lease) error {
	_, err := s.client(lease).GetHealth(ctx)
	return classify(err)
}

// Balance returns the lamports of addr.
func (s *Solana) Balance(ctx context.Context, lease *pool.Lease, pk solana.PublicKey) (uint64, error) {
	out, err := s.client(lease).GetBalance(ctx, pk, rpc.CommitmentFinalized)
	if err != nil {
		return 0, classify(err)
	}
	return out.Value, nil
}

// Signatures returns up to limit signatures of addr, newest first, stopping before until when given.
func (s *Solana) Signatures(ctx context.Context, lease *pool.Lease, pk solana.PublicKey, until string,
	limit int) ([]*rpc.TransactionSignature, error) {
	opts := &rpc.GetSignaturesForAddressOpts{Limit: &limit, Commitment: rpc.CommitmentConfirmed}
	if until != "" {
		sig, err := solana.SignatureFromBase58(until)
		if err != nil {
			return nil, retry.Permanent(retry.ClientError, fmt.Errorf("bad cursor %q: %w", until, err))
		}
		opts.Until = sig
	}
	out, err := s.client(lease).GetSignaturesForAddressWithOpts(ctx, pk, opts)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func publicKey(addr string) (solana.PublicKey, error) {
	if len(addr) < 32 || len(addr) > 44 {
		return solana.PublicKey{}, retry.Permanent(retry.ClientError, fmt.Errorf("%w: %s", types.ErrBadAddress, addr))
	}
	pk, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return pk, retry.Permanent(retry.ClientError, fmt.Errorf("%w: %s", types.ErrBadAddress, addr))
	}
	return pk, nil
}

// FetchAddressData returns the SOL balance and the most recent signatures of addr.
func (s *Solana) FetchAddressData(ctx context.Context, lease *pool.Lease, addr string) (types.WalletRecord, error) {
	w := types.WalletRecord{Chain: Name, Address: addr, Symbol: "SOL"}
	pk, err := publicKey(addr)
	if err != nil {
		return w, err
	}

	lamports, err := s.Balance(ctx, lease, pk)
	if err != nil {
		return w, err
	}
	w.Balance = decimal.New(int64(lamports), -9)

	sigs, err := s.Signatures(ctx, lease, pk, "", RecentSigs)
	if err != nil {
		return w, err
	}
	w.Txs = Trans(sigs)
	w.TxCount = len(w.Txs)
	for _, t := range w.Txs {
		if ts := time.Unix(t.TS, 0).UTC(); t.TS != 0 && ts.After(w.LastActivity) {
			w.LastActivity = ts
		}
	}
	return w, nil
}

// Trans converts signatures to transactions.
func Trans(sigs []*rpc.TransactionSignature) []types.Trans {
	txs := make([]types.Trans, 0, len(sigs))
	for _, sig := range sigs {
		t := types.Trans{Block: fmt.Sprint(sig.Slot), Hash: sig.Signature.String(), Status: types.TrxSuccess}
		if sig.Err != nil {
			t.Status = types.TrxFailed
		}
		if sig.BlockTime != nil {
			t.TS = int64(*sig.BlockTime)
		}
		txs = append(txs, t)
	}
	return txs
}

// sigEvent is the event of a signature touching target.
func sigEvent(target string, sig *rpc.TransactionSignature) monitor.Event {
	ev := monitor.Event{ID: sig.Signature.String(), Cursor: sig.Signature.String(), Module: Name, Target: target,
		Kind: "wallet", Time: time.Now().UTC(), Data: map[string]interface{}{"slot": sig.Slot, "failed": sig.Err != nil}}
	if sig.BlockTime != nil {
		ev.Time = sig.BlockTime.Time().UTC()
	}
	return ev
}

// WalletStream returns a stream of the transactions mentioning addr, through a logsSubscribe subscription. After a
// reconnect the signatures since the cursor are replayed from the RPC.
func (s *Solana) WalletStream(addr string) *monitor.WSStream {
	return &monitor.WSStream{
		URL: s.wsURL,
		Subscribe: func(string) []interface{} {
			return []interface{}{map[string]interface{}{
				"jsonrpc": "2.0", "id": 1, "method": "logsSubscribe",
				"params": []interface{}{
					map[string]interface{}{"mentions": []string{addr}},
					map[string]string{"commitment": "confirmed"},
				},
			}}
		},
		Decode: func(msg []byte) ([]monitor.Event, error) {
			return DecodeLogs(addr, msg)
		},
		Backfill: func(ctx context.Context, lease *pool.Lease, cursor string) ([]monitor.Event, error) {
			pk, err := publicKey(addr)
			if err != nil {
				return nil, err
			}
			sigs, err := s.Signatures(ctx, lease, pk, cursor, MaxBackfill)
			if err != nil {
				return nil, err
			}
			evs := make([]monitor.Event, 0, len(sigs))
			for i := len(sigs) - 1; i >= 0; i-- { // oldest first
				evs = append(evs, sigEvent(addr, sigs[i]))
			}
			return evs, nil
		},
	}
}

type logsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string      `json:"signature"`
				Err       interface{} `json:"err"`
				Logs      []string    `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
	Error *jsonrpc.RPCError `json:"error"`
}

// DecodeLogs turns a logsNotification into an event. Subscription acks decode to none, errors are fatal to the
// connection.
func DecodeLogs(target string, msg []byte) ([]monitor.Event, error) {
	var n logsNotification
	if err := json.Unmarshal(msg, &n); err != nil {
		return nil, err
	}
	if n.Error != nil {
		return nil, n.Error
	}
	if n.Method != "logsNotification" || n.Params.Result.Value.Signature == "" {
		return nil, nil
	}
	v := n.Params.Result.Value
	return []monitor.Event{{
		ID: v.Signature, Cursor: v.Signature, Module: Name, Target: target, Kind: "wallet", Time: time.Now().UTC(),
		Data: map[string]interface{}{"slot": n.Params.Result.Context.Slot, "failed": v.Err != nil, "logs": len(v.Logs)},
	}}, nil
}
