// Implements the chain interface for ethereum networks, over the Etherscan API and optionally a JSON-RPC node.
package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/tarancss/ethcli"

	"github.com/willx33/sol-tools/lib/chain/types"
	"github.com/willx33/sol-tools/lib/fetch"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// Name of the chain and the pool endpoint of the Etherscan API.
const (
	Name       = "ethereum"
	Endpoint   = "etherscan"
	DefaultAPI = "https://api.etherscan.io/api"
	// RecentTxs is the number of transactions fetched per wallet.
	RecentTxs = 10
)

// Ethereum ERC20 token methodID (keccak-256 of the function name and arguments)
const (
	ERC20transfer256     = "a9059cbb" // transfer(address,uint256)
	ERC20transferFrom256 = "23b872dd" // transferFrom(address,address,uint256)
	ERC20transfer        = "6cb927d8" // transfer(address,uint)
	ERC20transferFrom    = "a978501e" // transferFrom(address,address,uint)
)

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	api  string
	key  string
	node *ethcli.EthCli
}

// Init returns a client of the Etherscan api with key. When node is given, a connection to it is opened using secret
// if necessary for authentication.
func Init(api, key, node, secret string) (*Ethereum, error) {
	e := &Ethereum{api: api, key: key}
	if node != "" {
		if e.node = ethcli.Init(node, secret); e.node == nil {
			return nil, errors.New("Cannot connect to ethereum blockchain in " + node)
		}
	}
	return e, nil
}

// Name returns "ethereum".
func (e *Ethereum) Name() string { return Name }

// Endpoint returns the pool endpoint of the Etherscan api.
func (e *Ethereum) Endpoint() string { return Endpoint }

// ValidAddress checks for a 0x prefixed 20 byte hex address.
func (e *Ethereum) ValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// Close ends the node connection.
func (e *Ethereum) Close() {
	if e.node != nil {
		e.node.End()
	}
}

// NodeBalance loads the ether balance, and the token balance if specified, from the node.
func (e *Ethereum) NodeBalance(address, token string) (eth, tok *big.Int, err error) {
	if e.node == nil {
		return nil, nil, types.ErrNoNode
	}
	return e.node.GetBalance(address, token)
}

// Token is an ERC20 asset.
type Token struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// GetToken returns the name, symbol and decimals of a valid ERC20 token from the node.
func (e *Ethereum) GetToken(token string) (t Token, err error) {
	if e.node == nil {
		err = types.ErrNoNode
		return
	}
	if t.Name, err = e.node.GetTokenName(token); err != nil {
		return
	}
	if t.Symbol, err = e.node.GetTokenSymbol(token); err != nil {
		return
	}
	var dec uint64
	if dec, err = e.node.GetTokenDecimals(token); err != nil {
		return
	}
	t.Decimals = uint8(dec)
	return
}

// reply is the envelope of every Etherscan reply.
type reply struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Tx is a transaction as listed by Etherscan.
type Tx struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Input       string `json:"input"`
	GasPrice    string `json:"gasPrice"`
	GasUsed     string `json:"gasUsed"`
	IsError     string `json:"isError"`
}

// call performs an Etherscan request and decodes its result into out. Etherscan answers 200 to every call, the
// status field tells failures apart.
func (e *Ethereum) call(ctx context.Context, lease *pool.Lease, q url.Values, out interface{}) error {
	q.Set("apikey", e.key)

	var r reply
	if err := fetch.JSON(ctx, lease.Client(), fetch.Request{URL: e.api, Query: q}, &r); err != nil {
		return err
	}
	if r.Status != "1" {
		var text string
		_ = json.Unmarshal(r.Result, &text)
		return replyError(r.Message, text)
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return retry.Transient(fmt.Errorf("cannot decode etherscan result: %w", err))
	}
	return nil
}

// replyError maps an Etherscan failure reply to a retry kind, nil for empty results.
func replyError(message, result string) error {
	lr := strings.ToLower(result)
	switch {
	case strings.HasPrefix(strings.ToLower(message), "no transactions found"):
		return nil
	case strings.Contains(lr, "rate limit"):
		return &retry.TransientFetchError{Kind: retry.RateLimited, Err: errors.New(result)}
	case strings.Contains(lr, "api key"):
		return retry.Permanent(retry.AuthError, errors.New(result))
	case strings.Contains(lr, "invalid address") || strings.Contains(lr, "error! invalid"):
		return retry.Permanent(retry.ClientError, fmt.Errorf("%w: %s", types.ErrBadAddress, result))
	}
	return &retry.TransientFetchError{Kind: retry.ServerError, Err: fmt.Errorf("etherscan: %s %s", message, result)}
}

// Balance returns the wei balance of address.
func (e *Ethereum) Balance(ctx context.Context, lease *pool.Lease, address string) (*big.Int, error) {
	var s string
	q := url.Values{"module": {"account"}, "action": {"balance"}, "address": {address}, "tag": {"latest"}}
	if err := e.call(ctx, lease, q, &s); err != nil {
		return nil, err
	}
	wei, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, retry.Transient(fmt.Errorf("bad balance %q", s))
	}
	return wei, nil
}

// TxList returns up to n transactions of address from startBlock on. Ascending lists oldest first.
func (e *Ethereum) TxList(ctx context.Context, lease *pool.Lease, address string, startBlock uint64, n int,
	ascending bool) ([]Tx, error) {
	return e.TxRange(ctx, lease, address, startBlock, 99999999, n, ascending)
}

// TxRange returns up to n transactions of address mined between the blocks start and end, both included.
func (e *Ethereum) TxRange(ctx context.Context, lease *pool.Lease, address string, start, end uint64, n int,
	ascending bool) ([]Tx, error) {
	sort := "desc"
	if ascending {
		sort = "asc"
	}
	q := url.Values{
		"module": {"account"}, "action": {"txlist"}, "address": {address},
		"startblock": {strconv.FormatUint(start, 10)}, "endblock": {strconv.FormatUint(end, 10)},
		"page": {"1"}, "offset": {strconv.Itoa(n)}, "sort": {sort},
	}
	var txs []Tx
	if err := e.call(ctx, lease, q, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// BlockByTime returns the number of the block mined closest to ts, "before" or "after" it.
func (e *Ethereum) BlockByTime(ctx context.Context, lease *pool.Lease, ts time.Time, closest string) (uint64, error) {
	var s string
	q := url.Values{"module": {"block"}, "action": {"getblocknobytime"},
		"timestamp": {strconv.FormatInt(ts.Unix(), 10)}, "closest": {closest}}
	if err := e.call(ctx, lease, q, &s); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, retry.Transient(fmt.Errorf("bad block number %q", s))
	}
	return n, nil
}

// FetchAddressData returns the balance and the most recent transactions of address.
func (e *Ethereum) FetchAddressData(ctx context.Context, lease *pool.Lease, addr string) (types.WalletRecord,
	error) {
	w := types.WalletRecord{Chain: Name, Address: addr, Symbol: "ETH"}
	if !e.ValidAddress(addr) {
		return w, retry.Permanent(retry.ClientError, fmt.Errorf("%w: %s", types.ErrBadAddress, addr))
	}

	wei, err := e.Balance(ctx, lease, addr)
	if err != nil {
		return w, err
	}
	w.Balance = decimal.NewFromBigInt(wei, -18)

	txs, err := e.TxList(ctx, lease, addr, 0, RecentTxs, false)
	if err != nil {
		return w, err
	}
	if w.Txs, err = DecodeTxs(txs); err != nil {
		return w, retry.Permanent(retry.ClientError, err)
	}
	w.TxCount = len(w.Txs)
	for _, t := range w.Txs {
		if ts := time.Unix(t.TS, 0).UTC(); ts.After(w.LastActivity) {
			w.LastActivity = ts
		}
	}
	return w, nil
}

// DecodeTxs returns the transfers of Etherscan transactions. ERC20 transfers carry the token contract in Token and
// the recipient and amount decoded from the input.
func DecodeTxs(list []Tx) (txs []types.Trans, err error) {
	txs = make([]types.Trans, 0, len(list))
	for _, tx := range list {
		if tx.Hash == "" {
			return nil, types.ErrNoTrxHash
		}
		t := types.Trans{Block: tx.BlockNumber, Hash: tx.Hash, From: tx.From, To: tx.To, Value: tx.Value,
			Status: types.TrxSuccess}
		t.TS, _ = strconv.ParseInt(tx.TimeStamp, 10, 64)
		if tx.IsError == "1" {
			t.Status = types.TrxFailed
		}
		if price, ok := new(big.Int).SetString(tx.GasPrice, 10); ok {
			if used, ok := new(big.Int).SetString(tx.GasUsed, 10); ok {
				t.Fee = price.Mul(price, used).String()
			}
		}
		if err = decodeInput(&t, tx.Input); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, nil
}

// decodeInput fills t from the input of an ERC20 transfer, or keeps it as data for any other call.
func decodeInput(t *types.Trans, input string) error {
	if len(input) <= 10 {
		if input != "0x" {
			t.Data = input
		}
		return nil
	}
	switch input[2:10] {
	case ERC20transfer, ERC20transfer256:
		if len(input) < 138 {
			return types.ErrTrxWrongLen
		}
		// To comes in "input" after 24 padded 0s
		t.Token = t.To
		t.To = "0x" + input[10+24:74]
		t.Value = hexToDec(input[74:138])
	case ERC20transferFrom, ERC20transferFrom256:
		if len(input) < 202 {
			return types.ErrTrxWrongLen
		}
		t.Token = t.To
		t.From = "0x" + input[10+24:74]
		t.To = "0x" + input[74+24:138]
		t.Value = hexToDec(input[138:202])
	default:
		t.Data = input
	}
	return nil
}

func hexToDec(h string) string {
	v, ok := new(big.Int).SetString(h, 16)
	if !ok {
		return "0"
	}
	return v.String()
}
