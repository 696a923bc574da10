// Copyright 2025 The evmwatch Authors
// This file is part of evmwatch.
//
// evmwatch is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// evmwatch is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with evmwatch. If not, see <http://www.gnu.org/licenses/>.

// Package fanout presents a single chain-client interface backed by a
// static set of RPC endpoints. Every call is dispatched to all endpoints
// concurrently and reduced to one result by a per-method consensus policy:
//
//   - first-success: first non-error result wins, in-flight calls to the
//     remaining endpoints are cancelled (default policy)
//   - highest-block: numerically greatest result (head-number queries)
//   - most-logs: longest non-error result (log queries)
//
// Endpoints are never banned: the list is static and transient failures
// are tolerated on each call independently.
package fanout

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/exp/slices"
)

// DefaultTimeout bounds a single logical call across all endpoints.
const DefaultTimeout = 3 * time.Second

var (
	callSuccessMeter = metrics.NewRegisteredMeter("fanout/calls/success", nil)
	callFailMeter    = metrics.NewRegisteredMeter("fanout/calls/fail", nil)
	callTimer        = metrics.NewRegisteredTimer("fanout/calls", nil)
)

// Endpoint is the per-endpoint client surface the fan-out dispatches to.
// *ethclient.Client satisfies it.
type Endpoint interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// AllFailedError is returned when no endpoint produced a usable result for
// a call. Errors holds the last error per endpoint name.
type AllFailedError struct {
	Method string
	Errors map[string]error
}

func (e *AllFailedError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	fmt.Fprintf(&b, "all endpoints failed for %s:", e.Method)
	for _, name := range names {
		fmt.Fprintf(&b, " %s: %v;", name, e.Errors[name])
	}
	return strings.TrimSuffix(b.String(), ";")
}

type endpoint struct {
	name string
	rpc  Endpoint
}

// Client fans calls out to its endpoints and reduces the responses.
type Client struct {
	endpoints []endpoint
	timeout   time.Duration
	log       log.Logger
}

// New builds an empty fan-out client. A zero timeout selects
// DefaultTimeout.
func New(timeout time.Duration, logger log.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Client{timeout: timeout, log: logger}
}

// Dial connects an ethclient to every URL and registers it under the URL
// as its endpoint name.
func Dial(ctx context.Context, urls []string, timeout time.Duration, logger log.Logger) (*Client, error) {
	c := New(timeout, logger)
	for _, url := range urls {
		rpc, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		c.Add(url, rpc)
	}
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("no RPC endpoints configured")
	}
	return c, nil
}

// Add registers one more endpoint.
func (c *Client) Add(name string, rpc Endpoint) {
	c.endpoints = append(c.endpoints, endpoint{name: name, rpc: rpc})
}

// Len returns the number of registered endpoints.
func (c *Client) Len() int { return len(c.endpoints) }

type result[T any] struct {
	name    string
	val     T
	err     error
	elapsed time.Duration
}

// scatter invokes call against every endpoint in its own goroutine and
// streams the results. detail, when non-nil, contributes extra log context
// for successful responses. The channel is buffered so stragglers never
// block after the caller stopped reading.
func scatter[T any](ctx context.Context, c *Client, method string, detail func(T) []interface{}, call func(context.Context, Endpoint) (T, error)) <-chan result[T] {
	out := make(chan result[T], len(c.endpoints))
	for _, ep := range c.endpoints {
		ep := ep
		go func() {
			start := time.Now()
			val, err := call(ctx, ep.rpc)
			elapsed := time.Since(start)
			if err != nil {
				c.log.Debug("Endpoint call failed", "method", method, "endpoint", ep.name, "elapsed", elapsed, "err", err)
			} else {
				kv := []interface{}{"method", method, "endpoint", ep.name, "elapsed", elapsed}
				if detail != nil {
					kv = append(kv, detail(val)...)
				}
				c.log.Trace("Endpoint call done", kv...)
			}
			out <- result[T]{name: ep.name, val: val, err: err, elapsed: elapsed}
		}()
	}
	return out
}

// firstSuccess returns the first non-error result and cancels the rest.
func firstSuccess[T any](c *Client, method string, cancel context.CancelFunc, results <-chan result[T]) (T, error) {
	errs := make(map[string]error, len(c.endpoints))
	for range c.endpoints {
		r := <-results
		if r.err == nil {
			cancel()
			return r.val, nil
		}
		errs[r.name] = r.err
	}
	var zero T
	return zero, &AllFailedError{Method: method, Errors: errs}
}

// gather waits for every endpoint and splits results from errors.
func gather[T any](c *Client, results <-chan result[T]) ([]T, map[string]error) {
	var (
		vals []T
		errs = make(map[string]error, len(c.endpoints))
	)
	for range c.endpoints {
		r := <-results
		if r.err != nil {
			errs[r.name] = r.err
			continue
		}
		vals = append(vals, r.val)
	}
	return vals, errs
}

func (c *Client) finish(err error) error {
	if err != nil {
		callFailMeter.Mark(1)
	} else {
		callSuccessMeter.Mark(1)
	}
	return err
}

// ChainID resolves the chain id with the first-success policy.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer callTimer.UpdateSince(time.Now())

	val, err := firstSuccess(c, "eth_chainId", cancel, scatter(ctx, c, "eth_chainId", nil,
		func(ctx context.Context, ep Endpoint) (*big.Int, error) {
			return ep.ChainID(ctx)
		}))
	return val, c.finish(err)
}

// BlockNumber returns the highest head number reported by any endpoint.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer callTimer.UpdateSince(time.Now())

	results := scatter(ctx, c, "eth_blockNumber",
		func(height uint64) []interface{} { return []interface{}{"height", height} },
		func(ctx context.Context, ep Endpoint) (uint64, error) {
			return ep.BlockNumber(ctx)
		})
	vals, errs := gather(c, results)
	if len(vals) == 0 {
		return 0, c.finish(&AllFailedError{Method: "eth_blockNumber", Errors: errs})
	}
	c.finish(nil)
	return slices.Max(vals), nil
}

// BlockByNumber fetches a block with the first-success policy.
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer callTimer.UpdateSince(time.Now())

	val, err := firstSuccess(c, "eth_getBlockByNumber", cancel, scatter(ctx, c, "eth_getBlockByNumber", nil,
		func(ctx context.Context, ep Endpoint) (*types.Block, error) {
			return ep.BlockByNumber(ctx, number)
		}))
	return val, c.finish(err)
}

type txLookup struct {
	tx      *types.Transaction
	pending bool
}

// TransactionByHash fetches a transaction with the first-success policy.
// The bool result mirrors ethclient: true while the tx is still pending.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer callTimer.UpdateSince(time.Now())

	val, err := firstSuccess(c, "eth_getTransactionByHash", cancel, scatter(ctx, c, "eth_getTransactionByHash", nil,
		func(ctx context.Context, ep Endpoint) (txLookup, error) {
			tx, pending, err := ep.TransactionByHash(ctx, hash)
			return txLookup{tx: tx, pending: pending}, err
		}))
	if err != nil {
		return nil, false, c.finish(err)
	}
	c.finish(nil)
	return val.tx, val.pending, nil
}

// TransactionReceipt fetches a receipt with the first-success policy.
// Endpoints that have not seen the transaction yet report
// ethereum.NotFound, which counts as a failure for that endpoint.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer callTimer.UpdateSince(time.Now())

	val, err := firstSuccess(c, "eth_getTransactionReceipt", cancel, scatter(ctx, c, "eth_getTransactionReceipt", nil,
		func(ctx context.Context, ep Endpoint) (*types.Receipt, error) {
			return ep.TransactionReceipt(ctx, txHash)
		}))
	return val, c.finish(err)
}

// BalanceAt fetches an account balance with the first-success policy.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer callTimer.UpdateSince(time.Now())

	val, err := firstSuccess(c, "eth_getBalance", cancel, scatter(ctx, c, "eth_getBalance", nil,
		func(ctx context.Context, ep Endpoint) (*big.Int, error) {
			return ep.BalanceAt(ctx, account, blockNumber)
		}))
	return val, c.finish(err)
}

// CallContract executes a read-only call with the first-success policy.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer callTimer.UpdateSince(time.Now())

	val, err := firstSuccess(c, "eth_call", cancel, scatter(ctx, c, "eth_call", nil,
		func(ctx context.Context, ep Endpoint) ([]byte, error) {
			return ep.CallContract(ctx, msg, blockNumber)
		}))
	return val, c.finish(err)
}

// FilterLogs queries logs from every endpoint and returns the longest
// result. Endpoints lag each other on fresh blocks, so the most complete
// answer wins.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer callTimer.UpdateSince(time.Now())

	results := scatter(ctx, c, "eth_getLogs",
		func(logs []types.Log) []interface{} { return []interface{}{"logs", len(logs)} },
		func(ctx context.Context, ep Endpoint) ([]types.Log, error) {
			return ep.FilterLogs(ctx, q)
		})
	vals, errs := gather(c, results)
	if len(vals) == 0 {
		return nil, c.finish(&AllFailedError{Method: "eth_getLogs", Errors: errs})
	}
	c.finish(nil)

	best := vals[0]
	for _, logs := range vals[1:] {
		if len(logs) > len(best) {
			best = logs
		}
	}
	return best, nil
}
