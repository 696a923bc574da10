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

// Package tokens resolves ERC20 metadata (symbol, decimals) through the
// multicall bundler and caches positives forever. Negatives are never
// cached so freshly deployed tokens resolve on a later sighting.
package tokens

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/evmwatch/evmwatch/multicall"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

var (
	erc20ABI = func() abi.ABI {
		parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
		if err != nil {
			panic(fmt.Sprintf("invalid erc20 ABI: %v", err))
		}
		return parsed
	}()

	symbolCall   = mustPack("symbol")
	decimalsCall = mustPack("decimals")
	token0Call   = mustPack("token0")
	token1Call   = mustPack("token1")

	resolvedMeter = metrics.NewRegisteredMeter("tokens/resolved", nil)
	droppedMeter  = metrics.NewRegisteredMeter("tokens/dropped", nil)
)

func mustPack(method string) []byte {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		panic(err)
	}
	return data
}

// TransferSelector is the 4-byte selector of ERC20 transfer(address,uint256).
var TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// Record is the cached metadata of one token.
type Record struct {
	Symbol   string
	Decimals uint8
}

// Token is one resolved entry of a lookup result. Base is set when the
// symbol belongs to the configured base-token set.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
	Base     bool
}

// List is an ordered lookup result: non-base tokens first, base tokens
// last, encounter order within each group.
type List []Token

// Symbols returns the symbols in list order.
func (l List) Symbols() []string {
	out := make([]string, len(l))
	for i, t := range l {
		out[i] = t.Symbol
	}
	return out
}

// Caller bundles read-only calls; satisfied by *multicall.Caller.
type Caller interface {
	TryAggregate(ctx context.Context, requireSuccess bool, calls []multicall.Call) ([]multicall.Result, error)
}

// Store persists resolved records; satisfied by *store.LocalDB.
type Store interface {
	PutToken(ctx context.Context, address, symbol string, decimals uint8) error
}

// Resolver looks up token metadata with a write-once positive cache in
// front of the multicall bundler.
type Resolver struct {
	caller Caller
	store  Store
	base   map[string]struct{}
	log    log.Logger

	mu    sync.RWMutex
	cache map[string]Record // lower-cased address → record
}

// NewResolver builds a resolver. baseSymbols name the chain's quote
// currencies (they sort last in lookup results and get no chart buttons).
// warm seeds the cache, usually from the local database.
func NewResolver(caller Caller, st Store, baseSymbols []string, warm map[string]Record, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.Root()
	}
	base := make(map[string]struct{}, len(baseSymbols))
	for _, s := range baseSymbols {
		base[strings.ToUpper(s)] = struct{}{}
	}
	cache := make(map[string]Record, len(warm))
	for addr, rec := range warm {
		cache[strings.ToLower(addr)] = rec
	}
	return &Resolver{
		caller: caller,
		store:  st,
		base:   base,
		log:    logger,
		cache:  cache,
	}
}

// IsBase reports whether symbol belongs to the configured base-token set.
func (r *Resolver) IsBase(symbol string) bool {
	_, ok := r.base[strings.ToUpper(symbol)]
	return ok
}

// Cached returns the cache entry for addr, if any.
func (r *Resolver) Cached(addr common.Address) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.cache[strings.ToLower(addr.Hex())]
	return rec, ok
}

// Lookup resolves metadata for every address that turns out to be a token.
// Cache misses are fetched as two parallel bundles (symbol and decimals);
// only records with a non-empty symbol and decimals > 0 are kept and
// persisted. Addresses that fail to resolve are dropped silently. The
// result keeps input encounter order, except base tokens go last.
func (r *Resolver) Lookup(ctx context.Context, addrs []common.Address) (List, error) {
	var (
		resolved = make(map[string]Record, len(addrs))
		misses   []common.Address
		seen     = make(map[string]struct{}, len(addrs))
		order    []string
	)
	r.mu.RLock()
	for _, addr := range addrs {
		key := strings.ToLower(addr.Hex())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		order = append(order, key)
		if rec, ok := r.cache[key]; ok {
			resolved[key] = rec
		} else {
			misses = append(misses, addr)
		}
	}
	r.mu.RUnlock()

	if len(misses) > 0 {
		fetched, err := r.fetch(ctx, misses)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		for key, rec := range fetched {
			if existing, ok := r.cache[key]; ok {
				// Write-once: a concurrent lookup got there first.
				resolved[key] = existing
				continue
			}
			r.cache[key] = rec
			resolved[key] = rec
		}
		r.mu.Unlock()
	}

	// Assemble in encounter order, base tokens shifted to the back.
	var head, tail List
	for _, key := range order {
		rec, ok := resolved[key]
		if !ok {
			continue
		}
		tok := Token{Address: common.HexToAddress(key), Symbol: rec.Symbol, Decimals: rec.Decimals, Base: r.IsBase(rec.Symbol)}
		if tok.Base {
			tail = append(tail, tok)
		} else {
			head = append(head, tok)
		}
	}
	return append(head, tail...), nil
}

// fetch resolves misses over two parallel multicall bundles and persists
// the positives.
func (r *Resolver) fetch(ctx context.Context, misses []common.Address) (map[string]Record, error) {
	symCalls := make([]multicall.Call, len(misses))
	decCalls := make([]multicall.Call, len(misses))
	for i, addr := range misses {
		symCalls[i] = multicall.Call{Target: addr, CallData: symbolCall}
		decCalls[i] = multicall.Call{Target: addr, CallData: decimalsCall}
	}

	var symResults, decResults []multicall.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		symResults, err = r.caller.TryAggregate(gctx, false, symCalls)
		return err
	})
	g.Go(func() error {
		var err error
		decResults, err = r.caller.TryAggregate(gctx, false, decCalls)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("token metadata bundle: %w", err)
	}

	out := make(map[string]Record, len(misses))
	for i, addr := range misses {
		rec, ok := decodeRecord(symResults[i], decResults[i])
		if !ok {
			droppedMeter.Mark(1)
			continue
		}
		resolvedMeter.Mark(1)
		key := strings.ToLower(addr.Hex())
		out[key] = rec
		if err := r.store.PutToken(ctx, key, rec.Symbol, rec.Decimals); err != nil {
			// The next sighting re-persists; the in-memory record stands.
			r.log.Warn("Failed to persist token record", "token", addr, "err", err)
		}
	}
	return out, nil
}

func decodeRecord(sym, dec multicall.Result) (Record, bool) {
	if !sym.Success || !dec.Success {
		return Record{}, false
	}
	symOut, err := erc20ABI.Unpack("symbol", sym.ReturnData)
	if err != nil || len(symOut) != 1 {
		return Record{}, false
	}
	symbol, ok := symOut[0].(string)
	if !ok {
		return Record{}, false
	}
	symbol = strings.TrimSpace(symbol)

	decOut, err := erc20ABI.Unpack("decimals", dec.ReturnData)
	if err != nil || len(decOut) != 1 {
		return Record{}, false
	}
	decimals, ok := decOut[0].(uint8)
	if !ok {
		return Record{}, false
	}
	if symbol == "" || decimals == 0 {
		return Record{}, false
	}
	return Record{Symbol: symbol, Decimals: decimals}, true
}

// TransferAmount decodes the amount of an ERC20 transfer call against
// token and renders it with two fractional digits. It returns false when
// the calldata is not a well-formed transfer or the token's decimals are
// not cached yet.
func (r *Resolver) TransferAmount(data []byte, token common.Address) (string, bool) {
	if len(data) < 4+64 || !bytes.Equal(data[:4], TransferSelector) {
		return "", false
	}
	rec, ok := r.Cached(token)
	if !ok {
		return "", false
	}
	amount := new(uint256.Int).SetBytes(data[36:68])
	value := decimal.NewFromBigInt(amount.ToBig(), -int32(rec.Decimals))
	return value.StringFixed(2), true
}

// PairUnderlyings treats every candidate as a potential liquidity pair and
// returns the token0/token1 addresses that answer, de-duplicated in
// encounter order. Failures are decorative and only logged.
func (r *Resolver) PairUnderlyings(ctx context.Context, pairs []common.Address) []common.Address {
	if len(pairs) == 0 {
		return nil
	}
	t0Calls := make([]multicall.Call, len(pairs))
	t1Calls := make([]multicall.Call, len(pairs))
	for i, addr := range pairs {
		t0Calls[i] = multicall.Call{Target: addr, CallData: token0Call}
		t1Calls[i] = multicall.Call{Target: addr, CallData: token1Call}
	}

	var t0Results, t1Results []multicall.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		t0Results, err = r.caller.TryAggregate(gctx, false, t0Calls)
		return err
	})
	g.Go(func() error {
		var err error
		t1Results, err = r.caller.TryAggregate(gctx, false, t1Calls)
		return err
	})
	if err := g.Wait(); err != nil {
		r.log.Debug("Pair underlying bundle failed", "pairs", len(pairs), "err", err)
		return nil
	}

	var (
		out  []common.Address
		seen = make(map[common.Address]struct{})
	)
	appendToken := func(res multicall.Result, method string) {
		if !res.Success {
			return
		}
		decoded, err := erc20ABI.Unpack(method, res.ReturnData)
		if err != nil || len(decoded) != 1 {
			return
		}
		addr, ok := decoded[0].(common.Address)
		if !ok || addr == (common.Address{}) {
			return
		}
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for i := range pairs {
		appendToken(t0Results[i], "token0")
		appendToken(t1Results[i], "token1")
	}
	return out
}
