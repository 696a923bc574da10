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

// Package trace decodes a (transaction, watched address) pair into a
// renderable Result. The fast flavour runs before the receipt exists and
// sees only calldata; the full flavour waits for the receipt and adds log
// addresses, the execution status and the watched address's native
// balance delta across the transaction's block boundary.
package trace

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/evmwatch/evmwatch/addrscan"
	"github.com/evmwatch/evmwatch/chain"
	"github.com/evmwatch/evmwatch/tokens"
)

// Receipt polling cadence and bound. Depth-one confirmation: the receipt
// existing is the confirmation.
const (
	receiptTimeout  = 30 * time.Second
	receiptInterval = time.Second
)

var (
	fastTimer    = metrics.NewRegisteredTimer("trace/fast", nil)
	fullTimer    = metrics.NewRegisteredTimer("trace/full", nil)
	fallbackMter = metrics.NewRegisteredMeter("trace/fallbacks", nil)
)

// Status is the execution outcome of a traced transaction.
type Status int

const (
	StatusUnknown Status = iota // pre-receipt
	StatusFailed
	StatusSuccess
)

// Result is the decoded view of one (transaction, watched address) pair.
// BlockNumber is nil while the transaction is pending ("mempool"). LogCount
// is nil pre-receipt. PNL and Balance are decimal strings in native units
// (three and two fractional digits); Amount is the single-token ERC20
// transfer amount when one was detected.
type Result struct {
	Status      Status
	Tokens      tokens.List
	LogCount    *int
	BlockNumber *big.Int
	Deployed    *common.Address
	PNL         string
	Balance     string
	Indicator   string
	Amount      string
	HasAmount   bool
}

// BlockLabel renders the inclusion height, or "mempool" for pending
// transactions.
func (r *Result) BlockLabel() string {
	if r.BlockNumber == nil {
		return "mempool"
	}
	return r.BlockNumber.String()
}

// ChainReader is the chain access the decoder needs; the fan-out client
// satisfies it.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TokenResolver is the metadata surface the decoder consumes; satisfied by
// *tokens.Resolver.
type TokenResolver interface {
	Lookup(ctx context.Context, addrs []common.Address) (tokens.List, error)
	PairUnderlyings(ctx context.Context, pairs []common.Address) []common.Address
	TransferAmount(data []byte, token common.Address) (string, bool)
}

// Decoder produces trace Results. It is stateless apart from its
// collaborators and safe for concurrent use.
type Decoder struct {
	client  ChainReader
	tokens  TokenResolver
	chainID *big.Int
	log     log.Logger

	receiptTimeout  time.Duration
	receiptInterval time.Duration
}

// NewDecoder builds a decoder. chainID is needed to recover senders when a
// transaction has to be re-fetched for the fallback path.
func NewDecoder(client ChainReader, resolver TokenResolver, chainID *big.Int, logger log.Logger) *Decoder {
	if logger == nil {
		logger = log.Root()
	}
	return &Decoder{
		client:          client,
		tokens:          resolver,
		chainID:         chainID,
		log:             logger,
		receiptTimeout:  receiptTimeout,
		receiptInterval: receiptInterval,
	}
}

// Fast decodes a transaction from its calldata alone, before a receipt is
// available. The watched address's balance is read at the current head.
func (d *Decoder) Fast(ctx context.Context, tx *chain.Transaction, watched common.Address) (*Result, error) {
	defer fastTimer.UpdateSince(time.Now())

	candidates := d.candidates(ctx, tx, nil)

	var (
		balance *big.Int
		list    tokens.List
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = d.client.BalanceAt(gctx, watched, nil)
		return err
	})
	g.Go(func() error {
		var err error
		list, err = d.tokens.Lookup(gctx, candidates)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fast trace %s: %w", tx.Hash, err)
	}

	res := &Result{
		Status:      StatusUnknown,
		Tokens:      list,
		BlockNumber: tx.BlockNumber,
		PNL:         "0.0",
		Balance:     formatNative(balance, 2),
		Indicator:   " ",
	}
	if len(list) == 1 {
		if amount, ok := d.tokens.TransferAmount(tx.Data, list[0].Address); ok {
			res.Amount, res.HasAmount = amount, true
		}
	}
	return res, nil
}

// Full waits for the transaction's receipt and decodes the confirmed
// outcome: status, log emitters, deployed contract and the watched
// address's balance delta across the inclusion block. When the receipt
// does not arrive within the timeout, Full degrades to the fast flavour
// against a freshly fetched copy of the transaction.
func (d *Decoder) Full(ctx context.Context, tx *chain.Transaction, watched common.Address) (*Result, error) {
	defer fullTimer.UpdateSince(time.Now())

	receipt, err := d.waitReceipt(ctx, tx.Hash)
	if err != nil {
		fallbackMter.Mark(1)
		d.log.Debug("Receipt wait failed, falling back to fast trace", "tx", tx.Hash, "err", err)
		return d.refetchFast(ctx, tx, watched)
	}

	candidates := d.candidates(ctx, tx, receipt.Logs)

	var (
		after, before *big.Int
		list          tokens.List
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		after, err = d.client.BalanceAt(gctx, watched, receipt.BlockNumber)
		return err
	})
	g.Go(func() error {
		parent := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
		var err error
		before, err = d.client.BalanceAt(gctx, watched, parent)
		return err
	})
	g.Go(func() error {
		var err error
		list, err = d.tokens.Lookup(gctx, candidates)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("full trace %s: %w", tx.Hash, err)
	}

	logCount := len(receipt.Logs)
	delta := new(big.Int).Sub(after, before)
	res := &Result{
		Status:      StatusFailed,
		Tokens:      list,
		LogCount:    &logCount,
		BlockNumber: receipt.BlockNumber,
		PNL:         formatNative(delta, 3),
		Balance:     formatNative(after, 2),
		Indicator:   indicator(delta),
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		res.Status = StatusSuccess
	}
	if receipt.ContractAddress != (common.Address{}) {
		deployed := receipt.ContractAddress
		res.Deployed = &deployed
	}
	if len(list) == 1 {
		if amount, ok := d.tokens.TransferAmount(tx.Data, list[0].Address); ok {
			res.Amount, res.HasAmount = amount, true
		}
	}
	return res, nil
}

// candidates gathers every address the transaction plausibly touches:
// calldata words, log emitters, the call target and the underlyings of any
// candidate that answers like a liquidity pair.
func (d *Decoder) candidates(ctx context.Context, tx *chain.Transaction, logs []*types.Log) []common.Address {
	candidates := addrscan.FromCalldata(tx.Data)
	candidates = append(candidates, addrscan.FromLogs(logs)...)
	if tx.To != nil {
		candidates = append(candidates, *tx.To)
	}
	return append(candidates, d.tokens.PairUnderlyings(ctx, candidates)...)
}

// waitReceipt polls for the receipt until it exists or the timeout fires,
// in the manner of bind.WaitMined.
func (d *Decoder) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, d.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(d.receiptInterval)
	defer ticker.Stop()
	for {
		receipt, err := d.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt of %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// refetchFast re-reads the transaction from the chain and runs the fast
// flavour against the fresh copy, so a receipt that never arrived still
// yields the best pre-receipt view.
func (d *Decoder) refetchFast(ctx context.Context, tx *chain.Transaction, watched common.Address) (*Result, error) {
	raw, pending, err := d.client.TransactionByHash(ctx, tx.Hash)
	if err != nil {
		// The original copy is still decodable.
		return d.Fast(ctx, tx, watched)
	}
	origin := chain.OriginBlock
	if pending {
		origin = chain.OriginMempool
	}
	fresh, err := chain.NewTransaction(raw, d.chainID, tx.BlockNumber, tx.BlockHash, tx.Index, origin)
	if err != nil {
		return d.Fast(ctx, tx, watched)
	}
	if pending {
		fresh.BlockNumber, fresh.BlockHash = nil, nil
	}
	return d.Fast(ctx, fresh, watched)
}

// formatNative renders a wei amount as a native-unit decimal string with
// the given number of fractional digits. The decimal point is always
// present.
func formatNative(wei *big.Int, places int32) string {
	if wei == nil {
		wei = new(big.Int)
	}
	d := decimal.NewFromBigInt(wei, 0).Div(decimal.NewFromInt(params.Ether))
	return d.StringFixed(places)
}

// indicator maps a balance delta to its direction glyph.
func indicator(delta *big.Int) string {
	switch delta.Sign() {
	case 1:
		return "▲"
	case -1:
		return "▼"
	default:
		return "."
	}
}
