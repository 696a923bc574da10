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

// Package ingest tails the chain head and turns it into an ordered,
// deduplicated stream of normalized transactions. Blocks are fetched with
// bounded parallelism but always processed and emitted in strict height
// order; a plain-file checkpoint makes restarts resume where the previous
// run left off.
package ingest

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/evmwatch/evmwatch/chain"
)

var (
	headGauge  = metrics.NewRegisteredGauge("ingest/head", nil)
	blockMeter = metrics.NewRegisteredMeter("ingest/blocks", nil)
	txMeter    = metrics.NewRegisteredMeter("ingest/txs", nil)
	dupMeter   = metrics.NewRegisteredMeter("ingest/duplicates", nil)
)

// ChainReader is the chain access the ingestor needs; the fan-out client
// satisfies it.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// Checkpoint persists the last fully processed block height.
type Checkpoint interface {
	Load() (uint64, bool, error)
	Save(uint64) error
}

// Config tunes the ingest loop. The zero value selects the defaults.
type Config struct {
	BlockWindow  int           // recent block heights remembered (default 200)
	TxWindow     int           // recent tx hashes remembered (default 10000)
	FetchWorkers int           // parallel block fetches per round (default 5)
	SaveInterval uint64        // checkpoint every n processed blocks (default 10)
	RewindDepth  uint64        // startup rewind when checkpoint is stale (default 10)
	PollInterval time.Duration // head poll cadence (default 1s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BlockWindow <= 0 {
		out.BlockWindow = 200
	}
	if out.TxWindow <= 0 {
		out.TxWindow = 10000
	}
	if out.FetchWorkers <= 0 {
		out.FetchWorkers = 5
	}
	if out.SaveInterval == 0 {
		out.SaveInterval = 10
	}
	if out.RewindDepth == 0 {
		out.RewindDepth = 10
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	return out
}

// Ingestor owns the tailing state. All state is confined to the Run
// goroutine; subscribers receive transactions synchronously, so a slow
// consumer back-pressures ingestion instead of dropping events.
type Ingestor struct {
	client ChainReader
	cp     Checkpoint
	cfg    Config
	log    log.Logger

	chainID   *big.Int
	expected  uint64
	sinceSave uint64
	blocks    *heightWindow
	txs       *hashWindow

	txFeed event.Feed
	scope  event.SubscriptionScope
}

// New builds an ingestor.
func New(client ChainReader, cp Checkpoint, cfg Config, logger log.Logger) *Ingestor {
	if logger == nil {
		logger = log.Root()
	}
	cfg = cfg.withDefaults()
	return &Ingestor{
		client: client,
		cp:     cp,
		cfg:    cfg,
		log:    logger,
		blocks: newHeightWindow(cfg.BlockWindow),
		txs:    newHashWindow(cfg.TxWindow),
	}
}

// SubscribeTransactions registers a consumer of the ordered transaction
// stream. Delivery is synchronous and in emission order.
func (i *Ingestor) SubscribeTransactions(ch chan<- *chain.Transaction) event.Subscription {
	return i.scope.Track(i.txFeed.Subscribe(ch))
}

// Run tails the chain until ctx is cancelled. Transient failures never
// abort the loop; they end the current tick and the next poll retries.
func (i *Ingestor) Run(ctx context.Context) error {
	defer i.scope.Close()

	for !i.init(ctx) {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(i.cfg.PollInterval):
		}
	}

	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()
	for {
		i.tick(ctx)
		select {
		case <-ctx.Done():
			i.checkpoint()
			return nil
		case <-ticker.C:
		}
	}
}

// init resolves the chain id and the starting height. A missing or stale
// checkpoint rewinds to head minus RewindDepth rather than replaying
// arbitrary history.
func (i *Ingestor) init(ctx context.Context) bool {
	chainID, err := i.client.ChainID(ctx)
	if err != nil {
		i.log.Warn("Chain id query failed", "err", err)
		return false
	}
	head, err := i.client.BlockNumber(ctx)
	if err != nil {
		i.log.Warn("Head query failed", "err", err)
		return false
	}
	saved, ok, err := i.cp.Load()
	if err != nil {
		i.log.Warn("Checkpoint unreadable, rewinding", "err", err)
		ok = false
	}
	rewound := head
	if rewound > i.cfg.RewindDepth {
		rewound = head - i.cfg.RewindDepth
	} else {
		rewound = 0
	}
	switch {
	case !ok:
		i.expected = rewound
	case head > saved && head-saved > i.cfg.RewindDepth:
		i.log.Info("Checkpoint is stale, rewinding", "saved", saved, "head", head)
		i.expected = rewound
	default:
		i.expected = saved + 1
	}
	i.chainID = chainID
	i.log.Info("Ingestor starting", "chainid", chainID, "head", head, "from", i.expected)
	return true
}

// tick advances from expected towards the current head, emitting blocks in
// strict ascending order and stopping at the first gap.
func (i *Ingestor) tick(ctx context.Context) {
	head, err := i.client.BlockNumber(ctx)
	if err != nil {
		i.log.Warn("Head query failed", "err", err)
		return
	}
	headGauge.Update(int64(head))

	if head < i.expected {
		i.log.Warn("Head below expected height, clamping", "head", head, "expected", i.expected)
		i.expected = head
	}
	for i.expected <= head {
		if ctx.Err() != nil {
			return
		}
		batch := uint64(i.cfg.FetchWorkers)
		if remaining := head - i.expected + 1; remaining < batch {
			batch = remaining
		}
		blocks := i.fetch(ctx, i.expected, batch)

		processed := uint64(0)
		for _, b := range blocks {
			if b == nil {
				break
			}
			i.process(b)
			processed++
		}
		if processed == 0 {
			return
		}
		i.expected += processed
		i.sinceSave += processed
		if i.sinceSave >= i.cfg.SaveInterval {
			i.checkpoint()
		}
	}
}

// fetch retrieves blocks start..start+count-1 in parallel. Missing entries
// stay nil; the caller stops at the first one.
func (i *Ingestor) fetch(ctx context.Context, start, count uint64) []*types.Block {
	blocks := make([]*types.Block, count)
	g, gctx := errgroup.WithContext(ctx)
	for j := uint64(0); j < count; j++ {
		j := j
		g.Go(func() error {
			number := new(big.Int).SetUint64(start + j)
			b, err := i.client.BlockByNumber(gctx, number)
			if err != nil {
				i.log.Debug("Block fetch failed", "number", number, "err", err)
				return nil
			}
			blocks[j] = b
			return nil
		})
	}
	g.Wait()
	return blocks
}

// process normalizes and emits one block's transactions, skipping heights
// and hashes seen inside the sliding windows.
func (i *Ingestor) process(b *types.Block) {
	number := b.NumberU64()
	if i.blocks.Contains(number) {
		dupMeter.Mark(1)
		i.log.Debug("Skipping duplicate block", "number", number)
		return
	}
	i.blocks.Add(number)
	blockMeter.Mark(1)

	blockHash := b.Hash()
	emitted := 0
	for idx, raw := range b.Transactions() {
		if i.txs.Contains(raw.Hash()) {
			dupMeter.Mark(1)
			continue
		}
		i.txs.Add(raw.Hash())
		tx, err := chain.NewTransaction(raw, i.chainID, b.Number(), &blockHash, uint(idx), chain.OriginBlock)
		if err != nil {
			i.log.Warn("Skipping unnormalizable transaction", "block", number, "index", idx, "err", err)
			continue
		}
		i.txFeed.Send(tx)
		emitted++
	}
	txMeter.Mark(int64(emitted))
	i.log.Debug("Processed block", "number", number, "txs", len(b.Transactions()), "emitted", emitted)
}

// checkpoint persists the last fully processed height. Failures are
// logged; the next checkpoint retries.
func (i *Ingestor) checkpoint() {
	if i.expected == 0 {
		return
	}
	if err := i.cp.Save(i.expected - 1); err != nil {
		i.log.Warn("Checkpoint write failed", "err", err)
		return
	}
	i.sinceSave = 0
}
