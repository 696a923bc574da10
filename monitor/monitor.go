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

// Package monitor routes the ingested transaction stream to subscribers.
// For every transaction touching a watched address it runs the two-phase
// notification: a fast calldata-only decode is rendered and sent
// immediately, then the fully traced result edits the delivered messages
// in place. Each (watched address, transaction) pair notifies at most
// once inside a sliding window.
package monitor

import (
	"context"
	"math/big"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/params"

	"github.com/evmwatch/evmwatch/addrscan"
	"github.com/evmwatch/evmwatch/chain"
	"github.com/evmwatch/evmwatch/render"
	"github.com/evmwatch/evmwatch/trace"
)

// DefaultDedupWindow caps the (address, tx) notification memory.
const DefaultDedupWindow = 10000

// dustThreshold is 0.01 native units in wei: plain value transfers below
// it are noise and never notified.
var dustThreshold = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))

var (
	matchedMeter  = metrics.NewRegisteredMeter("monitor/matched", nil)
	notifiedMeter = metrics.NewRegisteredMeter("monitor/notified", nil)
	editedMeter   = metrics.NewRegisteredMeter("monitor/edited", nil)
	dedupMeter    = metrics.NewRegisteredMeter("monitor/deduped", nil)
	dustMeter     = metrics.NewRegisteredMeter("monitor/dust", nil)
)

// Decoder produces trace results; satisfied by *trace.Decoder.
type Decoder interface {
	Fast(ctx context.Context, tx *chain.Transaction, watched common.Address) (*trace.Result, error)
	Full(ctx context.Context, tx *chain.Transaction, watched common.Address) (*trace.Result, error)
}

// Renderer formats results; satisfied by *render.Renderer.
type Renderer interface {
	Render(watched common.Address, tx *chain.Transaction, tr *trace.Result, signature string) render.Message
}

// Courier delivers rendered messages; satisfied by *telegram.Hub. Send
// blocks until the queue settled the operation and returns the created
// message id, which a later Edit addresses.
type Courier interface {
	Active(botID string) bool
	Send(ctx context.Context, botID string, chatID int64, msg render.Message) (int, error)
	Edit(ctx context.Context, botID string, chatID int64, messageID int, msg render.Message) error
}

// Signatures resolves selectors to decorative signatures; satisfied by
// *fourbyte.Resolver.
type Signatures interface {
	Resolve(ctx context.Context, selector string) string
}

// Processor is the routing stage between the ingestor and the delivery
// queues. It consumes transactions synchronously up to the fast phase:
// the fast sends of one transaction complete before the next is taken,
// which back-pressures ingestion when delivery saturates. The full-phase
// edits settle in the background and never hold up the stream.
type Processor struct {
	watchlist  *Watchlist
	decoder    Decoder
	renderer   Renderer
	courier    Courier
	signatures Signatures
	dedup      *pairWindow
	pending    sync.WaitGroup
	log        log.Logger
}

// NewProcessor wires the routing stage. dedupWindow <= 0 selects
// DefaultDedupWindow.
func NewProcessor(watchlist *Watchlist, decoder Decoder, renderer Renderer, courier Courier, signatures Signatures, dedupWindow int, logger log.Logger) *Processor {
	if logger == nil {
		logger = log.Root()
	}
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Processor{
		watchlist:  watchlist,
		decoder:    decoder,
		renderer:   renderer,
		courier:    courier,
		signatures: signatures,
		dedup:      newPairWindow(dedupWindow),
		log:        logger,
	}
}

// Run consumes the transaction stream until ctx is cancelled or txs
// closes, then waits for the in-flight full-phase updates to settle.
func (p *Processor) Run(ctx context.Context, txs <-chan *chain.Transaction) {
	defer p.pending.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-txs:
			if !ok {
				return
			}
			p.Process(ctx, tx)
		}
	}
}

// Process routes one transaction to every watched address it touches.
func (p *Processor) Process(ctx context.Context, tx *chain.Transaction) {
	for _, watched := range p.matches(tx) {
		matchedMeter.Mark(1)
		p.notify(ctx, tx, watched)
	}
}

// matches collects the watched addresses a transaction touches: sender,
// recipient, ERC20 transfer target and any address-shaped calldata word,
// in that order, without duplicates.
func (p *Processor) matches(tx *chain.Transaction) []common.Address {
	var (
		seen = mapset.NewThreadUnsafeSet[common.Address]()
		out  []common.Address
	)
	add := func(addr common.Address) {
		if p.watchlist.Contains(addr) && seen.Add(addr) {
			out = append(out, addr)
		}
	}
	add(tx.From)
	if tx.To != nil {
		add(*tx.To)
	}
	if recipient, ok := addrscan.TransferRecipient(tx.Data); ok {
		add(recipient)
	}
	for _, addr := range addrscan.FromCalldata(tx.Data) {
		add(addr)
	}
	return out
}

// delivery tracks one accepted fast-phase send awaiting its edit.
type delivery struct {
	watcher   Watcher
	messageID int
}

// fullOutcome carries the background decode result to the edit pass.
type fullOutcome struct {
	res *trace.Result
	err error
}

// notify runs the two-phase lifecycle for one (transaction, watched
// address) pair. It returns once the fast sends are out; the full-phase
// edits complete in the background. Decode failures are logged and the
// transaction is considered handled; there is no retry.
func (p *Processor) notify(ctx context.Context, tx *chain.Transaction, watched common.Address) {
	key := strings.ToLower(watched.Hex()) + ":" + tx.Hash.Hex()
	if p.dedup.Seen(key) {
		dedupMeter.Mark(1)
		return
	}

	watchers := p.activeWatchers(watched, tx)
	if len(watchers) == 0 {
		return
	}

	var signature string
	if sel := tx.Selector(); sel == "0x" {
		if tx.Value.Cmp(dustThreshold) < 0 {
			dustMeter.Mark(1)
			return
		}
	} else {
		signature = p.signatures.Resolve(ctx, sel)
	}

	// The full decode starts alongside the fast sends.
	fullCh := make(chan fullOutcome, 1)
	go func() {
		res, err := p.decoder.Full(ctx, tx, watched)
		fullCh <- fullOutcome{res: res, err: err}
	}()

	fast, err := p.decoder.Fast(ctx, tx, watched)
	if err != nil {
		p.log.Warn("Fast trace failed", "tx", tx.Hash, "watched", watched, "err", err)
		return
	}
	msg := p.renderer.Render(watched, tx, fast, signature)

	var sent []delivery
	for _, w := range watchers {
		personalized := personalize(msg, displayName(w, watched))
		id, err := p.courier.Send(ctx, w.BotID, w.ChatID, personalized)
		if err != nil {
			p.log.Warn("Notification rejected", "tx", tx.Hash, "subscriber", w.Subscriber(), "err", err)
			continue
		}
		notifiedMeter.Mark(1)
		sent = append(sent, delivery{watcher: w, messageID: id})
	}

	// Edits settle off the hot path so the next transaction is taken as
	// soon as the fast sends are out.
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		p.applyFull(ctx, tx, watched, signature, sent, fullCh)
	}()
}

// applyFull awaits the background decode and rewrites every delivered
// message in place.
func (p *Processor) applyFull(ctx context.Context, tx *chain.Transaction, watched common.Address, signature string, sent []delivery, fullCh <-chan fullOutcome) {
	full := <-fullCh
	if full.err != nil {
		p.log.Warn("Full trace failed", "tx", tx.Hash, "watched", watched, "err", full.err)
		return
	}
	if len(sent) == 0 {
		return
	}
	msg := p.renderer.Render(watched, tx, full.res, signature)
	for _, d := range sent {
		personalized := personalize(msg, displayName(d.watcher, watched))
		if err := p.courier.Edit(ctx, d.watcher.BotID, d.watcher.ChatID, d.messageID, personalized); err != nil {
			p.log.Warn("Notification update rejected", "tx", tx.Hash, "subscriber", d.watcher.Subscriber(), "err", err)
			continue
		}
		editedMeter.Mark(1)
	}
}

// Wait blocks until every in-flight full-phase update has settled.
func (p *Processor) Wait() {
	p.pending.Wait()
}

// activeWatchers snapshots the watchers whose bot is live and whose
// direction gate admits the transaction. The transaction is outgoing for
// the watched address when it is the sender.
func (p *Processor) activeWatchers(watched common.Address, tx *chain.Transaction) []Watcher {
	outgoing := watched == tx.From
	var out []Watcher
	for _, w := range p.watchlist.WatchersOf(watched) {
		if !p.courier.Active(w.BotID) {
			continue
		}
		if outgoing && !w.Outgoing {
			continue
		}
		if !outgoing && !w.Incoming {
			continue
		}
		out = append(out, w)
	}
	return out
}

// personalize substitutes the per-watcher display name into the rendered
// text. The name is user input and gets escaped here; everything else in
// the text was escaped by the renderer.
func personalize(msg render.Message, name string) render.Message {
	msg.Text = strings.ReplaceAll(msg.Text, render.NamePlaceholder, render.Escape(name))
	return msg
}

// displayName picks the watcher's label for the address, falling back to
// its checksum form.
func displayName(w Watcher, watched common.Address) string {
	if w.Name != "" {
		return w.Name
	}
	return watched.Hex()
}
