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

package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/evmwatch/evmwatch/store"
)

// DefaultRefreshInterval is how often the in-memory watchlist snapshot is
// rebuilt from the shared store.
const DefaultRefreshInterval = 2 * time.Second

// Watcher is one delivery target subscribed to a watched address.
type Watcher struct {
	ChatID   int64
	BotID    string
	Name     string
	Incoming bool
	Outgoing bool
}

// Subscriber returns the composite delivery key "<chat_id>@<bot_id>".
func (w Watcher) Subscriber() string {
	return fmt.Sprintf("%d@%s", w.ChatID, w.BotID)
}

// WatchSource supplies the full subscription table; satisfied by
// *store.SharedDB.
type WatchSource interface {
	Watchlist(ctx context.Context) ([]store.WatchRow, error)
}

// Watchlist is the processor's read-heavy view of the subscription table.
// Refresh rebuilds a whole new map and swaps it in under the write lock,
// so readers always see one consistent snapshot. Consistency with the
// store is eventual, bounded by the refresh interval.
type Watchlist struct {
	source WatchSource
	log    log.Logger

	mu     sync.RWMutex
	byAddr map[string][]Watcher // lower-cased address → watchers
}

// NewWatchlist builds an empty watchlist over source. Call Refresh or Run
// to populate it.
func NewWatchlist(source WatchSource, logger log.Logger) *Watchlist {
	if logger == nil {
		logger = log.Root()
	}
	return &Watchlist{
		source: source,
		log:    logger,
		byAddr: make(map[string][]Watcher),
	}
}

// Refresh replaces the snapshot with the store's current state.
func (w *Watchlist) Refresh(ctx context.Context) error {
	rows, err := w.source.Watchlist(ctx)
	if err != nil {
		return err
	}
	next := make(map[string][]Watcher, len(rows))
	for _, row := range rows {
		addr := strings.ToLower(row.Address)
		next[addr] = append(next[addr], Watcher{
			ChatID:   row.ChatID,
			BotID:    row.BotID,
			Name:     row.Name,
			Incoming: row.Incoming,
			Outgoing: row.Outgoing,
		})
	}
	w.mu.Lock()
	w.byAddr = next
	w.mu.Unlock()
	return nil
}

// Run refreshes the snapshot every interval until ctx is cancelled. A
// failed refresh keeps the previous snapshot.
func (w *Watchlist) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("Watchlist refresh failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Contains reports whether addr has at least one watcher.
func (w *Watchlist) Contains(addr common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.byAddr[strings.ToLower(addr.Hex())]
	return ok
}

// WatchersOf returns addr's watchers from the current snapshot.
func (w *Watchlist) WatchersOf(addr common.Address) []Watcher {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.byAddr[strings.ToLower(addr.Hex())]
}
