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

package ingest

import "github.com/ethereum/go-ethereum/common"

// heightWindow remembers the last cap block heights. Inserting beyond the
// cap drops the oldest entry.
type heightWindow struct {
	cap   int
	queue []uint64
	set   map[uint64]struct{}
}

func newHeightWindow(cap int) *heightWindow {
	return &heightWindow{cap: cap, set: make(map[uint64]struct{}, cap)}
}

func (w *heightWindow) Contains(n uint64) bool {
	_, ok := w.set[n]
	return ok
}

func (w *heightWindow) Add(n uint64) {
	if _, ok := w.set[n]; ok {
		return
	}
	w.set[n] = struct{}{}
	w.queue = append(w.queue, n)
	if len(w.queue) > w.cap {
		delete(w.set, w.queue[0])
		w.queue = append([]uint64(nil), w.queue[1:]...)
	}
}

// hashWindow remembers the last cap transaction hashes. When the window
// overflows, the oldest half is dropped in one sweep, trading precision
// for amortized O(1) upkeep on a hot path.
type hashWindow struct {
	cap   int
	queue []common.Hash
	set   map[common.Hash]struct{}
}

func newHashWindow(cap int) *hashWindow {
	return &hashWindow{cap: cap, set: make(map[common.Hash]struct{}, cap)}
}

func (w *hashWindow) Contains(h common.Hash) bool {
	_, ok := w.set[h]
	return ok
}

func (w *hashWindow) Add(h common.Hash) {
	if _, ok := w.set[h]; ok {
		return
	}
	w.set[h] = struct{}{}
	w.queue = append(w.queue, h)
	if len(w.queue) > w.cap {
		evict := w.cap / 2
		for _, old := range w.queue[:evict] {
			delete(w.set, old)
		}
		w.queue = append([]common.Hash(nil), w.queue[evict:]...)
	}
}

func (w *hashWindow) Len() int { return len(w.queue) }
