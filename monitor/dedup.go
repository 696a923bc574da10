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

// pairWindow remembers the last cap (address, tx-hash) notification keys.
// Seen doubles as the insert: a fresh key is recorded and the oldest entry
// evicted once the window overflows. The window is owned by the processor
// goroutine and needs no locking.
type pairWindow struct {
	cap   int
	queue []string
	set   map[string]struct{}
}

func newPairWindow(cap int) *pairWindow {
	return &pairWindow{cap: cap, set: make(map[string]struct{}, cap)}
}

// Seen reports whether key was notified inside the window, inserting it if
// not.
func (w *pairWindow) Seen(key string) bool {
	if _, ok := w.set[key]; ok {
		return true
	}
	w.set[key] = struct{}{}
	w.queue = append(w.queue, key)
	if len(w.queue) > w.cap {
		delete(w.set, w.queue[0])
		w.queue = append([]string(nil), w.queue[1:]...)
	}
	return false
}

func (w *pairWindow) Len() int { return len(w.queue) }
