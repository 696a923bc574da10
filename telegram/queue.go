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

package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// minSpacing is the minimum gap between two API operations on one queue.
const minSpacing = 200 * time.Millisecond

var (
	sendMeter      = metrics.NewRegisteredMeter("telegram/sends", nil)
	editMeter      = metrics.NewRegisteredMeter("telegram/edits", nil)
	rateLimitMeter = metrics.NewRegisteredMeter("telegram/ratelimits", nil)
	dropMeter      = metrics.NewRegisteredMeter("telegram/drops", nil)
)

var (
	// ErrMessageTooLong rejects an over-length message before it is queued.
	ErrMessageTooLong = errors.New("message too long")
	// ErrQueueClosed rejects submissions after shutdown began.
	ErrQueueClosed = errors.New("delivery queue closed")
	// ErrUnreachable marks a subscriber the bot can no longer reach.
	ErrUnreachable = errors.New("subscriber unreachable")
)

// Future resolves to the outcome of one queued operation: the created
// message id for sends, zero for edits.
type Future struct {
	done      chan struct{}
	messageID int
	err       error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(messageID int, err error) {
	f.messageID = messageID
	f.err = err
	close(f.done)
}

// Wait blocks until the operation settled or ctx expired.
func (f *Future) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-f.done:
		return f.messageID, f.err
	}
}

type item struct {
	msg    tgbotapi.Chattable
	chatID int64
	future *Future
}

// queue is one strictly ordered delivery lane. Submissions go through a
// mutex-guarded slice; a single worker drains items in arrival order with
// at least minSpacing between remote calls. A rate-limited item stays at
// the head and is retried after the advisory delay, so ordering survives
// back-off.
type queue struct {
	name    string
	api     API
	limiter *rate.Limiter
	log     log.Logger

	onUnreachable func(chatID int64)

	mu     sync.Mutex
	items  []item
	wake   chan struct{}
	quit   chan struct{}
	closed bool
	done   sync.WaitGroup
}

func newQueue(name string, api API, onUnreachable func(int64), logger log.Logger) *queue {
	q := &queue{
		name:          name,
		api:           api,
		limiter:       rate.NewLimiter(rate.Every(minSpacing), 1),
		log:           logger,
		onUnreachable: onUnreachable,
		wake:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
	}
	q.done.Add(1)
	go q.run()
	return q
}

// submit appends an item and returns its future.
func (q *queue) submit(msg tgbotapi.Chattable, chatID int64) (*Future, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	f := newFuture()
	q.items = append(q.items, item{msg: msg, chatID: chatID, future: f})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return f, nil
}

// close stops the queue. Queued items are drained best-effort before the
// worker exits.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.quit)
	q.done.Wait()
}

func (q *queue) run() {
	defer q.done.Done()
	for {
		it, ok := q.head()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.quit:
				if it, ok = q.head(); !ok {
					return
				}
			}
		}
		q.deliver(it)
	}
}

// head returns the current front item without removing it.
func (q *queue) head() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item{}, false
	}
	return q.items[0], true
}

func (q *queue) dequeue() {
	q.mu.Lock()
	q.items = q.items[1:]
	q.mu.Unlock()
}

// deliver pushes the head item to the remote API, honoring the advisory
// back-off on rate limits. Only a rate limit keeps the item queued; every
// other outcome settles its future and removes it.
func (q *queue) deliver(it item) {
	if err := q.limiter.Wait(context.Background()); err != nil {
		return
	}
	sent, err := q.api.Send(it.msg)
	if err == nil {
		it.future.resolve(sent.MessageID, nil)
		q.dequeue()
		return
	}

	var apiErr *tgbotapi.Error
	switch {
	case errors.As(err, &apiErr) && apiErr.RetryAfter > 0:
		rateLimitMeter.Mark(1)
		q.log.Warn("Rate limited", "queue", q.name, "chat", it.chatID, "retry_after", apiErr.RetryAfter)
		select {
		case <-time.After(time.Duration(apiErr.RetryAfter) * time.Second):
			// The item stays at the head; the next pass retries it.
		case <-q.quit:
			it.future.resolve(0, ErrQueueClosed)
			q.dequeue()
		}

	case isUnreachable(err):
		dropMeter.Mark(1)
		q.log.Info("Subscriber unreachable", "queue", q.name, "chat", it.chatID, "err", err)
		it.future.resolve(0, fmt.Errorf("%w: %v", ErrUnreachable, err))
		q.dequeue()
		if q.onUnreachable != nil {
			q.onUnreachable(it.chatID)
		}

	default:
		dropMeter.Mark(1)
		q.log.Warn("Delivery failed", "queue", q.name, "chat", it.chatID, "err", err)
		it.future.resolve(0, err)
		q.dequeue()
	}
}

// isUnreachable reports whether the error means the chat cannot be
// delivered to anymore, as opposed to this particular message being bad.
func isUnreachable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"bot was blocked",
		"bot was kicked",
		"chat not found",
		"user is deactivated",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
