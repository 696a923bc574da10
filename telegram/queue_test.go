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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/evmwatch/evmwatch/internal/testlog"
	"github.com/evmwatch/evmwatch/render"
)

// fakeAPI scripts the remote responses per call, in order.
type fakeAPI struct {
	mu     sync.Mutex
	script []error
	calls  []tgbotapi.Chattable
	nextID int
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestBot(t *testing.T, api API, onUnreachable func(int64)) *Bot {
	b := NewBot("testbot", api, onUnreachable, testlog.Logger(t, log.LevelTrace))
	t.Cleanup(b.Close)
	return b
}

func TestSendResolvesMessageID(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBot(t, api, nil)

	f, err := b.Send(7, render.Message{Text: "hello"})
	require.NoError(t, err)
	id, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, id)
}

func TestSendAppliesDefaults(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBot(t, api, nil)

	f, err := b.Send(7, render.Message{Text: "hello"})
	require.NoError(t, err)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)

	cfg, ok := api.calls[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	require.Equal(t, tgbotapi.ModeHTML, cfg.ParseMode)
	require.True(t, cfg.DisableWebPagePreview)
}

func TestSendPreservesOrder(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBot(t, api, nil)

	var futures []*Future
	for i := 0; i < 3; i++ {
		f, err := b.Send(7, render.Message{Text: strings.Repeat("x", i+1)})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for i, f := range futures {
		id, err := f.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, i+1, id, "ids must come back in submission order")
	}
	for i, c := range api.calls {
		cfg := c.(tgbotapi.MessageConfig)
		require.Len(t, cfg.Text, i+1)
	}
}

func TestRateLimitRetriesInPlace(t *testing.T) {
	api := &fakeAPI{
		script: []error{
			&tgbotapi.Error{
				Code:               429,
				Message:            "Too Many Requests: retry after 1",
				ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 1},
			},
			nil,
		},
	}
	b := newTestBot(t, api, nil)

	start := time.Now()
	f, err := b.Send(7, render.Message{Text: "throttled"})
	require.NoError(t, err)
	id, err := f.Wait(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, id, "the retried item resolves, not a duplicate")
	require.GreaterOrEqual(t, time.Since(start), time.Second, "worker must sleep the advisory delay")
	require.Equal(t, 2, api.callCount())
}

func TestUnreachableSubscriberIsDropped(t *testing.T) {
	api := &fakeAPI{
		script: []error{
			&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"},
		},
	}
	var (
		mu      sync.Mutex
		flagged []int64
	)
	b := newTestBot(t, api, func(chatID int64) {
		mu.Lock()
		flagged = append(flagged, chatID)
		mu.Unlock()
	})

	f, err := b.Send(7, render.Message{Text: "bye"})
	require.NoError(t, err)
	_, err = f.Wait(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{7}, flagged)
}

func TestOtherErrorsRejectWithoutFlagging(t *testing.T) {
	boom := errors.New("Bad Request: can't parse entities")
	api := &fakeAPI{script: []error{boom, nil}}
	flagged := false
	b := newTestBot(t, api, func(int64) { flagged = true })

	f, err := b.Send(7, render.Message{Text: "broken"})
	require.NoError(t, err)
	_, err = f.Wait(context.Background())
	require.ErrorIs(t, err, boom)

	// The queue keeps going.
	f, err = b.Send(7, render.Message{Text: "fine"})
	require.NoError(t, err)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)
	require.False(t, flagged)
}

func TestMessageTooLongPreflight(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBot(t, api, nil)

	_, err := b.Send(7, render.Message{Text: strings.Repeat("a", maxTextLen+1)})
	require.ErrorIs(t, err, ErrMessageTooLong)
	require.Zero(t, api.callCount(), "over-length text never reaches the queue")
}

func TestPreflightCountsCharactersNotBytes(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBot(t, api, nil)

	// maxTextLen two-byte runes pass even though the byte length is double.
	f, err := b.Send(7, render.Message{Text: strings.Repeat("é", maxTextLen)})
	require.NoError(t, err)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)

	// Supplementary-plane runes count as two units each.
	_, err = b.Send(7, render.Message{Text: strings.Repeat("💰", maxTextLen/2+1)})
	require.ErrorIs(t, err, ErrMessageTooLong)
}

func TestEditTargetsGivenMessage(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBot(t, api, nil)

	f, err := b.Edit(7, 42, render.Message{Text: "updated"})
	require.NoError(t, err)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)

	cfg, ok := api.calls[0].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	require.Equal(t, int64(7), cfg.ChatID)
	require.Equal(t, 42, cfg.MessageID)
	require.Equal(t, "updated", cfg.Text)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	api := &fakeAPI{}
	b := NewBot("testbot", api, nil, testlog.Logger(t, log.LevelTrace))
	b.Close()

	_, err := b.Send(7, render.Message{Text: "late"})
	require.ErrorIs(t, err, ErrQueueClosed)
}
