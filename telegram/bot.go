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

// Package telegram delivers rendered notifications through the Telegram
// Bot API. Each bot runs two strictly ordered lanes, one for sends and
// one for edits, so a burst of notifications never reorders and a rate
// limit on one lane never stalls the other. Chat-platform defaults (HTML
// formatting, no link previews) are applied here so callers hand over
// plain rendered messages.
package telegram

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/evmwatch/evmwatch/render"
)

// Telegram's hard text limits, counted in UTF-16 code units.
const (
	maxTextLen    = 4096
	maxCaptionLen = 2048
)

// textLen counts UTF-16 code units, the unit the remote limits are
// measured in. Supplementary-plane runes count double.
func textLen(s string) int {
	n := 0
	for _, r := range s {
		n++
		if r > 0xFFFF {
			n++
		}
	}
	return n
}

// API is the remote surface the queues drive; *tgbotapi.BotAPI satisfies
// it.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot is one delivery endpoint with its two queues.
type Bot struct {
	id    string
	api   API
	sends *queue
	edits *queue
	log   log.Logger
}

// Dial authenticates against the Bot API (getMe runs inside) and starts
// the delivery queues. The raw connection is returned alongside for the
// long-polling command surface. onUnreachable is invoked, outside the
// queue worker's critical path, for every chat the bot can no longer
// reach.
func Dial(id, token string, onUnreachable func(chatID int64), logger log.Logger) (*Bot, *tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, nil, fmt.Errorf("dial bot %s: %w", id, err)
	}
	return NewBot(id, api, onUnreachable, logger), api, nil
}

// NewBot wires a bot over an existing API connection.
func NewBot(id string, api API, onUnreachable func(chatID int64), logger log.Logger) *Bot {
	if logger == nil {
		logger = log.Root()
	}
	logger = logger.New("bot", id)
	return &Bot{
		id:    id,
		api:   api,
		sends: newQueue("send", api, onUnreachable, logger),
		edits: newQueue("edit", api, onUnreachable, logger),
		log:   logger,
	}
}

// ID returns the bot's configured identifier.
func (b *Bot) ID() string { return b.id }

// Close drains both queues best-effort and stops their workers.
func (b *Bot) Close() {
	b.sends.close()
	b.edits.close()
}

// Send queues a message for chatID. The future resolves to the created
// message id.
func (b *Bot) Send(chatID int64, msg render.Message) (*Future, error) {
	if n := textLen(msg.Text); n > maxTextLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLong, n, maxTextLen)
	}
	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	applyDefaults(&cfg.ParseMode, &cfg.DisableWebPagePreview)
	if markup := keyboard(msg.Buttons); markup != nil {
		cfg.ReplyMarkup = markup
	}
	sendMeter.Mark(1)
	return b.sends.submit(cfg, chatID)
}

// Edit queues an in-place rewrite of a previously sent message.
func (b *Bot) Edit(chatID int64, messageID int, msg render.Message) (*Future, error) {
	if n := textLen(msg.Text); n > maxTextLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLong, n, maxTextLen)
	}
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, msg.Text)
	applyDefaults(&cfg.ParseMode, &cfg.DisableWebPagePreview)
	if markup := keyboard(msg.Buttons); markup != nil {
		cfg.ReplyMarkup = markup
	}
	editMeter.Mark(1)
	return b.edits.submit(cfg, chatID)
}

// SendPhoto queues a captioned photo by URL.
func (b *Bot) SendPhoto(chatID int64, photoURL, caption string) (*Future, error) {
	if n := textLen(caption); n > maxCaptionLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLong, n, maxCaptionLen)
	}
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photoURL))
	cfg.Caption = caption
	cfg.ParseMode = tgbotapi.ModeHTML
	sendMeter.Mark(1)
	return b.sends.submit(cfg, chatID)
}

// applyDefaults is the transport-layer interceptor: every outgoing text
// operation is HTML-formatted with link previews disabled.
func applyDefaults(parseMode *string, disablePreview *bool) {
	*parseMode = tgbotapi.ModeHTML
	*disablePreview = true
}

// keyboard converts rendered button rows into inline-keyboard markup.
func keyboard(rows [][]render.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		line := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			line = append(line, tgbotapi.NewInlineKeyboardButtonURL(btn.Text, btn.URL))
		}
		kb = append(kb, line)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(kb...)
	return &markup
}

// Hub routes deliveries to bots by identifier and hides future plumbing
// from the processor: Send and Edit block until the queue settled the
// operation.
type Hub struct {
	bots map[string]*Bot
}

// NewHub indexes bots by ID.
func NewHub(bots ...*Bot) *Hub {
	m := make(map[string]*Bot, len(bots))
	for _, b := range bots {
		m[b.ID()] = b
	}
	return &Hub{bots: m}
}

// Bot returns the bot registered under id.
func (h *Hub) Bot(id string) (*Bot, bool) {
	b, ok := h.bots[id]
	return b, ok
}

// Active reports whether a bot is currently registered under id.
func (h *Hub) Active(id string) bool {
	_, ok := h.bots[id]
	return ok
}

// Send delivers msg through botID and waits for the created message id.
func (h *Hub) Send(ctx context.Context, botID string, chatID int64, msg render.Message) (int, error) {
	b, ok := h.bots[botID]
	if !ok {
		return 0, fmt.Errorf("no such bot %q", botID)
	}
	f, err := b.Send(chatID, msg)
	if err != nil {
		return 0, err
	}
	return f.Wait(ctx)
}

// Edit rewrites a delivered message in place and waits for the outcome.
func (h *Hub) Edit(ctx context.Context, botID string, chatID int64, messageID int, msg render.Message) error {
	b, ok := h.bots[botID]
	if !ok {
		return fmt.Errorf("no such bot %q", botID)
	}
	f, err := b.Edit(chatID, messageID, msg)
	if err != nil {
		return err
	}
	_, err = f.Wait(ctx)
	return err
}

// Close shuts every bot down.
func (h *Hub) Close() {
	for _, b := range h.bots {
		b.Close()
	}
}
