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
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/evmwatch/evmwatch/render"
	"github.com/evmwatch/evmwatch/store"
)

// Registry is the watchlist/access persistence the command surface
// mutates; satisfied by *store.SharedDB.
type Registry interface {
	AddWatch(ctx context.Context, w store.WatchRow) error
	RemoveWatch(ctx context.Context, address string, chatID int64, botID string) error
	WatchesOf(ctx context.Context, chatID int64, botID string) ([]store.WatchRow, error)
	Access(ctx context.Context, chatID int64, botID string) (store.AccessRow, bool, error)
	GrantAccess(ctx context.Context, a store.AccessRow) error
}

// UpdateSource is the long-polling side of the Bot API; *tgbotapi.BotAPI
// satisfies it.
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Commander serves one bot's chat commands: watchlist edits, access
// grants and the operator reboot.
type Commander struct {
	bot       *Bot
	updates   UpdateSource
	registry  Registry
	ownerChat int64
	open      bool
	reboot    func()
	log       log.Logger
}

// NewCommander wires the command surface for bot. reboot is invoked for
// the owner's /reboot and is expected to shut the process down cleanly.
// With open set, any chat may manage its own watchlist; otherwise a chat
// needs an access row (the owner always has access).
func NewCommander(bot *Bot, updates UpdateSource, registry Registry, ownerChat int64, open bool, reboot func(), logger log.Logger) *Commander {
	if logger == nil {
		logger = log.Root()
	}
	return &Commander{
		bot:       bot,
		updates:   updates,
		registry:  registry,
		ownerChat: ownerChat,
		open:      open,
		reboot:    reboot,
		log:       logger.New("bot", bot.ID()),
	}
}

// Run long-polls updates until ctx is cancelled. The command menu is
// published to the platform on entry.
func (c *Commander) Run(ctx context.Context) {
	menu := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "add", Description: "watch an address: /add <address> [name]"},
		tgbotapi.BotCommand{Command: "del", Description: "unwatch an address: /del <address>"},
		tgbotapi.BotCommand{Command: "list", Description: "show your watchlist"},
	)
	if _, err := c.bot.api.Request(menu); err != nil {
		c.log.Warn("Publishing command menu failed", "err", err)
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := c.updates.GetUpdatesChan(cfg)
	defer c.updates.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			c.handle(ctx, update.Message)
		}
	}
}

func (c *Commander) handle(ctx context.Context, msg *tgbotapi.Message) {
	var (
		chatID = msg.Chat.ID
		args   = strings.Fields(msg.CommandArguments())
	)
	if !c.allowed(ctx, chatID) {
		c.log.Debug("Ignoring command from unauthorized chat", "chat", chatID, "command", msg.Command())
		return
	}

	var reply string
	switch msg.Command() {
	case "add":
		reply = c.cmdAdd(ctx, msg, args)
	case "del":
		reply = c.cmdDel(ctx, chatID, args)
	case "list":
		reply = c.cmdList(ctx, chatID)
	case "access":
		reply = c.cmdAccess(ctx, chatID, args)
	case "reboot":
		if chatID == c.ownerChat {
			reply = "rebooting"
			defer c.reboot()
		}
	default:
		return
	}
	if reply == "" {
		return
	}
	if _, err := c.bot.Send(chatID, render.Message{Text: reply}); err != nil {
		c.log.Warn("Command reply rejected", "chat", chatID, "err", err)
	}
}

// allowed gates commands on the access table unless the bot runs open.
func (c *Commander) allowed(ctx context.Context, chatID int64) bool {
	if c.open || chatID == c.ownerChat {
		return true
	}
	_, ok, err := c.registry.Access(ctx, chatID, c.bot.ID())
	if err != nil {
		c.log.Warn("Access lookup failed", "chat", chatID, "err", err)
		return false
	}
	return ok
}

func (c *Commander) cmdAdd(ctx context.Context, msg *tgbotapi.Message, args []string) string {
	if len(args) == 0 || !common.IsHexAddress(args[0]) {
		return "usage: /add <address> [name]"
	}
	username := ""
	if msg.From != nil {
		username = msg.From.UserName
	}
	name := strings.Join(args[1:], " ")
	row := store.WatchRow{
		Address:  strings.ToLower(common.HexToAddress(args[0]).Hex()),
		ChatID:   msg.Chat.ID,
		BotID:    c.bot.ID(),
		Username: username,
		Name:     name,
		// Historical direction defaults: outgoing on, incoming muted.
		Incoming: false,
		Outgoing: true,
	}
	if err := c.registry.AddWatch(ctx, row); err != nil {
		c.log.Warn("Watchlist insert failed", "chat", msg.Chat.ID, "address", row.Address, "err", err)
		return "failed to save, try again"
	}
	return fmt.Sprintf("watching <code>%s</code>", row.Address)
}

func (c *Commander) cmdDel(ctx context.Context, chatID int64, args []string) string {
	if len(args) == 0 || !common.IsHexAddress(args[0]) {
		return "usage: /del <address>"
	}
	address := strings.ToLower(common.HexToAddress(args[0]).Hex())
	if err := c.registry.RemoveWatch(ctx, address, chatID, c.bot.ID()); err != nil {
		c.log.Warn("Watchlist delete failed", "chat", chatID, "address", address, "err", err)
		return "failed to delete, try again"
	}
	return fmt.Sprintf("unwatched <code>%s</code>", address)
}

func (c *Commander) cmdList(ctx context.Context, chatID int64) string {
	rows, err := c.registry.WatchesOf(ctx, chatID, c.bot.ID())
	if err != nil {
		c.log.Warn("Watchlist query failed", "chat", chatID, "err", err)
		return "failed to load, try again"
	}
	if len(rows) == 0 {
		return "watchlist is empty"
	}
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "<code>%s</code>", row.Address)
		if row.Name != "" {
			fmt.Fprintf(&b, " %s", row.Name)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// cmdAccess lets the owner grant another chat access: /access <chat_id>.
func (c *Commander) cmdAccess(ctx context.Context, chatID int64, args []string) string {
	if chatID != c.ownerChat {
		return ""
	}
	if len(args) == 0 {
		return "usage: /access <chat_id>"
	}
	var target int64
	if _, err := fmt.Sscanf(args[0], "%d", &target); err != nil {
		return "usage: /access <chat_id>"
	}
	row := store.AccessRow{ChatID: target, BotID: c.bot.ID(), AllTx: true}
	if err := c.registry.GrantAccess(ctx, row); err != nil {
		c.log.Warn("Access grant failed", "chat", target, "err", err)
		return "failed to grant access"
	}
	return fmt.Sprintf("access granted to %d", target)
}
