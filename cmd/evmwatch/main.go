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

// evmwatch watches EVM addresses and notifies Telegram subscribers of
// every transaction touching them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/evmwatch/evmwatch/chain"
	"github.com/evmwatch/evmwatch/fanout"
	"github.com/evmwatch/evmwatch/fourbyte"
	"github.com/evmwatch/evmwatch/ingest"
	"github.com/evmwatch/evmwatch/internal/debug"
	"github.com/evmwatch/evmwatch/monitor"
	"github.com/evmwatch/evmwatch/multicall"
	"github.com/evmwatch/evmwatch/render"
	"github.com/evmwatch/evmwatch/store"
	"github.com/evmwatch/evmwatch/telegram"
	"github.com/evmwatch/evmwatch/tokens"
	"github.com/evmwatch/evmwatch/trace"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run the monitor with the named configuration",
	ArgsUsage: "<config>",
	Flags:     debug.Flags,
	Action:    run,
}

func main() {
	app := cli.NewApp()
	app.Name = "evmwatch"
	app.Usage = "real-time wallet-activity monitor for EVM chains"
	app.Commands = []*cli.Command{runCommand}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	if cliCtx.NArg() != 1 {
		return fmt.Errorf("run needs exactly one configuration name")
	}
	if err := debug.Setup(cliCtx); err != nil {
		return err
	}
	defer debug.Exit()

	cfg, err := loadConfig(resolveConfigPath(cliCtx.Args().First()))
	if err != nil {
		return err
	}
	return runMonitor(cfg)
}

// runMonitor assembles the pipeline and blocks until a signal or an
// operator reboot stops it. A clean stop returns nil (exit code 0).
func runMonitor(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence: node-local caches, the shared store and the ingestion
	// checkpoint.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}
	local, err := store.OpenLocal(filepath.Join(cfg.DataDir, "caches.db"))
	if err != nil {
		return err
	}
	defer local.Close()
	shared, err := store.OpenShared(cfg.SQL)
	if err != nil {
		return err
	}
	defer shared.Close()
	checkpoint := store.NewCheckpoint(filepath.Join(cfg.DataDir, "lastblock"))

	// Chain access.
	client, err := fanout.Dial(ctx, cfg.RPCURLs, cfg.RPCTimeout, log.New("component", "fanout"))
	if err != nil {
		return err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("resolve chain id: %w", err)
	}
	log.Info("Connected", "chain", cfg.ChainLabel, "chainid", chainID, "endpoints", client.Len())

	// Decoding stack.
	bundler := multicall.New(common.HexToAddress(cfg.MulticallAddress), client)
	warm, err := local.Tokens(ctx)
	if err != nil {
		return err
	}
	warmRecords := make(map[string]tokens.Record, len(warm))
	for addr, row := range warm {
		warmRecords[addr] = tokens.Record{Symbol: row.Symbol, Decimals: row.Decimals}
	}
	resolver := tokens.NewResolver(bundler, local, cfg.BaseTokens, warmRecords, log.New("component", "tokens"))
	decoder := trace.NewDecoder(client, resolver, chainID, log.New("component", "trace"))
	signatures := fourbyte.NewResolver(local, fourbyte.Config{}, log.New("component", "fourbyte"))

	// Rendering: the ens table and the exchange labels share one
	// namespace; local names win.
	names, err := shared.CEXNames(ctx)
	if err != nil {
		return err
	}
	localNames, err := local.Names(ctx)
	if err != nil {
		return err
	}
	for addr, name := range localNames {
		names[addr] = name
	}
	renderer := render.New(names, cfg.ExplorerBaseURL, cfg.ChartBaseURL, cfg.NativeSymbol, cfg.ChainLabel, cfg.InlineButtons)

	// Delivery endpoints. Unreachable chats are flagged in the shared
	// store outside the queue workers.
	var bots []*telegram.Bot
	for _, bc := range cfg.Bots {
		botID := bc.ID
		onUnreachable := func(chatID int64) {
			go func() {
				dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := shared.MarkBlocked(dctx, chatID, botID); err != nil {
					log.Warn("Failed to flag unreachable chat", "chat", chatID, "bot", botID, "err", err)
				}
			}()
		}
		bot, raw, err := telegram.Dial(botID, bc.Token, onUnreachable, log.Root())
		if err != nil {
			return err
		}
		bots = append(bots, bot)
		if bc.Polling {
			commander := telegram.NewCommander(bot, raw, shared, cfg.OwnerChatID, bc.OpenAccess, stop, log.Root())
			go commander.Run(ctx)
		}
	}
	hub := telegram.NewHub(bots...)
	defer hub.Close()

	// Routing.
	watchlist := monitor.NewWatchlist(shared, log.New("component", "watchlist"))
	if err := watchlist.Refresh(ctx); err != nil {
		return fmt.Errorf("initial watchlist load: %w", err)
	}
	go watchlist.Run(ctx, monitor.DefaultRefreshInterval)

	processor := monitor.NewProcessor(watchlist, decoder, renderer, hub, signatures, monitor.DefaultDedupWindow, log.New("component", "monitor"))

	// Ingestion drives everything; its Run returns when the context is
	// cancelled.
	ingestor := ingest.New(client, checkpoint, ingest.Config{}, log.New("component", "ingest"))
	txs := make(chan *chain.Transaction)
	sub := ingestor.SubscribeTransactions(txs)
	defer sub.Unsubscribe()
	go processor.Run(ctx, txs)

	err = ingestor.Run(ctx)
	log.Info("Shut down")
	return err
}
