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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"

	"github.com/evmwatch/evmwatch/render"
	"github.com/evmwatch/evmwatch/store"
)

// BotConfig describes one Telegram delivery endpoint. Polling enables the
// chat command surface; OpenAccess waives the access table for this bot.
type BotConfig struct {
	ID         string
	Token      string
	Polling    bool
	OpenAccess bool
}

// Config is the monitor's TOML-loadable configuration.
type Config struct {
	OwnerChatID      int64
	Bots             []BotConfig
	RPCURLs          []string
	RPCTimeout       time.Duration
	ChainLabel       string
	ExplorerBaseURL  string
	ChartBaseURL     string
	NativeSymbol     string
	BaseTokens       []string
	MulticallAddress string
	DataDir          string
	SQL              store.SQLConfig
	InlineButtons    [][]render.ButtonTemplate
}

// These settings ensure that TOML keys use the same names as Go struct
// fields and mistyped configuration keys are rejected instead of silently
// ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// resolveConfigPath maps a bare configuration name to "<name>.toml" in the
// working directory; anything that already looks like a path is used
// verbatim.
func resolveConfigPath(name string) string {
	if strings.ContainsRune(name, filepath.Separator) || strings.HasSuffix(name, ".toml") {
		return name
	}
	return name + ".toml"
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &Config{
		RPCTimeout:   3 * time.Second,
		NativeSymbol: "ETH",
		DataDir:      ".",
	}
	if err := tomlSettings.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) check() error {
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("no RPC endpoints configured")
	}
	if len(c.Bots) == 0 {
		return fmt.Errorf("no bots configured")
	}
	for _, bot := range c.Bots {
		if bot.ID == "" || bot.Token == "" {
			return fmt.Errorf("bot needs both ID and Token")
		}
		if hasUpper := strings.IndexFunc(bot.ID, unicode.IsUpper) >= 0; hasUpper {
			return fmt.Errorf("bot ID %q must be lower-case", bot.ID)
		}
	}
	if !common.IsHexAddress(c.MulticallAddress) {
		return fmt.Errorf("invalid MulticallAddress %q", c.MulticallAddress)
	}
	return nil
}
