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

// Package debug configures the process-wide logging and metrics state
// from CLI flags.
package debug

import (
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: "LOGGING",
	}
	logjsonFlag = &cli.BoolFlag{
		Name:     "log.json",
		Usage:    "Format logs with JSON",
		Category: "LOGGING",
	}
	logFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to a file (rotated at 100 MB)",
		Category: "LOGGING",
	}
	metricsFlag = &cli.BoolFlag{
		Name:     "metrics",
		Usage:    "Enable metrics collection and reporting",
		Category: "METRICS",
	}
)

// Flags holds all command-line flags required for debugging.
var Flags = []cli.Flag{
	verbosityFlag,
	logjsonFlag,
	logFileFlag,
	metricsFlag,
}

var logFile *lumberjack.Logger

// Setup initializes logging and metrics based on the CLI flags. It should
// be called as early as possible in the program.
func Setup(ctx *cli.Context) error {
	var (
		output   io.Writer = os.Stderr
		usecolor           = false
	)
	if file := ctx.String(logFileFlag.Name); file != "" {
		logFile = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 10,
			Compress:   true,
		}
		output = logFile
	} else if isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb" {
		usecolor = true
		output = colorable.NewColorableStderr()
	}

	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	var handler slog.Handler
	if ctx.Bool(logjsonFlag.Name) {
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	} else {
		handler = log.NewTerminalHandlerWithLevel(output, level, usecolor)
	}
	log.SetDefault(log.NewLogger(handler))

	if ctx.Bool(metricsFlag.Name) {
		metrics.Enabled = true
	}
	return nil
}

// Exit flushes and closes the log output if it went to a file.
func Exit() {
	if logFile != nil {
		logFile.Close()
	}
}
