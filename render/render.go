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

// Package render turns a traced transaction into chat-ready HTML text and
// inline action buttons. Rendering is a pure function of its inputs: the
// same (watched, tx, trace, signature) always yields byte-identical
// output. The per-watcher display name is not known here, so the text
// carries the NamePlaceholder for the delivery stage to substitute.
package render

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"

	"github.com/evmwatch/evmwatch/chain"
	"github.com/evmwatch/evmwatch/trace"
)

// Placeholders substituted outside the renderer.
const (
	// NamePlaceholder is replaced with the watcher's display name by the
	// delivery stage.
	NamePlaceholder = "$$NAME$$"
	// AddressPlaceholder is replaced with the token address in button URL
	// templates.
	AddressPlaceholder = "$$ADDRESS$$"
)

// Direction and status glyphs.
const (
	iconIncoming    = "↘"
	iconOutgoing    = "↖"
	iconTransferIn  = "➡️💰"
	iconTransferOut = "💰➡️"
	iconBuy         = "🟢 buy"
	iconSell        = "🔴 sell"
	markWatched     = "●"
)

// Button is one inline action.
type Button struct {
	Text string
	URL  string
}

// ButtonTemplate is a configured button whose URL carries the
// AddressPlaceholder.
type ButtonTemplate struct {
	Text        string
	URLTemplate string
}

// Message is a rendered notification: HTML text plus optional button rows.
type Message struct {
	Text    string
	Buttons [][]Button
}

// Renderer formats trace results. All fields are set at construction and
// never mutated, so a Renderer is safe for concurrent use.
type Renderer struct {
	names        map[string]string // lower-cased address → display name
	explorerBase string
	chartBase    string
	nativeSymbol string
	chainLabel   string
	buttons      [][]ButtonTemplate
}

// New builds a renderer. names maps lower-cased addresses to display names
// (the merged ens and exchange tables); unmapped addresses fall back to
// their checksum form.
func New(names map[string]string, explorerBase, chartBase, nativeSymbol, chainLabel string, buttons [][]ButtonTemplate) *Renderer {
	if names == nil {
		names = make(map[string]string)
	}
	return &Renderer{
		names:        names,
		explorerBase: strings.TrimSuffix(explorerBase, "/"),
		chartBase:    strings.TrimSuffix(chartBase, "/"),
		nativeSymbol: nativeSymbol,
		chainLabel:   chainLabel,
		buttons:      buttons,
	}
}

// Name resolves an address to its display name, falling back to the
// checksum-cased address.
func (r *Renderer) Name(addr common.Address) string {
	if name, ok := r.names[strings.ToLower(addr.Hex())]; ok {
		return name
	}
	return addr.Hex()
}

// Render formats one traced transaction for one watched address. signature
// is the decorative resolved function signature (or the raw selector).
func (r *Renderer) Render(watched common.Address, tx *chain.Transaction, tr *trace.Result, signature string) Message {
	var b strings.Builder

	fmt.Fprintf(&b, "%s%s <b>%s</b> %s\n", statusGlyph(tr.Status), r.direction(watched, tx, tr), NamePlaceholder, r.chainLabel)
	fmt.Fprintf(&b, "<a href=\"%s/tx/%s\">%s</a>", r.explorerBase, tx.Hash.Hex(), shortHash(tx.Hash))
	if signature != "" {
		fmt.Fprintf(&b, " | <code>%s</code>", html(signature))
	}
	b.WriteByte('\n')

	b.WriteString(r.party(watched, tx.From))
	b.WriteString(" → ")
	switch {
	case tr.Deployed != nil:
		fmt.Fprintf(&b, "deployed %s", r.party(watched, *tr.Deployed))
	case tx.To == nil:
		b.WriteString("contract creation")
	default:
		b.WriteString(r.party(watched, *tx.To))
	}
	b.WriteByte('\n')

	if value := formatEther(tx); value != "" {
		fmt.Fprintf(&b, "value: %s %s\n", value, r.nativeSymbol)
	}
	if len(tr.Tokens) > 0 {
		b.WriteString("tokens: ")
		for i, tok := range tr.Tokens {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "<a href=\"%s/token/%s\">%s</a>", r.explorerBase, strings.ToLower(tok.Address.Hex()), html(tok.Symbol))
		}
		b.WriteByte('\n')
	}
	if tr.HasAmount && len(tr.Tokens) > 0 {
		fmt.Fprintf(&b, "amount: %s %s\n", tr.Amount, html(tr.Tokens[0].Symbol))
	}

	fmt.Fprintf(&b, "pnl: %s%s %s | bal: %s %s\n", tr.Indicator, tr.PNL, r.nativeSymbol, tr.Balance, r.nativeSymbol)
	fmt.Fprintf(&b, "block: %s", tr.BlockLabel())
	if tr.LogCount != nil {
		fmt.Fprintf(&b, " | logs: %d", *tr.LogCount)
	}

	return Message{Text: b.String(), Buttons: r.renderButtons(tr)}
}

// direction picks the arrow for the headline. A single resolved token with
// transfer calldata gets the money arrows; multiple interacting tokens get
// the buy/sell label, where a failed execution or a zero native value
// reads as a sell.
func (r *Renderer) direction(watched common.Address, tx *chain.Transaction, tr *trace.Result) string {
	switch {
	case len(tr.Tokens) == 1 && tr.HasAmount:
		if watched == tx.From {
			return iconTransferOut
		}
		return iconTransferIn
	case len(tr.Tokens) > 1:
		if tr.Status == trace.StatusFailed || tx.Value.Sign() == 0 {
			return iconSell
		}
		return iconBuy
	case tx.To != nil && watched == *tx.To:
		return iconIncoming
	default:
		return iconOutgoing
	}
}

// party renders one transaction participant as an explorer link, marked
// with a bullet when it is the watched address.
func (r *Renderer) party(watched, addr common.Address) string {
	mark := ""
	if addr == watched {
		mark = markWatched + " "
	}
	return fmt.Sprintf("%s<a href=\"%s/address/%s\">%s</a>", mark, r.explorerBase, strings.ToLower(addr.Hex()), html(r.Name(addr)))
}

// renderButtons instantiates the configured button rows for the first
// non-base token, or nothing when every token is a base token.
func (r *Renderer) renderButtons(tr *trace.Result) [][]Button {
	var token *common.Address
	for _, tok := range tr.Tokens {
		if !tok.Base {
			addr := tok.Address
			token = &addr
			break
		}
	}
	if token == nil || len(r.buttons) == 0 {
		return nil
	}
	addr := strings.ToLower(token.Hex())
	rows := make([][]Button, 0, len(r.buttons))
	for _, tmplRow := range r.buttons {
		row := make([]Button, 0, len(tmplRow))
		for _, tmpl := range tmplRow {
			row = append(row, Button{
				Text: tmpl.Text,
				URL:  strings.ReplaceAll(tmpl.URLTemplate, AddressPlaceholder, addr),
			})
		}
		rows = append(rows, row)
	}
	return rows
}

func statusGlyph(s trace.Status) string {
	switch s {
	case trace.StatusSuccess:
		return "✅"
	case trace.StatusFailed:
		return "❌"
	default:
		return ""
	}
}

// formatEther renders the native value with up to four fractional digits,
// or "" for zero-value transactions.
func formatEther(tx *chain.Transaction) string {
	if tx.Value == nil || tx.Value.Sign() == 0 {
		return ""
	}
	return decimal.NewFromBigInt(tx.Value, 0).Div(decimal.NewFromInt(params.Ether)).RoundDown(4).String()
}

func shortHash(h common.Hash) string {
	hex := h.Hex()
	return hex[:10] + "…" + hex[len(hex)-4:]
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Escape sanitizes raw text for inclusion in the HTML message body. The
// delivery stage uses it for strings substituted after rendering.
func Escape(s string) string {
	return htmlReplacer.Replace(s)
}

func html(s string) string {
	return Escape(s)
}
