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

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/evmwatch/evmwatch/chain"
	"github.com/evmwatch/evmwatch/internal/testlog"
	"github.com/evmwatch/evmwatch/render"
	"github.com/evmwatch/evmwatch/store"
	"github.com/evmwatch/evmwatch/tokens"
	"github.com/evmwatch/evmwatch/trace"
)

var (
	watchedAddr = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	senderAddr  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	tokenAddr   = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

// fakeSource serves a static watchlist snapshot.
type fakeSource struct {
	mu   sync.Mutex
	rows []store.WatchRow
}

func (f *fakeSource) Watchlist(ctx context.Context) ([]store.WatchRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.WatchRow(nil), f.rows...), nil
}

// fakeDecoder returns canned results.
type fakeDecoder struct {
	fast    *trace.Result
	full    *trace.Result
	fastErr error
	fullErr error
}

func (f *fakeDecoder) Fast(ctx context.Context, tx *chain.Transaction, watched common.Address) (*trace.Result, error) {
	return f.fast, f.fastErr
}

func (f *fakeDecoder) Full(ctx context.Context, tx *chain.Transaction, watched common.Address) (*trace.Result, error) {
	return f.full, f.fullErr
}

// fakeRenderer emits the phase and the name placeholder, enough to assert
// substitution and the two-phase texts apart.
type fakeRenderer struct{}

func (fakeRenderer) Render(watched common.Address, tx *chain.Transaction, tr *trace.Result, signature string) render.Message {
	phase := "fast"
	if tr.Status != trace.StatusUnknown {
		phase = "full"
	}
	return render.Message{Text: fmt.Sprintf("%s %s %s %s", phase, render.NamePlaceholder, tx.Hash.Hex(), signature)}
}

type sentOp struct {
	botID  string
	chatID int64
	id     int
	text   string
}

type editOp struct {
	botID  string
	chatID int64
	id     int
	text   string
}

// fakeCourier records deliveries and hands out sequential message ids.
type fakeCourier struct {
	mu     sync.Mutex
	nextID int
	sends  []sentOp
	edits  []editOp
	refuse map[string]error // bot ID → send error
}

func (f *fakeCourier) Active(botID string) bool { return botID != "dead" }

func (f *fakeCourier) Send(ctx context.Context, botID string, chatID int64, msg render.Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refuse[botID]; err != nil {
		return 0, err
	}
	f.nextID++
	f.sends = append(f.sends, sentOp{botID: botID, chatID: chatID, id: f.nextID, text: msg.Text})
	return f.nextID, nil
}

func (f *fakeCourier) Edit(ctx context.Context, botID string, chatID int64, messageID int, msg render.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editOp{botID: botID, chatID: chatID, id: messageID, text: msg.Text})
	return nil
}

type fakeSignatures struct{}

func (fakeSignatures) Resolve(ctx context.Context, selector string) string {
	if selector == "0xa9059cbb" {
		return "transfer(address,uint256)"
	}
	return selector
}

func newTestProcessor(t *testing.T, rows []store.WatchRow, dec Decoder, courier Courier) *Processor {
	wl := NewWatchlist(&fakeSource{rows: rows}, testlog.Logger(t, log.LevelTrace))
	require.NoError(t, wl.Refresh(context.Background()))
	return NewProcessor(wl, dec, fakeRenderer{}, courier, fakeSignatures{}, 4, testlog.Logger(t, log.LevelTrace))
}

func watchRow(addr common.Address, chatID int64, in, out bool) store.WatchRow {
	return store.WatchRow{
		Address:  strings.ToLower(addr.Hex()),
		ChatID:   chatID,
		BotID:    "bot1",
		Name:     "alice",
		Incoming: in,
		Outgoing: out,
	}
}

func transferTx(from common.Address, to common.Address, value *big.Int, data []byte) *chain.Transaction {
	preimage := append(append(from.Bytes(), to.Bytes()...), value.Bytes()...)
	return &chain.Transaction{
		Hash:        crypto.Keccak256Hash(append(preimage, data...)),
		BlockNumber: big.NewInt(100),
		From:        from,
		To:          &to,
		Value:       value,
		Data:        data,
		Origin:      chain.OriginBlock,
	}
}

func unknownTrace() *trace.Result {
	return &trace.Result{Status: trace.StatusUnknown, PNL: "0.0", Balance: "1.00", Indicator: " "}
}

func successTrace() *trace.Result {
	lc := 1
	return &trace.Result{
		Status:    trace.StatusSuccess,
		Tokens:    tokens.List{{Address: tokenAddr, Symbol: "SHIB", Decimals: 18}},
		LogCount:  &lc,
		PNL:       "1.000",
		Balance:   "2.00",
		Indicator: "▲",
	}
}

func TestTwoPhaseSendThenEdit(t *testing.T) {
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	p := newTestProcessor(t, []store.WatchRow{watchRow(watchedAddr, 7, false, true)}, dec, courier)

	tx := transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil)
	p.Process(context.Background(), tx)
	p.Wait()

	require.Len(t, courier.sends, 1)
	require.Len(t, courier.edits, 1)
	require.Equal(t, courier.sends[0].id, courier.edits[0].id, "edit must target the sent message")
	require.Equal(t, courier.sends[0].chatID, courier.edits[0].chatID)
	require.Contains(t, courier.sends[0].text, "fast")
	require.Contains(t, courier.edits[0].text, "full")
}

func TestNameSubstitutionAtDelivery(t *testing.T) {
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	p := newTestProcessor(t, []store.WatchRow{watchRow(watchedAddr, 7, false, true)}, dec, courier)

	p.Process(context.Background(), transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil))
	p.Wait()

	require.Len(t, courier.sends, 1)
	require.Contains(t, courier.sends[0].text, "alice")
	require.NotContains(t, courier.sends[0].text, render.NamePlaceholder)
}

func TestNameEscapedAtDelivery(t *testing.T) {
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	row := watchRow(watchedAddr, 7, false, true)
	row.Name = `pump & <dump>`
	p := newTestProcessor(t, []store.WatchRow{row}, dec, courier)

	p.Process(context.Background(), transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil))
	p.Wait()

	require.Len(t, courier.sends, 1)
	require.Contains(t, courier.sends[0].text, "pump &amp; &lt;dump&gt;")
	require.NotContains(t, courier.sends[0].text, "<dump>")
}

func TestDedupWithinWindow(t *testing.T) {
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	p := newTestProcessor(t, []store.WatchRow{watchRow(watchedAddr, 7, false, true)}, dec, courier)

	tx := transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil)
	p.Process(context.Background(), tx)
	p.Process(context.Background(), tx)
	p.Wait()

	require.Len(t, courier.sends, 1, "a repeated (address, tx) pair notifies once")
}

func TestDirectionGate(t *testing.T) {
	// The watcher wants outgoing only; an incoming transfer stays silent.
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	p := newTestProcessor(t, []store.WatchRow{watchRow(watchedAddr, 7, false, true)}, dec, courier)

	incoming := transferTx(senderAddr, watchedAddr, big.NewInt(1e18), nil)
	p.Process(context.Background(), incoming)
	require.Empty(t, courier.sends)

	outgoing := transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil)
	p.Process(context.Background(), outgoing)
	p.Wait()
	require.Len(t, courier.sends, 1)
}

func TestDustTransferSkipped(t *testing.T) {
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	p := newTestProcessor(t, []store.WatchRow{watchRow(watchedAddr, 7, false, true)}, dec, courier)

	// No calldata, value below 0.01 native: dust.
	dust := transferTx(watchedAddr, senderAddr, big.NewInt(1e15), nil)
	p.Process(context.Background(), dust)
	require.Empty(t, courier.sends)

	// Same shape above the threshold notifies.
	real := transferTx(watchedAddr, senderAddr, big.NewInt(1e17), nil)
	p.Process(context.Background(), real)
	p.Wait()
	require.Len(t, courier.sends, 1)
}

func TestTransferRecipientMatches(t *testing.T) {
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	p := newTestProcessor(t, []store.WatchRow{watchRow(watchedAddr, 7, true, false)}, dec, courier)

	// ERC20 transfer to the watched address: watched is neither From nor
	// To, only the calldata recipient.
	data := append([]byte{0xa9, 0x05, 0x9c, 0xbb}, common.LeftPadBytes(watchedAddr.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(1).Bytes(), 32)...)
	tx := transferTx(senderAddr, tokenAddr, new(big.Int), data)

	p.Process(context.Background(), tx)
	p.Wait()
	require.Len(t, courier.sends, 1, "transfer recipient match with incoming direction")
}

func TestInactiveBotWatchersSkipped(t *testing.T) {
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	row := watchRow(watchedAddr, 7, false, true)
	row.BotID = "dead"
	p := newTestProcessor(t, []store.WatchRow{row}, dec, courier)

	p.Process(context.Background(), transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil))
	p.Wait()
	require.Empty(t, courier.sends)
}

func TestFailedSendGetsNoEdit(t *testing.T) {
	courier := &fakeCourier{refuse: map[string]error{"bot1": fmt.Errorf("chat not found")}}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	p := newTestProcessor(t, []store.WatchRow{watchRow(watchedAddr, 7, false, true)}, dec, courier)

	p.Process(context.Background(), transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil))
	p.Wait()
	require.Empty(t, courier.sends)
	require.Empty(t, courier.edits, "no send, no edit")
}

func TestFullErrorLeavesFastMessage(t *testing.T) {
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), fullErr: fmt.Errorf("receipt timeout")}
	p := newTestProcessor(t, []store.WatchRow{watchRow(watchedAddr, 7, false, true)}, dec, courier)

	p.Process(context.Background(), transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil))
	p.Wait()
	require.Len(t, courier.sends, 1)
	require.Empty(t, courier.edits)
}

// gatedDecoder holds the full decode until the gate closes.
type gatedDecoder struct {
	fast *trace.Result
	full *trace.Result
	gate chan struct{}
}

func (g *gatedDecoder) Fast(ctx context.Context, tx *chain.Transaction, watched common.Address) (*trace.Result, error) {
	return g.fast, nil
}

func (g *gatedDecoder) Full(ctx context.Context, tx *chain.Transaction, watched common.Address) (*trace.Result, error) {
	<-g.gate
	return g.full, nil
}

func TestFullPhaseDoesNotBlockNextTransaction(t *testing.T) {
	courier := &fakeCourier{}
	dec := &gatedDecoder{fast: unknownTrace(), full: successTrace(), gate: make(chan struct{})}
	p := newTestProcessor(t, []store.WatchRow{watchRow(watchedAddr, 7, false, true)}, dec, courier)

	// Both fast sends must go out while every full decode is still held.
	p.Process(context.Background(), transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil))
	p.Process(context.Background(), transferTx(watchedAddr, senderAddr, big.NewInt(2e18), nil))
	require.Len(t, courier.sends, 2)
	require.Empty(t, courier.edits)

	close(dec.gate)
	p.Wait()
	require.Len(t, courier.edits, 2)
}

// recordingSignatures remembers every selector it was asked about.
type recordingSignatures struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingSignatures) Resolve(ctx context.Context, selector string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, selector)
	return selector
}

func TestPlainTransferSkipsSignatureLookup(t *testing.T) {
	courier := &fakeCourier{}
	dec := &fakeDecoder{fast: unknownTrace(), full: successTrace()}
	sigs := &recordingSignatures{}
	wl := NewWatchlist(&fakeSource{rows: []store.WatchRow{watchRow(watchedAddr, 7, false, true)}}, testlog.Logger(t, log.LevelTrace))
	require.NoError(t, wl.Refresh(context.Background()))
	p := NewProcessor(wl, dec, fakeRenderer{}, courier, sigs, 4, testlog.Logger(t, log.LevelTrace))

	p.Process(context.Background(), transferTx(watchedAddr, senderAddr, big.NewInt(1e18), nil))
	p.Wait()

	require.Len(t, courier.sends, 1)
	require.Empty(t, sigs.calls, "empty selector never hits the resolver")
}

func TestPairWindowEviction(t *testing.T) {
	w := newPairWindow(3)
	require.False(t, w.Seen("a"))
	require.False(t, w.Seen("b"))
	require.False(t, w.Seen("c"))
	require.True(t, w.Seen("a"))

	// Overflow evicts the oldest entry only.
	require.False(t, w.Seen("d"))
	require.False(t, w.Seen("a"))
	require.True(t, w.Seen("c"))
	require.Equal(t, 3, w.Len())
}
