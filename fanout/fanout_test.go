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

package fanout

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/evmwatch/evmwatch/internal/testlog"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint satisfies Endpoint through optional function fields; calling
// a method without a backing function is a test bug.
type fakeEndpoint struct {
	chainID            func(context.Context) (*big.Int, error)
	blockNumber        func(context.Context) (uint64, error)
	blockByNumber      func(context.Context, *big.Int) (*types.Block, error)
	transactionByHash  func(context.Context, common.Hash) (*types.Transaction, bool, error)
	transactionReceipt func(context.Context, common.Hash) (*types.Receipt, error)
	balanceAt          func(context.Context, common.Address, *big.Int) (*big.Int, error)
	callContract       func(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error)
	filterLogs         func(context.Context, ethereum.FilterQuery) ([]types.Log, error)
}

func (f *fakeEndpoint) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID(ctx)
}

func (f *fakeEndpoint) BlockNumber(ctx context.Context) (uint64, error) {
	return f.blockNumber(ctx)
}

func (f *fakeEndpoint) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return f.blockByNumber(ctx, number)
}

func (f *fakeEndpoint) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return f.transactionByHash(ctx, hash)
}

func (f *fakeEndpoint) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f.transactionReceipt(ctx, txHash)
}

func (f *fakeEndpoint) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balanceAt(ctx, account, blockNumber)
}

func (f *fakeEndpoint) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callContract(ctx, msg, blockNumber)
}

func (f *fakeEndpoint) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.filterLogs(ctx, q)
}

func newTestClient(t *testing.T, timeout time.Duration) *Client {
	return New(timeout, testlog.Logger(t, log.LevelTrace))
}

func TestBlockNumberPicksHighest(t *testing.T) {
	c := newTestClient(t, 0)
	c.Add("a", &fakeEndpoint{blockNumber: func(context.Context) (uint64, error) { return 5, nil }})
	c.Add("b", &fakeEndpoint{blockNumber: func(context.Context) (uint64, error) { return 9, nil }})
	c.Add("c", &fakeEndpoint{blockNumber: func(context.Context) (uint64, error) { return 0, errors.New("boom") }})

	head, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), head)
}

func TestBlockNumberAllFailed(t *testing.T) {
	c := newTestClient(t, 0)
	c.Add("a", &fakeEndpoint{blockNumber: func(context.Context) (uint64, error) { return 0, errors.New("down") }})
	c.Add("b", &fakeEndpoint{blockNumber: func(context.Context) (uint64, error) { return 0, errors.New("also down") }})

	_, err := c.BlockNumber(context.Background())
	var allFailed *AllFailedError
	require.ErrorAs(t, err, &allFailed)
	require.Equal(t, "eth_blockNumber", allFailed.Method)
	require.Len(t, allFailed.Errors, 2)
	require.EqualError(t, allFailed.Errors["a"], "down")
	require.Contains(t, allFailed.Error(), "all endpoints failed for eth_blockNumber")
}

func TestFirstSuccessCancelsLosers(t *testing.T) {
	slowDone := make(chan error, 1)

	// The cancelled loser still logs from its scatter goroutine after the
	// winner returns, so this test must not log through t.
	c := New(time.Minute, nil)
	c.Add("fast", &fakeEndpoint{balanceAt: func(context.Context, common.Address, *big.Int) (*big.Int, error) {
		return big.NewInt(1000), nil
	}})
	c.Add("slow", &fakeEndpoint{balanceAt: func(ctx context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
		<-ctx.Done()
		slowDone <- ctx.Err()
		return nil, ctx.Err()
	}})

	bal, err := c.BalanceAt(context.Background(), common.Address{}, nil)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), bal)

	select {
	case err := <-slowDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loser was never cancelled")
	}
}

func TestFirstSuccessAllFailed(t *testing.T) {
	c := newTestClient(t, 0)
	c.Add("a", &fakeEndpoint{transactionReceipt: func(context.Context, common.Hash) (*types.Receipt, error) {
		return nil, ethereum.NotFound
	}})

	_, err := c.TransactionReceipt(context.Background(), common.Hash{})
	var allFailed *AllFailedError
	require.ErrorAs(t, err, &allFailed)
	require.ErrorIs(t, allFailed.Errors["a"], ethereum.NotFound)
}

func TestFilterLogsPicksMost(t *testing.T) {
	c := newTestClient(t, 0)
	c.Add("short", &fakeEndpoint{filterLogs: func(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
		return make([]types.Log, 1), nil
	}})
	c.Add("long", &fakeEndpoint{filterLogs: func(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
		return make([]types.Log, 3), nil
	}})

	logs, err := c.FilterLogs(context.Background(), ethereum.FilterQuery{})
	require.NoError(t, err)
	require.Len(t, logs, 3)
}

func TestSharedDeadline(t *testing.T) {
	c := newTestClient(t, 10*time.Millisecond)
	c.Add("hung", &fakeEndpoint{blockNumber: func(ctx context.Context) (uint64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}})

	_, err := c.BlockNumber(context.Background())
	var allFailed *AllFailedError
	require.ErrorAs(t, err, &allFailed)
	require.ErrorIs(t, allFailed.Errors["hung"], context.DeadlineExceeded)
}
