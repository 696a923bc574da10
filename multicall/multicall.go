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

// Package multicall bundles many read-only contract calls into a single
// tryAggregate invocation against a Multicall2-compatible aggregator
// contract, cutting per-call RPC round trips.
package multicall

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const multicallABIJSON = `[{"inputs":[{"internalType":"bool","name":"requireSuccess","type":"bool"},{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall2.Call[]","name":"calls","type":"tuple[]"}],"name":"tryAggregate","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall2.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"nonpayable","type":"function"}]`

var multicallABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(multicallABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid multicall ABI: %v", err))
	}
	return parsed
}()

// Call is one (target, calldata) pair of a bundle.
type Call struct {
	Target   common.Address
	CallData []byte
}

// Result mirrors one tryAggregate sub-call outcome. ReturnData is the raw
// ABI-encoded return of the sub-call and empty when Success is false.
type Result struct {
	Success    bool
	ReturnData []byte
}

// ContractCaller is the read-only call surface the bundler needs; both
// *ethclient.Client and the fan-out client satisfy it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Caller bundles calls against one aggregator contract.
type Caller struct {
	contract common.Address
	client   ContractCaller
}

// New returns a Caller bound to the aggregator deployed at contract.
func New(contract common.Address, client ContractCaller) *Caller {
	return &Caller{contract: contract, client: client}
}

// TryAggregate executes calls as one bundle and returns the per-call
// results in input order. With requireSuccess false, failing sub-calls
// come back as {false, nil} instead of reverting the bundle. An empty
// input returns an empty result without touching the network. Errors
// propagate as-is; there is no retry.
func (c *Caller) TryAggregate(ctx context.Context, requireSuccess bool, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	input, err := multicallABI.Pack("tryAggregate", requireSuccess, calls)
	if err != nil {
		return nil, fmt.Errorf("pack tryAggregate: %w", err)
	}
	ret, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", c.contract, err)
	}
	out, err := multicallABI.Unpack("tryAggregate", ret)
	if err != nil {
		return nil, fmt.Errorf("unpack tryAggregate return: %w", err)
	}
	results := *abi.ConvertType(out[0], new([]Result)).(*[]Result)
	if len(results) != len(calls) {
		return nil, fmt.Errorf("aggregator returned %d results for %d calls", len(results), len(calls))
	}
	return results, nil
}
