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

// Package chain holds the normalized transaction and block model shared by
// the ingestion, routing and rendering layers. Values are plain data,
// detached from the RPC types they were built from: once constructed they
// are treated as immutable and may be shared across goroutines.
package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Origin tells where a transaction was first observed.
type Origin string

const (
	OriginBlock   Origin = "block"
	OriginMempool Origin = "mempool"
)

// Transaction is the chain-agnostic view of a transaction as the monitor
// passes it through the pipeline. From is always populated; To is nil for
// contract creations. BlockNumber and BlockHash are nil while the
// transaction is pending.
type Transaction struct {
	Hash        common.Hash
	ChainID     *big.Int
	BlockNumber *big.Int
	BlockHash   *common.Hash
	Index       uint
	From        common.Address
	To          *common.Address
	Nonce       uint64
	Gas         uint64
	GasPrice    *big.Int
	GasFeeCap   *big.Int
	GasTipCap   *big.Int
	Value       *big.Int
	Data        []byte
	Origin      Origin
}

// NewTransaction normalizes a raw transaction. The sender is recovered from
// the signature using the latest signer for chainID, so the caller never
// deals with signature schemes. blockNumber, blockHash and index describe
// the inclusion position and are nil/zero for pending transactions.
func NewTransaction(tx *types.Transaction, chainID *big.Int, blockNumber *big.Int, blockHash *common.Hash, index uint, origin Origin) (*Transaction, error) {
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender of %s: %w", tx.Hash(), err)
	}
	return &Transaction{
		Hash:        tx.Hash(),
		ChainID:     chainID,
		BlockNumber: blockNumber,
		BlockHash:   blockHash,
		Index:       index,
		From:        from,
		To:          tx.To(),
		Nonce:       tx.Nonce(),
		Gas:         tx.Gas(),
		GasPrice:    tx.GasPrice(),
		GasFeeCap:   tx.GasFeeCap(),
		GasTipCap:   tx.GasTipCap(),
		Value:       tx.Value(),
		Data:        tx.Data(),
		Origin:      origin,
	}, nil
}

// IsCreation reports whether the transaction deploys a contract.
func (t *Transaction) IsCreation() bool {
	return t.To == nil
}

// Pending reports whether the transaction has no known inclusion block.
func (t *Transaction) Pending() bool {
	return t.BlockNumber == nil
}

// Selector returns the 4-byte function selector as a 0x-prefixed hex
// string, or "0x" when the calldata is shorter than a selector. Plain
// value transfers therefore yield "0x".
func (t *Transaction) Selector() string {
	if len(t.Data) < 4 {
		return "0x"
	}
	return hexutil.Encode(t.Data[:4])
}
