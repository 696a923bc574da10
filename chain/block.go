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

package chain

import "github.com/ethereum/go-ethereum/common"

// Block is the normalized block carried through the pipeline. Txs preserves
// the canonical intra-block order.
type Block struct {
	Number uint64
	Hash   common.Hash
	Time   uint64
	Txs    []*Transaction
}
