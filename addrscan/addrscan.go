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

// Package addrscan extracts address candidates from raw calldata and
// receipt logs without ABI knowledge. Proper ABI decoding would need a
// schema per function; scanning for address-shaped 32-byte words catches
// the overwhelming majority of swap/transfer/approval targets at no
// schema cost, at the price of the occasional false positive (which the
// watchlist match then ignores).
package addrscan

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferSelector is the 4-byte selector of ERC20 transfer(address,uint256).
var TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// FromCalldata scans data in 32-byte words, once from offset 0 and once
// from offset 4 (past the selector), and returns every word whose first 12
// bytes are zero and whose trailing 20 bytes are a plausible address.
// Results are unique in encounter order.
func FromCalldata(data []byte) []common.Address {
	var (
		out  []common.Address
		seen = make(map[common.Address]struct{})
	)
	for _, origin := range []int{0, 4} {
		for i := origin; i+32 <= len(data); i += 32 {
			word := data[i : i+32]
			if !isAddressWord(word) {
				continue
			}
			addr := common.BytesToAddress(word[12:])
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// FromLogs returns the unique emitting addresses of logs in encounter order.
func FromLogs(logs []*types.Log) []common.Address {
	var (
		out  []common.Address
		seen = make(map[common.Address]struct{})
	)
	for _, l := range logs {
		if _, ok := seen[l.Address]; ok {
			continue
		}
		seen[l.Address] = struct{}{}
		out = append(out, l.Address)
	}
	return out
}

// TransferRecipient returns the recipient of an ERC20 transfer call. It
// requires the transfer selector followed by at least 36 bytes of
// arguments; the recipient is the trailing 20 bytes of the first word.
func TransferRecipient(data []byte) (common.Address, bool) {
	if len(data) < 4+36 || !bytes.HasPrefix(data, TransferSelector) {
		return common.Address{}, false
	}
	return common.BytesToAddress(data[16:36]), true
}

// isAddressWord reports whether a 32-byte word looks like an ABI-encoded
// address: zero padding up front, non-zero payload behind. The zero
// address is rejected since it never identifies a real account.
func isAddressWord(word []byte) bool {
	for _, b := range word[:12] {
		if b != 0 {
			return false
		}
	}
	for _, b := range word[12:] {
		if b != 0 {
			return true
		}
	}
	return false
}
