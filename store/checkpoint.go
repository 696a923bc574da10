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

package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// Checkpoint persists the ingestor's high-water mark as a single ASCII
// integer in a plain file.
type Checkpoint struct {
	path string
}

// NewCheckpoint binds a checkpoint to path. The file is created on the
// first Save.
func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{path: path}
}

// Load reads the saved block number. The second return is false when no
// checkpoint exists yet.
func (c *Checkpoint) Load() (uint64, bool, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt checkpoint %s: %w", c.path, err)
	}
	return n, true, nil
}

// Save writes the block number.
func (c *Checkpoint) Save(n uint64) error {
	return os.WriteFile(c.path, []byte(strconv.FormatUint(n, 10)), 0644)
}
