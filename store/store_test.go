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
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *LocalDB {
	t.Helper()
	db, err := OpenLocal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTokenWriteOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutToken(ctx, "0xAbCd", "WETH", 18))
	// A second write for the same address must not clobber the first.
	require.NoError(t, db.PutToken(ctx, "0xabcd", "FAKE", 6))

	tokens, err := db.Tokens(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]TokenRow{"0xabcd": {Symbol: "WETH", Decimals: 18}}, tokens)
}

func TestNamesRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutName(ctx, "0xAA", "vitalik.eth"))
	require.NoError(t, db.PutName(ctx, "0xAA", "vitalik2.eth"))
	require.NoError(t, db.PutName(ctx, "0xBB", "binance hot"))

	names, err := db.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"0xaa": "vitalik2.eth", "0xbb": "binance hot"}, names)
}

func TestSelectorCache(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.Selector(ctx, "0xa9059cbb")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.PutSelector(ctx, "0xA9059CBB", "transfer(address,uint256)"))
	sig, ok, err := db.Selector(ctx, "0xa9059cbb")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "transfer(address,uint256)", sig)
}

func TestCheckpoint(t *testing.T) {
	cp := NewCheckpoint(filepath.Join(t.TempDir(), "last_block"))

	_, ok, err := cp.Load()
	require.NoError(t, err)
	require.False(t, ok, "fresh checkpoint must report absence")

	require.NoError(t, cp.Save(18243120))
	n, ok, err := cp.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(18243120), n)

	require.NoError(t, cp.Save(18243130))
	n, _, err = cp.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(18243130), n)
}

func TestSQLConfigDSN(t *testing.T) {
	cfg := SQLConfig{Host: "db.internal:3306", User: "watch", Password: "s3cret", Database: "evmwatch"}
	dsn := cfg.dsn()
	require.Contains(t, dsn, "watch:s3cret@tcp(db.internal:3306)/evmwatch")
	require.Contains(t, dsn, "parseTime=true")
}

func TestWatchRowSubscriber(t *testing.T) {
	w := WatchRow{ChatID: -100123, BotID: "alerts_bot"}
	require.Equal(t, "-100123@alerts_bot", w.Subscriber())
}
