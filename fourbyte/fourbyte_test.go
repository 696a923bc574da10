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

package fourbyte

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evmwatch/evmwatch/store"
)

func emptyDirectory() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"results":[]}`)
	}))
}

func emptyOpenchain() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"function":{}}}`)
	}))
}

func newTestResolver(t *testing.T, st Store, directory, openchain *httptest.Server) *Resolver {
	t.Helper()
	return NewResolver(st, Config{
		DirectoryURL: directory.URL,
		OpenchainURL: openchain.URL,
		CacheSize:    16,
	}, nil)
}

func openStore(t *testing.T) *store.LocalDB {
	t.Helper()
	db, err := store.OpenLocal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolvePrefersEarliestDirectoryEntry(t *testing.T) {
	var (
		directoryHits atomic.Int64
		gotQuery      atomic.Value
	)
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		directoryHits.Add(1)
		gotQuery.Store(r.URL.Query().Get("hex_signature"))
		fmt.Fprint(w, `{"results":[
			{"id":31780,"text_signature":"many_msg_babbage(bytes1)"},
			{"id":145,"text_signature":"transfer(address,uint256)"}
		]}`)
	}))
	defer directory.Close()
	openchain := emptyOpenchain()
	defer openchain.Close()

	db := openStore(t)
	r := newTestResolver(t, db, directory, openchain)

	got := r.Resolve(context.Background(), "0xA9059CBB")
	require.Equal(t, "transfer(address,uint256)", got)
	require.Equal(t, "0xa9059cbb", gotQuery.Load(), "selector must be queried lower-cased")

	// Memoized: no second registry hit.
	require.Equal(t, "transfer(address,uint256)", r.Resolve(context.Background(), "0xa9059cbb"))
	require.EqualValues(t, 1, directoryHits.Load())

	// Persisted: a fresh resolver against dead registries still answers.
	directory.Close()
	openchain.Close()
	r2 := newTestResolver(t, db, directory, openchain)
	require.Equal(t, "transfer(address,uint256)", r2.Resolve(context.Background(), "0xa9059cbb"))
}

func TestResolveOpenchainAnswer(t *testing.T) {
	directory := emptyDirectory()
	defer directory.Close()
	openchain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sel := r.URL.Query().Get("function")
		fmt.Fprintf(w, `{"ok":true,"result":{"function":{"%s":[{"name":"swap(uint256,uint256,address,bytes)"}]}}}`, sel)
	}))
	defer openchain.Close()

	r := newTestResolver(t, openStore(t), directory, openchain)
	require.Equal(t, "swap(uint256,uint256,address,bytes)", r.Resolve(context.Background(), "0x022c0d9f"))
}

func TestResolveUnknownFallsBack(t *testing.T) {
	var hits atomic.Int64
	count := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			h.ServeHTTP(w, r)
		})
	}
	directory := httptest.NewServer(count(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"results":[]}`)
	})))
	defer directory.Close()
	openchain := httptest.NewServer(count(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"function":{}}}`)
	})))
	defer openchain.Close()

	r := newTestResolver(t, openStore(t), directory, openchain)
	require.Equal(t, "0xdeadbeef", r.Resolve(context.Background(), "0xdeadbeef"))
	require.EqualValues(t, 2, hits.Load())

	// Unknowns are memoized in memory for the session.
	require.Equal(t, "0xdeadbeef", r.Resolve(context.Background(), "0xdeadbeef"))
	require.EqualValues(t, 2, hits.Load())
}

func TestResolveIgnoresNonSelectors(t *testing.T) {
	directory := emptyDirectory()
	defer directory.Close()
	openchain := emptyOpenchain()
	defer openchain.Close()

	r := newTestResolver(t, openStore(t), directory, openchain)
	require.Equal(t, "0x", r.Resolve(context.Background(), "0x"))
	require.Equal(t, "0xa9059c", r.Resolve(context.Background(), "0xa9059c"))
}
