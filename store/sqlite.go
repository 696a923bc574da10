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

// Package store wires the monitor's persistence: an embedded sqlite
// database for node-local caches (token metadata, address names, function
// signatures), a shared MySQL database for the operator-facing state
// (watchlist, access, exchange labels) and the plain-file block
// checkpoint. Address and selector keys are stored lower-cased.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	_ "modernc.org/sqlite"
)

const (
	createTokensTable = `CREATE TABLE IF NOT EXISTS tokens (
	address  TEXT PRIMARY KEY,
	symbol   TEXT NOT NULL,
	decimals INTEGER NOT NULL
)`
	createNamesTable = `CREATE TABLE IF NOT EXISTS ens (
	address TEXT PRIMARY KEY,
	name    TEXT NOT NULL
)`
	createSelectorsTable = `CREATE TABLE IF NOT EXISTS selectors (
	selector  TEXT PRIMARY KEY,
	signature TEXT NOT NULL
)`
)

// TokenRow is one persisted token metadata record.
type TokenRow struct {
	Symbol   string
	Decimals uint8
}

// LocalDB is the embedded node-local cache database.
type LocalDB struct {
	db  *sql.DB
	log log.Logger
}

// OpenLocal opens (creating if needed) the local cache database at path.
// The special path ":memory:" yields a throwaway in-memory database.
func OpenLocal(path string) (*LocalDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local db %s: %w", path, err)
	}
	// All access runs through a single connection: the driver serializes
	// writers itself, and one connection keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	for _, ddl := range []string{createTokensTable, createNamesTable, createSelectorsTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create local schema: %w", err)
		}
	}
	return &LocalDB{db: db, log: log.New("db", "local")}, nil
}

func (l *LocalDB) Close() error {
	return l.db.Close()
}

// PutToken persists one token record. Existing rows win: the cache is
// write-once per address.
func (l *LocalDB) PutToken(ctx context.Context, address, symbol string, decimals uint8) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tokens (address, symbol, decimals) VALUES (?, ?, ?)`,
		strings.ToLower(address), symbol, decimals)
	return err
}

// Tokens loads every persisted token record, keyed by lower-cased address.
func (l *LocalDB) Tokens(ctx context.Context) (map[string]TokenRow, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT address, symbol, decimals FROM tokens`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]TokenRow)
	for rows.Next() {
		var (
			address string
			row     TokenRow
		)
		if err := rows.Scan(&address, &row.Symbol, &row.Decimals); err != nil {
			return nil, err
		}
		out[address] = row
	}
	return out, rows.Err()
}

// PutName stores an address display name.
func (l *LocalDB) PutName(ctx context.Context, address, name string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ens (address, name) VALUES (?, ?) ON CONFLICT(address) DO UPDATE SET name=excluded.name`,
		strings.ToLower(address), name)
	return err
}

// Names loads the whole address→name table. It is read once at startup
// and served from memory afterwards.
func (l *LocalDB) Names(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT address, name FROM ens`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var address, name string
		if err := rows.Scan(&address, &name); err != nil {
			return nil, err
		}
		out[address] = name
	}
	return out, rows.Err()
}

// Selector returns the cached signature for a 0x-prefixed 4-byte selector.
func (l *LocalDB) Selector(ctx context.Context, selector string) (string, bool, error) {
	var signature string
	err := l.db.QueryRowContext(ctx,
		`SELECT signature FROM selectors WHERE selector = ?`, strings.ToLower(selector)).Scan(&signature)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return signature, true, nil
}

// PutSelector caches a resolved signature.
func (l *LocalDB) PutSelector(ctx context.Context, selector, signature string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO selectors (selector, signature) VALUES (?, ?)`,
		strings.ToLower(selector), signature)
	return err
}
