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
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-sql-driver/mysql"
)

// SQLConfig locates the shared relational database.
type SQLConfig struct {
	Host     string
	User     string
	Password string
	Database string
}

func (c SQLConfig) dsn() string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = c.Host
	mc.User = c.User
	mc.Passwd = c.Password
	mc.DBName = c.Database
	mc.ParseTime = true
	return mc.FormatDSN()
}

const (
	createAccessTable = `CREATE TABLE IF NOT EXISTS access (
	chat_id  BIGINT NOT NULL,
	bot_id   VARCHAR(64) NOT NULL,
	username VARCHAR(255) NOT NULL DEFAULT '',
	alltx    TINYINT(1) NOT NULL DEFAULT 0,
	swap     TINYINT(1) NOT NULL DEFAULT 0,
	deploy   TINYINT(1) NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, bot_id)
)`
	createWatchlistTable = `CREATE TABLE IF NOT EXISTS watchlist (
	address  VARCHAR(42) NOT NULL,
	chat_id  BIGINT NOT NULL,
	bot_id   VARCHAR(64) NOT NULL,
	username VARCHAR(255) NOT NULL DEFAULT '',
	name     VARCHAR(255) NOT NULL DEFAULT '',
	time     DATETIME NOT NULL,
	blocked  TINYINT(1) NOT NULL DEFAULT 0,
	tx_in    TINYINT(1) NOT NULL DEFAULT 0,
	tx_out   TINYINT(1) NOT NULL DEFAULT 1,
	PRIMARY KEY (address, chat_id, bot_id)
)`
	createCEXTable = `CREATE TABLE IF NOT EXISTS cex (
	address VARCHAR(42) NOT NULL PRIMARY KEY,
	name    VARCHAR(255) NOT NULL
)`
)

// WatchRow is one watchlist subscription: a watched address bound to a
// delivery target. Incoming/Outgoing gate which transaction directions
// the subscriber wants.
type WatchRow struct {
	Address  string
	ChatID   int64
	BotID    string
	Username string
	Name     string
	Blocked  bool
	Incoming bool
	Outgoing bool
}

// Subscriber returns the composite delivery key "<chat_id>@<bot_id>".
func (w WatchRow) Subscriber() string {
	return fmt.Sprintf("%d@%s", w.ChatID, w.BotID)
}

// AccessRow is one chat's permission record.
type AccessRow struct {
	ChatID   int64
	BotID    string
	Username string
	AllTx    bool
	Swap     bool
	Deploy   bool
}

// SharedDB is the operator-shared relational store.
type SharedDB struct {
	db  *sql.DB
	log log.Logger
}

// OpenShared connects to the shared database and ensures the schema.
func OpenShared(cfg SQLConfig) (*SharedDB, error) {
	db, err := sql.Open("mysql", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open shared db: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping shared db %s: %w", cfg.Host, err)
	}
	for _, ddl := range []string{createAccessTable, createWatchlistTable, createCEXTable} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create shared schema: %w", err)
		}
	}
	return &SharedDB{db: db, log: log.New("db", "shared")}, nil
}

func (s *SharedDB) Close() error {
	return s.db.Close()
}

// Watchlist returns every non-blocked subscription.
func (s *SharedDB) Watchlist(ctx context.Context) ([]WatchRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, chat_id, bot_id, username, name, blocked, tx_in, tx_out FROM watchlist WHERE blocked = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWatchRows(rows)
}

// WatchesOf returns one chat's subscriptions on one bot.
func (s *SharedDB) WatchesOf(ctx context.Context, chatID int64, botID string) ([]WatchRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, chat_id, bot_id, username, name, blocked, tx_in, tx_out FROM watchlist
		 WHERE chat_id = ? AND bot_id = ? AND blocked = 0 ORDER BY time`, chatID, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWatchRows(rows)
}

func scanWatchRows(rows *sql.Rows) ([]WatchRow, error) {
	var out []WatchRow
	for rows.Next() {
		var w WatchRow
		if err := rows.Scan(&w.Address, &w.ChatID, &w.BotID, &w.Username, &w.Name, &w.Blocked, &w.Incoming, &w.Outgoing); err != nil {
			return nil, err
		}
		w.Address = strings.ToLower(w.Address)
		out = append(out, w)
	}
	return out, rows.Err()
}

// AddWatch inserts a subscription. New entries keep the historical
// direction defaults (incoming muted, outgoing on) unless the row says
// otherwise. Duplicate (address, chat, bot) inserts update the name only.
func (s *SharedDB) AddWatch(ctx context.Context, w WatchRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watchlist (address, chat_id, bot_id, username, name, time, blocked, tx_in, tx_out)
		 VALUES (?, ?, ?, ?, ?, NOW(), 0, ?, ?)
		 ON DUPLICATE KEY UPDATE name = VALUES(name), blocked = 0`,
		strings.ToLower(w.Address), w.ChatID, w.BotID, w.Username, w.Name, w.Incoming, w.Outgoing)
	return err
}

// RemoveWatch deletes a subscription.
func (s *SharedDB) RemoveWatch(ctx context.Context, address string, chatID int64, botID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM watchlist WHERE address = ? AND chat_id = ? AND bot_id = ?`,
		strings.ToLower(address), chatID, botID)
	return err
}

// MarkBlocked flags every subscription of an unreachable chat so the
// refresher stops routing to it.
func (s *SharedDB) MarkBlocked(ctx context.Context, chatID int64, botID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watchlist SET blocked = 1 WHERE chat_id = ? AND bot_id = ?`, chatID, botID)
	return err
}

// Access fetches a chat's permission record.
func (s *SharedDB) Access(ctx context.Context, chatID int64, botID string) (AccessRow, bool, error) {
	var a AccessRow
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, bot_id, username, alltx, swap, deploy FROM access WHERE chat_id = ? AND bot_id = ?`,
		chatID, botID).Scan(&a.ChatID, &a.BotID, &a.Username, &a.AllTx, &a.Swap, &a.Deploy)
	if err == sql.ErrNoRows {
		return AccessRow{}, false, nil
	}
	if err != nil {
		return AccessRow{}, false, err
	}
	return a, true, nil
}

// GrantAccess upserts a chat's permission record.
func (s *SharedDB) GrantAccess(ctx context.Context, a AccessRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access (chat_id, bot_id, username, alltx, swap, deploy) VALUES (?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE username = VALUES(username), alltx = VALUES(alltx), swap = VALUES(swap), deploy = VALUES(deploy)`,
		a.ChatID, a.BotID, a.Username, a.AllTx, a.Swap, a.Deploy)
	return err
}

// CEXNames loads the exchange address labels, keyed by lower-cased address.
func (s *SharedDB) CEXNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, name FROM cex`)
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
		out[strings.ToLower(address)] = name
	}
	return out, rows.Err()
}
