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

// Package fourbyte turns 4-byte function selectors into human-readable
// signatures. Resolution is purely decorative: a selector that cannot be
// resolved is rendered as-is. Lookups go through an in-process LRU, then
// the local database, then two public signature registries queried in
// parallel; the first registry that answers with a real signature wins.
package fourbyte

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultDirectoryURL is the 4byte.directory signature endpoint.
	DefaultDirectoryURL = "https://www.4byte.directory/api/v1/signatures/"
	// DefaultOpenchainURL is the openchain.xyz signature endpoint.
	DefaultOpenchainURL = "https://api.openchain.xyz/signature-database/v1/lookup"

	defaultCacheSize = 4096
	requestTimeout   = 5 * time.Second
)

var (
	hitMeter    = metrics.NewRegisteredMeter("fourbyte/hits", nil)
	missMeter   = metrics.NewRegisteredMeter("fourbyte/misses", nil)
	remoteMeter = metrics.NewRegisteredMeter("fourbyte/remote", nil)
)

// Store is the persistent signature cache; satisfied by *store.LocalDB.
type Store interface {
	Selector(ctx context.Context, selector string) (string, bool, error)
	PutSelector(ctx context.Context, selector, signature string) error
}

// Config points the resolver at its registries. Zero values select the
// public defaults.
type Config struct {
	DirectoryURL string
	OpenchainURL string
	CacheSize    int
}

// Resolver memoizes selector lookups for the lifetime of the process.
type Resolver struct {
	store        Store
	memo         *lru.Cache
	client       *retryablehttp.Client
	directoryURL string
	openchainURL string
	log          log.Logger
}

// NewResolver builds a resolver over the given persistent cache.
func NewResolver(st Store, cfg Config, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.Root()
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = DefaultDirectoryURL
	}
	if cfg.OpenchainURL == "" {
		cfg.OpenchainURL = DefaultOpenchainURL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	memo, err := lru.New(cfg.CacheSize)
	if err != nil {
		panic(err) // only fails on size <= 0
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = requestTimeout
	client.Logger = nil

	return &Resolver{
		store:        st,
		memo:         memo,
		client:       client,
		directoryURL: cfg.DirectoryURL,
		openchainURL: cfg.OpenchainURL,
		log:          logger,
	}
}

// Resolve maps a 0x-prefixed selector to its signature, falling back to
// the selector itself when nothing is known. Unresolvable selectors are
// memoized in memory only, so a registry entry added later is still
// picked up after a restart.
func (r *Resolver) Resolve(ctx context.Context, selector string) string {
	selector = strings.ToLower(selector)
	if len(selector) != 10 || !strings.HasPrefix(selector, "0x") {
		return selector
	}
	if cached, ok := r.memo.Get(selector); ok {
		hitMeter.Mark(1)
		return cached.(string)
	}
	if sig, ok, err := r.store.Selector(ctx, selector); err == nil && ok {
		hitMeter.Mark(1)
		r.memo.Add(selector, sig)
		return sig
	} else if err != nil {
		r.log.Warn("Signature cache read failed", "selector", selector, "err", err)
	}
	missMeter.Mark(1)

	sig := r.remoteLookup(ctx, selector)
	if sig == selector {
		r.memo.Add(selector, selector)
		return selector
	}
	remoteMeter.Mark(1)
	r.memo.Add(selector, sig)
	if err := r.store.PutSelector(ctx, selector, sig); err != nil {
		r.log.Warn("Signature cache write failed", "selector", selector, "err", err)
	}
	return sig
}

// remoteLookup races both registries and returns the first real answer,
// or the selector when neither knows it.
func (r *Resolver) remoteLookup(ctx context.Context, selector string) string {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	answers := make(chan string, 2)
	go func() { answers <- r.queryDirectory(ctx, selector) }()
	go func() { answers <- r.queryOpenchain(ctx, selector) }()

	for i := 0; i < 2; i++ {
		if sig := <-answers; sig != "" {
			cancel()
			return sig
		}
	}
	return selector
}

func (r *Resolver) get(ctx context.Context, rawURL string, out interface{}) error {
	req, err := retryablehttp.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *Resolver) queryDirectory(ctx context.Context, selector string) string {
	var reply struct {
		Results []struct {
			ID            int    `json:"id"`
			TextSignature string `json:"text_signature"`
		} `json:"results"`
	}
	rawURL := r.directoryURL + "?hex_signature=" + url.QueryEscape(selector)
	if err := r.get(ctx, rawURL, &reply); err != nil {
		r.log.Debug("Signature registry query failed", "registry", "directory", "selector", selector, "err", err)
		return ""
	}
	// The earliest registration is the least likely to be a collision.
	best := ""
	bestID := 0
	for _, res := range reply.Results {
		if res.TextSignature == "" {
			continue
		}
		if best == "" || res.ID < bestID {
			best, bestID = res.TextSignature, res.ID
		}
	}
	return best
}

func (r *Resolver) queryOpenchain(ctx context.Context, selector string) string {
	var reply struct {
		Ok     bool `json:"ok"`
		Result struct {
			Function map[string][]struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"result"`
	}
	rawURL := r.openchainURL + "?function=" + url.QueryEscape(selector) + "&filter=true"
	if err := r.get(ctx, rawURL, &reply); err != nil {
		r.log.Debug("Signature registry query failed", "registry", "openchain", "selector", selector, "err", err)
		return ""
	}
	if !reply.Ok {
		return ""
	}
	for _, entry := range reply.Result.Function[selector] {
		if entry.Name != "" {
			return entry.Name
		}
	}
	return ""
}
