// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Librarian maintains an in-memory keyword index over memory facts. The
// durable keywords table is the source of truth; this structure is a cache
// rehydrated on startup and kept current on every Remember.
type Librarian struct {
	ledger *Ledger
	mu     sync.RWMutex
	index  map[string]map[string]struct{} // keyword -> set of memory keys
}

// NewLibrarian builds a Librarian over the given ledger and rehydrates the
// index from the durable keywords table.
func NewLibrarian(ctx context.Context, l *Ledger) (*Librarian, error) {
	lib := &Librarian{
		ledger: l,
		index:  make(map[string]map[string]struct{}),
	}
	stored, err := l.LoadKeywords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate keyword index: %w", err)
	}
	for keyword, keys := range stored {
		set := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
		lib.index[keyword] = set
	}
	return lib, nil
}

// Index tokenizes the key and value text of a fact and records each token
// in both the durable reverse index and the in-memory cache.
func (lib *Librarian) Index(ctx context.Context, memoryKey string, texts ...string) error {
	tokens := make(map[string]struct{})
	for _, kw := range tokenize(memoryKey) {
		tokens[kw] = struct{}{}
	}
	for _, text := range texts {
		for _, kw := range tokenize(text) {
			tokens[kw] = struct{}{}
		}
	}

	for kw := range tokens {
		if err := lib.ledger.SaveKeyword(ctx, kw, memoryKey); err != nil {
			return err
		}
	}

	lib.mu.Lock()
	defer lib.mu.Unlock()
	for kw := range tokens {
		set, ok := lib.index[kw]
		if !ok {
			set = make(map[string]struct{})
			lib.index[kw] = set
		}
		set[memoryKey] = struct{}{}
	}
	return nil
}

// scored pairs a memory key with its keyword overlap count.
type scored struct {
	key  string
	hits int
}

// Search returns the memory facts most relevant to the query terms: ranked
// by keyword overlap, ties broken by stored importance and access count.
func (lib *Librarian) Search(ctx context.Context, query string, limit int) ([]*Fact, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	lib.mu.RLock()
	hits := make(map[string]int)
	for _, term := range terms {
		for key := range lib.index[term] {
			hits[key]++
		}
	}
	lib.mu.RUnlock()

	if len(hits) == 0 {
		return nil, nil
	}

	ranked := make([]scored, 0, len(hits))
	for key, n := range hits {
		ranked = append(ranked, scored{key: key, hits: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].hits != ranked[j].hits {
			return ranked[i].hits > ranked[j].hits
		}
		return ranked[i].key < ranked[j].key
	})

	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}

	var facts []*Fact
	for _, r := range ranked[:limit] {
		f, err := lib.ledger.Recall(ctx, r.key)
		if err != nil {
			return nil, err
		}
		if f != nil && f.Category != "forgotten" {
			facts = append(facts, f)
		}
	}
	return facts, nil
}

// KeywordCount reports the number of distinct keywords in the cache.
func (lib *Librarian) KeywordCount() int {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return len(lib.index)
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "to": {}, "and": {},
	"in": {}, "on": {}, "for": {}, "is": {}, "it": {}, "with": {},
}

// tokenize lowercases and splits text on non-alphanumeric runes, dropping
// stopwords and single-character tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var tokens []string
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
