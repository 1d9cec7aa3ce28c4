// Package fts is an optional, archival-adjacent full-text sidecar: a small
// in-memory inverted index over a node's string properties, built on
// request from a storage.Snapshot rather than kept continuously in sync
// with the live write path. It is off by default and nothing in
// pkg/storage or pkg/cypher depends on it.
package fts

import (
	"sort"
	"strings"
	"unicode"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

// Config selects which properties are indexed. An empty Properties set
// means "all string properties", mirroring the legacy sidecar's
// all_string_props default mode.
type Config struct {
	Properties map[string]bool
}

// Match is one scored hit from a Search.
type Match struct {
	ID    storage.InternalNodeId
	Score float64
}

type posting struct {
	id   storage.InternalNodeId
	freq int
}

// Index is a per-property inverted index: property -> term -> postings.
// It holds no reference to the Snapshot it was built from; Rebuild must be
// called again to reflect later writes.
type Index struct {
	cfg   Config
	terms map[string]map[string][]posting
}

// New returns an empty index using cfg.
func New(cfg Config) *Index {
	return &Index{cfg: cfg, terms: map[string]map[string][]posting{}}
}

// Rebuild walks every live node in snap and reindexes its string
// properties from scratch, discarding whatever was indexed before.
func (x *Index) Rebuild(snap *storage.Snapshot) error {
	x.terms = map[string]map[string][]posting{}
	for _, id := range snap.Nodes() {
		props, err := snap.NodeProperties(id)
		if err != nil {
			return err
		}
		if err := x.indexNode(id, props); err != nil {
			return err
		}
	}
	return nil
}

// Upsert reindexes one node's properties without touching the rest of the
// index, for callers that track their own write log and want to avoid a
// full Rebuild per commit.
func (x *Index) Upsert(id storage.InternalNodeId, props *storage.OrderedMap) error {
	x.Delete(id)
	return x.indexNode(id, props)
}

// Delete removes every posting for id across all indexed properties.
func (x *Index) Delete(id storage.InternalNodeId) {
	for prop, postings := range x.terms {
		for term, list := range postings {
			filtered := list[:0]
			for _, p := range list {
				if p.id != id {
					filtered = append(filtered, p)
				}
			}
			if len(filtered) == 0 {
				delete(x.terms[prop], term)
			} else {
				x.terms[prop][term] = filtered
			}
		}
	}
}

func (x *Index) indexNode(id storage.InternalNodeId, props *storage.OrderedMap) error {
	if props == nil {
		return nil
	}
	for _, key := range props.Keys() {
		if len(x.cfg.Properties) > 0 && !x.cfg.Properties[key] {
			continue
		}
		v, _ := props.Get(key)
		if v.Tag != storage.TagString || v.S == "" {
			continue
		}
		freq := map[string]int{}
		for _, term := range tokenize(v.S) {
			freq[term]++
		}
		if len(freq) == 0 {
			continue
		}
		if x.terms[key] == nil {
			x.terms[key] = map[string][]posting{}
		}
		for term, f := range freq {
			x.terms[key][term] = append(x.terms[key][term], posting{id: id, freq: f})
		}
	}
	return nil
}

// Search returns nodes whose property field contains every term in query,
// scored by summed term frequency across the query's terms (higher is
// more relevant). An empty property or query yields no matches.
func (x *Index) Search(property, query string) []Match {
	if property == "" || query == "" {
		return nil
	}
	postings, ok := x.terms[property]
	if !ok {
		return nil
	}
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	scores := map[storage.InternalNodeId]float64{}
	matched := map[storage.InternalNodeId]int{}
	for _, term := range queryTerms {
		for _, p := range postings[term] {
			scores[p.id] += float64(p.freq)
			matched[p.id]++
		}
	}

	var out []Match
	for id, count := range matched {
		if count < len(queryTerms) {
			continue // require every query term to appear, like the BooleanQuery Must clause it mirrors
		}
		out = append(out, Match{ID: id, Score: scores[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
