// Package legacyv1 reads a v1 triple-store export and replays it as
// CreateNode/CreateEdge/SetNodeProperty calls against a v2 WriteTxn.
// It is archival only: the live write/read path never imports it, and it
// exists purely to move data out of the embedded-KV hex-index triple store
// the legacy tree used before the pager/WAL/CSR rewrite.
package legacyv1

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

// Record is one decoded line of a v1 export: a (subject, predicate,
// object) triple over hex-encoded external ids, the same encoding the
// legacy store used as its on-disk key.
type Record struct {
	Subject   string // hex-encoded external id
	Predicate string
	Object    string
}

const (
	predLabel     = "@label"
	predRelPrefix = "@rel:"
)

// ParseLine decodes one "<subject-hex> <predicate> <object>" export line.
// predLabel declares a node's primary label; a predRelPrefix predicate
// declares an edge to the hex-encoded node named by Object; anything else
// is a plain string property.
func ParseLine(line string) (Record, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return Record{}, fmt.Errorf("legacyv1: malformed triple line %q", line)
	}
	if _, err := hex.DecodeString(fields[0]); err != nil {
		return Record{}, fmt.Errorf("legacyv1: subject %q is not hex: %w", fields[0], err)
	}
	return Record{Subject: fields[0], Predicate: fields[1], Object: fields[2]}, nil
}

// Migrate reads export lines from r and stages the equivalent node/edge/
// property mutations on txn, returning the number of triples applied. It
// requires a subject's @label triple to appear before any triple that
// references it (as a property subject or an edge endpoint), which is the
// order the v1 exporter always produces.
func Migrate(txn *storage.WriteTxn, engine *storage.GraphEngine, r io.Reader) (int, error) {
	nodeIDs := map[string]storage.InternalNodeId{}
	scanner := bufio.NewScanner(r)
	count := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			return count, err
		}

		switch {
		case rec.Predicate == predLabel:
			lbl, err := engine.EnsureLabel(rec.Object)
			if err != nil {
				return count, err
			}
			internal, err := txn.CreateNode(storage.ExternalId(rec.Subject), lbl)
			if err != nil {
				return count, err
			}
			nodeIDs[rec.Subject] = internal

		case strings.HasPrefix(rec.Predicate, predRelPrefix):
			src, ok := nodeIDs[rec.Subject]
			if !ok {
				return count, fmt.Errorf("legacyv1: edge references undeclared subject %s", rec.Subject)
			}
			dst, ok := nodeIDs[rec.Object]
			if !ok {
				return count, fmt.Errorf("legacyv1: edge references undeclared object %s", rec.Object)
			}
			rel, err := engine.EnsureRelType(strings.TrimPrefix(rec.Predicate, predRelPrefix))
			if err != nil {
				return count, err
			}
			if err := txn.CreateEdge(storage.EdgeKey{Src: src, Rel: rel, Dst: dst}); err != nil {
				return count, err
			}

		default:
			internal, ok := nodeIDs[rec.Subject]
			if !ok {
				return count, fmt.Errorf("legacyv1: property references undeclared subject %s", rec.Subject)
			}
			if err := txn.SetNodeProperty(internal, rec.Predicate, storage.StringValue(rec.Object)); err != nil {
				return count, err
			}
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("legacyv1: reading export: %w", err)
	}
	return count, nil
}
