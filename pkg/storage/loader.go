package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Dump format
//
// A dump is JSON lines. The first line is a header, followed by one line per
// node and then one line per relationship:
//
//	{"format":"embergraph-dump","version":1}
//	{"node":{"id":1,"labels":["User"],"properties":{"name":{"text":"Alice"}}}}
//	{"node":{"id":2,"labels":["User"],"properties":{"name":{"text":"Bob"}}}}
//	{"relationship":{"id":1,"type":"FRIEND","start":1,"end":2,"properties":{}}}
//
// Ids in a dump are only meaningful inside the dump: relationships refer to
// the ids of the node lines, and a restore allocates fresh ids.

const (
	dumpFormat  = "embergraph-dump"
	dumpVersion = 1

	maxDumpLine = 64 << 20
)

// DumpHeader is the first line of every dump.
type DumpHeader struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

// DumpRecord is one data line of a dump. Exactly one field is set.
type DumpRecord struct {
	Node         *Node         `json:"node,omitempty"`
	Relationship *Relationship `json:"relationship,omitempty"`
}

// DumpStats counts the records written or read.
type DumpStats struct {
	Nodes         int64 `json:"nodes"`
	Relationships int64 `json:"relationships"`
}

// WriteDump writes every node and relationship visible through r.
//
// Relationships are found through each node's outgoing adjacency, so every
// relationship is written exactly once and after both of its endpoints.
// WriteDump does not take a snapshot: a Reader that changes while the dump
// runs may yield a relationship whose endpoint was not written.
func WriteDump(r Reader, w io.Writer) (DumpStats, error) {
	var stats DumpStats
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	if err := enc.Encode(DumpHeader{Format: dumpFormat, Version: dumpVersion}); err != nil {
		return stats, fmt.Errorf("writing dump header: %w", err)
	}

	ids, err := r.AllNodeIDs()
	if err != nil {
		return stats, err
	}
	live := make([]NodeID, 0, len(ids))
	for _, id := range ids {
		n, err := r.GetNode(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("reading node %s: %w", id, err)
		}
		if err := enc.Encode(DumpRecord{Node: n}); err != nil {
			return stats, fmt.Errorf("writing node %s: %w", id, err)
		}
		live = append(live, id)
		stats.Nodes++
	}

	for _, id := range live {
		out, err := r.Neighbors(id, Outgoing, "")
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("reading adjacency of node %s: %w", id, err)
		}
		for _, nb := range out {
			rel, err := r.GetRelationship(nb.Rel)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return stats, fmt.Errorf("reading relationship %s: %w", nb.Rel, err)
			}
			if err := enc.Encode(DumpRecord{Relationship: rel}); err != nil {
				return stats, fmt.Errorf("writing relationship %s: %w", rel.ID, err)
			}
			stats.Relationships++
		}
	}

	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("flushing dump: %w", err)
	}
	return stats, nil
}

// ReadDump parses a dump and calls fn for every record in order.
//
// It stops at the first malformed line or the first error from fn. Format
// problems are reported as *ValidationError naming the line.
func ReadDump(r io.Reader, fn func(DumpRecord) error) (DumpStats, error) {
	var stats DumpStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxDumpLine)

	line := 0
	headerSeen := false
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		field := fmt.Sprintf("line %d", line)

		if !headerSeen {
			var h DumpHeader
			if err := json.Unmarshal(raw, &h); err != nil || h.Format != dumpFormat {
				return stats, invalid(field, "missing dump header", nil)
			}
			if h.Version != dumpVersion {
				return stats, invalid(field, fmt.Sprintf("unsupported dump version %d", h.Version), nil)
			}
			headerSeen = true
			continue
		}

		var rec DumpRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return stats, invalid(field, err.Error(), nil)
		}
		switch {
		case rec.Node != nil && rec.Relationship != nil:
			return stats, invalid(field, "record holds both a node and a relationship", nil)
		case rec.Node != nil:
			stats.Nodes++
		case rec.Relationship != nil:
			stats.Relationships++
		default:
			return stats, invalid(field, "empty record", nil)
		}
		if err := fn(rec); err != nil {
			return stats, err
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("reading dump: %w", err)
	}
	if !headerSeen {
		return stats, invalid("line 1", "missing dump header", nil)
	}
	return stats, nil
}
