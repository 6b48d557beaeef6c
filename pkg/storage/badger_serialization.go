// Package storage - key layout and serialization helpers for BadgerDB.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/orneryd/embergraph/pkg/value"
)

// Key prefixes for BadgerDB storage organization.
// Each keyspace is independent; ids are 8-byte big-endian so prefix scans
// come back in ascending id order.
const (
	prefixNode      = byte(0x01) // node:id -> JSON(Node)
	prefixRel       = byte(0x02) // rel:id -> JSON(Relationship)
	prefixLabel     = byte(0x03) // label:str(label):nodeID -> empty
	prefixOutgoing  = byte(0x04) // out:nodeID:str(type):relID -> otherID
	prefixIncoming  = byte(0x05) // in:nodeID:str(type):relID -> otherID
	prefixIndex     = byte(0x06) // idx:str(label):str(prop):valueKey:nodeID -> empty
	prefixSchema    = byte(0x07) // schema:str(label):str(prop) -> empty
	prefixMeta      = byte(0x08) // meta:name -> value
	idWidth         = 8
	metaStoreID     = "store-id"
	metaNodeSeq     = "seq/node"
	metaRelSeq      = "seq/rel"
	metaNodeCount   = "count/nodes"
	metaRelCount    = "count/rels"
	sequenceLeasing = 128
)

// appendString writes a length-prefixed string so that no string is a
// byte prefix of a different, longer one.
func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendID(b []byte, id uint64) []byte {
	return binary.BigEndian.AppendUint64(b, id)
}

// trailingID reads the 8-byte id at the end of key.
func trailingID(key []byte) uint64 {
	if len(key) < idWidth {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-idWidth:])
}

func nodeKey(id NodeID) []byte {
	return appendID([]byte{prefixNode}, uint64(id))
}

func relKey(id RelID) []byte {
	return appendID([]byte{prefixRel}, uint64(id))
}

func labelPrefix(label string) []byte {
	return appendString([]byte{prefixLabel}, label)
}

func labelKey(label string, id NodeID) []byte {
	return appendID(labelPrefix(label), uint64(id))
}

func adjacencyPrefixByte(dir Direction) byte {
	if dir == Incoming {
		return prefixIncoming
	}
	return prefixOutgoing
}

// adjacencyPrefix addresses one side of a node's adjacency. With a type it
// narrows the scan to that type only.
func adjacencyPrefix(node NodeID, dir Direction, relType string) []byte {
	b := appendID([]byte{adjacencyPrefixByte(dir)}, uint64(node))
	if relType != "" {
		b = appendString(b, relType)
	}
	return b
}

func adjacencyKey(node NodeID, dir Direction, relType string, rel RelID) []byte {
	b := appendID([]byte{adjacencyPrefixByte(dir)}, uint64(node))
	b = appendString(b, relType)
	return appendID(b, uint64(rel))
}

// indexPairPrefix addresses every entry of one (label, property) index.
func indexPairPrefix(label, property string) []byte {
	b := appendString([]byte{prefixIndex}, label)
	return appendString(b, property)
}

// indexPrefix addresses the entries of one value. value.AppendKey is
// self-delimiting and order-preserving, so entries of one pair sort by
// value and a range of values is a contiguous key range.
func indexPrefix(key IndexKey) []byte {
	return value.AppendKey(indexPairPrefix(key.Label, key.Property), key.Value)
}

func indexEntryKey(key IndexKey, id NodeID) []byte {
	return appendID(indexPrefix(key), uint64(id))
}

func schemaKey(p IndexPair) []byte {
	b := appendString([]byte{prefixSchema}, p.Label)
	return appendString(b, p.Property)
}

func decodeSchemaKey(key []byte) (IndexPair, error) {
	rest := key[1:]
	label, rest, err := readString(rest)
	if err != nil {
		return IndexPair{}, err
	}
	prop, _, err := readString(rest)
	if err != nil {
		return IndexPair{}, err
	}
	return IndexPair{Label: label, Property: prop}, nil
}

func readString(b []byte) (string, []byte, error) {
	n, w := binary.Uvarint(b)
	if w <= 0 || int(n) > len(b)-w {
		return "", nil, fmt.Errorf("corrupt length-prefixed string")
	}
	return string(b[w : w+int(n)]), b[w+int(n):], nil
}

func metaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}

// serializeNode converts a Node to JSON bytes for BadgerDB storage.
func serializeNode(node *Node) ([]byte, error) {
	return json.Marshal(node)
}

// deserializeNode converts JSON bytes back to a Node.
func deserializeNode(data []byte) (*Node, error) {
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("unmarshaling node: %w", err)
	}
	if node.Properties == nil {
		node.Properties = value.Properties{}
	}
	return &node, nil
}

// serializeRelationship converts a Relationship to JSON bytes.
func serializeRelationship(rel *Relationship) ([]byte, error) {
	return json.Marshal(rel)
}

// deserializeRelationship converts JSON bytes back to a Relationship.
func deserializeRelationship(data []byte) (*Relationship, error) {
	var rel Relationship
	if err := json.Unmarshal(data, &rel); err != nil {
		return nil, fmt.Errorf("unmarshaling relationship: %w", err)
	}
	if rel.Properties == nil {
		rel.Properties = value.Properties{}
	}
	return &rel, nil
}
