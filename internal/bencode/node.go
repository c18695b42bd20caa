// Package bencode implements the length-prefixed, self-describing encoding
// used for every DHT datagram: byte-strings, integers, lists and dictionaries.
//
// Dictionaries keep their entries in insertion order; the encoder never sorts
// or deduplicates keys, so encode(decode(b)) reproduces b byte for byte.
package bencode

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Entry is one key/value pair of a dictionary.
type Entry struct {
	Key   string
	Value *Node
}

// Node is a tagged union over the four bencode value kinds.
// Build nodes with String, Text, Int, NewList and NewDict.
type Node struct {
	kind Kind

	str    []byte
	declen int // length prefix as read from the wire

	num  int64
	list []*Node
	dict []Entry
}

func String(b []byte) *Node {
	return &Node{kind: KindString, str: append([]byte(nil), b...), declen: len(b)}
}

func Text(s string) *Node {
	return &Node{kind: KindString, str: []byte(s), declen: len(s)}
}

func Int(n int64) *Node { return &Node{kind: KindInt, num: n} }

func NewList(items ...*Node) *Node {
	n := &Node{kind: KindList}
	for _, it := range items {
		n.Append(it)
	}
	return n
}

func NewDict() *Node { return &Node{kind: KindDict} }

func (n *Node) Kind() Kind { return n.kind }

// Append adds item to the end of a list node. It panics on any other kind.
func (n *Node) Append(item *Node) *Node {
	if n.kind != KindList {
		panic(fmt.Sprintf("bencode: Append on %s node", n.kind))
	}
	if item == nil {
		panic("bencode: Append of nil node")
	}
	n.list = append(n.list, item)
	return n
}

// Set appends key/value to a dict node in caller order. An existing key is
// not replaced. It panics on any other kind.
func (n *Node) Set(key string, v *Node) *Node {
	if n.kind != KindDict {
		panic(fmt.Sprintf("bencode: Set on %s node", n.kind))
	}
	if v == nil {
		panic("bencode: Set of nil node for key " + strconv.Quote(key))
	}
	n.dict = append(n.dict, Entry{Key: key, Value: v})
	return n
}

// Bytes returns the raw bytes of a string node, nil otherwise.
func (n *Node) Bytes() []byte {
	if n.kind != KindString {
		return nil
	}
	return n.str
}

func (n *Node) Items() []*Node {
	if n.kind != KindList {
		return nil
	}
	return n.list
}

func (n *Node) Entries() []Entry {
	if n.kind != KindDict {
		return nil
	}
	return n.dict
}

// Len is the byte length of a string, or the element count of a list or dict.
func (n *Node) Len() int {
	switch n.kind {
	case KindString:
		return len(n.str)
	case KindList:
		return len(n.list)
	case KindDict:
		return len(n.dict)
	default:
		return 0
	}
}

// Equal reports whether a and b are structurally identical.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindString:
		return bytes.Equal(a.str, b.str)
	case KindInt:
		return a.num == b.num
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.dict) != len(b.dict) {
			return false
		}
		for i := range a.dict {
			if a.dict[i].Key != b.dict[i].Key || !Equal(a.dict[i].Value, b.dict[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the tree in a JSON-like form for logs.
func (n *Node) String() string {
	var sb strings.Builder
	n.render(&sb)
	return sb.String()
}

func (n *Node) render(sb *strings.Builder) {
	switch n.kind {
	case KindString:
		if isPrintable(n.str) {
			sb.WriteString(strconv.Quote(string(n.str)))
		} else {
			fmt.Fprintf(sb, "0x%x", n.str)
		}
	case KindInt:
		sb.WriteString(strconv.FormatInt(n.num, 10))
	case KindList:
		sb.WriteByte('[')
		for i, it := range n.list {
			if i > 0 {
				sb.WriteByte(',')
			}
			it.render(sb)
		}
		sb.WriteByte(']')
	case KindDict:
		sb.WriteByte('{')
		for i, e := range n.dict {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(e.Key))
			sb.WriteByte(':')
			e.Value.render(sb)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString("<invalid>")
	}
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
