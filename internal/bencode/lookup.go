package bencode

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrKind           = errors.New("bencode: unexpected node kind")
	ErrLengthMismatch = errors.New("bencode: string length disagrees with its prefix")
)

// Get returns the value stored under key in dict. Lookup scans in
// insertion order, so with duplicate keys the first one wins.
func Get(dict *Node, key string) (*Node, bool) {
	if dict == nil || dict.kind != KindDict {
		return nil, false
	}
	for i := range dict.dict {
		if dict.dict[i].Key == key {
			return dict.dict[i].Value, true
		}
	}
	return nil, false
}

// Get2 looks up key1 in dict, which must yield a dict, then key2 in that.
func Get2(dict *Node, key1, key2 string) (*Node, bool) {
	inner, ok := Get(dict, key1)
	if !ok || inner.kind != KindDict {
		return nil, false
	}
	return Get(inner, key2)
}

func AsInt(n *Node) (int64, error) {
	if n == nil || n.kind != KindInt {
		return 0, kindErr(n, KindInt)
	}
	return n.num, nil
}

// AsBytes returns binary-safe string contents.
func AsBytes(n *Node) ([]byte, error) {
	if n == nil || n.kind != KindString {
		return nil, kindErr(n, KindString)
	}
	if n.declen != len(n.str) {
		return nil, ErrLengthMismatch
	}
	return n.str, nil
}

// AsText returns the contents of a textual field. Text fields never carry
// NUL, so a NUL byte means the prefix and the terminated length disagree.
func AsText(n *Node) (string, error) {
	b, err := AsBytes(n)
	if err != nil {
		return "", err
	}
	if bytes.IndexByte(b, 0) >= 0 {
		return "", ErrLengthMismatch
	}
	return string(b), nil
}

func kindErr(n *Node, want Kind) error {
	if n == nil {
		return fmt.Errorf("%w: want %s, got nothing", ErrKind, want)
	}
	return fmt.Errorf("%w: want %s, got %s", ErrKind, want, n.kind)
}
