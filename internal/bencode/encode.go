package bencode

import (
	"errors"
	"fmt"
	"strconv"
)

var ErrBufferTooSmall = errors.New("bencode: buffer too small")

// Encode returns the serialized form of n.
func Encode(n *Node) []byte {
	return AppendEncode(make([]byte, 0, EncodedLen(n)), n)
}

// EncodeTo serializes n into dst and returns the number of bytes written.
// Nothing is written when dst cannot hold the whole encoding.
func EncodeTo(dst []byte, n *Node) (int, error) {
	size := EncodedLen(n)
	if size > len(dst) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, size, len(dst))
	}
	out := AppendEncode(dst[:0], n)
	return len(out), nil
}

func AppendEncode(dst []byte, n *Node) []byte {
	switch n.kind {
	case KindString:
		return appendString(dst, n.str)
	case KindInt:
		dst = append(dst, 'i')
		dst = strconv.AppendInt(dst, n.num, 10)
		return append(dst, 'e')
	case KindList:
		dst = append(dst, 'l')
		for _, it := range n.list {
			dst = AppendEncode(dst, it)
		}
		return append(dst, 'e')
	case KindDict:
		dst = append(dst, 'd')
		for _, e := range n.dict {
			dst = appendString(dst, []byte(e.Key))
			dst = AppendEncode(dst, e.Value)
		}
		return append(dst, 'e')
	default:
		panic(fmt.Sprintf("bencode: encode of %s node", n.kind))
	}
}

func appendString(dst, s []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, ':')
	return append(dst, s...)
}

// EncodedLen is the exact size Encode(n) will produce.
func EncodedLen(n *Node) int {
	switch n.kind {
	case KindString:
		return strLen(len(n.str))
	case KindInt:
		return 2 + intLen(n.num)
	case KindList:
		size := 2
		for _, it := range n.list {
			size += EncodedLen(it)
		}
		return size
	case KindDict:
		size := 2
		for _, e := range n.dict {
			size += strLen(len(e.Key)) + EncodedLen(e.Value)
		}
		return size
	default:
		panic(fmt.Sprintf("bencode: encode of %s node", n.kind))
	}
}

func strLen(n int) int { return intLen(int64(n)) + 1 + n }

func intLen(v int64) int {
	var buf [20]byte
	return len(strconv.AppendInt(buf[:0], v, 10))
}
