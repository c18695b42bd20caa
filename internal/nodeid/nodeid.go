// Package nodeid holds the fixed-length decimal identifiers of the DHT:
// node ids, transaction tokens and protocol versions, plus the XOR metric
// used to place nodes into buckets.
package nodeid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// Len is the number of digits in an ID or Token. Each byte holds one digit 0-9.
const Len = 40

// BitLen is the width of the XOR metric in bits.
const BitLen = Len * 8

var (
	ErrLength = errors.New("nodeid: wrong length")
	ErrDigit  = errors.New("nodeid: non-digit character")
)

type ID [Len]byte

// Token correlates a query with its response. It shares the ID encoding.
type Token [Len]byte

func parseDigits(s string, out *[Len]byte) error {
	if len(s) != Len {
		return fmt.Errorf("%w: want %d digits, got %d", ErrLength, Len, len(s))
	}
	for i := 0; i < Len; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: %q at %d", ErrDigit, c, i)
		}
		out[i] = c - '0'
	}
	return nil
}

func formatDigits(d *[Len]byte) string {
	var b [Len]byte
	for i := 0; i < Len; i++ {
		b[i] = d[i] + '0'
	}
	return string(b[:])
}

func dumpDigits(d *[Len]byte) string {
	var sb strings.Builder
	sb.Grow(Len + Len/4)
	for i := 0; i < Len; i++ {
		sb.WriteByte(d[i] + '0')
		if i%4 == 3 && i+1 != Len {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

func randomDigits(d *[Len]byte) {
	var raw [Len]byte
	_, _ = rand.Read(raw[:])
	for i := range raw {
		d[i] = raw[i] % 10
	}
}

func Parse(s string) (ID, error) {
	var id ID
	err := parseDigits(s, (*[Len]byte)(&id))
	return id, err
}

func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// New returns a random ID.
func New() (id ID) {
	randomDigits((*[Len]byte)(&id))
	return
}

// Valid reports whether every byte is a digit in [0,9].
func (id ID) Valid() bool {
	for _, c := range id {
		if c > 9 {
			return false
		}
	}
	return true
}

func (id ID) String() string { return formatDigits((*[Len]byte)(&id)) }

// Dump renders the id in groups of four digits.
func (id ID) Dump() string { return dumpDigits((*[Len]byte)(&id)) }

func (id ID) IsZero() bool { return id == ID{} }

func ParseToken(s string) (Token, error) {
	var tok Token
	err := parseDigits(s, (*[Len]byte)(&tok))
	return tok, err
}

func MustParseToken(s string) Token {
	tok, err := ParseToken(s)
	if err != nil {
		panic(err)
	}
	return tok
}

func NewToken() (tok Token) {
	randomDigits((*[Len]byte)(&tok))
	return
}

func (t Token) String() string { return formatDigits((*[Len]byte)(&t)) }
func (t Token) Dump() string   { return dumpDigits((*[Len]byte)(&t)) }
