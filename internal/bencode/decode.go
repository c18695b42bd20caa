package bencode

import (
	"errors"
	"fmt"
	"strconv"
)

const maxDepth = 64

var (
	ErrUnexpectedEOF  = errors.New("bencode: unexpected end of input")
	ErrBadLeadByte    = errors.New("bencode: unknown lead byte")
	ErrBadLength      = errors.New("bencode: malformed length prefix")
	ErrLengthOverflow = errors.New("bencode: length exceeds remaining input")
	ErrBadInt         = errors.New("bencode: malformed integer")
	ErrKeyNotString   = errors.New("bencode: dictionary key is not a string")
	ErrTrailingData   = errors.New("bencode: trailing data after value")
	ErrTooDeep        = errors.New("bencode: nesting too deep")
)

// DecodeError reports where in the input decoding stopped.
type DecodeError struct {
	Off int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v (offset %d)", e.Err, e.Off)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses exactly one value spanning all of buf.
func Decode(buf []byte) (*Node, error) {
	d := decoder{buf: buf}
	n, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.off != len(d.buf) {
		return nil, d.fail(ErrTrailingData)
	}
	return n, nil
}

type decoder struct {
	buf   []byte
	off   int
	depth int
}

func (d *decoder) fail(err error) error {
	return &DecodeError{Off: d.off, Err: err}
}

func (d *decoder) value() (*Node, error) {
	if d.off >= len(d.buf) {
		return nil, d.fail(ErrUnexpectedEOF)
	}
	switch c := d.buf[d.off]; {
	case c == 'i':
		d.off++
		v, err := d.integer()
		if err != nil {
			return nil, err
		}
		return Int(v), nil
	case c == 'l':
		return d.listValue()
	case c == 'd':
		return d.dictValue()
	case c >= '0' && c <= '9':
		return d.stringValue()
	default:
		return nil, d.fail(ErrBadLeadByte)
	}
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > maxDepth {
		return d.fail(ErrTooDeep)
	}
	return nil
}

func (d *decoder) listValue() (*Node, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	d.off++ // 'l'
	n := &Node{kind: KindList}
	for {
		if d.off >= len(d.buf) {
			return nil, d.fail(ErrUnexpectedEOF)
		}
		if d.buf[d.off] == 'e' {
			d.off++
			return n, nil
		}
		it, err := d.value()
		if err != nil {
			return nil, err
		}
		n.list = append(n.list, it)
	}
}

func (d *decoder) dictValue() (*Node, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	d.off++ // 'd'
	n := &Node{kind: KindDict}
	for {
		if d.off >= len(d.buf) {
			return nil, d.fail(ErrUnexpectedEOF)
		}
		c := d.buf[d.off]
		if c == 'e' {
			d.off++
			return n, nil
		}
		if c < '0' || c > '9' {
			return nil, d.fail(ErrKeyNotString)
		}
		key, err := d.stringValue()
		if err != nil {
			return nil, err
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		n.dict = append(n.dict, Entry{Key: string(key.str), Value: v})
	}
}

func (d *decoder) stringValue() (*Node, error) {
	start := d.off
	for d.off < len(d.buf) && d.buf[d.off] != ':' {
		c := d.buf[d.off]
		if c < '0' || c > '9' {
			return nil, d.fail(ErrBadLength)
		}
		d.off++
	}
	if d.off >= len(d.buf) {
		return nil, d.fail(ErrUnexpectedEOF)
	}
	digits := d.buf[start:d.off]
	if len(digits) == 0 || (len(digits) > 1 && digits[0] == '0') || len(digits) > 10 {
		return nil, &DecodeError{Off: start, Err: ErrBadLength}
	}
	size, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, &DecodeError{Off: start, Err: ErrBadLength}
	}
	d.off++ // ':'
	if size > len(d.buf)-d.off {
		return nil, &DecodeError{Off: start, Err: ErrLengthOverflow}
	}
	s := make([]byte, size)
	copy(s, d.buf[d.off:d.off+size])
	d.off += size
	return &Node{kind: KindString, str: s, declen: size}, nil
}

func (d *decoder) integer() (int64, error) {
	start := d.off
	for d.off < len(d.buf) && d.buf[d.off] != 'e' {
		d.off++
	}
	if d.off >= len(d.buf) {
		return 0, d.fail(ErrUnexpectedEOF)
	}
	body := d.buf[start:d.off]
	if !canonicalInt(body) {
		return 0, &DecodeError{Off: start, Err: ErrBadInt}
	}
	v, err := strconv.ParseInt(string(body), 10, 64)
	if err != nil {
		return 0, &DecodeError{Off: start, Err: ErrBadInt}
	}
	d.off++ // 'e'
	return v, nil
}

// canonicalInt accepts -?[0-9]+ without leading zeros and without "-0".
func canonicalInt(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	digits := b
	if b[0] == '-' {
		digits = b[1:]
		if len(digits) == 0 || digits[0] == '0' {
			return false
		}
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(digits) == 1 || digits[0] != '0'
}
