package nodeid

import (
	"errors"
	"strings"
	"testing"
)

func TestParseString_RoundTrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := New()
		s := id.String()
		if len(s) != Len {
			t.Fatalf("expected %d chars, got %d", Len, len(s))
		}
		for _, c := range s {
			if c < '0' || c > '9' {
				t.Fatalf("non-digit %q in %s", c, s)
			}
		}
		back, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%s): %v", s, err)
		}
		if back != id {
			t.Fatalf("round trip mismatch: %s != %s", back, id)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	if _, err := Parse(strings.Repeat("1", Len-1)); !errors.Is(err, ErrLength) {
		t.Fatalf("expected ErrLength, got %v", err)
	}
	if _, err := Parse(strings.Repeat("1", Len-1) + "a"); !errors.Is(err, ErrDigit) {
		t.Fatalf("expected ErrDigit, got %v", err)
	}
	if _, err := ParseToken("deafc137da918b8cd9b95e72fef379a5b54c3f36"); !errors.Is(err, ErrDigit) {
		t.Fatalf("hex token must not parse, got %v", err)
	}
}

func TestToken_RoundTrip(t *testing.T) {
	s := strings.Repeat("1", Len)
	tok := MustParseToken(s)
	if tok.String() != s {
		t.Fatalf("got %s", tok)
	}
	if NewToken() == NewToken() {
		t.Fatalf("two random tokens collided")
	}
}

func TestDump(t *testing.T) {
	id := MustParse("1234567890123456789012345678901234567890")
	want := "1234-5678-9012-3456-7890-1234-5678-9012-3456-7890"
	if got := id.Dump(); got != want {
		t.Fatalf("Dump = %s, want %s", got, want)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a, b := New(), New()
	if Distance(a, b) != Distance(b, a) {
		t.Fatalf("xor not symmetric")
	}
}

func TestBucket_Identical(t *testing.T) {
	for i := 0; i < 20; i++ {
		id := New()
		if got := Bucket(id, id); got != 0 {
			t.Fatalf("expected bucket 0 for identical ids, got %d", got)
		}
	}
}

func TestBucket_Symmetric(t *testing.T) {
	for i := 0; i < 200; i++ {
		a, b := New(), New()
		if Bucket(a, b) != Bucket(b, a) {
			t.Fatalf("bucket not symmetric for %s / %s", a, b)
		}
	}
}

func TestBucket_HighestBit(t *testing.T) {
	var a, b ID
	b[0] = 8 // 0b00001000 in the first byte
	if got, want := Bucket(a, b), BitLen-5; got != want {
		t.Fatalf("expected bucket %d, got %d", want, got)
	}

	b = ID{}
	b[Len-1] = 1
	if got := Bucket(a, b); got != 0 {
		t.Fatalf("lowest bit should be bucket 0, got %d", got)
	}

	b[Len-1] = 2
	if got := Bucket(a, b); got != 1 {
		t.Fatalf("expected bucket 1, got %d", got)
	}
}

func TestMetricLess(t *testing.T) {
	var near, far Metric
	near[Len-1] = 1
	far[0] = 1
	if !near.Less(far) || far.Less(near) || near.Less(near) {
		t.Fatalf("Less ordering broken")
	}
}

func TestVersion(t *testing.T) {
	v, err := ParseVersion("0.0.0.1.0")
	if err != nil {
		t.Fatalf("ParseVersion: %v", err)
	}
	if v.String() != "0.0.0.1.0" {
		t.Fatalf("got %s", v)
	}

	short := MustParseVersion("1.2")
	if short.String() != "1.2.0.0.0" {
		t.Fatalf("got %s", short)
	}

	for _, bad := range []string{"", "1..2", "1.2.3.4.5.6", "a.b", "1.256", "-1"} {
		if _, err := ParseVersion(bad); !errors.Is(err, ErrVersion) {
			t.Fatalf("ParseVersion(%q): expected ErrVersion, got %v", bad, err)
		}
	}
}

func TestHashOf(t *testing.T) {
	a := HashOf([]byte("relay"))
	b := HashOf([]byte("relay"))
	c := HashOf([]byte("stun"))
	if a != b {
		t.Fatalf("hash not deterministic")
	}
	if a == c {
		t.Fatalf("different inputs hashed equal")
	}
	if _, err := ParseToken(a.String()); err != nil {
		t.Fatalf("hash is not a valid digit string: %v", err)
	}
}
