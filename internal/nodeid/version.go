package nodeid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// VersionParts is the number of dotted components in a Version.
const VersionParts = 5

var ErrVersion = errors.New("nodeid: malformed version")

// Version is a dotted-decimal protocol version such as "0.0.0.1.0".
type Version [VersionParts]uint8

// ParseVersion accepts one to VersionParts components; missing trailing
// components are zero.
func ParseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(s, ".")
	if len(parts) > VersionParts {
		return v, fmt.Errorf("%w: %q has %d components", ErrVersion, s, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return v, fmt.Errorf("%w: %q", ErrVersion, s)
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return v, fmt.Errorf("%w: %q", ErrVersion, s)
			}
		}
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return v, fmt.Errorf("%w: %q: %v", ErrVersion, s, err)
		}
		v[i] = uint8(n)
	}
	return v, nil
}

func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	var sb strings.Builder
	for i, c := range v {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(int(c)))
	}
	return sb.String()
}
