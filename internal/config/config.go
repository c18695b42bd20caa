// Package config loads the node configuration. The file is YAML; nested
// sections are flattened so every value is addressed as "section.key".
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"vdht/internal/nodeid"
)

const DefaultFile = "vdht.conf"

// Keys understood by the typed getters.
const (
	KeyNodeID      = "node.id"
	KeyTickTimeout = "node.tick_tmo"
	KeyBucketSize  = "route.bucket_sz"
	KeyBootNodes   = "boot.nodes"
	KeyPort        = "dht.port"
	KeyHostAddr    = "dht.addr"
	KeyUnixPath    = "lsctl.unix_path"
	KeyDBPath      = "db.path"
	KeyLogLevel    = "log.level"
	KeyLogFile     = "log.file"
	KeyWaitTimeout = "waiter.timeout"
	KeyRPCTimeout  = "rpc.timeout"
	KeyMetricsAddr = "metrics.addr"
	KeyRateLimit   = "rpc.rate_limit"
)

var (
	ErrMissing = errors.New("config: key not set")
	ErrInvalid = errors.New("config: invalid value")
)

// Config is a flat key/value view of the configuration file layered over
// the defaults.
type Config struct {
	vals map[string]any
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{vals: map[string]any{
		KeyNodeID:      "",
		KeyTickTimeout: "5s",
		KeyBucketSize:  8,
		KeyBootNodes:   []any{},
		KeyPort:        12300,
		KeyHostAddr:    "0.0.0.0",
		KeyUnixPath:    "",
		KeyDBPath:      "",
		KeyLogLevel:    "info",
		KeyLogFile:     "",
		KeyWaitTimeout: "500ms",
		KeyRPCTimeout:  "2s",
		KeyMetricsAddr: "",
		KeyRateLimit:   20,
	}}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	c := Default()
	flatten("", raw, c.vals)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}

// Set overrides one key, as command-line flags do.
func (c *Config) Set(key string, v any) { c.vals[key] = v }

// Keys lists every key, sorted.
func (c *Config) Keys() []string {
	out := make([]string, 0, len(c.vals))
	for k := range c.vals {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetStr returns the value of key rendered as a string.
func (c *Config) GetStr(key string) (string, bool) {
	v, ok := c.vals[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ","), true
	default:
		return fmt.Sprint(t), true
	}
}

// GetInt returns the value of key as an integer. Numeric strings are
// accepted.
func (c *Config) GetInt(key string) (int, bool) {
	v, ok := c.vals[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// GetDuration reads a duration such as "5s"; a bare integer is seconds.
func (c *Config) GetDuration(key string) (time.Duration, error) {
	if n, ok := c.GetInt(key); ok {
		return time.Duration(n) * time.Second, nil
	}
	s, ok := c.GetStr(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return d, nil
}

func (c *Config) mustDuration(key string) time.Duration {
	d, _ := c.GetDuration(key)
	return d
}

func (c *Config) mustInt(key string) int {
	n, _ := c.GetInt(key)
	return n
}

func (c *Config) mustStr(key string) string {
	s, _ := c.GetStr(key)
	return s
}

func (c *Config) NodeID() string             { return c.mustStr(KeyNodeID) }
func (c *Config) TickTimeout() time.Duration { return c.mustDuration(KeyTickTimeout) }
func (c *Config) WaitTimeout() time.Duration { return c.mustDuration(KeyWaitTimeout) }
func (c *Config) RPCTimeout() time.Duration  { return c.mustDuration(KeyRPCTimeout) }
func (c *Config) BucketSize() int            { return c.mustInt(KeyBucketSize) }
func (c *Config) Port() int                  { return c.mustInt(KeyPort) }
func (c *Config) RateLimit() int             { return c.mustInt(KeyRateLimit) }
func (c *Config) UnixPath() string           { return c.mustStr(KeyUnixPath) }
func (c *Config) DBPath() string             { return c.mustStr(KeyDBPath) }
func (c *Config) LogLevel() string           { return c.mustStr(KeyLogLevel) }
func (c *Config) LogFile() string            { return c.mustStr(KeyLogFile) }
func (c *Config) MetricsAddr() string        { return c.mustStr(KeyMetricsAddr) }

// HostAddr is the UDP address the node binds.
func (c *Config) HostAddr() netip.AddrPort {
	ip, err := netip.ParseAddr(c.mustStr(KeyHostAddr))
	if err != nil {
		ip = netip.IPv4Unspecified()
	}
	return netip.AddrPortFrom(ip, uint16(c.Port()))
}

// BootNodes lists the configured boot node addresses. The value may be a
// YAML sequence or a comma separated string.
func (c *Config) BootNodes() []string {
	s, ok := c.GetStr(KeyBootNodes)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that every typed value parses and is in range.
func (c *Config) Validate() error {
	var err error
	for _, k := range []string{KeyTickTimeout, KeyWaitTimeout, KeyRPCTimeout} {
		d, derr := c.GetDuration(k)
		if derr != nil {
			err = multierr.Append(err, derr)
		} else if d <= 0 {
			err = multierr.Append(err, fmt.Errorf("%w: %s must be positive", ErrInvalid, k))
		}
	}
	if n, ok := c.GetInt(KeyBucketSize); !ok || n <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: %s", ErrInvalid, KeyBucketSize))
	}
	if n, ok := c.GetInt(KeyPort); !ok || n < 0 || n > 65535 {
		err = multierr.Append(err, fmt.Errorf("%w: %s", ErrInvalid, KeyPort))
	}
	if n, ok := c.GetInt(KeyRateLimit); !ok || n <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: %s", ErrInvalid, KeyRateLimit))
	}
	if _, perr := netip.ParseAddr(c.mustStr(KeyHostAddr)); perr != nil {
		err = multierr.Append(err, fmt.Errorf("%w: %s: %v", ErrInvalid, KeyHostAddr, perr))
	}
	for _, b := range c.BootNodes() {
		ap, perr := netip.ParseAddrPort(b)
		if perr != nil || !ap.Addr().Is4() {
			err = multierr.Append(err, fmt.Errorf("%w: boot node %q", ErrInvalid, b))
		}
	}
	if id := c.NodeID(); id != "" {
		if _, perr := nodeid.Parse(id); perr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: %s: %v", ErrInvalid, KeyNodeID, perr))
		}
	}
	switch c.LogLevel() {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("%w: %s %q", ErrInvalid, KeyLogLevel, c.LogLevel()))
	}
	return err
}
