package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 5*time.Second, c.TickTimeout())
	assert.Equal(t, 8, c.BucketSize())
	assert.Equal(t, 12300, c.Port())
	assert.Empty(t, c.BootNodes())
	assert.Equal(t, netip.MustParseAddrPort("0.0.0.0:12300"), c.HostAddr())
}

func TestParse_FlattensSections(t *testing.T) {
	c, err := Parse([]byte(`
node:
  tick_tmo: 10
route:
  bucket_sz: 16
dht:
  port: 4000
  addr: 127.0.0.1
boot:
  nodes:
    - 10.0.0.1:12300
    - 10.0.0.2:12300
log:
  level: debug
metrics:
  addr: 127.0.0.1:9100
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, c.TickTimeout())
	assert.Equal(t, 16, c.BucketSize())
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:4000"), c.HostAddr())
	assert.Equal(t, []string{"10.0.0.1:12300", "10.0.0.2:12300"}, c.BootNodes())
	assert.Equal(t, "debug", c.LogLevel())
	assert.Equal(t, "127.0.0.1:9100", c.MetricsAddr())

	s, ok := c.GetStr("route.bucket_sz")
	require.True(t, ok)
	assert.Equal(t, "16", s)

	_, ok = c.GetStr("route.missing")
	assert.False(t, ok)
	_, ok = c.GetInt("log.level")
	assert.False(t, ok)
}

func TestParse_CommaSeparatedBootNodes(t *testing.T) {
	c, err := Parse([]byte("boot:\n  nodes: \"10.0.0.1:1, 10.0.0.2:2\"\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:1", "10.0.0.2:2"}, c.BootNodes())
}

func TestParse_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"bucket":   "route:\n  bucket_sz: 0\n",
		"port":     "dht:\n  port: 70000\n",
		"duration": "waiter:\n  timeout: soon\n",
		"boot":     "boot:\n  nodes: [\"[::1]:5\"]\n",
		"level":    "log:\n  level: chatty\n",
		"addr":     "dht:\n  addr: nowhere\n",
		"node id":  "node:\n  id: \"12ab\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Parse([]byte("route: [unclosed"))
	require.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte("rpc:\n  timeout: 750ms\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, c.RPCTimeout())

	_, err = Load(filepath.Join(t.TempDir(), "absent.conf"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSetAndKeys(t *testing.T) {
	c := Default()
	c.Set(KeyLogLevel, "warn")
	assert.Equal(t, "warn", c.LogLevel())
	keys := c.Keys()
	assert.Contains(t, keys, KeyMetricsAddr)
	assert.IsIncreasing(t, keys)
}
