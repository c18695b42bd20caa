package bootstrap

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

type recordingJoiner struct {
	mu     sync.Mutex
	joined []netip.AddrPort
	fail   map[netip.AddrPort]bool
}

func (r *recordingJoiner) Join(ctx context.Context, a netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, a)
	if r.fail[a] {
		return errors.New("no answer")
	}
	return nil
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }
func (failingSource) Discover(context.Context) ([]netip.AddrPort, error) {
	return nil, errors.New("broken")
}

type memNodes []proto.NodeInfo

func (m memNodes) LoadNodes() ([]proto.NodeInfo, error) { return m, nil }

func TestParseStatic(t *testing.T) {
	s, err := ParseStatic("", []string{"10.0.0.1:12300", "10.0.0.2:12300"})
	require.NoError(t, err)
	assert.Equal(t, "static", s.Name())
	assert.Len(t, s.Addrs, 2)

	_, err = ParseStatic("boot", []string{"[::1]:80"})
	assert.Error(t, err)
	_, err = ParseStatic("boot", []string{"nope"})
	assert.Error(t, err)
}

func TestCandidates_DedupAcrossSources(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:12300")
	b := netip.MustParseAddrPort("10.0.0.2:12300")

	var ni proto.NodeInfo
	ni.ID = nodeid.New()
	ni.SetExt(b)
	var noAddr proto.NodeInfo
	noAddr.ID = nodeid.New()

	got := Candidates(context.Background(), zap.NewNop(),
		StaticSource{Addrs: []netip.AddrPort{a, b, a}},
		failingSource{},
		StoredSource{Store: memNodes{ni, noAddr}},
	)
	assert.ElementsMatch(t, []netip.AddrPort{a, b}, got)
}

func TestRunOnce_JoinsAndCounts(t *testing.T) {
	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:1"),
		netip.MustParseAddrPort("10.0.0.2:1"),
		netip.MustParseAddrPort("10.0.0.3:1"),
	}
	j := &recordingJoiner{fail: map[netip.AddrPort]bool{addrs[1]: true}}

	n := RunOnce(context.Background(), j, nil, DefaultConfig(), StaticSource{Addrs: addrs})
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, addrs, j.joined)
}

func TestRunOnce_RespectsLimit(t *testing.T) {
	var addrs []netip.AddrPort
	for i := 1; i <= 20; i++ {
		addrs = append(addrs, netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 1))
	}
	j := &recordingJoiner{}
	cfg := DefaultConfig()
	cfg.MaxJoinPerRound = 5

	assert.Equal(t, 5, RunOnce(context.Background(), j, nil, cfg, StaticSource{Addrs: addrs}))
	assert.Len(t, j.joined, 5)
}

func TestStoredSource_Limit(t *testing.T) {
	var nodes memNodes
	for i := 1; i <= 4; i++ {
		var ni proto.NodeInfo
		ni.ID = nodeid.New()
		ni.SetLocal(netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 0, byte(i)}), 12300))
		nodes = append(nodes, ni)
	}
	got, err := StoredSource{Store: nodes, Limit: 2}.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
